package eventloop

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsInPostOrder(t *testing.T) {
	l := New()
	defer l.Close()

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	require.NoError(t, l.Do(func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestLoopDoAfterCloseFails(t *testing.T) {
	l := New()
	l.Close()
	assert.ErrorIs(t, l.Do(func() {}), ErrClosed)
}

func TestLoopStoppedTimerNeverRuns(t *testing.T) {
	l := New()
	defer l.Close()

	var mu sync.Mutex
	fired := false
	tm := l.AfterFunc(time.Hour, func() {
		mu.Lock()
		fired = true
		mu.Unlock()
	})
	assert.True(t, tm.Stop())
	require.NoError(t, l.Do(func() {}))
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, fired)
}

func TestLoopAfterFuncRunsOnLoop(t *testing.T) {
	l := New()
	defer l.Close()

	done := make(chan struct{})
	l.AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestManualAdvanceFiresTimersInOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var got []string
	m.AfterFunc(20*time.Millisecond, func() { got = append(got, "b") })
	m.AfterFunc(10*time.Millisecond, func() {
		got = append(got, "a")
		m.Post(func() { got = append(got, "a-posted") })
	})
	stopped := m.AfterFunc(15*time.Millisecond, func() { got = append(got, "never") })
	stopped.Stop()

	m.Advance(5 * time.Millisecond)
	assert.Empty(t, got)
	m.Advance(20 * time.Millisecond)
	assert.Equal(t, []string{"a", "a-posted", "b"}, got)
	assert.Equal(t, time.Unix(0, 0).Add(25*time.Millisecond), m.Now())
}

func TestManualTimerScheduledFromTimer(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		m.AfterFunc(10*time.Millisecond, tick)
	}
	m.AfterFunc(10*time.Millisecond, tick)
	m.Advance(55 * time.Millisecond)
	assert.Equal(t, 5, count)
}
