package bufferpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/crescent-stdio/wave-roll-sub001/internal/backend"
	"github.com/crescent-stdio/wave-roll-sub001/internal/backend/backendtest"
	"github.com/crescent-stdio/wave-roll-sub001/internal/eventloop"
	"github.com/crescent-stdio/wave-roll-sub001/internal/registry"
)

type fixture struct {
	be     *backendtest.Backend
	loop   *eventloop.Manual
	reg    *registry.Memory
	pool   *Pool
	loaded []string

	mu    sync.Mutex
	gates map[string]chan struct{}
}

func buffer(seconds float64) backend.Buffer {
	return backend.Buffer{SampleRate: 100, Data: make([]float32, int(seconds*100)*2)}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		loop:  eventloop.NewManual(time.Unix(0, 0)),
		reg:   registry.NewMemory(),
		gates: make(map[string]chan struct{}),
	}
	f.be = backendtest.New(f.loop)
	f.pool = New(Options{
		Registry:  f.reg,
		Backend:   f.be,
		Scheduler: f.loop,
		Logger:    zaptest.NewLogger(t),
		Loader: func(path string) (backend.Buffer, error) {
			f.mu.Lock()
			gate := f.gates[path]
			f.mu.Unlock()
			if gate != nil {
				<-gate
			}
			if path == "broken.wav" {
				return backend.Buffer{}, errors.New("bad header")
			}
			return buffer(10), nil
		},
		OnLoaded: func(id string) { f.loaded = append(f.loaded, id) },
	})
	return f
}

// hold makes the loader for path block until the returned func is called.
func (f *fixture) hold(path string) func() {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[path] = gate
	f.mu.Unlock()
	return func() { close(gate) }
}

func (f *fixture) settle(t *testing.T) {
	t.Helper()
	require.NoError(t, f.pool.WaitLoaded(context.Background()))
	f.loop.Drain()
}

func TestSyncAddsAndRemoves(t *testing.T) {
	f := newFixture(t)
	a := f.reg.Add("a", "a.wav", registry.KindAudio)
	f.reg.Add("notes", "notes.json", registry.KindNotes)

	assert.True(t, f.pool.Sync())
	assert.False(t, f.pool.Sync())
	assert.Equal(t, 1, f.pool.Len())
	f.settle(t)
	assert.Equal(t, []string{a.ID}, f.loaded)
	assert.InDelta(t, 10, f.pool.MaxDuration(), 1e-9)

	f.reg.Remove(a.ID)
	assert.True(t, f.pool.Sync())
	assert.False(t, f.pool.Has(a.ID))
	assert.True(t, f.be.Players()[0].Disposed())
}

func TestStartActiveSkipsMutedAndHidden(t *testing.T) {
	f := newFixture(t)
	a := f.reg.Add("a", "a.wav", registry.KindAudio)
	b := f.reg.Add("b", "b.wav", registry.KindAudio)
	c := f.reg.Add("c", "c.wav", registry.KindAudio)
	f.pool.Sync()
	f.settle(t)

	f.pool.SetFileMute(b.ID, true)
	f.reg.SetVisible(c.ID, false)
	f.pool.Sync()

	f.pool.StartActiveAt(2, 0)
	players := f.be.Players()
	assert.True(t, players[0].Playing())
	assert.False(t, players[1].Playing())
	assert.False(t, players[2].Playing())
	assert.Equal(t, []float64{2}, players[0].Offsets)

	f.pool.StartActiveAt(3, 0)
	assert.Equal(t, []float64{2, 3}, players[0].Offsets, "stop before start, never rejected")
	for _, call := range f.be.Calls() {
		assert.NotContains(t, call, "rejected")
	}
	_ = a
}

func TestQueuedStartFiresAfterDecode(t *testing.T) {
	f := newFixture(t)
	release := f.hold("slow.wav")
	f.reg.Add("slow", "slow.wav", registry.KindAudio)
	f.pool.Sync()

	f.pool.StartActiveAt(1, 0)
	f.be.Advance(0.5)
	release()
	f.settle(t)

	p := f.be.Players()[0]
	require.True(t, p.Playing())
	// half a second elapsed while decoding
	assert.InDelta(t, 1.5, p.Offsets[0], 1e-9)
}

func TestStopAllCancelsQueuedStart(t *testing.T) {
	f := newFixture(t)
	release := f.hold("slow.wav")
	f.reg.Add("slow", "slow.wav", registry.KindAudio)
	f.pool.Sync()

	f.pool.StartActiveAt(1, 0)
	f.pool.StopAll()
	release()
	f.settle(t)

	p := f.be.Players()[0]
	assert.True(t, p.Loaded())
	assert.False(t, p.Playing())
}

func TestDecodeAfterRemovalIsIgnored(t *testing.T) {
	f := newFixture(t)
	release := f.hold("slow.wav")
	file := f.reg.Add("slow", "slow.wav", registry.KindAudio)
	f.pool.Sync()
	f.pool.StartActiveAt(0, 0)

	f.reg.Remove(file.ID)
	f.pool.Sync()
	release()
	// the entry is gone, so wait on the decode through the loop instead
	require.Eventually(t, func() bool {
		f.loop.Drain()
		return f.be.Players()[0].Disposed() && f.loop.Pending() == 0
	}, time.Second, time.Millisecond)

	assert.False(t, f.be.Players()[0].Loaded())
	assert.Empty(t, f.loaded)
}

func TestDecodeFailureIsSilent(t *testing.T) {
	f := newFixture(t)
	f.reg.Add("broken", "broken.wav", registry.KindAudio)
	f.pool.Sync()
	assert.True(t, f.pool.Audible(), "decoding entries count as audible")
	f.settle(t)

	assert.False(t, f.pool.Audible())
	f.pool.StartActiveAt(0, 0)
	assert.False(t, f.be.Players()[0].Playing())
}

func TestMixSettings(t *testing.T) {
	f := newFixture(t)
	a := f.reg.Add("a", "a.wav", registry.KindAudio)
	f.pool.Sync()
	f.settle(t)

	assert.True(t, f.pool.SetFileVolume(a.ID, 0.5))
	f.pool.SetVolume(0.5)
	assert.True(t, f.pool.SetFilePan(a.ID, 0.75))
	f.pool.SetPan(0.5)
	f.pool.SetPlaybackRate(200)

	vol, pan, rate := f.be.Players()[0].Snapshot()
	assert.InDelta(t, 0.25, vol, 1e-12)
	assert.InDelta(t, 1, pan, 1e-12)
	assert.InDelta(t, 2, rate, 1e-12)

	assert.False(t, f.pool.SetFileVolume("missing", 1))
	assert.False(t, f.pool.SetFileMute("missing", true))
	assert.False(t, f.pool.StartFileAt("missing", 0, 0))

	f.pool.SetFileVolume(a.ID, 0)
	assert.False(t, f.pool.Audible())
}

func TestOffsetPastEndDoesNotStart(t *testing.T) {
	f := newFixture(t)
	f.reg.Add("a", "a.wav", registry.KindAudio)
	f.pool.Sync()
	f.settle(t)

	f.pool.StartActiveAt(12, 0)
	assert.False(t, f.be.Players()[0].Playing())
}

func TestDispose(t *testing.T) {
	f := newFixture(t)
	f.reg.Add("a", "a.wav", registry.KindAudio)
	f.pool.Sync()
	f.settle(t)
	f.pool.StartActiveAt(0, 0)

	f.pool.Dispose()
	assert.Equal(t, 0, f.pool.Len())
	assert.True(t, f.be.Players()[0].Disposed())
	assert.False(t, f.pool.Sync())
}
