package soft

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescent-stdio/wave-roll-sub001/internal/backend"
)

const testRate = 1000

func newTestMixer() *Mixer {
	return New(Options{SampleRate: testRate})
}

func render(m *Mixer, seconds float64) []float32 {
	buf := make([]float32, int(seconds*testRate)*2)
	m.Process(buf)
	return buf
}

func energy(buf []float32) float64 {
	var e float64
	for _, s := range buf {
		e += math.Abs(float64(s))
	}
	return e
}

func TestTransportAdvancesAfterStart(t *testing.T) {
	m := newTestMixer()
	tr := m.Transport()
	render(m, 0.1)
	assert.Equal(t, 0.0, tr.Seconds())

	tr.Start(m.Now(), 2)
	render(m, 0.5)
	assert.InDelta(t, 2.5, tr.Seconds(), 1e-9)
	assert.Equal(t, backend.TransportStarted, tr.State())

	tr.Pause()
	render(m, 0.5)
	assert.InDelta(t, 2.5, tr.Seconds(), 1e-9)

	tr.Stop()
	assert.Equal(t, 0.0, tr.Seconds())
	assert.Equal(t, backend.TransportStopped, tr.State())
}

func TestTransportLoopRaisesEvent(t *testing.T) {
	m := newTestMixer()
	tr := m.Transport()
	var loops []backend.Event
	sub := tr.Subscribe(backend.EventLoop, func(ev backend.Event) { loops = append(loops, ev) })

	tr.SetLoop(true, 1, 2)
	tr.Start(m.Now(), 1.5)
	render(m, 0.75)
	require.Len(t, loops, 1)
	assert.InDelta(t, 1.25, tr.Seconds(), 1e-6)
	assert.InDelta(t, 0.5, loops[0].When, 0.002)

	sub.Unsubscribe()
	sub.Unsubscribe()
	render(m, 1)
	assert.Len(t, loops, 1)
}

func TestStopAndPauseEventsReachSubscribers(t *testing.T) {
	m := newTestMixer()
	tr := m.Transport()
	var kinds []backend.EventKind
	for _, k := range []backend.EventKind{backend.EventStart, backend.EventStop, backend.EventPause} {
		tr.Subscribe(k, func(ev backend.Event) { kinds = append(kinds, ev.Kind) })
	}
	tr.Start(0, 0)
	tr.Pause()
	tr.Pause() // already paused: no second event
	tr.Stop()
	assert.Equal(t, []backend.EventKind{backend.EventStart, backend.EventPause, backend.EventStop}, kinds)
}

func TestPartTriggersAtEventTime(t *testing.T) {
	m := New(Options{SampleRate: 8000})
	part := m.NewPart([]backend.PartEvent{
		{Time: 0.5, Duration: 0.2, Voice: backend.Voice{Pitch: 69, Velocity: 1, Channel: "a"}},
	}, backend.PartLoop{})
	require.NoError(t, part.Start(m.Now(), 0))

	before := make([]float32, 8000/4*2)
	m.Process(before)
	assert.Zero(t, energy(before))

	after := make([]float32, 8000/2*2)
	m.Process(after)
	assert.NotZero(t, energy(after))
}

func TestPartRejectsReentrantStart(t *testing.T) {
	m := newTestMixer()
	part := m.NewPart(nil, backend.PartLoop{})
	require.NoError(t, part.Start(0, 0))
	assert.ErrorIs(t, part.Start(0, 0), backend.ErrAlreadyStarted)
	part.Stop()
	part.Stop()
	assert.False(t, part.Started())
	require.NoError(t, part.Start(0, 0))

	part.Dispose()
	assert.ErrorIs(t, part.Start(0, 0), backend.ErrDisposed)
}

func TestPartOffsetSkipsEarlierEvents(t *testing.T) {
	m := New(Options{SampleRate: 8000})
	m.Instrument().SetChannel("a", backend.ChannelParams{Gain: 1})
	part := m.NewPart([]backend.PartEvent{
		{Time: 0.1, Duration: 0.05, Voice: backend.Voice{Pitch: 60, Velocity: 1, Channel: "a"}},
	}, backend.PartLoop{})
	require.NoError(t, part.Start(m.Now(), 0.2))
	buf := make([]float32, 8000*2)
	m.Process(buf)
	assert.Zero(t, energy(buf))
}

func TestMutedChannelIsSkippedAtDispatch(t *testing.T) {
	m := New(Options{SampleRate: 8000})
	m.Instrument().SetChannel("a", backend.ChannelParams{Gain: 1, Muted: true})
	part := m.NewPart([]backend.PartEvent{
		{Time: 0, Duration: 0.5, Voice: backend.Voice{Pitch: 60, Velocity: 1, Channel: "a"}},
	}, backend.PartLoop{})
	require.NoError(t, part.Start(m.Now(), 0))
	buf := make([]float32, 8000/2*2)
	m.Process(buf)
	assert.Zero(t, energy(buf))
}

func constantBuffer(rate int, seconds float64, v float32) backend.Buffer {
	data := make([]float32, int(seconds*float64(rate))*2)
	for i := range data {
		data[i] = v
	}
	return backend.Buffer{SampleRate: rate, Data: data}
}

func TestBufferPlayerPlaysFromOffset(t *testing.T) {
	m := newTestMixer()
	pl := m.NewBufferPlayer()
	assert.ErrorIs(t, pl.Start(0, 0), backend.ErrNotLoaded)

	pl.Load(constantBuffer(testRate, 1, 0.5))
	require.True(t, pl.Loaded())
	assert.InDelta(t, 1.0, pl.Duration(), 1e-9)

	require.NoError(t, pl.Start(m.Now(), 0.5))
	assert.ErrorIs(t, pl.Start(m.Now(), 0), backend.ErrAlreadyStarted)

	out := render(m, 0.25)
	assert.InDelta(t, 0.5, out[0], 1e-6)
	assert.InDelta(t, 0.5, out[len(out)-1], 1e-6)

	render(m, 0.5)
	assert.False(t, pl.Playing(), "player stops at the end of its buffer")
}

func TestBufferPlayerRateAndGain(t *testing.T) {
	m := newTestMixer()
	pl := m.NewBufferPlayer()
	pl.Load(constantBuffer(testRate, 1, 0.5))
	pl.SetPlaybackRate(2)
	pl.SetVolume(0.5)
	require.NoError(t, pl.Start(m.Now(), 0))

	out := render(m, 0.4)
	assert.InDelta(t, 0.25, out[0], 1e-6)
	render(m, 0.2)
	assert.False(t, pl.Playing(), "double rate finishes a 1s buffer in 0.5s")
}

func TestBufferPlayerOffsetPastEndDoesNotPlay(t *testing.T) {
	m := newTestMixer()
	pl := m.NewBufferPlayer()
	pl.Load(constantBuffer(testRate, 1, 0.5))
	require.NoError(t, pl.Start(0, 3))
	assert.False(t, pl.Playing())
}

func TestReadyWithoutOutput(t *testing.T) {
	m := newTestMixer()
	require.NoError(t, m.Ready(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Ready(ctx), context.Canceled)
}

type stubOutput struct{ closed bool }

func (o *stubOutput) Ready(context.Context) error { return nil }
func (o *stubOutput) Close() error                { o.closed = true; return nil }

func TestCloseReleasesOutput(t *testing.T) {
	m := newTestMixer()
	out := &stubOutput{}
	m.AttachOutput(out)
	m.Transport().Start(0, 0)
	require.NoError(t, m.Close())
	assert.True(t, out.closed)
	assert.Equal(t, backend.TransportStopped, m.Transport().State())
}
