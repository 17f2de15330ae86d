// Package soft is a software scheduling backend. A single sample-clock loop
// advances the transport, every started part and every buffer player, so all
// sources stay frame-locked. Audio is pulled through Process, either by the
// ebiten output stream or directly for offline rendering.
package soft

import (
	"context"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/crescent-stdio/wave-roll-sub001/internal/backend"
	"github.com/crescent-stdio/wave-roll-sub001/internal/eventloop"
	"github.com/crescent-stdio/wave-roll-sub001/internal/logger"
	"github.com/crescent-stdio/wave-roll-sub001/internal/synth"
)

// Output is a device the mixer renders into.
type Output interface {
	Ready(ctx context.Context) error
	Close() error
}

type Options struct {
	SampleRate int
	// Scheduler receives transport event callbacks. When nil they run
	// synchronously after the frame that raised them.
	Scheduler eventloop.Scheduler
	Logger    *zap.Logger
	Synth     synth.Params
}

type Mixer struct {
	mu         sync.Mutex
	sampleRate int
	frame      int64
	sched      eventloop.Scheduler
	log        *zap.Logger

	transport  *Transport
	instrument *Instrument
	parts      map[*Part]struct{}
	players    map[*BufferPlayer]struct{}
	output     Output

	// events raised while mu is held; delivered after unlock
	raised []raisedEvent
}

type raisedEvent struct {
	ev       backend.Event
	handlers []func(backend.Event)
}

var _ backend.Backend = (*Mixer)(nil)

func New(opts Options) *Mixer {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 48000
	}
	if opts.Synth.Voices == 0 {
		opts.Synth = synth.DefaultParams()
	}
	m := &Mixer{
		sampleRate: opts.SampleRate,
		sched:      opts.Scheduler,
		log:        logger.OrNop(opts.Logger),
		parts:      make(map[*Part]struct{}),
		players:    make(map[*BufferPlayer]struct{}),
	}
	m.transport = newTransport(m)
	m.instrument = newInstrument(m, synth.New(opts.SampleRate, opts.Synth))
	return m
}

// AttachOutput sets the device Ready waits on and Close releases.
func (m *Mixer) AttachOutput(out Output) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.output = out
}

func (m *Mixer) SampleRate() int { return m.sampleRate }

func (m *Mixer) Ready(ctx context.Context) error {
	m.mu.Lock()
	out := m.output
	m.mu.Unlock()
	if out == nil {
		return ctx.Err()
	}
	return out.Ready(ctx)
}

func (m *Mixer) Now() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nowLocked()
}

func (m *Mixer) nowLocked() float64 {
	return float64(m.frame) / float64(m.sampleRate)
}

// frameAt converts a backend time to the first frame at or after it.
func (m *Mixer) frameAt(when float64) int64 {
	f := int64(math.Ceil(when*float64(m.sampleRate) - 1e-9))
	if f < m.frame {
		return m.frame
	}
	return f
}

func (m *Mixer) Transport() backend.Transport { return m.transport }

func (m *Mixer) Instrument() backend.Instrument { return m.instrument }

func (m *Mixer) NewPart(events []backend.PartEvent, loop backend.PartLoop) backend.Part {
	p := newPart(m, events, loop)
	m.mu.Lock()
	m.parts[p] = struct{}{}
	m.mu.Unlock()
	return p
}

func (m *Mixer) NewBufferPlayer() backend.BufferPlayer {
	p := newBufferPlayer(m)
	m.mu.Lock()
	m.players[p] = struct{}{}
	m.mu.Unlock()
	return p
}

// Process renders interleaved stereo frames into dst.
func (m *Mixer) Process(dst []float32) {
	m.mu.Lock()
	frames := len(dst) / 2
	dt := 1 / float64(m.sampleRate)
	for f := 0; f < frames; f++ {
		m.transport.advance(m.frame, dt)
		for p := range m.parts {
			p.advance(m.frame, dt)
		}
		m.instrument.dispatch(m.frame)
		l, r := m.instrument.engine.RenderFrame()
		for p := range m.players {
			pl, pr := p.render(m.frame)
			l += pl
			r += pr
		}
		dst[f*2] = clamp32(l)
		dst[f*2+1] = clamp32(r)
		m.frame++
	}
	raised := m.raised
	m.raised = nil
	m.mu.Unlock()
	m.deliver(raised)
}

func (m *Mixer) raiseLocked(ev backend.Event) {
	handlers := m.transport.handlersLocked(ev.Kind)
	if len(handlers) == 0 {
		return
	}
	m.raised = append(m.raised, raisedEvent{ev: ev, handlers: handlers})
}

// flush delivers events raised by a control call made outside Process.
func (m *Mixer) flush() {
	m.mu.Lock()
	raised := m.raised
	m.raised = nil
	m.mu.Unlock()
	m.deliver(raised)
}

func (m *Mixer) deliver(raised []raisedEvent) {
	for _, re := range raised {
		for _, h := range re.handlers {
			h, ev := h, re.ev
			if m.sched != nil {
				m.sched.Post(func() { h(ev) })
			} else {
				h(ev)
			}
		}
	}
}

// Close stops everything and releases the output device.
func (m *Mixer) Close() error {
	m.mu.Lock()
	for p := range m.parts {
		p.stopLocked()
	}
	m.parts = make(map[*Part]struct{})
	for p := range m.players {
		p.playing = false
	}
	m.players = make(map[*BufferPlayer]struct{})
	m.transport.state = backend.TransportStopped
	m.instrument.engine.ReleaseAll()
	out := m.output
	m.output = nil
	m.raised = nil
	m.mu.Unlock()
	if out != nil {
		return out.Close()
	}
	return nil
}

func clamp32(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
