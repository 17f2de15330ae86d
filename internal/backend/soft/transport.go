package soft

import (
	"github.com/crescent-stdio/wave-roll-sub001/internal/backend"
)

// Transport is the mixer's clock in transport seconds. It advances one
// sample period per frame once started; tempo only rescales how the engine
// maps visual time onto it.
type Transport struct {
	m          *Mixer
	state      backend.TransportState
	startFrame int64
	pos        float64
	bpm        float64

	loopEnabled bool
	loopStart   float64
	loopEnd     float64

	nextSubID int
	subs      map[backend.EventKind]map[int]func(backend.Event)
}

var _ backend.Transport = (*Transport)(nil)

func newTransport(m *Mixer) *Transport {
	return &Transport{
		m:    m,
		bpm:  120,
		subs: make(map[backend.EventKind]map[int]func(backend.Event)),
	}
}

func (t *Transport) Start(when, offset float64) {
	t.m.mu.Lock()
	if offset < 0 {
		offset = 0
	}
	t.state = backend.TransportStarted
	t.startFrame = t.m.frameAt(when)
	t.pos = offset
	t.m.raiseLocked(backend.Event{Kind: backend.EventStart, Seconds: t.pos, When: when})
	t.m.mu.Unlock()
	t.m.flush()
}

// Stop halts the transport and rewinds it to zero.
func (t *Transport) Stop() {
	t.m.mu.Lock()
	pos := t.pos
	t.state = backend.TransportStopped
	t.pos = 0
	t.m.raiseLocked(backend.Event{Kind: backend.EventStop, Seconds: pos, When: t.m.nowLocked()})
	t.m.mu.Unlock()
	t.m.flush()
}

// Pause halts the transport and keeps its position.
func (t *Transport) Pause() {
	t.m.mu.Lock()
	if t.state != backend.TransportStarted {
		t.m.mu.Unlock()
		return
	}
	t.state = backend.TransportPaused
	t.m.raiseLocked(backend.Event{Kind: backend.EventPause, Seconds: t.pos, When: t.m.nowLocked()})
	t.m.mu.Unlock()
	t.m.flush()
}

func (t *Transport) Seconds() float64 {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.pos
}

func (t *Transport) SetSeconds(s float64) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if s < 0 {
		s = 0
	}
	t.pos = s
	if t.state == backend.TransportStarted {
		t.startFrame = t.m.frame
	}
}

func (t *Transport) BPM() float64 {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.bpm
}

func (t *Transport) SetBPM(bpm float64) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if bpm > 0 {
		t.bpm = bpm
	}
}

func (t *Transport) SetLoop(enabled bool, start, end float64) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.loopEnabled = enabled && end > start
	t.loopStart = start
	t.loopEnd = end
}

func (t *Transport) State() backend.TransportState {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.state
}

type subscription struct {
	t    *Transport
	kind backend.EventKind
	id   int
}

func (s *subscription) Unsubscribe() {
	s.t.m.mu.Lock()
	defer s.t.m.mu.Unlock()
	delete(s.t.subs[s.kind], s.id)
}

func (t *Transport) Subscribe(kind backend.EventKind, fn func(backend.Event)) backend.Subscription {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.nextSubID++
	if t.subs[kind] == nil {
		t.subs[kind] = make(map[int]func(backend.Event))
	}
	t.subs[kind][t.nextSubID] = fn
	return &subscription{t: t, kind: kind, id: t.nextSubID}
}

func (t *Transport) handlersLocked(kind backend.EventKind) []func(backend.Event) {
	subs := t.subs[kind]
	out := make([]func(backend.Event), 0, len(subs))
	for _, fn := range subs {
		out = append(out, fn)
	}
	return out
}

func (t *Transport) advance(frame int64, dt float64) {
	if t.state != backend.TransportStarted || frame < t.startFrame {
		return
	}
	t.pos += dt
	if t.loopEnabled && t.pos >= t.loopEnd {
		t.pos = t.loopStart + (t.pos - t.loopEnd)
		t.m.raiseLocked(backend.Event{
			Kind:    backend.EventLoop,
			Seconds: t.pos,
			When:    float64(frame+1) / float64(t.m.sampleRate),
		})
	}
}
