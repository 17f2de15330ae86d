// Package backendtest provides a recording fake of backend.Backend. Time only
// moves when the test calls Advance, and every control call is appended to
// Calls so tests can assert ordering.
package backendtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/crescent-stdio/wave-roll-sub001/internal/backend"
	"github.com/crescent-stdio/wave-roll-sub001/internal/eventloop"
)

type Backend struct {
	mu    sync.Mutex
	now   float64
	sched eventloop.Scheduler

	// ReadyErr is returned by Ready when set.
	ReadyErr error
	// OnReady runs inside Ready, standing in for work that lands on the loop
	// while Play is suspended.
	OnReady func()

	transport  *Transport
	instrument *Instrument
	parts      []*Part
	players    []*BufferPlayer
	calls      []string
	closed     bool
}

var _ backend.Backend = (*Backend)(nil)

// New returns a fake backend. Transport events are posted to sched, or
// delivered inline when sched is nil.
func New(sched eventloop.Scheduler) *Backend {
	b := &Backend{sched: sched}
	b.transport = &Transport{b: b, bpm: 120, subs: make(map[backend.EventKind]map[int]func(backend.Event))}
	b.instrument = &Instrument{b: b, Channels: make(map[string]backend.ChannelParams)}
	return b
}

func (b *Backend) record(format string, args ...any) {
	b.calls = append(b.calls, fmt.Sprintf(format, args...))
}

// Calls returns the control calls made so far.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	copy(out, b.calls)
	return out
}

func (b *Backend) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

func (b *Backend) Ready(ctx context.Context) error {
	b.mu.Lock()
	err, hook := b.ReadyErr, b.OnReady
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (b *Backend) Now() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now
}

// Advance moves backend time forward by d seconds, wrapping the transport
// loop and raising loop events as a real backend would.
func (b *Backend) Advance(d float64) {
	b.mu.Lock()
	b.now += d
	var raised []backend.Event
	t := b.transport
	if t.state == backend.TransportStarted {
		t.pos += d
		for t.loopEnabled && t.pos >= t.loopEnd && t.loopEnd > t.loopStart {
			t.pos = t.loopStart + (t.pos - t.loopEnd)
			raised = append(raised, backend.Event{Kind: backend.EventLoop, Seconds: t.pos, When: b.now - (t.pos - t.loopStart)})
		}
	}
	b.mu.Unlock()
	for _, ev := range raised {
		t.emit(ev)
	}
}

func (b *Backend) Transport() backend.Transport { return b.transport }

func (b *Backend) Instrument() backend.Instrument { return b.instrument }

// FakeTransport exposes the concrete transport for assertions.
func (b *Backend) FakeTransport() *Transport { return b.transport }

func (b *Backend) FakeInstrument() *Instrument { return b.instrument }

func (b *Backend) NewPart(events []backend.PartEvent, loop backend.PartLoop) backend.Part {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := &Part{b: b, ID: len(b.parts) + 1, Events: events, Loop: loop}
	b.parts = append(b.parts, p)
	b.record("part%d.new", p.ID)
	return p
}

// Parts returns every part created so far.
func (b *Backend) Parts() []*Part {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Part, len(b.parts))
	copy(out, b.parts)
	return out
}

// LiveParts counts started parts.
func (b *Backend) LiveParts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.parts {
		if p.started {
			n++
		}
	}
	return n
}

func (b *Backend) NewBufferPlayer() backend.BufferPlayer {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := &BufferPlayer{b: b, ID: len(b.players) + 1, Volume: 1, Rate: 1}
	b.players = append(b.players, p)
	return p
}

func (b *Backend) Players() []*BufferPlayer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*BufferPlayer, len(b.players))
	copy(out, b.players)
	return out
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type Transport struct {
	b           *Backend
	state       backend.TransportState
	pos         float64
	bpm         float64
	loopEnabled bool
	loopStart   float64
	loopEnd     float64
	nextID      int
	subs        map[backend.EventKind]map[int]func(backend.Event)
}

func (t *Transport) Start(when, offset float64) {
	t.b.mu.Lock()
	t.state = backend.TransportStarted
	t.pos = offset
	t.b.record("transport.start %.3f", offset)
	t.b.mu.Unlock()
	t.emit(backend.Event{Kind: backend.EventStart, Seconds: offset, When: when})
}

func (t *Transport) Stop() {
	t.b.mu.Lock()
	pos := t.pos
	t.state = backend.TransportStopped
	t.pos = 0
	t.b.record("transport.stop")
	now := t.b.now
	t.b.mu.Unlock()
	t.emit(backend.Event{Kind: backend.EventStop, Seconds: pos, When: now})
}

func (t *Transport) Pause() {
	t.b.mu.Lock()
	if t.state != backend.TransportStarted {
		t.b.mu.Unlock()
		return
	}
	t.state = backend.TransportPaused
	t.b.record("transport.pause")
	pos, now := t.pos, t.b.now
	t.b.mu.Unlock()
	t.emit(backend.Event{Kind: backend.EventPause, Seconds: pos, When: now})
}

// ExternalStop simulates a stop that did not come from the engine.
func (t *Transport) ExternalStop() { t.Stop() }

func (t *Transport) Seconds() float64 {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return t.pos
}

func (t *Transport) SetSeconds(s float64) {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	t.pos = s
	t.b.record("transport.seconds %.3f", s)
}

func (t *Transport) BPM() float64 {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return t.bpm
}

func (t *Transport) SetBPM(bpm float64) {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	t.bpm = bpm
}

func (t *Transport) SetLoop(enabled bool, start, end float64) {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	t.loopEnabled = enabled
	t.loopStart = start
	t.loopEnd = end
}

// Loop returns the configured transport loop.
func (t *Transport) Loop() (enabled bool, start, end float64) {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return t.loopEnabled, t.loopStart, t.loopEnd
}

func (t *Transport) State() backend.TransportState {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return t.state
}

type subscription struct {
	t    *Transport
	kind backend.EventKind
	id   int
}

func (s *subscription) Unsubscribe() {
	s.t.b.mu.Lock()
	defer s.t.b.mu.Unlock()
	delete(s.t.subs[s.kind], s.id)
}

func (t *Transport) Subscribe(kind backend.EventKind, fn func(backend.Event)) backend.Subscription {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	t.nextID++
	if t.subs[kind] == nil {
		t.subs[kind] = make(map[int]func(backend.Event))
	}
	t.subs[kind][t.nextID] = fn
	return &subscription{t: t, kind: kind, id: t.nextID}
}

// Subscribers counts live handlers for kind.
func (t *Transport) Subscribers(kind backend.EventKind) int {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return len(t.subs[kind])
}

func (t *Transport) emit(ev backend.Event) {
	t.b.mu.Lock()
	handlers := make([]func(backend.Event), 0, len(t.subs[ev.Kind]))
	for _, fn := range t.subs[ev.Kind] {
		handlers = append(handlers, fn)
	}
	sched := t.b.sched
	t.b.mu.Unlock()
	for _, h := range handlers {
		h := h
		if sched != nil {
			sched.Post(func() { h(ev) })
		} else {
			h(ev)
		}
	}
}

type Part struct {
	b        *Backend
	ID       int
	Events   []backend.PartEvent
	Loop     backend.PartLoop
	started  bool
	disposed bool
	// Offsets records the offset of every successful Start.
	Offsets []float64
}

func (p *Part) Start(when, offset float64) error {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if p.disposed {
		return backend.ErrDisposed
	}
	if p.started {
		p.b.record("part%d.start rejected", p.ID)
		return backend.ErrAlreadyStarted
	}
	p.started = true
	p.Offsets = append(p.Offsets, offset)
	p.b.record("part%d.start", p.ID)
	return nil
}

func (p *Part) Stop() {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if p.started {
		p.b.record("part%d.stop", p.ID)
	}
	p.started = false
}

func (p *Part) Dispose() {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	p.started = false
	p.disposed = true
	p.b.record("part%d.dispose", p.ID)
}

func (p *Part) Started() bool {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	return p.started
}

func (p *Part) Disposed() bool {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	return p.disposed
}

type BufferPlayer struct {
	b        *Backend
	ID       int
	buf      *backend.Buffer
	playing  bool
	disposed bool

	Volume  float64
	Pan     float64
	Rate    float64
	Offsets []float64
}

func (p *BufferPlayer) Load(buf backend.Buffer) {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	p.buf = &buf
}

func (p *BufferPlayer) Loaded() bool {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	return p.buf != nil
}

func (p *BufferPlayer) Duration() float64 {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if p.buf == nil {
		return 0
	}
	return p.buf.Duration()
}

func (p *BufferPlayer) Start(when, offset float64) error {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if p.disposed {
		return backend.ErrDisposed
	}
	if p.buf == nil {
		return backend.ErrNotLoaded
	}
	if p.playing {
		p.b.record("player%d.start rejected", p.ID)
		return backend.ErrAlreadyStarted
	}
	p.playing = true
	p.Offsets = append(p.Offsets, offset)
	p.b.record("player%d.start %.3f", p.ID, offset)
	return nil
}

func (p *BufferPlayer) Stop() {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if p.playing {
		p.b.record("player%d.stop", p.ID)
	}
	p.playing = false
}

func (p *BufferPlayer) Playing() bool {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	return p.playing
}

func (p *BufferPlayer) SetVolume(gain float64) {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	p.Volume = gain
}

func (p *BufferPlayer) SetPan(pan float64) {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	p.Pan = pan
}

func (p *BufferPlayer) SetPlaybackRate(rate float64) {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	p.Rate = rate
}

func (p *BufferPlayer) Dispose() {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	p.playing = false
	p.disposed = true
}

func (p *BufferPlayer) Disposed() bool {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	return p.disposed
}

// Snapshot returns the mix settings under the backend lock.
func (p *BufferPlayer) Snapshot() (volume, pan, rate float64) {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	return p.Volume, p.Pan, p.Rate
}

// Trigger is one TriggerAttackRelease call.
type Trigger struct {
	Voice    backend.Voice
	Duration float64
	When     float64
}

type Instrument struct {
	b          *Backend
	Triggers   []Trigger
	Channels   map[string]backend.ChannelParams
	MasterGain float64
	MasterPan  float64
	Releases   int
}

func (in *Instrument) TriggerAttackRelease(v backend.Voice, duration, when float64) {
	in.b.mu.Lock()
	defer in.b.mu.Unlock()
	in.Triggers = append(in.Triggers, Trigger{Voice: v, Duration: duration, When: when})
}

func (in *Instrument) ReleaseAll() {
	in.b.mu.Lock()
	defer in.b.mu.Unlock()
	in.Releases++
}

func (in *Instrument) SetMasterGain(gain float64) {
	in.b.mu.Lock()
	defer in.b.mu.Unlock()
	in.MasterGain = gain
}

func (in *Instrument) SetMasterPan(pan float64) {
	in.b.mu.Lock()
	defer in.b.mu.Unlock()
	in.MasterPan = pan
}

func (in *Instrument) SetChannel(channel string, p backend.ChannelParams) {
	in.b.mu.Lock()
	defer in.b.mu.Unlock()
	in.Channels[channel] = p
}

// Channel returns the last parameters set for channel.
func (in *Instrument) Channel(channel string) (backend.ChannelParams, bool) {
	in.b.mu.Lock()
	defer in.b.mu.Unlock()
	p, ok := in.Channels[channel]
	return p, ok
}

// TriggerCount returns the number of direct triggers so far.
func (in *Instrument) TriggerCount() int {
	in.b.mu.Lock()
	defer in.b.mu.Unlock()
	return len(in.Triggers)
}
