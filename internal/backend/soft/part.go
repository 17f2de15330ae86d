package soft

import (
	"math"
	"sort"

	"github.com/crescent-stdio/wave-roll-sub001/internal/backend"
)

// Part dispatches a sorted event list into the mixer's instrument.
type Part struct {
	m      *Mixer
	events []backend.PartEvent
	loop   backend.PartLoop

	started    bool
	disposed   bool
	startFrame int64
	pos        float64
	cursor     int
	voices     []int // voice ids started by this part and not yet released
}

var _ backend.Part = (*Part)(nil)

func newPart(m *Mixer, events []backend.PartEvent, loop backend.PartLoop) *Part {
	evs := make([]backend.PartEvent, len(events))
	copy(evs, events)
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].Time < evs[j].Time })
	if loop.Length <= 0 {
		loop.Enabled = false
	}
	return &Part{m: m, events: evs, loop: loop}
}

func (p *Part) Start(when, offset float64) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if p.disposed {
		return backend.ErrDisposed
	}
	if p.started {
		return backend.ErrAlreadyStarted
	}
	if offset < 0 {
		offset = 0
	}
	if p.loop.Enabled {
		offset = math.Mod(offset, p.loop.Length)
	}
	p.started = true
	p.startFrame = p.m.frameAt(when)
	p.pos = offset
	p.cursor = sort.Search(len(p.events), func(i int) bool { return p.events[i].Time >= offset })
	return nil
}

func (p *Part) Stop() {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	p.stopLocked()
}

func (p *Part) stopLocked() {
	if !p.started {
		return
	}
	p.started = false
	for _, id := range p.voices {
		p.m.instrument.releaseLocked(id)
	}
	p.voices = p.voices[:0]
}

func (p *Part) Dispose() {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	p.stopLocked()
	p.disposed = true
	delete(p.m.parts, p)
}

func (p *Part) Started() bool {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	return p.started
}

func (p *Part) advance(frame int64, dt float64) {
	if !p.started || frame < p.startFrame {
		return
	}
	end := p.pos + dt
	for p.cursor < len(p.events) {
		ev := p.events[p.cursor]
		if ev.Time >= end || (p.loop.Enabled && ev.Time >= p.loop.Length) {
			break
		}
		if id := p.m.instrument.triggerLocked(ev.Voice, ev.Duration, frame); id >= 0 {
			p.voices = append(p.voices, id)
		}
		p.cursor++
	}
	p.pos = end
	if p.loop.Enabled && p.pos >= p.loop.Length {
		p.pos -= p.loop.Length
		p.cursor = 0
	}
	if len(p.voices) > 64 {
		p.voices = p.m.instrument.pruneLocked(p.voices)
	}
}
