// Package loopwin owns the A-B loop window. Window bounds are stored in
// visual seconds, which are tempo-invariant; the transport-domain bounds are
// a cache that is rescaled whenever tempo changes.
package loopwin

import (
	"math"

	"github.com/crescent-stdio/wave-roll-sub001/internal/clock"
)

// Result describes the outcome of SetLoopPoints.
type Result struct {
	Changed bool
	// Start and End are the stored window after clamping; both nil when the
	// window is cleared.
	Start, End *float64
	// EffectiveStart and EffectiveEnd are the visual range playback covers:
	// the window when set, otherwise [0, duration].
	EffectiveStart, EffectiveEnd float64
	TransportStart, TransportEnd float64
	// ShouldPreservePosition reports whether the caller's current position
	// already lies inside the effective range.
	ShouldPreservePosition bool
}

// TransportLoop is the backend-native loop configuration in transport seconds.
type TransportLoop struct {
	Enabled    bool
	Start, End float64
}

type Manager struct {
	clock *clock.Clock

	start, end *float64 // visual
	// transport-domain cache of the effective window
	tStart, tEnd float64
}

func New(c *clock.Clock) *Manager {
	return &Manager{clock: c}
}

// Seconds returns a pointer to v, for building optional bounds.
func Seconds(v float64) *float64 { return &v }

// SetLoopPoints stores a new window. A nil start with a non-nil end means
// [0, end); a non-nil start with a nil end means [start, duration). End is
// clamped to duration. A window that is empty after clamping clears the loop.
func (m *Manager) SetLoopPoints(start, end *float64, duration, current float64) Result {
	var newStart, newEnd *float64
	if start != nil || end != nil {
		s := 0.0
		if start != nil {
			s = clamp(*start, 0, duration)
		}
		e := duration
		if end != nil {
			e = clamp(*end, 0, duration)
		}
		if s < e {
			if start != nil {
				newStart = Seconds(s)
			}
			newEnd = Seconds(e)
		}
	}

	changed := !samePtr(m.start, newStart) || !samePtr(m.end, newEnd)
	m.start, m.end = newStart, newEnd

	effStart, effEnd := m.Effective(duration)
	m.tStart = m.clock.VisualToTransport(effStart)
	m.tEnd = m.clock.VisualToTransport(effEnd)

	preserve := current >= effStart && current < effEnd
	if !m.Active() {
		preserve = current >= 0 && current <= duration
	}
	return Result{
		Changed:                changed,
		Start:                  copyPtr(m.start),
		End:                    copyPtr(m.end),
		EffectiveStart:         effStart,
		EffectiveEnd:           effEnd,
		TransportStart:         m.tStart,
		TransportEnd:           m.tEnd,
		ShouldPreservePosition: preserve,
	}
}

// Clear removes the window.
func (m *Manager) Clear(duration float64) {
	m.SetLoopPoints(nil, nil, duration, 0)
}

// Active reports whether a custom window is set.
func (m *Manager) Active() bool { return m.end != nil }

// Window returns copies of the stored visual bounds.
func (m *Manager) Window() (start, end *float64) {
	return copyPtr(m.start), copyPtr(m.end)
}

// Effective returns the visual range covered by playback.
func (m *Manager) Effective(duration float64) (start, end float64) {
	if m.end == nil {
		return 0, duration
	}
	if m.start != nil {
		start = *m.start
	}
	return start, *m.end
}

// TransportBounds returns the cached transport-domain bounds.
func (m *Manager) TransportBounds() (start, end float64) {
	return m.tStart, m.tEnd
}

// RescaleForTempoChange rescales the transport cache by oldTempo/newTempo.
// Visual bounds are untouched.
func (m *Manager) RescaleForTempoChange(oldTempo, newTempo, duration float64) {
	if oldTempo <= 0 || newTempo <= 0 {
		return
	}
	k := oldTempo / newTempo
	m.tStart *= k
	m.tEnd *= k
	if maxT := m.clock.VisualToTransportAt(duration, newTempo); m.tEnd > maxT {
		m.tEnd = maxT
	}
}

// ConfigureTransportLoop derives the backend loop. With a custom window the
// loop spans the window; otherwise it spans the whole track.
func (m *Manager) ConfigureTransportLoop(enabled bool, duration float64) TransportLoop {
	if !enabled {
		return TransportLoop{}
	}
	if m.Active() {
		return TransportLoop{Enabled: true, Start: m.tStart, End: m.tEnd}
	}
	return TransportLoop{Enabled: true, Start: 0, End: m.clock.VisualToTransport(duration)}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func samePtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyPtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	return Seconds(*p)
}
