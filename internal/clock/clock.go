// Package clock converts between visual time (tempo-independent seconds at
// the original authoring tempo, used by the playhead and loop window) and
// transport time (tempo-scaled seconds used to position the backend).
package clock

// TempoSource reports the live tempo in bpm. It is consulted on every
// conversion so tempo changes are never observed stale.
type TempoSource func() float64

type Clock struct {
	originalTempo float64
	tempo         TempoSource
}

func New(originalTempo float64, tempo TempoSource) *Clock {
	return &Clock{originalTempo: originalTempo, tempo: tempo}
}

// Fixed returns a TempoSource that always reports bpm.
func Fixed(bpm float64) TempoSource {
	return func() float64 { return bpm }
}

func (c *Clock) OriginalTempo() float64 { return c.originalTempo }

func (c *Clock) Tempo() float64 {
	if c.tempo == nil {
		return c.originalTempo
	}
	return c.tempo()
}

// Rate is tempo/originalTempo: visual seconds advanced per transport second.
func (c *Clock) Rate() float64 {
	return ratio(c.Tempo(), c.originalTempo)
}

func (c *Clock) VisualToTransport(v float64) float64 {
	return v * ratio(c.originalTempo, c.Tempo())
}

func (c *Clock) TransportToVisual(t float64) float64 {
	return t * ratio(c.Tempo(), c.originalTempo)
}

// VisualToTransportAt converts using an explicit tempo instead of the live one.
func (c *Clock) VisualToTransportAt(v, tempo float64) float64 {
	return v * ratio(c.originalTempo, tempo)
}

func ratio(num, den float64) float64 {
	if num <= 0 || den <= 0 {
		return 1
	}
	return num / den
}
