package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversionsFollowLiveTempo(t *testing.T) {
	tempo := 120.0
	c := New(120, func() float64 { return tempo })

	assert.Equal(t, 10.0, c.VisualToTransport(10))
	tempo = 240
	assert.InDelta(t, 5.0, c.VisualToTransport(10), 1e-12)
	assert.InDelta(t, 20.0, c.TransportToVisual(10), 1e-12)
	assert.InDelta(t, 2.0, c.Rate(), 1e-12)
}

func TestRoundTrip(t *testing.T) {
	tempos := []float64{12, 60, 97.3, 120, 133.333, 240, 480}
	values := []float64{0, 0.001, 1, 2.5, 17.77, 3600}
	for _, tempo := range tempos {
		c := New(120, Fixed(tempo))
		for _, v := range values {
			got := c.TransportToVisual(c.VisualToTransport(v))
			assert.InDelta(t, v, got, 1e-9, "tempo=%v v=%v", tempo, v)
		}
	}
}

func TestNonPositiveTempoFallsBackToUnity(t *testing.T) {
	c := New(120, Fixed(0))
	assert.Equal(t, 3.0, c.VisualToTransport(3))
	assert.Equal(t, 3.0, c.TransportToVisual(3))

	c = New(0, Fixed(100))
	assert.Equal(t, 3.0, c.VisualToTransport(3))
}

func TestVisualToTransportAt(t *testing.T) {
	c := New(100, Fixed(100))
	assert.InDelta(t, 4.0, c.VisualToTransportAt(8, 200), 1e-12)
}
