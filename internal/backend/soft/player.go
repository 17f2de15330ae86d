package soft

import (
	"math"

	"github.com/crescent-stdio/wave-roll-sub001/internal/backend"
)

// BufferPlayer reads a decoded buffer with linear interpolation. Playback
// rate and a source/output sample-rate mismatch both fold into the read step.
type BufferPlayer struct {
	m *Mixer

	buf      backend.Buffer
	loaded   bool
	disposed bool

	playing    bool
	startFrame int64
	pos        float64 // buffer frames
	rate       float64
	gain       float64
	pan        float64
}

var _ backend.BufferPlayer = (*BufferPlayer)(nil)

func newBufferPlayer(m *Mixer) *BufferPlayer {
	return &BufferPlayer{m: m, rate: 1, gain: 1}
}

func (p *BufferPlayer) Load(buf backend.Buffer) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	p.buf = buf
	p.loaded = buf.SampleRate > 0
	p.playing = false
}

func (p *BufferPlayer) Loaded() bool {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	return p.loaded
}

func (p *BufferPlayer) Duration() float64 {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	return p.buf.Duration()
}

func (p *BufferPlayer) Start(when, offset float64) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	switch {
	case p.disposed:
		return backend.ErrDisposed
	case !p.loaded:
		return backend.ErrNotLoaded
	case p.playing:
		return backend.ErrAlreadyStarted
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= p.buf.Duration() {
		return nil
	}
	p.playing = true
	p.startFrame = p.m.frameAt(when)
	p.pos = offset * float64(p.buf.SampleRate)
	return nil
}

func (p *BufferPlayer) Stop() {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	p.playing = false
}

func (p *BufferPlayer) Playing() bool {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	return p.playing
}

func (p *BufferPlayer) SetVolume(gain float64) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	p.gain = math.Max(0, gain)
}

func (p *BufferPlayer) SetPan(pan float64) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	p.pan = math.Max(-1, math.Min(1, pan))
}

func (p *BufferPlayer) SetPlaybackRate(rate float64) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if rate > 0 {
		p.rate = rate
	}
}

func (p *BufferPlayer) Dispose() {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	p.playing = false
	p.disposed = true
	delete(p.m.players, p)
}

func (p *BufferPlayer) render(frame int64) (float32, float32) {
	if !p.playing || frame < p.startFrame {
		return 0, 0
	}
	n := p.buf.Frames()
	i := int(p.pos)
	if i >= n {
		p.playing = false
		return 0, 0
	}
	frac := float32(p.pos - float64(i))
	l, r := p.buf.Data[i*2], p.buf.Data[i*2+1]
	if i+1 < n {
		l += (p.buf.Data[(i+1)*2] - l) * frac
		r += (p.buf.Data[(i+1)*2+1] - r) * frac
	}
	p.pos += p.rate * float64(p.buf.SampleRate) / float64(p.m.sampleRate)

	// equal-power pan
	angle := ((p.pan + 1) / 2) * (math.Pi / 2)
	gl := float32(p.gain * math.Cos(angle) * math.Sqrt2)
	gr := float32(p.gain * math.Sin(angle) * math.Sqrt2)
	return l * gl, r * gr
}
