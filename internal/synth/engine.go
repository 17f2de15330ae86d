// Package synth is a small polyphonic voice engine used to audition note
// events. Voices are grouped into channels (one per source file) that carry
// their own gain, pan and mute.
package synth

import (
	"math"
	"sync/atomic"
)

const twoPi = math.Pi * 2

type Params struct {
	Voices      int
	MasterGain  float64
	AttackSec   float64
	DecaySec    float64
	SustainLvl  float64
	ReleaseSec  float64
	PulseDuty   float64
	PulseMix    float64 // 0 = pure triangle, 1 = pure pulse
	VelocityAmp float64
	LPFCutoff   float64 // lowpass filter cutoff in Hz (0 = disabled)
}

func DefaultParams() Params {
	return Params{
		Voices:      32,
		MasterGain:  0.25,
		AttackSec:   0.004,
		DecaySec:    0.35,
		SustainLvl:  0.45,
		ReleaseSec:  0.18,
		PulseDuty:   0.25,
		PulseMix:    0.3,
		VelocityAmp: 0.85,
		LPFCutoff:   9000,
	}
}

type stage int

const (
	stageAttack stage = iota
	stageDecay
	stageSustain
	stageRelease
	stageDone
)

// envelope is a linear ADSR. Rates are per-sample increments derived from
// Params once, at engine construction.
type envelope struct {
	stage stage
	level float64
}

type envRates struct {
	attack, decay, release float64
	sustain                float64
}

func newEnvRates(p Params, sampleRate float64) envRates {
	perSample := func(span, sec float64) float64 {
		if sec <= 0 {
			return 1
		}
		return span / (sec * sampleRate)
	}
	return envRates{
		attack:  perSample(1, p.AttackSec),
		decay:   perSample(1-p.SustainLvl, p.DecaySec),
		release: perSample(math.Max(p.SustainLvl, 0.1), p.ReleaseSec),
		sustain: p.SustainLvl,
	}
}

func (env *envelope) next(r envRates) float64 {
	switch env.stage {
	case stageAttack:
		if env.level += r.attack; env.level >= 1 {
			env.level, env.stage = 1, stageDecay
		}
	case stageDecay:
		if env.level -= r.decay; env.level <= r.sustain {
			env.level, env.stage = r.sustain, stageSustain
		}
	case stageRelease:
		if env.level -= r.release; env.level <= 1e-4 {
			env.level, env.stage = 0, stageDone
		}
	case stageDone:
		env.level = 0
	}
	return env.level
}

func (env *envelope) release() {
	if env.stage != stageDone {
		env.stage = stageRelease
	}
}

func (env *envelope) done() bool { return env.stage == stageDone }

type voice struct {
	active   bool
	id       int
	started  int64 // allocation order, for stealing
	channel  string
	freq     float64
	phase    float64
	velocity float64
	env      envelope
}

// Channel holds per-channel mix settings.
type Channel struct {
	Gain  float64
	Pan   float64 // -1..1
	Muted bool
}

// dcBlocker is a one-pole highpass at a few Hz.
type dcBlocker struct{ in, out float64 }

func (d *dcBlocker) process(x float64) float64 {
	const pole = 0.995
	d.out = x - d.in + pole*d.out
	d.in = x
	return d.out
}

// onePole is a one-pole lowpass; alpha 0 bypasses it.
type onePole struct{ alpha, y float64 }

func newOnePole(cutoff, sampleRate float64) onePole {
	if cutoff <= 0 || cutoff >= sampleRate/2 {
		return onePole{}
	}
	rc := 1 / (twoPi * cutoff)
	dt := 1 / sampleRate
	return onePole{alpha: dt / (rc + dt)}
}

func (f *onePole) process(x float64) float64 {
	if f.alpha == 0 {
		return x
	}
	f.y += f.alpha * (x - f.y)
	return f.y
}

// Engine mixes up to Params.Voices voices into a stereo pair. It is not
// safe for concurrent use except for SetMasterGain.
type Engine struct {
	sampleRate float64
	params     Params
	rates      envRates
	voices     []voice
	nextID     int
	clock      int64
	masterGain uint64
	masterPan  float64
	channels   map[string]Channel

	dc      [2]dcBlocker
	lowpass [2]onePole
}

func New(sampleRate int, params Params) *Engine {
	if params.Voices <= 0 {
		params.Voices = 32
	}
	sr := float64(sampleRate)
	e := &Engine{
		sampleRate: sr,
		params:     params,
		rates:      newEnvRates(params, sr),
		voices:     make([]voice, params.Voices),
		masterGain: math.Float64bits(params.MasterGain),
		channels:   make(map[string]Channel),
	}
	lp := newOnePole(params.LPFCutoff, sr)
	e.lowpass = [2]onePole{lp, lp}
	return e
}

// NoteOn starts a voice and returns its id. Voices on a muted channel are
// not started; -1 is returned.
func (e *Engine) NoteOn(note int, velocity float64, channel string) int {
	if e.channel(channel).Muted {
		return -1
	}
	id := e.nextID
	e.nextID++
	e.clock++
	e.voices[e.allocate()] = voice{
		active:   true,
		id:       id,
		started:  e.clock,
		channel:  channel,
		freq:     midiToFreq(note),
		velocity: clamp(velocity, 0, 1),
	}
	return id
}

func (e *Engine) NoteOff(id int) {
	if id < 0 {
		return
	}
	for i := range e.voices {
		if v := &e.voices[i]; v.active && v.id == id {
			v.env.release()
		}
	}
}

// ReleaseAll moves every sounding voice into its release stage.
func (e *Engine) ReleaseAll() {
	for i := range e.voices {
		if e.voices[i].active {
			e.voices[i].env.release()
		}
	}
}

func (e *Engine) SetChannel(name string, ch Channel) {
	e.channels[name] = ch
}

func (e *Engine) channel(name string) Channel {
	if ch, ok := e.channels[name]; ok {
		return ch
	}
	return Channel{Gain: 1}
}

func (e *Engine) SetMasterPan(pan float64) {
	e.masterPan = clamp(pan, -1, 1)
}

// RenderFrame advances every voice by one sample. Voices on a muted channel
// keep running silently so unmuting mid-note resumes in phase.
func (e *Engine) RenderFrame() (float32, float32) {
	gain := e.masterGainValue()
	var mix [2]float64
	for i := range e.voices {
		v := &e.voices[i]
		if !v.active {
			continue
		}
		level := v.env.next(e.rates)
		if v.env.done() {
			v.active = false
			continue
		}
		sample := e.oscillate(v)
		ch := e.channel(v.channel)
		if ch.Muted {
			continue
		}
		amp := sample * level * (0.15 + v.velocity*e.params.VelocityAmp) * ch.Gain * gain
		l, r := panGains(ch.Pan + e.masterPan)
		mix[0] += amp * l
		mix[1] += amp * r
	}
	var out [2]float32
	for c := range mix {
		y := e.lowpass[c].process(e.dc[c].process(mix[c]))
		out[c] = float32(clamp(y, -1, 1))
	}
	return out[0], out[1]
}

// panGains is an equal-power pan law over [-1, 1].
func panGains(pan float64) (l, r float64) {
	angle := (clamp(pan, -1, 1) + 1) * math.Pi / 4
	return math.Cos(angle), math.Sin(angle)
}

// polyBLEP reduces aliasing at waveform discontinuities.
func polyBLEP(t, dt float64) float64 {
	switch {
	case t < dt:
		t /= dt
		return 2*t - t*t - 1
	case t > 1-dt:
		t = (t - 1) / dt
		return t*t + 2*t + 1
	}
	return 0
}

// oscillate returns the next triangle/pulse blend sample of v.
func (e *Engine) oscillate(v *voice) float64 {
	dt := v.freq / e.sampleRate
	v.phase = math.Mod(v.phase+dt, 1)
	duty := e.params.PulseDuty
	tri := 2*math.Abs(2*v.phase-1) - 1
	pulse := 1.0
	if v.phase >= duty {
		pulse = -1
	}
	pulse += polyBLEP(v.phase, dt) - polyBLEP(math.Mod(v.phase-duty+1, 1), dt)
	return tri + e.params.PulseMix*(pulse-tri)
}

// allocate returns a free slot, or steals one: the earliest started voice
// already releasing, else the earliest started voice overall.
func (e *Engine) allocate() int {
	victim, releasing := -1, false
	for i := range e.voices {
		v := &e.voices[i]
		if !v.active {
			return i
		}
		isRel := v.env.stage == stageRelease
		switch {
		case victim < 0,
			isRel && !releasing,
			isRel == releasing && v.started < e.voices[victim].started:
			victim, releasing = i, isRel
		}
	}
	return victim
}

func midiToFreq(note int) float64 {
	return 440 * math.Pow(2, float64(note-69)/12)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func (e *Engine) SetMasterGain(gain float64) {
	atomic.StoreUint64(&e.masterGain, math.Float64bits(math.Max(gain, 0)))
}

func (e *Engine) ActiveVoiceCount() int {
	n := 0
	for i := range e.voices {
		if e.voices[i].active {
			n++
		}
	}
	return n
}

func (e *Engine) masterGainValue() float64 {
	return math.Float64frombits(atomic.LoadUint64(&e.masterGain))
}
