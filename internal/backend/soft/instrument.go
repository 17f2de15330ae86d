package soft

import (
	"math"

	"github.com/crescent-stdio/wave-roll-sub001/internal/backend"
	"github.com/crescent-stdio/wave-roll-sub001/internal/synth"
)

type scheduledNote struct {
	frame    int64
	voice    backend.Voice
	duration float64
}

type noteOff struct {
	frame int64
	id    int
}

// Instrument adapts the synth engine to backend.Instrument and keeps the
// frame-accurate note-on/note-off schedule.
type Instrument struct {
	m       *Mixer
	engine  *synth.Engine
	pending []scheduledNote
	offs    []noteOff
	live    map[int]struct{}
}

var _ backend.Instrument = (*Instrument)(nil)

func newInstrument(m *Mixer, engine *synth.Engine) *Instrument {
	return &Instrument{m: m, engine: engine, live: make(map[int]struct{})}
}

func (in *Instrument) TriggerAttackRelease(v backend.Voice, duration, when float64) {
	in.m.mu.Lock()
	defer in.m.mu.Unlock()
	in.pending = append(in.pending, scheduledNote{frame: in.m.frameAt(when), voice: v, duration: duration})
}

func (in *Instrument) ReleaseAll() {
	in.m.mu.Lock()
	defer in.m.mu.Unlock()
	in.pending = in.pending[:0]
	in.offs = in.offs[:0]
	for id := range in.live {
		delete(in.live, id)
	}
	in.engine.ReleaseAll()
}

func (in *Instrument) SetMasterGain(gain float64) {
	in.engine.SetMasterGain(gain)
}

func (in *Instrument) SetMasterPan(pan float64) {
	in.m.mu.Lock()
	defer in.m.mu.Unlock()
	in.engine.SetMasterPan(pan)
}

func (in *Instrument) SetChannel(channel string, p backend.ChannelParams) {
	in.m.mu.Lock()
	defer in.m.mu.Unlock()
	in.engine.SetChannel(channel, synth.Channel{Gain: p.Gain, Pan: p.Pan, Muted: p.Muted})
}

// triggerLocked starts v now and schedules its release.
func (in *Instrument) triggerLocked(v backend.Voice, duration float64, frame int64) int {
	id := in.engine.NoteOn(v.Pitch, v.Velocity, v.Channel)
	if id < 0 {
		return id
	}
	frames := int64(math.Max(1, math.Round(duration*float64(in.m.sampleRate))))
	in.offs = append(in.offs, noteOff{frame: frame + frames, id: id})
	in.live[id] = struct{}{}
	return id
}

func (in *Instrument) releaseLocked(id int) {
	if _, ok := in.live[id]; !ok {
		return
	}
	delete(in.live, id)
	in.engine.NoteOff(id)
}

// pruneLocked drops ids whose note-off already fired.
func (in *Instrument) pruneLocked(ids []int) []int {
	out := ids[:0]
	for _, id := range ids {
		if _, ok := in.live[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func (in *Instrument) dispatch(frame int64) {
	if len(in.pending) > 0 {
		rest := in.pending[:0]
		for _, n := range in.pending {
			if n.frame <= frame {
				in.triggerLocked(n.voice, n.duration, frame)
			} else {
				rest = append(rest, n)
			}
		}
		in.pending = rest
	}
	if len(in.offs) > 0 {
		rest := in.offs[:0]
		for _, off := range in.offs {
			if off.frame <= frame {
				in.releaseLocked(off.id)
			} else {
				rest = append(rest, off)
			}
		}
		in.offs = rest
	}
}
