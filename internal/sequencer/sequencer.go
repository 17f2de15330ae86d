// Package sequencer turns the loaded note list into backend event lists.
// Exactly one part is live at a time: Setup disposes the previous part
// before building the next one, and Start refuses to run over a live part.
package sequencer

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/crescent-stdio/wave-roll-sub001/internal/backend"
	"github.com/crescent-stdio/wave-roll-sub001/internal/logger"
)

// ErrPartRunning is returned by Start when the current part was not stopped.
var ErrPartRunning = errors.New("sequencer: part already running")

// Note is one note of the loaded note set, in visual seconds.
type Note struct {
	Time     float64 `json:"time"`
	Pitch    int     `json:"pitch"`
	Duration float64 `json:"duration"`
	Velocity float64 `json:"velocity"`
	FileID   string  `json:"fileId"`
}

func (n Note) End() float64 { return n.Time + n.Duration }

type SetupOptions struct {
	Repeat        bool
	Duration      float64
	Tempo         float64
	OriginalTempo float64
}

type fileMix struct {
	gain  float64
	pan   float64
	muted bool
}

type Sequencer struct {
	be  backend.Backend
	log *zap.Logger

	notes    []Note
	files    map[string]*fileMix
	fileIDs  []string
	duration float64

	part   backend.Part
	origin float64 // visual start of the current part
	rate   float64 // tempo / originalTempo when the part was built
	length float64 // visual loop length, 0 when not looping
}

func New(be backend.Backend, notes []Note, log *zap.Logger) *Sequencer {
	s := &Sequencer{
		be:    be,
		log:   logger.OrNop(log),
		notes: make([]Note, len(notes)),
		files: make(map[string]*fileMix),
		rate:  1,
	}
	copy(s.notes, notes)
	sort.SliceStable(s.notes, func(i, j int) bool { return s.notes[i].Time < s.notes[j].Time })
	for _, n := range s.notes {
		if end := n.End(); end > s.duration {
			s.duration = end
		}
		if _, ok := s.files[n.FileID]; !ok {
			s.files[n.FileID] = &fileMix{gain: 1}
			s.fileIDs = append(s.fileIDs, n.FileID)
		}
	}
	sort.Strings(s.fileIDs)
	for _, id := range s.fileIDs {
		s.applyChannel(id)
	}
	return s
}

// Duration is the latest note end, in visual seconds.
func (s *Sequencer) Duration() float64 { return s.duration }

func (s *Sequencer) FileIDs() []string {
	out := make([]string, len(s.fileIDs))
	copy(out, s.fileIDs)
	return out
}

func (s *Sequencer) Notes() []Note {
	out := make([]Note, len(s.notes))
	copy(out, s.notes)
	return out
}

// Setup stops and disposes the current part and builds a new one covering
// [loopStart, loopEnd), or the whole track when both are nil. Event times
// are transport seconds relative to the window start.
func (s *Sequencer) Setup(loopStart, loopEnd *float64, opts SetupOptions) {
	s.teardown()

	start, end := 0.0, math.Max(opts.Duration, s.duration)
	if loopStart != nil {
		start = *loopStart
	}
	if loopEnd != nil {
		end = *loopEnd
	}
	rate := 1.0
	if opts.Tempo > 0 && opts.OriginalTempo > 0 {
		rate = opts.Tempo / opts.OriginalTempo
	}

	events := make([]backend.PartEvent, 0, len(s.notes))
	for _, n := range s.notes {
		if n.Time < start || n.Time >= end {
			continue
		}
		dur := n.Duration
		if opts.Repeat && n.End() > end {
			dur = end - n.Time
		}
		events = append(events, backend.PartEvent{
			Time:     (n.Time - start) / rate,
			Duration: dur / rate,
			Voice:    backend.Voice{Pitch: n.Pitch, Velocity: n.Velocity, Channel: n.FileID},
		})
	}

	loop := backend.PartLoop{}
	s.length = 0
	if opts.Repeat && end > start {
		loop = backend.PartLoop{Enabled: true, Length: (end - start) / rate}
		s.length = end - start
	}
	s.origin = start
	s.rate = rate
	s.part = s.be.NewPart(events, loop)
}

// Start begins the current part at backend time when, positioned at the
// visual time offsetVisual.
func (s *Sequencer) Start(when, offsetVisual float64) error {
	if s.part == nil {
		return nil
	}
	if s.part.Started() {
		s.log.Error("sequencer start while part is live", zap.Float64("offset", offsetVisual))
		return ErrPartRunning
	}
	rel := offsetVisual - s.origin
	if rel < 0 {
		rel = 0
	}
	if err := s.part.Start(when, rel/s.rate); err != nil {
		if errors.Is(err, backend.ErrAlreadyStarted) {
			s.log.Error("sequencer start while part is live", zap.Float64("offset", offsetVisual))
			return ErrPartRunning
		}
		return fmt.Errorf("start part: %w", err)
	}
	return nil
}

// Stop silences the current part. Calling it on a stopped part is a no-op.
func (s *Sequencer) Stop() {
	if s.part == nil || !s.part.Started() {
		return
	}
	s.part.Stop()
	s.be.Instrument().ReleaseAll()
}

// Live reports whether a part is currently started.
func (s *Sequencer) Live() bool { return s.part != nil && s.part.Started() }

func (s *Sequencer) Dispose() { s.teardown() }

func (s *Sequencer) teardown() {
	if s.part == nil {
		return
	}
	s.Stop()
	s.part.Dispose()
	s.part = nil
}

// RetriggerHeld plays, from backend time when, the remainder of every note of
// fileID sounding at nowVisual. It returns the number of notes triggered.
func (s *Sequencer) RetriggerHeld(fileID string, nowVisual, when float64) int {
	if !s.Live() {
		return 0
	}
	inst := s.be.Instrument()
	count := 0
	for _, n := range s.notes {
		if n.Time >= nowVisual {
			break
		}
		if n.FileID != fileID || n.End() <= nowVisual {
			continue
		}
		if s.length > 0 && (n.Time < s.origin || n.Time >= s.origin+s.length) {
			continue
		}
		remain := n.End() - nowVisual
		if s.length > 0 {
			remain = math.Min(remain, s.origin+s.length-nowVisual)
		}
		inst.TriggerAttackRelease(backend.Voice{Pitch: n.Pitch, Velocity: n.Velocity, Channel: n.FileID}, remain/s.rate, when)
		count++
	}
	return count
}

// SetFileMute mutes or unmutes the notes of one file. Muting is applied by
// the instrument when events are dispatched, so the note list and the live
// part stay untouched. It reports whether the file is known.
func (s *Sequencer) SetFileMute(id string, muted bool) bool {
	f, ok := s.files[id]
	if !ok {
		return false
	}
	f.muted = muted
	s.applyChannel(id)
	return true
}

func (s *Sequencer) SetFileVolume(id string, gain float64) bool {
	f, ok := s.files[id]
	if !ok {
		return false
	}
	f.gain = gain
	s.applyChannel(id)
	return true
}

func (s *Sequencer) SetFilePan(id string, pan float64) bool {
	f, ok := s.files[id]
	if !ok {
		return false
	}
	f.pan = pan
	s.applyChannel(id)
	return true
}

func (s *Sequencer) FileMuted(id string) bool {
	f, ok := s.files[id]
	return ok && f.muted
}

// Audible reports whether any file can currently produce sound.
func (s *Sequencer) Audible() bool {
	for _, f := range s.files {
		if !f.muted && f.gain > 0 {
			return true
		}
	}
	return false
}

func (s *Sequencer) applyChannel(id string) {
	f := s.files[id]
	s.be.Instrument().SetChannel(id, backend.ChannelParams{Gain: f.gain, Pan: f.pan, Muted: f.muted})
}
