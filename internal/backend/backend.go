// Package backend defines the scheduling backend the playback engine drives:
// a transport clock, an event-list primitive and buffer players. The engine
// depends on nothing else from the platform's audio runtime.
package backend

import (
	"context"
	"errors"
)

var (
	// ErrAlreadyStarted is returned when a part or buffer player is started
	// while it is still running. Callers must stop before starting.
	ErrAlreadyStarted = errors.New("backend: already started")
	// ErrNotLoaded is returned when a buffer player is started before its
	// buffer has been loaded.
	ErrNotLoaded = errors.New("backend: buffer not loaded")
	// ErrDisposed is returned when a disposed primitive is used.
	ErrDisposed = errors.New("backend: disposed")
)

type EventKind int

const (
	EventStart EventKind = iota
	EventStop
	EventPause
	// EventLoop fires when the transport wraps from its loop end to its loop start.
	EventLoop
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventStop:
		return "stop"
	case EventPause:
		return "pause"
	case EventLoop:
		return "loop"
	default:
		return "unknown"
	}
}

// Event is delivered to transport subscribers. Seconds is the transport
// position when the event was raised and When the backend time it happened.
type Event struct {
	Kind    EventKind
	Seconds float64
	When    float64
}

// Subscription is returned by Subscribe; Unsubscribe removes exactly the
// handler it was created for and is safe to call more than once.
type Subscription interface {
	Unsubscribe()
}

type TransportState int

const (
	TransportStopped TransportState = iota
	TransportStarted
	TransportPaused
)

// Transport is the backend clock, in transport (tempo-scaled) seconds.
type Transport interface {
	// Start begins advancing at backend time when, from transport position offset.
	Start(when, offset float64)
	Stop()
	Pause()
	Seconds() float64
	SetSeconds(s float64)
	BPM() float64
	SetBPM(bpm float64)
	SetLoop(enabled bool, start, end float64)
	State() TransportState
	Subscribe(kind EventKind, fn func(Event)) Subscription
}

// Voice is one note as the instrument sees it. Channel groups voices by
// source file so they can be muted, panned and mixed independently.
type Voice struct {
	Pitch    int
	Velocity float64 // 0..1
	Channel  string
}

// PartEvent is one entry of an event list: a voice triggered Time seconds
// after the list's origin, held for Duration seconds (both transport seconds).
type PartEvent struct {
	Time     float64
	Duration float64
	Voice    Voice
}

// PartLoop makes a part repeat every Length seconds.
type PartLoop struct {
	Enabled bool
	Length  float64
}

// Part is an event list scheduled against the backend clock.
type Part interface {
	// Start begins dispatching at backend time when, offset seconds into the list.
	Start(when, offset float64) error
	// Stop is idempotent.
	Stop()
	Dispose()
	Started() bool
}

// Buffer is decoded audio: interleaved stereo float32 at SampleRate.
type Buffer struct {
	SampleRate int
	Data       []float32
}

func (b Buffer) Frames() int { return len(b.Data) / 2 }

func (b Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// BufferPlayer plays one Buffer.
type BufferPlayer interface {
	Load(buf Buffer)
	Loaded() bool
	Duration() float64
	// Start begins playback at backend time when from offset buffer-seconds.
	Start(when, offset float64) error
	// Stop is idempotent.
	Stop()
	Playing() bool
	SetVolume(gain float64)
	SetPan(pan float64)
	SetPlaybackRate(rate float64)
	Dispose()
}

// ChannelParams are per-channel instrument mix settings.
type ChannelParams struct {
	Gain  float64
	Pan   float64
	Muted bool
}

// Instrument renders voices triggered by parts or directly by the engine.
type Instrument interface {
	// TriggerAttackRelease plays v at backend time when for duration seconds.
	TriggerAttackRelease(v Voice, duration, when float64)
	ReleaseAll()
	SetMasterGain(gain float64)
	SetMasterPan(pan float64)
	SetChannel(channel string, p ChannelParams)
}

// Backend bundles the primitives. Now is the backend's own clock in seconds;
// it is the time base for every when argument.
type Backend interface {
	// Ready blocks until the audio runtime can produce sound. On platforms
	// that gate audio behind a user gesture this may wait for one.
	Ready(ctx context.Context) error
	Now() float64
	Transport() Transport
	Instrument() Instrument
	NewPart(events []PartEvent, loop PartLoop) Part
	NewBufferPlayer() BufferPlayer
	Close() error
}
