// Package waveroll is a synchronized playback engine: a note sequencer and
// any number of audio files play in lock-step behind one virtual playhead,
// across seeks, tempo changes, loop windows and per-source mixing.
package waveroll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	intaudio "github.com/crescent-stdio/wave-roll-sub001/internal/audio"
	"github.com/crescent-stdio/wave-roll-sub001/internal/backend/soft"
	"github.com/crescent-stdio/wave-roll-sub001/internal/controller"
	"github.com/crescent-stdio/wave-roll-sub001/internal/decode"
	"github.com/crescent-stdio/wave-roll-sub001/internal/eventloop"
	"github.com/crescent-stdio/wave-roll-sub001/internal/logger"
	"github.com/crescent-stdio/wave-roll-sub001/internal/registry"
	"github.com/crescent-stdio/wave-roll-sub001/internal/sequencer"
)

type (
	Note       = sequencer.Note
	State      = controller.State
	SourceFile = registry.SourceFile
	// Registry lists the audio files the engine plays alongside the notes.
	Registry = registry.Registry
	// PlayheadSink receives the visual time on every tick and state change.
	PlayheadSink = controller.PlayheadSink
)

var (
	ErrBackendInit = controller.ErrBackendInit
	ErrClosed      = errors.New("waveroll: engine closed")
)

// EventKind identifies an event delivered on Watch.
type EventKind int

const (
	EventPlaybackEnded EventKind = iota
	EventLoopCompleted
	EventAutoPaused
	EventAutoResumed
)

// PlaybackEvent is sent on the channel returned by Watch.
type PlaybackEvent struct {
	Kind EventKind
}

type EngineOption func(*engineConfig)

type engineConfig struct {
	sampleRate int
	logger     *zap.Logger
	registry   registry.Registry
	sink       controller.PlayheadSink
	tick       time.Duration
	guard      time.Duration
	repeat     bool
	onEnd      func()
	headless   bool
	newLoop    func() *eventloop.Loop
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		sampleRate: 48000,
		tick:       controller.DefaultTickInterval,
		guard:      controller.DefaultAutoPauseGuard,
		newLoop:    eventloop.New,
	}
}

func WithSampleRate(sampleRate int) EngineOption {
	return func(cfg *engineConfig) {
		cfg.sampleRate = sampleRate
	}
}

func WithLogger(l *zap.Logger) EngineOption {
	return func(cfg *engineConfig) {
		cfg.logger = l
	}
}

// WithRegistry sets where audio sources come from. Registries that implement
// registry.Notifier are refreshed on every change notification; a
// *registry.Dir is also watched for filesystem changes.
func WithRegistry(r Registry) EngineOption {
	return func(cfg *engineConfig) {
		cfg.registry = r
	}
}

func WithPlayheadSink(s PlayheadSink) EngineOption {
	return func(cfg *engineConfig) {
		cfg.sink = s
	}
}

func WithTickInterval(d time.Duration) EngineOption {
	return func(cfg *engineConfig) {
		cfg.tick = d
	}
}

func WithAutoPauseGuard(d time.Duration) EngineOption {
	return func(cfg *engineConfig) {
		cfg.guard = d
	}
}

func WithRepeat(enabled bool) EngineOption {
	return func(cfg *engineConfig) {
		cfg.repeat = enabled
	}
}

// WithOnEnd installs a callback run once each time non-repeating playback
// reaches the end. It runs on its own goroutine and may call the engine.
func WithOnEnd(fn func()) EngineOption {
	return func(cfg *engineConfig) {
		cfg.onEnd = fn
	}
}

// WithHeadless skips the audio device. The caller pulls audio with Render.
func WithHeadless() EngineOption {
	return func(cfg *engineConfig) {
		cfg.headless = true
	}
}

// Engine is safe for concurrent use. Every call is serialized onto one event
// loop goroutine.
type Engine struct {
	loop  *eventloop.Loop
	mixer *soft.Mixer
	ctrl  *controller.Controller
	log   *zap.Logger
	onEnd func()

	eventCh   chan PlaybackEvent
	eventChMu sync.Mutex

	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
}

func NewEngine(opts ...EngineOption) (*Engine, error) {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sampleRate <= 0 {
		return nil, errors.New("sampleRate must be positive")
	}
	log := logger.OrNop(cfg.logger)
	reg := cfg.registry
	if reg == nil {
		reg = registry.NewMemory()
	}

	loop := cfg.newLoop()
	mixer := soft.New(soft.Options{SampleRate: cfg.sampleRate, Scheduler: loop, Logger: log})
	if !cfg.headless {
		out, err := intaudio.NewPlayer(cfg.sampleRate, mixer)
		if err != nil {
			loop.Close()
			return nil, err
		}
		mixer.AttachOutput(out)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		loop:   loop,
		mixer:  mixer,
		log:    log,
		onEnd:  cfg.onEnd,
		cancel: cancel,
		closed: make(chan struct{}),
	}
	if err := loop.Do(func() {
		e.ctrl = controller.New(controller.Options{
			Backend:        mixer,
			Scheduler:      loop,
			Registry:       reg,
			Loader:         decode.File,
			Sink:           cfg.sink,
			Logger:         log,
			TickInterval:   cfg.tick,
			AutoPauseGuard: cfg.guard,
			Repeat:         cfg.repeat,
			OnEnd:          e.handleEnd,
			OnEvent:        e.handleEvent,
		})
	}); err != nil {
		cancel()
		loop.Close()
		_ = mixer.Close()
		return nil, fmt.Errorf("start engine loop: %w", err)
	}

	if n, ok := reg.(registry.Notifier); ok {
		go e.forwardChanges(ctx, n)
	}
	if w, ok := reg.(interface{ Watch(context.Context) error }); ok {
		go func() {
			if err := w.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("source watcher stopped", zap.Error(err))
			}
		}()
	}
	return e, nil
}

func (e *Engine) forwardChanges(ctx context.Context, n registry.Notifier) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.Changes():
			e.loop.Post(e.ctrl.RefreshSources)
		}
	}
}

func (e *Engine) do(fn func()) {
	if err := e.loop.Do(fn); err != nil {
		e.log.Debug("engine call after close", zap.Error(err))
	}
}

// Play starts playback. It may block until the audio device is available.
func (e *Engine) Play(ctx context.Context) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	err := e.ctrl.Play(ctx)
	if errors.Is(err, controller.ErrDestroyed) {
		return ErrClosed
	}
	return err
}

func (e *Engine) Pause() { e.do(e.ctrl.Pause) }

func (e *Engine) Seek(seconds float64, updateVisual bool) {
	e.do(func() { e.ctrl.Seek(seconds, updateVisual) })
}

func (e *Engine) Restart() { e.do(e.ctrl.Restart) }

func (e *Engine) ToggleRepeat(enabled bool) {
	e.do(func() { e.ctrl.ToggleRepeat(enabled) })
}

func (e *Engine) SetTempo(bpm float64) {
	e.do(func() { e.ctrl.SetTempo(bpm) })
}

// SetPlaybackRate sets the speed in percent of the original tempo.
func (e *Engine) SetPlaybackRate(pct float64) {
	e.do(func() { e.ctrl.SetPlaybackRate(pct) })
}

// SetLoopPoints sets the A-B loop window in visual seconds. Passing nil for
// both clears it.
func (e *Engine) SetLoopPoints(start, end *float64, preservePosition bool) {
	e.do(func() { e.ctrl.SetLoopPoints(start, end, preservePosition) })
}

func (e *Engine) SetVolume(v float64) {
	e.do(func() { e.ctrl.SetVolume(v) })
}

func (e *Engine) SetPan(p float64) {
	e.do(func() { e.ctrl.SetPan(p) })
}

func (e *Engine) SetFileMute(id string, muted bool) {
	e.do(func() { e.ctrl.SetFileMute(id, muted) })
}

func (e *Engine) SetFileVolume(id string, v float64) {
	e.do(func() { e.ctrl.SetFileVolume(id, v) })
}

func (e *Engine) SetFilePan(id string, p float64) {
	e.do(func() { e.ctrl.SetFilePan(id, p) })
}

func (e *Engine) SetWavVolume(id string, v float64) {
	e.do(func() { e.ctrl.SetWavVolume(id, v) })
}

// LoadNotes replaces the note set; originalTempo is the bpm the note times
// were written at.
func (e *Engine) LoadNotes(notes []Note, originalTempo float64) {
	e.do(func() { e.ctrl.LoadNotes(notes, originalTempo) })
}

func (e *Engine) RefreshSources() { e.do(e.ctrl.RefreshSources) }

func (e *Engine) State() State {
	var st State
	e.do(func() { st = e.ctrl.State() })
	return st
}

// Render pulls interleaved stereo frames from the mixer. Use it with
// WithHeadless; with a device attached the device pulls on its own.
func (e *Engine) Render(dst []float32) {
	e.mixer.Process(dst)
}

// Watch returns a channel that receives playback events. The channel is
// buffered (cap 8) and events are dropped when it is full. Only the most
// recent Watch channel receives events.
func (e *Engine) Watch() <-chan PlaybackEvent {
	ch := make(chan PlaybackEvent, 8)
	e.eventChMu.Lock()
	e.eventCh = ch
	e.eventChMu.Unlock()
	return ch
}

func (e *Engine) sendEvent(ev PlaybackEvent) {
	e.eventChMu.Lock()
	ch := e.eventCh
	e.eventChMu.Unlock()
	if ch != nil {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (e *Engine) handleEvent(kind controller.EventKind) {
	switch kind {
	case controller.EventPlaybackEnded:
		e.sendEvent(PlaybackEvent{Kind: EventPlaybackEnded})
	case controller.EventLoopCompleted:
		e.sendEvent(PlaybackEvent{Kind: EventLoopCompleted})
	case controller.EventAutoPaused:
		e.sendEvent(PlaybackEvent{Kind: EventAutoPaused})
	case controller.EventAutoResumed:
		e.sendEvent(PlaybackEvent{Kind: EventAutoResumed})
	}
}

func (e *Engine) handleEnd() {
	if e.onEnd != nil {
		go e.onEnd()
	}
}

// Close stops playback, releases every source and the audio device.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		e.cancel()
		e.do(e.ctrl.Destroy)
		e.loop.Close()
		err = e.mixer.Close()
	})
	return err
}
