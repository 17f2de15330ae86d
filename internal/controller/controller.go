// Package controller orchestrates playback: it owns the playback state and
// session, and drives the sequencer, the buffer pool and the backend
// transport as one unit. Every method except Play must be called on the
// event loop; Play must be called off it.
package controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/crescent-stdio/wave-roll-sub001/internal/backend"
	"github.com/crescent-stdio/wave-roll-sub001/internal/bufferpool"
	"github.com/crescent-stdio/wave-roll-sub001/internal/clock"
	"github.com/crescent-stdio/wave-roll-sub001/internal/eventloop"
	"github.com/crescent-stdio/wave-roll-sub001/internal/logger"
	"github.com/crescent-stdio/wave-roll-sub001/internal/loopwin"
	"github.com/crescent-stdio/wave-roll-sub001/internal/registry"
	"github.com/crescent-stdio/wave-roll-sub001/internal/sequencer"
	"github.com/crescent-stdio/wave-roll-sub001/internal/session"
)

var (
	// ErrBackendInit wraps a failure to bring up the audio backend. Play can
	// be retried.
	ErrBackendInit = errors.New("controller: backend initialization failed")
	ErrDestroyed   = errors.New("controller: destroyed")
)

const (
	MinPlaybackRate = 10.0
	MaxPlaybackRate = 400.0

	DefaultTickInterval   = 16 * time.Millisecond
	DefaultAutoPauseGuard = 150 * time.Millisecond
	DefaultTempo          = 120.0
)

// PlayheadSink receives the visual time on every tick and state change.
type PlayheadSink interface {
	SetTime(visualSeconds float64)
}

// SinkFunc adapts a function to PlayheadSink.
type SinkFunc func(float64)

func (f SinkFunc) SetTime(v float64) { f(v) }

type EventKind int

const (
	EventPlaybackEnded EventKind = iota
	EventLoopCompleted
	EventAutoPaused
	EventAutoResumed
)

func (k EventKind) String() string {
	switch k {
	case EventPlaybackEnded:
		return "playback-ended"
	case EventLoopCompleted:
		return "loop-completed"
	case EventAutoPaused:
		return "auto-paused"
	case EventAutoResumed:
		return "auto-resumed"
	default:
		return "unknown"
	}
}

// State is a snapshot of the playback state.
type State struct {
	IsPlaying     bool
	IsRepeating   bool
	CurrentTime   float64
	Duration      float64
	Volume        float64
	Pan           float64
	Tempo         float64
	OriginalTempo float64
	PlaybackRate  float64
	LoopStart     *float64
	LoopEnd       *float64
}

type Options struct {
	Backend   backend.Backend
	Scheduler eventloop.Runner
	Registry  registry.Registry
	Loader    bufferpool.Loader
	Sink      PlayheadSink
	Logger    *zap.Logger

	TickInterval   time.Duration
	AutoPauseGuard time.Duration
	Repeat         bool

	// OnEnd runs on the loop once per end of non-repeating playback.
	OnEnd func()
	// OnEvent runs on the loop for every EventKind.
	OnEvent func(EventKind)
}

type Controller struct {
	opts Options
	be   backend.Backend
	loop eventloop.Runner
	log  *zap.Logger
	sink PlayheadSink

	sess    *session.Session
	clock   *clock.Clock
	window  *loopwin.Manager
	seq     *sequencer.Sequencer
	pool    *bufferpool.Pool
	auto    *AutoPause
	subs    []backend.Subscription
	ticker  eventloop.Timer
	tickSeq uint64

	playing       bool
	repeating     bool
	currentTime   float64
	duration      float64
	volume        float64
	pan           float64
	tempo         float64
	originalTempo float64
	rate          float64
	destroyed     bool
}

func New(opts Options) *Controller {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.AutoPauseGuard <= 0 {
		opts.AutoPauseGuard = DefaultAutoPauseGuard
	}
	c := &Controller{
		opts:          opts,
		be:            opts.Backend,
		loop:          opts.Scheduler,
		log:           logger.OrNop(opts.Logger),
		sink:          opts.Sink,
		sess:          session.New(),
		repeating:     opts.Repeat,
		volume:        1,
		tempo:         DefaultTempo,
		originalTempo: DefaultTempo,
		rate:          100,
	}
	if c.sink == nil {
		c.sink = SinkFunc(func(float64) {})
	}
	c.clock = clock.New(c.originalTempo, c.currentTempo)
	c.window = loopwin.New(c.clock)
	c.seq = sequencer.New(c.be, nil, c.log)
	c.pool = bufferpool.New(bufferpool.Options{
		Registry:  opts.Registry,
		Backend:   c.be,
		Loader:    opts.Loader,
		Scheduler: c.loop,
		Logger:    c.log,
		OnLoaded:  func(string) { c.sourcesChanged() },
	})
	c.auto = newAutoPause(c, c.loop, opts.AutoPauseGuard, c.log)

	tr := c.be.Transport()
	c.subs = append(c.subs,
		tr.Subscribe(backend.EventStop, c.onTransportHalt),
		tr.Subscribe(backend.EventPause, c.onTransportHalt),
		tr.Subscribe(backend.EventLoop, c.onTransportLoop),
	)
	c.be.Instrument().SetMasterGain(c.volume)
	c.pool.Sync()
	c.recomputeDuration()
	return c
}

func (c *Controller) currentTempo() float64 { return c.tempo }

// LoadNotes replaces the note set. originalTempo is the tempo the note times
// were authored at; the playback rate is kept.
func (c *Controller) LoadNotes(notes []sequencer.Note, originalTempo float64) {
	if c.destroyed {
		return
	}
	c.sess.Bump()
	if c.playing {
		c.halt()
		c.playing = false
		c.stopTicker()
		c.be.Transport().Stop()
	}
	c.sess.Reset()
	c.auto.reset()
	c.seq.Dispose()
	if originalTempo <= 0 {
		originalTempo = DefaultTempo
	}
	c.originalTempo = originalTempo
	c.tempo = originalTempo * c.rate / 100
	c.clock = clock.New(c.originalTempo, c.currentTempo)
	c.window = loopwin.New(c.clock)
	c.seq = sequencer.New(c.be, notes, c.log)
	c.be.Transport().SetBPM(c.tempo)
	c.currentTime = 0
	c.recomputeDuration()
	c.be.Transport().SetSeconds(0)
	c.sink.SetTime(0)
}

// RefreshSources reconciles the buffer pool with the registry.
func (c *Controller) RefreshSources() {
	if c.destroyed {
		return
	}
	if c.pool.Sync() {
		c.sourcesChanged()
	}
}

func (c *Controller) sourcesChanged() {
	if c.destroyed {
		return
	}
	c.recomputeDuration()
	c.auto.Evaluate()
}

func (c *Controller) recomputeDuration() {
	c.duration = math.Max(c.seq.Duration(), c.pool.MaxDuration())
	if !c.playing && c.currentTime > c.duration {
		c.currentTime = c.duration
	}
}

// Play starts playback from the current position. It waits for the backend
// and every pending decode outside the loop, then commits on the loop if no
// newer operation superseded it.
func (c *Controller) Play(ctx context.Context) error {
	var (
		tok       session.Token
		skip      bool
		destroyed bool
	)
	if err := c.loop.Do(func() {
		if c.destroyed {
			destroyed = true
			return
		}
		if c.playing {
			skip = true
			return
		}
		c.pool.Sync()
		tok = c.sess.Bump()
	}); err != nil {
		return ErrDestroyed
	}
	if destroyed {
		return ErrDestroyed
	}
	if skip {
		return nil
	}

	if err := c.be.Ready(ctx); err != nil {
		c.log.Warn("audio backend not ready", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrBackendInit, err)
	}
	if err := c.pool.WaitLoaded(ctx); err != nil {
		return err
	}

	if err := c.loop.Do(func() {
		if c.destroyed || !c.sess.Valid(tok) {
			c.log.Debug("dropping stale play", zap.Uint64("token", uint64(tok)))
			return
		}
		if c.playing {
			return
		}
		c.auto.reset()
		c.commitPlay()
		c.auto.explicitAction()
	}); err != nil {
		return ErrDestroyed
	}
	return nil
}

// commitPlay starts every source at the current position.
func (c *Controller) commitPlay() {
	c.recomputeDuration()
	pos := c.currentTime
	if !c.repeating && pos >= c.duration {
		pos = 0
	}
	if start, end := c.window.Effective(c.duration); c.window.Active() && (pos < start || pos >= end) {
		pos = start
	}
	c.currentTime = pos
	c.startSources(pos)
	c.playing = true
	c.startTicker()
	c.sink.SetTime(pos)
}

// startSources rebuilds the part and starts transport, part and buffers at
// visual position pos. Callers have stopped everything first.
func (c *Controller) startSources(pos float64) {
	var loopStart, loopEnd *float64
	if c.repeating {
		loopStart, loopEnd = c.window.Window()
		if loopEnd != nil && loopStart == nil {
			loopStart = loopwin.Seconds(0)
		}
	}
	c.seq.Setup(loopStart, loopEnd, sequencer.SetupOptions{
		Repeat:        c.repeating,
		Duration:      c.duration,
		Tempo:         c.tempo,
		OriginalTempo: c.originalTempo,
	})

	tr := c.be.Transport()
	tl := c.window.ConfigureTransportLoop(c.repeating, c.duration)
	tr.SetLoop(tl.Enabled, tl.Start, tl.End)
	tr.SetBPM(c.tempo)

	when := c.be.Now()
	tr.Start(when, c.clock.VisualToTransport(pos))
	if err := c.seq.Start(when, pos); err != nil {
		c.log.Error("start sequencer", zap.Error(err))
	}
	c.pool.StartActiveAt(pos, when)
}

// halt stops the sequencer and every buffer player. Both are idempotent.
func (c *Controller) halt() {
	c.seq.Stop()
	c.pool.StopAll()
}

// reposition runs the stop, reposition, rebuild, start cycle while playing.
// Transport stop events raised by the cycle are ignored until the posted
// Leave runs.
func (c *Controller) reposition(tok session.Token, pos float64) {
	c.sess.Enter(session.PhaseSeeking, tok)
	c.halt()
	c.be.Transport().Stop()
	c.currentTime = pos
	c.startSources(pos)
	c.startTicker()
	c.loop.Post(func() { c.sess.Leave(tok) })
}

// position is the visual time now.
func (c *Controller) position() float64 {
	if !c.playing || c.sess.Restarting() {
		return c.currentTime
	}
	v := c.clock.TransportToVisual(c.be.Transport().Seconds())
	if !c.repeating {
		v = math.Min(math.Max(v, c.currentTime), c.duration)
	}
	return v
}

func (c *Controller) Pause() {
	if c.destroyed || !c.playing {
		return
	}
	c.sess.Bump()
	c.auto.reset()
	c.pauseAt(c.position())
}

func (c *Controller) pauseAt(pos float64) {
	c.currentTime = pos
	c.playing = false
	c.stopTicker()
	c.halt()
	tr := c.be.Transport()
	tr.Pause()
	tr.SetSeconds(c.clock.VisualToTransport(pos))
	c.sink.SetTime(pos)
}

// Seek moves to target, clamped to [0, duration]. While a loop window is
// active, targets outside it snap to the window start.
func (c *Controller) Seek(target float64, updateVisual bool) {
	if c.destroyed {
		return
	}
	tok := c.sess.Bump()
	target = math.Max(0, math.Min(target, c.duration))
	if c.window.Active() {
		if start, end := c.window.Effective(c.duration); target < start || target >= end {
			target = start
		}
	}
	if c.playing {
		c.reposition(tok, target)
		c.auto.explicitAction()
	} else {
		c.currentTime = target
		c.be.Transport().SetSeconds(c.clock.VisualToTransport(target))
	}
	if updateVisual {
		c.sink.SetTime(target)
	}
}

// Restart returns to the loop start (or zero). While playing, the new start
// is issued one loop turn later so the stop event of this restart drains
// first.
func (c *Controller) Restart() {
	if c.destroyed {
		return
	}
	tok := c.sess.Bump()
	target, _ := c.window.Effective(c.duration)
	tr := c.be.Transport()
	if !c.playing {
		c.currentTime = target
		tr.SetSeconds(c.clock.VisualToTransport(target))
		c.sink.SetTime(target)
		return
	}
	c.sess.Enter(session.PhaseRestarting, tok)
	c.stopTicker()
	c.halt()
	tr.Stop()
	tr.SetSeconds(c.clock.VisualToTransport(target))
	c.currentTime = target
	c.sink.SetTime(target)
	c.loop.Post(func() {
		owned := c.sess.Leave(tok)
		if !owned || !c.sess.Valid(tok) || !c.playing || c.destroyed {
			c.log.Debug("dropping stale restart", zap.Uint64("token", uint64(tok)))
			return
		}
		c.startSources(c.currentTime)
		c.startTicker()
	})
}

// ToggleRepeat enables or disables looping. Disabling it also clears a
// custom loop window.
func (c *Controller) ToggleRepeat(enabled bool) {
	if c.destroyed || enabled == c.repeating {
		return
	}
	tok := c.sess.Bump()
	pos := c.position()
	if !enabled && c.window.Active() {
		c.window.Clear(c.duration)
	}
	c.repeating = enabled
	tl := c.window.ConfigureTransportLoop(enabled, c.duration)
	c.be.Transport().SetLoop(tl.Enabled, tl.Start, tl.End)
	if c.playing {
		c.reposition(tok, pos)
	}
}

// SetTempo sets the tempo in bpm through the playback rate.
func (c *Controller) SetTempo(bpm float64) {
	if bpm <= 0 {
		return
	}
	c.SetPlaybackRate(bpm / c.originalTempo * 100)
}

// SetPlaybackRate sets the rate in percent, clamped to
// [MinPlaybackRate, MaxPlaybackRate]. The visual position is preserved.
func (c *Controller) SetPlaybackRate(pct float64) {
	if c.destroyed || math.IsNaN(pct) {
		return
	}
	pct = math.Max(MinPlaybackRate, math.Min(MaxPlaybackRate, pct))
	if pct == c.rate {
		return
	}
	tok := c.sess.Bump()
	pos := c.position()
	oldTempo := c.tempo
	c.rate = pct
	c.tempo = c.originalTempo * pct / 100
	c.window.RescaleForTempoChange(oldTempo, c.tempo, c.duration)
	c.pool.SetPlaybackRate(pct)
	tr := c.be.Transport()
	tr.SetBPM(c.tempo)
	if c.playing {
		c.reposition(tok, pos)
		return
	}
	c.currentTime = pos
	tr.SetSeconds(c.clock.VisualToTransport(pos))
}

// SetLoopPoints sets or clears (both nil) the loop window. A window turns
// repeat on; clearing it turns repeat off.
func (c *Controller) SetLoopPoints(start, end *float64, preservePosition bool) {
	if c.destroyed {
		return
	}
	tok := c.sess.Bump()
	cur := c.position()
	res := c.window.SetLoopPoints(start, end, c.duration, cur)
	if !res.Changed {
		return
	}
	c.repeating = c.window.Active()
	pos := cur
	if !(preservePosition && res.ShouldPreservePosition) {
		pos = res.EffectiveStart
	}
	tl := c.window.ConfigureTransportLoop(c.repeating, c.duration)
	tr := c.be.Transport()
	tr.SetLoop(tl.Enabled, tl.Start, tl.End)
	if c.playing {
		c.reposition(tok, pos)
	} else {
		c.currentTime = pos
		tr.SetSeconds(c.clock.VisualToTransport(pos))
	}
	c.sink.SetTime(pos)
}

func (c *Controller) SetVolume(v float64) {
	if c.destroyed {
		return
	}
	c.volume = clamp(v, 0, 1)
	c.be.Instrument().SetMasterGain(c.volume)
	c.pool.SetVolume(c.volume)
	c.auto.Evaluate()
}

func (c *Controller) SetPan(p float64) {
	if c.destroyed {
		return
	}
	c.pan = clamp(p, -1, 1)
	c.be.Instrument().SetMasterPan(c.pan)
	c.pool.SetPan(c.pan)
}

// SetFileMute mutes or unmutes every source belonging to id. Unmuting while
// playing retriggers held notes and restarts the file's buffer in sync.
func (c *Controller) SetFileMute(id string, muted bool) {
	if c.destroyed {
		return
	}
	inSeq := c.seq.SetFileMute(id, muted)
	inPool := c.pool.SetFileMute(id, muted)
	if !inSeq && !inPool {
		c.log.Debug("mute for unknown source", zap.String("file", id))
		return
	}
	if !muted && c.playing && !c.sess.Restarting() {
		pos, when := c.position(), c.be.Now()
		if inSeq {
			c.seq.RetriggerHeld(id, pos, when)
		}
		if inPool {
			c.pool.StartFileAt(id, pos, when)
		}
	}
	c.auto.Evaluate()
}

func (c *Controller) SetFileVolume(id string, v float64) {
	if c.destroyed {
		return
	}
	v = clamp(v, 0, 1)
	inSeq := c.seq.SetFileVolume(id, v)
	inPool := c.pool.SetFileVolume(id, v)
	if !inSeq && !inPool {
		c.log.Debug("volume for unknown source", zap.String("file", id))
		return
	}
	c.auto.Evaluate()
}

func (c *Controller) SetFilePan(id string, p float64) {
	if c.destroyed {
		return
	}
	p = clamp(p, -1, 1)
	inSeq := c.seq.SetFilePan(id, p)
	inPool := c.pool.SetFilePan(id, p)
	if !inSeq && !inPool {
		c.log.Debug("pan for unknown source", zap.String("file", id))
	}
}

// SetWavVolume sets the volume of an audio file only.
func (c *Controller) SetWavVolume(id string, v float64) {
	if c.destroyed {
		return
	}
	if !c.pool.SetFileVolume(id, clamp(v, 0, 1)) {
		c.log.Debug("volume for unknown audio source", zap.String("file", id))
		return
	}
	c.auto.Evaluate()
}

// HandlePlaybackEnd pauses at exactly the duration and reports the end once.
func (c *Controller) HandlePlaybackEnd() {
	if c.destroyed || !c.playing {
		return
	}
	c.sess.Bump()
	c.auto.reset()
	c.pauseAt(c.duration)
	c.emit(EventPlaybackEnded)
	if c.opts.OnEnd != nil {
		c.opts.OnEnd()
	}
}

func (c *Controller) State() State {
	start, end := c.window.Window()
	return State{
		IsPlaying:     c.playing,
		IsRepeating:   c.repeating,
		CurrentTime:   c.position(),
		Duration:      c.duration,
		Volume:        c.volume,
		Pan:           c.pan,
		Tempo:         c.tempo,
		OriginalTempo: c.originalTempo,
		PlaybackRate:  c.rate,
		LoopStart:     start,
		LoopEnd:       end,
	}
}

// Destroy stops the transport and releases every resource. It is safe to call
// from any state and more than once.
func (c *Controller) Destroy() {
	if c.destroyed {
		return
	}
	c.sess.Bump()
	c.destroyed = true
	c.playing = false
	c.stopTicker()
	c.auto.reset()
	for _, s := range c.subs {
		s.Unsubscribe()
	}
	c.subs = nil
	c.seq.Dispose()
	c.pool.Dispose()
	c.be.Transport().Stop()
	c.sess.Reset()
}

func (c *Controller) startTicker() {
	c.stopTicker()
	c.tickSeq++
	c.scheduleTick(c.tickSeq)
}

func (c *Controller) stopTicker() {
	c.tickSeq++
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}

func (c *Controller) scheduleTick(seq uint64) {
	c.ticker = c.loop.AfterFunc(c.opts.TickInterval, func() {
		if seq != c.tickSeq || !c.playing || c.destroyed {
			return
		}
		c.tick()
		if seq == c.tickSeq && c.playing {
			c.scheduleTick(seq)
		}
	})
}

func (c *Controller) tick() {
	if c.sess.Restarting() {
		return
	}
	v := c.position()
	if !c.repeating && v >= c.duration {
		c.HandlePlaybackEnd()
		return
	}
	c.currentTime = v
	c.sink.SetTime(v)
}

// onTransportHalt handles stop and pause events. Those raised by the
// controller itself arrive while a phase is active or after playing was
// cleared; anything else is an external stop and pauses playback.
func (c *Controller) onTransportHalt(ev backend.Event) {
	if c.destroyed || !c.playing {
		return
	}
	if c.sess.IgnoreTransportEvents() {
		c.log.Debug("ignoring transport event during operation",
			zap.Stringer("event", ev.Kind), zap.Stringer("phase", c.sess.Phase()))
		return
	}
	if c.be.Transport().State() == backend.TransportStarted {
		c.log.Debug("ignoring superseded transport event", zap.Stringer("event", ev.Kind))
		return
	}
	c.sess.Bump()
	pos := c.clock.TransportToVisual(ev.Seconds)
	if !c.repeating {
		pos = math.Min(pos, c.duration)
	}
	c.pauseAt(pos)
}

// onTransportLoop re-aligns the buffer players with the loop start.
func (c *Controller) onTransportLoop(ev backend.Event) {
	if c.destroyed || !c.playing || c.sess.IgnoreTransportEvents() {
		return
	}
	start, _ := c.window.Effective(c.duration)
	now := c.be.Now()
	offset := start + math.Max(0, now-ev.When)*c.clock.Rate()
	c.sess.LastLoopJump = start
	c.pool.StartActiveAt(offset, now)
	c.currentTime = start
	c.emit(EventLoopCompleted)
}

func (c *Controller) emit(kind EventKind) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(kind)
	}
}

// silent reports whether nothing can currently be heard.
func (c *Controller) silent() bool {
	if c.volume <= 0 {
		return true
	}
	return !c.seq.Audible() && !c.pool.Audible()
}

func (c *Controller) isPlaying() bool { return c.playing }

func (c *Controller) pauseForSilence() {
	c.sess.Bump()
	c.pauseAt(c.position())
	c.emit(EventAutoPaused)
}

func (c *Controller) resumeFromSilence() {
	c.sess.Bump()
	c.commitPlay()
	c.emit(EventAutoResumed)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
