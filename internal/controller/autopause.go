package controller

import (
	"time"

	"go.uber.org/zap"

	"github.com/crescent-stdio/wave-roll-sub001/internal/eventloop"
)

// autoPauseHost is the slice of the controller AutoPause drives.
type autoPauseHost interface {
	isPlaying() bool
	silent() bool
	pauseForSilence()
	resumeFromSilence()
}

// AutoPause pauses playback when every source is silent and resumes it on the
// first change that makes something audible again, but only when the pause
// was its own doing. For a short guard window after an explicit play or seek
// it holds off and re-evaluates once the window ends.
type AutoPause struct {
	host  autoPauseHost
	sched eventloop.Scheduler
	guard time.Duration
	log   *zap.Logger

	guardUntil    time.Time
	guardTimer    eventloop.Timer
	guardSeq      uint64
	silencePaused bool
}

func newAutoPause(host autoPauseHost, sched eventloop.Scheduler, guard time.Duration, log *zap.Logger) *AutoPause {
	return &AutoPause{host: host, sched: sched, guard: guard, log: log}
}

// SilencePaused reports whether the current pause was caused by silence.
func (a *AutoPause) SilencePaused() bool { return a.silencePaused }

// Evaluate checks silence after a volume or mute change.
func (a *AutoPause) Evaluate() {
	if a.sched.Now().Before(a.guardUntil) {
		return
	}
	silent := a.host.silent()
	switch {
	case a.host.isPlaying() && silent:
		a.log.Debug("all sources silent, pausing")
		a.silencePaused = true
		a.host.pauseForSilence()
	case !a.host.isPlaying() && a.silencePaused && !silent:
		a.log.Debug("source audible again, resuming")
		a.silencePaused = false
		a.host.resumeFromSilence()
	}
}

// explicitAction opens the guard window. The check at its end is keyed on
// guardSeq rather than the session token: only a newer window or a reset
// cancels it.
func (a *AutoPause) explicitAction() {
	a.stopTimer()
	a.guardUntil = a.sched.Now().Add(a.guard)
	seq := a.guardSeq
	a.guardTimer = a.sched.AfterFunc(a.guard, func() {
		if a.guardSeq != seq {
			a.log.Debug("dropping stale auto-pause check", zap.Uint64("guard", seq))
			return
		}
		a.guardTimer = nil
		a.Evaluate()
	})
}

// reset forgets a silence-induced pause and any pending guard check.
func (a *AutoPause) reset() {
	a.silencePaused = false
	a.stopTimer()
}

func (a *AutoPause) stopTimer() {
	a.guardSeq++
	if a.guardTimer != nil {
		a.guardTimer.Stop()
		a.guardTimer = nil
	}
}
