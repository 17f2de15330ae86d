// Package eventloop provides the single-threaded cooperative scheduling model
// the playback engine runs on. All engine state is touched only from loop
// callbacks; other goroutines (audio thread, decoders, timers) hand work to
// the loop with Post.
package eventloop

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrClosed = errors.New("eventloop: closed")

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// Scheduler is the view of the loop handed to engine components.
type Scheduler interface {
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) Timer
	Now() time.Time
}

// Runner is a Scheduler that can also run a function synchronously on the
// loop and wait for it.
type Runner interface {
	Scheduler
	Do(fn func()) error
}

// Loop runs posted callbacks in FIFO order on one goroutine.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func New() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
	}
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Post enqueues fn. Posting to a closed loop drops fn.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
}

// Do runs fn on the loop and blocks until it returns. It must not be called
// from a loop callback.
func (l *Loop) Do(fn func()) error {
	finished := make(chan struct{})
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queue = append(l.queue, func() {
		defer close(finished)
		fn()
	})
	l.mu.Unlock()
	l.signal()
	<-finished
	return nil
}

type loopTimer struct {
	t         *time.Timer
	cancelled atomic.Bool
}

func (t *loopTimer) Stop() bool {
	t.cancelled.Store(true)
	return t.t.Stop()
}

// AfterFunc posts fn to the loop after d. A stopped timer never runs fn, even
// if it had already been queued.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.cancelled.Load() {
				return
			}
			fn()
		})
	})
	return lt
}

func (l *Loop) Now() time.Time { return time.Now() }

// Close stops accepting work, runs what is already queued and waits for the
// loop goroutine to exit.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.signal()
	<-l.done
}
