// Package bufferpool keeps one buffer player per registered audio file and
// starts, stops and mixes them as a group.
package bufferpool

import (
	"context"
	"errors"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/crescent-stdio/wave-roll-sub001/internal/backend"
	"github.com/crescent-stdio/wave-roll-sub001/internal/eventloop"
	"github.com/crescent-stdio/wave-roll-sub001/internal/logger"
	"github.com/crescent-stdio/wave-roll-sub001/internal/registry"
)

// Loader decodes the file at path. It runs off the event loop.
type Loader func(path string) (backend.Buffer, error)

type Options struct {
	Registry  registry.Registry
	Backend   backend.Backend
	Loader    Loader
	Scheduler eventloop.Scheduler
	Logger    *zap.Logger
	// OnLoaded runs on the event loop after a decode finishes.
	OnLoaded func(id string)
}

type pendingStart struct {
	ticket uint64
	offset float64 // visual seconds
	when   float64 // backend time
}

type entry struct {
	file   registry.SourceFile
	player backend.BufferPlayer
	volume float64
	pan    float64
	muted  bool

	decoding bool
	failed   bool
	disposed bool
	done     chan struct{}

	ticket uint64
	queued *pendingStart
}

func (e *entry) active() bool { return e.file.Visible && !e.muted }

// Pool methods run on the event loop, except WaitLoaded.
type Pool struct {
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string

	rate     float64
	volume   float64
	pan      float64
	disposed bool
}

func New(opts Options) *Pool {
	return &Pool{
		opts:    opts,
		log:     logger.OrNop(opts.Logger),
		entries: make(map[string]*entry),
		rate:    1,
		volume:  1,
	}
}

// Sync reconciles the pool with the registry: new audio files get an entry
// and start decoding, removed files are disposed. It reports whether the set
// of entries changed.
func (p *Pool) Sync() bool {
	if p.opts.Registry == nil {
		return false
	}
	files := p.opts.Registry.Files()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return false
	}
	seen := make(map[string]bool, len(files))
	changed := false
	for _, f := range files {
		if f.Kind != registry.KindAudio {
			continue
		}
		seen[f.ID] = true
		if e, ok := p.entries[f.ID]; ok {
			if e.file.Visible && !f.Visible {
				e.ticket++
				e.queued = nil
				e.player.Stop()
			}
			e.file = f
			continue
		}
		p.addLocked(f)
		changed = true
	}
	order := p.order[:0]
	for _, id := range p.order {
		if seen[id] {
			order = append(order, id)
			continue
		}
		p.disposeEntryLocked(p.entries[id])
		delete(p.entries, id)
		changed = true
	}
	p.order = order
	return changed
}

func (p *Pool) addLocked(f registry.SourceFile) {
	e := &entry{
		file:     f,
		player:   p.opts.Backend.NewBufferPlayer(),
		volume:   1,
		decoding: true,
		done:     make(chan struct{}),
	}
	e.player.SetPlaybackRate(p.rate)
	p.applyMixLocked(e)
	p.entries[f.ID] = e
	p.order = append(p.order, f.ID)

	load := p.opts.Loader
	go func() {
		buf, err := load(f.Path)
		p.opts.Scheduler.Post(func() { p.finishDecode(e, buf, err) })
		close(e.done)
	}()
}

func (p *Pool) finishDecode(e *entry, buf backend.Buffer, err error) {
	p.mu.Lock()
	e.decoding = false
	if e.disposed || p.disposed {
		p.mu.Unlock()
		p.log.Debug("decode finished for removed source", zap.String("file", e.file.ID))
		return
	}
	if err != nil {
		e.failed = true
		e.queued = nil
		p.mu.Unlock()
		p.log.Warn("decode audio source", zap.String("file", e.file.ID), zap.String("path", e.file.Path), zap.Error(err))
		return
	}
	e.player.Load(buf)
	q := e.queued
	e.queued = nil
	if q != nil && q.ticket == e.ticket && e.active() {
		now := p.opts.Backend.Now()
		offset := q.offset
		when := q.when
		if now > when {
			offset += (now - when) * p.rate
			when = now
		}
		p.startLocked(e, offset, when)
	}
	p.mu.Unlock()
	if p.opts.OnLoaded != nil {
		p.opts.OnLoaded(e.file.ID)
	}
}

// StartActiveAt restarts every visible, unmuted entry at offsetVisual,
// beginning at backend time when. Hidden or muted entries are stopped.
func (p *Pool) StartActiveAt(offsetVisual, when float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.order {
		e := p.entries[id]
		e.player.Stop()
		e.ticket++
		e.queued = nil
		if !e.active() {
			continue
		}
		p.startOrQueueLocked(e, offsetVisual, when)
	}
}

// StartFileAt starts one entry, for example after it was unmuted mid-playback.
func (p *Pool) StartFileAt(id string, offsetVisual, when float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return false
	}
	e.player.Stop()
	e.ticket++
	e.queued = nil
	if e.active() {
		p.startOrQueueLocked(e, offsetVisual, when)
	}
	return true
}

func (p *Pool) startOrQueueLocked(e *entry, offset, when float64) {
	switch {
	case e.player.Loaded():
		p.startLocked(e, offset, when)
	case e.decoding:
		e.queued = &pendingStart{ticket: e.ticket, offset: offset, when: when}
	}
}

func (p *Pool) startLocked(e *entry, offset, when float64) {
	if offset >= e.player.Duration() {
		return
	}
	if err := e.player.Start(when, math.Max(0, offset)); err != nil {
		if errors.Is(err, backend.ErrAlreadyStarted) {
			p.log.Error("buffer player started while playing", zap.String("file", e.file.ID))
			return
		}
		p.log.Warn("start buffer player", zap.String("file", e.file.ID), zap.Error(err))
	}
}

// StopAll stops every entry and cancels queued starts.
func (p *Pool) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		e.ticket++
		e.queued = nil
		e.player.Stop()
	}
}

// SetPlaybackRate applies pct (100 = original speed) to every player. A
// running player keeps its buffer position, so callers reposition after a
// rate change during playback.
func (p *Pool) SetPlaybackRate(pct float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rate = pct / 100
	for _, e := range p.entries {
		e.player.SetPlaybackRate(p.rate)
	}
}

func (p *Pool) SetVolume(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = v
	for _, e := range p.entries {
		p.applyMixLocked(e)
	}
}

func (p *Pool) SetPan(pan float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pan = pan
	for _, e := range p.entries {
		p.applyMixLocked(e)
	}
}

// SetFileMute mutes or unmutes one entry. Muting stops it; unmuting does not
// start it. Unknown ids report false.
func (p *Pool) SetFileMute(id string, muted bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return false
	}
	e.muted = muted
	if muted {
		e.ticket++
		e.queued = nil
		e.player.Stop()
	}
	return true
}

func (p *Pool) SetFileVolume(id string, v float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return false
	}
	e.volume = v
	p.applyMixLocked(e)
	return true
}

func (p *Pool) SetFilePan(id string, pan float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return false
	}
	e.pan = pan
	p.applyMixLocked(e)
	return true
}

func (p *Pool) applyMixLocked(e *entry) {
	e.player.SetVolume(e.volume * p.volume)
	e.player.SetPan(math.Max(-1, math.Min(1, e.pan+p.pan)))
}

// Has reports whether id has an entry.
func (p *Pool) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[id]
	return ok
}

// Len returns the number of entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Audible reports whether any visible entry is unmuted with a non-zero
// volume. Entries still decoding count; entries that failed do not.
func (p *Pool) Audible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.active() && e.volume > 0 && !e.failed {
			return true
		}
	}
	return false
}

// MaxDuration is the longest decoded buffer, in seconds.
func (p *Pool) MaxDuration() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := 0.0
	for _, e := range p.entries {
		d = math.Max(d, e.player.Duration())
	}
	return d
}

// WaitLoaded blocks until every entry present at the call has finished
// decoding. It must not be called on the event loop.
func (p *Pool) WaitLoaded(ctx context.Context) error {
	p.mu.Lock()
	var pending []chan struct{}
	for _, e := range p.entries {
		if e.decoding {
			pending = append(pending, e.done)
		}
	}
	p.mu.Unlock()
	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Dispose releases every player. Decodes still in flight are ignored when
// they complete.
func (p *Pool) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		p.disposeEntryLocked(e)
	}
	p.entries = make(map[string]*entry)
	p.order = nil
	p.disposed = true
}

func (p *Pool) disposeEntryLocked(e *entry) {
	e.disposed = true
	e.queued = nil
	e.player.Stop()
	e.player.Dispose()
}
