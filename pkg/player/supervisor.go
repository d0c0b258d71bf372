package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// WorkerEvent is the supervisor's asynchronous answer to a Start request.
// A nil Err means the pipeline reached ready. Gen ties the event to the load
// generation the session requested, so stale events can be discarded.
type WorkerEvent struct {
	Gen   uint64
	Track TrackDescriptor
	Err   *PipelineError
}

// SupervisorConfig bounds the retry policy for pipeline starts.
type SupervisorConfig struct {
	// MaxRetries is the number of additional attempts after the first one
	// fails. The default of 2 means three tries in total.
	MaxRetries   int
	StartTimeout time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// DefaultSupervisorConfig returns the retry policy used in production.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRetries:   2,
		StartTimeout: 15 * time.Second,
		BackoffBase:  500 * time.Millisecond,
		BackoffMax:   5 * time.Second,
	}
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	d := DefaultSupervisorConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = d.StartTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	return c
}

// workerSlot owns one worker lifecycle (including its retries). The report
// flag and generation decide whether outcomes are surfaced to the session;
// a prefetch slot stays silent until it is promoted.
type workerSlot struct {
	track   TrackDescriptor
	effects EffectsConfig
	ctx     context.Context
	cancel  context.CancelFunc
	exited  chan struct{}

	mu      sync.Mutex
	worker  Worker
	ready   bool
	failure *PipelineError
	report  bool
	gen     uint64
}

func newWorkerSlot(track TrackDescriptor, effects EffectsConfig, report bool, gen uint64) *workerSlot {
	ctx, cancel := context.WithCancel(context.Background())
	return &workerSlot{
		track:   track,
		effects: effects,
		ctx:     ctx,
		cancel:  cancel,
		exited:  make(chan struct{}),
		report:  report,
		gen:     gen,
	}
}

func (s *workerSlot) currentWorker() Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker
}

// teardown cancels the slot and forcefully kills whichever worker it holds.
// Kill is idempotent, so racing with the slot's own monitor is harmless.
func (s *workerSlot) teardown() {
	s.cancel()
	if w := s.currentWorker(); w != nil {
		w.Kill()
	}
}

// BufferSupervisor owns the per-session pipeline workers: one active slot and
// at most one prefetch slot, so a session never holds more than two live
// workers. Start outcomes are reported through notify into the session's
// serialized intent stream.
type BufferSupervisor struct {
	factory WorkerFactory
	cfg     SupervisorConfig
	notify  func(WorkerEvent)
	log     *logrus.Entry

	mu       sync.Mutex
	active   *workerSlot
	prefetch *workerSlot
}

func NewBufferSupervisor(factory WorkerFactory, cfg SupervisorConfig, notify func(WorkerEvent), log *logrus.Entry) *BufferSupervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &BufferSupervisor{
		factory: factory,
		cfg:     cfg.withDefaults(),
		notify:  notify,
		log:     log,
	}
}

// Start prepares a pipeline for track, tearing down any previous active
// worker first. The outcome arrives later as a WorkerEvent carrying gen.
func (b *BufferSupervisor) Start(track TrackDescriptor, effects EffectsConfig, gen uint64) {
	b.mu.Lock()
	old := b.active
	slot := newWorkerSlot(track, effects, true, gen)
	b.active = slot
	b.mu.Unlock()

	// The superseded worker must release its resources before the
	// replacement spawns.
	if old != nil {
		old.teardown()
	}
	go b.runSlot(slot)
}

// Prefetch warms up a pipeline for the expected next track. Failures stay
// silent until the slot is promoted. A prefetch for the same track is a
// no-op; a different target kills the in-flight prefetch first so stale
// buffers are never handed to playback.
func (b *BufferSupervisor) Prefetch(track TrackDescriptor, effects EffectsConfig) {
	b.mu.Lock()
	if b.prefetch != nil && b.prefetch.track.ID == track.ID && b.prefetch.ctx.Err() == nil {
		b.mu.Unlock()
		return
	}
	old := b.prefetch
	slot := newWorkerSlot(track, effects, false, 0)
	b.prefetch = slot
	b.mu.Unlock()

	if old != nil {
		old.teardown()
	}
	b.log.WithFields(logrus.Fields{"track_id": track.ID, "title": track.Title}).Debug("starting prefetch")
	go b.runSlot(slot)
}

// CancelPrefetch kills the in-flight prefetch worker, if any.
func (b *BufferSupervisor) CancelPrefetch() {
	b.mu.Lock()
	old := b.prefetch
	b.prefetch = nil
	b.mu.Unlock()
	if old != nil {
		old.teardown()
	}
}

// PromotePrefetch hands the prefetch slot over as the active worker when it
// matches the next track. Returns false when there is no usable prefetch (no
// slot, wrong track, or it already failed) and the caller must Start fresh.
// When the promoted worker is already warm the ready event for gen is posted
// immediately, which is the gapless handoff path.
func (b *BufferSupervisor) PromotePrefetch(track TrackDescriptor, gen uint64) bool {
	b.mu.Lock()
	p := b.prefetch
	b.prefetch = nil
	b.mu.Unlock()
	if p == nil {
		return false
	}
	if p.track.ID != track.ID {
		p.teardown()
		return false
	}

	p.mu.Lock()
	if p.failure != nil || p.ctx.Err() != nil {
		p.mu.Unlock()
		p.teardown()
		return false
	}
	p.report = true
	p.gen = gen
	ready := p.ready
	p.mu.Unlock()

	b.mu.Lock()
	old := b.active
	b.active = p
	b.mu.Unlock()
	if old != nil {
		old.teardown()
	}

	if ready {
		b.log.WithFields(logrus.Fields{"track_id": track.ID}).Debug("promoted warm prefetch")
		b.notify(WorkerEvent{Gen: gen, Track: p.track})
	}
	return true
}

// ActiveWorker returns the worker currently held by the active slot, if any.
func (b *BufferSupervisor) ActiveWorker() Worker {
	b.mu.Lock()
	slot := b.active
	b.mu.Unlock()
	if slot == nil {
		return nil
	}
	return slot.currentWorker()
}

// TeardownActive kills the active worker and forgets the slot.
func (b *BufferSupervisor) TeardownActive() {
	b.mu.Lock()
	old := b.active
	b.active = nil
	b.mu.Unlock()
	if old != nil {
		old.teardown()
	}
}

// TeardownAll kills every worker the supervisor owns.
func (b *BufferSupervisor) TeardownAll() {
	b.TeardownActive()
	b.CancelPrefetch()
}

// LiveWorkers counts workers that still hold resources. It never exceeds two.
func (b *BufferSupervisor) LiveWorkers() int {
	b.mu.Lock()
	slots := []*workerSlot{b.active, b.prefetch}
	b.mu.Unlock()

	n := 0
	for _, slot := range slots {
		if slot == nil {
			continue
		}
		if w := slot.currentWorker(); w != nil {
			switch w.State() {
			case WorkerStarting, WorkerReady, WorkerStreaming:
				n++
			}
		}
	}
	return n
}

// spawnAttempt builds the next worker under the slot lock so a concurrent
// teardown either prevents the spawn or sees the worker it has to kill.
func (b *BufferSupervisor) spawnAttempt(s *workerSlot) (Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return nil, false
	}
	w := b.factory(s.track, s.effects)
	s.worker = w
	return w, true
}

// runSlot drives one slot through its bounded retry loop until the pipeline
// is ready, the retries are exhausted, or the slot is torn down.
func (b *BufferSupervisor) runSlot(s *workerSlot) {
	defer close(s.exited)

	var lastErr *PipelineError
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			b.log.WithFields(logrus.Fields{
				"track_id": s.track.ID,
				"attempt":  attempt + 1,
				"cause":    lastErr.Error(),
			}).Warn("retrying pipeline start")
			select {
			case <-time.After(b.backoff(attempt)):
			case <-s.ctx.Done():
				return
			}
		}

		w, ok := b.spawnAttempt(s)
		if !ok {
			return
		}
		if err := w.Start(s.ctx); err != nil {
			lastErr = NewPipelineError(PipelineProcessCrash, err)
			w.Kill()
			continue
		}

		timer := time.NewTimer(b.cfg.StartTimeout)
		select {
		case <-w.Ready():
			timer.Stop()
			s.mu.Lock()
			s.ready = true
			report, gen := s.report, s.gen
			s.mu.Unlock()
			if report {
				b.notify(WorkerEvent{Gen: gen, Track: s.track})
			}
			return
		case <-w.Done():
			timer.Stop()
			lastErr = w.Err()
			if lastErr == nil {
				lastErr = NewPipelineError(PipelineProcessCrash, errors.New("pipeline exited before ready"))
			}
		case <-timer.C:
			lastErr = NewPipelineError(PipelineTimeout, fmt.Errorf("pipeline not ready within %v", b.cfg.StartTimeout))
		case <-s.ctx.Done():
			timer.Stop()
			w.Kill()
			return
		}
		w.Kill()
	}

	b.log.WithFields(logrus.Fields{"track_id": s.track.ID, "cause": lastErr.Error()}).Error("pipeline start exhausted retries")
	s.mu.Lock()
	s.failure = lastErr
	report, gen := s.report, s.gen
	s.mu.Unlock()
	if report {
		b.notify(WorkerEvent{Gen: gen, Track: s.track, Err: lastErr})
	}
}

func (b *BufferSupervisor) backoff(attempt int) time.Duration {
	d := b.cfg.BackoffBase << uint(attempt-1)
	if d > b.cfg.BackoffMax {
		d = b.cfg.BackoffMax
	}
	return d
}
