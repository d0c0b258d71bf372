package player

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the playback session lifecycle.
type State int

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StatePaused
	StateTearingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateTearingDown:
		return "tearing_down"
	default:
		return "unknown"
	}
}

// SessionConfig tunes one playback session.
type SessionConfig struct {
	// IdleTimeout is how long a session may sit idle before it leaves on
	// its own. Zero or negative disables the monitor.
	IdleTimeout  time.Duration
	IntentBuffer int
	EventBuffer  int
	Supervisor   SupervisorConfig
}

// DefaultSessionConfig mirrors the original bot's behavior: five minutes of
// idle tolerance.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		IdleTimeout:  5 * time.Minute,
		IntentBuffer: 64,
		EventBuffer:  32,
		Supervisor:   DefaultSupervisorConfig(),
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.IntentBuffer <= 0 {
		c.IntentBuffer = 64
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 32
	}
	c.Supervisor = c.Supervisor.withDefaults()
	return c
}

// playGate pauses and resumes the frame-drain loop without touching the
// pipeline worker, which keeps resume instant.
type playGate struct {
	mu     sync.Mutex
	paused bool
	ch     chan struct{}
}

func (g *playGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.ch = make(chan struct{})
	}
}

func (g *playGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.ch)
	}
}

// wait blocks while the gate is paused.
func (g *playGate) wait(ctx context.Context) error {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return nil
	}
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session is the per-guild playback state machine. It owns one TrackQueue
// and one BufferSupervisor, and processes all control intents and internal
// pipeline events strictly one at a time on a single goroutine. Frame
// draining runs separately so slow intent handling never starves the audio
// cadence.
type Session struct {
	guildID string
	cfg     SessionConfig
	log     *logrus.Entry

	queue *TrackQueue
	sup   *BufferSupervisor
	gate  *playGate

	msgs    chan message
	events  chan interface{}
	handler EventHandler
	onClose func()

	ctx    context.Context
	cancel context.CancelFunc
	idle   *time.Timer

	// Mutated only by the intent loop; guarded for snapshot readers.
	mu      sync.RWMutex
	state   State
	current *TrackDescriptor
	effects EffectsConfig
	sink    Sink
	loadGen uint64
}

// NewSession builds and starts a session. effects seeds the initial volume
// and equalizer (for example from a saved profile); onClose runs exactly once
// after teardown completes and is how the registry drops its entry.
func NewSession(guildID string, factory WorkerFactory, handler EventHandler, effects EffectsConfig, cfg SessionConfig, onClose func()) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		guildID: guildID,
		cfg:     cfg,
		log:     logrus.WithField("guild_id", guildID),
		queue:   NewTrackQueue(),
		gate:    &playGate{},
		msgs:    make(chan message, cfg.IntentBuffer),
		events:  make(chan interface{}, cfg.EventBuffer),
		handler: handler,
		onClose: onClose,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateIdle,
		effects: effects,
	}
	s.sup = NewBufferSupervisor(factory, cfg.Supervisor, s.postWorkerEvent, s.log)
	if cfg.IdleTimeout > 0 {
		s.idle = time.AfterFunc(cfg.IdleTimeout, s.idleExpired)
	}

	go s.run()
	go s.dispatchEvents()
	return s
}

// Submit queues a control intent and returns immediately. The resulting
// transition (or error) is reported through the event handler.
func (s *Session) Submit(in Intent) error {
	m := message{intent: &in}
	select {
	case <-s.ctx.Done():
		return ErrSessionClosed
	case s.msgs <- m:
		return nil
	default:
		return ErrIntentOverflow
	}
}

// GuildID returns the guild this session plays for.
func (s *Session) GuildID() string { return s.guildID }

// Closed reports whether the session has finished tearing down.
func (s *Session) Closed() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// State returns the current machine state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Current returns a copy of the current track, if any.
func (s *Session) Current() *TrackDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	t := *s.current
	return &t
}

// Effects returns the session's effect settings.
func (s *Session) Effects() EffectsConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.effects
}

// postWorkerEvent feeds a supervisor outcome into the serialized stream.
// Supervisor goroutines must never lose an event, so an overflowing buffer
// falls back to a blocking send off to the side.
func (s *Session) postWorkerEvent(ev WorkerEvent) {
	s.post(message{worker: &ev})
}

func (s *Session) postDrainEvent(ev drainEvent) {
	s.post(message{drain: &ev})
}

func (s *Session) post(m message) {
	select {
	case s.msgs <- m:
	case <-s.ctx.Done():
	default:
		go func() {
			select {
			case s.msgs <- m:
			case <-s.ctx.Done():
			}
		}()
	}
}

// idleExpired runs on the timer goroutine. It only enqueues a synthetic
// leave; the intent loop decides whether the session really is idle, which
// preserves the single-intent-stream invariant.
func (s *Session) idleExpired() {
	in := Intent{Kind: IntentLeave, idleLeave: true}
	select {
	case s.msgs <- message{intent: &in}:
	case <-s.ctx.Done():
	default:
	}
}

func (s *Session) resetIdle() {
	if s.idle != nil {
		s.idle.Reset(s.cfg.IdleTimeout)
	}
}

// run is the session's only mutating goroutine.
func (s *Session) run() {
	defer s.finalize()
	for {
		select {
		case <-s.ctx.Done():
			return
		case m := <-s.msgs:
			switch {
			case m.intent != nil:
				s.handleIntent(*m.intent)
			case m.worker != nil:
				s.handleWorkerEvent(*m.worker)
			case m.drain != nil:
				s.handleDrainEvent(*m.drain)
			}
			if s.state == StateTearingDown {
				return
			}
		}
	}
}

func (s *Session) finalize() {
	if s.idle != nil {
		s.idle.Stop()
	}
	s.sup.TeardownAll()
	s.mu.Lock()
	if s.sink != nil {
		s.sink.Close()
		s.sink = nil
	}
	s.mu.Unlock()
	s.cancel()
	close(s.events)
	if s.onClose != nil {
		s.onClose()
	}
	s.log.Info("session closed")
}

func (s *Session) handleIntent(in Intent) {
	if in.Kind != IntentLeave || !in.idleLeave {
		s.resetIdle()
	}
	s.log.WithFields(logrus.Fields{"intent": in.Kind.String(), "state": s.state.String()}).Debug("processing intent")

	switch in.Kind {
	case IntentJoin:
		s.handleJoin(in.Sink)
	case IntentPlay:
		s.handlePlay(in.Tracks)
	case IntentPause:
		if s.state == StatePlaying {
			s.gate.pause()
			s.setState(StatePaused)
		}
	case IntentResume:
		if s.state == StatePaused {
			s.gate.resume()
			s.setState(StatePlaying)
		}
	case IntentSkip:
		if s.state == StatePlaying || s.state == StatePaused || s.state == StateLoading {
			finished := s.current
			s.advance(finished, EndedSkipped)
		}
	case IntentPrevious:
		s.handlePrevious()
	case IntentStop:
		s.handleStop()
	case IntentRemove:
		s.handleRemove(in.Index)
	case IntentSetLoop:
		s.queue.SetLoop(in.Loop)
		s.retargetPrefetch()
		s.emitState()
	case IntentSetVolume:
		s.setEffects(func(e *EffectsConfig) { e.Volume = ClampVolume(in.Volume) })
	case IntentSetEqualizer:
		s.setEffects(func(e *EffectsConfig) { e.Equalizer = in.Equalizer })
	case IntentLeave:
		if in.idleLeave && s.state != StateIdle {
			// Still in use; the monitor rearms on the next reset.
			s.resetIdle()
			return
		}
		s.teardown()
	}
}

func (s *Session) handleJoin(sink Sink) {
	if sink == nil {
		return
	}
	s.mu.Lock()
	old := s.sink
	s.sink = sink
	s.mu.Unlock()
	if old != nil && old != sink {
		old.Close()
	}
	s.emitState()
}

func (s *Session) handlePlay(tracks []TrackDescriptor) {
	if len(tracks) == 0 {
		return
	}
	if s.currentSink() == nil {
		s.emitError(nil, ErrNoTransport)
		return
	}
	for _, t := range tracks {
		s.queue.Enqueue(t)
	}
	if s.state == StateIdle {
		next, ok := s.queue.DequeueNext(nil, EndedNaturally)
		if ok {
			s.startLoading(next)
			return
		}
	}
	s.retargetPrefetch()
	s.emitState()
}

func (s *Session) handlePrevious() {
	prev, err := s.queue.PopHistory()
	if err != nil {
		s.emitError(s.current, err)
		return
	}
	if s.current != nil {
		s.queue.EnqueueFront(*s.current)
	}
	s.queue.EnqueueFront(prev)
	s.advance(nil, EndedSkipped)
}

func (s *Session) handleStop() {
	s.bumpGen()
	s.sup.TeardownAll()
	s.queue.Clear()
	s.gate.resume()
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	s.setState(StateIdle)
}

func (s *Session) handleRemove(index int) {
	removed, err := s.queue.Remove(index)
	if err != nil {
		s.emitError(nil, err)
		return
	}
	s.log.WithFields(logrus.Fields{"track_id": removed.ID, "title": removed.Title}).Info("removed from queue")
	s.retargetPrefetch()
	s.emitState()
}

// advance tears down the active worker, applies loop policy for the finished
// track, and loads whatever comes next. finished must be nil for tracks that
// never became playable.
func (s *Session) advance(finished *TrackDescriptor, reason EndReason) {
	s.bumpGen()
	s.sup.TeardownActive()
	s.gate.resume()

	next, ok := s.queue.DequeueNext(finished, reason)
	if !ok {
		s.sup.CancelPrefetch()
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		s.setState(StateIdle)
		return
	}
	s.startLoading(next)
}

func (s *Session) startLoading(t TrackDescriptor) {
	s.mu.Lock()
	s.current = &t
	gen := s.loadGen
	effects := s.effects
	s.mu.Unlock()
	s.setState(StateLoading)

	if !s.sup.PromotePrefetch(t, gen) {
		s.sup.Start(t, effects, gen)
	}
}

func (s *Session) handleWorkerEvent(ev WorkerEvent) {
	if ev.Gen != s.currentGen() || s.state != StateLoading {
		return // stale: the session moved on before the pipeline answered
	}
	if ev.Err != nil {
		s.log.WithFields(logrus.Fields{"track_id": ev.Track.ID, "cause": ev.Err.Error()}).Warn("track unplayable")
		s.emitError(s.current, ev.Err)
		// The failed track never enters history.
		s.advance(nil, EndedNaturally)
		return
	}

	w := s.sup.ActiveWorker()
	if w == nil {
		return
	}
	s.setState(StatePlaying)
	s.resetIdle()
	go s.drain(w, ev.Gen)
	s.retargetPrefetch()
}

func (s *Session) handleDrainEvent(ev drainEvent) {
	if ev.gen != s.currentGen() {
		return
	}
	if s.state != StatePlaying && s.state != StatePaused {
		return
	}
	if ev.sinkClosed {
		s.log.Warn("transport sink closed, leaving")
		s.teardown()
		return
	}
	if ev.err != nil {
		// Mid-stream failure: report it, then treat as an early natural end.
		s.emitError(s.current, ev.err)
	}
	s.advance(s.current, EndedNaturally)
}

// drain moves frames from the active worker to the transport sink. It is the
// cadence-sensitive path: it runs apart from intent handling and is gated,
// not stopped, by pause.
func (s *Session) drain(w Worker, gen uint64) {
	frames := w.Frames()
	for {
		if err := s.gate.wait(s.ctx); err != nil {
			return
		}

		// Prefer buffered frames over Done so the tail of the stream is
		// never cut off when the worker finishes ahead of the sink.
		var f Frame
		var ok bool
		select {
		case f, ok = <-frames:
		default:
			select {
			case f, ok = <-frames:
			case <-w.Done():
				s.flushFrames(w, frames, gen)
				return
			case <-s.ctx.Done():
				return
			}
		}
		if !ok {
			s.postDrainEvent(drainEvent{gen: gen, err: w.Err()})
			return
		}
		if !s.writeFrame(f, gen) {
			return
		}
	}
}

// flushFrames forwards whatever the finished worker left buffered, then
// reports the end of the stream.
func (s *Session) flushFrames(w Worker, frames <-chan Frame, gen uint64) {
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				s.postDrainEvent(drainEvent{gen: gen, err: w.Err()})
				return
			}
			if !s.writeFrame(f, gen) {
				return
			}
		default:
			s.postDrainEvent(drainEvent{gen: gen, err: w.Err()})
			return
		}
	}
}

// writeFrame pushes one frame to the sink, reporting closure through the
// serialized stream. Returns false once draining must stop.
func (s *Session) writeFrame(f Frame, gen uint64) bool {
	sink := s.currentSink()
	if sink == nil {
		s.postDrainEvent(drainEvent{gen: gen, sinkClosed: true})
		return false
	}
	if err := sink.Write(f); err != nil {
		s.postDrainEvent(drainEvent{gen: gen, sinkClosed: true})
		return false
	}
	return true
}

func (s *Session) teardown() {
	s.sup.TeardownAll()
	s.queue.Clear()
	s.gate.resume()
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	s.setState(StateTearingDown)
}

func (s *Session) setEffects(apply func(*EffectsConfig)) {
	s.mu.Lock()
	apply(&s.effects)
	effects := s.effects
	s.mu.Unlock()
	if w := s.sup.ActiveWorker(); w != nil {
		w.Reconfigure(effects)
	}
	s.emitState()
}

func (s *Session) retargetPrefetch() {
	if s.state != StatePlaying && s.state != StatePaused && s.state != StateLoading {
		return
	}
	next, ok := s.queue.PeekNext(s.current)
	if !ok {
		s.sup.CancelPrefetch()
		return
	}
	s.sup.Prefetch(next, s.Effects())
}

func (s *Session) currentSink() Sink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sink
}

func (s *Session) currentGen() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadGen
}

func (s *Session) bumpGen() {
	s.mu.Lock()
	s.loadGen++
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	old := s.state
	s.state = st
	s.mu.Unlock()
	if old != st {
		s.log.WithFields(logrus.Fields{"from": old.String(), "to": st.String()}).Info("session state changed")
	}
	s.emitState()
}

func (s *Session) snapshot() StateChanged {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var current *TrackDescriptor
	if s.current != nil {
		t := *s.current
		current = &t
	}
	return StateChanged{
		GuildID: s.guildID,
		State:   s.state,
		Current: current,
		Queue:   s.queue.Upcoming(-1),
		Loop:    s.queue.Loop(),
		Effects: s.effects,
	}
}

func (s *Session) emitState() {
	s.emit(s.snapshot())
}

func (s *Session) emitError(track *TrackDescriptor, cause error) {
	var t *TrackDescriptor
	if track != nil {
		cp := *track
		t = &cp
	}
	s.emit(PlaybackError{GuildID: s.guildID, Track: t, Cause: cause})
}

// emit never blocks the intent loop; a full event buffer drops the event
// with a warning, matching how the transport layer treats lagging consumers.
func (s *Session) emit(ev interface{}) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event buffer full, dropping notification")
	}
}

func (s *Session) dispatchEvents() {
	for ev := range s.events {
		if s.handler == nil {
			continue
		}
		switch e := ev.(type) {
		case StateChanged:
			s.handler.HandleStateChanged(e)
		case PlaybackError:
			s.handler.HandlePlaybackError(e)
		}
	}
}
