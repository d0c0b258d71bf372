package player

import (
	"context"
	"sync"
)

// fakeWorker is a scriptable pipeline worker. Behavior is chosen per build:
// fail outright, stall forever, emit a fixed set of frames and end, or keep
// streaming until killed.
type fakeWorker struct {
	track   TrackDescriptor
	effects EffectsConfig

	startErr   error
	failWith   *PipelineError
	stall      bool
	frames     []Frame
	continuous bool

	mu      sync.Mutex
	state   WorkerState
	killed  bool
	reconfs []EffectsConfig
	err     *PipelineError

	ready chan struct{}
	out   chan Frame
	done  chan struct{}
	once  sync.Once
}

func newFakeWorker(track TrackDescriptor, effects EffectsConfig) *fakeWorker {
	return &fakeWorker{
		track:   track,
		effects: effects,
		state:   WorkerStarting,
		ready:   make(chan struct{}),
		out:     make(chan Frame, 16),
		done:    make(chan struct{}),
	}
}

func (w *fakeWorker) Track() TrackDescriptor { return w.track }
func (w *fakeWorker) Ready() <-chan struct{} { return w.ready }
func (w *fakeWorker) Frames() <-chan Frame   { return w.out }
func (w *fakeWorker) Done() <-chan struct{}  { return w.done }

func (w *fakeWorker) Err() *PipelineError {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *fakeWorker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *fakeWorker) Reconfigure(e EffectsConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reconfs = append(w.reconfs, e)
}

func (w *fakeWorker) Start(ctx context.Context) error {
	if w.startErr != nil {
		return w.startErr
	}
	go w.run(ctx)
	return nil
}

func (w *fakeWorker) run(ctx context.Context) {
	if w.stall {
		return
	}
	if w.failWith != nil {
		w.terminate(WorkerFailed, w.failWith)
		return
	}
	w.setState(WorkerReady)
	close(w.ready)

	emit := func(f Frame) bool {
		select {
		case w.out <- f:
			w.setState(WorkerStreaming)
			return true
		case <-ctx.Done():
			return false
		case <-w.done:
			return false
		}
	}
	for _, f := range w.frames {
		if !emit(f) {
			return
		}
	}
	for w.continuous {
		if !emit(Frame{0xF8}) {
			return
		}
	}
	w.terminate(WorkerEnded, nil)
}

func (w *fakeWorker) terminate(st WorkerState, perr *PipelineError) {
	w.once.Do(func() {
		w.mu.Lock()
		w.state = st
		w.err = perr
		w.mu.Unlock()
		close(w.out)
		close(w.done)
	})
}

func (w *fakeWorker) Kill() {
	w.mu.Lock()
	w.killed = true
	w.mu.Unlock()
	w.terminate(WorkerEnded, nil)
}

func (w *fakeWorker) Killed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.killed
}

func (w *fakeWorker) Reconfigs() []EffectsConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]EffectsConfig, len(w.reconfs))
	copy(out, w.reconfs)
	return out
}

func (w *fakeWorker) setState(st WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != WorkerEnded && w.state != WorkerFailed {
		w.state = st
	}
}

// workerScript is a WorkerFactory that builds fake workers and remembers
// every one it handed out, in order.
type workerScript struct {
	mu      sync.Mutex
	workers []*fakeWorker
	build   func(n int, track TrackDescriptor, effects EffectsConfig) *fakeWorker
}

func newWorkerScript(build func(n int, track TrackDescriptor, effects EffectsConfig) *fakeWorker) *workerScript {
	return &workerScript{build: build}
}

// endingWorkers builds workers that emit a few frames and end naturally.
func endingWorkers() *workerScript {
	return newWorkerScript(func(n int, track TrackDescriptor, effects EffectsConfig) *fakeWorker {
		w := newFakeWorker(track, effects)
		w.frames = []Frame{{1}, {2}, {3}}
		return w
	})
}

// streamingWorkers builds workers that stream until killed.
func streamingWorkers() *workerScript {
	return newWorkerScript(func(n int, track TrackDescriptor, effects EffectsConfig) *fakeWorker {
		w := newFakeWorker(track, effects)
		w.continuous = true
		return w
	})
}

func (s *workerScript) factory(track TrackDescriptor, effects EffectsConfig) Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.build(len(s.workers), track, effects)
	s.workers = append(s.workers, w)
	return w
}

func (s *workerScript) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func (s *workerScript) worker(i int) *fakeWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.workers) {
		return nil
	}
	return s.workers[i]
}

// fakeSink records written frames and can be told to start rejecting writes.
type fakeSink struct {
	mu     sync.Mutex
	frames int
	closed bool
	failAt int // reject writes once this many frames arrived; 0 never fails
}

func (s *fakeSink) Write(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if s.failAt > 0 && s.frames >= s.failAt {
		return ErrSinkClosed
	}
	s.frames++
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *fakeSink) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// recordingHandler collects every event a session emits.
type recordingHandler struct {
	mu     sync.Mutex
	states []StateChanged
	errs   []PlaybackError
}

func (h *recordingHandler) HandleStateChanged(e StateChanged) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, e)
}

func (h *recordingHandler) HandlePlaybackError(e PlaybackError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, e)
}

func (h *recordingHandler) errorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.errs)
}

func (h *recordingHandler) lastError() (PlaybackError, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.errs) == 0 {
		return PlaybackError{}, false
	}
	return h.errs[len(h.errs)-1], true
}

func (h *recordingHandler) lastState() (StateChanged, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.states) == 0 {
		return StateChanged{}, false
	}
	return h.states[len(h.states)-1], true
}

func track(id string) TrackDescriptor {
	return TrackDescriptor{ID: id, Title: "title " + id, StreamLocator: "https://cdn.example/" + id, Source: SourceURL}
}
