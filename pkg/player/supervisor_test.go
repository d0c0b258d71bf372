package player

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRetries:   2,
		StartTimeout: 250 * time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffMax:   2 * time.Millisecond,
	}
}

func newTestSupervisor(t *testing.T, script *workerScript) (*BufferSupervisor, chan WorkerEvent) {
	t.Helper()
	events := make(chan WorkerEvent, 16)
	sup := NewBufferSupervisor(script.factory, fastSupervisorConfig(), func(ev WorkerEvent) {
		events <- ev
	}, nil)
	t.Cleanup(sup.TeardownAll)
	return sup, events
}

func waitEvent(t *testing.T, events chan WorkerEvent) WorkerEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker event")
		return WorkerEvent{}
	}
}

func TestStartReportsReady(t *testing.T) {
	script := streamingWorkers()
	sup, events := newTestSupervisor(t, script)

	sup.Start(track("a"), DefaultEffects(), 7)

	ev := waitEvent(t, events)
	assert.Equal(t, uint64(7), ev.Gen)
	assert.Equal(t, "a", ev.Track.ID)
	assert.Nil(t, ev.Err)
	assert.Equal(t, 1, script.count())
}

func TestStartRetriesThenSucceeds(t *testing.T) {
	script := newWorkerScript(func(n int, tr TrackDescriptor, e EffectsConfig) *fakeWorker {
		w := newFakeWorker(tr, e)
		if n < 2 {
			w.failWith = NewPipelineError(PipelineNetworkFailure, errors.New("connection reset"))
		} else {
			w.continuous = true
		}
		return w
	})
	sup, events := newTestSupervisor(t, script)

	sup.Start(track("a"), DefaultEffects(), 1)

	ev := waitEvent(t, events)
	assert.Nil(t, ev.Err)
	assert.Equal(t, 3, script.count())
}

func TestStartExhaustsRetries(t *testing.T) {
	script := newWorkerScript(func(n int, tr TrackDescriptor, e EffectsConfig) *fakeWorker {
		w := newFakeWorker(tr, e)
		w.failWith = NewPipelineError(PipelineUnsupportedFormat, errors.New("no audio stream"))
		return w
	})
	sup, events := newTestSupervisor(t, script)

	sup.Start(track("a"), DefaultEffects(), 1)

	ev := waitEvent(t, events)
	require.NotNil(t, ev.Err)
	assert.Equal(t, PipelineUnsupportedFormat, ev.Err.Kind)
	// The first try plus MaxRetries more, no further attempts.
	assert.Equal(t, 3, script.count())
}

func TestStartTimesOutStalledWorker(t *testing.T) {
	script := newWorkerScript(func(n int, tr TrackDescriptor, e EffectsConfig) *fakeWorker {
		w := newFakeWorker(tr, e)
		w.stall = true
		return w
	})
	sup, events := newTestSupervisor(t, script)

	sup.Start(track("a"), DefaultEffects(), 1)

	ev := waitEvent(t, events)
	require.NotNil(t, ev.Err)
	assert.Equal(t, PipelineTimeout, ev.Err.Kind)
	for i := 0; i < script.count(); i++ {
		assert.True(t, script.worker(i).Killed())
	}
}

func TestStartTearsDownPreviousActive(t *testing.T) {
	script := streamingWorkers()
	sup, events := newTestSupervisor(t, script)

	sup.Start(track("a"), DefaultEffects(), 1)
	waitEvent(t, events)

	sup.Start(track("b"), DefaultEffects(), 2)
	// The superseded worker is killed before the new one spawns.
	assert.True(t, script.worker(0).Killed())
	ev := waitEvent(t, events)
	assert.Equal(t, "b", ev.Track.ID)
}

func TestPrefetchStaysSilent(t *testing.T) {
	script := streamingWorkers()
	sup, events := newTestSupervisor(t, script)

	sup.Prefetch(track("a"), DefaultEffects())
	require.Eventually(t, func() bool {
		w := script.worker(0)
		return w != nil && w.State() == WorkerReady
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for silent prefetch: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPrefetchDedupesSameTrack(t *testing.T) {
	script := streamingWorkers()
	sup, _ := newTestSupervisor(t, script)

	sup.Prefetch(track("a"), DefaultEffects())
	require.Eventually(t, func() bool { return script.count() == 1 }, time.Second, 5*time.Millisecond)
	sup.Prefetch(track("a"), DefaultEffects())

	sup.Prefetch(track("b"), DefaultEffects())
	require.Eventually(t, func() bool { return script.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "b", script.worker(1).Track().ID)
	assert.True(t, script.worker(0).Killed())
}

func TestPromoteWarmPrefetchIsImmediate(t *testing.T) {
	script := streamingWorkers()
	sup, events := newTestSupervisor(t, script)

	sup.Prefetch(track("a"), DefaultEffects())
	require.Eventually(t, func() bool {
		w := script.worker(0)
		return w != nil && w.State() == WorkerReady
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, sup.PromotePrefetch(track("a"), 9))
	ev := waitEvent(t, events)
	assert.Equal(t, uint64(9), ev.Gen)
	assert.Nil(t, ev.Err)
	// No fresh worker was built for the handoff.
	assert.Equal(t, 1, script.count())
}

func TestPromoteColdPrefetchReportsWhenReady(t *testing.T) {
	script := newWorkerScript(func(n int, tr TrackDescriptor, e EffectsConfig) *fakeWorker {
		w := newFakeWorker(tr, e)
		w.stall = true
		return w
	})
	sup, events := newTestSupervisor(t, script)

	sup.Prefetch(track("a"), DefaultEffects())
	require.Eventually(t, func() bool { return script.count() == 1 }, time.Second, 5*time.Millisecond)

	// Promote before the worker is ready: the event must arrive once the
	// slot's monitor sees readiness.
	require.True(t, sup.PromotePrefetch(track("a"), 4))
	w := script.worker(0)
	w.setState(WorkerReady)
	close(w.ready)

	ev := waitEvent(t, events)
	assert.Equal(t, uint64(4), ev.Gen)
}

func TestPromoteWrongTrackFails(t *testing.T) {
	script := streamingWorkers()
	sup, _ := newTestSupervisor(t, script)

	sup.Prefetch(track("a"), DefaultEffects())
	require.Eventually(t, func() bool { return script.count() == 1 }, time.Second, 5*time.Millisecond)

	assert.False(t, sup.PromotePrefetch(track("b"), 1))
	require.Eventually(t, func() bool { return script.worker(0).Killed() }, time.Second, 5*time.Millisecond)

	// The prefetch slot was consumed either way.
	assert.False(t, sup.PromotePrefetch(track("a"), 2))
}

func TestPromoteFailedPrefetchFails(t *testing.T) {
	script := newWorkerScript(func(n int, tr TrackDescriptor, e EffectsConfig) *fakeWorker {
		w := newFakeWorker(tr, e)
		w.failWith = NewPipelineError(PipelineProcessCrash, errors.New("exit status 1"))
		return w
	})
	sup, events := newTestSupervisor(t, script)

	sup.Prefetch(track("a"), DefaultEffects())
	require.Eventually(t, func() bool { return script.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return script.worker(2).State() == WorkerFailed }, time.Second, 5*time.Millisecond)

	assert.False(t, sup.PromotePrefetch(track("a"), 1))
	select {
	case ev := <-events:
		t.Fatalf("failed prefetch must stay silent, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLiveWorkersNeverExceedsTwo(t *testing.T) {
	script := streamingWorkers()
	sup, events := newTestSupervisor(t, script)

	sup.Start(track("a"), DefaultEffects(), 1)
	waitEvent(t, events)
	sup.Prefetch(track("b"), DefaultEffects())
	require.Eventually(t, func() bool {
		w := script.worker(1)
		return w != nil && w.State() == WorkerReady
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, sup.LiveWorkers())

	sup.CancelPrefetch()
	require.Eventually(t, func() bool { return sup.LiveWorkers() == 1 }, time.Second, 5*time.Millisecond)

	sup.TeardownAll()
	require.Eventually(t, func() bool { return sup.LiveWorkers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTeardownActiveStopsRetries(t *testing.T) {
	script := newWorkerScript(func(n int, tr TrackDescriptor, e EffectsConfig) *fakeWorker {
		w := newFakeWorker(tr, e)
		w.stall = true
		return w
	})
	events := make(chan WorkerEvent, 16)
	cfg := fastSupervisorConfig()
	cfg.StartTimeout = 50 * time.Millisecond
	sup := NewBufferSupervisor(script.factory, cfg, func(ev WorkerEvent) { events <- ev }, nil)

	sup.Start(track("a"), DefaultEffects(), 1)
	require.Eventually(t, func() bool { return script.count() >= 1 }, time.Second, 5*time.Millisecond)
	sup.TeardownActive()

	// A torn-down slot reports nothing, not even the in-flight failure.
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after teardown: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
