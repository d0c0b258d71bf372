package player

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBareSession(t *testing.T, script *workerScript, mutate func(*SessionConfig)) (*Session, *recordingHandler) {
	t.Helper()
	cfg := SessionConfig{Supervisor: fastSupervisorConfig()}
	if mutate != nil {
		mutate(&cfg)
	}
	h := &recordingHandler{}
	s := NewSession("guild-1", script.factory, h, DefaultEffects(), cfg, nil)
	t.Cleanup(func() {
		_ = s.Submit(Intent{Kind: IntentLeave})
		assert.Eventually(t, s.Closed, 2*time.Second, 5*time.Millisecond)
	})
	return s, h
}

func newTestSession(t *testing.T, script *workerScript) (*Session, *recordingHandler, *fakeSink) {
	t.Helper()
	s, h := newBareSession(t, script, nil)
	sink := &fakeSink{}
	require.NoError(t, s.Submit(Intent{Kind: IntentJoin, Sink: sink}))
	return s, h, sink
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want },
		2*time.Second, 5*time.Millisecond, "waiting for state %s, still %s", want, s.State())
}

func waitForCurrent(t *testing.T, s *Session, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		cur := s.Current()
		return cur != nil && cur.ID == id && s.State() == StatePlaying
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *recordingHandler) playingCount(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, st := range h.states {
		if st.State == StatePlaying && st.Current != nil && st.Current.ID == id {
			n++
		}
	}
	return n
}

func play(t *testing.T, s *Session, tracks ...TrackDescriptor) {
	t.Helper()
	require.NoError(t, s.Submit(Intent{Kind: IntentPlay, Tracks: tracks}))
}

func TestPlayWithoutTransport(t *testing.T) {
	s, h := newBareSession(t, streamingWorkers(), nil)

	play(t, s, track("a"))

	require.Eventually(t, func() bool { return h.errorCount() > 0 }, 2*time.Second, 5*time.Millisecond)
	perr, _ := h.lastError()
	assert.ErrorIs(t, perr.Cause, ErrNoTransport)
	assert.Equal(t, StateIdle, s.State())
}

func TestPlayReachesPlayingThenIdle(t *testing.T) {
	script := endingWorkers()
	s, _, sink := newTestSession(t, script)

	play(t, s, track("a"))

	waitForState(t, s, StateIdle)
	assert.Nil(t, s.Current())
	assert.Equal(t, 3, sink.Frames())
}

func TestPauseGatesFramesResumeReleases(t *testing.T) {
	s, _, sink := newTestSession(t, streamingWorkers())

	play(t, s, track("a"))
	waitForState(t, s, StatePlaying)
	require.Eventually(t, func() bool { return sink.Frames() > 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Submit(Intent{Kind: IntentPause}))
	waitForState(t, s, StatePaused)

	// One in-flight frame may still land; after that the count is frozen.
	time.Sleep(30 * time.Millisecond)
	frozen := sink.Frames()
	time.Sleep(75 * time.Millisecond)
	assert.Equal(t, frozen, sink.Frames())

	require.NoError(t, s.Submit(Intent{Kind: IntentResume}))
	waitForState(t, s, StatePlaying)
	require.Eventually(t, func() bool { return sink.Frames() > frozen }, 2*time.Second, 5*time.Millisecond)
}

func TestSkipMovesToNextTrack(t *testing.T) {
	script := streamingWorkers()
	s, _, _ := newTestSession(t, script)

	play(t, s, track("a"), track("b"))
	waitForCurrent(t, s, "a")

	require.NoError(t, s.Submit(Intent{Kind: IntentSkip}))
	waitForCurrent(t, s, "b")
	assert.True(t, script.worker(0).Killed())
}

func TestSkipLastTrackGoesIdle(t *testing.T) {
	script := streamingWorkers()
	s, _, _ := newTestSession(t, script)

	play(t, s, track("a"))
	waitForCurrent(t, s, "a")

	require.NoError(t, s.Submit(Intent{Kind: IntentSkip}))
	waitForState(t, s, StateIdle)
	assert.Nil(t, s.Current())
}

func TestGaplessHandoffReusesPrefetch(t *testing.T) {
	script := endingWorkers()
	s, h, _ := newTestSession(t, script)

	play(t, s, track("a"), track("b"))

	require.Eventually(t, func() bool { return h.playingCount("b") > 0 }, 2*time.Second, 5*time.Millisecond)
	waitForState(t, s, StateIdle)

	// One worker per track: the prefetched pipeline for b was promoted, not
	// rebuilt, when a finished.
	assert.Equal(t, 2, script.count())
	assert.Equal(t, "a", script.worker(0).Track().ID)
	assert.Equal(t, "b", script.worker(1).Track().ID)
}

func TestPreviousReplaysLastTrack(t *testing.T) {
	script := endingWorkers()
	s, h, _ := newTestSession(t, script)

	play(t, s, track("a"))
	waitForState(t, s, StateIdle)

	require.NoError(t, s.Submit(Intent{Kind: IntentPrevious}))
	require.Eventually(t, func() bool { return h.playingCount("a") >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestPreviousWithEmptyHistory(t *testing.T) {
	s, h, _ := newTestSession(t, streamingWorkers())

	require.NoError(t, s.Submit(Intent{Kind: IntentPrevious}))

	require.Eventually(t, func() bool { return h.errorCount() > 0 }, 2*time.Second, 5*time.Millisecond)
	perr, _ := h.lastError()
	assert.ErrorIs(t, perr.Cause, ErrHistoryEmpty)
	assert.Equal(t, StateIdle, s.State())
}

func TestPreviousWhilePlayingRequeuesCurrent(t *testing.T) {
	script := streamingWorkers()
	s, h, _ := newTestSession(t, script)

	play(t, s, track("a"), track("b"))
	waitForCurrent(t, s, "a")
	require.NoError(t, s.Submit(Intent{Kind: IntentSkip}))
	waitForCurrent(t, s, "b")

	// Going back replays a; b is requeued right behind it.
	require.NoError(t, s.Submit(Intent{Kind: IntentPrevious}))
	waitForCurrent(t, s, "a")
	require.Eventually(t, func() bool {
		st, ok := h.lastState()
		return ok && len(st.Queue) == 1 && st.Queue[0].ID == "b"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopClearsQueueAndHistory(t *testing.T) {
	script := streamingWorkers()
	s, h, _ := newTestSession(t, script)

	play(t, s, track("a"), track("b"))
	waitForCurrent(t, s, "a")

	require.NoError(t, s.Submit(Intent{Kind: IntentStop}))
	waitForState(t, s, StateIdle)
	assert.Nil(t, s.Current())
	require.Eventually(t, func() bool {
		st, ok := h.lastState()
		return ok && len(st.Queue) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, script.worker(0).Killed())

	// Stop also wipes history: previous has nothing to return to.
	require.NoError(t, s.Submit(Intent{Kind: IntentPrevious}))
	require.Eventually(t, func() bool {
		perr, ok := h.lastError()
		return ok && errors.Is(perr.Cause, ErrHistoryEmpty)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnplayableTrackIsReportedAndSkipped(t *testing.T) {
	script := newWorkerScript(func(n int, tr TrackDescriptor, e EffectsConfig) *fakeWorker {
		w := newFakeWorker(tr, e)
		if tr.ID == "bad" {
			w.failWith = NewPipelineError(PipelineProcessCrash, errors.New("exit status 1"))
		} else {
			w.continuous = true
		}
		return w
	})
	s, h, _ := newTestSession(t, script)

	play(t, s, track("bad"), track("good"))

	waitForCurrent(t, s, "good")
	require.Eventually(t, func() bool { return h.errorCount() > 0 }, 2*time.Second, 5*time.Millisecond)
	perr, _ := h.lastError()
	require.NotNil(t, perr.Track)
	assert.Equal(t, "bad", perr.Track.ID)

	// The unplayable track never entered history.
	require.NoError(t, s.Submit(Intent{Kind: IntentPrevious}))
	require.Eventually(t, func() bool {
		e, ok := h.lastError()
		return ok && errors.Is(e.Cause, ErrHistoryEmpty)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTransientFailureRetriesThenPlays(t *testing.T) {
	script := newWorkerScript(func(n int, tr TrackDescriptor, e EffectsConfig) *fakeWorker {
		w := newFakeWorker(tr, e)
		if n < 2 {
			w.failWith = NewPipelineError(PipelineNetworkFailure, errors.New("connection reset"))
		} else {
			w.continuous = true
		}
		return w
	})
	s, h, _ := newTestSession(t, script)

	play(t, s, track("a"))

	waitForCurrent(t, s, "a")
	assert.Equal(t, 3, script.count())
	assert.Equal(t, 0, h.errorCount())
}

func TestLoopTrackReplaysCurrent(t *testing.T) {
	script := endingWorkers()
	s, h, _ := newTestSession(t, script)

	require.NoError(t, s.Submit(Intent{Kind: IntentSetLoop, Loop: LoopTrack}))
	play(t, s, track("a"))

	require.Eventually(t, func() bool { return h.playingCount("a") >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Submit(Intent{Kind: IntentStop}))
	waitForState(t, s, StateIdle)
}

func TestVolumeAppliesToLiveWorker(t *testing.T) {
	script := streamingWorkers()
	s, _, _ := newTestSession(t, script)

	play(t, s, track("a"))
	waitForCurrent(t, s, "a")

	require.NoError(t, s.Submit(Intent{Kind: IntentSetVolume, Volume: 150}))
	require.Eventually(t, func() bool { return s.Effects().Volume == 150 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, e := range script.worker(0).Reconfigs() {
			if e.Volume == 150 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// Out-of-range requests are clamped, not rejected.
	require.NoError(t, s.Submit(Intent{Kind: IntentSetVolume, Volume: 900}))
	require.Eventually(t, func() bool { return s.Effects().Volume == 200 }, 2*time.Second, 5*time.Millisecond)
}

func TestEqualizerChangeIsRecorded(t *testing.T) {
	s, h, _ := newTestSession(t, streamingWorkers())

	require.NoError(t, s.Submit(Intent{Kind: IntentSetEqualizer, Equalizer: "boost"}))

	require.Eventually(t, func() bool { return s.Effects().Equalizer == "boost" }, 2*time.Second, 5*time.Millisecond)
	st, ok := h.lastState()
	require.True(t, ok)
	assert.Equal(t, "boost", st.Effects.Equalizer)
}

func TestRemoveFromQueue(t *testing.T) {
	s, h, _ := newTestSession(t, streamingWorkers())

	play(t, s, track("a"), track("b"), track("c"))
	waitForCurrent(t, s, "a")

	require.NoError(t, s.Submit(Intent{Kind: IntentRemove, Index: 0}))
	require.Eventually(t, func() bool {
		st, ok := h.lastState()
		return ok && len(st.Queue) == 1 && st.Queue[0].ID == "c"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Submit(Intent{Kind: IntentRemove, Index: 5}))
	require.Eventually(t, func() bool {
		perr, ok := h.lastError()
		return ok && errors.Is(perr.Cause, ErrIndexOutOfBounds)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSinkFailureTearsDown(t *testing.T) {
	script := endingWorkers()
	s, _ := newBareSession(t, script, nil)
	sink := &fakeSink{failAt: 1}
	require.NoError(t, s.Submit(Intent{Kind: IntentJoin, Sink: sink}))

	play(t, s, track("a"))

	require.Eventually(t, s.Closed, 2*time.Second, 5*time.Millisecond)
	assert.True(t, sink.IsClosed())
}

func TestLeaveClosesSessionAndSink(t *testing.T) {
	s, _, sink := newTestSession(t, streamingWorkers())

	require.NoError(t, s.Submit(Intent{Kind: IntentLeave}))

	require.Eventually(t, s.Closed, 2*time.Second, 5*time.Millisecond)
	assert.True(t, sink.IsClosed())
	assert.ErrorIs(t, s.Submit(Intent{Kind: IntentPause}), ErrSessionClosed)
}

func TestIdleTimeoutLeavesOnItsOwn(t *testing.T) {
	script := streamingWorkers()
	s, _ := newBareSession(t, script, func(c *SessionConfig) {
		c.IdleTimeout = 40 * time.Millisecond
	})

	require.Eventually(t, s.Closed, 2*time.Second, 5*time.Millisecond)
}

func TestIdleTimeoutIgnoredWhilePlaying(t *testing.T) {
	script := streamingWorkers()
	s, _ := newBareSession(t, script, func(c *SessionConfig) {
		c.IdleTimeout = 50 * time.Millisecond
	})
	sink := &fakeSink{}
	require.NoError(t, s.Submit(Intent{Kind: IntentJoin, Sink: sink}))

	play(t, s, track("a"))
	waitForCurrent(t, s, "a")

	time.Sleep(200 * time.Millisecond)
	assert.False(t, s.Closed())
	assert.Equal(t, StatePlaying, s.State())
}
