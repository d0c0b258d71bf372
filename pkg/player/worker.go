package player

import "context"

// Frame is one fixed-duration (20 ms) encoded audio frame ready for the
// transport sink.
type Frame []byte

// WorkerState is the lifecycle of a single pipeline worker.
type WorkerState int32

const (
	WorkerStarting WorkerState = iota
	WorkerReady
	WorkerStreaming
	WorkerEnded
	WorkerFailed
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStarting:
		return "starting"
	case WorkerReady:
		return "ready"
	case WorkerStreaming:
		return "streaming"
	case WorkerEnded:
		return "ended"
	case WorkerFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Worker is one isolated decode/transcode unit bound to a single track.
//
// After Start, the worker asynchronously either closes Ready (stream opened,
// first frame available) or closes Done with Err set. Frames is a lazy,
// finite, forward-only stream; it is closed on natural end or failure, and
// consuming it is the only way to advance playback. A worker is never
// restartable: replaying or retrying a track means building a new worker.
//
// Kill is idempotent and forceful. It must release all external process
// resources even when called while the worker is still starting.
type Worker interface {
	Track() TrackDescriptor
	Start(ctx context.Context) error
	Ready() <-chan struct{}
	Frames() <-chan Frame
	Done() <-chan struct{}
	// Err reports the failure cause after Done; nil means the stream was
	// exhausted naturally.
	Err() *PipelineError
	// Reconfigure applies new effect settings to the live worker where the
	// pipeline supports it (volume); the rest takes effect on the next
	// worker built for the session.
	Reconfigure(EffectsConfig)
	Kill()
	State() WorkerState
}

// WorkerFactory builds a worker for one track with the session's current
// effect settings.
type WorkerFactory func(track TrackDescriptor, effects EffectsConfig) Worker
