package player

import (
	"errors"
	"fmt"
)

// PipelineErrorKind classifies why a pipeline worker failed.
type PipelineErrorKind int

const (
	PipelineTimeout PipelineErrorKind = iota
	PipelineNetworkFailure
	PipelineUnsupportedFormat
	PipelineProcessCrash
)

func (k PipelineErrorKind) String() string {
	switch k {
	case PipelineTimeout:
		return "timeout"
	case PipelineNetworkFailure:
		return "network_failure"
	case PipelineUnsupportedFormat:
		return "unsupported_format"
	case PipelineProcessCrash:
		return "process_crash"
	default:
		return "unknown"
	}
}

// PipelineError is a classified failure reported by a pipeline worker.
type PipelineError struct {
	Kind PipelineErrorKind
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pipeline error: %s", e.Kind)
	}
	return fmt.Sprintf("pipeline error: %s: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError wraps err with a failure classification.
func NewPipelineError(kind PipelineErrorKind, err error) *PipelineError {
	return &PipelineError{Kind: kind, Err: err}
}

var (
	// ErrIndexOutOfBounds is returned by queue removal at an invalid index.
	// The queue is left unchanged.
	ErrIndexOutOfBounds = errors.New("queue index out of range")

	// ErrHistoryEmpty is returned by PopHistory when there is nothing to
	// go back to. It is reported, never fatal.
	ErrHistoryEmpty = errors.New("playback history is empty")

	// ErrSinkClosed signals that the transport sink rejected a frame.
	// The session treats it exactly like a leave intent.
	ErrSinkClosed = errors.New("transport sink closed")

	// ErrSessionClosed is returned by Submit once a session has begun
	// tearing down.
	ErrSessionClosed = errors.New("session is tearing down")

	// ErrNoTransport is reported when a play intent arrives before a
	// transport sink has been attached with a join intent.
	ErrNoTransport = errors.New("no voice transport attached")

	// ErrIntentOverflow is returned by Submit when the session's intent
	// buffer is full.
	ErrIntentOverflow = errors.New("intent buffer full")
)
