package player

// IntentKind enumerates the control requests a session accepts.
type IntentKind int

const (
	IntentPlay IntentKind = iota
	IntentPause
	IntentResume
	IntentSkip
	IntentPrevious
	IntentStop
	IntentRemove
	IntentSetLoop
	IntentSetVolume
	IntentSetEqualizer
	IntentJoin
	IntentLeave
)

func (k IntentKind) String() string {
	switch k {
	case IntentPlay:
		return "play"
	case IntentPause:
		return "pause"
	case IntentResume:
		return "resume"
	case IntentSkip:
		return "skip"
	case IntentPrevious:
		return "previous"
	case IntentStop:
		return "stop"
	case IntentRemove:
		return "remove"
	case IntentSetLoop:
		return "set_loop"
	case IntentSetVolume:
		return "set_volume"
	case IntentSetEqualizer:
		return "set_equalizer"
	case IntentJoin:
		return "join"
	case IntentLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// Intent is a single control request. Only the fields relevant to Kind are
// read. Submit queues the intent; the outcome is reported through events.
type Intent struct {
	Kind IntentKind

	// Tracks seeds a play intent; multiple tracks (playlist expansion) are
	// enqueued atomically in order.
	Tracks []TrackDescriptor

	Index     int      // remove
	Loop      LoopMode // set_loop
	Volume    int      // set_volume
	Equalizer string   // set_equalizer
	Sink      Sink     // join

	// idleLeave marks the synthetic leave enqueued by the inactivity
	// monitor; it only takes effect when the session is idle.
	idleLeave bool
}

// StateChanged is emitted after every observable session transition.
type StateChanged struct {
	GuildID string
	State   State
	Current *TrackDescriptor
	Queue   []TrackDescriptor
	Loop    LoopMode
	Effects EffectsConfig
}

// PlaybackError reports a terminal-for-this-track or terminal-for-this-
// session failure. Recoverable errors never reach this type.
type PlaybackError struct {
	GuildID string
	Track   *TrackDescriptor
	Cause   error
}

// EventHandler receives session events. Both methods are invoked from a
// dispatch goroutine, never from the intent loop itself, so implementations
// may block briefly (for example to send a Discord message).
type EventHandler interface {
	HandleStateChanged(StateChanged)
	HandlePlaybackError(PlaybackError)
}

// Sink is the transport abstraction the session drains audio frames into.
// Write returns ErrSinkClosed (possibly wrapped) once the transport is gone;
// the session treats that as a leave.
type Sink interface {
	Write(Frame) error
	Close() error
}

// message is one entry in a session's serialized stream: either a control
// intent, a supervisor outcome, or a drain-loop event.
type message struct {
	intent *Intent
	worker *WorkerEvent
	drain  *drainEvent
}

// drainEvent is posted by the frame-drain goroutine when the active stream
// stops: exhausted naturally (err nil), failed mid-stream, or rejected by
// the sink.
type drainEvent struct {
	gen        uint64
	err        *PipelineError
	sinkClosed bool
}
