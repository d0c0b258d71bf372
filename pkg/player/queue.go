package player

// LoopMode controls how finished tracks are requeued.
type LoopMode int

const (
	LoopOff LoopMode = iota
	LoopTrack
	LoopQueue
)

func (m LoopMode) String() string {
	switch m {
	case LoopOff:
		return "off"
	case LoopTrack:
		return "track"
	case LoopQueue:
		return "queue"
	default:
		return "unknown"
	}
}

// ParseLoopMode maps a user-facing mode name to a LoopMode.
func ParseLoopMode(s string) (LoopMode, bool) {
	switch s {
	case "off":
		return LoopOff, true
	case "track":
		return LoopTrack, true
	case "queue":
		return LoopQueue, true
	}
	return LoopOff, false
}

// EndReason tells the queue why the current track stopped playing, which
// decides whether loop policy applies.
type EndReason int

const (
	EndedNaturally EndReason = iota
	EndedSkipped
)

// historyLimit bounds the "previous" ring.
const historyLimit = 50

// TrackQueue holds the upcoming tracks and a bounded history for "previous".
// It is not safe for concurrent use: only the owning session's intent loop
// mutates it. Collaborators submit requests instead of touching it directly.
type TrackQueue struct {
	upcoming []TrackDescriptor
	history  []TrackDescriptor
	loop     LoopMode
}

func NewTrackQueue() *TrackQueue {
	return &TrackQueue{}
}

// Enqueue appends a track to the end of the upcoming sequence.
func (q *TrackQueue) Enqueue(t TrackDescriptor) {
	q.upcoming = append(q.upcoming, t)
}

// EnqueueFront inserts a track at the head of the upcoming sequence.
func (q *TrackQueue) EnqueueFront(t TrackDescriptor) {
	q.upcoming = append([]TrackDescriptor{t}, q.upcoming...)
}

// DequeueNext applies loop policy for the finished track, then removes and
// returns the next upcoming track. finished is nil when there is no track to
// account for (first play, or a track that failed to load and must never
// enter history).
func (q *TrackQueue) DequeueNext(finished *TrackDescriptor, reason EndReason) (TrackDescriptor, bool) {
	if finished != nil {
		q.requeueFinished(*finished, reason)
	}
	if len(q.upcoming) == 0 {
		return TrackDescriptor{}, false
	}
	next := q.upcoming[0]
	q.upcoming = q.upcoming[1:]
	return next, true
}

// requeueFinished is the loop policy: a skipped track always goes to history;
// a naturally finished track is re-enqueued at the front under track loop,
// appended at the back under queue loop (preserving the original relative
// order across a full pass), and pushed to history otherwise.
func (q *TrackQueue) requeueFinished(t TrackDescriptor, reason EndReason) {
	if reason == EndedSkipped {
		q.PushHistory(t)
		return
	}
	switch q.loop {
	case LoopTrack:
		q.EnqueueFront(t)
	case LoopQueue:
		q.Enqueue(t)
	default:
		q.PushHistory(t)
	}
}

// PeekNext reports which track would become current if the playing track
// ended naturally right now. Used to pick the prefetch target.
func (q *TrackQueue) PeekNext(current *TrackDescriptor) (TrackDescriptor, bool) {
	if current != nil && q.loop == LoopTrack {
		return *current, true
	}
	if len(q.upcoming) > 0 {
		return q.upcoming[0], true
	}
	if current != nil && q.loop == LoopQueue {
		return *current, true
	}
	return TrackDescriptor{}, false
}

// Remove deletes the upcoming track at index. On an out-of-range index the
// queue is left unchanged.
func (q *TrackQueue) Remove(index int) (TrackDescriptor, error) {
	if index < 0 || index >= len(q.upcoming) {
		return TrackDescriptor{}, ErrIndexOutOfBounds
	}
	removed := q.upcoming[index]
	q.upcoming = append(q.upcoming[:index], q.upcoming[index+1:]...)
	return removed, nil
}

// Upcoming returns a copy of up to n upcoming tracks (all of them when n < 0).
func (q *TrackQueue) Upcoming(n int) []TrackDescriptor {
	if n < 0 || n > len(q.upcoming) {
		n = len(q.upcoming)
	}
	out := make([]TrackDescriptor, n)
	copy(out, q.upcoming[:n])
	return out
}

// PushHistory records a consumed track, evicting the oldest entry once the
// ring is full.
func (q *TrackQueue) PushHistory(t TrackDescriptor) {
	q.history = append(q.history, t)
	if len(q.history) > historyLimit {
		q.history = q.history[len(q.history)-historyLimit:]
	}
}

// PopHistory removes and returns the most recently consumed track.
func (q *TrackQueue) PopHistory() (TrackDescriptor, error) {
	if len(q.history) == 0 {
		return TrackDescriptor{}, ErrHistoryEmpty
	}
	t := q.history[len(q.history)-1]
	q.history = q.history[:len(q.history)-1]
	return t, nil
}

func (q *TrackQueue) SetLoop(m LoopMode) { q.loop = m }
func (q *TrackQueue) Loop() LoopMode     { return q.loop }
func (q *TrackQueue) Len() int           { return len(q.upcoming) }
func (q *TrackQueue) HistoryLen() int    { return len(q.history) }

// Clear drops the upcoming tracks, the history, and resets the loop mode.
func (q *TrackQueue) Clear() {
	q.upcoming = nil
	q.history = nil
	q.loop = LoopOff
}
