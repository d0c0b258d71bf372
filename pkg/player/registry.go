package player

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry is the process-wide map of guild id to playback session. It is
// the only cross-session shared structure; its lock guards nothing but the
// map itself and is never held while a session processes an intent.
type Registry struct {
	factory WorkerFactory
	handler EventHandler
	cfg     SessionConfig

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(factory WorkerFactory, handler EventHandler, cfg SessionConfig) *Registry {
	return &Registry{
		factory:  factory,
		handler:  handler,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the live session for a guild, building one seeded with
// effects (for example a saved profile) when none exists. A session that has
// begun tearing down is replaced, never resurrected.
func (r *Registry) GetOrCreate(guildID string, effects EffectsConfig) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[guildID]; ok && !s.Closed() {
		return s
	}
	s := NewSession(guildID, r.factory, r.handler, effects, r.cfg, func() {
		r.drop(guildID)
	})
	r.sessions[guildID] = s
	logrus.WithField("guild_id", guildID).Info("created playback session")
	return s
}

// Get returns the live session for a guild, if one exists.
func (r *Registry) Get(guildID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[guildID]
	if !ok || s.Closed() {
		return nil, false
	}
	return s, true
}

// Remove asks the guild's session to tear down. Removal of the map entry
// happens once the session finishes closing. Unknown guilds are a no-op.
func (r *Registry) Remove(guildID string) {
	s, ok := r.Get(guildID)
	if !ok {
		return
	}
	// Ignore ErrSessionClosed: a concurrent teardown already won.
	_ = s.Submit(Intent{Kind: IntentLeave})
}

// Submit routes an intent to a guild's session. Intents for guilds with no
// session are a no-op, not an error: the guild was already torn down.
func (r *Registry) Submit(guildID string, in Intent) error {
	s, ok := r.Get(guildID)
	if !ok {
		return nil
	}
	err := s.Submit(in)
	if err == ErrSessionClosed {
		return nil
	}
	return err
}

// CloseAll asks every registered session to tear down. Used on shutdown;
// entries disappear as the sessions finish closing.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		_ = s.Submit(Intent{Kind: IntentLeave})
	}
}

// Len reports how many sessions are registered, including ones mid-teardown.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// drop removes the guild's entry once its session has closed. The Closed
// check keeps a late-firing teardown from evicting a replacement session.
func (r *Registry) drop(guildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[guildID]; ok && s.Closed() {
		delete(r.sessions, guildID)
	}
}
