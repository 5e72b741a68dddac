package console

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lob-engine/console/pkg/errors"
	appfsm "github.com/lob-engine/console/pkg/fsm"
	"github.com/lob-engine/console/pkg/metrics"
	"github.com/lob-engine/console/pkg/profile"
)

// Registry holds the live sessions.
type Registry struct {
	resolver       *profile.Resolver
	commandTimeout time.Duration
	logger         *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry(resolver *profile.Resolver, commandTimeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if commandTimeout <= 0 {
		commandTimeout = 10 * time.Second
	}
	return &Registry{
		resolver:       resolver,
		commandTimeout: commandTimeout,
		logger:         logger,
		sessions:       make(map[string]*Session),
	}
}

// Create resolves a profile and registers a new session for it.
func (r *Registry) Create(profileName string, o profile.Overrides) *Session {
	p := r.resolver.Resolve(profileName, o)
	s := newSession(uuid.NewString(), p, r.resolver.Params(p), r.commandTimeout, r.logger)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	metrics.SessionsActive.Inc()
	r.logger.Info("console_session_created", "session_id", s.ID, "profile", p.Name, "requested_profile", profileName)
	return s
}

// Get finds a session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(errors.ErrSessionNotFound, id)
	}
	return s, nil
}

// Host adapts Get for the snapshot workflows.
func (r *Registry) Host(id string) (appfsm.Host, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Controller, nil
}

// Remove drops a session. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		metrics.SessionsActive.Dec()
		r.logger.Info("console_session_removed", "session_id", id)
	}
}

// List returns all sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep removes sessions whose engine never connected within maxIdle of
// creation, and returns how many it removed.
func (r *Registry) Sweep(now time.Time, maxIdle time.Duration) int {
	var stale []string
	for _, s := range r.List() {
		if !s.Connected() && now.Sub(s.CreatedAt) > maxIdle {
			stale = append(stale, s.ID)
		}
	}
	for _, id := range stale {
		r.Remove(id)
	}
	if len(stale) > 0 {
		r.logger.Info("console_sessions_swept", "count", len(stale))
	}
	return len(stale)
}
