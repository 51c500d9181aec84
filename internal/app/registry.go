package app

import (
	"slices"
	"sync"

	"github.com/dkeye/callsignal/internal/core"
	"github.com/dkeye/callsignal/internal/domain"
	"github.com/dkeye/callsignal/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Registry maps each online identity to its single live session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.Identity]core.Session

	metrics *metrics.Metrics
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		sessions: make(map[domain.Identity]core.Session),
		metrics:  m,
	}
}

// Register binds sess to id, replacing any previous entry. The superseded
// session, if any, is returned so the caller can close it.
func (r *Registry) Register(id domain.Identity, sess core.Session) (core.Session, error) {
	if id == "" {
		return nil, domain.ErrIdentityEmpty
	}
	r.mu.Lock()
	prev, had := r.sessions[id]
	r.sessions[id] = sess
	r.mu.Unlock()

	r.metrics.Inc(metrics.SessionsRegistered)
	logger := log.With().Str("module", "app.registry").Str("identity", string(id)).Str("sid", string(sess.ID())).Logger()
	if had && prev != sess {
		r.metrics.Inc(metrics.SessionsSuperseded)
		logger.Info().Str("superseded_sid", string(prev.ID())).Msg("session replaced")
		return prev, nil
	}
	logger.Info().Msg("session registered")
	return nil, nil
}

func (r *Registry) Lookup(id domain.Identity) (core.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes the entry for id only if it is still owned by sess.
// A late disconnect from a superseded session leaves the newer entry alone.
func (r *Registry) Remove(id domain.Identity, sess core.Session) bool {
	r.mu.Lock()
	cur, ok := r.sessions[id]
	owned := ok && cur == sess
	if owned {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	logger := log.With().Str("module", "app.registry").Str("identity", string(id)).Str("sid", string(sess.ID())).Logger()
	if !owned {
		r.metrics.Inc(metrics.SessionsStaleRemove)
		logger.Debug().Msg("ignored remove from stale session")
		return false
	}
	r.metrics.Inc(metrics.SessionsRemoved)
	logger.Info().Msg("session removed")
	return true
}

func (r *Registry) Online(id domain.Identity) bool {
	_, ok := r.Lookup(id)
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the online identities in sorted order.
func (r *Registry) Snapshot() []domain.Identity {
	r.mu.RLock()
	out := make([]domain.Identity, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}
