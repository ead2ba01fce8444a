package ws

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gabrielenos/lancip/internal/types"
)

// ConnectionRegistry tracks live sessions keyed by user so routers can fan a
// message out to every tab a user has open. A user with no sessions is never
// present in the map.
type ConnectionRegistry struct {
	mu       sync.RWMutex
	users    map[types.UserID][]Session
	sessions int
	logger   zerolog.Logger
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry(logger zerolog.Logger) *ConnectionRegistry {
	return &ConnectionRegistry{
		users:  make(map[types.UserID][]Session),
		logger: logger,
	}
}

// Register files the session under userID. Registering the same session
// twice is a no-op.
func (r *ConnectionRegistry) Register(userID types.UserID, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users[userID] {
		if existing == s {
			return
		}
	}
	r.users[userID] = append(r.users[userID], s)
	r.sessions++
	r.updateGauges()
}

// Deregister removes the session from userID's set, dropping the user entry
// once the set is empty. Unknown users or sessions are ignored.
func (r *ConnectionRegistry) Deregister(userID types.UserID, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, ok := r.users[userID]
	if !ok {
		return
	}
	for i, existing := range sessions {
		if existing != s {
			continue
		}
		remaining := make([]Session, 0, len(sessions)-1)
		remaining = append(remaining, sessions[:i]...)
		remaining = append(remaining, sessions[i+1:]...)
		if len(remaining) == 0 {
			delete(r.users, userID)
		} else {
			r.users[userID] = remaining
		}
		r.sessions--
		r.updateGauges()
		return
	}
}

// SendTo writes payload to every session userID had when the call started.
// The lock is not held during writes. A session whose write fails with
// ErrTransportWrite is deregistered and closed; the fan-out always continues.
func (r *ConnectionRegistry) SendTo(ctx context.Context, userID types.UserID, payload []byte) {
	recipients := r.Connections(userID)
	if len(recipients) == 0 {
		return
	}

	for _, s := range recipients {
		err := s.Send(ctx, payload)
		switch {
		case err == nil:
			relayDeliveries.WithLabelValues("ok").Inc()
		case errors.Is(err, ErrTransportWrite):
			relayDeliveries.WithLabelValues("write_failed").Inc()
			r.logger.Debug().Err(err).Str("user", userID.String()).Str("session", s.ID()).Msg("dropping session after failed write")
			r.Deregister(userID, s)
			_ = s.Close()
		default:
			relayDeliveries.WithLabelValues("fault").Inc()
			r.logger.Error().Err(err).Str("user", userID.String()).Str("session", s.ID()).Msg("unexpected send error")
		}
	}
}

// Connections returns a snapshot of userID's sessions in registration order.
func (r *ConnectionRegistry) Connections(userID types.UserID) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := r.users[userID]
	if len(sessions) == 0 {
		return nil
	}
	snapshot := make([]Session, len(sessions))
	copy(snapshot, sessions)
	return snapshot
}

// Users lists the users that currently have at least one session, ascending.
func (r *ConnectionRegistry) Users() []types.UserID {
	r.mu.RLock()
	ids := make([]types.UserID, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the total number of registered sessions.
func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions
}

// CloseAll empties the registry and closes every session it held.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	var all []Session
	for _, sessions := range r.users {
		all = append(all, sessions...)
	}
	r.users = make(map[types.UserID][]Session)
	r.sessions = 0
	r.updateGauges()
	r.mu.Unlock()

	for _, s := range all {
		if err := s.Close(); err != nil {
			r.logger.Debug().Err(err).Str("session", s.ID()).Msg("close during shutdown")
		}
	}
	if len(all) > 0 {
		r.logger.Info().Int("sessions", len(all)).Msg("closed registered sessions")
	}
}

// updateGauges must be called with mu held.
func (r *ConnectionRegistry) updateGauges() {
	relayConnections.Set(float64(r.sessions))
	relayUsers.Set(float64(len(r.users)))
}
