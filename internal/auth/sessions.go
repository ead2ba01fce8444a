package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gabrielenos/lancip/internal/types"
)

const defaultSessionPrefix = "session:"

// SessionStore tracks issued access tokens in Redis so they can be revoked
// before they expire. Only token digests are stored.
type SessionStore struct {
	client *redis.Client
	prefix string
}

// NewSessionStore constructs a session store backed by Redis.
func NewSessionStore(client *redis.Client) *SessionStore {
	return &SessionStore{client: client, prefix: defaultSessionPrefix}
}

// Save records a live session until ttl elapses.
func (s *SessionStore) Save(ctx context.Context, userID types.UserID, tokenHash string, ttl time.Duration) error {
	issued := time.Now().UTC().Format(time.RFC3339)
	if err := s.client.Set(ctx, s.key(userID, tokenHash), issued, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Active reports whether the session is still live.
func (s *SessionStore) Active(ctx context.Context, userID types.UserID, tokenHash string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(userID, tokenHash)).Result()
	if err != nil {
		return false, fmt.Errorf("lookup session: %w", err)
	}
	return n > 0, nil
}

// Revoke deletes the session. Revoking an unknown session is not an error.
func (s *SessionStore) Revoke(ctx context.Context, userID types.UserID, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(userID, tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *SessionStore) key(userID types.UserID, tokenHash string) string {
	return s.prefix + userID.String() + ":" + tokenHash
}
