package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gabrielenos/lancip/internal/types"
)

// Sessions is the subset of SessionStore the service needs.
type Sessions interface {
	Save(ctx context.Context, userID types.UserID, tokenHash string, ttl time.Duration) error
	Active(ctx context.Context, userID types.UserID, tokenHash string) (bool, error)
	Revoke(ctx context.Context, userID types.UserID, tokenHash string) error
}

// Service issues, checks and revokes access tokens. With a nil Sessions it
// falls back to stateless JWT validation and logout becomes a no-op.
type Service struct {
	issuer   *Issuer
	sessions Sessions
	cache    *sessionCache
	logger   zerolog.Logger
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithSessionCache keeps up to capacity confirmed sessions in memory for ttl.
// A session revoked on another instance stays usable here for at most ttl.
func WithSessionCache(capacity int, ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.cache = newSessionCache(capacity, ttl)
		}
	}
}

// NewService wires an issuer to an optional session store.
func NewService(issuer *Issuer, sessions Sessions, logger zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{issuer: issuer, sessions: sessions, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartSession issues a token for the user and records it as live.
func (s *Service) StartSession(ctx context.Context, userID types.UserID, email string) (Token, error) {
	tok, err := s.issuer.Issue(userID, email)
	if err != nil {
		return Token{}, err
	}
	if s.sessions != nil {
		if err := s.sessions.Save(ctx, userID, tok.Hash, s.issuer.TTL()); err != nil {
			return Token{}, err
		}
	}
	return tok, nil
}

// Authenticate validates token and returns its claims.
func (s *Service) Authenticate(ctx context.Context, token string) (Claims, error) {
	claims, err := s.issuer.Verify(token)
	if err != nil {
		return Claims{}, err
	}
	if s.sessions == nil {
		return claims, nil
	}
	hash := HashToken(token)
	if s.cache != nil && s.cache.Get(hash) {
		return claims, nil
	}
	live, err := s.sessions.Active(ctx, claims.UserID, hash)
	if err != nil {
		return Claims{}, err
	}
	if !live {
		return Claims{}, fmt.Errorf("%w: session revoked", ErrInvalidToken)
	}
	if s.cache != nil {
		s.cache.Put(hash)
	}
	return claims, nil
}

// VerifySession resolves the user behind a websocket token.
func (s *Service) VerifySession(ctx context.Context, token string) (types.UserID, error) {
	claims, err := s.Authenticate(ctx, token)
	if err != nil {
		return 0, err
	}
	return claims.UserID, nil
}

// EndSession revokes the session behind token.
func (s *Service) EndSession(ctx context.Context, token string) error {
	claims, err := s.Authenticate(ctx, token)
	if err != nil {
		return err
	}
	if s.sessions == nil {
		return nil
	}
	hash := HashToken(token)
	if s.cache != nil {
		s.cache.Remove(hash)
	}
	if err := s.sessions.Revoke(ctx, claims.UserID, hash); err != nil {
		return err
	}
	s.logger.Debug().Str("user", claims.UserID.String()).Msg("session revoked")
	return nil
}
