package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gabrielenos/lancip/internal/types"
)

var (
	// ErrBadIdentity is returned when the claimed user id is missing or malformed.
	ErrBadIdentity = errors.New("missing or invalid user id")
	// ErrUnauthorized is returned when the caller cannot prove the claimed identity.
	ErrUnauthorized = errors.New("unauthorized")
)

// Authenticator resolves the identity of an inbound request before the
// connection is upgraded to WebSocket.
type Authenticator interface {
	Authenticate(r *http.Request) (types.Identity, error)
}

// AuthFunc is an adapter to allow the use of ordinary functions as authenticators.
type AuthFunc func(r *http.Request) (types.Identity, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(r *http.Request) (types.Identity, error) {
	return f(r)
}

// QueryAuthenticator trusts the user id supplied in the query string.
type QueryAuthenticator struct {
	// Param defaults to "userId".
	Param string
	// Optional lets requests without the parameter through as user 0.
	Optional bool
}

// Authenticate implements Authenticator.
func (a QueryAuthenticator) Authenticate(r *http.Request) (types.Identity, error) {
	param := a.Param
	if param == "" {
		param = "userId"
	}
	raw := strings.TrimSpace(r.URL.Query().Get(param))
	if raw == "" {
		if a.Optional {
			return types.Identity{UserID: types.BroadcastKey}, nil
		}
		return types.Identity{}, ErrBadIdentity
	}
	id, err := types.ParseUserID(raw)
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: %w", ErrBadIdentity, err)
	}
	return types.Identity{UserID: id}, nil
}

// TokenVerifier checks an access token and returns the user it was issued to.
type TokenVerifier interface {
	VerifySession(ctx context.Context, token string) (types.UserID, error)
}

// TokenAuthenticator requires a live access token whose subject matches the
// user id claimed in the query string.
type TokenAuthenticator struct {
	Claimed  Authenticator
	Verifier TokenVerifier
}

// Authenticate implements Authenticator.
func (a TokenAuthenticator) Authenticate(r *http.Request) (types.Identity, error) {
	identity, err := a.Claimed.Authenticate(r)
	if err != nil {
		return types.Identity{}, err
	}
	token := RequestToken(r)
	if token == "" {
		return types.Identity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	subject, err := a.Verifier.VerifySession(r.Context(), token)
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if subject != identity.UserID {
		return types.Identity{}, fmt.Errorf("%w: token subject %s does not match user %s", ErrUnauthorized, subject, identity.UserID)
	}
	identity.Verified = true
	return identity, nil
}

// RequestToken extracts an access token from the "token" query parameter or
// an "Authorization: Bearer" header. Browsers cannot set headers on a
// WebSocket handshake, hence the query fallback.
func RequestToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return ""
}
