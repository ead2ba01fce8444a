package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/gabrielenos/lancip/internal/types"
)

// ErrInvalidToken is returned for tokens that are malformed, expired, signed
// with the wrong key or no longer backed by a live session.
var ErrInvalidToken = errors.New("invalid access token")

// Options control signing and token lifetime.
type Options struct {
	Secret []byte
	Alg    string        // HS256/HS384/HS512, default HS256
	TTL    time.Duration // default 2h
}

// Token is a signed access token and the digest used to track it server side.
type Token struct {
	Value     string
	Hash      string
	ExpiresAt time.Time
}

// Claims are the fields the relay cares about.
type Claims struct {
	UserID    types.UserID
	Email     string
	ExpiresAt time.Time
}

// Issuer signs and verifies HMAC JWT access tokens.
type Issuer struct {
	secret []byte
	method jwtlib.SigningMethod
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer validates opts and returns an Issuer.
func NewIssuer(opts Options) (*Issuer, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	return &Issuer{secret: opts.Secret, method: method, ttl: opts.TTL, now: time.Now}, nil
}

// TTL returns the lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue signs a token for the user.
func (i *Issuer) Issue(userID types.UserID, email string) (Token, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	claims := jwtlib.MapClaims{
		"sub":   userID.String(),
		"email": email,
		"iat":   now.Unix(),
		"nbf":   now.Unix(),
		"exp":   exp.Unix(),
	}
	signed, err := jwtlib.NewWithClaims(i.method, claims).SignedString(i.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Value: signed, Hash: HashToken(signed), ExpiresAt: exp}, nil
}

// Verify checks the signature and time claims of token.
func (i *Issuer) Verify(token string) (Claims, error) {
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwtlib.WithValidMethods([]string{i.method.Alg()}), jwtlib.WithTimeFunc(i.now), jwtlib.WithExpirationRequired())
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	mc, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}

	sub, err := mc.GetSubject()
	if err != nil || sub == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	userID, err := types.ParseUserID(sub)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims := Claims{UserID: userID}
	if email, ok := mc["email"].(string); ok {
		claims.Email = email
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	return claims, nil
}

// HashToken returns the digest stored for a token instead of the token itself.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
