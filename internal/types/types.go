package types

import (
	"fmt"
	"strconv"
)

// UserID identifies a registered account. The relay treats it as opaque.
type UserID int64

// BroadcastKey is the single registry bucket used when the relay runs in
// global broadcast mode and connections carry no per-user identity.
const BroadcastKey UserID = 0

// String renders the id in base 10 so it can be used as a log field or key.
func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseUserID parses a decimal user identifier.
func ParseUserID(raw string) (UserID, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse user id %q: %w", raw, err)
	}
	return UserID(v), nil
}

// Identity is what the gateway learns about a client before upgrading.
type Identity struct {
	UserID UserID
	// Verified is set when the claimed id was checked against an access token.
	Verified bool
}

// Mode selects the relay strategy.
type Mode string

const (
	ModeAddressed Mode = "addressed"
	ModeBroadcast Mode = "broadcast"
)

// Valid reports whether m names a known relay strategy.
func (m Mode) Valid() bool {
	switch m {
	case ModeAddressed, ModeBroadcast:
		return true
	}
	return false
}
