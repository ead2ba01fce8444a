package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"

	"github.com/gabrielenos/lancip/internal/types"
)

// ErrMalformedEnvelope wraps every reason a frame cannot be routed.
var ErrMalformedEnvelope = errors.New("malformed envelope")

const (
	fieldSender = "senderId"
	fieldTarget = "targetId"
)

// Envelope is the routing metadata of one inbound chat frame. Everything
// other than the two ids is kept opaque in Extra.
type Envelope struct {
	SenderID types.UserID
	TargetID types.UserID
	Extra    map[string]json.RawMessage
}

// Decode parses raw as a JSON object carrying integer senderId and targetId
// fields. raw must be valid UTF-8 because it is relayed verbatim as a text
// frame.
func Decode(raw []byte) (Envelope, error) {
	if !utf8.Valid(raw) {
		return Envelope{}, fmt.Errorf("%w: invalid utf-8", ErrMalformedEnvelope)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformedEnvelope)
	}

	sender, err := userIDField(fields, fieldSender)
	if err != nil {
		return Envelope{}, err
	}
	target, err := userIDField(fields, fieldTarget)
	if err != nil {
		return Envelope{}, err
	}

	delete(fields, fieldSender)
	delete(fields, fieldTarget)
	return Envelope{SenderID: sender, TargetID: target, Extra: fields}, nil
}

func userIDField(fields map[string]json.RawMessage, name string) (types.UserID, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformedEnvelope, name)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrMalformedEnvelope, name, err)
	}
	num, ok := value.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%w: %s is not a number", ErrMalformedEnvelope, name)
	}
	if v, err := num.Int64(); err == nil {
		return types.UserID(v), nil
	}

	// 1.0 and 1e3 are integral even though they are not written as integers.
	f, err := strconv.ParseFloat(num.String(), 64)
	if err != nil || f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%w: %s is not an integer", ErrMalformedEnvelope, name)
	}
	return types.UserID(int64(f)), nil
}
