package relay

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gabrielenos/lancip/internal/types"
	"github.com/gabrielenos/lancip/internal/ws"
)

var tracer = otel.Tracer("github.com/gabrielenos/lancip/relay")

// Fanout delivers a payload to every live session of a user.
type Fanout interface {
	SendTo(ctx context.Context, userID types.UserID, payload []byte)
}

// Options tune the routing strategies.
type Options struct {
	// EnforceSender drops frames whose senderId differs from the verified
	// identity of the connection that sent them.
	EnforceSender bool
}

// New returns the router for mode.
func New(mode types.Mode, fanout Fanout, logger zerolog.Logger, opts Options) (ws.Router, error) {
	switch mode {
	case types.ModeAddressed, "":
		return NewAddressed(fanout, logger, opts), nil
	case types.ModeBroadcast:
		return NewBroadcast(fanout, logger), nil
	default:
		return nil, fmt.Errorf("unknown relay mode %q", mode)
	}
}

// Addressed forwards each frame to every session of its sender and, when
// different, every session of its target.
type Addressed struct {
	fanout Fanout
	logger zerolog.Logger
	opts   Options
}

// NewAddressed constructs the per-user routing strategy.
func NewAddressed(fanout Fanout, logger zerolog.Logger, opts Options) *Addressed {
	return &Addressed{fanout: fanout, logger: logger, opts: opts}
}

// RegistryKey implements ws.Router.
func (a *Addressed) RegistryKey(identity types.Identity) types.UserID {
	return identity.UserID
}

// Route implements ws.Router. Frames that fail to decode are dropped and the
// connection stays open.
func (a *Addressed) Route(ctx context.Context, sender ws.Session, payload []byte) {
	ctx, span := tracer.Start(ctx, "relay.route", trace.WithAttributes(attribute.String("relay.mode", string(types.ModeAddressed))))
	defer span.End()

	env, err := Decode(payload)
	if err != nil {
		ws.CountFrame("dropped")
		span.SetAttributes(attribute.Bool("relay.dropped", true))
		a.logger.Debug().Err(err).Str("session", sender.ID()).Int("bytes", len(payload)).Msg("dropping unroutable frame")
		return
	}

	if a.opts.EnforceSender {
		if id, ok := identityOf(sender); ok && id.Verified && id.UserID != env.SenderID {
			ws.CountFrame("spoofed")
			a.logger.Warn().Str("session", sender.ID()).Str("claimed", env.SenderID.String()).Str("user", id.UserID.String()).Msg("dropping frame with foreign senderId")
			return
		}
	}

	span.SetAttributes(
		attribute.Int64("relay.sender", int64(env.SenderID)),
		attribute.Int64("relay.target", int64(env.TargetID)),
	)

	a.fanout.SendTo(ctx, env.SenderID, payload)
	if env.TargetID != env.SenderID {
		a.fanout.SendTo(ctx, env.TargetID, payload)
	}
	ws.CountFrame("routed")
}

// Broadcast is the legacy strategy: every session shares one bucket and
// every frame goes to all of them, the sender included.
type Broadcast struct {
	fanout Fanout
	logger zerolog.Logger
}

// NewBroadcast constructs the global broadcast strategy.
func NewBroadcast(fanout Fanout, logger zerolog.Logger) *Broadcast {
	return &Broadcast{fanout: fanout, logger: logger}
}

// RegistryKey implements ws.Router.
func (b *Broadcast) RegistryKey(types.Identity) types.UserID {
	return types.BroadcastKey
}

// Route implements ws.Router.
func (b *Broadcast) Route(ctx context.Context, sender ws.Session, payload []byte) {
	ctx, span := tracer.Start(ctx, "relay.route", trace.WithAttributes(attribute.String("relay.mode", string(types.ModeBroadcast))))
	defer span.End()

	b.logger.Debug().Str("session", sender.ID()).Int("bytes", len(payload)).Msg("broadcasting frame")
	b.fanout.SendTo(ctx, types.BroadcastKey, payload)
	ws.CountFrame("broadcast")
}

func identityOf(s ws.Session) (types.Identity, bool) {
	holder, ok := s.(interface{ Identity() types.Identity })
	if !ok {
		return types.Identity{}, false
	}
	return holder.Identity(), true
}
