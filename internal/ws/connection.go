package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gabrielenos/lancip/internal/types"
)

// ErrTransportWrite marks a failed write to a peer. The registry treats it as
// an implicit disconnect; any other send error is reported as a fault.
var ErrTransportWrite = errors.New("transport write failed")

// Session is one live client connection as seen by the registry and routers.
type Session interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// FrameHandler receives every valid UTF-8 text frame read from a session, in
// order.
type FrameHandler func(ctx context.Context, sender Session, payload []byte)

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	writeTimeout       time.Duration
	maxMessageSize     int64
}

// Connection is a gorilla/websocket backed Session. Writes are serialized and
// bounded by a deadline; Close may be called from any goroutine.
type Connection struct {
	id       string
	conn     *websocket.Conn
	identity types.Identity
	logger   zerolog.Logger
	opts     connectionOptions

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func newConnection(conn *websocket.Conn, identity types.Identity, logger zerolog.Logger, opts connectionOptions) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:       id,
		conn:     conn,
		identity: identity,
		logger:   logger.With().Str("session", id).Logger(),
		opts:     opts,
		closed:   make(chan struct{}),
	}
}

// ID returns the per-session identifier assigned at accept time.
func (c *Connection) ID() string { return c.id }

// Identity returns the identity claimed by the client on connect.
func (c *Connection) Identity() types.Identity { return c.identity }

// Done is closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Send writes a single text frame. Every failure wraps ErrTransportWrite.
func (c *Connection) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return fmt.Errorf("%w: connection closed", ErrTransportWrite)
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.opts.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportWrite, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportWrite, err)
	}
	return nil
}

// Close sends a best-effort close frame and releases the socket. It is safe
// to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Run reads frames until the read side fails or ctx is cancelled. Cancelling
// ctx closes the connection; otherwise closing is left to the caller so it can
// deregister first.
func (c *Connection) Run(ctx context.Context, handle FrameHandler) error {
	c.conn.SetReadLimit(c.opts.maxMessageSize)
	c.armReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.armReadDeadline()
		return nil
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.watch(ctx, stop)
	}()

	err := c.readLoop(ctx, handle)
	close(stop)
	wg.Wait()
	return err
}

func (c *Connection) readLoop(ctx context.Context, handle FrameHandler) error {
	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			CountFrame("unsupported")
			c.logger.Debug().Int("type", msgType).Msg("ignoring non-text frame")
			continue
		}
		if !utf8.Valid(payload) {
			CountFrame("dropped")
			c.logger.Debug().Int("bytes", len(payload)).Msg("ignoring text frame with invalid utf-8")
			continue
		}
		handle(ctx, c, payload)
	}
}

// watch pings the peer on the heartbeat interval and closes the socket when
// the server shuts down, which unblocks a pending read.
func (c *Connection) watch(ctx context.Context, stop <-chan struct{}) {
	var tick <-chan time.Time
	if c.opts.heartbeatInterval > 0 {
		ticker := time.NewTicker(c.opts.heartbeatInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			deadline := time.Now().Add(c.opts.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				_ = c.Close()
				return
			}
		case <-ctx.Done():
			_ = c.Close()
			return
		case <-stop:
			return
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) armReadDeadline() {
	if c.opts.heartbeatInterval <= 0 {
		_ = c.conn.SetReadDeadline(time.Time{})
		return
	}
	tolerance := c.opts.heartbeatTolerance
	if tolerance < 1 {
		tolerance = 1
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.heartbeatInterval * time.Duration(tolerance+1)))
}
