package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gabrielenos/lancip/internal/types"
)

// Router decides where sessions are filed and where their frames go.
type Router interface {
	// RegistryKey picks the registry bucket for a newly accepted session.
	RegistryKey(identity types.Identity) types.UserID
	// Route handles one inbound frame. It must not retain payload.
	Route(ctx context.Context, sender Session, payload []byte)
}

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	WriteTimeout       time.Duration
	MaxMessageSize     int64
	AllowedOrigins     []string
}

// Hooks observe the session lifecycle. Both are optional.
type Hooks struct {
	OnConnect    func(conn *Connection, key types.UserID)
	OnDisconnect func(conn *Connection, key types.UserID, err error)
}

// Gateway upgrades HTTP requests into WebSocket sessions, files them in the
// ConnectionRegistry and feeds their frames to the Router.
type Gateway struct {
	auth     Authenticator
	registry *ConnectionRegistry
	router   Router
	logger   zerolog.Logger
	hooks    Hooks
	cfg      GatewayConfig
	upgrader websocket.Upgrader

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(auth Authenticator, registry *ConnectionRegistry, router Router, logger zerolog.Logger, hooks Hooks, cfg GatewayConfig) (*Gateway, error) {
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if registry == nil {
		return nil, errors.New("connection registry is required")
	}
	if router == nil {
		return nil, errors.New("router is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 64 << 10
	}

	policy := NewOriginPolicy(cfg.AllowedOrigins)
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		auth:     auth,
		registry: registry,
		router:   router,
		logger:   logger,
		hooks:    hooks,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     policy.CheckOrigin,
		},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// ServeHTTP implements http.Handler. The handler blocks for the lifetime of
// the WebSocket session.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if !g.acquire() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.wg.Done()

	identity, err := g.auth.Authenticate(r)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, ErrBadIdentity) {
			status = http.StatusBadRequest
		}
		g.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket identity rejected")
		http.Error(w, err.Error(), status)
		return
	}

	start := time.Now()
	_, span := tracer.Start(r.Context(), "ws.accept")
	conn, err := g.upgrader.Upgrade(w, r, nil)
	span.End()
	if err != nil {
		// The upgrader has already written an error response.
		g.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	relayUpgradeLatency.Observe(time.Since(start).Seconds())

	g.serve(conn, identity)
}

// acquire counts a handler in flight unless Shutdown has begun.
func (g *Gateway) acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.wg.Add(1)
	return true
}

func (g *Gateway) serve(conn *websocket.Conn, identity types.Identity) {
	key := g.router.RegistryKey(identity)
	logger := g.logger.With().Str("user", key.String()).Logger()
	c := newConnection(conn, identity, logger, connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		writeTimeout:       g.cfg.WriteTimeout,
		maxMessageSize:     g.cfg.MaxMessageSize,
	})

	g.registry.Register(key, c)
	defer func() {
		g.registry.Deregister(key, c)
		_ = c.Close()
	}()

	c.logger.Info().Bool("verified", identity.Verified).Msg("websocket connection established")
	if g.hooks.OnConnect != nil {
		g.hooks.OnConnect(c, key)
	}

	err := c.Run(g.ctx, g.router.Route)
	g.logDisconnect(c, err)
	if g.hooks.OnDisconnect != nil {
		g.hooks.OnDisconnect(c, key, err)
	}
}

func (g *Gateway) logDisconnect(c *Connection, err error) {
	var netErr net.Error
	switch {
	case err == nil:
		c.logger.Info().Msg("websocket connection closed")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.logger.Info().Msg("peer closed websocket")
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn().Int64("limit", g.cfg.MaxMessageSize).Msg("frame exceeded maximum size")
	case errors.As(err, &netErr) && netErr.Timeout():
		c.logger.Info().Msg("heartbeat timeout")
	case isClosed(c):
		c.logger.Debug().Err(err).Msg("read ended after local close")
	default:
		c.logger.Warn().Err(err).Msg("websocket read failed")
	}
}

// Shutdown stops accepting sessions, closes the open ones and waits for their
// handlers to finish or ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isClosed(c *Connection) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}
