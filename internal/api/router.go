// Package api exposes the account, contact and service endpoints that sit
// next to the chat relay, and mounts the relay's websocket gateway.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/gabrielenos/lancip/internal/auth"
	"github.com/gabrielenos/lancip/internal/storage"
	"github.com/gabrielenos/lancip/internal/types"
	"github.com/gabrielenos/lancip/internal/ws"
)

// Store is the persistence the handlers need.
type Store interface {
	CreateUser(ctx context.Context, email, name, passwordHash string) (storage.User, error)
	UserByEmail(ctx context.Context, email string) (storage.User, error)
	SearchUsers(ctx context.Context, query string) ([]storage.User, error)
	AddContact(ctx context.Context, owner, contactID types.UserID, alias string) (storage.Contact, error)
	ListContacts(ctx context.Context, owner types.UserID) ([]storage.Contact, error)
	RemoveContact(ctx context.Context, owner, contactID types.UserID) error
	Ping(ctx context.Context) error
}

// Sessions issues and checks access tokens.
type Sessions interface {
	StartSession(ctx context.Context, userID types.UserID, email string) (auth.Token, error)
	Authenticate(ctx context.Context, token string) (auth.Claims, error)
	EndSession(ctx context.Context, token string) error
}

// RelayStats is the read-only view of the connection registry.
type RelayStats interface {
	Users() []types.UserID
	Len() int
}

// Deps wires the router.
type Deps struct {
	Store    Store
	Sessions Sessions
	Relay    RelayStats
	Mode     types.Mode
	Origins  ws.OriginPolicy
	// Gateway serves GET /ws/chat when set.
	Gateway http.Handler
	Logger  zerolog.Logger
}

type handlers struct {
	store    Store
	sessions Sessions
	relay    RelayStats
	mode     types.Mode
	started  time.Time
	logger   zerolog.Logger
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(d Deps) *gin.Engine {
	h := &handlers{
		store:    d.Store,
		sessions: d.Sessions,
		relay:    d.Relay,
		mode:     d.Mode,
		started:  time.Now(),
		logger:   d.Logger,
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), instrument(d.Logger), cors(d.Origins))

	r.GET("/health", h.health)
	r.GET("/db-test", h.dbTest)
	r.GET("/stats", h.stats)

	authGroup := r.Group("/auth")
	authGroup.POST("/register", h.register)
	authGroup.POST("/login", h.login)
	authGroup.POST("/logout", requireSession(d.Sessions), h.logout)
	authGroup.GET("/users/search", h.searchUsers)

	contacts := r.Group("/contacts", requireSession(d.Sessions))
	contacts.GET("", h.listContacts)
	contacts.POST("", h.addContact)
	contacts.DELETE("/:id", h.removeContact)

	if d.Gateway != nil {
		r.GET("/ws/chat", gin.WrapH(d.Gateway))
	}
	return r
}

func abortWithDetail(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}
