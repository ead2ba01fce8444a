package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gabrielenos/lancip/internal/auth"
	"github.com/gabrielenos/lancip/internal/storage"
	"github.com/gabrielenos/lancip/internal/types"
)

type registerRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// PublicUser is the account shape exposed to other users.
type PublicUser struct {
	ID    types.UserID `json:"id"`
	Name  string       `json:"name"`
	Email string       `json:"email"`
}

type authResponse struct {
	OK          bool       `json:"ok"`
	User        PublicUser `json:"user"`
	AccessToken string     `json:"access_token"`
}

func publicUser(u storage.User) PublicUser {
	return PublicUser{ID: u.ID, Name: u.Name, Email: u.Email}
}

func (h *handlers) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithDetail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		abortWithDetail(c, http.StatusUnprocessableEntity, "name must not be blank")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if errors.Is(err, auth.ErrPasswordTooLong) || errors.Is(err, auth.ErrPasswordEmpty) {
		abortWithDetail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		h.fail(c, err, "hash password")
		return
	}

	user, err := h.store.CreateUser(c.Request.Context(), req.Email, req.Name, hash)
	if errors.Is(err, storage.ErrDuplicateEmail) {
		abortWithDetail(c, http.StatusBadRequest, "email already registered")
		return
	}
	if err != nil {
		h.fail(c, err, "create user")
		return
	}

	h.respondWithSession(c, user)
}

func (h *handlers) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithDetail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if len(req.Password) > auth.MaxPasswordBytes {
		abortWithDetail(c, http.StatusUnprocessableEntity, auth.ErrPasswordTooLong.Error())
		return
	}

	user, err := h.store.UserByEmail(c.Request.Context(), req.Email)
	if errors.Is(err, storage.ErrNotFound) {
		abortWithDetail(c, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
		return
	}
	if err != nil {
		h.fail(c, err, "lookup user")
		return
	}
	if !auth.VerifyPassword(req.Password, user.PasswordHash) {
		abortWithDetail(c, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
		return
	}

	h.respondWithSession(c, user)
}

func (h *handlers) respondWithSession(c *gin.Context, user storage.User) {
	token, err := h.sessions.StartSession(c.Request.Context(), user.ID, user.Email)
	if err != nil {
		h.fail(c, err, "start session")
		return
	}
	c.JSON(http.StatusOK, authResponse{OK: true, User: publicUser(user), AccessToken: token.Value})
}

func (h *handlers) logout(c *gin.Context) {
	if err := h.sessions.EndSession(c.Request.Context(), sessionToken(c)); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			abortWithDetail(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		h.fail(c, err, "end session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *handlers) searchUsers(c *gin.Context) {
	q, ok := c.GetQuery("q")
	if !ok {
		abortWithDetail(c, http.StatusUnprocessableEntity, "query parameter q is required")
		return
	}
	users, err := h.store.SearchUsers(c.Request.Context(), q)
	if err != nil {
		h.fail(c, err, "search users")
		return
	}
	out := make([]PublicUser, 0, len(users))
	for _, u := range users {
		out = append(out, publicUser(u))
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) fail(c *gin.Context, err error, op string) {
	h.logger.Error().Err(err).Str("op", op).Str("route", c.FullPath()).Msg("request failed")
	abortWithDetail(c, http.StatusInternalServerError, "internal server error")
}
