package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gabrielenos/lancip/internal/storage"
	"github.com/gabrielenos/lancip/internal/types"
)

type contactView struct {
	PublicUser
	Alias   string    `json:"alias,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

type addContactRequest struct {
	ContactID types.UserID `json:"contactId" binding:"required"`
	Alias     string       `json:"alias"`
}

func (h *handlers) listContacts(c *gin.Context) {
	owner := sessionClaims(c).UserID
	contacts, err := h.store.ListContacts(c.Request.Context(), owner)
	if err != nil {
		h.fail(c, err, "list contacts")
		return
	}
	out := make([]contactView, 0, len(contacts))
	for _, ct := range contacts {
		out = append(out, contactView{PublicUser: publicUser(ct.User), Alias: ct.Alias, AddedAt: ct.AddedAt})
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) addContact(c *gin.Context) {
	var req addContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithDetail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	owner := sessionClaims(c).UserID
	ct, err := h.store.AddContact(c.Request.Context(), owner, req.ContactID, req.Alias)
	switch {
	case errors.Is(err, storage.ErrSelfContact):
		abortWithDetail(c, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, storage.ErrNotFound):
		abortWithDetail(c, http.StatusNotFound, "user not found")
		return
	case err != nil:
		h.fail(c, err, "add contact")
		return
	}
	c.JSON(http.StatusCreated, contactView{PublicUser: publicUser(ct.User), Alias: ct.Alias, AddedAt: ct.AddedAt})
}

func (h *handlers) removeContact(c *gin.Context) {
	contactID, err := types.ParseUserID(c.Param("id"))
	if err != nil {
		abortWithDetail(c, http.StatusUnprocessableEntity, "invalid contact id")
		return
	}
	owner := sessionClaims(c).UserID
	err = h.store.RemoveContact(c.Request.Context(), owner, contactID)
	if errors.Is(err, storage.ErrNotFound) {
		abortWithDetail(c, http.StatusNotFound, "contact not found")
		return
	}
	if err != nil {
		h.fail(c, err, "remove contact")
		return
	}
	c.Status(http.StatusNoContent)
}
