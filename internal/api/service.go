package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) dbTest(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("db-test failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"db": "error", "detail": "database unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"db": "ok", "result": gin.H{"ok": 1}})
}

// stats reports live relay figures for dashboards.
func (h *handlers) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"mode":           h.mode,
		"users_online":   len(h.relay.Users()),
		"connections":    h.relay.Len(),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}
