package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aitoolbox/aitoolbox/backend/go-services/pkg/logger"
)

// Pinger is the database health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the liveness endpoint backed by a database probe.
type HealthHandler struct {
	db Pinger
}

func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

func (h *HealthHandler) Register(r gin.IRoutes) {
	r.GET("/health", h.Check)
}

// Check reports healthy only when the database responds to a ping.
func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if h.db == nil || h.db.Ping(ctx) != nil {
		if h.db != nil {
			logger.Errorf("health check failed: database ping error")
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":    "unhealthy",
			"database":  "disconnected",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"database":  "connected",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
