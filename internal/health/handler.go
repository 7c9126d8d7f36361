// Package health exposes liveness and readiness probes over the same gin
// router that serves the WebSocket upgrade and metrics.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lattice-chat/server/internal/logging"
)

// Pinger is the subset of remotestore.Mirror a readiness probe needs.
// A nil Pinger (no remote store configured) is always considered healthy.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the liveness and readiness endpoints.
type Handler struct {
	mirror Pinger
}

// NewHandler returns a Handler. mirror may be nil when the deployment runs
// without a remote store.
func NewHandler(mirror Pinger) *Handler {
	return &Handler{mirror: mirror}
}

type livenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type readinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness reports whether the process is up, with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, livenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness reports whether the server is ready to accept traffic, which
// depends on the remote store mirror when one is configured.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"remote_store": h.checkMirror(ctx)}
	status, code := "ready", http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status, code = "unavailable", http.StatusServiceUnavailable
		}
	}

	c.JSON(code, readinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkMirror(ctx context.Context) string {
	if h.mirror == nil {
		return "healthy"
	}
	if err := h.mirror.Ping(ctx); err != nil {
		logging.Error(ctx, "remote store health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
