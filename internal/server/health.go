package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sf7293/enrollment-taskqueue/internal/domain"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// Health serves the liveness and readiness probes. RecordStore and Publisher are optional.
type Health struct {
	Queues      pinger
	RecordStore pinger
	Publisher   domain.MessagePublisher
	Ready       func() bool
}

func (h Health) Register(r gin.IRouter) {
	r.GET("/readiness", func(c *gin.Context) {
		if h.Ready != nil && !h.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/liveness", func(c *gin.Context) {
		if err := h.Queues.Ping(c); err != nil {
			slog.Error("Redis seem not to be pingable in liveness API", "error", err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		if h.RecordStore != nil {
			if err := h.RecordStore.Ping(c); err != nil {
				slog.Error("Postgresql seem not to be pingable in liveness API", "error", err.Error())
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
				return
			}
		}

		if h.Publisher != nil && !h.Publisher.IsHealthy() {
			slog.Error("Rabbit is not healthy")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})
}
