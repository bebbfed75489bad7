package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cardfall/backend/internal/registry"
)

var startTime = time.Now()

const version = "1.0.0"

// HealthCheck returns server health status
func HealthCheck(podID string, reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":            "ok",
			"service":           "cardfall-matchmaking",
			"version":           version,
			"pod_id":            podID,
			"uptime":            time.Since(startTime).String(),
			"connected_players": reg.Len(),
		})
	}
}
