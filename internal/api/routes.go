package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cardfall/backend/internal/api/handlers"
	"github.com/cardfall/backend/internal/config"
	"github.com/cardfall/backend/internal/middleware"
	"github.com/cardfall/backend/internal/queue"
	"github.com/cardfall/backend/internal/registry"
	"github.com/cardfall/backend/internal/ws"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, cfg *config.Config, q *queue.Queue, reg *registry.Registry, wsHandler *ws.Handler) {
	router.Use(middleware.CORSMiddleware(cfg))
	router.Use(middleware.WebSocketCORSCheck(cfg))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 group
	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", handlers.HealthCheck(cfg.PodID, reg))

		modes := make([]string, 0, len(cfg.Modes))
		for _, mode := range cfg.Modes {
			modes = append(modes, mode.ModeID)
		}
		v1.GET("/queue/status", handlers.QueueStatus(q, modes))

		// Matchmaking websocket; authenticated by identity token.
		v1.GET("/ws", wsHandler.Handle)
	}
}
