package handlers

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/cardfall/backend/internal/queue"
)

// QueueStatus reports the current size of every mode's queue. Operational
// surface only; players learn about their own state over the websocket.
func QueueStatus(q *queue.Queue, modes []string) gin.HandlerFunc {
	sorted := append([]string(nil), modes...)
	sort.Strings(sorted)

	return func(c *gin.Context) {
		sizes := make(map[string]int64, len(sorted))
		for _, mode := range sorted {
			size, err := q.Size(c.Request.Context(), mode)
			if err != nil {
				log.Warn().Err(err).Str("mode", mode).Msg("queue status read failed")
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue store unavailable"})
				return
			}
			sizes[mode] = size
		}
		c.JSON(http.StatusOK, gin.H{"queues": sizes})
	}
}
