// Package ws hosts the player-facing websocket surface: authentication,
// session lifecycle, and the bridge between connections and the matchmaking
// coordinator.
package ws

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/cardfall/backend/internal/coordinator"
	"github.com/cardfall/backend/internal/players"
	"github.com/cardfall/backend/internal/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is validated by the WebSocket CORS middleware before the
	// upgrade reaches this handler.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades authenticated players onto matchmaking sessions.
type Handler struct {
	coord     *coordinator.Coordinator
	reg       *registry.Registry
	store     *players.Store
	jwtSecret []byte

	// rootCtx carries process shutdown into every session.
	rootCtx context.Context
}

func NewHandler(rootCtx context.Context, coord *coordinator.Coordinator, reg *registry.Registry, store *players.Store, jwtSecret string) *Handler {
	return &Handler{
		coord:     coord,
		reg:       reg,
		store:     store,
		jwtSecret: []byte(jwtSecret),
		rootCtx:   rootCtx,
	}
}

type identityClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Handle authenticates the identity token, upgrades the connection, and runs
// the session until disconnect.
func (h *Handler) Handle(c *gin.Context) {
	playerID, username, ok := h.authenticate(c)
	if !ok {
		return
	}

	if err := h.store.Ensure(c.Request.Context(), playerID, username); err != nil {
		log.Error().Err(err).Stringer("player_id", playerID).Msg("failed to ensure player profile")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile unavailable"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	session := NewSession(conn, playerID, h.coord, h.reg)
	session.Run(h.rootCtx)
}

// authenticate validates the identity token issued by the auth service. The
// token arrives as a query parameter because browsers cannot set headers on
// websocket upgrades.
func (h *Handler) authenticate(c *gin.Context) (uuid.UUID, string, bool) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity token"})
		return uuid.Nil, "", false
	}

	var claims identityClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return h.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid identity token"})
		return uuid.Nil, "", false
	}

	playerID, err := uuid.Parse(claims.Subject)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "identity token subject is not a player id"})
		return uuid.Nil, "", false
	}
	return playerID, claims.Username, true
}
