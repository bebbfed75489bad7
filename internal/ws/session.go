package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cardfall/backend/internal/coordinator"
	"github.com/cardfall/backend/internal/protocol"
	"github.com/cardfall/backend/internal/registry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 32
)

// Session owns one player's live websocket connection. It is registered in
// the player registry as the delivery handle for that identity; the rest of
// the engine never sees the connection.
type Session struct {
	conn     *websocket.Conn
	playerID uuid.UUID
	coord    *coordinator.Coordinator
	reg      *registry.Registry
	send     chan protocol.ServerMessage
	logger   zerolog.Logger
}

func NewSession(conn *websocket.Conn, playerID uuid.UUID, coord *coordinator.Coordinator, reg *registry.Registry) *Session {
	return &Session{
		conn:     conn,
		playerID: playerID,
		coord:    coord,
		reg:      reg,
		send:     make(chan protocol.ServerMessage, sendBuffer),
		logger:   log.With().Stringer("player_id", playerID).Logger(),
	}
}

// Send queues a message for the write pump. It never blocks; a full buffer
// drops the message, since a stalled client must not stall a match tick.
func (s *Session) Send(msg protocol.ServerMessage) {
	select {
	case s.send <- msg:
	default:
		s.logger.Warn().Str("event", msg.Event()).Msg("session send buffer full, dropping message")
	}
}

// Run registers the session and pumps until the connection dies or ctx ends.
// On exit the player is deregistered and swept from every queue.
func (s *Session) Run(ctx context.Context) {
	s.reg.Register(s.playerID, s)
	defer func() {
		s.reg.Deregister(s.playerID)
		teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		s.coord.DequeueAll(teardownCtx, s.playerID)
		s.conn.Close()
	}()

	done := make(chan struct{})
	go s.writePump(ctx, done)
	s.readPump(ctx)
	close(done)
}

func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(4096)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.handle(ctx, raw)
	}
}

func (s *Session) handle(ctx context.Context, raw []byte) {
	var msg protocol.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.Send(protocol.Error(protocol.CodeInvalidMessageFormat, "message is not valid JSON"))
		return
	}

	switch msg.Type {
	case protocol.TypeHeartbeat:
		// An application-level heartbeat counts as liveness, same as a pong.
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
	case protocol.TypeEnqueue:
		if err := s.coord.Enqueue(ctx, s.playerID.String(), s.playerID, msg.GameMode); err != nil {
			s.Send(errorMessage(err))
			return
		}
		s.Send(protocol.EnQueued(s.coord.PodID()))
	case protocol.TypeDequeue:
		if err := s.coord.Dequeue(ctx, s.playerID.String(), s.playerID, msg.GameMode); err != nil {
			s.Send(errorMessage(err))
			return
		}
		s.Send(protocol.DeQueued())
	default:
		s.Send(protocol.Error(protocol.CodeInvalidMessageFormat, "unknown message type: "+msg.Type))
	}
}

func (s *Session) writePump(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-done:
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Warn().Err(err).Msg("websocket write error")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// errorMessage maps coordinator failures onto the client protocol.
func errorMessage(err error) protocol.ServerMessage {
	switch {
	case eris.Is(err, coordinator.ErrUnknownMode):
		return protocol.Error(protocol.CodeInvalidGameMode, "unknown game mode")
	case eris.Is(err, coordinator.ErrAlreadyQueued):
		return protocol.Error(protocol.CodeAlreadyInQueue, "already in queue")
	case eris.Is(err, coordinator.ErrNotQueued):
		return protocol.Error(protocol.CodeNotInQueue, "not in queue")
	case eris.Is(err, coordinator.ErrRateLimited):
		return protocol.Error(protocol.CodeRateLimitExceeded, "too many requests")
	default:
		log.Error().Err(err).Msg("queue request failed")
		return protocol.Error(protocol.CodeInternalError, "internal error")
	}
}
