package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Client -> server message types.
const (
	TypeEnqueue   = "enqueue"
	TypeDequeue   = "dequeue"
	TypeHeartbeat = "heartbeat"
)

// Server -> client message types.
const (
	TypeEnQueued   = "en_queued"
	TypeDeQueued   = "de_queued"
	TypeMatchFound = "match_found"
	TypeError      = "error"
)

// ErrorCode identifies why a request was rejected. Sent to the client inside
// an error message.
type ErrorCode string

const (
	CodeInvalidGameMode      ErrorCode = "invalid_game_mode"
	CodeAlreadyInQueue       ErrorCode = "already_in_queue"
	CodeNotInQueue           ErrorCode = "not_in_queue"
	CodeInvalidMessageFormat ErrorCode = "invalid_message_format"
	CodeInvalidMetadata      ErrorCode = "invalid_metadata"
	CodeRateLimitExceeded    ErrorCode = "rate_limit_exceeded"
	CodeInternalError        ErrorCode = "internal_error"
)

// ClientMessage is the union of everything a client may send over the
// websocket. Type discriminates; unused fields stay zero.
type ClientMessage struct {
	Type     string `json:"type"`
	GameMode string `json:"game_mode,omitempty"`
}

// ServerMessage is the union of everything the server addresses to a player.
// It is the payload routed by the cross-pod router, so it must round-trip
// through JSON unchanged.
type ServerMessage struct {
	Type string `json:"type"`

	// en_queued
	PodID string `json:"pod_id,omitempty"`

	// match_found
	WinnerID   string          `json:"winner_id,omitempty"`
	OpponentID string          `json:"opponent_id,omitempty"`
	BattleData json.RawMessage `json:"battle_data,omitempty"`

	// error
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
}

func EnQueued(podID string) ServerMessage {
	return ServerMessage{Type: TypeEnQueued, PodID: podID}
}

func DeQueued() ServerMessage {
	return ServerMessage{Type: TypeDeQueued}
}

func MatchFound(winnerID, opponentID uuid.UUID, battleData json.RawMessage) ServerMessage {
	return ServerMessage{
		Type:       TypeMatchFound,
		WinnerID:   winnerID.String(),
		OpponentID: opponentID.String(),
		BattleData: battleData,
	}
}

func Error(code ErrorCode, message string) ServerMessage {
	return ServerMessage{Type: TypeError, Code: code, Message: message}
}

// Event returns the short event name used in logs and metrics labels.
func (m ServerMessage) Event() string {
	return fmt.Sprintf("player.%s", m.Type)
}

// Envelope is the wire format on the per-pod pub/sub channel. The subscriber
// on the target pod unwraps it and delivers Message locally.
type Envelope struct {
	TargetPlayerID uuid.UUID     `json:"target_player_id"`
	Message        ServerMessage `json:"message"`
}

// Metadata is the server-built blob attached to a queued player. Clients never
// supply it; the coordinator assembles it from trusted in-process state. Only
// PodID is interpreted by the matchmaking core, the rest rides along opaquely.
type Metadata struct {
	PodID string          `json:"pod_id"`
	Deck  json.RawMessage `json:"deck,omitempty"`
	Level int             `json:"level,omitempty"`
	MMR   *int64          `json:"mmr,omitempty"`
}
