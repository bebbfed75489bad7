// Package registry owns the process-local mapping from player identity to the
// in-process session handle that can reach that player's live connection.
// Everything else in the engine addresses players by identity and lets the
// registry do the final hop, so session handles never leak across packages.
package registry

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cardfall/backend/internal/protocol"
)

// Handle is the in-process mailbox of one player session. Send must not
// block: implementations enqueue to a bounded buffer and drop on overflow.
type Handle interface {
	Send(msg protocol.ServerMessage)
}

// Registry is a process-wide concurrent map of connected players. A single
// identity maps to at most one handle; registering again replaces the old
// handle (reconnection).
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]Handle
}

func New() *Registry {
	return &Registry{sessions: make(map[uuid.UUID]Handle)}
}

// Register binds a session handle to a player identity. A handle already
// bound to that identity is replaced; the previous session is expected to
// have been torn down by the connection lifecycle.
func (r *Registry) Register(playerID uuid.UUID, h Handle) {
	r.mu.Lock()
	_, replaced := r.sessions[playerID]
	r.sessions[playerID] = h
	r.mu.Unlock()

	if replaced {
		log.Warn().Stringer("player_id", playerID).Msg("session handle replaced on re-register")
	} else {
		log.Info().Stringer("player_id", playerID).Msg("player registered")
	}
}

// Deregister removes the binding for a player identity. Removing an unknown
// identity is a no-op.
func (r *Registry) Deregister(playerID uuid.UUID) {
	r.mu.Lock()
	delete(r.sessions, playerID)
	r.mu.Unlock()
	log.Info().Stringer("player_id", playerID).Msg("player deregistered")
}

// Lookup returns the handle for a player, if connected.
func (r *Registry) Lookup(playerID uuid.UUID) (Handle, bool) {
	r.mu.RLock()
	h, ok := r.sessions[playerID]
	r.mu.RUnlock()
	return h, ok
}

// RouteTo delivers a message to the player's session. It reports false when
// the player has no live session on this process; the caller decides whether
// that is a drop or a failure.
func (r *Registry) RouteTo(playerID uuid.UUID, msg protocol.ServerMessage) bool {
	h, ok := r.Lookup(playerID)
	if !ok {
		return false
	}
	h.Send(msg)
	return true
}

// Len returns the number of connected players.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
