package matchmaker

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cardfall/backend/internal/metrics"
	"github.com/cardfall/backend/internal/protocol"
	"github.com/cardfall/backend/internal/queue"
)

// Candidate is a popped player this tick now owns. Raw keeps the metadata
// blob byte-for-byte so a requeue restores exactly what was stored.
type Candidate struct {
	ID       uuid.UUID
	Score    int64
	PodID    string
	Metadata protocol.Metadata
	Raw      []byte
}

// parseCandidates classifies each popped entry. Entries with an unparseable
// identity, unparseable metadata, or no owning pod are poisoned: counted,
// reported through onPoisoned, and never requeued. The ordering of valid
// candidates follows the popped (score) order.
func parseCandidates(mode string, popped []queue.Popped, onPoisoned func(playerID uuid.UUID)) []Candidate {
	valid := make([]Candidate, 0, len(popped))
	for _, entry := range popped {
		id, err := uuid.Parse(entry.PlayerID)
		if err != nil {
			metrics.PoisonedCandidates.WithLabelValues(mode).Inc()
			log.Error().
				Str("mode", mode).
				Str("player_id", entry.PlayerID).
				Msg("dropping candidate with unparseable identity")
			continue
		}

		var meta protocol.Metadata
		if err := json.Unmarshal(entry.Metadata, &meta); err != nil || meta.PodID == "" {
			metrics.PoisonedCandidates.WithLabelValues(mode).Inc()
			log.Error().
				Str("mode", mode).
				Stringer("player_id", id).
				RawJSON("metadata", sanitizeJSON(entry.Metadata)).
				Msg("dropping candidate with unusable metadata")
			if onPoisoned != nil {
				onPoisoned(id)
			}
			continue
		}

		valid = append(valid, Candidate{
			ID:       id,
			Score:    entry.Score,
			PodID:    meta.PodID,
			Metadata: meta,
			Raw:      entry.Metadata,
		})
	}
	return valid
}

// sanitizeJSON makes a blob safe for RawJSON logging even when the blob is
// the very thing that failed to parse.
func sanitizeJSON(blob []byte) []byte {
	if json.Valid(blob) {
		return blob
	}
	quoted, err := json.Marshal(string(blob))
	if err != nil {
		return []byte(`"unloggable"`)
	}
	return quoted
}
