// Package players reads trusted player state from the relational database.
// The matchmaking core only consumes it when building queue metadata.
package players

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rotisserie/eris"

	"github.com/cardfall/backend/internal/coordinator"
)

const defaultMMR = 1000

type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

type playerRow struct {
	MMR   int64           `db:"mmr"`
	Level int             `db:"level"`
	Deck  json.RawMessage `db:"deck"`
}

// Profile loads the state folded into a player's queue metadata.
func (s *Store) Profile(ctx context.Context, playerID uuid.UUID) (coordinator.Profile, error) {
	var row playerRow
	err := s.db.GetContext(ctx, &row,
		`SELECT mmr, level, deck FROM players WHERE id = $1`, playerID)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return coordinator.Profile{}, eris.Wrapf(err, "player %s not found", playerID)
		}
		return coordinator.Profile{}, eris.Wrap(err, "load player profile")
	}
	return coordinator.Profile{MMR: row.MMR, Level: row.Level, Deck: row.Deck}, nil
}

// Ensure creates a default profile on first connect. Existing rows are left
// untouched.
func (s *Store) Ensure(ctx context.Context, playerID uuid.UUID, username string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO players (id, username, mmr, level, deck, created_at, updated_at)
		 VALUES ($1, $2, $3, 1, '[]'::jsonb, NOW(), NOW())
		 ON CONFLICT (id) DO NOTHING`,
		playerID, username, defaultMMR)
	if err != nil {
		return eris.Wrap(err, "ensure player row")
	}
	return nil
}
