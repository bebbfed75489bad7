// Package battle runs the battle simulation for a formed pair and produces
// the result payload delivered to both players.
package battle

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/cardfall/backend/internal/metrics"
	"github.com/cardfall/backend/internal/protocol"
)

// ErrSimulationTimeout means the simulation did not finish inside the
// configured wall-clock budget. The match is abandoned and both players are
// requeued by the caller.
var ErrSimulationTimeout = eris.New("battle simulation exceeded its budget")

// Participant is one side of a battle.
type Participant struct {
	ID       uuid.UUID
	Metadata protocol.Metadata
}

// Result is the outcome of a finished simulation. BattleData is opaque to the
// engine and forwarded verbatim inside match_found.
type Result struct {
	WinnerID   uuid.UUID
	BattleData json.RawMessage
}

// Simulate computes the outcome of a battle between two participants.
// Implementations must respect ctx cancellation.
type Simulate func(ctx context.Context, a, b Participant) (Result, error)

// Invoker wraps a Simulate with a wall-clock budget so a runaway simulation
// cannot stall a matchmaking tick.
type Invoker struct {
	simulate Simulate
	budget   time.Duration
}

func NewInvoker(simulate Simulate, budget time.Duration) *Invoker {
	return &Invoker{simulate: simulate, budget: budget}
}

// Run executes one battle under the budget.
func (inv *Invoker) Run(ctx context.Context, a, b Participant) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, inv.budget)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := inv.simulate(ctx, a, b)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			metrics.BattleFailures.Inc()
			return Result{}, eris.Wrap(out.err, "battle simulation failed")
		}
		return out.res, nil
	case <-ctx.Done():
		metrics.BattleFailures.Inc()
		if eris.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, ErrSimulationTimeout
		}
		return Result{}, eris.Wrap(ctx.Err(), "battle simulation cancelled")
	}
}

// Auto is the built-in simulator. It is deterministic for a given pair so a
// replayed match yields the same outcome: higher level wins, ties broken by a
// fold of both identities.
func Auto(_ context.Context, a, b Participant) (Result, error) {
	winner := a
	switch {
	case a.Metadata.Level > b.Metadata.Level:
		winner = a
	case b.Metadata.Level > a.Metadata.Level:
		winner = b
	default:
		if (fold(a.ID)^fold(b.ID))&1 == 1 {
			winner = b
		}
	}

	data, err := json.Marshal(map[string]interface{}{
		"mode":      "auto",
		"winner_id": winner.ID,
	})
	if err != nil {
		return Result{}, eris.Wrap(err, "encode battle data")
	}
	return Result{WinnerID: winner.ID, BattleData: data}, nil
}

func fold(id uuid.UUID) uint64 {
	return binary.BigEndian.Uint64(id[:8]) ^ binary.BigEndian.Uint64(id[8:])
}
