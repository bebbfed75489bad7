// Package matchmaker runs the per-mode matching loop: admit players into the
// shared queue, periodically pop a batch, pair it, run the battle, and route
// results to wherever each participant's session lives.
package matchmaker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cardfall/backend/internal/battle"
	"github.com/cardfall/backend/internal/breaker"
	"github.com/cardfall/backend/internal/metrics"
	"github.com/cardfall/backend/internal/protocol"
	"github.com/cardfall/backend/internal/queue"
	"github.com/cardfall/backend/internal/router"
)

// Settings configures one game mode's matchmaker.
type Settings struct {
	ModeID          string
	RequiredPlayers int
	UsesMMRMatching bool
	TickInterval    time.Duration
	BatchMultiplier int

	// MMRWindowBase is the initial acceptance window for ranked pairing; it
	// doubles every empty tick until a pair forms.
	MMRWindowBase int64
}

// Backoff bounds for pop failures between ticks.
const (
	popBackoffInitial = 100 * time.Millisecond
	popBackoffMax     = 10 * time.Second
)

// Matchmaker owns one mode's queue admission and tick loop. All tick state
// below the latch is touched only while the latch is held.
type Matchmaker struct {
	settings Settings
	queue    *queue.Queue
	router   *router.Router
	invoker  *battle.Invoker
	logger   zerolog.Logger

	inFlight atomic.Bool

	// Guarded by the in-flight latch.
	popBackoff time.Duration
	nextPopAt  time.Time
	mmrRetries uint
}

func New(settings Settings, q *queue.Queue, r *router.Router, inv *battle.Invoker) *Matchmaker {
	return &Matchmaker{
		settings:   settings,
		queue:      q,
		router:     r,
		invoker:    inv,
		logger:     log.With().Str("mode", settings.ModeID).Logger(),
		popBackoff: popBackoffInitial,
	}
}

// Mode returns the configured mode identifier.
func (m *Matchmaker) Mode() string { return m.settings.ModeID }

// Enqueue admits a player with the given score and server-built metadata.
// Transient store errors are retried briefly with backoff; a circuit already
// open fails fast so the caller can tell the player immediately. added=false
// means the player was already queued.
func (m *Matchmaker) Enqueue(ctx context.Context, playerID uuid.UUID, score int64, metadata []byte) (added bool, err error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(popBackoffInitial),
		backoff.WithMaxInterval(popBackoffMax),
	), 2), ctx)

	err = backoff.Retry(func() error {
		var attemptErr error
		added, _, attemptErr = m.queue.Enqueue(ctx, m.settings.ModeID, playerID, score, metadata)
		if attemptErr == nil {
			return nil
		}
		if eris.Is(attemptErr, breaker.ErrOpen) || eris.Is(attemptErr, queue.ErrEmptyMetadata) {
			return backoff.Permanent(attemptErr)
		}
		return attemptErr
	}, bo)
	if err != nil {
		return false, err
	}

	if added {
		metrics.PlayersEnqueued.WithLabelValues(m.settings.ModeID).Inc()
	} else {
		metrics.DuplicateEnqueues.WithLabelValues(m.settings.ModeID).Inc()
	}
	return added, nil
}

// Dequeue removes a player from this mode's queue. Idempotent; removed=false
// means the player was not queued here.
func (m *Matchmaker) Dequeue(ctx context.Context, playerID uuid.UUID) (removed bool, err error) {
	removed, _, err = m.queue.Dequeue(ctx, m.settings.ModeID, playerID)
	return removed, err
}

// Run drives the periodic tick until ctx is cancelled. Each firing attempts a
// match pass in its own goroutine; the in-flight latch drops overlapping
// attempts instead of queueing them. Run does not return until the last tick
// goroutine has finished, so a tick interrupted by shutdown gets to requeue
// its popped candidates before the process exits.
func (m *Matchmaker) Run(ctx context.Context) {
	ticker := time.NewTicker(m.settings.TickInterval)
	defer ticker.Stop()

	m.logger.Info().
		Dur("tick_interval", m.settings.TickInterval).
		Bool("mmr_matching", m.settings.UsesMMRMatching).
		Msg("matchmaker started")

	var ticks sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			ticks.Wait()
			m.logger.Info().Msg("matchmaker stopped")
			return
		case <-ticker.C:
			ticks.Add(1)
			go func() {
				defer ticks.Done()
				m.TryMatch(ctx)
			}()
		}
	}
}

// TryMatch runs one match pass. At most one pass per mode is active at any
// instant; an overlapping call returns immediately.
func (m *Matchmaker) TryMatch(ctx context.Context) {
	if !m.inFlight.CompareAndSwap(false, true) {
		metrics.TicksSkipped.WithLabelValues(m.settings.ModeID, "in_flight").Inc()
		return
	}
	defer m.inFlight.Store(false)

	if err := m.queue.Breaker().Allow(); err != nil {
		metrics.TicksSkipped.WithLabelValues(m.settings.ModeID, "circuit_open").Inc()
		return
	}
	if now := time.Now(); now.Before(m.nextPopAt) {
		metrics.TicksSkipped.WithLabelValues(m.settings.ModeID, "backoff").Inc()
		return
	}
	metrics.TicksRun.WithLabelValues(m.settings.ModeID).Inc()

	batch := m.settings.RequiredPlayers * m.settings.BatchMultiplier
	popped, err := m.queue.PopBatch(ctx, m.settings.ModeID, batch)
	if err != nil {
		m.nextPopAt = time.Now().Add(m.popBackoff)
		m.logger.Warn().Err(err).Dur("backoff", m.popBackoff).Msg("pop failed, backing off")
		if m.popBackoff *= 2; m.popBackoff > popBackoffMax {
			m.popBackoff = popBackoffMax
		}
		return
	}
	m.popBackoff = popBackoffInitial
	m.nextPopAt = time.Time{}

	candidates := parseCandidates(m.settings.ModeID, popped, m.notifyPoisoned)
	if len(candidates) == 0 {
		return
	}

	// From here on this tick owns the candidates; every exit path must hand
	// each one back to the queue or to a routed result.
	if ctx.Err() != nil {
		m.requeue(ctx, candidates)
		return
	}

	if len(candidates) < m.settings.RequiredPlayers {
		m.requeue(ctx, candidates)
		return
	}

	var pairs []Pair
	var leftover []Candidate
	if m.settings.UsesMMRMatching {
		pairs, leftover = pairMMR(candidates, m.mmrWindow())
		if len(pairs) == 0 {
			m.mmrRetries++
		} else {
			m.mmrRetries = 0
		}
	} else {
		pairs, leftover = pairFIFO(candidates)
	}
	m.requeue(ctx, leftover)

	for i, pair := range pairs {
		if ctx.Err() != nil {
			for _, abandoned := range pairs[i:] {
				m.requeue(ctx, abandoned[:])
			}
			return
		}
		m.dispatch(ctx, pair)
	}
}

// mmrWindow returns the current acceptance window, doubling per empty tick
// and capped after six widenings.
func (m *Matchmaker) mmrWindow() int64 {
	retries := m.mmrRetries
	if retries > 6 {
		retries = 6
	}
	return m.settings.MMRWindowBase << retries
}

// dispatch runs the battle for one pair and routes the result to both
// participants. Any failure below returns both players to the queue; a match
// counts only when both deliveries succeed.
func (m *Matchmaker) dispatch(ctx context.Context, pair Pair) {
	a, b := pair[0], pair[1]

	result, err := m.invoker.Run(ctx,
		battle.Participant{ID: a.ID, Metadata: a.Metadata},
		battle.Participant{ID: b.ID, Metadata: b.Metadata},
	)
	if err != nil {
		m.logger.Error().Err(err).
			Stringer("player_a", a.ID).
			Stringer("player_b", b.ID).
			Msg("battle failed, requeueing pair")
		m.requeue(ctx, pair[:])
		return
	}

	deliver := func(to, opponent Candidate) error {
		return m.router.Deliver(ctx, to.ID, to.PodID,
			protocol.MatchFound(result.WinnerID, opponent.ID, result.BattleData))
	}
	if err := deliver(a, b); err != nil {
		m.logger.Warn().Err(err).Stringer("player_id", a.ID).Msg("result delivery failed, requeueing pair")
		m.requeue(ctx, pair[:])
		return
	}
	if err := deliver(b, a); err != nil {
		m.logger.Warn().Err(err).Stringer("player_id", b.ID).Msg("result delivery failed, requeueing pair")
		m.requeue(ctx, pair[:])
		return
	}

	metrics.MatchesCreated.WithLabelValues(m.settings.ModeID).Inc()
	if a.PodID == m.router.PodID() && b.PodID == m.router.PodID() {
		metrics.MatchesSamePod.Inc()
	} else {
		metrics.MatchesCrossPod.Inc()
	}
	m.logger.Info().
		Stringer("winner_id", result.WinnerID).
		Stringer("player_a", a.ID).
		Stringer("player_b", b.ID).
		Msg("match created")
}

// requeue returns candidates to the queue with their original score and
// metadata. It must work during shutdown, so the store call survives parent
// cancellation.
func (m *Matchmaker) requeue(ctx context.Context, candidates []Candidate) {
	if len(candidates) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, c := range candidates {
		if _, _, err := m.queue.Enqueue(ctx, m.settings.ModeID, c.ID, c.Score, c.Raw); err != nil {
			m.logger.Error().Err(err).Stringer("player_id", c.ID).Msg("requeue failed, candidate lost")
			continue
		}
		metrics.PlayersRequeued.WithLabelValues(m.settings.ModeID).Inc()
	}
}

// notifyPoisoned tells a poisoned player, when connected to this pod, that it
// has left the queue. Cross-pod players cannot be reached without a pod field.
func (m *Matchmaker) notifyPoisoned(playerID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_ = m.router.Deliver(ctx, playerID, m.router.PodID(), protocol.DeQueued())
	_ = m.router.Deliver(ctx, playerID, m.router.PodID(),
		protocol.Error(protocol.CodeInvalidMetadata, "removed from queue: stored metadata was unusable"))
}
