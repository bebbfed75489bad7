// Package coordinator is the ingress surface between player sessions and the
// per-mode matchmakers. It validates requests, enforces the per-source rate
// limit, and is the only place that builds a player's queue metadata; clients
// never supply that blob.
package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/cardfall/backend/internal/metrics"
	"github.com/cardfall/backend/internal/protocol"
)

// Typed request failures. Sessions map these onto protocol error codes.
var (
	ErrUnknownMode    = eris.New("unknown game mode")
	ErrAlreadyQueued  = eris.New("player already in queue")
	ErrNotQueued      = eris.New("player not in queue")
	ErrRateLimited    = eris.New("rate limit exceeded")
	ErrProfileMissing = eris.New("player profile unavailable")
)

// Profile is the trusted per-player state folded into queue metadata.
type Profile struct {
	MMR   int64
	Level int
	Deck  json.RawMessage
}

// ProfileSource loads trusted player state. Implemented by the players store.
type ProfileSource interface {
	Profile(ctx context.Context, playerID uuid.UUID) (Profile, error)
}

// Matcher is the slice of a matchmaker the coordinator drives.
type Matcher interface {
	Mode() string
	Enqueue(ctx context.Context, playerID uuid.UUID, score int64, metadata []byte) (added bool, err error)
	Dequeue(ctx context.Context, playerID uuid.UUID) (removed bool, err error)
}

// Coordinator fans requests out to the matchmaker bound to each mode.
type Coordinator struct {
	podID    string
	profiles ProfileSource
	rateRPS  rate.Limit
	modes    map[string]Matcher
	ranked   map[string]bool

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(podID string, profiles ProfileSource, rateRPS float64) *Coordinator {
	return &Coordinator{
		podID:    podID,
		profiles: profiles,
		rateRPS:  rate.Limit(rateRPS),
		modes:    make(map[string]Matcher),
		ranked:   make(map[string]bool),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Bind registers the matchmaker handling a mode. Called once per mode at
// startup, before any session traffic.
func (c *Coordinator) Bind(m Matcher, usesMMR bool) {
	c.modes[m.Mode()] = m
	c.ranked[m.Mode()] = usesMMR
}

// Modes returns the bound mode identifiers.
func (c *Coordinator) Modes() []string {
	out := make([]string, 0, len(c.modes))
	for mode := range c.modes {
		out = append(out, mode)
	}
	return out
}

// PodID returns the local pod identity stamped into metadata.
func (c *Coordinator) PodID() string { return c.podID }

// Enqueue admits a player into a mode's queue on behalf of its session.
// source identifies the requester for rate limiting, normally the player
// identity.
func (c *Coordinator) Enqueue(ctx context.Context, source string, playerID uuid.UUID, mode string) error {
	if !c.allow(source) {
		metrics.RateLimited.Inc()
		return ErrRateLimited
	}
	m, ok := c.modes[mode]
	if !ok {
		return eris.Wrap(ErrUnknownMode, mode)
	}

	profile, err := c.profiles.Profile(ctx, playerID)
	if err != nil {
		return eris.Wrap(ErrProfileMissing, err.Error())
	}

	score := time.Now().UnixMilli()
	meta := protocol.Metadata{PodID: c.podID, Deck: profile.Deck, Level: profile.Level}
	if c.ranked[mode] {
		score = profile.MMR
		mmr := profile.MMR
		meta.MMR = &mmr
	}
	blob, err := json.Marshal(meta)
	if err != nil {
		return eris.Wrap(err, "encode metadata")
	}

	added, err := m.Enqueue(ctx, playerID, score, blob)
	if err != nil {
		return err
	}
	if !added {
		return ErrAlreadyQueued
	}
	log.Info().Stringer("player_id", playerID).Str("mode", mode).Int64("score", score).Msg("player enqueued")
	return nil
}

// Dequeue removes a player from a mode's queue.
func (c *Coordinator) Dequeue(ctx context.Context, source string, playerID uuid.UUID, mode string) error {
	if !c.allow(source) {
		metrics.RateLimited.Inc()
		return ErrRateLimited
	}
	m, ok := c.modes[mode]
	if !ok {
		return eris.Wrap(ErrUnknownMode, mode)
	}

	removed, err := m.Dequeue(ctx, playerID)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotQueued
	}
	log.Info().Stringer("player_id", playerID).Str("mode", mode).Msg("player dequeued")
	return nil
}

// DequeueAll sweeps a player out of every mode. Used on session teardown,
// where rate limits do not apply and absence is not an error.
func (c *Coordinator) DequeueAll(ctx context.Context, playerID uuid.UUID) {
	for mode, m := range c.modes {
		if _, err := m.Dequeue(ctx, playerID); err != nil {
			log.Warn().Err(err).
				Stringer("player_id", playerID).
				Str("mode", mode).
				Msg("teardown dequeue failed")
		}
	}
}

// allow consumes one token from the source's bucket, creating the bucket on
// first sight. Burst equals one second of tokens.
func (c *Coordinator) allow(source string) bool {
	c.mu.Lock()
	limiter, ok := c.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(c.rateRPS, int(c.rateRPS))
		c.limiters[source] = limiter
	}
	c.mu.Unlock()
	return limiter.Allow()
}
