package breaker

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"github.com/cardfall/backend/internal/metrics"
)

// ErrOpen is returned by Allow while the circuit is open. Callers must fail
// fast without touching the protected dependency.
var ErrOpen = eris.New("circuit breaker open")

// Breaker isolates a failing dependency. After `threshold` consecutive
// failures the circuit opens for `cooldown`; once the cooldown expires the
// next call is allowed through as a trial (half-open by expiry). Any success
// closes the circuit and resets the failure count.
//
// All state is atomics, so a single Breaker may be shared by every goroutine
// that talks to the dependency.
type Breaker struct {
	name      string
	threshold uint64
	cooldown  time.Duration

	failures  atomic.Uint64
	openUntil atomic.Int64 // unix millis; 0 when closed
}

func New(name string, threshold uint64, cooldown time.Duration) *Breaker {
	return &Breaker{name: name, threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a call may proceed. It returns an error wrapping
// ErrOpen while the circuit is open.
func (b *Breaker) Allow() error {
	openUntil := b.openUntil.Load()
	if openUntil == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	if now >= openUntil {
		// Cooldown expired: let the caller run one trial call. The circuit
		// re-opens on Failure and fully closes on Success.
		return nil
	}
	remaining := time.Duration(openUntil-now) * time.Millisecond
	return eris.Wrap(ErrOpen, fmt.Sprintf("%s unavailable for %s", b.name, remaining.Round(time.Millisecond)))
}

// Open reports whether the circuit is currently open.
func (b *Breaker) Open() bool {
	openUntil := b.openUntil.Load()
	return openUntil != 0 && time.Now().UnixMilli() < openUntil
}

// Success records a successful call, closing the circuit.
func (b *Breaker) Success() {
	previous := b.failures.Swap(0)
	wasOpen := b.openUntil.Swap(0)
	if wasOpen != 0 {
		log.Info().
			Str("dependency", b.name).
			Uint64("failures", previous).
			Msg("circuit breaker closed")
	}
}

// Failure records a failed call. Reaching the threshold opens the circuit for
// the configured cooldown.
func (b *Breaker) Failure() {
	failures := b.failures.Add(1)
	if failures >= b.threshold {
		openUntil := time.Now().Add(b.cooldown).UnixMilli()
		b.openUntil.Store(openUntil)
		metrics.CircuitBreakerOpened.WithLabelValues(b.name).Inc()
		log.Error().
			Str("dependency", b.name).
			Uint64("failures", failures).
			Dur("cooldown", b.cooldown).
			Msg("circuit breaker open")
	} else if failures%2 == 0 {
		log.Warn().
			Str("dependency", b.name).
			Uint64("failures", failures).
			Uint64("threshold", b.threshold).
			Msg("circuit breaker accumulating failures")
	}
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() uint64 {
	return b.failures.Load()
}
