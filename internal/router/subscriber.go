package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/cardfall/backend/internal/breaker"
	"github.com/cardfall/backend/internal/metrics"
	"github.com/cardfall/backend/internal/protocol"
	"github.com/cardfall/backend/internal/registry"
)

// Subscriber keeps a subscription on the local pod channel alive for the
// lifetime of the process, delivering inbound envelopes to the local player
// registry. Connection loss is retried with exponential backoff; repeated
// failures feed the pub/sub circuit breaker, a dependency tracked separately
// from the queue store.
type Subscriber struct {
	rdb     *redis.Client
	reg     *registry.Registry
	brk     *breaker.Breaker
	podID   string
	initial time.Duration
	max     time.Duration
}

func NewSubscriber(rdb *redis.Client, reg *registry.Registry, brk *breaker.Breaker, podID string, initial, max time.Duration) *Subscriber {
	return &Subscriber{rdb: rdb, reg: reg, brk: brk, podID: podID, initial: initial, max: max}
}

// Run blocks until ctx is cancelled, reconnecting with backoff whenever the
// subscription drops.
func (s *Subscriber) Run(ctx context.Context) {
	channel := Channel(s.podID)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initial
	bo.MaxInterval = s.max
	bo.MaxElapsedTime = 0 // retry forever, shutdown comes from ctx

	for {
		connected, err := s.consume(ctx, channel)
		if connected {
			// The next outage starts its retry schedule from scratch.
			bo.Reset()
		}
		if err != nil {
			s.brk.Failure()
			log.Warn().Err(err).Str("channel", channel).Msg("pod subscription lost, reconnecting")
		}
		select {
		case <-ctx.Done():
			log.Info().Str("channel", channel).Msg("pod subscriber stopped")
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// consume holds one subscription until it fails or ctx ends. It reports
// whether the subscribe was ever confirmed; a confirmed subscribe also resets
// the circuit breaker.
func (s *Subscriber) consume(ctx context.Context, channel string) (connected bool, err error) {
	pubsub := s.rdb.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return false, err
	}
	s.brk.Success()
	log.Info().Str("channel", channel).Msg("pod subscriber listening")

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case msg, ok := <-msgs:
			if !ok {
				return true, nil
			}
			s.dispatch(msg.Payload)
		}
	}
}

func (s *Subscriber) dispatch(payload string) {
	var env protocol.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.TargetPlayerID == uuid.Nil {
		metrics.SubscriberMessages.WithLabelValues("malformed").Inc()
		log.Error().Err(err).Str("payload", payload).Msg("dropping malformed cross-pod envelope")
		return
	}

	if !s.reg.RouteTo(env.TargetPlayerID, env.Message) {
		metrics.SubscriberMessages.WithLabelValues("local_miss").Inc()
		log.Warn().
			Stringer("player_id", env.TargetPlayerID).
			Str("event", env.Message.Event()).
			Msg("cross-pod message for player with no live session, dropping")
		return
	}
	metrics.SubscriberMessages.WithLabelValues("delivered").Inc()
}
