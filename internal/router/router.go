// Package router moves server messages to players wherever their websocket
// lives. Same-pod targets go straight through the local registry; targets on
// other pods travel as JSON envelopes over the per-pod pub/sub channel.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"github.com/cardfall/backend/internal/metrics"
	"github.com/cardfall/backend/internal/protocol"
	"github.com/cardfall/backend/internal/registry"
)

// ErrNoSubscribers means a cross-pod publish reached zero subscribers: the
// target pod is down or not yet listening. The message is lost in transit, so
// callers must treat the delivery as failed.
var ErrNoSubscribers = eris.New("no subscribers on target pod channel")

// Channel returns the pub/sub channel a pod listens on for player messages.
func Channel(podID string) string {
	return "pod:" + podID + ":game_message"
}

// Router delivers messages by player identity plus the pod the player was
// queued from.
type Router struct {
	rdb            *redis.Client
	reg            *registry.Registry
	podID          string
	publishTimeout time.Duration
	monitor        *Monitor
}

func New(rdb *redis.Client, reg *registry.Registry, podID string, publishTimeout time.Duration, monitor *Monitor) *Router {
	return &Router{
		rdb:            rdb,
		reg:            reg,
		podID:          podID,
		publishTimeout: publishTimeout,
		monitor:        monitor,
	}
}

// PodID returns the identity of the local pod.
func (r *Router) PodID() string { return r.podID }

// Deliver routes msg to the player, using targetPodID to decide between the
// local registry and a cross-pod publish.
//
// A same-pod target with no live session is a drop, not an error: the player
// disconnected after being queued and there is nobody left to tell. A
// cross-pod publish that reaches no subscriber IS an error, because the
// message may have carried match state the target pod never saw.
func (r *Router) Deliver(ctx context.Context, targetPlayerID uuid.UUID, targetPodID string, msg protocol.ServerMessage) error {
	if targetPodID == r.podID {
		if !r.reg.RouteTo(targetPlayerID, msg) {
			metrics.RoutingFailures.WithLabelValues("local_miss").Inc()
			log.Warn().
				Stringer("player_id", targetPlayerID).
				Str("event", msg.Event()).
				Msg("no live session for same-pod delivery, dropping")
			return nil
		}
		metrics.RoutedSamePod.Inc()
		return nil
	}

	payload, err := json.Marshal(protocol.Envelope{TargetPlayerID: targetPlayerID, Message: msg})
	if err != nil {
		metrics.RoutingFailures.WithLabelValues("encode").Inc()
		return eris.Wrap(err, "encode cross-pod envelope")
	}

	ctx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()

	subscribers, err := r.rdb.Publish(ctx, Channel(targetPodID), payload).Result()
	if err != nil {
		metrics.RoutingFailures.WithLabelValues("publish").Inc()
		return eris.Wrapf(err, "publish to pod %s", targetPodID)
	}
	if subscribers == 0 {
		metrics.ZeroSubscriberPublishes.WithLabelValues(targetPodID).Inc()
		r.monitor.RecordEmpty(targetPodID)
		return eris.Wrapf(ErrNoSubscribers, "pod %s", targetPodID)
	}

	r.monitor.RecordDelivery(targetPodID)
	metrics.RoutedCrossPod.Inc()
	return nil
}
