// Package metrics holds the process-wide prometheus collectors for the
// matchmaking engine. Collectors are registered on the default registry and
// exposed by the /metrics endpoint in internal/api.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PlayersEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_players_enqueued_total",
		Help: "Players newly added to a matchmaking queue.",
	}, []string{"mode"})

	PlayersRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_players_requeued_total",
		Help: "Players re-enqueued after a failed or partial match attempt.",
	}, []string{"mode"})

	DuplicateEnqueues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_duplicate_enqueues_total",
		Help: "Enqueue attempts rejected because the player was already queued.",
	}, []string{"mode"})

	TicksRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_ticks_total",
		Help: "TryMatch ticks that acquired the in-flight latch and ran.",
	}, []string{"mode"})

	TicksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_ticks_skipped_total",
		Help: "TryMatch ticks skipped before touching the store.",
	}, []string{"mode", "reason"})

	PoisonedCandidates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_poisoned_candidates_total",
		Help: "Popped candidates dropped because their metadata was unusable.",
	}, []string{"mode"})

	MatchesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_matches_created_total",
		Help: "Successfully formed and delivered matches.",
	}, []string{"mode"})

	MatchesSamePod = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchmaking_matches_same_pod_total",
		Help: "Matches whose participants were both on the local pod.",
	})

	MatchesCrossPod = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchmaking_matches_cross_pod_total",
		Help: "Matches with at least one participant on another pod.",
	})

	BattleFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchmaking_battle_failures_total",
		Help: "Battle simulations that errored or exceeded their budget.",
	})

	RoutedSamePod = promauto.NewCounter(prometheus.CounterOpts{
		Name: "router_messages_same_pod_total",
		Help: "Messages delivered through the local player registry.",
	})

	RoutedCrossPod = promauto.NewCounter(prometheus.CounterOpts{
		Name: "router_messages_cross_pod_total",
		Help: "Messages published to another pod's channel.",
	})

	RoutingFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_failures_total",
		Help: "Message deliveries that could not complete.",
	}, []string{"kind"})

	ZeroSubscriberPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_zero_subscriber_publishes_total",
		Help: "Cross-pod publishes that reached no subscriber.",
	}, []string{"pod"})

	PodDownAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_pod_down_alerts_total",
		Help: "Pods declared unreachable after repeated empty publishes.",
	}, []string{"pod"})

	CircuitBreakerOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_opened_total",
		Help: "Times a circuit breaker transitioned to open.",
	}, []string{"dependency"})

	StoreFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "store_operation_failures_total",
		Help: "Shared-store operations that failed or timed out.",
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_rate_limited_total",
		Help: "Ingress requests rejected by the per-source rate limit.",
	})

	QueueSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "matchmaking_queue_size",
		Help: "Queue size per mode as observed by the last store operation.",
	}, []string{"mode"})

	SubscriberMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_subscriber_messages_total",
		Help: "Messages received on the local pod channel.",
	}, []string{"outcome"})
)
