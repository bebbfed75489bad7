package router

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/cardfall/backend/internal/metrics"
)

// Monitor tracks consecutive zero-subscriber publishes per target pod and
// raises an alert once a pod crosses the configured threshold. Any successful
// delivery to the pod resets its count.
type Monitor struct {
	mu        sync.Mutex
	threshold int
	empty     map[string]int
}

func NewMonitor(threshold int) *Monitor {
	return &Monitor{threshold: threshold, empty: make(map[string]int)}
}

// RecordEmpty notes a publish that reached no subscriber on the pod.
func (m *Monitor) RecordEmpty(podID string) {
	m.mu.Lock()
	m.empty[podID]++
	count := m.empty[podID]
	m.mu.Unlock()

	if count == m.threshold {
		metrics.PodDownAlerts.WithLabelValues(podID).Inc()
		log.Error().
			Str("pod", podID).
			Int("consecutive_empty_publishes", count).
			Msg("pod appears down, publishes reaching no subscriber")
	}
}

// RecordDelivery notes a publish the pod actually received, clearing its
// failure streak.
func (m *Monitor) RecordDelivery(podID string) {
	m.mu.Lock()
	recovered := m.empty[podID] >= m.threshold
	delete(m.empty, podID)
	m.mu.Unlock()

	if recovered {
		log.Info().Str("pod", podID).Msg("pod reachable again")
	}
}

// EmptyStreak returns the current consecutive zero-subscriber count for a pod.
func (m *Monitor) EmptyStreak(podID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.empty[podID]
}
