package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardfall/backend/internal/breaker"
	"github.com/cardfall/backend/internal/protocol"
	"github.com/cardfall/backend/internal/registry"
)

type recordingHandle struct {
	mu   sync.Mutex
	msgs []protocol.ServerMessage
}

func (h *recordingHandle) Send(msg protocol.ServerMessage) {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
}

func (h *recordingHandle) received() []protocol.ServerMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.ServerMessage(nil), h.msgs...)
}

func newTestRouter(t *testing.T) (*Router, *registry.Registry, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })
	reg := registry.New()
	return New(rdb, reg, "pod-local", time.Second, NewMonitor(3)), reg, rdb
}

func TestDeliverSamePodUsesRegistry(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	id := uuid.New()
	h := &recordingHandle{}
	reg.Register(id, h)

	err := r.Deliver(context.Background(), id, "pod-local", protocol.EnQueued("pod-local"))
	require.NoError(t, err)

	msgs := h.received()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeEnQueued, msgs[0].Type)
}

func TestDeliverSamePodMissingSessionIsDropNotError(t *testing.T) {
	r, _, _ := newTestRouter(t)

	err := r.Deliver(context.Background(), uuid.New(), "pod-local", protocol.DeQueued())
	assert.NoError(t, err)
}

func TestDeliverCrossPodPublishesEnvelope(t *testing.T) {
	r, _, rdb := newTestRouter(t)
	id := uuid.New()

	pubsub := rdb.Subscribe(context.Background(), Channel("pod-remote"))
	defer pubsub.Close()
	_, err := pubsub.Receive(context.Background())
	require.NoError(t, err)

	winner, opponent := uuid.New(), uuid.New()
	msg := protocol.MatchFound(winner, opponent, json.RawMessage(`{"rounds":3}`))
	require.NoError(t, r.Deliver(context.Background(), id, "pod-remote", msg))

	received, err := pubsub.ReceiveTimeout(context.Background(), time.Second)
	require.NoError(t, err)
	wire, ok := received.(*redis.Message)
	require.True(t, ok)

	var env protocol.Envelope
	require.NoError(t, json.Unmarshal([]byte(wire.Payload), &env))
	assert.Equal(t, id, env.TargetPlayerID)
	assert.Equal(t, protocol.TypeMatchFound, env.Message.Type)
	assert.Equal(t, winner.String(), env.Message.WinnerID)
	assert.JSONEq(t, `{"rounds":3}`, string(env.Message.BattleData))
}

func TestDeliverCrossPodZeroSubscribersFails(t *testing.T) {
	r, _, _ := newTestRouter(t)

	err := r.Deliver(context.Background(), uuid.New(), "pod-ghost", protocol.DeQueued())
	assert.True(t, errors.Is(err, ErrNoSubscribers))
	assert.Equal(t, 1, r.monitor.EmptyStreak("pod-ghost"))
}

func TestSubscriberDeliversEnvelopes(t *testing.T) {
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer rdb.Close()

	reg := registry.New()
	id := uuid.New()
	h := &recordingHandle{}
	reg.Register(id, h)

	brk := breaker.New("store", 5, time.Minute)
	sub := NewSubscriber(rdb, reg, brk, "pod-local", 10*time.Millisecond, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	publish := func(payload string) {
		rdb.Publish(context.Background(), Channel("pod-local"), payload)
	}

	// Wait for the subscription to be live, then send garbage followed by a
	// real envelope. The garbage must be dropped without killing the loop.
	require.Eventually(t, func() bool {
		publish("not json")
		env, _ := json.Marshal(protocol.Envelope{TargetPlayerID: id, Message: protocol.DeQueued()})
		publish(string(env))
		return len(h.received()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	msgs := h.received()
	assert.Equal(t, protocol.TypeDeQueued, msgs[0].Type)
}

func TestConsumeReportsWhetherSubscribeConfirmed(t *testing.T) {
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer rdb.Close()
	brk := breaker.New("pubsub", 5, time.Minute)
	sub := NewSubscriber(rdb, registry.New(), brk, "pod-local", 10*time.Millisecond, 100*time.Millisecond)

	// Live server: the subscribe confirms, and on shutdown consume reports
	// the connection so the reconnect backoff restarts from its initial
	// interval on the next outage.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	connected, err := sub.consume(ctx, Channel("pod-local"))
	assert.True(t, connected)
	assert.NoError(t, err)

	// Dead server: no confirmation, so the backoff keeps ratcheting.
	srv.Close()
	connected, err = sub.consume(context.Background(), Channel("pod-local"))
	assert.False(t, connected)
	assert.Error(t, err)
}

func TestMonitorAlertsAfterThresholdAndRecovers(t *testing.T) {
	m := NewMonitor(3)

	m.RecordEmpty("pod-b")
	m.RecordEmpty("pod-b")
	assert.Equal(t, 2, m.EmptyStreak("pod-b"))

	m.RecordEmpty("pod-b")
	assert.Equal(t, 3, m.EmptyStreak("pod-b"))

	m.RecordDelivery("pod-b")
	assert.Equal(t, 0, m.EmptyStreak("pod-b"))

	// Streaks are tracked per pod.
	m.RecordEmpty("pod-c")
	assert.Equal(t, 1, m.EmptyStreak("pod-c"))
	assert.Equal(t, 0, m.EmptyStreak("pod-b"))
}
