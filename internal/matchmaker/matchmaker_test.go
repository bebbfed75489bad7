package matchmaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardfall/backend/internal/battle"
	"github.com/cardfall/backend/internal/breaker"
	"github.com/cardfall/backend/internal/protocol"
	"github.com/cardfall/backend/internal/queue"
	"github.com/cardfall/backend/internal/registry"
	"github.com/cardfall/backend/internal/router"
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

func (h *recordingHandle) matchFound() *protocol.ServerMessage {
	for _, msg := range h.received() {
		if msg.Type == protocol.TypeMatchFound {
			return &msg
		}
	}
	return nil
}

type harness struct {
	srv *miniredis.Miniredis
	q   *queue.Queue
	reg *registry.Registry
	m   *Matchmaker
}

func newHarness(t *testing.T, settings Settings, simulate battle.Simulate) *harness {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })

	brk := breaker.New("store", 5, time.Minute)
	q := queue.New(rdb, brk, time.Second)
	reg := registry.New()
	r := router.New(rdb, reg, "podA", time.Second, router.NewMonitor(3))
	if simulate == nil {
		simulate = battle.Auto
	}
	inv := battle.NewInvoker(simulate, time.Second)
	return &harness{srv: srv, q: q, reg: reg, m: New(settings, q, r, inv)}
}

func fifoSettings() Settings {
	return Settings{
		ModeID:          "normal",
		RequiredPlayers: 2,
		TickInterval:    5 * time.Second,
		BatchMultiplier: 2,
	}
}

func podMeta(pod string) []byte {
	return []byte(fmt.Sprintf(`{"pod_id":%q}`, pod))
}

// connect registers a live local session and returns its mailbox.
func (h *harness) connect(id uuid.UUID) *recordingHandle {
	handle := &recordingHandle{}
	h.reg.Register(id, handle)
	return handle
}

func TestSamePodMatchDeliversToBothPlayers(t *testing.T) {
	var winner uuid.UUID
	simulate := func(_ context.Context, a, b battle.Participant) (battle.Result, error) {
		winner = a.ID
		return battle.Result{WinnerID: a.ID, BattleData: json.RawMessage(`{"rounds":2}`)}, nil
	}
	h := newHarness(t, fifoSettings(), simulate)
	ctx := context.Background()

	p1, p2 := uuid.New(), uuid.New()
	h1, h2 := h.connect(p1), h.connect(p2)

	added, err := h.m.Enqueue(ctx, p1, 1000, podMeta("podA"))
	require.NoError(t, err)
	require.True(t, added)
	added, err = h.m.Enqueue(ctx, p2, 1001, podMeta("podA"))
	require.NoError(t, err)
	require.True(t, added)

	h.m.TryMatch(ctx)

	for _, tc := range []struct {
		handle   *recordingHandle
		opponent uuid.UUID
	}{{h1, p2}, {h2, p1}} {
		msg := tc.handle.matchFound()
		require.NotNil(t, msg)
		assert.Equal(t, winner.String(), msg.WinnerID)
		assert.Equal(t, tc.opponent.String(), msg.OpponentID)
		assert.JSONEq(t, `{"rounds":2}`, string(msg.BattleData))
	}

	size, err := h.q.Size(ctx, "normal")
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestCrossPodDeliveryFailureRequeuesBoth(t *testing.T) {
	h := newHarness(t, fifoSettings(), nil)
	ctx := context.Background()

	p1, p2 := uuid.New(), uuid.New()
	h.connect(p1)
	// p2 lives on podB, which has no subscriber on its channel.
	_, err := h.m.Enqueue(ctx, p1, 1000, podMeta("podA"))
	require.NoError(t, err)
	_, err = h.m.Enqueue(ctx, p2, 1001, podMeta("podB"))
	require.NoError(t, err)

	h.m.TryMatch(ctx)

	size, err := h.q.Size(ctx, "normal")
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	// Original scores and metadata survive the round trip.
	score, err := h.srv.ZScore(queue.Key("normal"), p1.String())
	require.NoError(t, err)
	assert.Equal(t, float64(1000), score)
	score, err = h.srv.ZScore(queue.Key("normal"), p2.String())
	require.NoError(t, err)
	assert.Equal(t, float64(1001), score)
	stored, err := h.srv.Get(queue.MetadataKey(p2.String()))
	require.NoError(t, err)
	assert.JSONEq(t, `{"pod_id":"podB"}`, stored)
}

func TestPoisonedCandidateDroppedAndRemainingPaired(t *testing.T) {
	h := newHarness(t, fifoSettings(), nil)
	ctx := context.Background()

	p1, p2, p3 := uuid.New(), uuid.New(), uuid.New()
	h1 := h.connect(p1)
	h2 := h.connect(p2)
	h3 := h.connect(p3)

	_, err := h.m.Enqueue(ctx, p1, 1000, podMeta("podA"))
	require.NoError(t, err)
	// p2's blob has no pod field.
	_, err = h.m.Enqueue(ctx, p2, 1001, []byte(`{"level":4}`))
	require.NoError(t, err)
	_, err = h.m.Enqueue(ctx, p3, 1002, podMeta("podA"))
	require.NoError(t, err)

	h.m.TryMatch(ctx)

	assert.NotNil(t, h1.matchFound())
	assert.NotNil(t, h3.matchFound())

	// The poisoned player is told it left the queue and never requeued.
	assert.Nil(t, h2.matchFound())
	types := make([]string, 0, 2)
	for _, msg := range h2.received() {
		types = append(types, msg.Type)
	}
	assert.Contains(t, types, protocol.TypeDeQueued)
	assert.Contains(t, types, protocol.TypeError)

	size, err := h.q.Size(ctx, "normal")
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
	assert.False(t, h.srv.Exists(queue.MetadataKey(p2.String())))
}

func TestOddLeftoverRequeuedWithOriginalState(t *testing.T) {
	h := newHarness(t, fifoSettings(), nil)
	ctx := context.Background()

	p1, p2, p3 := uuid.New(), uuid.New(), uuid.New()
	h.connect(p1)
	h.connect(p2)
	h.connect(p3)
	for i, p := range []uuid.UUID{p1, p2, p3} {
		_, err := h.m.Enqueue(ctx, p, int64(1000+i), podMeta("podA"))
		require.NoError(t, err)
	}

	h.m.TryMatch(ctx)

	// FIFO pairs the two earliest; the singleton returns with its state.
	size, err := h.q.Size(ctx, "normal")
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
	score, err := h.srv.ZScore(queue.Key("normal"), p3.String())
	require.NoError(t, err)
	assert.Equal(t, float64(1002), score)
	stored, err := h.srv.Get(queue.MetadataKey(p3.String()))
	require.NoError(t, err)
	assert.JSONEq(t, `{"pod_id":"podA"}`, stored)
}

func TestSingleCandidateWaitsForNextTick(t *testing.T) {
	h := newHarness(t, fifoSettings(), nil)
	ctx := context.Background()

	p1 := uuid.New()
	h.connect(p1)
	_, err := h.m.Enqueue(ctx, p1, 1000, podMeta("podA"))
	require.NoError(t, err)

	h.m.TryMatch(ctx)

	size, err := h.q.Size(ctx, "normal")
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestOpenBreakerSkipsTickWithoutTouchingStore(t *testing.T) {
	h := newHarness(t, fifoSettings(), nil)
	ctx := context.Background()

	p1, p2 := uuid.New(), uuid.New()
	_, err := h.m.Enqueue(ctx, p1, 1000, podMeta("podA"))
	require.NoError(t, err)
	_, err = h.m.Enqueue(ctx, p2, 1001, podMeta("podA"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		h.q.Breaker().Failure()
	}
	require.True(t, h.q.Breaker().Open())

	h.m.TryMatch(ctx)

	// Nothing was popped while the circuit was open.
	members, err := h.srv.ZMembers(queue.Key("normal"))
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestFailedPopBacksOffNextTicks(t *testing.T) {
	h := newHarness(t, fifoSettings(), nil)
	ctx := context.Background()

	h.srv.SetError("store down")
	h.m.TryMatch(ctx)
	h.srv.SetError("")

	assert.True(t, time.Now().Before(h.m.nextPopAt))
	first := h.m.popBackoff
	assert.Equal(t, 2*popBackoffInitial, first)
}

// cancellingHandle raises the shutdown signal the moment it sees a match
// result, so the tick is mid-dispatch when cancellation lands.
type cancellingHandle struct {
	recordingHandle
	cancel context.CancelFunc
}

func (h *cancellingHandle) Send(msg protocol.ServerMessage) {
	h.recordingHandle.Send(msg)
	if msg.Type == protocol.TypeMatchFound {
		h.cancel()
	}
}

func TestShutdownMidTickRequeuesUnrouted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, fifoSettings(), nil)

	players := make([]uuid.UUID, 4)
	handles := make([]*recordingHandle, 4)
	for i := range players {
		players[i] = uuid.New()
		if i == 0 {
			ch := &cancellingHandle{cancel: cancel}
			h.reg.Register(players[i], ch)
			handles[i] = &ch.recordingHandle
		} else {
			handles[i] = h.connect(players[i])
		}
		_, err := h.m.Enqueue(context.Background(), players[i], int64(1000+i), podMeta("podA"))
		require.NoError(t, err)
	}

	h.m.TryMatch(ctx)

	// Pair one was already dispatched; pair two was abandoned and requeued.
	assert.NotNil(t, handles[0].matchFound())
	assert.NotNil(t, handles[1].matchFound())
	assert.Nil(t, handles[2].matchFound())
	assert.Nil(t, handles[3].matchFound())

	size, err := h.q.Size(context.Background(), "normal")
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)
	for _, p := range players[2:] {
		assert.True(t, h.srv.Exists(queue.MetadataKey(p.String())))
	}
}

func TestRunWaitsForInFlightTickBeforeReturning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	simulate := func(ctx context.Context, a, b battle.Participant) (battle.Result, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return battle.Result{}, ctx.Err()
	}
	settings := fifoSettings()
	settings.TickInterval = 10 * time.Millisecond
	h := newHarness(t, settings, simulate)

	p1, p2 := uuid.New(), uuid.New()
	h.connect(p1)
	h.connect(p2)
	_, err := h.m.Enqueue(context.Background(), p1, 1000, podMeta("podA"))
	require.NoError(t, err)
	_, err = h.m.Enqueue(context.Background(), p2, 1001, podMeta("podA"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		h.m.Run(ctx)
		close(runDone)
	}()

	// A tick has popped the pair and is sitting inside the battle.
	<-started
	cancel()

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// By the time Run has returned, the interrupted tick has already handed
	// both candidates back to the queue.
	size, err := h.q.Size(context.Background(), "normal")
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)
	for _, p := range []uuid.UUID{p1, p2} {
		assert.True(t, h.srv.Exists(queue.MetadataKey(p.String())))
	}
}

func TestOnlyOneTryMatchRunsAtOnce(t *testing.T) {
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	simulate := func(_ context.Context, a, b battle.Participant) (battle.Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return battle.Result{WinnerID: a.ID, BattleData: json.RawMessage(`{}`)}, nil
	}
	h := newHarness(t, fifoSettings(), simulate)
	ctx := context.Background()

	p1, p2 := uuid.New(), uuid.New()
	h.connect(p1)
	h.connect(p2)
	_, err := h.m.Enqueue(ctx, p1, 1000, podMeta("podA"))
	require.NoError(t, err)
	_, err = h.m.Enqueue(ctx, p2, 1001, podMeta("podA"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h.m.TryMatch(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	// Overlapping attempts bounce off the latch without blocking.
	for i := 0; i < 10; i++ {
		h.m.TryMatch(ctx)
	}
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()

	close(release)
	<-done
}

func TestFIFOMatchOrderFollowsEnqueueOrder(t *testing.T) {
	type matched struct{ a, b uuid.UUID }
	var mu sync.Mutex
	var order []matched
	simulate := func(_ context.Context, a, b battle.Participant) (battle.Result, error) {
		mu.Lock()
		order = append(order, matched{a.ID, b.ID})
		mu.Unlock()
		return battle.Result{WinnerID: a.ID, BattleData: json.RawMessage(`{}`)}, nil
	}
	h := newHarness(t, fifoSettings(), simulate)
	ctx := context.Background()

	players := make([]uuid.UUID, 4)
	for i := range players {
		players[i] = uuid.New()
		h.connect(players[i])
		_, err := h.m.Enqueue(ctx, players[i], int64(1000+i), podMeta("podA"))
		require.NoError(t, err)
	}

	h.m.TryMatch(ctx)

	require.Len(t, order, 2)
	assert.Equal(t, matched{players[0], players[1]}, order[0])
	assert.Equal(t, matched{players[2], players[3]}, order[1])
}

func TestEnqueueDuplicateReportsNotAdded(t *testing.T) {
	h := newHarness(t, fifoSettings(), nil)
	ctx := context.Background()
	p := uuid.New()

	added, err := h.m.Enqueue(ctx, p, 1000, podMeta("podA"))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = h.m.Enqueue(ctx, p, 2000, podMeta("podA"))
	require.NoError(t, err)
	assert.False(t, added)
}

func TestDequeueRemovesQueuedPlayer(t *testing.T) {
	h := newHarness(t, fifoSettings(), nil)
	ctx := context.Background()
	p := uuid.New()

	_, err := h.m.Enqueue(ctx, p, 1000, podMeta("podA"))
	require.NoError(t, err)

	removed, err := h.m.Dequeue(ctx, p)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = h.m.Dequeue(ctx, p)
	require.NoError(t, err)
	assert.False(t, removed)
}
