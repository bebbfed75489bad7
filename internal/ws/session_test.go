package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardfall/backend/internal/coordinator"
	"github.com/cardfall/backend/internal/protocol"
	"github.com/cardfall/backend/internal/registry"
)

type fakeMatcher struct {
	mu       sync.Mutex
	mode     string
	queued   map[uuid.UUID]bool
	dequeued []uuid.UUID
}

func (f *fakeMatcher) Mode() string { return f.mode }

func (f *fakeMatcher) Enqueue(_ context.Context, playerID uuid.UUID, _ int64, _ []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queued[playerID] {
		return false, nil
	}
	f.queued[playerID] = true
	return true, nil
}

func (f *fakeMatcher) Dequeue(_ context.Context, playerID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dequeued = append(f.dequeued, playerID)
	if !f.queued[playerID] {
		return false, nil
	}
	delete(f.queued, playerID)
	return true, nil
}

func (f *fakeMatcher) dequeueCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dequeued)
}

type fakeProfiles struct{}

func (fakeProfiles) Profile(context.Context, uuid.UUID) (coordinator.Profile, error) {
	return coordinator.Profile{MMR: 1200, Level: 3, Deck: json.RawMessage(`[]`)}, nil
}

type sessionFixture struct {
	server  *httptest.Server
	client  *websocket.Conn
	matcher *fakeMatcher
	reg     *registry.Registry
	id      uuid.UUID
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	id := uuid.New()
	matcher := &fakeMatcher{mode: "normal", queued: make(map[uuid.UUID]bool)}
	coord := coordinator.New("podA", fakeProfiles{}, 100)
	coord.Bind(matcher, false)
	reg := registry.New()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		NewSession(conn, id, coord, reg).Run(ctx)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return &sessionFixture{server: server, client: client, matcher: matcher, reg: reg, id: id}
}

func (f *sessionFixture) send(t *testing.T, msg protocol.ClientMessage) {
	t.Helper()
	require.NoError(t, f.client.WriteJSON(msg))
}

func (f *sessionFixture) read(t *testing.T) protocol.ServerMessage {
	t.Helper()
	var msg protocol.ServerMessage
	f.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, f.client.ReadJSON(&msg))
	return msg
}

func TestSessionEnqueueDequeueFlow(t *testing.T) {
	f := newSessionFixture(t)

	f.send(t, protocol.ClientMessage{Type: protocol.TypeEnqueue, GameMode: "normal"})
	ack := f.read(t)
	assert.Equal(t, protocol.TypeEnQueued, ack.Type)
	assert.Equal(t, "podA", ack.PodID)

	// A second enqueue while queued is rejected without dropping the session.
	f.send(t, protocol.ClientMessage{Type: protocol.TypeEnqueue, GameMode: "normal"})
	dup := f.read(t)
	assert.Equal(t, protocol.TypeError, dup.Type)
	assert.Equal(t, protocol.CodeAlreadyInQueue, dup.Code)

	f.send(t, protocol.ClientMessage{Type: protocol.TypeDequeue, GameMode: "normal"})
	assert.Equal(t, protocol.TypeDeQueued, f.read(t).Type)

	f.send(t, protocol.ClientMessage{Type: protocol.TypeDequeue, GameMode: "normal"})
	notQueued := f.read(t)
	assert.Equal(t, protocol.TypeError, notQueued.Type)
	assert.Equal(t, protocol.CodeNotInQueue, notQueued.Code)
}

func TestSessionRejectsUnknownModeAndGarbage(t *testing.T) {
	f := newSessionFixture(t)

	f.send(t, protocol.ClientMessage{Type: protocol.TypeEnqueue, GameMode: "chaos"})
	bad := f.read(t)
	assert.Equal(t, protocol.TypeError, bad.Type)
	assert.Equal(t, protocol.CodeInvalidGameMode, bad.Code)

	require.NoError(t, f.client.WriteMessage(websocket.TextMessage, []byte("{not json")))
	garbage := f.read(t)
	assert.Equal(t, protocol.TypeError, garbage.Type)
	assert.Equal(t, protocol.CodeInvalidMessageFormat, garbage.Code)
}

func TestSessionReceivesRoutedMessages(t *testing.T) {
	f := newSessionFixture(t)

	// The session registers itself as this player's delivery handle.
	require.Eventually(t, func() bool {
		_, ok := f.reg.Lookup(f.id)
		return ok
	}, time.Second, 10*time.Millisecond)

	opponent := uuid.New()
	require.True(t, f.reg.RouteTo(f.id,
		protocol.MatchFound(f.id, opponent, json.RawMessage(`{"rounds":1}`))))

	msg := f.read(t)
	assert.Equal(t, protocol.TypeMatchFound, msg.Type)
	assert.Equal(t, f.id.String(), msg.WinnerID)
	assert.Equal(t, opponent.String(), msg.OpponentID)
}

func TestSessionTeardownSweepsQueuesAndRegistry(t *testing.T) {
	f := newSessionFixture(t)

	f.send(t, protocol.ClientMessage{Type: protocol.TypeEnqueue, GameMode: "normal"})
	require.Equal(t, protocol.TypeEnQueued, f.read(t).Type)

	f.client.Close()

	require.Eventually(t, func() bool {
		return f.matcher.dequeueCalls() > 0
	}, 2*time.Second, 10*time.Millisecond)
	_, stillRegistered := f.reg.Lookup(f.id)
	assert.False(t, stillRegistered)
}
