package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/lodgepole/lodge/internal/hub"
	"github.com/lodgepole/lodge/internal/presence"
	"github.com/lodgepole/lodge/internal/token"
	"github.com/lodgepole/lodge/pkg/wire"
)

type staticVerifier map[string]hub.Identity

func (v staticVerifier) Verify(ctx context.Context, tok string) (hub.Identity, error) {
	identity, ok := v[tok]
	if !ok {
		return hub.Identity{}, hub.ErrInvalidToken
	}
	return identity, nil
}

// countingSource hands out a fixed token and counts how often it is asked.
type countingSource struct {
	mu    sync.Mutex
	calls int
	tok   string
	err   error
}

func (s *countingSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.tok, nil
}

func (s *countingSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func startHub(t *testing.T) (*hub.Hub, *httptest.Server) {
	t.Helper()
	h := hub.New()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)

	srv := httptest.NewServer(hub.NewServer(hub.ServerConfig{
		Hub: h,
		Verifier: staticVerifier{
			"tok-a": {UserID: "u-a", UserName: "Alice"},
		},
	}).Handler())
	t.Cleanup(srv.Close)
	return h, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitState(t *testing.T, c *Conn, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 3*time.Second, 10*time.Millisecond)
}

// waitStateEvent consumes state transitions until the wanted one arrives.
func waitStateEvent(t *testing.T, c *Conn, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-c.States():
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func waitRoomSize(t *testing.T, h *hub.Hub, workspaceID string, room wire.RoomID, size int) {
	t.Helper()
	require.Eventually(t, func() bool {
		stats, err := h.Stats(context.Background(), workspaceID)
		return err == nil && stats.Rooms[string(room)] == size
	}, 3*time.Second, 10*time.Millisecond)
}

func TestConn_ConnectJoinReceive(t *testing.T) {
	h, srv := startHub(t)

	c, err := Dial(context.Background(), Options{
		URL:         wsURL(srv),
		WorkspaceID: "w1",
		Tokens:      token.Static("tok-a"),
		Heartbeat:   time.Second,
	})
	require.NoError(t, err)
	defer c.Close()

	waitState(t, c, StateConnected)

	room := wire.ProjectRoom("p1")
	sub := c.Rooms().Subscribe(room)
	require.NoError(t, c.Join(room))
	waitRoomSize(t, h, "w1", room, 1)

	env := wire.NewEnvelope(wire.MessagePayload{Action: wire.ActionCreated, Entity: "Task", ProjectID: "p1"})
	env.RoomID = room
	require.NoError(t, h.Broadcast(context.Background(), []wire.RoomID{room}, env))

	select {
	case got := <-sub:
		require.Equal(t, env.ID, got.ID)
		require.Equal(t, wire.TypeMessage, got.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for room envelope")
	}
}

func TestConn_ReconnectReplaysJoins(t *testing.T) {
	h, srv := startHub(t)

	c, err := Dial(context.Background(), Options{
		URL:            wsURL(srv),
		WorkspaceID:    "w1",
		Tokens:         token.Static("tok-a"),
		BackoffInitial: 20 * time.Millisecond,
		BackoffMax:     100 * time.Millisecond,
		Heartbeat:      time.Second,
	})
	require.NoError(t, err)
	defer c.Close()

	waitState(t, c, StateConnected)

	room := wire.TaskRoom("t1")
	sub := c.Rooms().Subscribe(room)
	require.NoError(t, c.Join(room))
	waitRoomSize(t, h, "w1", room, 1)

	// A second connection for the same user supersedes the managed one and
	// kicks it into a reconnect. The managed connection then supersedes this
	// throwaway socket right back.
	raw, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"/connect/tok-a", nil)
	require.NoError(t, err)
	defer raw.Close()
	initEnv := wire.NewEnvelope(wire.InitPayload{WorkspaceID: "w1"})
	data, err := initEnv.Encode()
	require.NoError(t, err)
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, data))

	// The managed connection drops, reconnects, and replays the join.
	waitStateEvent(t, c, StateReconnecting)
	waitStateEvent(t, c, StateConnected)
	waitRoomSize(t, h, "w1", room, 1)

	env := wire.NewEnvelope(wire.MessagePayload{Action: wire.ActionCommented, Entity: "Task"})
	env.RoomID = room
	require.NoError(t, h.Broadcast(context.Background(), []wire.RoomID{room}, env))

	select {
	case got := <-sub:
		require.Equal(t, env.ID, got.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for envelope after reconnect")
	}
}

func TestConn_SessionExpired(t *testing.T) {
	src := &countingSource{err: token.ErrUnauthorized}

	c, err := Dial(context.Background(), Options{
		URL:            "ws://127.0.0.1:1",
		WorkspaceID:    "w1",
		Tokens:         src,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Close()

	select {
	case err := <-c.Err():
		require.ErrorIs(t, err, ErrSessionExpired)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for terminal error")
	}
	waitState(t, c, StateClosed)
	require.Equal(t, 2, src.count(), "expected exactly two token exchanges")
}

func TestConn_BackoffProgression(t *testing.T) {
	var mu sync.Mutex
	var attempts []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := &countingSource{tok: "whatever"}
	c, err := Dial(context.Background(), Options{
		URL:            wsURL(srv),
		WorkspaceID:    "w1",
		Tokens:         src,
		BackoffInitial: 20 * time.Millisecond,
		BackoffMax:     80 * time.Millisecond,
	})
	require.NoError(t, err)

	time.Sleep(700 * time.Millisecond)
	c.Close()

	mu.Lock()
	n := len(attempts)
	mu.Unlock()

	// With delays 20, 40, 80, 80, ... roughly ten attempts fit in 700ms.
	// Immediate retries would make thousands.
	require.GreaterOrEqual(t, n, 4, "backoff retried too little")
	require.LessOrEqual(t, n, 30, "backoff retried too fast")

	// Every attempt exchanged a fresh token.
	require.GreaterOrEqual(t, src.count(), n)
}

func TestConn_JoinLeaveIdempotent(t *testing.T) {
	c, err := Dial(context.Background(), Options{
		URL:            "ws://127.0.0.1:1",
		WorkspaceID:    "w1",
		Tokens:         token.Static("tok"),
		BackoffInitial: 10 * time.Millisecond,
		QueueSize:      2,
	})
	require.NoError(t, err)
	defer c.Close()

	room := wire.ProjectRoom("p1")
	require.NoError(t, c.Join(room))
	require.NoError(t, c.Join(room)) // no-op, queues nothing
	require.Len(t, c.Rooms().Rooms(), 1)

	require.NoError(t, c.Leave(wire.TaskRoom("missing"))) // no-op
	require.Len(t, c.Rooms().Rooms(), 1)

	// One queue slot left after the join envelope.
	require.NoError(t, c.Typing(room, true))
	require.ErrorIs(t, c.Typing(room, false), ErrQueueFull)

	require.Error(t, c.Join(wire.RoomID("not-a-room")))
}

func TestConn_SendAfterClose(t *testing.T) {
	c, err := Dial(context.Background(), Options{
		URL:            "ws://127.0.0.1:1",
		WorkspaceID:    "w1",
		Tokens:         token.Static("tok"),
		BackoffInitial: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	waitState(t, c, StateClosed)
	require.ErrorIs(t, c.Send(wire.NewEnvelope(wire.TypingPayload{RoomID: wire.TaskRoom("t1"), IsTyping: true})), ErrClosed)
}

// A client-side presence tracker fed from the connection's stream converges
// on a broadcast presence update without any direct tracker calls.
func TestConn_PresenceViewConvergesFromStream(t *testing.T) {
	h, srv := startHub(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c, err := Dial(ctx, Options{
		URL:         wsURL(srv),
		WorkspaceID: "w1",
		Tokens:      token.Static("tok-a"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	waitState(t, c, StateConnected)
	waitRoomSize(t, h, "w1", wire.WorkspaceRoom("w1"), 1)

	tracker := presence.NewTracker(presence.Config{}, nil)
	go tracker.Run(ctx)
	stream := c.Rooms().Listen()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-stream:
				tracker.OnEnvelope(env)
			}
		}
	}()

	update := wire.NewEnvelope(wire.PresenceUpdatePayload{
		UserID:   "u2",
		UserName: "Bob",
		Status:   wire.StatusOnline,
	})
	update.RoomID = wire.WorkspaceRoom("w1")
	require.NoError(t, h.Broadcast(context.Background(), []wire.RoomID{update.RoomID}, update))

	require.Eventually(t, func() bool {
		entries, err := tracker.Snapshot(context.Background(), "w1")
		if err != nil || len(entries) == 0 {
			return false
		}
		for _, e := range entries {
			if e.UserID == "u2" && e.Status == wire.StatusOnline {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}
