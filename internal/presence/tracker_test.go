package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lodgepole/lodge/pkg/wire"
)

type recordingBroadcaster struct {
	mu   sync.Mutex
	envs []*wire.Envelope
}

func (r *recordingBroadcaster) Broadcast(ctx context.Context, rooms []wire.RoomID, env *wire.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recordingBroadcaster) statuses(userID string) []wire.PresenceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []wire.PresenceStatus
	for _, env := range r.envs {
		if p, ok := env.Data.(wire.PresenceUpdatePayload); ok && p.UserID == userID {
			out = append(out, p.Status)
		}
	}
	return out
}

func (r *recordingBroadcaster) lastStatus(userID string) (wire.PresenceStatus, bool) {
	all := r.statuses(userID)
	if len(all) == 0 {
		return "", false
	}
	return all[len(all)-1], true
}

func startTracker(t *testing.T, cfg Config) (*Tracker, *recordingBroadcaster) {
	t.Helper()
	rec := &recordingBroadcaster{}
	tr := NewTracker(cfg, rec)
	ctx, cancel := context.WithCancel(context.Background())
	go tr.Run(ctx)
	t.Cleanup(cancel)
	return tr, rec
}

func waitStatus(t *testing.T, rec *recordingBroadcaster, userID string, want wire.PresenceStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, ok := rec.lastStatus(userID)
		return ok && got == want
	}, 3*time.Second, 5*time.Millisecond)
}

func TestTracker_Lifecycle(t *testing.T) {
	tr, rec := startTracker(t, Config{
		IdleAfter:     60 * time.Millisecond,
		AwayAfter:     150 * time.Millisecond,
		OfflineGrace:  time.Second,
		StaleAfter:    10 * time.Second,
		SweepInterval: 10 * time.Millisecond,
	})

	tr.Connected("u1", "Alice", "w1")
	waitStatus(t, rec, "u1", wire.StatusOnline)

	// No activity: online decays to idle, then away.
	waitStatus(t, rec, "u1", wire.StatusIdle)
	waitStatus(t, rec, "u1", wire.StatusAway)

	// Activity snaps straight back to online.
	tr.Activity("u1")
	waitStatus(t, rec, "u1", wire.StatusOnline)

	require.Equal(t,
		[]wire.PresenceStatus{wire.StatusOnline, wire.StatusIdle, wire.StatusAway, wire.StatusOnline},
		rec.statuses("u1"))
}

func TestTracker_OfflineAfterGrace(t *testing.T) {
	tr, rec := startTracker(t, Config{
		IdleAfter:     time.Second,
		AwayAfter:     2 * time.Second,
		OfflineGrace:  50 * time.Millisecond,
		StaleAfter:    10 * time.Second,
		SweepInterval: 10 * time.Millisecond,
	})

	tr.Connected("u1", "Alice", "w1")
	waitStatus(t, rec, "u1", wire.StatusOnline)

	tr.Disconnected("u1")
	waitStatus(t, rec, "u1", wire.StatusOffline)

	// The offline entry stays visible in snapshots until it goes stale.
	entries, err := tr.Snapshot(context.Background(), "w1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, wire.StatusOffline, entries[0].Status)
}

func TestTracker_ReconnectWithinGraceDoesNotFlap(t *testing.T) {
	tr, rec := startTracker(t, Config{
		IdleAfter:     time.Second,
		AwayAfter:     2 * time.Second,
		OfflineGrace:  200 * time.Millisecond,
		StaleAfter:    10 * time.Second,
		SweepInterval: 10 * time.Millisecond,
	})

	tr.Connected("u1", "Alice", "w1")
	waitStatus(t, rec, "u1", wire.StatusOnline)

	// Page reload: disconnect immediately followed by a reconnect.
	tr.Disconnected("u1")
	time.Sleep(20 * time.Millisecond)
	tr.Connected("u1", "Alice", "w1")

	// Well past the grace window, the user never went offline.
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, []wire.PresenceStatus{wire.StatusOnline}, rec.statuses("u1"))
}

func TestTracker_SecondConnectionKeepsUserOnline(t *testing.T) {
	tr, rec := startTracker(t, Config{
		IdleAfter:     time.Second,
		AwayAfter:     2 * time.Second,
		OfflineGrace:  50 * time.Millisecond,
		StaleAfter:    10 * time.Second,
		SweepInterval: 10 * time.Millisecond,
	})

	tr.Connected("u1", "Alice", "w1")
	waitStatus(t, rec, "u1", wire.StatusOnline)
	tr.Connected("u1", "Alice", "w1") // second tab

	tr.Disconnected("u1") // first tab closes
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, []wire.PresenceStatus{wire.StatusOnline}, rec.statuses("u1"))
}

func TestTracker_ManualBusySticks(t *testing.T) {
	tr, rec := startTracker(t, Config{
		IdleAfter:     40 * time.Millisecond,
		AwayAfter:     80 * time.Millisecond,
		OfflineGrace:  time.Second,
		StaleAfter:    10 * time.Second,
		SweepInterval: 10 * time.Millisecond,
	})

	tr.Connected("u1", "Alice", "w1")
	waitStatus(t, rec, "u1", wire.StatusOnline)

	require.NoError(t, tr.SetStatus("u1", wire.StatusBusy))
	waitStatus(t, rec, "u1", wire.StatusBusy)

	// Idle and away thresholds pass; busy holds. Activity does not clear a
	// manual status either.
	time.Sleep(150 * time.Millisecond)
	tr.Activity("u1")
	time.Sleep(50 * time.Millisecond)
	got, ok := rec.lastStatus("u1")
	require.True(t, ok)
	require.Equal(t, wire.StatusBusy, got)

	// Choosing online hands control back to the thresholds.
	require.NoError(t, tr.SetStatus("u1", wire.StatusOnline))
	waitStatus(t, rec, "u1", wire.StatusOnline)
}

func TestTracker_StaleEntryForcedOffline(t *testing.T) {
	tr, rec := startTracker(t, Config{
		IdleAfter:     30 * time.Millisecond,
		AwayAfter:     60 * time.Millisecond,
		OfflineGrace:  20 * time.Millisecond,
		StaleAfter:    120 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})

	tr.Connected("u1", "Alice", "w1")
	waitStatus(t, rec, "u1", wire.StatusOffline)

	require.Eventually(t, func() bool {
		entries, err := tr.Snapshot(context.Background(), "w1")
		return err == nil && len(entries) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestTracker_SnapshotScopedToWorkspace(t *testing.T) {
	tr, rec := startTracker(t, Config{
		IdleAfter:     time.Second,
		AwayAfter:     2 * time.Second,
		OfflineGrace:  time.Second,
		StaleAfter:    10 * time.Second,
		SweepInterval: 10 * time.Millisecond,
	})

	tr.Connected("u2", "Bob", "w1")
	tr.Connected("u1", "Alice", "w1")
	tr.Connected("u3", "Carol", "w2")
	waitStatus(t, rec, "u3", wire.StatusOnline)

	entries, err := tr.Snapshot(context.Background(), "w1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "u1", entries[0].UserID)
	require.Equal(t, "u2", entries[1].UserID)
	for _, e := range entries {
		require.Equal(t, wire.StatusOnline, e.Status)
		require.Equal(t, "w1", e.WorkspaceID)
	}
}

func TestTracker_EnvelopeUpdateReflectedInSnapshot(t *testing.T) {
	tr, rec := startTracker(t, Config{
		IdleAfter:     time.Second,
		AwayAfter:     2 * time.Second,
		OfflineGrace:  time.Second,
		StaleAfter:    10 * time.Second,
		SweepInterval: 10 * time.Millisecond,
	})

	env := wire.NewEnvelope(wire.PresenceUpdatePayload{
		UserID:    "u2",
		UserName:  "Bob",
		Status:    wire.StatusBusy,
		ProjectID: "p1",
		TaskID:    "t9",
	})
	env.RoomID = wire.WorkspaceRoom("w1")
	tr.OnEnvelope(env)

	require.Eventually(t, func() bool {
		entries, err := tr.Snapshot(context.Background(), "w1")
		return err == nil && len(entries) == 1 &&
			entries[0].UserID == "u2" &&
			entries[0].Status == wire.StatusBusy &&
			entries[0].ProjectID == "p1" &&
			entries[0].TaskID == "t9"
	}, 3*time.Second, 5*time.Millisecond)

	// Applying a remote update never re-broadcasts it.
	require.Empty(t, rec.statuses("u2"))
}

func TestTracker_EnvelopeJoinAndLeave(t *testing.T) {
	tr, _ := startTracker(t, Config{
		IdleAfter:     time.Second,
		AwayAfter:     2 * time.Second,
		OfflineGrace:  50 * time.Millisecond,
		StaleAfter:    10 * time.Second,
		SweepInterval: 10 * time.Millisecond,
	})

	joined := wire.NewEnvelope(wire.UserJoinedPayload{
		UserID:   "u2",
		UserName: "Bob",
		RoomID:   wire.WorkspaceRoom("w1"),
	})
	joined.RoomID = wire.WorkspaceRoom("w1")
	tr.OnEnvelope(joined)

	require.Eventually(t, func() bool {
		entries, err := tr.Snapshot(context.Background(), "w1")
		return err == nil && len(entries) == 1 && entries[0].Status == wire.StatusOnline
	}, 3*time.Second, 5*time.Millisecond)

	left := wire.NewEnvelope(wire.UserLeftPayload{UserID: "u2"})
	left.RoomID = wire.WorkspaceRoom("w1")
	tr.OnEnvelope(left)

	// The leave arms the grace timer; offline follows once it lapses.
	require.Eventually(t, func() bool {
		entries, err := tr.Snapshot(context.Background(), "w1")
		return err == nil && len(entries) == 1 && entries[0].Status == wire.StatusOffline
	}, 3*time.Second, 5*time.Millisecond)
}

func TestTracker_EnvelopeWithoutWorkspaceIgnored(t *testing.T) {
	tr, _ := startTracker(t, Config{
		IdleAfter:     time.Second,
		AwayAfter:     2 * time.Second,
		OfflineGrace:  time.Second,
		StaleAfter:    10 * time.Second,
		SweepInterval: 10 * time.Millisecond,
	})

	// Project rooms carry no workspace id, so there is nothing to track.
	env := wire.NewEnvelope(wire.PresenceUpdatePayload{UserID: "u2", Status: wire.StatusOnline})
	env.RoomID = wire.ProjectRoom("p1")
	tr.OnEnvelope(env)

	// A chat message is not presence-bearing at all.
	tr.OnEnvelope(wire.NewEnvelope(wire.MessagePayload{Content: "hello"}))

	time.Sleep(50 * time.Millisecond)
	entries, err := tr.Snapshot(context.Background(), "w1")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestTracker_SetLocation(t *testing.T) {
	tr, rec := startTracker(t, Config{
		IdleAfter:     time.Second,
		AwayAfter:     2 * time.Second,
		OfflineGrace:  time.Second,
		StaleAfter:    10 * time.Second,
		SweepInterval: 10 * time.Millisecond,
	})

	tr.Connected("u1", "Alice", "w1")
	waitStatus(t, rec, "u1", wire.StatusOnline)

	tr.SetLocation("u1", "p1", "t9")
	require.Eventually(t, func() bool {
		entries, err := tr.Snapshot(context.Background(), "w1")
		return err == nil && len(entries) == 1 && entries[0].ProjectID == "p1" && entries[0].TaskID == "t9"
	}, 3*time.Second, 10*time.Millisecond)

	require.Error(t, tr.SetStatus("u1", wire.PresenceStatus("sleeping")))
}
