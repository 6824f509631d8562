// Package presence tracks who is online in each workspace and derives status
// transitions from connection lifecycle and activity signals.
//
// A single goroutine owns all presence state. Lifecycle events, activity
// touches, manual status changes and snapshot reads all arrive on one
// channel, so transitions are totally ordered per user and no lock is held
// while broadcasting updates.
package presence

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/lodgepole/lodge/pkg/wire"
)

// Broadcaster delivers presence updates to workspace rooms.
type Broadcaster interface {
	Broadcast(ctx context.Context, rooms []wire.RoomID, env *wire.Envelope) error
}

// Config sets the tracker's timing policy.
type Config struct {
	// IdleAfter is how long without activity before online becomes idle.
	IdleAfter time.Duration
	// AwayAfter is how long without activity before idle becomes away.
	AwayAfter time.Duration
	// OfflineGrace is how long after the last connection drops before the
	// user is reported offline. A reconnect within the grace window causes
	// no transition at all.
	OfflineGrace time.Duration
	// StaleAfter is the age at which an entry is forced offline and removed
	// regardless of its recorded state.
	StaleAfter time.Duration
	// SweepInterval is how often thresholds are re-evaluated. Zero means 1s.
	SweepInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.IdleAfter == 0 {
		c.IdleAfter = 2 * time.Minute
	}
	if c.AwayAfter == 0 {
		c.AwayAfter = 10 * time.Minute
	}
	if c.OfflineGrace == 0 {
		c.OfflineGrace = 8 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 15 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Second
	}
}

// Entry is one user's presence as seen in a snapshot.
type Entry struct {
	UserID      string              `json:"user_id"`
	UserName    string              `json:"user_name,omitempty"`
	WorkspaceID string              `json:"workspace_id"`
	Status      wire.PresenceStatus `json:"status"`
	ProjectID   string              `json:"project_id,omitempty"`
	TaskID      string              `json:"task_id,omitempty"`
	LastSeen    time.Time           `json:"last_seen"`
}

type eventKind int

const (
	evConnected eventKind = iota
	evDisconnected
	evActivity
	evSetStatus
	evSetLocation
	evSnapshot

	// Envelope-fed variants of the above. They apply remote state without
	// re-broadcasting, so two trackers feeding each other never echo.
	evEnvelopeJoined
	evEnvelopeLeft
	evEnvelopeUpdate
)

type event struct {
	kind        eventKind
	userID      string
	userName    string
	workspaceID string
	status      wire.PresenceStatus
	projectID   string
	taskID      string
	reply       chan []Entry
}

// userState is the loop-owned record for one user.
type userState struct {
	userName     string
	workspaceID  string
	status       wire.PresenceStatus
	projectID    string
	taskID       string
	lastActivity time.Time
	connections  int
	// manual marks a status the user picked (busy); the idle/away sweeps
	// leave it alone until the user acts again.
	manual       bool
	disconnected time.Time
}

// Tracker derives presence for every user in every workspace. It implements
// the hub's PresenceNotifier.
type Tracker struct {
	cfg       Config
	b         Broadcaster
	events    chan event
	now       func() time.Time
	users     map[string]*userState // owned by Run
}

// NewTracker creates a tracker that publishes updates through b. A nil b
// tracks silently, which tests use.
func NewTracker(cfg Config, b Broadcaster) *Tracker {
	cfg.applyDefaults()
	return &Tracker{
		cfg:    cfg,
		b:      b,
		events: make(chan event, 256),
		now:    time.Now,
		users:  make(map[string]*userState),
	}
}

// Run processes presence events until the context is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.events:
			t.handle(ctx, ev)
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Connected records a new connection for the user. Implements the hub's
// PresenceNotifier; never blocks.
func (t *Tracker) Connected(userID, userName, workspaceID string) {
	t.post(event{kind: evConnected, userID: userID, userName: userName, workspaceID: workspaceID})
}

// Disconnected records a dropped connection. The user goes offline only
// after the grace window passes with no reconnect.
func (t *Tracker) Disconnected(userID string) {
	t.post(event{kind: evDisconnected, userID: userID})
}

// Activity marks the user as active now. An idle or away user snaps back to
// online; a manually set status is left alone.
func (t *Tracker) Activity(userID string) {
	t.post(event{kind: evActivity, userID: userID})
}

// SetStatus applies a status the user picked. Busy sticks until the user
// changes it; online hands control back to the activity thresholds.
func (t *Tracker) SetStatus(userID string, status wire.PresenceStatus) error {
	if err := status.Validate(); err != nil {
		return err
	}
	t.post(event{kind: evSetStatus, userID: userID, status: status})
	return nil
}

// SetLocation records which project and task the user is looking at.
func (t *Tracker) SetLocation(userID, projectID, taskID string) {
	t.post(event{kind: evSetLocation, userID: userID, projectID: projectID, taskID: taskID})
}

// OnEnvelope folds a presence-bearing envelope into the tracker: user_joined
// marks the user online, user_left arms the offline grace timer, and
// presence_update applies the carried status and location. Other envelope
// types are ignored. Feeding a tracker from a room registry (or the Redis
// bridge) converges it on the same view the originating process holds.
func (t *Tracker) OnEnvelope(env *wire.Envelope) {
	workspaceID := envelopeWorkspace(env.RoomID)
	switch p := env.Data.(type) {
	case wire.UserJoinedPayload:
		if workspaceID == "" {
			workspaceID = envelopeWorkspace(p.RoomID)
		}
		if workspaceID == "" {
			return
		}
		t.post(event{kind: evEnvelopeJoined, userID: p.UserID, userName: p.UserName, workspaceID: workspaceID})
	case wire.UserLeftPayload:
		t.post(event{kind: evEnvelopeLeft, userID: p.UserID})
	case wire.PresenceUpdatePayload:
		if workspaceID == "" {
			return
		}
		t.post(event{
			kind:        evEnvelopeUpdate,
			userID:      p.UserID,
			userName:    p.UserName,
			workspaceID: workspaceID,
			status:      p.Status,
			projectID:   p.ProjectID,
			taskID:      p.TaskID,
		})
	}
}

// envelopeWorkspace extracts the workspace id from a workspace room id, or ""
// for project and task rooms, whose envelopes carry no workspace of their own.
func envelopeWorkspace(room wire.RoomID) string {
	rt, entity, err := room.Parse()
	if err != nil || rt != wire.RoomTypeWorkspace {
		return ""
	}
	return entity
}

// Snapshot returns a copy of the workspace's presence, sorted by user id.
func (t *Tracker) Snapshot(ctx context.Context, workspaceID string) ([]Entry, error) {
	reply := make(chan []Entry, 1)
	select {
	case t.events <- event{kind: evSnapshot, workspaceID: workspaceID, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case entries := <-reply:
		return entries, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Tracker) post(ev event) {
	select {
	case t.events <- ev:
	default:
		log.Printf("[Presence] event queue full, dropping %d event for user %s", ev.kind, ev.userID)
	}
}

func (t *Tracker) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evConnected:
		t.handleConnected(ctx, ev)
	case evDisconnected:
		t.handleDisconnected(ev)
	case evActivity:
		t.handleActivity(ctx, ev)
	case evSetStatus:
		t.handleSetStatus(ctx, ev)
	case evSetLocation:
		t.handleSetLocation(ctx, ev)
	case evSnapshot:
		ev.reply <- t.snapshot(ev.workspaceID)
	case evEnvelopeJoined:
		t.handleEnvelopeJoined(ev)
	case evEnvelopeLeft:
		t.handleEnvelopeLeft(ev)
	case evEnvelopeUpdate:
		t.handleEnvelopeUpdate(ev)
	}
}

func (t *Tracker) handleConnected(ctx context.Context, ev event) {
	u, ok := t.users[ev.userID]
	if !ok {
		u = &userState{workspaceID: ev.workspaceID, status: wire.StatusOffline}
		t.users[ev.userID] = u
	}
	u.userName = ev.userName
	u.workspaceID = ev.workspaceID
	u.connections++
	u.disconnected = time.Time{}
	u.lastActivity = t.now()
	if u.status == wire.StatusOffline {
		u.status = wire.StatusOnline
		u.manual = false
		t.publish(ctx, ev.userID, u)
	}
}

func (t *Tracker) handleDisconnected(ev event) {
	u, ok := t.users[ev.userID]
	if !ok {
		return
	}
	u.connections--
	if u.connections <= 0 {
		u.connections = 0
		u.disconnected = t.now()
	}
}

func (t *Tracker) handleActivity(ctx context.Context, ev event) {
	u, ok := t.users[ev.userID]
	if !ok {
		return
	}
	u.lastActivity = t.now()
	if !u.manual && u.status != wire.StatusOnline && u.status != wire.StatusOffline {
		u.status = wire.StatusOnline
		t.publish(ctx, ev.userID, u)
	}
}

func (t *Tracker) handleSetStatus(ctx context.Context, ev event) {
	u, ok := t.users[ev.userID]
	if !ok {
		return
	}
	u.manual = ev.status != wire.StatusOnline
	u.lastActivity = t.now()
	if u.status != ev.status {
		u.status = ev.status
		t.publish(ctx, ev.userID, u)
	}
}

func (t *Tracker) handleSetLocation(ctx context.Context, ev event) {
	u, ok := t.users[ev.userID]
	if !ok {
		return
	}
	if u.projectID == ev.projectID && u.taskID == ev.taskID {
		return
	}
	u.projectID = ev.projectID
	u.taskID = ev.taskID
	t.publish(ctx, ev.userID, u)
}

func (t *Tracker) handleEnvelopeJoined(ev event) {
	u, ok := t.users[ev.userID]
	if !ok {
		u = &userState{workspaceID: ev.workspaceID, status: wire.StatusOffline}
		t.users[ev.userID] = u
	}
	if ev.userName != "" {
		u.userName = ev.userName
	}
	u.workspaceID = ev.workspaceID
	u.disconnected = time.Time{}
	u.lastActivity = t.now()
	if u.status == wire.StatusOffline {
		u.status = wire.StatusOnline
		u.manual = false
	}
}

func (t *Tracker) handleEnvelopeLeft(ev event) {
	u, ok := t.users[ev.userID]
	if !ok {
		return
	}
	// A live local connection outranks a remote leave announcement.
	if u.connections > 0 {
		return
	}
	if u.disconnected.IsZero() {
		u.disconnected = t.now()
	}
}

func (t *Tracker) handleEnvelopeUpdate(ev event) {
	if ev.status.Validate() != nil {
		return
	}
	u, ok := t.users[ev.userID]
	if !ok {
		u = &userState{workspaceID: ev.workspaceID}
		t.users[ev.userID] = u
	}
	if ev.userName != "" {
		u.userName = ev.userName
	}
	u.workspaceID = ev.workspaceID
	u.status = ev.status
	u.manual = ev.status == wire.StatusBusy
	u.projectID = ev.projectID
	u.taskID = ev.taskID
	u.lastActivity = t.now()
	if ev.status == wire.StatusOffline {
		if u.disconnected.IsZero() {
			u.disconnected = t.now()
		}
	} else {
		u.disconnected = time.Time{}
	}
}

// sweep applies the time-based transitions: idle, away, the offline grace
// window and stale-entry cleanup.
func (t *Tracker) sweep(ctx context.Context) {
	now := t.now()
	for userID, u := range t.users {
		// Offline entries linger until stale so snapshots can show them.
		if u.status == wire.StatusOffline {
			if now.Sub(u.lastActivity) >= t.cfg.StaleAfter {
				delete(t.users, userID)
			}
			continue
		}

		// Entries this old are leftovers from lost disconnects. Force them
		// offline rather than showing a ghost as present.
		if now.Sub(u.lastActivity) >= t.cfg.StaleAfter {
			u.status = wire.StatusOffline
			t.publish(ctx, userID, u)
			delete(t.users, userID)
			continue
		}

		if u.connections == 0 {
			if !u.disconnected.IsZero() && now.Sub(u.disconnected) >= t.cfg.OfflineGrace {
				u.status = wire.StatusOffline
				u.manual = false
				t.publish(ctx, userID, u)
			}
			continue
		}

		if u.manual {
			continue
		}
		idle := now.Sub(u.lastActivity)
		switch {
		case idle >= t.cfg.AwayAfter && u.status != wire.StatusAway:
			u.status = wire.StatusAway
			t.publish(ctx, userID, u)
		case idle >= t.cfg.IdleAfter && idle < t.cfg.AwayAfter && u.status == wire.StatusOnline:
			u.status = wire.StatusIdle
			t.publish(ctx, userID, u)
		}
	}
}

func (t *Tracker) snapshot(workspaceID string) []Entry {
	entries := make([]Entry, 0, len(t.users))
	for userID, u := range t.users {
		if u.workspaceID != workspaceID {
			continue
		}
		entries = append(entries, Entry{
			UserID:      userID,
			UserName:    u.userName,
			WorkspaceID: u.workspaceID,
			Status:      u.status,
			ProjectID:   u.projectID,
			TaskID:      u.taskID,
			LastSeen:    u.lastActivity,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries
}

func (t *Tracker) publish(ctx context.Context, userID string, u *userState) {
	if t.b == nil {
		return
	}
	env := wire.NewEnvelope(wire.PresenceUpdatePayload{
		UserID:    userID,
		UserName:  u.userName,
		Status:    u.status,
		ProjectID: u.projectID,
		TaskID:    u.taskID,
		LastSeen:  u.lastActivity,
	})
	room := wire.WorkspaceRoom(u.workspaceID)
	env.RoomID = room
	env.UserID = userID
	if err := t.b.Broadcast(ctx, []wire.RoomID{room}, env); err != nil {
		log.Printf("[Presence] failed to broadcast update for user %s: %v", userID, err)
	}
}
