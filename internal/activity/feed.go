// Package activity maintains bounded, newest-first timelines of domain
// change events, one per project and one per workspace.
package activity

import (
	"fmt"
	"sync"
	"time"

	"github.com/lodgepole/lodge/pkg/wire"
)

// Item is one recorded domain change.
type Item struct {
	ID          string
	Action      wire.ActivityAction
	Actor       string
	Entity      string
	ProjectID   string
	WorkspaceID string
	Detail      map[string]string
	Timestamp   time.Time
}

// Feed keeps independent timelines per project and per workspace. Each
// timeline holds at most cap items; older items fall off the end. Reads
// return copies.
type Feed struct {
	mu         sync.Mutex
	cap        int
	projects   map[string][]Item
	workspaces map[string][]Item
}

// NewFeed creates a feed retaining at most capacity items per timeline.
// Zero or negative means 200.
func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = 200
	}
	return &Feed{
		cap:        capacity,
		projects:   make(map[string][]Item),
		workspaces: make(map[string][]Item),
	}
}

// OnEnvelope feeds a message envelope carrying a domain change into the
// feed. Chat content without an action, and envelopes of other types, are
// ignored, so it can sit on a global listener.
func (f *Feed) OnEnvelope(env *wire.Envelope) {
	payload, ok := env.Data.(wire.MessagePayload)
	if !ok || payload.Action == "" {
		return
	}
	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_ = f.OnItem(Item{
		ID:          env.ID,
		Action:      payload.Action,
		Actor:       payload.Actor,
		Entity:      payload.Entity,
		ProjectID:   payload.ProjectID,
		WorkspaceID: payload.WorkspaceID,
		Detail:      payload.Detail,
		Timestamp:   ts,
	})
}

// OnItem records an item on the timelines its scope ids name. An item with
// both a project and a workspace id lands on both timelines.
func (f *Feed) OnItem(item Item) error {
	if err := item.Action.Validate(); err != nil {
		return err
	}
	if item.ProjectID == "" && item.WorkspaceID == "" {
		return fmt.Errorf("activity item needs a project or workspace id")
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now().UTC()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if item.ProjectID != "" {
		f.projects[item.ProjectID] = prepend(f.projects[item.ProjectID], item, f.cap)
	}
	if item.WorkspaceID != "" {
		f.workspaces[item.WorkspaceID] = prepend(f.workspaces[item.WorkspaceID], item, f.cap)
	}
	return nil
}

// prepend puts item at the front and trims to limit.
func prepend(timeline []Item, item Item, limit int) []Item {
	timeline = append(timeline, Item{})
	copy(timeline[1:], timeline)
	timeline[0] = item
	if len(timeline) > limit {
		timeline = timeline[:limit]
	}
	return timeline
}

// Query returns up to limit items for a scope, newest first. The scope is a
// project or workspace room id; limit <= 0 means everything retained.
func (f *Feed) Query(scope wire.RoomID, limit int) ([]Item, error) {
	roomType, entityID, err := scope.Parse()
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var timeline []Item
	switch roomType {
	case wire.RoomTypeProject:
		timeline = f.projects[entityID]
	case wire.RoomTypeWorkspace:
		timeline = f.workspaces[entityID]
	default:
		return nil, fmt.Errorf("no activity timeline for %s rooms", roomType)
	}

	n := len(timeline)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Item, n)
	copy(out, timeline[:n])
	return out, nil
}
