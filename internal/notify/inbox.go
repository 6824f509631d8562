// Package notify aggregates notification envelopes into a per-user inbox:
// deduplicated, newest-first, bounded, with read tracking and the date
// grouping the notification panel renders.
package notify

import (
	"sync"
	"time"

	"github.com/lodgepole/lodge/pkg/wire"
)

// Notification is one inbox entry.
type Notification struct {
	wire.NotificationPayload
	Read       bool
	ReceivedAt time.Time
}

// Groups is the notification panel's view of the inbox.
type Groups struct {
	// New holds everything unread.
	New []Notification
	// Today, Yesterday and Earlier hold the read entries by calendar day.
	Today     []Notification
	Yesterday []Notification
	Earlier   []Notification
}

// Inbox collects notifications for one user. Mutations take the lock briefly
// and reads hand out copies, so consumers never observe a partial update.
type Inbox struct {
	mu    sync.Mutex
	cap   int
	items []Notification // newest first by CreatedAt
	seen  map[string]struct{}
	now   func() time.Time
}

// NewInbox creates an inbox retaining at most capacity entries. Zero or
// negative means 500.
func NewInbox(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = 500
	}
	return &Inbox{
		cap:  capacity,
		seen: make(map[string]struct{}),
		now:  time.Now,
	}
}

// OnEnvelope feeds a notification envelope into the inbox. Envelopes of any
// other type are ignored, so it can sit on a global listener.
func (in *Inbox) OnEnvelope(env *wire.Envelope) {
	payload, ok := env.Data.(wire.NotificationPayload)
	if !ok {
		return
	}
	in.Add(payload)
}

// Add inserts a notification. Redelivered ids are dropped: the first copy
// wins. Returns false when the notification was a duplicate or invalid.
func (in *Inbox) Add(p wire.NotificationPayload) bool {
	if err := p.Validate(); err != nil {
		return false
	}
	if p.Priority == "" {
		p.Priority = wire.DefaultPriority(p.Kind)
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if _, dup := in.seen[p.ID]; dup {
		return false
	}
	in.seen[p.ID] = struct{}{}

	n := Notification{NotificationPayload: p, ReceivedAt: in.now()}

	// Keep newest first even when redeliveries arrive out of order.
	pos := 0
	for pos < len(in.items) && in.items[pos].CreatedAt.After(p.CreatedAt) {
		pos++
	}
	in.items = append(in.items, Notification{})
	copy(in.items[pos+1:], in.items[pos:])
	in.items[pos] = n

	// Retention is policy, not an error: the oldest entry gives way.
	if len(in.items) > in.cap {
		evicted := in.items[len(in.items)-1]
		delete(in.seen, evicted.ID)
		in.items = in.items[:len(in.items)-1]
	}
	return true
}

// List returns up to limit notifications, newest first. limit <= 0 means all.
func (in *Inbox) List(limit int) []Notification {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := len(in.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Notification, n)
	copy(out, in.items[:n])
	return out
}

// MarkRead marks one notification as read. Returns false for unknown ids.
func (in *Inbox) MarkRead(id string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	for i := range in.items {
		if in.items[i].ID == id {
			in.items[i].Read = true
			return true
		}
	}
	return false
}

// MarkAllRead marks everything read and returns how many entries changed.
func (in *Inbox) MarkAllRead() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	changed := 0
	for i := range in.items {
		if !in.items[i].Read {
			in.items[i].Read = true
			changed++
		}
	}
	return changed
}

// UnreadCount returns the number of unread notifications.
func (in *Inbox) UnreadCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	count := 0
	for i := range in.items {
		if !in.items[i].Read {
			count++
		}
	}
	return count
}

// Len returns the number of retained notifications.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.items)
}

// Groups partitions the inbox the way the panel shows it: unread entries
// under New, read entries bucketed by calendar day relative to now. Order
// within each group stays newest first.
func (in *Inbox) Groups(now time.Time) Groups {
	items := in.List(0)

	var g Groups
	today := dayOf(now)
	yesterday := today.AddDate(0, 0, -1)
	for _, n := range items {
		switch {
		case !n.Read:
			g.New = append(g.New, n)
		case dayOf(n.CreatedAt.In(now.Location())).Equal(today):
			g.Today = append(g.Today, n)
		case dayOf(n.CreatedAt.In(now.Location())).Equal(yesterday):
			g.Yesterday = append(g.Yesterday, n)
		default:
			g.Earlier = append(g.Earlier, n)
		}
	}
	return g
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
