// Package wire defines the envelope format shared by every component of the
// Lodge realtime hub. An envelope is the single unit of traffic on the wire:
// a message type, a typed payload, and routing metadata (room and user ids).
//
// Payloads are a tagged union keyed by the envelope type. Decoding validates
// the variant at the boundary, so downstream consumers never see an envelope
// whose payload does not match its type.
package wire

import (
	"fmt"
	"strings"
)

// MessageType identifies the payload variant carried by an envelope.
type MessageType string

const (
	// Server → client event types.

	// TypeMessage carries a domain change event emitted by the record layer
	// (task created, status changed, member joined, ...).
	TypeMessage MessageType = "message"

	// TypeUserJoined announces a user joining a room.
	TypeUserJoined MessageType = "user_joined"

	// TypeUserLeft announces a user leaving a room.
	TypeUserLeft MessageType = "user_left"

	// TypeUserTyping relays a typing indicator within a room.
	TypeUserTyping MessageType = "user_typing"

	// TypeNotification delivers a user-facing notification.
	TypeNotification MessageType = "notification"

	// TypePresenceUpdate reports a change to a user's presence status.
	TypePresenceUpdate MessageType = "presence_update"

	// TypeError reports a room-scoped or connection-scoped failure.
	TypeError MessageType = "error"

	// Client → server control types.

	// TypeInit is the first message on a fresh connection; it names the
	// workspace the client is joining.
	TypeInit MessageType = "init"

	// TypeJoinRoom registers interest in a room.
	TypeJoinRoom MessageType = "join_room"

	// TypeLeaveRoom withdraws interest in a room.
	TypeLeaveRoom MessageType = "leave_room"

	// TypeTyping signals the sending user's typing state for a room.
	TypeTyping MessageType = "typing"
)

// Validate checks if the MessageType is a known enum value.
func (t MessageType) Validate() error {
	switch t {
	case TypeMessage, TypeUserJoined, TypeUserLeft, TypeUserTyping,
		TypeNotification, TypePresenceUpdate, TypeError,
		TypeInit, TypeJoinRoom, TypeLeaveRoom, TypeTyping:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, string(t))
	}
}

// RoomType classifies a broadcast scope.
type RoomType string

const (
	RoomTypeWorkspace RoomType = "workspace"
	RoomTypeProject   RoomType = "project"
	RoomTypeTask      RoomType = "task"
)

// Validate checks if the RoomType is a known enum value.
func (rt RoomType) Validate() error {
	switch rt {
	case RoomTypeWorkspace, RoomTypeProject, RoomTypeTask:
		return nil
	default:
		return fmt.Errorf("unknown room type: %q", string(rt))
	}
}

// RoomID names a broadcast scope: "workspace:{id}", "project:{id}" or
// "task:{id}".
type RoomID string

// NewRoomID builds a room id from a room type and an entity id.
func NewRoomID(rt RoomType, entityID string) RoomID {
	return RoomID(string(rt) + ":" + entityID)
}

// WorkspaceRoom returns the room id for a workspace.
func WorkspaceRoom(workspaceID string) RoomID {
	return NewRoomID(RoomTypeWorkspace, workspaceID)
}

// ProjectRoom returns the room id for a project.
func ProjectRoom(projectID string) RoomID {
	return NewRoomID(RoomTypeProject, projectID)
}

// TaskRoom returns the room id for a task.
func TaskRoom(taskID string) RoomID {
	return NewRoomID(RoomTypeTask, taskID)
}

// Parse splits the room id into its type and entity id.
func (r RoomID) Parse() (RoomType, string, error) {
	kind, entity, ok := strings.Cut(string(r), ":")
	if !ok || entity == "" {
		return "", "", fmt.Errorf("malformed room id: %q", string(r))
	}
	rt := RoomType(kind)
	if err := rt.Validate(); err != nil {
		return "", "", fmt.Errorf("malformed room id %q: %w", string(r), err)
	}
	return rt, entity, nil
}

// Validate checks that the room id is well formed.
func (r RoomID) Validate() error {
	_, _, err := r.Parse()
	return err
}

// Type returns the room's type, or "" if the id is malformed.
func (r RoomID) Type() RoomType {
	rt, _, err := r.Parse()
	if err != nil {
		return ""
	}
	return rt
}

// PresenceStatus is a user's live status within a workspace.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusBusy    PresenceStatus = "busy"
	StatusIdle    PresenceStatus = "idle"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

// Validate checks if the PresenceStatus is a known enum value.
func (s PresenceStatus) Validate() error {
	switch s {
	case StatusOnline, StatusBusy, StatusIdle, StatusAway, StatusOffline:
		return nil
	default:
		return fmt.Errorf("unknown presence status: %q", string(s))
	}
}

// NotificationKind classifies a notification.
type NotificationKind string

const (
	NotifTaskAssigned  NotificationKind = "task_assigned"
	NotifTaskDueSoon   NotificationKind = "task_due_soon"
	NotifTaskOverdue   NotificationKind = "task_overdue"
	NotifTaskCompleted NotificationKind = "task_completed"
	NotifCommentAdded  NotificationKind = "comment_added"
	NotifMention       NotificationKind = "mention"
	NotifProjectUpdate NotificationKind = "project_update"
	NotifSprintUpdate  NotificationKind = "sprint_update"
	NotifSystem        NotificationKind = "system"
)

// Validate checks if the NotificationKind is a known enum value.
func (k NotificationKind) Validate() error {
	switch k {
	case NotifTaskAssigned, NotifTaskDueSoon, NotifTaskOverdue,
		NotifTaskCompleted, NotifCommentAdded, NotifMention,
		NotifProjectUpdate, NotifSprintUpdate, NotifSystem:
		return nil
	default:
		return fmt.Errorf("unknown notification kind: %q", string(k))
	}
}

// Priority ranks a notification's urgency.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Validate checks if the Priority is a known enum value.
func (p Priority) Validate() error {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return nil
	default:
		return fmt.Errorf("unknown priority: %q", string(p))
	}
}

// DefaultPriority returns the priority used when a notification arrives
// without one.
func DefaultPriority(kind NotificationKind) Priority {
	switch kind {
	case NotifTaskOverdue, NotifSystem:
		return PriorityCritical
	case NotifTaskAssigned, NotifMention:
		return PriorityHigh
	case NotifTaskDueSoon, NotifCommentAdded:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// ActivityAction is the kind of domain change an activity item records.
type ActivityAction string

const (
	ActionCreated         ActivityAction = "created"
	ActionCompleted       ActivityAction = "completed"
	ActionUpdated         ActivityAction = "updated"
	ActionCommented       ActivityAction = "commented"
	ActionAssigned        ActivityAction = "assigned"
	ActionEdited          ActivityAction = "edited"
	ActionDeleted         ActivityAction = "deleted"
	ActionMoved           ActivityAction = "moved"
	ActionStatusChanged   ActivityAction = "status_changed"
	ActionScheduled       ActivityAction = "scheduled"
	ActionPriorityChanged ActivityAction = "priority_changed"
)

// Validate checks if the ActivityAction is a known enum value.
func (a ActivityAction) Validate() error {
	switch a {
	case ActionCreated, ActionCompleted, ActionUpdated, ActionCommented,
		ActionAssigned, ActionEdited, ActionDeleted, ActionMoved,
		ActionStatusChanged, ActionScheduled, ActionPriorityChanged:
		return nil
	default:
		return fmt.Errorf("unknown activity action: %q", string(a))
	}
}
