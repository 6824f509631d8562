package wire

import (
	"fmt"
	"time"
)

// Payload is the tagged-union variant carried in an envelope's data field.
// Each variant knows which MessageType it belongs to and can validate itself.
type Payload interface {
	MessageType() MessageType
	Validate() error
}

// MessagePayload carries a domain change event emitted by the record layer.
// Content may hold free-form text (e.g. a chat line); Action is set for
// structured domain events consumed by the activity feed.
type MessagePayload struct {
	Action      ActivityAction    `json:"action,omitempty"`
	Actor       string            `json:"actor,omitempty"`
	Entity      string            `json:"entity,omitempty"`
	ProjectID   string            `json:"project_id,omitempty"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	Detail      map[string]string `json:"detail,omitempty"`
	Content     string            `json:"content,omitempty"`
}

func (MessagePayload) MessageType() MessageType { return TypeMessage }

func (p MessagePayload) Validate() error {
	if p.Action == "" && p.Content == "" {
		return fmt.Errorf("message payload needs an action or content")
	}
	if p.Action != "" {
		if err := p.Action.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// UserJoinedPayload announces a user joining a room.
type UserJoinedPayload struct {
	UserID   string            `json:"user_id"`
	UserName string            `json:"user_name,omitempty"`
	RoomID   RoomID            `json:"room_id,omitempty"`
	UserInfo map[string]string `json:"user_info,omitempty"`
}

func (UserJoinedPayload) MessageType() MessageType { return TypeUserJoined }

func (p UserJoinedPayload) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("user_joined payload missing user_id")
	}
	return nil
}

// UserLeftPayload announces a user leaving a room.
type UserLeftPayload struct {
	UserID string `json:"user_id"`
	RoomID RoomID `json:"room_id,omitempty"`
}

func (UserLeftPayload) MessageType() MessageType { return TypeUserLeft }

func (p UserLeftPayload) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("user_left payload missing user_id")
	}
	return nil
}

// UserTypingPayload relays a typing indicator to room members.
type UserTypingPayload struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	RoomID   RoomID `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

func (UserTypingPayload) MessageType() MessageType { return TypeUserTyping }

func (p UserTypingPayload) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("user_typing payload missing user_id")
	}
	return p.RoomID.Validate()
}

// NotificationPayload delivers a notification to a user.
// The id is stable across redelivery so receivers can deduplicate.
type NotificationPayload struct {
	ID        string           `json:"id"`
	Kind      NotificationKind `json:"kind"`
	Priority  Priority         `json:"priority,omitempty"`
	Title     string           `json:"title"`
	Message   string           `json:"message,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

func (NotificationPayload) MessageType() MessageType { return TypeNotification }

func (p NotificationPayload) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("notification payload missing id")
	}
	if err := p.Kind.Validate(); err != nil {
		return err
	}
	if p.Priority != "" {
		if err := p.Priority.Validate(); err != nil {
			return err
		}
	}
	if p.Title == "" {
		return fmt.Errorf("notification payload missing title")
	}
	return nil
}

// PresenceUpdatePayload reports a user's presence status and location.
type PresenceUpdatePayload struct {
	UserID    string         `json:"user_id"`
	UserName  string         `json:"user_name,omitempty"`
	Status    PresenceStatus `json:"status"`
	ProjectID string         `json:"project_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	LastSeen  time.Time      `json:"last_seen,omitzero"`
}

func (PresenceUpdatePayload) MessageType() MessageType { return TypePresenceUpdate }

func (p PresenceUpdatePayload) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("presence_update payload missing user_id")
	}
	return p.Status.Validate()
}

// ErrorPayload reports a failure. RoomID scopes room-level errors (e.g. an
// unauthorized join); it is empty for connection-level errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomID  RoomID `json:"room_id,omitempty"`
}

func (ErrorPayload) MessageType() MessageType { return TypeError }

func (p ErrorPayload) Validate() error {
	if p.Code == "" {
		return fmt.Errorf("error payload missing code")
	}
	return nil
}

// InitPayload is the first client message on a fresh connection.
type InitPayload struct {
	WorkspaceID string            `json:"workspace_id"`
	UserInfo    map[string]string `json:"user_info,omitempty"`
}

func (InitPayload) MessageType() MessageType { return TypeInit }

func (p InitPayload) Validate() error {
	if p.WorkspaceID == "" {
		return fmt.Errorf("init payload missing workspace_id")
	}
	return nil
}

// JoinRoomPayload registers interest in a room.
type JoinRoomPayload struct {
	RoomID   RoomID   `json:"room_id"`
	RoomType RoomType `json:"room_type"`
}

func (JoinRoomPayload) MessageType() MessageType { return TypeJoinRoom }

func (p JoinRoomPayload) Validate() error {
	if err := p.RoomID.Validate(); err != nil {
		return err
	}
	if err := p.RoomType.Validate(); err != nil {
		return err
	}
	if p.RoomID.Type() != p.RoomType {
		return fmt.Errorf("room type %q does not match room id %q", p.RoomType, p.RoomID)
	}
	return nil
}

// LeaveRoomPayload withdraws interest in a room.
type LeaveRoomPayload struct {
	RoomID RoomID `json:"room_id"`
}

func (LeaveRoomPayload) MessageType() MessageType { return TypeLeaveRoom }

func (p LeaveRoomPayload) Validate() error {
	return p.RoomID.Validate()
}

// TypingPayload signals the sender's typing state for a room.
type TypingPayload struct {
	RoomID   RoomID `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

func (TypingPayload) MessageType() MessageType { return TypeTyping }

func (p TypingPayload) Validate() error {
	return p.RoomID.Validate()
}
