package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownType is returned when an envelope names a message type this
	// build does not know. Receivers drop such envelopes; they are never fatal.
	ErrUnknownType = errors.New("unknown message type")

	// ErrInvalidPayload is returned when an envelope's data field does not
	// decode into, or does not validate as, the variant its type requires.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Envelope is the wire unit. ID is stable across redelivery so receivers can
// deduplicate. Timestamp, RoomID and UserID are optional routing metadata.
type Envelope struct {
	ID        string      `json:"id,omitempty"`
	Type      MessageType `json:"type"`
	Data      Payload     `json:"-"`
	Timestamp time.Time   `json:"timestamp,omitzero"`
	RoomID    RoomID      `json:"room_id,omitempty"`
	UserID    string      `json:"user_id,omitempty"`
}

// envelopeJSON is the raw wire shape; Data stays undecoded until the type tag
// has been checked.
type envelopeJSON struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
	RoomID    RoomID          `json:"room_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
}

// NewEnvelope builds an envelope around a payload, stamping a fresh id and
// the current time. The envelope's type is derived from the payload variant.
func NewEnvelope(data Payload) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      data.MessageType(),
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks the type tag and, when a payload is present, that the
// payload variant matches the type and is itself valid.
func (e *Envelope) Validate() error {
	if err := e.Type.Validate(); err != nil {
		return err
	}
	if e.Data == nil {
		return nil
	}
	if e.Data.MessageType() != e.Type {
		return fmt.Errorf("%w: payload variant %q does not match envelope type %q",
			ErrInvalidPayload, e.Data.MessageType(), e.Type)
	}
	if err := e.Data.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	raw := envelopeJSON{
		ID:        e.ID,
		Type:      e.Type,
		Timestamp: e.Timestamp,
		RoomID:    e.RoomID,
		UserID:    e.UserID,
	}
	if e.Data != nil {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", e.Type, err)
		}
		raw.Data = data
	}
	return json.Marshal(raw)
}

// Decode parses and validates a wire envelope. Unknown types return
// ErrUnknownType and malformed payloads return ErrInvalidPayload; callers
// drop the message in both cases and keep the connection open.
func Decode(data []byte) (*Envelope, error) {
	var raw envelopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := raw.Type.Validate(); err != nil {
		return nil, err
	}

	e := &Envelope{
		ID:        raw.ID,
		Type:      raw.Type,
		Timestamp: raw.Timestamp,
		RoomID:    raw.RoomID,
		UserID:    raw.UserID,
	}
	if len(raw.Data) == 0 {
		return e, nil
	}

	payload, err := decodePayload(raw.Type, raw.Data)
	if err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	e.Data = payload
	return e, nil
}

// decodePayload picks the variant for the type tag.
func decodePayload(t MessageType, data json.RawMessage) (Payload, error) {
	var payload Payload
	switch t {
	case TypeMessage:
		payload = &MessagePayload{}
	case TypeUserJoined:
		payload = &UserJoinedPayload{}
	case TypeUserLeft:
		payload = &UserLeftPayload{}
	case TypeUserTyping:
		payload = &UserTypingPayload{}
	case TypeNotification:
		payload = &NotificationPayload{}
	case TypePresenceUpdate:
		payload = &PresenceUpdatePayload{}
	case TypeError:
		payload = &ErrorPayload{}
	case TypeInit:
		payload = &InitPayload{}
	case TypeJoinRoom:
		payload = &JoinRoomPayload{}
	case TypeLeaveRoom:
		payload = &LeaveRoomPayload{}
	case TypeTyping:
		payload = &TypingPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, string(t))
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return derefPayload(payload), nil
}

// derefPayload returns the value form so envelope payloads compare equal
// after a round trip.
func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *MessagePayload:
		return *v
	case *UserJoinedPayload:
		return *v
	case *UserLeftPayload:
		return *v
	case *UserTypingPayload:
		return *v
	case *NotificationPayload:
		return *v
	case *PresenceUpdatePayload:
		return *v
	case *ErrorPayload:
		return *v
	case *InitPayload:
		return *v
	case *JoinRoomPayload:
		return *v
	case *LeaveRoomPayload:
		return *v
	case *TypingPayload:
		return *v
	default:
		return p
	}
}
