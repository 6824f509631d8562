package wire

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 3, 10, 30, 0, 0, time.UTC)

	payloads := []Payload{
		MessagePayload{
			Action:      ActionStatusChanged,
			Actor:       "Dana",
			Entity:      "Fix login flow",
			ProjectID:   "p1",
			WorkspaceID: "w1",
			Detail:      map[string]string{"from": "todo", "to": "in_progress"},
		},
		UserJoinedPayload{UserID: "u1", UserName: "Dana", RoomID: WorkspaceRoom("w1")},
		UserLeftPayload{UserID: "u1", RoomID: WorkspaceRoom("w1")},
		UserTypingPayload{UserID: "u1", RoomID: TaskRoom("t9"), IsTyping: true},
		NotificationPayload{
			ID:        uuid.New().String(),
			Kind:      NotifTaskAssigned,
			Priority:  PriorityHigh,
			Title:     "Task assigned",
			Message:   "Dana assigned you a task",
			CreatedAt: now,
		},
		PresenceUpdatePayload{UserID: "u2", Status: StatusOnline, ProjectID: "p1", LastSeen: now},
		ErrorPayload{Code: "room_unauthorized", Message: "access denied", RoomID: ProjectRoom("p2")},
		InitPayload{WorkspaceID: "w1", UserInfo: map[string]string{"name": "Dana"}},
		JoinRoomPayload{RoomID: ProjectRoom("p1"), RoomType: RoomTypeProject},
		LeaveRoomPayload{RoomID: ProjectRoom("p1")},
		TypingPayload{RoomID: TaskRoom("t9"), IsTyping: false},
	}

	for _, payload := range payloads {
		t.Run(string(payload.MessageType()), func(t *testing.T) {
			env := NewEnvelope(payload)
			env.Timestamp = now
			env.RoomID = WorkspaceRoom("w1")
			env.UserID = "u1"

			data, err := env.Encode()
			require.NoError(t, err)

			decoded, err := Decode(data)
			require.NoError(t, err)
			require.Equal(t, env.ID, decoded.ID)
			require.Equal(t, env.Type, decoded.Type)
			require.True(t, env.Timestamp.Equal(decoded.Timestamp))
			require.Equal(t, env.RoomID, decoded.RoomID)
			require.Equal(t, env.UserID, decoded.UserID)
			require.Equal(t, env.Data, decoded.Data)
		})
	}
}

func TestEnvelopeRoundTrip_OptionalFieldsOmitted(t *testing.T) {
	env := NewEnvelope(UserLeftPayload{UserID: "u1"})
	env.Timestamp = time.Time{}

	data, err := env.Encode()
	require.NoError(t, err)
	require.NotContains(t, string(data), "timestamp")
	require.NotContains(t, string(data), "room_id")

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.True(t, decoded.Timestamp.IsZero())
	require.Empty(t, decoded.RoomID)
	require.Equal(t, env.Data, decoded.Data)
}

func TestDecode_UnknownTypeDropped(t *testing.T) {
	_, err := Decode([]byte(`{"type":"ai_suggestion","data":{"hint":"x"}}`))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":"message",`))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecode_PayloadValidation(t *testing.T) {
	t.Run("notification without id is rejected", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":"notification","data":{"kind":"mention","title":"hi"}}`))
		require.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("presence with unknown status is rejected", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":"presence_update","data":{"user_id":"u1","status":"sleeping"}}`))
		require.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("join_room with mismatched type is rejected", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":"join_room","data":{"room_id":"project:p1","room_type":"task"}}`))
		require.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("envelope without payload is valid", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"user_typing"}`))
		require.NoError(t, err)
		require.Nil(t, env.Data)
	})
}

func TestValidate_PayloadTypeMismatch(t *testing.T) {
	env := &Envelope{
		Type: TypeNotification,
		Data: UserJoinedPayload{UserID: "u1"},
	}
	err := env.Validate()
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestRoomID(t *testing.T) {
	t.Run("parse round trip", func(t *testing.T) {
		room := NewRoomID(RoomTypeProject, "p42")
		rt, entity, err := room.Parse()
		require.NoError(t, err)
		require.Equal(t, RoomTypeProject, rt)
		require.Equal(t, "p42", entity)
	})

	t.Run("rejects unknown scope", func(t *testing.T) {
		require.Error(t, RoomID("galaxy:g1").Validate())
	})

	t.Run("rejects missing entity", func(t *testing.T) {
		require.Error(t, RoomID("workspace:").Validate())
		require.Error(t, RoomID("workspace").Validate())
	})
}

func TestDefaultPriority(t *testing.T) {
	require.Equal(t, PriorityCritical, DefaultPriority(NotifTaskOverdue))
	require.Equal(t, PriorityHigh, DefaultPriority(NotifMention))
	require.Equal(t, PriorityMedium, DefaultPriority(NotifCommentAdded))
	require.Equal(t, PriorityLow, DefaultPriority(NotifProjectUpdate))
}

func TestMessageTypeValidate(t *testing.T) {
	for _, mt := range []MessageType{
		TypeMessage, TypeUserJoined, TypeUserLeft, TypeUserTyping,
		TypeNotification, TypePresenceUpdate, TypeError,
		TypeInit, TypeJoinRoom, TypeLeaveRoom, TypeTyping,
	} {
		require.NoError(t, mt.Validate())
	}
	require.ErrorIs(t, MessageType("bogus").Validate(), ErrUnknownType)
}
