package hub

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lodgepole/lodge/pkg/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 65536
)

// ErrRoomUnauthorized is returned by a RoomAuthorizer when the user may not
// join the requested room. The session reports it to the client as a
// room-scoped error envelope; the connection stays open.
var ErrRoomUnauthorized = errors.New("room unauthorized")

// RoomAuthorizer decides whether a user may join a room.
type RoomAuthorizer interface {
	Authorize(ctx context.Context, userID string, room wire.RoomID) error
}

// AllowAll authorizes every join. Used in tests and single-tenant setups.
type AllowAll struct{}

// Authorize always succeeds.
func (AllowAll) Authorize(ctx context.Context, userID string, room wire.RoomID) error {
	return nil
}

// PresenceNotifier receives connection lifecycle events for presence
// tracking. All methods must be non-blocking.
type PresenceNotifier interface {
	Connected(userID, userName, workspaceID string)
	Disconnected(userID string)
	Activity(userID string)
}

// Relay publishes an envelope to hub processes other than this one.
type Relay interface {
	Publish(ctx context.Context, rooms []wire.RoomID, env *wire.Envelope) error
}

// Session is one authenticated WebSocket connection. The read pump handles
// the client's control messages; the write pump drains the send queue and
// keeps the heartbeat alive. All room membership lives in the hub.
type Session struct {
	id          string
	userID      string
	userName    string
	workspaceID string

	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	authorize RoomAuthorizer
	presence  PresenceNotifier
	relay     Relay

	// closed is owned by the hub event loop.
	closed bool
}

// newSession wires a session for an upgraded connection. queueSize bounds the
// outbound buffer; a full buffer drops messages rather than blocking the hub.
func newSession(h *Hub, conn *websocket.Conn, userID, userName, workspaceID string, queueSize int, authorize RoomAuthorizer, presence PresenceNotifier, relay Relay) *Session {
	if authorize == nil {
		authorize = AllowAll{}
	}
	return &Session{
		id:          uuid.New().String(),
		userID:      userID,
		userName:    userName,
		workspaceID: workspaceID,
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, queueSize),
		authorize:   authorize,
		presence:    presence,
		relay:       relay,
	}
}

// enqueue hands an encoded envelope to the write pump without blocking.
// Called only from the hub event loop.
func (s *Session) enqueue(data []byte) {
	select {
	case s.send <- data:
	default:
		log.Printf("[Hub] session %s send queue full, dropping message", s.id)
	}
}

// readPump pumps control messages from the connection into the hub. It blocks
// until the connection drops, then unregisters the session.
func (s *Session) readPump(ctx context.Context) {
	defer func() {
		s.hub.Unregister(s)
		s.conn.Close()
		if s.presence != nil {
			s.presence.Disconnected(s.userID)
		}
		s.announceLeave(ctx)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[Hub] session %s read error: %v", s.id, err)
			}
			return
		}

		env, err := wire.Decode(message)
		if err != nil {
			// Unknown and malformed messages are dropped, never fatal.
			log.Printf("[Hub] session %s dropped message: %v", s.id, err)
			continue
		}

		if s.presence != nil {
			s.presence.Activity(s.userID)
		}
		s.handleEnvelope(ctx, env)
	}
}

// writePump drains the send queue to the connection and pings on an interval.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel, e.g. a newer connection for the
				// same user superseded this one.
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) handleEnvelope(ctx context.Context, env *wire.Envelope) {
	switch payload := env.Data.(type) {
	case wire.JoinRoomPayload:
		s.handleJoin(ctx, payload.RoomID)
	case wire.LeaveRoomPayload:
		s.handleLeave(ctx, payload.RoomID)
	case wire.TypingPayload:
		s.handleTyping(ctx, payload)
	default:
		log.Printf("[Hub] session %s sent unexpected %s message, dropping", s.id, env.Type)
	}
}

func (s *Session) handleJoin(ctx context.Context, room wire.RoomID) {
	if err := s.authorize.Authorize(ctx, s.userID, room); err != nil {
		s.sendError("room_unauthorized", "you do not have access to this room", room)
		return
	}
	s.hub.Join(s, room)

	env := wire.NewEnvelope(wire.UserJoinedPayload{
		UserID:   s.userID,
		UserName: s.userName,
		RoomID:   room,
	})
	env.RoomID = room
	env.UserID = s.userID
	s.publish(ctx, []wire.RoomID{room}, env)
}

func (s *Session) handleLeave(ctx context.Context, room wire.RoomID) {
	s.hub.Leave(s, room)

	env := wire.NewEnvelope(wire.UserLeftPayload{UserID: s.userID, RoomID: room})
	env.RoomID = room
	env.UserID = s.userID
	s.publish(ctx, []wire.RoomID{room}, env)
}

func (s *Session) handleTyping(ctx context.Context, payload wire.TypingPayload) {
	env := wire.NewEnvelope(wire.UserTypingPayload{
		UserID:   s.userID,
		UserName: s.userName,
		RoomID:   payload.RoomID,
		IsTyping: payload.IsTyping,
	})
	env.RoomID = payload.RoomID
	env.UserID = s.userID
	s.publish(ctx, []wire.RoomID{payload.RoomID}, env)
}

// announceLeave tells the workspace the user's connection is gone.
func (s *Session) announceLeave(ctx context.Context) {
	room := wire.WorkspaceRoom(s.workspaceID)
	env := wire.NewEnvelope(wire.UserLeftPayload{UserID: s.userID, RoomID: room})
	env.RoomID = room
	env.UserID = s.userID
	s.publish(ctx, []wire.RoomID{room}, env)
}

// publish fans an event out to local room members (minus this session) and,
// when a relay is configured, to the other hub processes.
func (s *Session) publish(ctx context.Context, rooms []wire.RoomID, env *wire.Envelope) {
	if err := s.hub.BroadcastExcept(ctx, rooms, env, s.id); err != nil {
		log.Printf("[Hub] session %s local broadcast failed: %v", s.id, err)
		return
	}
	if s.relay != nil {
		if err := s.relay.Publish(ctx, rooms, env); err != nil {
			log.Printf("[Hub] session %s relay publish failed: %v", s.id, err)
		}
	}
}

// sendError delivers a room-scoped error envelope to this session only.
func (s *Session) sendError(code, message string, room wire.RoomID) {
	env := wire.NewEnvelope(wire.ErrorPayload{Code: code, Message: message, RoomID: room})
	data, err := env.Encode()
	if err != nil {
		log.Printf("[Hub] session %s failed to encode error envelope: %v", s.id, err)
		return
	}
	s.hub.sendTo(s.id, data)
}
