// Package hub implements the server side of the Lodge realtime layer: the
// room registry, per-connection sessions, the WebSocket endpoint, and the
// Redis bridge that fans envelopes out to other hub processes.
//
// All room and session state is owned by a single event-loop goroutine.
// Every mutation and query arrives on a channel, so no lock is held while
// fanning out to sessions and a slow receiver can never stall the loop.
package hub

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/lodgepole/lodge/pkg/wire"
)

// Broadcaster delivers an envelope to every member of the given rooms.
// A session subscribed to more than one of the rooms receives one copy.
type Broadcaster interface {
	Broadcast(ctx context.Context, rooms []wire.RoomID, env *wire.Envelope) error
}

// RoomStats summarizes a workspace's live connections.
type RoomStats struct {
	WorkspaceID string         `json:"workspace_id"`
	Sessions    int            `json:"sessions"`
	Users       []string       `json:"users"`
	Rooms       map[string]int `json:"rooms"` // room id -> member count
}

type joinRequest struct {
	session *Session
	room    wire.RoomID
}

type broadcastRequest struct {
	rooms   []wire.RoomID
	data    []byte
	exclude string // session id to skip, "" for none
}

type statsRequest struct {
	workspaceID string
	reply       chan RoomStats
}

type unicastRequest struct {
	sessionID string
	data      []byte
}

// Hub owns the room registry for one process. Sessions register when their
// connection completes the init handshake and unregister when the socket
// closes. Duplicate connections for the same user supersede the old one.
type Hub struct {
	register   chan *Session
	unregister chan *Session
	join       chan joinRequest
	leave      chan joinRequest
	broadcast  chan broadcastRequest
	unicast    chan unicastRequest
	stats      chan statsRequest
	quit       chan struct{}
	stopOnce   sync.Once

	// Owned by the Run goroutine. Never touched from outside.
	sessions map[string]*Session            // session id -> session
	users    map[string]*Session            // user id -> active session
	rooms    map[wire.RoomID]map[string]*Session
}

// New creates a hub. Call Run to start the event loop.
func New() *Hub {
	return &Hub{
		register:   make(chan *Session),
		unregister: make(chan *Session),
		join:       make(chan joinRequest),
		leave:      make(chan joinRequest),
		broadcast:  make(chan broadcastRequest, 256),
		unicast:    make(chan unicastRequest, 256),
		stats:      make(chan statsRequest),
		quit:       make(chan struct{}),
		sessions:   make(map[string]*Session),
		users:      make(map[string]*Session),
		rooms:      make(map[wire.RoomID]map[string]*Session),
	}
}

// Run processes hub events until Stop is called or the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	log.Printf("[Hub] event loop started")
	defer log.Printf("[Hub] event loop stopped")

	for {
		select {
		case s := <-h.register:
			h.handleRegister(s)
		case s := <-h.unregister:
			h.handleUnregister(s)
		case req := <-h.join:
			h.handleJoin(req.session, req.room)
		case req := <-h.leave:
			h.handleLeave(req.session, req.room)
		case req := <-h.broadcast:
			h.fanOut(req)
		case req := <-h.unicast:
			if s, ok := h.sessions[req.sessionID]; ok {
				s.enqueue(req.data)
			}
		case req := <-h.stats:
			req.reply <- h.collectStats(req.workspaceID)
		case <-ctx.Done():
			h.Stop() // unblocks senders parked on the request channels
			h.closeAll()
			return
		case <-h.quit:
			h.closeAll()
			return
		}
	}
}

// Stop shuts the event loop down and closes every session. Safe to call more
// than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// Register adds a session to the hub. If the user already has a session on
// this hub the old one is superseded and closed.
func (h *Hub) Register(s *Session) {
	select {
	case h.register <- s:
	case <-h.quit:
	}
}

// Unregister removes a session and its room memberships.
func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.quit:
	}
}

// Join subscribes a session to a room. Joining a room twice is a no-op.
func (h *Hub) Join(s *Session, room wire.RoomID) {
	select {
	case h.join <- joinRequest{session: s, room: room}:
	case <-h.quit:
	}
}

// Leave unsubscribes a session from a room. Leaving a room the session never
// joined is a no-op.
func (h *Hub) Leave(s *Session, room wire.RoomID) {
	select {
	case h.leave <- joinRequest{session: s, room: room}:
	case <-h.quit:
	}
}

// Broadcast delivers an envelope to the members of the given rooms, once per
// session. Implements Broadcaster.
func (h *Hub) Broadcast(ctx context.Context, rooms []wire.RoomID, env *wire.Envelope) error {
	return h.BroadcastExcept(ctx, rooms, env, "")
}

// BroadcastExcept is Broadcast minus one session, used for events the
// originator should not receive back (typing indicators, join echoes).
func (h *Hub) BroadcastExcept(ctx context.Context, rooms []wire.RoomID, env *wire.Envelope, excludeSession string) error {
	if len(rooms) == 0 {
		return nil
	}
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope for broadcast: %w", err)
	}
	req := broadcastRequest{rooms: rooms, data: data, exclude: excludeSession}
	select {
	case h.broadcast <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.quit:
		return fmt.Errorf("hub is shut down")
	}
}

// Stats reports the live state of a workspace's rooms.
func (h *Hub) Stats(ctx context.Context, workspaceID string) (RoomStats, error) {
	req := statsRequest{workspaceID: workspaceID, reply: make(chan RoomStats, 1)}
	select {
	case h.stats <- req:
	case <-ctx.Done():
		return RoomStats{}, ctx.Err()
	case <-h.quit:
		return RoomStats{}, fmt.Errorf("hub is shut down")
	}
	select {
	case stats := <-req.reply:
		return stats, nil
	case <-ctx.Done():
		return RoomStats{}, ctx.Err()
	}
}

func (h *Hub) handleRegister(s *Session) {
	if old, ok := h.users[s.userID]; ok && old.id != s.id {
		log.Printf("[Hub] superseding session %s for user %s", old.id, s.userID)
		h.removeSession(old)
		h.closeSession(old)
	}
	h.sessions[s.id] = s
	h.users[s.userID] = s
	log.Printf("[Hub] session %s registered (user %s, workspace %s)", s.id, s.userID, s.workspaceID)
}

func (h *Hub) handleUnregister(s *Session) {
	if current, ok := h.sessions[s.id]; ok && current == s {
		h.removeSession(s)
		log.Printf("[Hub] session %s unregistered (user %s)", s.id, s.userID)
	}
	h.closeSession(s)
}

// closeSession closes the session's send channel exactly once. The closed
// flag is owned by the event loop, like the rest of the session registry.
func (h *Hub) closeSession(s *Session) {
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

func (h *Hub) removeSession(s *Session) {
	delete(h.sessions, s.id)
	if h.users[s.userID] == s {
		delete(h.users, s.userID)
	}
	for room, members := range h.rooms {
		if _, ok := members[s.id]; ok {
			delete(members, s.id)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
}

func (h *Hub) handleJoin(s *Session, room wire.RoomID) {
	if _, ok := h.sessions[s.id]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		h.rooms[room] = members
	}
	members[s.id] = s
}

func (h *Hub) handleLeave(s *Session, room wire.RoomID) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, s.id)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// fanOut delivers one copy of the payload to every distinct member of the
// requested rooms. Sends never block: a session whose queue is full has the
// message dropped, and the connection's own heartbeat handles the cleanup.
func (h *Hub) fanOut(req broadcastRequest) {
	seen := make(map[string]struct{})
	for _, room := range req.rooms {
		for id, s := range h.rooms[room] {
			if id == req.exclude {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			s.enqueue(req.data)
		}
	}
}

func (h *Hub) collectStats(workspaceID string) RoomStats {
	stats := RoomStats{
		WorkspaceID: workspaceID,
		Rooms:       make(map[string]int),
	}
	workspaceRoom := wire.WorkspaceRoom(workspaceID)
	userSet := make(map[string]struct{})
	for _, s := range h.sessions {
		if s.workspaceID != workspaceID {
			continue
		}
		stats.Sessions++
		if _, ok := userSet[s.userID]; !ok {
			userSet[s.userID] = struct{}{}
			stats.Users = append(stats.Users, s.userID)
		}
	}
	for room, members := range h.rooms {
		if room == workspaceRoom || h.roomBelongsToWorkspace(room, workspaceID) {
			stats.Rooms[string(room)] = len(members)
		}
	}
	return stats
}

// roomBelongsToWorkspace reports whether any member of the room is connected
// to the given workspace. Project and task rooms carry no workspace id of
// their own, so membership is the only signal available.
func (h *Hub) roomBelongsToWorkspace(room wire.RoomID, workspaceID string) bool {
	for _, s := range h.rooms[room] {
		if s.workspaceID == workspaceID {
			return true
		}
	}
	return false
}

// sendTo queues an encoded envelope for one session. Delivery goes through
// the event loop so it serializes with session shutdown.
func (h *Hub) sendTo(sessionID string, data []byte) {
	select {
	case h.unicast <- unicastRequest{sessionID: sessionID, data: data}:
	case <-h.quit:
	}
}

func (h *Hub) closeAll() {
	for _, s := range h.sessions {
		h.removeSession(s)
		h.closeSession(s)
	}
}
