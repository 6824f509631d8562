// Package realtime implements the client side of the Lodge hub: a managed
// WebSocket connection that reconnects with capped exponential backoff, and a
// room registry that routes inbound envelopes to subscribers.
package realtime

import (
	"sync"

	"github.com/lodgepole/lodge/pkg/wire"
)

// Registry tracks which rooms the client wants to be in and routes inbound
// envelopes. Desired rooms survive reconnects: the connection replays a join
// for each of them after the socket comes back.
type Registry struct {
	mu        sync.RWMutex
	rooms     map[wire.RoomID]struct{}
	roomSubs  map[wire.RoomID][]chan *wire.Envelope
	listeners []chan *wire.Envelope
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[wire.RoomID]struct{}),
		roomSubs: make(map[wire.RoomID][]chan *wire.Envelope),
	}
}

// add records a desired room. Returns false if it was already desired, so
// callers can make joins idempotent.
func (r *Registry) add(room wire.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[room]; ok {
		return false
	}
	r.rooms[room] = struct{}{}
	return true
}

// remove drops a desired room. Returns false if it was not desired.
func (r *Registry) remove(room wire.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[room]; !ok {
		return false
	}
	delete(r.rooms, room)
	return true
}

// Rooms lists the rooms the client currently wants to be in.
func (r *Registry) Rooms() []wire.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := make([]wire.RoomID, 0, len(r.rooms))
	for room := range r.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Subscribe returns a channel of envelopes addressed to the given room.
// A slow subscriber has envelopes dropped, not the connection stalled.
func (r *Registry) Subscribe(room wire.RoomID) <-chan *wire.Envelope {
	ch := make(chan *wire.Envelope, 64)
	r.mu.Lock()
	r.roomSubs[room] = append(r.roomSubs[room], ch)
	r.mu.Unlock()
	return ch
}

// Listen returns a channel receiving every inbound envelope regardless of
// room, for feed-style consumers.
func (r *Registry) Listen() <-chan *wire.Envelope {
	ch := make(chan *wire.Envelope, 64)
	r.mu.Lock()
	r.listeners = append(r.listeners, ch)
	r.mu.Unlock()
	return ch
}

// route delivers an envelope to the room's subscribers and every global
// listener. Sends never block.
func (r *Registry) route(env *wire.Envelope) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if env.RoomID != "" {
		for _, ch := range r.roomSubs[env.RoomID] {
			select {
			case ch <- env:
			default:
			}
		}
	}
	for _, ch := range r.listeners {
		select {
		case ch <- env:
		default:
		}
	}
}
