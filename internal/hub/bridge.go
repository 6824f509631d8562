package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lodgepole/lodge/pkg/wire"
)

// Bridge fans envelopes out across hub processes over Redis Pub/Sub. Each
// process publishes frames tagged with its own origin id and ignores its own
// frames on the way back in, so an envelope is delivered to local sessions
// exactly once. It also keeps a per-workspace set of online users in Redis so
// stats can see users connected to other processes.
//
// All keys and channels are namespaced with the instance name.
type Bridge struct {
	rdb      *redis.Client
	hub      *Hub
	instance string
	origin   string
	observer EnvelopeObserver
}

// EnvelopeObserver receives every envelope accepted from another hub process.
// The presence tracker implements it, so presence converges across processes
// and /presence agrees with /stats under multi-process deployment.
type EnvelopeObserver interface {
	OnEnvelope(env *wire.Envelope)
}

// bridgeFrame is the wire shape on the Redis channel. The envelope stays
// encoded; it is decoded (and validated) on receipt.
type bridgeFrame struct {
	Origin   string          `json:"origin"`
	Rooms    []wire.RoomID   `json:"rooms"`
	Envelope json.RawMessage `json:"envelope"`
}

// NewBridge creates a bridge for the given hub and instance namespace.
func NewBridge(rdb *redis.Client, h *Hub, instance string) (*Bridge, error) {
	if instance == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	return &Bridge{
		rdb:      rdb,
		hub:      h,
		instance: instance,
		origin:   uuid.New().String(),
	}, nil
}

// Observe registers an observer for remote envelopes. Call before Run.
func (b *Bridge) Observe(o EnvelopeObserver) {
	b.observer = o
}

// Ping verifies Redis connectivity. Useful for health checks.
func (b *Bridge) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection. Implements io.Closer.
func (b *Bridge) Close() error {
	return b.rdb.Close()
}

func (b *Bridge) envelopesChannel() string {
	return fmt.Sprintf("lodge:%s:envelopes", b.instance)
}

func (b *Bridge) onlineKey(workspaceID string) string {
	return fmt.Sprintf("lodge:%s:workspace:%s:online", b.instance, workspaceID)
}

// Broadcast delivers an envelope to local room members and publishes it for
// the other hub processes. Implements Broadcaster.
func (b *Bridge) Broadcast(ctx context.Context, rooms []wire.RoomID, env *wire.Envelope) error {
	if err := b.hub.Broadcast(ctx, rooms, env); err != nil {
		return err
	}
	return b.Publish(ctx, rooms, env)
}

// Publish sends an envelope to the other hub processes only. Implements
// Relay. Local delivery is the caller's business.
func (b *Bridge) Publish(ctx context.Context, rooms []wire.RoomID, env *wire.Envelope) error {
	encoded, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope for bridge: %w", err)
	}
	frame, err := json.Marshal(bridgeFrame{
		Origin:   b.origin,
		Rooms:    rooms,
		Envelope: encoded,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal bridge frame: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.envelopesChannel(), frame).Err(); err != nil {
		return fmt.Errorf("failed to publish bridge frame: %w", err)
	}
	return nil
}

// Run consumes frames published by other processes and fans them out to
// local sessions. It blocks until the context is cancelled. Malformed frames
// are skipped, never fatal.
func (b *Bridge) Run(ctx context.Context) error {
	pubsub := b.rdb.Subscribe(ctx, b.envelopesChannel())
	defer pubsub.Close()

	log.Printf("[Bridge] subscribed to %s", b.envelopesChannel())

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("bridge subscription closed")
			}
			b.handleFrame(ctx, []byte(msg.Payload))
		}
	}
}

func (b *Bridge) handleFrame(ctx context.Context, payload []byte) {
	var frame bridgeFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		log.Printf("[Bridge] skipping malformed frame: %v", err)
		return
	}
	if frame.Origin == b.origin {
		return
	}
	env, err := wire.Decode(frame.Envelope)
	if err != nil {
		log.Printf("[Bridge] skipping frame envelope: %v", err)
		return
	}
	if err := b.hub.Broadcast(ctx, frame.Rooms, env); err != nil {
		log.Printf("[Bridge] local fan-out failed: %v", err)
	}
	if b.observer != nil {
		b.observer.OnEnvelope(env)
	}
}

// UserConnected records one more live connection for the user. A user may
// hold several connections (tabs, devices), so the online record is a count,
// not a set.
func (b *Bridge) UserConnected(ctx context.Context, workspaceID, userID string) error {
	if err := b.rdb.HIncrBy(ctx, b.onlineKey(workspaceID), userID, 1).Err(); err != nil {
		return fmt.Errorf("failed to record online user: %w", err)
	}
	return nil
}

// UserDisconnected drops one connection for the user and clears the record
// once no connections remain.
func (b *Bridge) UserDisconnected(ctx context.Context, workspaceID, userID string) error {
	remaining, err := b.rdb.HIncrBy(ctx, b.onlineKey(workspaceID), userID, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to clear online user: %w", err)
	}
	if remaining <= 0 {
		if err := b.rdb.HDel(ctx, b.onlineKey(workspaceID), userID).Err(); err != nil {
			return fmt.Errorf("failed to remove online user: %w", err)
		}
	}
	return nil
}

// OnlineUsers lists the users online in a workspace across all processes.
func (b *Bridge) OnlineUsers(ctx context.Context, workspaceID string) ([]string, error) {
	counts, err := b.rdb.HGetAll(ctx, b.onlineKey(workspaceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read online users: %w", err)
	}
	users := make([]string, 0, len(counts))
	for userID, count := range counts {
		if count != "0" && count != "" {
			users = append(users, userID)
		}
	}
	return users, nil
}
