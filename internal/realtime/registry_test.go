package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lodgepole/lodge/pkg/wire"
)

func TestRegistry_RouteByRoom(t *testing.T) {
	r := NewRegistry()

	p1 := r.Subscribe(wire.ProjectRoom("p1"))
	p2 := r.Subscribe(wire.ProjectRoom("p2"))
	all := r.Listen()

	env := wire.NewEnvelope(wire.MessagePayload{Action: wire.ActionCreated, Entity: "Task"})
	env.RoomID = wire.ProjectRoom("p1")
	r.route(env)

	require.Equal(t, env, <-p1)
	require.Equal(t, env, <-all)
	select {
	case got := <-p2:
		t.Fatalf("unsubscribed room received envelope: %v", got)
	default:
	}
}

func TestRegistry_RoomlessEnvelopeReachesListenersOnly(t *testing.T) {
	r := NewRegistry()

	sub := r.Subscribe(wire.TaskRoom("t1"))
	all := r.Listen()

	env := wire.NewEnvelope(wire.PresenceUpdatePayload{UserID: "u1", Status: wire.StatusOnline})
	r.route(env)

	require.Equal(t, env, <-all)
	select {
	case <-sub:
		t.Fatal("room subscriber received roomless envelope")
	default:
	}
}

func TestRegistry_SlowSubscriberDrops(t *testing.T) {
	r := NewRegistry()
	sub := r.Subscribe(wire.TaskRoom("t1"))

	// Overfill the subscriber buffer; route must never block.
	for i := 0; i < 100; i++ {
		env := wire.NewEnvelope(wire.TypingPayload{RoomID: wire.TaskRoom("t1"), IsTyping: true})
		env.RoomID = wire.TaskRoom("t1")
		r.route(env)
	}
	require.Len(t, sub, 64)
}
