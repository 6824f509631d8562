package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/lodgepole/lodge/internal/token"
	"github.com/lodgepole/lodge/pkg/wire"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Validate checks if the State is a known enum value.
func (s State) Validate() error {
	switch s {
	case StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateClosed:
		return nil
	default:
		return fmt.Errorf("unknown connection state: %q", string(s))
	}
}

var (
	// ErrSessionExpired means two consecutive connect attempts were rejected
	// as unauthorized even with freshly exchanged tokens. The connection is
	// closed; the user has to sign in again.
	ErrSessionExpired = errors.New("session expired")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("connection closed")

	// ErrQueueFull is returned by Send when the outbound queue is at
	// capacity, e.g. during a long reconnect.
	ErrQueueFull = errors.New("send queue full")
)

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

// Options configures a managed connection. URL, WorkspaceID and Tokens are
// required.
type Options struct {
	// URL is the hub base, e.g. "ws://localhost:8080".
	URL         string
	WorkspaceID string
	Tokens      token.Source
	UserInfo    map[string]string

	// BackoffInitial is the first reconnect delay; each failure doubles it
	// up to BackoffMax. Zero means 500ms / 30s.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Heartbeat is the client ping interval. Zero means 25s.
	Heartbeat time.Duration

	// QueueSize bounds the outbound buffer. Zero means 128.
	QueueSize int
}

func (o *Options) applyDefaults() {
	if o.BackoffInitial == 0 {
		o.BackoffInitial = 500 * time.Millisecond
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.Heartbeat == 0 {
		o.Heartbeat = 25 * time.Second
	}
	if o.QueueSize == 0 {
		o.QueueSize = 128
	}
}

func (o *Options) validate() error {
	if o.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if o.WorkspaceID == "" {
		return fmt.Errorf("workspace id cannot be empty")
	}
	if o.Tokens == nil {
		return fmt.Errorf("token source cannot be nil")
	}
	return nil
}

// Conn is a managed hub connection. It dials in the background, replays room
// joins after every reconnect, and queues outbound envelopes (bounded) while
// the socket is down. Inbound envelopes are routed through the Registry.
type Conn struct {
	opts     Options
	registry *Registry
	send     chan *wire.Envelope
	states   chan State
	errs     chan error
	cancel   context.CancelFunc

	mu    sync.RWMutex
	state State

	// authFailures is touched only by the run goroutine.
	authFailures int
}

// Dial starts a managed connection. It returns immediately; watch States and
// Err for progress. Cancelling ctx closes the connection.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid connection options: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := &Conn{
		opts:     opts,
		registry: NewRegistry(),
		send:     make(chan *wire.Envelope, opts.QueueSize),
		states:   make(chan State, 16),
		errs:     make(chan error, 1),
		cancel:   cancel,
		state:    StateDisconnected,
	}
	go c.run(runCtx)
	return c, nil
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// States returns a channel of state transitions. Transitions are dropped if
// the consumer falls behind; poll State for the current value.
func (c *Conn) States() <-chan State {
	return c.states
}

// Err returns a channel that yields the terminal error, if any.
func (c *Conn) Err() <-chan error {
	return c.errs
}

// Rooms exposes the room registry for subscriptions.
func (c *Conn) Rooms() *Registry {
	return c.registry
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	c.cancel()
	return nil
}

// Join registers interest in a room and tells the hub. Joining a room the
// client is already in is a no-op.
func (c *Conn) Join(room wire.RoomID) error {
	if err := room.Validate(); err != nil {
		return err
	}
	if !c.registry.add(room) {
		return nil
	}
	return c.Send(wire.NewEnvelope(wire.JoinRoomPayload{RoomID: room, RoomType: room.Type()}))
}

// Leave withdraws interest in a room. Leaving a room the client never joined
// is a no-op.
func (c *Conn) Leave(room wire.RoomID) error {
	if !c.registry.remove(room) {
		return nil
	}
	return c.Send(wire.NewEnvelope(wire.LeaveRoomPayload{RoomID: room}))
}

// Typing reports the local user's typing state for a room.
func (c *Conn) Typing(room wire.RoomID, isTyping bool) error {
	return c.Send(wire.NewEnvelope(wire.TypingPayload{RoomID: room, IsTyping: isTyping}))
}

// Send queues an envelope for delivery. While the connection is down the
// queue holds up to QueueSize envelopes; beyond that Send fails fast.
func (c *Conn) Send(env *wire.Envelope) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	select {
	case c.send <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	select {
	case c.states <- s:
	default:
	}
}

func (c *Conn) fail(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

func (c *Conn) run(ctx context.Context) {
	defer c.setState(StateClosed)

	first := true
	for {
		if first {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}

		ws, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.fail(err)
			}
			return
		}
		first = false
		c.setState(StateConnected)

		err = c.serve(ctx, ws)
		ws.Close()
		if ctx.Err() != nil {
			return
		}
		log.Printf("[Realtime] connection lost, reconnecting: %v", err)
	}
}

// connect dials until it succeeds, backing off exponentially up to the cap.
// Every attempt exchanges a fresh token, since tokens may rotate while the
// socket is down. Two consecutive unauthorized attempts end the connection
// with ErrSessionExpired.
func (c *Conn) connect(ctx context.Context) (*websocket.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.BackoffInitial
	bo.MaxInterval = c.opts.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	var ws *websocket.Conn
	operation := func() error {
		tok, err := c.opts.Tokens.Token(ctx)
		if err != nil {
			if errors.Is(err, token.ErrUnauthorized) {
				return c.authFailure()
			}
			return fmt.Errorf("failed to obtain connect token: %w", err)
		}

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL+"/connect/"+tok, nil)
		if err != nil {
			if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
				return c.authFailure()
			}
			return fmt.Errorf("dial failed: %w", err)
		}
		c.authFailures = 0
		ws = conn
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return ws, nil
}

func (c *Conn) authFailure() error {
	c.authFailures++
	if c.authFailures >= 2 {
		return backoff.Permanent(ErrSessionExpired)
	}
	return fmt.Errorf("connect unauthorized, retrying with fresh token")
}

// serve runs one connected period: the init handshake, the join replay, then
// the read loop alongside a writer goroutine. Returns when the socket fails.
func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) error {
	if err := writeEnvelope(ws, wire.NewEnvelope(wire.InitPayload{
		WorkspaceID: c.opts.WorkspaceID,
		UserInfo:    c.opts.UserInfo,
	})); err != nil {
		return fmt.Errorf("init handshake failed: %w", err)
	}

	// Re-register every room the client still wants after a reconnect.
	for _, room := range c.registry.Rooms() {
		env := wire.NewEnvelope(wire.JoinRoomPayload{RoomID: room, RoomType: room.Type()})
		if err := writeEnvelope(ws, env); err != nil {
			return fmt.Errorf("join replay failed: %w", err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go c.writer(ws, done)

	readWait := 2 * c.opts.Heartbeat
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))

		env, err := wire.Decode(message)
		if err != nil {
			// Unknown or malformed envelopes are dropped, never fatal.
			log.Printf("[Realtime] dropped inbound message: %v", err)
			continue
		}
		c.registry.route(env)
	}
}

// writer drains the send queue to the socket and keeps the heartbeat going.
func (c *Conn) writer(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case env := <-c.send:
			if err := writeEnvelope(ws, env); err != nil {
				log.Printf("[Realtime] write failed: %v", err)
				ws.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.Close()
				return
			}
		}
	}
}

func writeEnvelope(ws *websocket.Conn, env *wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s envelope: %w", env.Type, err)
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}
