package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lodgepole/lodge/internal/presence"
	"github.com/lodgepole/lodge/pkg/wire"
)

// initWait bounds how long a fresh connection may take to send its init
// message before the server gives up on it.
const initWait = 10 * time.Second

// ErrInvalidToken is returned by a TokenVerifier for tokens that are expired,
// malformed or revoked. The connect request is rejected with 401.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated user behind a connect token.
type Identity struct {
	UserID   string
	UserName string
}

// TokenVerifier resolves a connect token to the user it was issued for.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Pinger reports backend health for the healthz endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PresenceSnapshotter serves workspace presence reads for the presence
// endpoint.
type PresenceSnapshotter interface {
	Snapshot(ctx context.Context, workspaceID string) ([]presence.Entry, error)
}

// ServerConfig wires a Server's collaborators. Hub and Verifier are
// required; everything else is optional.
type ServerConfig struct {
	Hub        *Hub
	Verifier   TokenVerifier
	Authorizer RoomAuthorizer
	Presence   PresenceNotifier
	Snapshots  PresenceSnapshotter
	Bridge     *Bridge
	Pinger     Pinger

	// SessionQueue bounds each session's outbound buffer. Zero means 256.
	SessionQueue int
}

// Server exposes the hub over HTTP: the WebSocket connect endpoint plus
// health and stats.
type Server struct {
	hub          *Hub
	verifier     TokenVerifier
	authorizer   RoomAuthorizer
	presence     PresenceNotifier
	snapshots    PresenceSnapshotter
	bridge       *Bridge
	pinger       Pinger
	sessionQueue int
	upgrader     websocket.Upgrader
}

// NewServer creates a server around the given hub.
func NewServer(cfg ServerConfig) *Server {
	authorizer := cfg.Authorizer
	if authorizer == nil {
		authorizer = AllowAll{}
	}
	queue := cfg.SessionQueue
	if queue <= 0 {
		queue = 256
	}
	return &Server{
		hub:          cfg.Hub,
		verifier:     cfg.Verifier,
		authorizer:   authorizer,
		presence:     cfg.Presence,
		snapshots:    cfg.Snapshots,
		bridge:       cfg.Bridge,
		pinger:       cfg.Pinger,
		sessionQueue: queue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from the app origin; token auth is the
			// real gate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the server's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /connect/{token}", s.handleConnect)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /stats/{workspaceID}", s.handleStats)
	mux.HandleFunc("GET /presence/{workspaceID}", s.handlePresence)
	return mux
}

// handleConnect authenticates the token, upgrades to WebSocket, waits for the
// client's init message and hands the connection to a session.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.Verify(r.Context(), r.PathValue("token"))
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		http.Error(w, "token verification failed", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Hub] upgrade failed for user %s: %v", identity.UserID, err)
		return
	}

	workspaceID, err := s.awaitInit(conn)
	if err != nil {
		log.Printf("[Hub] init handshake failed for user %s: %v", identity.UserID, err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "init required"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	var relay Relay
	if s.bridge != nil {
		relay = s.bridge
	}
	session := newSession(s.hub, conn, identity.UserID, identity.UserName, workspaceID, s.sessionQueue, s.authorizer, s.presence, relay)

	s.hub.Register(session)
	s.hub.Join(session, wire.WorkspaceRoom(workspaceID))
	if s.presence != nil {
		s.presence.Connected(identity.UserID, identity.UserName, workspaceID)
	}
	if s.bridge != nil {
		if err := s.bridge.UserConnected(r.Context(), workspaceID, identity.UserID); err != nil {
			log.Printf("[Hub] failed to record online user %s: %v", identity.UserID, err)
		}
		defer func() {
			if err := s.bridge.UserDisconnected(context.Background(), workspaceID, identity.UserID); err != nil {
				log.Printf("[Hub] failed to clear online user %s: %v", identity.UserID, err)
			}
		}()
	}

	// Tell the workspace the user arrived. The session itself is excluded.
	joined := wire.NewEnvelope(wire.UserJoinedPayload{
		UserID:   identity.UserID,
		UserName: identity.UserName,
		RoomID:   wire.WorkspaceRoom(workspaceID),
	})
	joined.RoomID = wire.WorkspaceRoom(workspaceID)
	joined.UserID = identity.UserID
	session.publish(r.Context(), []wire.RoomID{joined.RoomID}, joined)

	go session.writePump()
	session.readPump(r.Context())
}

// awaitInit reads the first client message, which must be a valid init
// envelope naming the workspace.
func (s *Server) awaitInit(conn *websocket.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(initWait))
	defer conn.SetReadDeadline(time.Time{})

	_, message, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	env, err := wire.Decode(message)
	if err != nil {
		return "", err
	}
	payload, ok := env.Data.(wire.InitPayload)
	if !ok {
		return "", errors.New("first message must be init")
	}
	return payload.WorkspaceID, nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceID")
	stats, err := s.hub.Stats(r.Context(), workspaceID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if s.bridge != nil {
		// Merge in users connected through other hub processes.
		online, err := s.bridge.OnlineUsers(r.Context(), workspaceID)
		if err != nil {
			log.Printf("[Hub] failed to read online users for workspace %s: %v", workspaceID, err)
		} else {
			stats.Users = mergeUsers(stats.Users, online)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Printf("[Hub] failed to encode stats response: %v", err)
	}
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		http.Error(w, "presence tracking disabled", http.StatusNotFound)
		return
	}
	entries, err := s.snapshots.Snapshot(r.Context(), r.PathValue("workspaceID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		log.Printf("[Hub] failed to encode presence response: %v", err)
	}
}

func mergeUsers(local, remote []string) []string {
	seen := make(map[string]struct{}, len(local))
	merged := make([]string, 0, len(local)+len(remote))
	for _, u := range local {
		seen[u] = struct{}{}
		merged = append(merged, u)
	}
	for _, u := range remote {
		if _, ok := seen[u]; !ok {
			seen[u] = struct{}{}
			merged = append(merged, u)
		}
	}
	return merged
}
