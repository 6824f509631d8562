package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lodgepole/lodge/internal/config"
	"github.com/lodgepole/lodge/internal/hub"
	"github.com/lodgepole/lodge/internal/presence"
)

func main() {
	// 1. Locate and load configuration
	configPath := os.Getenv("LODGE_CONFIG")
	if configPath == "" {
		configPath = "lodge.yml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load %s: %v\n", configPath, err)
		os.Exit(1)
	}

	// 2. Connect to Redis and verify connectivity
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Redis not accessible at %s: %v\n", cfg.Redis.Addr, err)
		os.Exit(1)
	}

	// 3. Build the hub, bridge and presence tracker
	h := hub.New()
	bridge, err := hub.NewBridge(rdb, h, cfg.Instance)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to create bridge: %v\n", err)
		os.Exit(1)
	}
	defer bridge.Close()

	tracker := presence.NewTracker(presence.Config{
		IdleAfter:    cfg.Presence.IdleAfter,
		AwayAfter:    cfg.Presence.AwayAfter,
		OfflineGrace: cfg.Presence.OfflineGrace,
		StaleAfter:   cfg.Presence.StaleAfter,
	}, bridge)
	bridge.Observe(tracker)

	verifier := newTokenVerifier(cfg.Server.TokenURL)

	server := hub.NewServer(hub.ServerConfig{
		Hub:          h,
		Verifier:     verifier,
		Presence:     tracker,
		Snapshots:    tracker,
		Bridge:       bridge,
		Pinger:       bridge,
		SessionQueue: cfg.Limits.SessionQueue,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.Run(runCtx)
	go tracker.Run(runCtx)
	go func() {
		if err := bridge.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[Hub] bridge stopped: %v", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: server.Handler(),
	}
	go func() {
		log.Printf("[Hub] instance %s listening on %s", cfg.Instance, cfg.Server.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "Error: Server failed: %v\n", err)
			os.Exit(1)
		}
	}()

	// 4. Wait for shutdown signal and drain
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("[Hub] received %s, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Hub] shutdown error: %v", err)
	}
	cancel()
}

// tokenVerifier resolves connect tokens against the workspace tool's token
// service. Token issuance itself lives outside the hub.
type tokenVerifier struct {
	endpoint   string
	httpClient *http.Client
}

func newTokenVerifier(endpoint string) *tokenVerifier {
	return &tokenVerifier{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type verifyResponse struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

func (v *tokenVerifier) Verify(ctx context.Context, token string) (hub.Identity, error) {
	if v.endpoint == "" {
		return hub.Identity{}, fmt.Errorf("server.token_url is not configured")
	}
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return hub.Identity{}, fmt.Errorf("failed to marshal verify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return hub.Identity{}, fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return hub.Identity{}, fmt.Errorf("token verification failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return hub.Identity{}, hub.ErrInvalidToken
	case resp.StatusCode != http.StatusOK:
		return hub.Identity{}, fmt.Errorf("token verification returned status %d", resp.StatusCode)
	}

	var parsed verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return hub.Identity{}, fmt.Errorf("failed to parse verify response: %w", err)
	}
	if parsed.UserID == "" {
		return hub.Identity{}, hub.ErrInvalidToken
	}
	return hub.Identity{UserID: parsed.UserID, UserName: parsed.UserName}, nil
}
