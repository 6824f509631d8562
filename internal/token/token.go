// Package token obtains the short-lived identity tokens that authenticate a
// realtime connection. Tokens may rotate at any time, so the connection
// manager requests a fresh one before every connect and reconnect attempt.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnauthorized is returned when the exchange endpoint rejects the session
// credential. Repeated rejection means the session has expired.
var ErrUnauthorized = errors.New("token exchange unauthorized")

// Source supplies a connect token. Implementations must not cache: the
// connection manager deliberately calls Token before every attempt.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed token, for tests and local development.
type Static string

// Token returns the static token.
func (s Static) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// ExchangeClient trades an authenticated session credential for a short-lived
// connect token via the token-exchange endpoint.
type ExchangeClient struct {
	endpoint   string
	credential string
	httpClient *http.Client
}

// NewExchangeClient creates an exchange client for the given endpoint and
// session credential.
func NewExchangeClient(endpoint, credential string) *ExchangeClient {
	return &ExchangeClient{
		endpoint:   endpoint,
		credential: credential,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type exchangeResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Token requests a fresh connect token. A 401 or 403 response maps to
// ErrUnauthorized so callers can distinguish expired sessions from transport
// failures.
func (c *ExchangeClient) Token(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"session": c.credential})
	if err != nil {
		return "", fmt.Errorf("failed to marshal exchange request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("token exchange returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("failed to read exchange response: %w", err)
	}
	var parsed exchangeResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse exchange response: %w", err)
	}
	if parsed.Token == "" {
		return "", fmt.Errorf("token exchange returned an empty token")
	}
	return parsed.Token, nil
}
