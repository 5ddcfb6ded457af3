package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Session token header used by the engine's RPC endpoint to correlate a
// stream of calls to one logical client.
const SessionTokenHeader = "X-Abp-Session"

const (
	healthTimeout  = 2 * time.Second
	queryTimeout   = 5 * time.Second
	rpcTimeout     = 60 * time.Second
	maxRPCBodySize = 64 << 20
)

// Client is the narrow interface to a running engine's HTTP surface. All
// response shapes beyond these are opaque to this layer.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
	}
}

// BaseURL returns the engine endpoint this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping reports whether the engine answers its readiness probe. Any transport
// error means "not ready".
func (c *Client) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var body struct {
		Ready bool `json:"ready"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Ready
}

// SessionInfo is the engine's answer to "where do you keep this run's data".
type SessionInfo struct {
	SessionDir string `json:"session_dir"`
	DBPath     string `json:"db_path"`
}

// GetSessionInfo asks a running engine for its session storage location.
func (c *Client) GetSessionInfo(ctx context.Context) (*SessionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/session-info", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session info: engine returned %d", resp.StatusCode)
	}

	var info SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("session info: %w", err)
	}
	return &info, nil
}

// Shutdown asks the engine to exit within the given timeout hint. Callers
// treat failures as best-effort.
func (c *Client) Shutdown(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	body := fmt.Sprintf(`{"timeout_ms":%d}`, timeout.Milliseconds())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/shutdown", bytes.NewBufferString(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	resp.Body.Close()
	return nil
}

// RPCResult is the outcome of forwarding one line to the engine's RPC
// endpoint.
type RPCResult struct {
	Body      []byte // nil for notifications
	NoContent bool   // engine answered 204: the line was a notification
	Token     string // session token echoed or newly issued by the engine
}

// CallRPC forwards a raw line-delimited message to the engine, replaying the
// session token when one is held and capturing any token the engine returns.
func (c *Client) CallRPC(ctx context.Context, line []byte, token string) (*RPCResult, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/mcp", bytes.NewReader(line))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(SessionTokenHeader, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward rpc: %w", err)
	}
	defer resp.Body.Close()

	result := &RPCResult{Token: resp.Header.Get(SessionTokenHeader)}

	if resp.StatusCode == http.StatusNoContent {
		result.NoContent = true
		return result, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forward rpc: engine returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRPCBodySize))
	if err != nil {
		return nil, fmt.Errorf("forward rpc: read body: %w", err)
	}
	result.Body = body
	return result, nil
}
