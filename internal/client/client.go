// Package client talks to a running control surface over HTTP. Used by the
// status/start/stop/restart subcommands.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/theredsix/abp/internal/protocol"
)

const requestTimeout = 30 * time.Second

// Client communicates with the control surface.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the control surface at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect to control surface: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errBody protocol.ErrorBody
		if json.Unmarshal(body, &errBody) == nil && errBody.Error != "" {
			return fmt.Errorf("control surface error: %s", errBody.Error)
		}
		return fmt.Errorf("control surface returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Status fetches engine reachability and session metadata.
func (c *Client) Status(ctx context.Context) (*protocol.Status, error) {
	var st protocol.Status
	if err := c.do(ctx, http.MethodGet, "/api/debug/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Start launches the engine through the control surface.
func (c *Client) Start(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/debug/start", nil)
}

// Stop terminates the engine through the control surface.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/debug/stop", nil)
}

// Restart bounces the engine through the control surface.
func (c *Client) Restart(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/debug/restart", nil)
}

// IsRunning checks whether a control surface answers at the base URL.
func (c *Client) IsRunning(ctx context.Context) bool {
	_, err := c.Status(ctx)
	return err == nil
}
