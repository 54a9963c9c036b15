// Package gate polls the external approval service that holds paused agents.
// The service owns gate lifecycle; this client only reads decisions.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Status is the decision state of a gate.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// IsTerminal reports whether the gate can no longer change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Decision is the gate service's answer for one gate.
type Decision struct {
	GateID    string    `json:"gate_id"`
	Status    Status    `json:"status"`
	DecidedBy string    `json:"decided_by,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at,omitempty"`
}

// Client is an HTTP client for the gate service.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAuthToken sets a bearer token sent on every request.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// NewClient creates a gate service client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check fetches the current decision for a gate.
func (c *Client) Check(ctx context.Context, gateID string) (*Decision, error) {
	endpoint := fmt.Sprintf("%s/gates/%s", c.baseURL, url.PathEscape(gateID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build gate request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gate service: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("gate %q not found", gateID)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gate service returned %d: %s", resp.StatusCode, string(body))
	}

	var d Decision
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return nil, fmt.Errorf("decode gate decision: %w", err)
	}
	if d.GateID == "" {
		d.GateID = gateID
	}
	return &d, nil
}

// WaitForDecision blocks until the gate reaches a terminal status or the
// context expires. It checks once immediately, then polls at pollInterval.
func (c *Client) WaitForDecision(ctx context.Context, gateID string, pollInterval, timeout time.Duration) (*Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d, err := c.Check(ctx, gateID)
	if err != nil {
		return nil, err
	}
	if d.Status.IsTerminal() {
		return d, nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for gate %s: %w", gateID, ctx.Err())
		case <-ticker.C:
			d, err := c.Check(ctx, gateID)
			if err != nil {
				// Transient failures keep the poll alive unless the context
				// is already gone.
				if ctx.Err() != nil {
					return nil, fmt.Errorf("timeout waiting for gate %s: %w", gateID, ctx.Err())
				}
				continue
			}
			if d.Status.IsTerminal() {
				return d, nil
			}
		}
	}
}
