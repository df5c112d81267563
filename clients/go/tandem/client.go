// Package tandem provides a client for the tandem session server's admin
// API: health, session snapshots, archived messages, and the blob store.
package tandem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a tandem admin API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a client for the given server. An empty baseURL targets
// a local development server.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tandem: %s (%s, HTTP %d)", e.Message, e.Code, e.StatusCode)
}

// Check is one backend's health probe outcome.
type Check struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// Health is the server health report.
type Health struct {
	Status    string           `json:"status"`
	Version   string           `json:"version"`
	Sessions  int              `json:"sessions"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// Participant is one session member in a snapshot.
type Participant struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Roles    []string `json:"roles,omitempty"`
	Presence string   `json:"presence"`
}

// Gate is one pending approval gate in a snapshot.
type Gate struct {
	ActionRef string     `json:"action_ref"`
	Approvals []string   `json:"approvals"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Session is a point-in-time view of one live session.
type Session struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	CreatedAt    time.Time     `json:"created_at"`
	OrderingMode string        `json:"ordering_mode"`
	Participants []Participant `json:"participants"`
	MessageCount int           `json:"message_count"`
	PendingGates []Gate        `json:"pending_gates"`
	ContextKeys  []string      `json:"context_keys"`
	CurrentFork  string        `json:"current_fork,omitempty"`
}

// Message is one archived message row.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Sender    string          `json:"sender"`
	Type      string          `json:"type"`
	Seq       *uint64         `json:"seq,omitempty"`
	TS        time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Health fetches the server health report. A degraded server responds with
// HTTP 503, surfaced as an *APIError.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.getJSON(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sessions lists live session ids.
func (c *Client) Sessions(ctx context.Context) ([]string, error) {
	var out struct {
		Sessions []string `json:"sessions"`
	}
	if err := c.getJSON(ctx, "/sessions", &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Session fetches a consistent snapshot of one live session.
func (c *Client) Session(ctx context.Context, id string) (*Session, error) {
	var out Session
	if err := c.getJSON(ctx, "/sessions/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Messages fetches up to limit archived messages for a session, oldest
// first. A non-positive limit uses the server default.
func (c *Client) Messages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	path := "/sessions/" + sessionID + "/messages"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// PutBlob stores a payload and returns its content address.
func (c *Client) PutBlob(ctx context.Context, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/blobs", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	var out struct {
		Hash string `json:"hash"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	return out.Hash, nil
}

// GetBlob retrieves a stored payload by its content address.
func (c *Client) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/blobs/"+hash, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err == nil {
		_ = json.Unmarshal(body, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
