// Package coursechat provides the Go SDK for the CourseLoop real-time
// direct-messaging core: the persistent chat channel between a student and
// an instructor, message history, read receipts, unread counters, and the
// media attachment pipeline.
//
// Example:
//
//	client := coursechat.NewClient("jwt-token",
//		coursechat.WithBaseURL("https://api.courseloop.example"))
//
//	history, _ := client.Messages.History(ctx, "student-1", "instructor-9")
//	peers, _ := client.Peers.List(ctx)
//
//	rt := client.Realtime.Connect(&coursechat.RealtimeConfig{Token: "jwt-token"})
//	session := coursechat.NewSession(coursechat.SessionConfig{
//		Self: "student-1", Role: coursechat.RoleStudent,
//		Transport: rt, History: client.Messages,
//	})
package coursechat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://api.courseloop.example"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the chat API. It carries an opaque bearer
// token; issuing and refreshing tokens is the auth service's concern.
type Client struct {
	token       string
	baseURL     string
	httpClient  *http.Client
	log         zerolog.Logger
	uploadLimit int64

	Messages *MessagesClient
	Peers    *PeersClient
	Uploads  *UploadsClient
	Realtime *RealtimeFactory
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger attaches a zerolog logger. Without it the client is silent
// apart from returned errors.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithUploadLimit overrides the attachment size ceiling in bytes.
func WithUploadLimit(limit int64) ClientOption {
	return func(c *Client) {
		if limit > 0 {
			c.uploadLimit = limit
		}
	}
}

// NewClient creates a new CourseLoop chat client authenticated with the
// given bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log:         zerolog.Nop(),
		uploadLimit: DefaultMaxUploadBytes,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Messages = &MessagesClient{client: c}
	c.Peers = &PeersClient{client: c}
	c.Uploads = &UploadsClient{client: c}
	c.Realtime = &RealtimeFactory{client: c}
	return c
}

// SetToken sets or replaces the bearer token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Messages (history loader)
// ============================================================================

// MessagesClient fetches the persisted conversation log.
type MessagesClient struct{ client *Client }

// historyRecord is the server's persisted message shape. Older records
// predate read tracking and carry no status field.
type historyRecord struct {
	Message
	Status Status `json:"status,omitempty"`
}

// History returns the conversation log between self and peer, oldest
// first. The result is a snapshot of persisted state; callers must merge
// it with locally known messages by message id, never replace them.
func (m *MessagesClient) History(ctx context.Context, self, peer PeerID) ([]Message, error) {
	res, err := m.client.doRequest(ctx, "GET", "/api/chat/history", nil, map[string]string{
		"sender":   string(self),
		"receiver": string(peer),
	})
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("history request rejected")
	}

	var records []historyRecord
	if err := res.Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}

	msgs := make([]Message, 0, len(records))
	for _, r := range records {
		msg := r.Message
		msg.Status = r.Status
		if msg.Status == "" {
			msg.Status = StatusSent
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// ============================================================================
// Peers (directory roster)
// ============================================================================

// PeersClient reads the user/instructor directory for roster display.
type PeersClient struct{ client *Client }

// List returns the peers the authenticated user can message.
func (p *PeersClient) List(ctx context.Context) ([]Peer, error) {
	res, err := p.client.doRequest(ctx, "GET", "/api/chat/peers", nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("peers request rejected")
	}

	var peers []Peer
	if err := res.Decode(&peers); err != nil {
		return nil, fmt.Errorf("failed to decode peers: %w", err)
	}
	return peers, nil
}

// Get returns a single directory entry.
func (p *PeersClient) Get(ctx context.Context, id PeerID) (*Peer, error) {
	res, err := p.client.doRequest(ctx, "GET", "/api/chat/peers/"+url.PathEscape(string(id)), nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("peer %s not found", id)
	}

	var peer Peer
	if err := res.Decode(&peer); err != nil {
		return nil, fmt.Errorf("failed to decode peer: %w", err)
	}
	return &peer, nil
}
