// Package routeclient provides a client for the dispatchd gateway API.
//
// The client wraps the REST endpoints exposed by a running dispatchd
// instance and can stream routing events over its WebSocket endpoint.
// All types mirror the gateway wire format, so the package has no
// dependency on dispatchd internals.
//
// Example:
//
//	client := routeclient.New("http://localhost:8090",
//	    routeclient.WithToken("secret"),
//	)
//	result, err := client.Route(ctx, routeclient.RouteRequest{
//	    ID:             "msg-123",
//	    Channel:        "web",
//	    Classification: routeclient.NewClassification("healthcare", "signup", "high"),
//	})
package routeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// RouteRequest describes a message to be routed.
type RouteRequest struct {
	ID             string          `json:"id"`
	Channel        string          `json:"channel,omitempty"`
	Sender         string          `json:"sender,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
}

// Classification carries the routing signals for a message.
type Classification struct {
	Sector     Sector          `json:"sector"`
	Intent     Intent          `json:"intent"`
	Urgency    Urgency         `json:"urgency"`
	Frameworks map[string]bool `json:"frameworks,omitempty"`
}

// Sector identifies the business sector of a message.
type Sector struct {
	Primary string `json:"primary"`
}

// Intent identifies what the sender wants.
type Intent struct {
	Intent string `json:"intent"`
}

// Urgency identifies how quickly the message needs handling.
type Urgency struct {
	Level string `json:"level"`
}

// NewClassification builds a classification from the three core signals
// plus optional framework tags.
func NewClassification(sector, intent, urgency string, frameworks ...string) *Classification {
	c := &Classification{
		Sector:  Sector{Primary: sector},
		Intent:  Intent{Intent: intent},
		Urgency: Urgency{Level: urgency},
	}
	if len(frameworks) > 0 {
		c.Frameworks = make(map[string]bool, len(frameworks))
		for _, f := range frameworks {
			c.Frameworks[f] = true
		}
	}
	return c
}

// RouteResult is the assignment returned for a routed message.
type RouteResult struct {
	AgentID   string    `json:"agentId"`
	AgentName string    `json:"agentName"`
	TaskID    string    `json:"taskId"`
	RoutedAt  time.Time `json:"routedAt"`
}

// Stats holds cumulative routing counters.
type Stats struct {
	Routed      uint64            `json:"routed"`
	Failed      uint64            `json:"failed"`
	AgentCounts map[string]uint64 `json:"agentCounts"`
}

// Agent describes a registered agent and its current load.
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Enabled      bool     `json:"enabled"`
	Capabilities []string `json:"capabilities,omitempty"`
	CurrentLoad  int      `json:"currentLoad"`
	MaxLoad      int      `json:"maxLoad"`
	Weight       int      `json:"weight,omitempty"`
}

// Event is a routing event streamed over the WebSocket endpoint.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	MessageID string          `json:"messageId,omitempty"`
	AgentID   string          `json:"agentId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// APIError is returned for non-2xx responses from the gateway.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: %s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("gateway: %s (status %d)", e.Message, e.StatusCode)
}

// Client talks to a dispatchd gateway.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client for the gateway at baseURL, e.g. "http://localhost:8090".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Route submits a classified message for routing and returns the assignment.
func (c *Client) Route(ctx context.Context, req RouteRequest) (*RouteResult, error) {
	var result RouteResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/route", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Stats returns the cumulative routing counters.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ResetStats zeroes the routing counters. Requires an admin token.
func (c *Client) ResetStats(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/stats/reset", nil, nil)
}

// Agents lists the registered agents in registration order.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// Release frees one unit of load on the given agent. Requires an admin token.
func (c *Client) Release(ctx context.Context, agentID string) error {
	body := map[string]string{"agentId": agentID}
	return c.do(ctx, http.MethodPost, "/api/v1/agents/release", body, nil)
}

// SetEnabled enables or disables an agent at runtime. Requires an admin
// token. Disabled agents receive no new work but keep their current load.
func (c *Client) SetEnabled(ctx context.Context, agentID string, enabled bool) error {
	body := map[string]any{"agentId": agentID, "enabled": enabled}
	return c.do(ctx, http.MethodPost, "/api/v1/agents/enable", body, nil)
}

// Events opens the WebSocket endpoint and streams routing events until ctx
// is cancelled or the connection drops. The returned channel is closed when
// the stream ends.
func (c *Client) Events(ctx context.Context) (<-chan Event, error) {
	conn, _, err := websocket.Dial(ctx, c.wsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("routeclient: dial events: %w", err)
	}

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			var frame struct {
				Type    string          `json:"type"`
				Payload json.RawMessage `json:"payload,omitempty"`
			}
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				return
			}
			if frame.Type != "event" {
				continue
			}
			var ev Event
			if err := json.Unmarshal(frame.Payload, &ev); err != nil {
				c.logger.Warn("routeclient: malformed event", "error", err)
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (c *Client) wsURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if c.token != "" {
		return u + "/ws?token=" + url.QueryEscape(c.token)
	}
	return u + "/ws"
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("routeclient: encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("routeclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("routeclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("routeclient: decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Code = body.Code
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
