package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultTimeout          = 10 * time.Second
	defaultMaxResponseBytes = int64(1 << 20) // 1MB
)

// Config configures the Client.
type Config struct {
	BaseURL          string
	Token            string
	Timeout          time.Duration
	MaxResponseBytes int64
	HTTPClient       *http.Client
}

// Client is a REST+WebSocket client for a Home-Assistant-flavored hub:
// REST for state/service snapshots and service calls, a websocket
// connection for the push stream of state_changed events.
type Client struct {
	baseURL  string
	token    string
	client   *http.Client
	maxBytes int64
	msgID    int64
}

// New creates a Client. baseURL may be http(s):// (REST calls use it
// directly; the WS endpoint is derived by swapping the scheme to ws(s)
// and appending /api/websocket).
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("hub: base_url is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("hub: invalid base_url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("hub: base_url scheme must be http or https")
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("hub: token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}

	return &Client{baseURL: baseURL, token: token, client: client, maxBytes: maxBytes}, nil
}

// FetchStates returns GET /api/states.
func (c *Client) FetchStates(ctx context.Context) ([]State, error) {
	raw, err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/api/states", nil)
	if err != nil {
		return nil, err
	}
	var states []State
	if err := json.Unmarshal(raw, &states); err != nil {
		return nil, fmt.Errorf("hub: decode states: %w", err)
	}
	return states, nil
}

// FetchServices returns GET /api/services, reshaped into a ServiceCatalog.
func (c *Client) FetchServices(ctx context.Context) (ServiceCatalog, error) {
	raw, err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/api/services", nil)
	if err != nil {
		return nil, err
	}
	var entries []struct {
		Domain   string             `json:"domain"`
		Services map[string]Service `json:"services"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("hub: decode services: %w", err)
	}
	catalog := make(ServiceCatalog, len(entries))
	for _, e := range entries {
		catalog[e.Domain] = e.Services
	}
	return catalog, nil
}

// CallService calls POST /api/services/{domain}/{service}.
func (c *Client) CallService(ctx context.Context, req CallServiceRequest) (any, error) {
	domain := strings.TrimSpace(req.Domain)
	service := strings.TrimSpace(req.Service)
	if domain == "" || service == "" {
		return nil, fmt.Errorf("hub: domain and service are required")
	}

	payload := map[string]any{}
	for k, v := range req.ServiceData {
		payload[k] = v
	}
	if len(req.Target.EntityID) == 1 {
		payload["entity_id"] = req.Target.EntityID[0]
	} else if len(req.Target.EntityID) > 1 {
		payload["entity_id"] = req.Target.EntityID
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("hub: encode service_data: %w", err)
	}

	endpoint := c.baseURL + "/api/services/" + url.PathEscape(domain) + "/" + url.PathEscape(service)
	if req.ReturnResponse {
		endpoint += "?return_response"
	}
	raw, err := c.doJSON(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw), nil
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("hub: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hub: request failed: %w", err)
	}
	defer resp.Body.Close()

	limit := c.maxBytes
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("hub: read response: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("hub: response too large")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("hub: %s", msg)
	}
	return json.RawMessage(data), nil
}

// wsURL derives the websocket endpoint from the configured REST base URL.
func (c *Client) wsURL() (string, error) {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/api/websocket"
	return parsed.String(), nil
}

// Events connects to the hub's websocket API, authenticates, subscribes to
// state_changed events, and streams them on the returned channel. The
// connection is torn down and the channel closed when ctx is cancelled.
func (c *Client) Events(ctx context.Context) (<-chan Event, error) {
	wsURL, err := c.wsURL()
	if err != nil {
		return nil, fmt.Errorf("hub: derive ws url: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("hub: dial websocket: %w", err)
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.subscribe(conn); err != nil {
		conn.Close()
		return nil, err
	}

	out := make(chan Event, 32)
	go c.pump(ctx, conn, out)
	return out, nil
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	var hello struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("hub: ws handshake: %w", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": c.token}); err != nil {
		return fmt.Errorf("hub: ws auth: %w", err)
	}
	var authResult struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&authResult); err != nil {
		return fmt.Errorf("hub: ws auth response: %w", err)
	}
	if authResult.Type != "auth_ok" {
		return fmt.Errorf("hub: ws auth rejected: %s", authResult.Type)
	}
	return nil
}

func (c *Client) subscribe(conn *websocket.Conn) error {
	id := atomic.AddInt64(&c.msgID, 1)
	return conn.WriteJSON(map[string]any{
		"id":         id,
		"type":       "subscribe_events",
		"event_type": "state_changed",
	})
}

func (c *Client) pump(ctx context.Context, conn *websocket.Conn, out chan<- Event) {
	defer close(out)
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var envelope struct {
			Type  string          `json:"type"`
			Event struct {
				EventType string          `json:"event_type"`
				Data      json.RawMessage `json:"data"`
				TimeFired time.Time       `json:"time_fired"`
			} `json:"event"`
		}
		if err := conn.ReadJSON(&envelope); err != nil {
			return
		}
		if envelope.Type != "event" || envelope.Event.EventType != "state_changed" {
			continue
		}
		var data EventData
		if err := json.Unmarshal(envelope.Event.Data, &data); err != nil {
			continue
		}
		evt := Event{EventType: envelope.Event.EventType, Data: data, TimeFired: envelope.Event.TimeFired}
		select {
		case out <- evt:
		case <-ctx.Done():
			return
		}
	}
}
