package homeassistant

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by requests made while no WebSocket
// connection is established.
var ErrNotConnected = errors.New("websocket not connected")

const wsRequestTimeout = 30 * time.Second

// WSClient manages a WebSocket connection to Home Assistant.
type WSClient struct {
	baseURL string
	token   string
	tls     *tls.Config

	connMu sync.Mutex
	conn   *websocket.Conn
	// writeMu serialises writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
	msgID   atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan wsResponse

	events chan Event

	subsMu sync.Mutex
	subs   []string

	logger *slog.Logger
}

// Event is a Home Assistant event received over the WebSocket.
type Event struct {
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedData is the payload of a state_changed event.
type StateChangedData struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsResponse struct {
	Success bool
	Result  json.RawMessage
	Error   *wsError
}

// NewWSClient creates a WebSocket client. Call Connect before use.
func NewWSClient(baseURL, token string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		baseURL: baseURL,
		token:   token,
		pending: make(map[int64]chan wsResponse),
		events:  make(chan Event, 256),
		logger:  logger.With("component", "ha_websocket"),
	}
}

// SetTLSConfig sets the TLS configuration used by later dials.
func (c *WSClient) SetTLSConfig(cfg *tls.Config) {
	c.connMu.Lock()
	c.tls = cfg
	c.connMu.Unlock()
}

func (c *WSClient) wsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/websocket"
	return u.String(), nil
}

// Connect dials, authenticates, starts the read loop, and re-issues any
// subscriptions made on an earlier connection.
func (c *WSClient) Connect(ctx context.Context) error {
	target, err := c.wsURL()
	if err != nil {
		return err
	}
	c.logger.Info("connecting to Home Assistant WebSocket", "url", target)

	// Registry responses on large installs run to several megabytes.
	c.connMu.Lock()
	tlsCfg := c.tls
	c.connMu.Unlock()
	dialer := websocket.Dialer{
		ReadBufferSize:   1024 * 1024,
		WriteBufferSize:  64 * 1024,
		HandshakeTimeout: 15 * time.Second,
		TLSClientConfig:  tlsCfg,
	}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(100 * 1024 * 1024)

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return err
	}
	c.logger.Info("WebSocket authenticated")

	c.connMu.Lock()
	old := c.conn
	c.conn = conn
	c.connMu.Unlock()
	if old != nil {
		old.Close()
	}

	go c.readLoop(conn)

	c.restoreSubscriptions(ctx)
	return nil
}

func (c *WSClient) authenticate(conn *websocket.Conn) error {
	var hello wsMessage
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if hello.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", hello.Type)
	}

	if err := conn.WriteJSON(map[string]string{
		"type":         "auth",
		"access_token": c.token,
	}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var resp wsMessage
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch resp.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication failed")
	default:
		return fmt.Errorf("unexpected auth response: %s", resp.Type)
	}
}

// Close closes the connection. Subscriptions are remembered for a
// later Connect.
func (c *WSClient) Close() error {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Reconnect drops the current connection and connects again. It is
// meant for a connwatch OnReady callback.
func (c *WSClient) Reconnect(ctx context.Context) error {
	c.logger.Info("reconnecting WebSocket")
	c.Close()
	return c.Connect(ctx)
}

// Connected reports whether a connection is currently held.
func (c *WSClient) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Events returns the channel of subscribed events. It is never closed.
func (c *WSClient) Events() <-chan Event {
	return c.events
}

// Subscribe subscribes to eventType and remembers it for reconnects.
// Subscribing twice to the same type is a no-op.
func (c *WSClient) Subscribe(ctx context.Context, eventType string) error {
	c.subsMu.Lock()
	known := slices.Contains(c.subs, eventType)
	c.subsMu.Unlock()
	if known {
		return nil
	}

	if err := c.subscribe(ctx, eventType); err != nil {
		return err
	}

	c.subsMu.Lock()
	if !slices.Contains(c.subs, eventType) {
		c.subs = append(c.subs, eventType)
	}
	c.subsMu.Unlock()
	return nil
}

func (c *WSClient) subscribe(ctx context.Context, eventType string) error {
	_, err := c.request(ctx, map[string]any{
		"type":       "subscribe_events",
		"event_type": eventType,
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", eventType, err)
	}
	c.logger.Info("subscribed to events", "event_type", eventType)
	return nil
}

// GetAreaRegistry retrieves the area registry.
func (c *WSClient) GetAreaRegistry(ctx context.Context) ([]Area, error) {
	var areas []Area
	if err := c.list(ctx, "config/area_registry/list", &areas); err != nil {
		return nil, fmt.Errorf("get area registry: %w", err)
	}
	return areas, nil
}

// GetEntityRegistry retrieves the entity registry.
func (c *WSClient) GetEntityRegistry(ctx context.Context) ([]EntityRegistryEntry, error) {
	var entries []EntityRegistryEntry
	if err := c.list(ctx, "config/entity_registry/list", &entries); err != nil {
		return nil, fmt.Errorf("get entity registry: %w", err)
	}
	return entries, nil
}

// GetDeviceRegistry retrieves the device registry.
func (c *WSClient) GetDeviceRegistry(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := c.list(ctx, "config/device_registry/list", &devices); err != nil {
		return nil, fmt.Errorf("get device registry: %w", err)
	}
	return devices, nil
}

func (c *WSClient) list(ctx context.Context, msgType string, out any) error {
	raw, err := c.request(ctx, map[string]any{"type": msgType})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", msgType, err)
	}
	return nil
}

// request assigns an ID to msg, sends it, and waits for the matching
// result.
func (c *WSClient) request(ctx context.Context, msg map[string]any) (json.RawMessage, error) {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id := c.msgID.Add(1)
	msg["id"] = id

	respCh := make(chan wsResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	timer := time.NewTimer(wsRequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for response")
	}
}

// readLoop reads from conn until it fails. Reconnection is driven by
// connwatch, not from here.
func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.connMu.Lock()
			current := c.conn == conn
			if current {
				c.conn = nil
			}
			c.connMu.Unlock()

			switch {
			case !current:
				// Replaced or closed by us.
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.logger.Info("WebSocket closed by server")
			default:
				c.logger.Error("WebSocket read error, connection lost", "error", err)
			}
			return
		}

		switch msg.Type {
		case "result":
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				ch <- wsResponse{Success: msg.Success, Result: msg.Result, Error: msg.Error}
			}
			c.pendingMu.Unlock()

		case "event":
			if msg.Event == nil {
				continue
			}
			select {
			case c.events <- *msg.Event:
			default:
				c.logger.Warn("event channel full, dropping event", "type", msg.Event.Type)
			}

		case "pong":

		default:
			c.logger.Debug("unhandled WebSocket message type", "type", msg.Type)
		}
	}
}

// restoreSubscriptions re-issues remembered subscriptions on a new
// connection.
func (c *WSClient) restoreSubscriptions(ctx context.Context) {
	c.subsMu.Lock()
	subs := slices.Clone(c.subs)
	c.subsMu.Unlock()

	for _, eventType := range subs {
		if err := c.subscribe(ctx, eventType); err != nil {
			c.logger.Error("failed to restore subscription", "event_type", eventType, "error", err)
		}
	}
}
