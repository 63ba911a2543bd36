// Package transport fans canonical messages out to connected dashboard
// viewers over WebSocket and accepts their send requests.
package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"dmrelay/internal/bus"
	"dmrelay/internal/domain"
	"dmrelay/internal/metrics"
)

// Frame events.
const (
	EventMessage     = "message"
	EventSendMessage = "send_message"
	EventError       = "error"
	EventStatus      = "status"
)

// Frame is the JSON envelope used in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	ConversationID string `json:"conversationId,omitempty"`
	Kind           string `json:"kind"` // not_configured | unauthorized | rate_limited | transport | invalid
	Error          string `json:"error"`
}

// Config configures a Broadcaster.
type Config struct {
	Hub          *bus.Hub
	Logger       *slog.Logger
	WriteTimeout time.Duration
}

// Broadcaster holds the set of connected viewers.
type Broadcaster struct {
	hub          *bus.Hub
	logger       *slog.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	subs    []bus.Subscription
}

type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

// New creates a Broadcaster subscribed to message and dm:send_failed.
func New(cfg Config) *Broadcaster {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	b := &Broadcaster{
		hub:          cfg.Hub,
		logger:       cfg.Logger,
		writeTimeout: cfg.WriteTimeout,
		clients:      make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served from the same process; any origin may watch.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	b.subs = append(b.subs,
		bus.Subscribe(cfg.Hub, bus.Message, func(m domain.CanonicalMessage) error {
			b.Broadcast(m)
			return nil
		}),
		bus.Subscribe(cfg.Hub, bus.SendFailed, func(f domain.SendFailure) error {
			b.notifyFailure(f)
			return nil
		}),
	)
	return b
}

// ServeHTTP upgrades the request and serves the viewer until it disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}
	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()
	metrics.ViewerConnections.Inc()
	b.logger.Info("viewer connected", "client_id", c.id)

	defer func() {
		b.mu.Lock()
		delete(b.clients, c.id)
		b.mu.Unlock()
		metrics.ViewerConnections.Dec()
		conn.Close()
		b.logger.Info("viewer disconnected", "client_id", c.id)
	}()

	b.write(c, EventStatus, map[string]any{"connected": true, "clientId": c.id})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Warn("websocket read error", "client_id", c.id, "err", err)
			}
			return
		}
		b.handleFrame(c, data)
	}
}

func (b *Broadcaster) handleFrame(c *client, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		b.logger.Warn("invalid websocket frame", "client_id", c.id, "err", err)
		return
	}

	switch f.Event {
	case EventSendMessage:
		var intent domain.SendIntent
		if err := json.Unmarshal(f.Data, &intent); err != nil ||
			intent.ConversationID == "" || strings.TrimSpace(intent.Text) == "" {
			b.write(c, EventError, ErrorData{
				ConversationID: intent.ConversationID,
				Kind:           "invalid",
				Error:          "send_message needs conversationId and text",
			})
			return
		}
		intent.Origin = c.id
		b.logger.Debug("send requested", "client_id", c.id, "conversation", intent.ConversationID)
		bus.Publish(b.hub, bus.Outgoing, intent)
	default:
		b.logger.Debug("ignoring websocket event", "event", f.Event)
	}
}

// Broadcast sends msg to every connected viewer. Scoping by account or
// channel is left to the viewer.
func (b *Broadcaster) Broadcast(msg domain.CanonicalMessage) {
	for _, c := range b.snapshot() {
		b.write(c, EventMessage, msg)
	}
}

func (b *Broadcaster) notifyFailure(f domain.SendFailure) {
	b.mu.RLock()
	c, ok := b.clients[f.Intent.Origin]
	b.mu.RUnlock()
	if !ok {
		return
	}
	b.write(c, EventError, ErrorData{
		ConversationID: f.Intent.ConversationID,
		Kind:           failureKind(f.Err),
		Error:          f.Err.Error(),
	})
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	default:
		return "transport"
	}
}

// write sends one frame to c. A viewer that cannot keep up is disconnected;
// its read loop then unregisters it.
func (b *Broadcaster) write(c *client, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("marshal frame", "event", event, "err", err)
		return
	}
	frame, _ := json.Marshal(Frame{Event: event, Data: data})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		b.logger.Debug("websocket write failed", "client_id", c.id, "err", err)
		c.conn.Close()
	}
}

func (b *Broadcaster) snapshot() []*client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		out = append(out, c)
	}
	return out
}

// Count returns the number of connected viewers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close unsubscribes from the hub and disconnects every viewer.
func (b *Broadcaster) Close() {
	for _, s := range b.subs {
		b.hub.Unsubscribe(s)
	}
	for _, c := range b.snapshot() {
		c.mu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		c.conn.Close()
	}
}
