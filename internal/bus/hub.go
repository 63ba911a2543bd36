// Package bus provides the in-process, topic-based publish/subscribe hub
// that decouples providers, the normalizer, the chat log and viewers.
package bus

import (
	"fmt"
	"log/slog"
	"sync"

	"dmrelay/internal/domain"
	"dmrelay/internal/metrics"
)

// Topic is a named channel carrying payloads of type T.
type Topic[T any] struct {
	name string
}

// Name returns the wire name of the topic.
func (t Topic[T]) Name() string { return t.name }

// Well-known topics.
var (
	Incoming   = Topic[domain.RawEvent]{name: "dm:incoming"}
	Outgoing   = Topic[domain.SendIntent]{name: "dm:outgoing"}
	Message    = Topic[domain.CanonicalMessage]{name: "message"}
	SendFailed = Topic[domain.SendFailure]{name: "dm:send_failed"}
)

// Handler receives a payload. A returned error is logged by the hub and
// does not stop delivery to the remaining handlers.
type Handler[T any] func(T) error

// Subscription identifies a registered handler.
type Subscription struct {
	topic string
	id    uint64
}

type entry struct {
	id uint64
	fn func(any) error
}

// Hub dispatches payloads synchronously, in registration order.
type Hub struct {
	mu       sync.RWMutex
	handlers map[string][]entry
	nextID   uint64
	logger   *slog.Logger
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		handlers: make(map[string][]entry),
		logger:   logger,
	}
}

// Subscribe registers fn for topic t.
func Subscribe[T any](h *Hub, t Topic[T], fn Handler[T]) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.handlers[t.name] = append(h.handlers[t.name], entry{
		id: id,
		fn: func(v any) error { return fn(v.(T)) },
	})
	return Subscription{topic: t.name, id: id}
}

// Unsubscribe removes a handler. Unknown subscriptions are ignored.
func (h *Hub) Unsubscribe(sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handlers := h.handlers[sub.topic]
	for i, e := range handlers {
		if e.id == sub.id {
			// Copy so an in-flight publish keeps iterating its own snapshot.
			next := make([]entry, 0, len(handlers)-1)
			next = append(next, handlers[:i]...)
			next = append(next, handlers[i+1:]...)
			h.handlers[sub.topic] = next
			return
		}
	}
}

// Publish invokes every handler currently registered for t.
func Publish[T any](h *Hub, t Topic[T], payload T) {
	h.mu.RLock()
	handlers := h.handlers[t.name]
	h.mu.RUnlock()

	for _, e := range handlers {
		if err := h.invoke(e, payload); err != nil {
			metrics.HubHandlerFailures.Inc()
			h.logger.Error("hub handler failed", "topic", t.name, "handler", e.id, "err", err)
		}
	}
}

// HandlerCount returns the number of handlers registered for t.
func HandlerCount[T any](h *Hub, t Topic[T]) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers[t.name])
}

func (h *Hub) invoke(e entry, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.fn(payload)
}
