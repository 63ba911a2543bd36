package provider

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"dmrelay/internal/bus"
	"dmrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

// recorder captures everything published on the raw and canonical topics.
type recorder struct {
	mu       sync.Mutex
	incoming []domain.RawEvent
	messages []domain.CanonicalMessage
}

func newRecorder(hub *bus.Hub) *recorder {
	r := &recorder{}
	bus.Subscribe(hub, bus.Incoming, func(e domain.RawEvent) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.incoming = append(r.incoming, e)
		return nil
	})
	bus.Subscribe(hub, bus.Message, func(m domain.CanonicalMessage) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.messages = append(r.messages, m)
		return nil
	})
	return r
}

func (r *recorder) counts() (incoming, messages int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.incoming), len(r.messages)
}

func (r *recorder) lastIncoming(t *testing.T) domain.RawEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.incoming) == 0 {
		t.Fatal("nothing published on dm:incoming")
	}
	return r.incoming[len(r.incoming)-1]
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
