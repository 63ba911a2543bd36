package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"dmrelay/internal/bus"
	"dmrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

// fakeProvider records sends and returns a canned outcome.
type fakeProvider struct {
	result *domain.SendResult
	err    error
	block  bool

	conversation, text string
}

func (f *fakeProvider) Kind() domain.ProviderKind { return "fake" }
func (f *fakeProvider) VerifyInboundChallenge(http.ResponseWriter, *http.Request) {}
func (f *fakeProvider) IngestInbound(http.ResponseWriter, *http.Request) {}
func (f *fakeProvider) StartSynchronization(context.Context) error { return nil }
func (f *fakeProvider) StopSynchronization() {}
func (f *fakeProvider) HasCredential() bool { return true }

func (f *fakeProvider) SendMessage(ctx context.Context, conversationID, text string) (*domain.SendResult, error) {
	f.conversation, f.text = conversationID, text
	if f.block {
		<-ctx.Done()
		return nil, &domain.SendError{Kind: domain.ErrTransport, Detail: ctx.Err().Error()}
	}
	return f.result, f.err
}

type captured struct {
	messages []domain.CanonicalMessage
	failures []domain.SendFailure
}

func setup(t *testing.T, p domain.Provider, timeout time.Duration) (*bus.Hub, *captured) {
	t.Helper()
	hub := bus.New(testLogger())
	d := New(Config{Hub: hub, Provider: p, Timeout: timeout, Logger: testLogger()})
	d.now = func() time.Time { return time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC) }
	d.Register()

	c := &captured{}
	bus.Subscribe(hub, bus.Message, func(m domain.CanonicalMessage) error {
		c.messages = append(c.messages, m)
		return nil
	})
	bus.Subscribe(hub, bus.SendFailed, func(f domain.SendFailure) error {
		c.failures = append(c.failures, f)
		return nil
	})
	return hub, c
}

func TestDispatch_SuccessSynthesizesOutgoingMessage(t *testing.T) {
	p := &fakeProvider{result: &domain.SendResult{MessageID: "m-1"}}
	hub, c := setup(t, p, time.Second)

	bus.Publish(hub, bus.Outgoing, domain.SendIntent{ConversationID: "c1", AccountID: "a1", Text: "hi there"})

	if p.conversation != "c1" || p.text != "hi there" {
		t.Fatalf("provider got %q/%q", p.conversation, p.text)
	}
	if len(c.messages) != 1 || len(c.failures) != 0 {
		t.Fatalf("expected 1 message and no failures, got %d/%d", len(c.messages), len(c.failures))
	}
	m := c.messages[0]
	if m.Direction != domain.DirectionOutgoing || m.User != domain.SelfUser() {
		t.Fatalf("expected outgoing self message, got %+v", m)
	}
	if m.ConversationID != "c1" || m.AccountID != "a1" || m.MessageID != "m-1" {
		t.Fatalf("unexpected ids %+v", m)
	}
	if m.Timestamp != "2026-05-01T09:30:00.000Z" || m.Content.Text != "hi there" {
		t.Fatalf("unexpected timestamp/content %+v", m)
	}
}

func TestDispatch_LocalIDWhenUpstreamReturnsNone(t *testing.T) {
	hub, c := setup(t, &fakeProvider{result: &domain.SendResult{}}, time.Second)

	bus.Publish(hub, bus.Outgoing, domain.SendIntent{ConversationID: "c1", Text: "x"})

	if len(c.messages) != 1 || !strings.HasPrefix(c.messages[0].MessageID, "local-") {
		t.Fatalf("expected a local id, got %+v", c.messages)
	}
}

func TestDispatch_FailurePublishesSendFailed(t *testing.T) {
	sendErr := &domain.SendError{Kind: domain.ErrNotConfigured}
	hub, c := setup(t, &fakeProvider{err: sendErr}, time.Second)

	bus.Publish(hub, bus.Outgoing, domain.SendIntent{ConversationID: "c1", Text: "x", Origin: "viewer-1"})

	if len(c.messages) != 0 {
		t.Fatalf("failed send must not be recorded, got %d messages", len(c.messages))
	}
	if len(c.failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(c.failures))
	}
	f := c.failures[0]
	if f.Intent.Origin != "viewer-1" || !errors.Is(f.Err, domain.ErrNotConfigured) {
		t.Fatalf("unexpected failure %+v", f)
	}
}

func TestDispatch_SendIsBoundedByTimeout(t *testing.T) {
	hub, c := setup(t, &fakeProvider{block: true}, 20*time.Millisecond)

	start := time.Now()
	bus.Publish(hub, bus.Outgoing, domain.SendIntent{ConversationID: "c1", Text: "x"})

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("send was not bounded, took %v", elapsed)
	}
	if len(c.failures) != 1 || !errors.Is(c.failures[0].Err, domain.ErrTransport) {
		t.Fatalf("expected a transport failure, got %+v", c.failures)
	}
}
