package normalize

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"dmrelay/internal/bus"
	"dmrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func TestNormalize_SparseInputIsFullyPopulated(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	Now = func() time.Time { return fixed }
	t.Cleanup(func() { Now = time.Now })

	msg, err := Normalize(domain.RawEvent{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}

	if msg.Type != "dm" || msg.Direction != domain.DirectionIncoming {
		t.Errorf("unexpected type/direction: %q/%q", msg.Type, msg.Direction)
	}
	if msg.Timestamp != "2026-03-01T12:00:00.000Z" {
		t.Errorf("expected current time, got %q", msg.Timestamp)
	}
	if msg.User.ID != "unknown" || msg.User.Username != "unknown" || msg.User.Nickname != "unknown" {
		t.Errorf("expected unknown user fallbacks, got %+v", msg.User)
	}
	if msg.Content.Kind != domain.KindText || msg.Content.Text != "" {
		t.Errorf("expected empty text content, got %+v", msg.Content)
	}
}

func TestNormalize_NicknameFallsBackToUsername(t *testing.T) {
	msg, err := Normalize(domain.RawEvent{
		ConversationID: "c1",
		User:           domain.RawUser{ID: "u1", Username: "alice"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.User.Nickname != "alice" {
		t.Errorf("expected nickname alice, got %q", msg.User.Nickname)
	}
}

func TestNormalize_KeepsRawValues(t *testing.T) {
	raw := domain.RawEvent{
		AccountID:      "a1",
		ChannelID:      "ch1",
		ConversationID: "c1",
		MessageID:      "m1",
		Timestamp:      "2025-01-01T00:00:00.000Z",
		User:           domain.RawUser{ID: "u1", Username: "alice", Nickname: "Alice A", AvatarURL: "https://x/a.png"},
		Message:        domain.RawContent{Type: "image", Text: "look"},
	}

	msg, err := Normalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	if msg.AccountID != "a1" || msg.ChannelID != "ch1" || msg.MessageID != "m1" {
		t.Errorf("scope/id not carried over: %+v", msg)
	}
	if msg.Timestamp != raw.Timestamp {
		t.Errorf("expected raw timestamp, got %q", msg.Timestamp)
	}
	if msg.User.Nickname != "Alice A" || msg.User.AvatarURL != "https://x/a.png" {
		t.Errorf("user not carried over: %+v", msg.User)
	}
	if msg.Content.Kind != domain.KindOther || msg.Content.Text != "look" {
		t.Errorf("expected other/look, got %+v", msg.Content)
	}
}

func TestNormalize_MissingConversation(t *testing.T) {
	_, err := Normalize(domain.RawEvent{MessageID: "m1"})
	if !errors.Is(err, ErrMissingConversation) {
		t.Fatalf("expected ErrMissingConversation, got %v", err)
	}
}

func TestRegister_RepublishesOnMessage(t *testing.T) {
	hub := bus.New(testLogger())
	Register(hub, testLogger())

	var got []domain.CanonicalMessage
	bus.Subscribe(hub, bus.Message, func(m domain.CanonicalMessage) error {
		got = append(got, m)
		return nil
	})

	bus.Publish(hub, bus.Incoming, domain.RawEvent{ConversationID: "c1", Message: domain.RawContent{Text: "hi"}})
	bus.Publish(hub, bus.Incoming, domain.RawEvent{Message: domain.RawContent{Text: "dropped"}})

	if len(got) != 1 {
		t.Fatalf("expected 1 canonical message, got %d", len(got))
	}
	if got[0].Content.Text != "hi" {
		t.Errorf("unexpected text %q", got[0].Content.Text)
	}
}
