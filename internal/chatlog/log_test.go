package chatlog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dmrelay/internal/bus"
	"dmrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "data", "chats.jsonl"), testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return l
}

func msg(conv, text string) domain.CanonicalMessage {
	return domain.CanonicalMessage{
		Type:           "dm",
		Direction:      domain.DirectionIncoming,
		ConversationID: conv,
		Timestamp:      "2026-01-01T00:00:00.000Z",
		User:           domain.User{ID: "u1", Username: "alice", Nickname: "alice"},
		Content:        domain.Content{Kind: domain.KindText, Text: text},
	}
}

func TestLog_MissingFileReadsEmpty(t *testing.T) {
	l := newTestLog(t)
	got, err := l.ReadAll(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", got)
	}
	if l.Exists() {
		t.Fatal("file should not exist before first append")
	}
}

func TestLog_AppendKeepsOrderAndDuplicates(t *testing.T) {
	l := newTestLog(t)
	for _, text := range []string{"one", "two", "two"} {
		if err := l.Append(msg("c1", text)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := l.ReadAll(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].Content.Text != "one" || got[1].Content.Text != "two" || got[2].Content.Text != "two" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestLog_FilterIncludesUnscopedRecords(t *testing.T) {
	l := newTestLog(t)

	a1 := msg("c1", "from a1")
	a1.AccountID = "a1"
	a2 := msg("c2", "from a2")
	a2.AccountID = "a2"
	legacy := msg("c3", "legacy")

	for _, m := range []domain.CanonicalMessage{a1, a2, legacy} {
		if err := l.Append(m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := l.ReadAll(Filter{AccountID: "a1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d: %+v", len(got), got)
	}
	if got[0].AccountID != "a1" || got[1].AccountID != "" {
		t.Fatalf("expected a1 then unscoped, got %+v", got)
	}
}

func TestLog_FilterIsConjunction(t *testing.T) {
	l := newTestLog(t)

	m := msg("c1", "x")
	m.AccountID = "a1"
	m.ChannelID = "ch2"
	if err := l.Append(m); err != nil {
		t.Fatal(err)
	}

	got, _ := l.ReadAll(Filter{AccountID: "a1", ChannelID: "ch1"})
	if len(got) != 0 {
		t.Fatalf("expected channel mismatch to exclude record, got %d", len(got))
	}
	got, _ = l.ReadAll(Filter{AccountID: "a1", ChannelID: "ch2"})
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
}

func TestLog_DiscardsPartialFinalLine(t *testing.T) {
	l := newTestLog(t)
	if err := l.Append(msg("c1", "complete")); err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"type":"dm","conversationId":"c2","content":{"te`)
	f.Close()

	got, err := l.ReadAll(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content.Text != "complete" {
		t.Fatalf("expected only the complete record, got %+v", got)
	}
}

func TestLog_SkipsMalformedLines(t *testing.T) {
	l := newTestLog(t)
	if err := os.WriteFile(l.Path(), []byte("not json\n\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(msg("c1", "ok")); err != nil {
		t.Fatal(err)
	}

	n, err := l.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 valid record, got %d", n)
	}
}

func TestLog_Clear(t *testing.T) {
	l := newTestLog(t)
	l.Append(msg("c1", "a"))
	l.Append(msg("c1", "b"))

	if err := l.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := l.Count(); n != 0 {
		t.Fatalf("expected empty log after clear, got %d", n)
	}

	l.Append(msg("c1", "c"))
	if n, _ := l.Count(); n != 1 {
		t.Fatalf("expected append after clear to work, got %d", n)
	}
}

func TestLog_RecordSubscribesToMessages(t *testing.T) {
	l := newTestLog(t)
	hub := bus.New(testLogger())
	l.Record(hub)

	bus.Publish(hub, bus.Message, msg("c1", "via hub"))

	got, _ := l.ReadAll(Filter{})
	if len(got) != 1 || got[0].Content.Text != "via hub" {
		t.Fatalf("expected hub message recorded, got %+v", got)
	}
}

func TestFollow_EmitsExistingThenAppended(t *testing.T) {
	l := newTestLog(t)
	l.Append(msg("c1", "before"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan string, 8)
	done := make(chan error, 1)
	go func() {
		done <- Follow(ctx, l.Path(), func(m domain.CanonicalMessage) {
			seen <- m.Content.Text
		})
	}()

	expect := func(want string) {
		t.Helper()
		select {
		case got := <-seen:
			if got != want {
				t.Fatalf("expected %q, got %q", want, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	expect("before")
	l.Append(msg("c1", "after"))
	expect("after")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("follow returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("follow did not stop after cancel")
	}
}
