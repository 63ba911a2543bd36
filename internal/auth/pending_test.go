package auth

import (
	"log/slog"
	"os"
	"regexp"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

var hexState = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestPendingStore_Create(t *testing.T) {
	s := NewPendingStore(PendingConfig{Logger: testLogger()})
	defer s.Close()

	p, err := s.Create()
	if err != nil {
		t.Fatal(err)
	}
	if !hexState.MatchString(p.State) {
		t.Errorf("state = %q, want 32 hex chars", p.State)
	}
	if len(p.Verifier) != VerifierLength {
		t.Errorf("verifier length = %d, want %d", len(p.Verifier), VerifierLength)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestPendingStore_CreateUnique(t *testing.T) {
	s := NewPendingStore(PendingConfig{Logger: testLogger()})
	defer s.Close()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		p, err := s.Create()
		if err != nil {
			t.Fatal(err)
		}
		if seen[p.State] {
			t.Fatalf("duplicate state %q", p.State)
		}
		seen[p.State] = true
	}
}

func TestPendingStore_ConsumeOnce(t *testing.T) {
	s := NewPendingStore(PendingConfig{Logger: testLogger()})
	defer s.Close()

	p, err := s.Create()
	if err != nil {
		t.Fatal(err)
	}

	got, ok := s.Consume(p.State)
	if !ok {
		t.Fatal("first Consume should find the entry")
	}
	if got.Verifier != p.Verifier {
		t.Errorf("verifier = %q, want %q", got.Verifier, p.Verifier)
	}

	if _, ok := s.Consume(p.State); ok {
		t.Error("second Consume should fail")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestPendingStore_ConsumeUnknown(t *testing.T) {
	s := NewPendingStore(PendingConfig{Logger: testLogger()})
	defer s.Close()

	if _, ok := s.Consume("nope"); ok {
		t.Error("unknown state should not be found")
	}
	if _, ok := s.Consume(""); ok {
		t.Error("empty state should not be found")
	}
}

func TestPendingStore_ExpiresUnused(t *testing.T) {
	s := NewPendingStore(PendingConfig{TTL: 20 * time.Millisecond, Logger: testLogger()})
	defer s.Close()

	p, err := s.Create()
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Len() != 0 {
		t.Fatal("entry was not removed after its TTL")
	}
	if _, ok := s.Consume(p.State); ok {
		t.Error("expired state should not be consumable")
	}
}

func TestPendingStore_DefaultTTL(t *testing.T) {
	s := NewPendingStore(PendingConfig{})
	defer s.Close()
	if s.ttl != DefaultPendingTTL {
		t.Errorf("ttl = %v, want %v", s.ttl, DefaultPendingTTL)
	}
}

func TestPendingStore_Close(t *testing.T) {
	s := NewPendingStore(PendingConfig{Logger: testLogger()})
	for i := 0; i < 3; i++ {
		if _, err := s.Create(); err != nil {
			t.Fatal(err)
		}
	}
	s.Close()
	if s.Len() != 0 {
		t.Errorf("Len after Close = %d, want 0", s.Len())
	}
}
