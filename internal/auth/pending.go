package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultPendingTTL is how long an authorization attempt stays redeemable.
const DefaultPendingTTL = 10 * time.Minute

// Pending is one in-flight OAuth authorization, keyed by its state token.
type Pending struct {
	State     string
	Verifier  string
	CreatedAt time.Time
}

// PendingConfig configures a PendingStore.
type PendingConfig struct {
	TTL    time.Duration
	Logger *slog.Logger
}

// PendingStore holds authorization attempts between /auth/connect and the
// provider's callback. Each entry is removed when consumed or when its TTL
// elapses, whichever comes first.
type PendingStore struct {
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]pendingEntry
}

type pendingEntry struct {
	pending Pending
	timer   *time.Timer
}

// NewPendingStore creates an empty store.
func NewPendingStore(cfg PendingConfig) *PendingStore {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingStore{
		ttl:     ttl,
		logger:  logger,
		entries: make(map[string]pendingEntry),
	}
}

// Create registers a new attempt with a fresh state and PKCE verifier.
func (s *PendingStore) Create() (Pending, error) {
	state, err := newState()
	if err != nil {
		return Pending{}, err
	}
	verifier, err := GenerateVerifier(VerifierLength)
	if err != nil {
		return Pending{}, err
	}
	p := Pending{State: state, Verifier: verifier, CreatedAt: time.Now()}

	s.mu.Lock()
	s.entries[state] = pendingEntry{
		pending: p,
		timer:   time.AfterFunc(s.ttl, func() { s.expire(state) }),
	}
	s.mu.Unlock()

	s.logger.Debug("authorization pending", "ttl", s.ttl)
	return p, nil
}

// Consume removes the attempt for state and reports whether it existed.
// A state can be consumed at most once.
func (s *PendingStore) Consume(state string) (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[state]
	if !ok {
		return Pending{}, false
	}
	e.timer.Stop()
	delete(s.entries, state)

	if time.Since(e.pending.CreatedAt) > s.ttl {
		return Pending{}, false
	}
	return e.pending, true
}

// Len reports the number of outstanding attempts.
func (s *PendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops all expiry timers and drops every entry.
func (s *PendingStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for state, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, state)
	}
}

func (s *PendingStore) expire(state string) {
	s.mu.Lock()
	_, ok := s.entries[state]
	delete(s.entries, state)
	s.mu.Unlock()

	if ok {
		s.logger.Debug("authorization expired")
	}
}

// newState returns 16 random bytes as 32 hex characters.
func newState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
