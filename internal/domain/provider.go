package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ProviderKind tags one of the closed set of upstream integrations.
type ProviderKind string

const (
	KindOfficial   ProviderKind = "official"
	KindThirdParty ProviderKind = "thirdparty"
	KindRespondIO  ProviderKind = "respondio"
)

// Provider is the uniform surface over an upstream messaging integration,
// independent of whether it is push- or poll-based.
type Provider interface {
	Kind() ProviderKind

	// VerifyInboundChallenge answers the upstream webhook-registration handshake.
	VerifyInboundChallenge(w http.ResponseWriter, r *http.Request)

	// IngestInbound parses a pushed payload and publishes it on dm:incoming.
	IngestInbound(w http.ResponseWriter, r *http.Request)

	// SendMessage performs the outbound call. A non-nil error is always a *SendError.
	SendMessage(ctx context.Context, conversationID, text string) (*SendResult, error)

	// StartSynchronization and StopSynchronization are idempotent.
	// Push providers implement both as no-ops.
	StartSynchronization(ctx context.Context) error
	StopSynchronization()

	// HasCredential reports whether an outbound credential is configured.
	HasCredential() bool
}

// SyncStatus is a snapshot of a provider's in-memory synchronization state.
type SyncStatus struct {
	Polling       bool `json:"polling"`
	KnownContacts int  `json:"contacts"`
	SeenMessages  int  `json:"seenMessages"`
}

// SyncReporter is implemented by providers that keep synchronization state.
type SyncReporter interface {
	SyncStatus() SyncStatus
}

// SendResult is the successful outcome of SendMessage.
type SendResult struct {
	MessageID string          // upstream-assigned id, empty when not returned synchronously
	Data      json.RawMessage // upstream response body
}

// Failure classes for outbound sends and upstream calls.
var (
	ErrNotConfigured = errors.New("no credential configured")
	ErrUnauthorized  = errors.New("upstream rejected credential")
	ErrRateLimited   = errors.New("upstream rate limited")
	ErrTransport     = errors.New("upstream transport failure")
)

// SendError is the typed failure returned by Provider.SendMessage.
type SendError struct {
	Kind       error // one of the Err* classes above
	StatusCode int
	Detail     string
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("send failed (%d): %v: %s", e.StatusCode, e.Kind, e.Detail)
	}
	if e.Detail != "" {
		return fmt.Sprintf("send failed: %v: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("send failed: %v", e.Kind)
}

func (e *SendError) Unwrap() error { return e.Kind }
