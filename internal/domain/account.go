package domain

import (
	"context"
	"time"
)

// Account is an upstream account connected through the OAuth flow.
type Account struct {
	ID             string    `json:"id"`
	OpenID         string    `json:"open_id"`
	Username       string    `json:"username"`
	DisplayName    string    `json:"display_name"`
	AvatarURL      string    `json:"avatar_url"`
	AccessToken    string    `json:"-"`
	RefreshToken   string    `json:"-"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	Status         string    `json:"status"` // active | revoked
	ConnectedAt    time.Time `json:"connected_at"`
}

// AccountStore is the keyed-record registry of connected accounts.
type AccountStore interface {
	List(ctx context.Context) ([]Account, error)
	Get(ctx context.Context, id string) (*Account, error)
	Upsert(ctx context.Context, acc Account) (created bool, err error)
	Delete(ctx context.Context, id string) (*Account, error)
	Close() error
}
