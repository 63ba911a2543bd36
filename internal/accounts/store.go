// Package accounts persists connected upstream accounts in SQLite.
package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dmrelay/internal/domain"

	_ "modernc.org/sqlite"
)

// Store implements domain.AccountStore using SQLite. Accounts are keyed by
// open id; reconnecting an existing account replaces its record in place.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.AccountStore = (*Store)(nil)

// Open opens (creating if needed) the database at dbPath and migrates it.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

const selectColumns = `id, open_id, username, display_name, avatar_url,
	access_token, refresh_token, token_expires_at, status, connected_at`

// List returns all accounts in the order they were first connected.
func (s *Store) List(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM accounts ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	out := []domain.Account{}
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// Get returns the account with the given id, or nil if there is none.
func (s *Store) Get(ctx context.Context, id string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM accounts WHERE id = ?`, id)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// Upsert inserts acc or replaces the record with the same open id.
// It reports whether a new record was created.
func (s *Store) Upsert(ctx context.Context, acc domain.Account) (bool, error) {
	if acc.OpenID == "" {
		return false, errors.New("upsert account: open id is required")
	}
	if acc.ID == "" {
		acc.ID = acc.OpenID
	}
	if acc.ConnectedAt.IsZero() {
		acc.ConnectedAt = time.Now().UTC()
	}
	if acc.Status == "" {
		acc.Status = "active"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT seq FROM accounts WHERE open_id = ?`, acc.OpenID).Scan(&seq)
	created := errors.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		return false, fmt.Errorf("upsert account: %w", err)
	}

	if created {
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM accounts`).Scan(&seq); err != nil {
			return false, fmt.Errorf("upsert account: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO accounts (id, open_id, username, display_name, avatar_url,
				access_token, refresh_token, token_expires_at, status, connected_at, seq)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			acc.ID, acc.OpenID, acc.Username, acc.DisplayName, acc.AvatarURL,
			acc.AccessToken, acc.RefreshToken, formatTime(acc.TokenExpiresAt), acc.Status,
			formatTime(acc.ConnectedAt), seq,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE accounts SET id=?, username=?, display_name=?, avatar_url=?,
				access_token=?, refresh_token=?, token_expires_at=?, status=?, connected_at=?
			 WHERE open_id=?`,
			acc.ID, acc.Username, acc.DisplayName, acc.AvatarURL,
			acc.AccessToken, acc.RefreshToken, formatTime(acc.TokenExpiresAt), acc.Status,
			formatTime(acc.ConnectedAt), acc.OpenID,
		)
	}
	if err != nil {
		return false, fmt.Errorf("upsert account: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	s.logger.Debug("account stored", "open_id", acc.OpenID, "created", created)
	return created, nil
}

// Delete removes the account with the given id and returns it, or nil if
// there was none.
func (s *Store) Delete(ctx context.Context, id string) (*domain.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	acc, err := scanAccount(tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete account: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &acc, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(sc scanner) (domain.Account, error) {
	var acc domain.Account
	var expires, connected string
	err := sc.Scan(&acc.ID, &acc.OpenID, &acc.Username, &acc.DisplayName, &acc.AvatarURL,
		&acc.AccessToken, &acc.RefreshToken, &expires, &acc.Status, &connected)
	if err != nil {
		return domain.Account{}, err
	}
	acc.TokenExpiresAt = parseTime(expires)
	acc.ConnectedAt = parseTime(connected)
	return acc, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
