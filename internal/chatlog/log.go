// Package chatlog is the append-only JSONL store of canonical messages.
package chatlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"dmrelay/internal/bus"
	"dmrelay/internal/domain"
	"dmrelay/internal/metrics"
)

// Filter scopes ReadAll. Empty fields match everything. A record that lacks
// a field is treated as unscoped and matches any value for it.
type Filter struct {
	AccountID string
	ChannelID string
}

// Match reports whether m is in scope.
func (f Filter) Match(m domain.CanonicalMessage) bool {
	if f.AccountID != "" && m.AccountID != "" && m.AccountID != f.AccountID {
		return false
	}
	if f.ChannelID != "" && m.ChannelID != "" && m.ChannelID != f.ChannelID {
		return false
	}
	return true
}

// Log appends one JSON object per line to a single file.
type Log struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

// Open prepares the log at path, creating its directory if needed.
// The file itself is created on first append.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("chatlog: create dir: %w", err)
	}
	return &Log{path: path, logger: logger}, nil
}

// Path returns the file backing the log.
func (l *Log) Path() string { return l.path }

// Append writes msg as one line and fsyncs before returning.
func (l *Log) Append(msg domain.CanonicalMessage) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("chatlog: marshal: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("chatlog: open: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("chatlog: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("chatlog: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("chatlog: close: %w", err)
	}

	metrics.MessagesRecorded.Inc()
	return nil
}

// ReadAll returns every complete record matching filter, in append order.
// A missing file reads as empty.
func (l *Log) ReadAll(filter Filter) ([]domain.CanonicalMessage, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return []domain.CanonicalMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chatlog: open: %w", err)
	}
	defer f.Close()

	out := []domain.CanonicalMessage{}
	_, err = scanRecords(f, l.logger, func(m domain.CanonicalMessage) {
		if filter.Match(m) {
			out = append(out, m)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("chatlog: read: %w", err)
	}
	return out, nil
}

// Count returns the number of complete records in the log.
func (l *Log) Count() (int, error) {
	all, err := l.ReadAll(Filter{})
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// Exists reports whether the backing file has been created.
func (l *Log) Exists() bool {
	_, err := os.Stat(l.path)
	return err == nil
}

// Clear truncates the log to empty.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.WriteFile(l.path, nil, 0o644); err != nil {
		return fmt.Errorf("chatlog: clear: %w", err)
	}
	return nil
}

// Record subscribes the log to the message topic.
func (l *Log) Record(hub *bus.Hub) bus.Subscription {
	return bus.Subscribe(hub, bus.Message, l.Append)
}

// scanRecords decodes newline-terminated records from r and returns the
// number of bytes consumed. A trailing line without a newline is not
// consumed: it is either still being written or was torn by a crash.
// Malformed complete lines are skipped with a warning.
func scanRecords(r io.Reader, logger *slog.Logger, fn func(domain.CanonicalMessage)) (int64, error) {
	br := bufio.NewReader(r)
	var consumed int64
	for {
		line, err := br.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return consumed, nil
		}
		if err != nil {
			return consumed, err
		}
		consumed += int64(len(line))

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var m domain.CanonicalMessage
		if err := json.Unmarshal(line, &m); err != nil {
			logger.Warn("skipping malformed chat log line", "err", err)
			continue
		}
		fn(m)
	}
}
