package chatlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"dmrelay/internal/domain"
)

// Follow calls fn for every complete record in the log at path, then for
// each record appended afterwards, until ctx is done. A partial final line
// is held back until its newline arrives. Truncation restarts from the top.
func Follow(ctx context.Context, path string, fn func(domain.CanonicalMessage)) error {
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("chatlog: watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so creation and truncation of the file are seen too.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("chatlog: watch %s: %w", filepath.Dir(path), err)
	}

	var offset int64
	drain := func() error {
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			offset = 0
			return nil
		}
		if err != nil {
			return err
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return err
		}
		if info.Size() < offset {
			offset = 0
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		n, err := scanRecords(f, slog.Default(), fn)
		offset += n
		return err
	}

	if err := drain(); err != nil {
		return fmt.Errorf("chatlog: follow: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				offset = 0
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				if err := drain(); err != nil {
					return fmt.Errorf("chatlog: follow: %w", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("chatlog: watcher: %w", err)
		}
	}
}
