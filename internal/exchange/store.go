// Package exchange implements the file-backed store both agents coordinate
// through. Entries are keyed by exchange id under two disjoint directories
// (requests and responses) below a shared root. Per-id atomicity comes
// solely from the write-temp-then-rename publish primitive; there is no
// cross-id locking of any kind, so any number of callers may publish, read,
// and delete distinct ids concurrently.
package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Subdirectory names under the shared root.
const (
	RequestsDir  = "requests"
	ResponsesDir = "responses"
	LogsDir      = "logs"
)

const entrySuffix = ".json"

// Bounded retry for entries that are visible but not yet fully readable.
// Network-backed filesystems can expose a brief post-rename window where
// the file exists with incomplete content.
const (
	readRetries = 3
	readBackoff = 50 * time.Millisecond
)

// ErrNotFound reports that no entry exists for the requested id.
var ErrNotFound = errors.New("exchange: entry not found")

// ErrCorrupt reports that an entry existed but never became readable
// within the bounded retry window.
var ErrCorrupt = errors.New("exchange: entry unreadable after retries")

// Store is rooted at a shared directory and provides atomic, race-safe
// access to request and response entries.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates a Store for the given shared root directory.
func NewStore(root string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: root, logger: logger}
}

// Root returns the shared root directory.
func (s *Store) Root() string { return s.root }

// RequestDir returns the directory holding pending request entries.
func (s *Store) RequestDir() string { return filepath.Join(s.root, RequestsDir) }

// ResponseDir returns the directory holding response entries.
func (s *Store) ResponseDir() string { return filepath.Join(s.root, ResponsesDir) }

// LogDir returns the directory holding relay lifecycle logs.
func (s *Store) LogDir() string { return filepath.Join(s.root, LogsDir) }

// EnsureLayout creates the requests, responses, and logs directories.
func (s *Store) EnsureLayout() error {
	for _, dir := range []string{s.RequestDir(), s.ResponseDir(), s.LogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Publish atomically writes an entry for id into dir. The data is written
// to a temporary name inside the same directory, fsynced, then renamed to
// the final name, so readers never observe a partially written entry.
func (s *Store) Publish(dir, id string, data []byte) error {
	finalPath := s.entryPath(dir, id)
	tmpPath := finalPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp entry: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp entry: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp entry: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp entry: %w", err)
	}
	return nil
}

// TryRead returns the entry bytes for id in dir without blocking.
// A missing entry returns ErrNotFound. An entry that exists but is empty
// or not yet complete JSON is retried a bounded number of times with short
// backoff, then reported as ErrCorrupt. Callers must treat both outcomes
// as recoverable.
func (s *Store) TryRead(dir, id string) ([]byte, error) {
	path := s.entryPath(dir, id)

	var lastErr error
	for attempt := 0; attempt <= readRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(readBackoff)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			lastErr = err
			continue
		}
		if len(data) == 0 || !json.Valid(data) {
			lastErr = fmt.Errorf("incomplete content (%d bytes)", len(data))
			continue
		}
		return data, nil
	}

	s.logger.Warn("exchange entry unreadable after retries",
		"dir", dir, "id", id, "error", lastErr)
	return nil, ErrCorrupt
}

// Exists reports whether an entry for id exists in dir. The answer is a
// snapshot and may be stale by the time the caller acts on it.
func (s *Store) Exists(dir, id string) bool {
	_, err := os.Stat(s.entryPath(dir, id))
	return err == nil
}

// ListPending returns the ids of entries currently visible in dir, in no
// particular order. The snapshot may contain ids whose entries are deleted
// before the caller reads them, and may miss entries published after the
// scan; callers must process idempotently. In-flight temp files are
// excluded.
func (s *Store) ListPending(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, entrySuffix))
	}
	return ids, nil
}

// Delete removes the entry for id from dir. Absence of the entry is not an
// error: either side may already have cleaned it up.
func (s *Store) Delete(dir, id string) error {
	err := os.Remove(s.entryPath(dir, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete entry %s: %w", id, err)
	}
	return nil
}

// EntryAge returns how long ago the entry for id in dir was published, or
// false if it does not exist.
func (s *Store) EntryAge(dir, id string) (time.Duration, bool) {
	info, err := os.Stat(s.entryPath(dir, id))
	if err != nil {
		return 0, false
	}
	return time.Since(info.ModTime()), true
}

func (s *Store) entryPath(dir, id string) string {
	return filepath.Join(dir, id+entrySuffix)
}
