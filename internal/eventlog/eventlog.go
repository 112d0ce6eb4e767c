// Package eventlog provides the append-only relay lifecycle log written
// under the shared root's logs directory: one JSON line per event, daily
// rotation, retention cleanup.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// Tag classifies a lifecycle event.
type Tag string

// Lifecycle event tags. One line is emitted per event.
const (
	TagScan           Tag = "SCAN"
	TagRequestStart   Tag = "REQUEST_START"
	TagRequestSuccess Tag = "REQUEST_SUCCESS"
	TagRequestFailed  Tag = "REQUEST_FAILED"
	TagRequestSkip    Tag = "REQUEST_SKIP"
)

// Record is one logged lifecycle event.
type Record struct {
	Timestamp  time.Time `json:"ts"`
	Tag        Tag       `json:"tag"`
	ExchangeID string    `json:"exchange_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// logFilePattern matches relay log filenames: relay-YYYY-MM-DD.log
var logFilePattern = regexp.MustCompile(`^relay-(\d{4}-\d{2}-\d{2})\.log$`)

// FileLog appends lifecycle records to a dated file in a log directory.
// Append failures are reported to the diagnostic logger and never
// propagate; losing a log line must not fail an exchange.
type FileLog struct {
	dir           string
	retentionDays int

	mu          sync.Mutex
	currentFile *os.File
	currentDate string
	closed      bool

	logger *slog.Logger
	cancel context.CancelFunc
}

// New creates a FileLog in dir, opens today's file, runs retention
// cleanup, and starts the hourly cleanup loop. retentionDays <= 0
// defaults to 7.
func New(dir string, retentionDays int, logger *slog.Logger) (*FileLog, error) {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &FileLog{
		dir:           dir,
		retentionDays: retentionDays,
		logger:        logger,
		cancel:        cancel,
	}

	today := time.Now().UTC().Format("2006-01-02")
	if err := l.openLocked(today); err != nil {
		cancel()
		return nil, err
	}

	l.runCleanup()
	go l.cleanupLoop(ctx)

	return l, nil
}

// Append writes one event line, rotating to a new file when the UTC date
// changes. Errors are logged and swallowed.
func (l *FileLog) Append(tag Tag, exchangeID, detail string) {
	rec := Record{
		Timestamp:  time.Now().UTC(),
		Tag:        tag,
		ExchangeID: exchangeID,
		Detail:     detail,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	dateStr := rec.Timestamp.Format("2006-01-02")
	if dateStr != l.currentDate {
		if l.currentFile != nil {
			_ = l.currentFile.Sync()
			_ = l.currentFile.Close()
			l.currentFile = nil
		}
		if err := l.openLocked(dateStr); err != nil {
			l.logger.Error("eventlog rotation failed", "error", err)
			return
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		l.logger.Error("eventlog marshal failed", "error", err)
		return
	}
	if _, err := l.currentFile.Write(append(data, '\n')); err != nil {
		l.logger.Error("eventlog write failed", "error", err)
	}
}

// Close stops the cleanup loop and closes the current file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.cancel()

	if l.currentFile != nil {
		_ = l.currentFile.Sync()
		err := l.currentFile.Close()
		l.currentFile = nil
		return err
	}
	return nil
}

// openLocked opens or creates the log file for the given date.
// Must be called with l.mu held (or before the log is shared).
func (l *FileLog) openLocked(dateStr string) error {
	path := filepath.Join(l.dir, fmt.Sprintf("relay-%s.log", dateStr))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", path, err)
	}
	l.currentFile = f
	l.currentDate = dateStr
	return nil
}

// runCleanup deletes log files older than the retention period.
func (l *FileLog) runCleanup() {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		l.logger.Error("eventlog cleanup: read directory", "dir", l.dir, "error", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -l.retentionDays)
	deleted := 0

	for _, e := range entries {
		m := logFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		fileDate, err := time.Parse("2006-01-02", m[1])
		if err != nil {
			continue
		}
		if fileDate.Before(cutoff) {
			if err := os.Remove(filepath.Join(l.dir, e.Name())); err != nil {
				l.logger.Error("eventlog cleanup: delete file", "file", e.Name(), "error", err)
			} else {
				deleted++
			}
		}
	}

	if deleted > 0 {
		l.logger.Info("eventlog cleanup completed", "deleted", deleted)
	}
}

func (l *FileLog) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.runCleanup()
		}
	}
}
