package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestAppendWritesJSONLines(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	l, err := New(dir, 7, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	l.Append(TagRequestStart, "ex-1", "")
	l.Append(TagRequestSuccess, "ex-1", "status 200")
	l.Append(TagScan, "", "3 pending")

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("relay-%s.log", time.Now().UTC().Format("2006-01-02")))
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		records = append(records, rec)
	}

	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[0].Tag != TagRequestStart || records[0].ExchangeID != "ex-1" {
		t.Errorf("record 0 = %+v", records[0])
	}
	if records[1].Detail != "status 200" {
		t.Errorf("record 1 detail = %q", records[1].Detail)
	}
	if records[2].Tag != TagScan || records[2].ExchangeID != "" {
		t.Errorf("record 2 = %+v", records[2])
	}
	if records[0].Timestamp.IsZero() {
		t.Error("record timestamp is zero")
	}
}

func TestRetentionCleanup(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()

	oldDate := time.Now().UTC().AddDate(0, 0, -10).Format("2006-01-02")
	oldPath := filepath.Join(dir, fmt.Sprintf("relay-%s.log", oldDate))
	if err := os.WriteFile(oldPath, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write old log: %v", err)
	}
	// A non-log file must survive cleanup.
	keepPath := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(keepPath, []byte("keep"), 0o644); err != nil {
		t.Fatalf("write keep file: %v", err)
	}

	l, err := New(dir, 7, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("expired log file survived retention cleanup")
	}
	if _, err := os.Stat(keepPath); err != nil {
		t.Errorf("non-log file removed by cleanup: %v", err)
	}
}

func TestAppendAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	l, err := New(t.TempDir(), 7, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Must not panic or write.
	l.Append(TagRequestFailed, "ex-2", "late event")

	if err := l.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
