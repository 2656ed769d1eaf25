package activity

import (
	"fmt"
	"testing"
	"time"

	"github.com/loyaltyops/gmb-sync/internal/db"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	gdb, err := db.InitDB(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	return NewLogger(gdb)
}

func TestLogCapAt50MostRecentFirst(t *testing.T) {
	logger := newTestLogger(t)

	base := time.Unix(1_700_000_000, 0)
	seq := 0
	logger.now = func() time.Time {
		seq++
		return base.Add(time.Duration(seq) * time.Second)
	}

	for i := 1; i <= 60; i++ {
		logger.Log("biz-1", LevelInfo, fmt.Sprintf("event %d", i), nil)
	}

	entries := logger.Logs("biz-1", 0)
	if len(entries) != MaxEntries {
		t.Fatalf("expected %d entries, got %d", MaxEntries, len(entries))
	}
	if entries[0].Message != "event 60" {
		t.Fatalf("expected most recent first, got %q", entries[0].Message)
	}
	if entries[len(entries)-1].Message != "event 11" {
		t.Fatalf("expected oldest kept to be event 11, got %q", entries[len(entries)-1].Message)
	}
}

func TestLogsLimit(t *testing.T) {
	logger := newTestLogger(t)

	for i := 1; i <= 5; i++ {
		logger.Log("biz-1", LevelSuccess, fmt.Sprintf("event %d", i), map[string]any{"n": i})
	}

	entries := logger.Logs("biz-1", 2)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "event 5" {
		t.Fatalf("expected newest entry first, got %q", entries[0].Message)
	}
	if entries[0].DataJSON == "" {
		t.Fatal("expected structured data to be stored")
	}
}

func TestClearAndIsolation(t *testing.T) {
	logger := newTestLogger(t)

	logger.Log("biz-1", LevelInfo, "one", nil)
	logger.Log("biz-2", LevelError, "two", nil)

	logger.Clear("biz-1")
	if got := logger.Logs("biz-1", 0); len(got) != 0 {
		t.Fatalf("expected biz-1 log cleared, got %d entries", len(got))
	}
	if got := logger.Logs("biz-2", 0); len(got) != 1 {
		t.Fatalf("expected biz-2 log untouched, got %d entries", len(got))
	}
}
