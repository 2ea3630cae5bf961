// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

// =====================================================
// Initialization
// =====================================================

// TestInit_idempotent verifies only the first Init takes effect.
func TestInit_idempotent(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()
	Init(&buf2, LevelDebug)

	if Get() != first {
		t.Error("second Init() should be ignored")
	}
	if first.sink.out != &buf1 {
		t.Error("output writer changed by second Init()")
	}
}

// TestParseLevel verifies config level parsing.
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{" INFO ", LevelInfo, false},
		{"Warn", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// =====================================================
// Output
// =====================================================

// TestLogger_levelFiltering verifies entries below the minimum level are dropped.
func TestLogger_levelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error", errors.New("boom"))

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Level != "WARN" || entries[1].Level != "ERROR" {
		t.Errorf("levels = %s,%s, want WARN,ERROR", entries[0].Level, entries[1].Level)
	}
	if entries[1].Error != "boom" {
		t.Errorf("error = %q, want boom", entries[1].Error)
	}
}

// TestLogger_named verifies component names nest and share the sink.
func TestLogger_named(t *testing.T) {
	var buf bytes.Buffer
	root := New(&buf, LevelDebug)
	child := root.Named("sync").Named("queue")

	child.Info("enqueued", map[string]interface{}{"id": "m-1"})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Component != "sync.queue" {
		t.Errorf("component = %q, want sync.queue", entries[0].Component)
	}
	if entries[0].Context["id"] != "m-1" {
		t.Errorf("context id = %v, want m-1", entries[0].Context["id"])
	}
}

// TestLogger_mergedContext verifies multiple context maps are merged.
func TestLogger_mergedContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Info("merged",
		map[string]interface{}{"a": 1},
		map[string]interface{}{"b": "two"})

	entries := decodeLines(t, &buf)
	if entries[0].Context["a"] != float64(1) || entries[0].Context["b"] != "two" {
		t.Errorf("context = %v, want a=1 b=two", entries[0].Context)
	}
}

// TestLogger_errorWithCode verifies the code field.
func TestLogger_errorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("pass failed", "SYNC_FAILED", errors.New("offline"))

	entries := decodeLines(t, &buf)
	if entries[0].Code != "SYNC_FAILED" {
		t.Errorf("code = %q, want SYNC_FAILED", entries[0].Code)
	}
}

// TestLogger_concurrentWrites verifies lines are never interleaved.
func TestLogger_concurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Named("worker").Info("tick", map[string]interface{}{"n": n})
		}(i)
	}
	wg.Wait()

	if got := len(decodeLines(t, &buf)); got != 20 {
		t.Errorf("got %d entries, want 20", got)
	}
}
