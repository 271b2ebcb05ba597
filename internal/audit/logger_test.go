package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sandboxd/internal/sandbox"
)

func newTestExecutionContext(t *testing.T) *sandbox.ExecutionContext {
	t.Helper()
	ctx, err := sandbox.NewExecutionContext(sandbox.ExecuteRequest{
		Code:     "print('hi')",
		Language: "python",
	})
	if err != nil {
		t.Fatalf("NewExecutionContext() error = %v", err)
	}
	return ctx
}

func readLines(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestLoggerWritesOneLinePerEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	l, err := NewLogger(path)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer l.Close()

	ctx := newTestExecutionContext(t)
	l.LogStart(ctx)
	l.LogComplete(ctx, &sandbox.ExecutionResult{ExitCode: 0, ExecutionTimeMS: 42}, true)

	entries := readLines(t, path)
	if len(entries) != 2 {
		t.Fatalf("got %d lines, want 2", len(entries))
	}
	if entries[0].EventType != EventExecutionStart {
		t.Errorf("first event = %s, want %s", entries[0].EventType, EventExecutionStart)
	}
	if entries[1].EventType != EventExecutionComplete || !entries[1].Success {
		t.Errorf("second event = %+v, want a successful execution_complete", entries[1])
	}
	if entries[1].ExecutionTimeMS == nil || *entries[1].ExecutionTimeMS != 42 {
		t.Errorf("ExecutionTimeMS = %v, want 42", entries[1].ExecutionTimeMS)
	}
}

func TestLoggerLogErrorClassifiesTimeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	l, err := NewLogger(path)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer l.Close()

	ctx := newTestExecutionContext(t)
	l.LogError(ctx, sandbox.KindExecutionTimeout, sandbox.ErrTimeout)

	entries := readLines(t, path)
	if len(entries) != 1 {
		t.Fatalf("got %d lines, want 1", len(entries))
	}
	if entries[0].EventType != EventExecutionTimeout {
		t.Errorf("EventType = %s, want %s", entries[0].EventType, EventExecutionTimeout)
	}
	if entries[0].Success {
		t.Error("Success = true, want false for an error entry")
	}
}

type recordingSink struct {
	entries []Entry
}

func (s *recordingSink) Log(e Entry) { s.entries = append(s.entries, e) }

func TestLoggerFansOutToSinks(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer l.Close()

	sink := &recordingSink{}
	l.AddSink(sink)

	ctx := newTestExecutionContext(t)
	l.LogComplete(ctx, &sandbox.ExecutionResult{ExitCode: 0, ExecutionTimeMS: time.Second.Milliseconds()}, true)

	if len(sink.entries) != 1 {
		t.Fatalf("sink got %d entries, want 1", len(sink.entries))
	}
}
