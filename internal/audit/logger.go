// Package audit implements the append-only execution log (§4.H): one
// JSON object per line, synchronous, never the primary request path's
// bottleneck but never silently dropped either.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"sandboxd/internal/sandbox"
)

// EventType classifies an audit entry.
type EventType string

const (
	EventExecutionStart    EventType = "execution_start"
	EventExecutionComplete EventType = "execution_complete"
	EventExecutionError    EventType = "execution_error"
	EventExecutionTimeout  EventType = "execution_timeout"
)

// Entry is one line of the audit log.
type Entry struct {
	Timestamp       time.Time `json:"timestamp"`
	ExecutionID     string    `json:"execution_id"`
	EventType       EventType `json:"event_type"`
	UserID          string    `json:"user_id,omitempty"`
	RequestID       string    `json:"request_id,omitempty"`
	Language        string    `json:"language"`
	CodeLength      int       `json:"code_length"`
	ExecutionTimeMS *int64    `json:"execution_time_ms,omitempty"`
	ExitCode        *int      `json:"exit_code,omitempty"`
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
}

// Sink receives every audit entry the Logger writes, in addition to
// the JSONL file. The Postgres mirror subscribes through this.
type Sink interface {
	Log(Entry)
}

// Logger is a mutex-serialized append-only JSONL writer. One write per
// call, flushed immediately: the log must reflect every execution even
// across a crash immediately after writing.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	sinks  []Sink
}

func NewLogger(path string) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating audit log directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}

	return &Logger{file: f}, nil
}

// AddSink registers an additional destination for every entry, e.g.
// the Postgres mirror. Sinks must not block; they receive entries
// synchronously after the JSONL write attempt, whether or not it
// succeeded.
func (l *Logger) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

func (l *Logger) LogStart(ctx *sandbox.ExecutionContext) {
	l.write(Entry{
		Timestamp:   time.Now().UTC(),
		ExecutionID: ctx.ID,
		EventType:   EventExecutionStart,
		UserID:      ctx.UserID,
		RequestID:   ctx.RequestID,
		Language:    ctx.Language.String(),
		CodeLength:  len(ctx.Code),
		Success:     true,
	})
}

func (l *Logger) LogComplete(ctx *sandbox.ExecutionContext, result *sandbox.ExecutionResult, success bool) {
	ms := result.ExecutionTimeMS
	exit := result.ExitCode
	l.write(Entry{
		Timestamp:       time.Now().UTC(),
		ExecutionID:     ctx.ID,
		EventType:       EventExecutionComplete,
		UserID:          ctx.UserID,
		RequestID:       ctx.RequestID,
		Language:        ctx.Language.String(),
		CodeLength:      len(ctx.Code),
		ExecutionTimeMS: &ms,
		ExitCode:        &exit,
		Success:         success,
	})
}

func (l *Logger) LogError(ctx *sandbox.ExecutionContext, kind sandbox.Kind, err error) {
	eventType := EventExecutionError
	if kind == sandbox.KindExecutionTimeout {
		eventType = EventExecutionTimeout
	}
	l.write(Entry{
		Timestamp:   time.Now().UTC(),
		ExecutionID: ctx.ID,
		EventType:   eventType,
		UserID:      ctx.UserID,
		RequestID:   ctx.RequestID,
		Language:    ctx.Language.String(),
		CodeLength:  len(ctx.Code),
		Success:     false,
		Error:       err.Error(),
	})
}

func (l *Logger) write(entry Entry) {
	line, err := json.Marshal(entry)
	if err != nil {
		log.Error().Err(err).Str("execution_id", entry.ExecutionID).Msg("failed to encode audit entry")
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	_, writeErr := l.file.Write(line)
	if writeErr == nil {
		_ = l.file.Sync()
	}
	sinks := l.sinks
	l.mu.Unlock()

	if writeErr != nil {
		log.Error().Err(writeErr).Str("execution_id", entry.ExecutionID).Msg("failed to write audit entry")
	}

	for _, s := range sinks {
		s.Log(entry)
	}
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
