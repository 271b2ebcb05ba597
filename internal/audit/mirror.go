package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"sandboxd/internal/storage"
)

// PostgresMirror is an optional, best-effort async copy of the audit
// stream into Postgres, enabled only when a database DSN is
// configured. It is never on the required request path: the JSONL
// Logger is the system of record per §4.H, and a mirror failure is
// logged and swallowed the same way the upstream AuditWriter already
// does.
type PostgresMirror struct {
	db     *storage.DB
	writer *storage.AuditWriter
}

// NewPostgresMirror connects to dsn and starts the background writer.
// Callers should register the result with Logger.AddSink.
func NewPostgresMirror(ctx context.Context, dsn string, bufferSize int) (*PostgresMirror, error) {
	db, err := storage.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting audit mirror: %w", err)
	}

	writer := storage.NewAuditWriter(db, bufferSize)
	writer.Start()

	return &PostgresMirror{db: db, writer: writer}, nil
}

// Log implements Sink. It never blocks the JSONL write path: entries
// that arrive while the internal buffer is full are dropped, matching
// the upstream writer's overflow behavior.
func (m *PostgresMirror) Log(entry Entry) {
	if entry.EventType != EventExecutionComplete && entry.EventType != EventExecutionError && entry.EventType != EventExecutionTimeout {
		return
	}

	status := "completed"
	switch entry.EventType {
	case EventExecutionTimeout:
		status = "timeout"
	case EventExecutionError:
		status = "error"
	}

	exitCode := 0
	if entry.ExitCode != nil {
		exitCode = *entry.ExitCode
	}
	durationMS := int64(0)
	if entry.ExecutionTimeMS != nil {
		durationMS = *entry.ExecutionTimeMS
	}

	hash := sha256.Sum256([]byte(entry.ExecutionID + entry.Language))

	m.writer.Log(&storage.Execution{
		ID:         entry.ExecutionID,
		Language:   entry.Language,
		CodeHash:   hex.EncodeToString(hash[:]),
		ExitCode:   exitCode,
		DurationMS: durationMS,
		Status:     status,
		CreatedAt:  entry.Timestamp,
	})
}

func (m *PostgresMirror) Close() {
	m.writer.Flush(30 * time.Second)
	m.db.Close()
}
