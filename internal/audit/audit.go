// Package audit keeps an append-only trail of admission and ingress
// decisions in <home>/logs/audit.jsonl and the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BrandonDucar/dream-net-sub003/internal/shared"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Entry is one audited decision.
type Entry struct {
	Subject  string
	Action   string
	Decision string
	Reason   string
}

type line struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
}

// Recorder writes audit entries. A nil *Recorder discards everything.
type Recorder struct {
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	logger    *slog.Logger
	denyCount atomic.Int64
}

// New opens the JSONL trail under homeDir/logs. db may be nil, in which case
// only the file is written.
func New(homeDir string, db *sql.DB, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Recorder{file: f, db: db, logger: logger.With("component", "audit")}, nil
}

// Close closes the JSONL file.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// DenyCount returns the number of deny decisions recorded since startup.
func (r *Recorder) DenyCount() int64 {
	if r == nil {
		return 0
	}
	return r.denyCount.Load()
}

// Record appends e to the trail. Secrets in Reason and Subject are redacted
// before anything is written. Write failures are logged, never returned.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil {
		return
	}
	if e.Decision == DecisionDeny {
		r.denyCount.Add(1)
	}
	e.Reason = shared.Redact(e.Reason)
	e.Subject = shared.Redact(e.Subject)
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		b, err := json.Marshal(line{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			Subject:   e.Subject,
			Action:    e.Action,
			Decision:  e.Decision,
			Reason:    e.Reason,
		})
		if err == nil {
			_, err = r.file.Write(append(b, '\n'))
		}
		if err != nil {
			r.logger.Warn("audit file write failed", "error", err)
		}
	}

	if r.db != nil {
		_, err := r.db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason)
			VALUES (?, ?, ?, ?, ?);
		`, traceID, e.Subject, e.Action, e.Decision, e.Reason)
		if err != nil {
			r.logger.Warn("audit_log insert failed", "error", err)
		}
	}
}
