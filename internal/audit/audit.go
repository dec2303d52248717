// Package audit records permission decisions taken by the request router.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/fleetrelay/internal/shared"
)

const (
	Allow = "allow"
	Deny  = "deny"
)

// Decision is one permission check outcome.
type Decision struct {
	TraceID  string
	TenantID string
	Subject  string // user or token subject
	Action   string // message kind
	Target   string // instance reference, empty for tenant wide
	Decision string
	Reason   string
}

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	TenantID  string `json:"tenant_id"`
	Subject   string `json:"subject,omitempty"`
	Action    string `json:"action"`
	Target    string `json:"target,omitempty"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
}

// Log appends decisions to logs/audit.jsonl and, when a database is set, to the
// audit_log table. The zero value discards everything but the deny counter.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	now       func() time.Time
	denyCount atomic.Int64
}

// Open creates the audit log under homeDir/logs.
func Open(homeDir string, db *sql.DB) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, db: db, now: time.Now}, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DenyCount returns the number of deny decisions since startup.
func (l *Log) DenyCount() int64 {
	return l.denyCount.Load()
}

// Record writes d. Write failures are dropped; auditing never blocks a request.
func (l *Log) Record(ctx context.Context, d Decision) {
	if l == nil {
		return
	}
	if d.Decision == Deny {
		l.denyCount.Add(1)
	}

	d.Reason = shared.Redact(d.Reason)
	d.Subject = shared.Redact(d.Subject)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		now := time.Now
		if l.now != nil {
			now = l.now
		}
		b, err := json.Marshal(entry{
			Timestamp: now().UTC().Format(time.RFC3339Nano),
			TraceID:   d.TraceID,
			TenantID:  d.TenantID,
			Subject:   d.Subject,
			Action:    d.Action,
			Target:    d.Target,
			Decision:  d.Decision,
			Reason:    d.Reason,
		})
		if err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}

	if l.db != nil {
		_, _ = l.db.ExecContext(ctx, `
			INSERT INTO audit_log (trace_id, tenant_id, subject, action, target, decision, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, d.TraceID, d.TenantID, d.Subject, d.Action, d.Target, d.Decision, d.Reason)
	}
}
