// Package audit writes an append-only record of notable orchestrator
// decisions to a JSONL file and, when configured, to the audit_log table.
// Recording is best effort: a failed write never fails the operation that
// triggered it.
//
// One Log is opened at process start and injected into the components that
// record decisions. There is no teardown requirement beyond Close.
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

	"github.com/danhicks853/theappapp-sub002/internal/shared"
)

type entry struct {
	Timestamp  string `json:"timestamp"`
	Decision   string `json:"decision"`
	Capability string `json:"capability"`
	Reason     string `json:"reason"`
	Subject    string `json:"subject,omitempty"`
}

// Log is the shared audit sink. All methods are safe for concurrent use and
// no-ops on a nil receiver, so components can hold a *Log without caring
// whether auditing is configured.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
}

// Open creates the JSONL audit log under homeDir/logs.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f}, nil
}

// SetDB configures the database for audit_log table writes.
func (l *Log) SetDB(d *sql.DB) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.db = d
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DenyCount returns the total number of deny decisions since Open.
func (l *Log) DenyCount() int64 {
	if l == nil {
		return 0
	}
	return l.denyCount.Load()
}

func (l *Log) Record(decision, capability, reason, subject string) {
	if l == nil {
		return
	}
	if decision == "deny" {
		l.denyCount.Add(1)
	}

	// Redact secrets before persistence.
	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		ev := entry{
			Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
			Decision:   decision,
			Capability: capability,
			Reason:     reason,
			Subject:    subject,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}

	if l.db != nil {
		_, _ = l.db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason)
			VALUES (?, ?, ?, ?, ?);
		`, "", subject, capability, decision, reason)
	}
}
