// Package audit persists the append-only operation trail.
//
// The trail lives in its own SQLite database file, independent of
// document storage, so it survives document corruption. Entries are
// immutable and ordered by a strictly increasing sequence number.
// Recording never fails the operation that triggered it: an append
// failure degrades to a structured warning instead.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Outcome classifies how an operation ended.
type Outcome string

const (
	OutcomeOK     Outcome = "ok"
	OutcomeError  Outcome = "error"
	OutcomeDenied Outcome = "denied"
	// OutcomeTamper marks a failed integrity verification. Written
	// synchronously before the read returns.
	OutcomeTamper Outcome = "tamper-detected"
)

// Entry is one immutable audit record. Seq is assigned on append.
type Entry struct {
	Seq        int64
	Timestamp  time.Time
	Operation  string
	DocumentID string
	Actor      string
	Outcome    Outcome
	Detail     string
}

// Filter selects entries for Query. Zero fields match everything.
type Filter struct {
	DocumentID string
	Operation  string
	Outcome    Outcome
	SinceSeq   int64
	Limit      int
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts          TEXT NOT NULL,
	operation   TEXT NOT NULL,
	document_id TEXT NOT NULL DEFAULT '',
	actor       TEXT NOT NULL DEFAULT '',
	outcome     TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_document ON audit_entries(document_id);
`

// Log is the append-only audit trail. Safe for concurrent use.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the audit database at path.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect audit log: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit log: %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit log schema: %w", err)
	}
	return &Log{db: db, logger: logger}, nil
}

// Close closes the audit database.
func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record appends an entry and returns its sequence number.
// A failed append does not abort the triggering operation: the error is
// escalated as a degraded-mode warning and seq 0 is returned.
func (l *Log) Record(ctx context.Context, e Entry) int64 {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_entries (ts, operation, document_id, actor, outcome, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ts.UTC().Format(time.RFC3339Nano), e.Operation, e.DocumentID, e.Actor, string(e.Outcome), e.Detail)
	if err != nil {
		l.logger.Warn("audit log degraded: append failed",
			"operation", e.Operation,
			"document_id", e.DocumentID,
			"error", err)
		return 0
	}
	seq, err := res.LastInsertId()
	if err != nil {
		l.logger.Warn("audit log degraded: sequence unavailable", "error", err)
		return 0
	}
	return seq
}

// Query returns entries matching the filter, ascending by sequence.
// The result is finite; use Filter.SinceSeq to restart after the last
// sequence number seen.
func (l *Log) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var conds []string
	var args []any
	if f.DocumentID != "" {
		conds = append(conds, "document_id = ?")
		args = append(args, f.DocumentID)
	}
	if f.Operation != "" {
		conds = append(conds, "operation = ?")
		args = append(args, f.Operation)
	}
	if f.Outcome != "" {
		conds = append(conds, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if f.SinceSeq > 0 {
		conds = append(conds, "seq > ?")
		args = append(args, f.SinceSeq)
	}

	query := "SELECT seq, ts, operation, document_id, actor, outcome, detail FROM audit_entries"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts, outcome string
		if err := rows.Scan(&e.Seq, &ts, &e.Operation, &e.DocumentID, &e.Actor, &outcome, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Outcome = Outcome(outcome)
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp %q: %w", ts, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}
