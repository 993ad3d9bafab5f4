// Package ledger maintains the append-only per-document version history.
//
// A VersionRecord is written inside the same transaction as the document
// write it snapshots, so history and current state commit or roll back
// together. Records are never mutated; the only removal path is the
// explicit retention purge, which runs outside the hot write path.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/docuvault/docvault/internal/pool"
	"github.com/docuvault/docvault/internal/txn"
)

// ErrNotFound is returned when the requested version does not exist.
var ErrNotFound = errors.New("version not found")

// VersionRecord is an immutable snapshot of one committed write.
// Payload holds the stored bytes (ciphertext unless plaintext mode).
type VersionRecord struct {
	DocumentID    string
	Version       int64
	Payload       []byte
	Nonce         []byte
	IntegrityTag  string
	ChangeSummary string
	CreatedAt     time.Time
}

// Append writes a version record inside the caller's transaction.
// The (document_id, version) primary key rejects duplicate appends.
func Append(tx *txn.Tx, rec VersionRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := tx.Exec(`
		INSERT INTO versions
		(document_id, version, payload, nonce, integrity_tag, change_summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		rec.DocumentID,
		rec.Version,
		rec.Payload,
		rec.Nonce,
		rec.IntegrityTag,
		rec.ChangeSummary,
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append version %d of %s: %w", rec.Version, rec.DocumentID, err)
	}
	return nil
}

// Get returns one historical version, or ErrNotFound.
func Get(ctx context.Context, conn *pool.Conn, documentID string, version int64) (VersionRecord, error) {
	row := conn.QueryRowContext(ctx, `
		SELECT document_id, version, payload, nonce, integrity_tag, change_summary, created_at
		FROM versions
		WHERE document_id = ? AND version = ?
	`, documentID, version)

	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return VersionRecord{}, ErrNotFound
	}
	if err != nil {
		return VersionRecord{}, fmt.Errorf("get version %d of %s: %w", version, documentID, err)
	}
	return rec, nil
}

// List returns all versions of a document, ascending by version.
func List(ctx context.Context, conn *pool.Conn, documentID string) ([]VersionRecord, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT document_id, version, payload, nonce, integrity_tag, change_summary, created_at
		FROM versions
		WHERE document_id = ?
		ORDER BY version ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list versions of %s: %w", documentID, err)
	}
	defer rows.Close()

	var records []VersionRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list versions of %s: %w", documentID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list versions of %s: %w", documentID, err)
	}
	return records, nil
}

// Purge removes all but the newest keepLatest versions of a document.
// Retention only; never called on the write path.
func Purge(tx *txn.Tx, documentID string, keepLatest int) (int64, error) {
	if keepLatest < 1 {
		return 0, fmt.Errorf("purge versions of %s: keepLatest must be positive, got %d", documentID, keepLatest)
	}
	res, err := tx.Exec(`
		DELETE FROM versions
		WHERE document_id = ? AND version <= (
			SELECT MAX(version) - ? FROM versions WHERE document_id = ?
		)
	`, documentID, keepLatest, documentID)
	if err != nil {
		return 0, fmt.Errorf("purge versions of %s: %w", documentID, err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge versions of %s: %w", documentID, err)
	}
	return removed, nil
}

// DeleteAll removes every version of a document. Only the document hard
// purge uses this; normal deletion tombstones and keeps history.
func DeleteAll(tx *txn.Tx, documentID string) error {
	if _, err := tx.Exec(`DELETE FROM versions WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("delete versions of %s: %w", documentID, err)
	}
	return nil
}

func scanRecord(scan func(dest ...any) error) (VersionRecord, error) {
	var rec VersionRecord
	var createdAt string
	if err := scan(&rec.DocumentID, &rec.Version, &rec.Payload, &rec.Nonce,
		&rec.IntegrityTag, &rec.ChangeSummary, &createdAt); err != nil {
		return VersionRecord{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return VersionRecord{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	rec.CreatedAt = ts
	return rec, nil
}
