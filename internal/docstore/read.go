package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docuvault/docvault/internal/audit"
	"github.com/docuvault/docvault/internal/ledger"
	"github.com/docuvault/docvault/internal/meta"
)

// Read returns the current version of a document. Cache hits return
// immediately; misses fetch through the pool, verify the integrity tag,
// decrypt, and populate the cache.
func (s *Store) Read(ctx context.Context, id string) (*Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, validationErr("document id is required")
	}
	if doc, ok := s.cache.Get(id); ok {
		return doc.clone(), nil
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.release(conn)

	for {
		// Snapshot the keys before the fetch. If a rotation commits in
		// between, the tag check fails against re-sealed bytes; the
		// epoch tells that apart from tampering.
		cipher, verifier, epoch := s.keySnapshot()

		row := conn.QueryRowContext(ctx, `
			SELECT id, kind, title, payload, nonce, metadata, version, integrity_tag, state, encrypted, created_at, updated_at
			FROM documents WHERE id = ?
		`, id)
		doc, stored, nonce, err := scanDocument(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundErr(id)
		}
		if err != nil {
			if !errors.Is(err, errRowDecode) {
				conn.MarkBroken()
			}
			return nil, transactionErr(id, err)
		}
		if doc.State != StateActive {
			return nil, notFoundErr(id)
		}

		if !verifier.Verify(doc.ID, doc.Version, stored, doc.IntegrityTag) {
			if s.keyEpochChanged(epoch) {
				continue
			}
			// Tampering, not corruption: refuse the payload and audit
			// synchronously before returning.
			s.recordAudit(ctx, "read", id, "", audit.OutcomeTamper, "integrity tag mismatch")
			s.logger.Error("tamper detected", "id", id, "version", doc.Version)
			return nil, integrityErr(id)
		}

		plaintext, err := unseal(cipher, id, stored, nonce, doc.Encrypted)
		if err != nil {
			return nil, err
		}
		doc.Payload = plaintext

		s.cache.Put(id, doc)
		return doc.clone(), nil
	}
}

// GetVersion returns one historical version with its decrypted payload.
func (s *Store) GetVersion(ctx context.Context, id string, version int64) (VersionView, error) {
	if err := s.checkOpen(); err != nil {
		return VersionView{}, err
	}
	if id == "" {
		return VersionView{}, validationErr("document id is required")
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return VersionView{}, err
	}
	defer s.release(conn)

	for {
		cipher, verifier, epoch := s.keySnapshot()

		rec, err := ledger.Get(ctx, conn, id, version)
		if errors.Is(err, ledger.ErrNotFound) {
			return VersionView{}, &StoreError{Code: ErrCodeNotFound, Message: fmt.Sprintf("version %d not found", version), DocumentID: id}
		}
		if err != nil {
			return VersionView{}, transactionErr(id, err)
		}

		if !verifier.Verify(id, rec.Version, rec.Payload, rec.IntegrityTag) {
			if s.keyEpochChanged(epoch) {
				continue
			}
			s.recordAudit(ctx, "read-version", id, "", audit.OutcomeTamper, "integrity tag mismatch")
			return VersionView{}, integrityErr(id)
		}

		encrypted := len(rec.Nonce) > 0
		plaintext, err := unseal(cipher, id, rec.Payload, rec.Nonce, encrypted)
		if err != nil {
			return VersionView{}, err
		}
		return VersionView{
			Version:       rec.Version,
			Payload:       plaintext,
			ChangeSummary: rec.ChangeSummary,
			CreatedAt:     rec.CreatedAt,
		}, nil
	}
}

// History lists all versions of a document, ascending, without payloads.
func (s *Store) History(ctx context.Context, id string) ([]VersionInfo, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, validationErr("document id is required")
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.release(conn)

	records, err := ledger.List(ctx, conn, id)
	if err != nil {
		return nil, transactionErr(id, err)
	}
	if len(records) == 0 {
		return nil, notFoundErr(id)
	}

	infos := make([]VersionInfo, len(records))
	for i, rec := range records {
		infos[i] = VersionInfo{
			Version:       rec.Version,
			ChangeSummary: rec.ChangeSummary,
			CreatedAt:     rec.CreatedAt,
		}
	}
	return infos, nil
}

// QueryFilter selects documents for Query. Zero fields match everything.
type QueryFilter struct {
	Kind          Kind
	Tag           string
	TitleContains string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	// IncludeTombstoned also returns soft-deleted documents.
	IncludeTombstoned bool
	Limit             int
}

// Query returns payload-free document views matching the filter, ordered
// by creation time then id so results are deterministic. Payloads are
// never decrypted here.
func (s *Store) Query(ctx context.Context, f QueryFilter) ([]DocumentInfo, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.release(conn)

	var conds []string
	var args []any
	if !f.IncludeTombstoned {
		conds = append(conds, "state = 'active'")
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.TitleContains != "" {
		conds = append(conds, `title LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(f.TitleContains)+"%")
	}
	if !f.CreatedAfter.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, formatTime(f.CreatedBefore))
	}

	query := `
		SELECT id, kind, title, metadata, version, state, encrypted, created_at, updated_at
		FROM documents`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		conn.MarkBroken()
		return nil, transactionErr("", err)
	}
	defer rows.Close()

	var infos []DocumentInfo
	for rows.Next() {
		var info DocumentInfo
		var kind, state, metadataJSON, createdAt, updatedAt string
		var encrypted int
		if err := rows.Scan(&info.ID, &kind, &info.Title, &metadataJSON,
			&info.Version, &state, &encrypted, &createdAt, &updatedAt); err != nil {
			return nil, transactionErr("", err)
		}
		info.Kind = Kind(kind)
		info.State = State(state)
		info.Encrypted = encrypted != 0
		if info.Metadata, err = parseMetadata(metadataJSON); err != nil {
			return nil, transactionErr(info.ID, err)
		}
		if info.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, transactionErr(info.ID, err)
		}
		if info.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, transactionErr(info.ID, err)
		}

		// Tag containment needs the parsed metadata, so it filters here
		// rather than in SQL.
		if f.Tag != "" && !info.Metadata.HasTag(f.Tag) {
			continue
		}

		infos = append(infos, info)
		if f.Limit > 0 && len(infos) >= f.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, transactionErr("", err)
	}
	return infos, nil
}

// errRowDecode marks a row whose stored fields failed to parse. A data
// problem, not a connection fault: the lease stays usable.
var errRowDecode = errors.New("decode document row")

// scanDocument reads a full document row. The stored payload and nonce
// are returned separately; Payload on the document is left nil until the
// caller verifies and decrypts.
func scanDocument(scan func(dest ...any) error) (*Document, []byte, []byte, error) {
	var doc Document
	var kind, state, metadataJSON, createdAt, updatedAt string
	var stored, nonce []byte
	var encrypted int
	if err := scan(&doc.ID, &kind, &doc.Title, &stored, &nonce, &metadataJSON,
		&doc.Version, &doc.IntegrityTag, &state, &encrypted, &createdAt, &updatedAt); err != nil {
		return nil, nil, nil, err
	}
	doc.Kind = Kind(kind)
	doc.State = State(state)
	doc.Encrypted = encrypted != 0

	var err error
	if doc.Metadata, err = parseMetadata(metadataJSON); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", errRowDecode, err)
	}
	if doc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", errRowDecode, err)
	}
	if doc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", errRowDecode, err)
	}
	return &doc, stored, nonce, nil
}

func parseMetadata(metadataJSON string) (meta.Object, error) {
	if metadataJSON == "" || metadataJSON == "{}" {
		return meta.Object{}, nil
	}
	var obj meta.Object
	if err := json.Unmarshal([]byte(metadataJSON), &obj); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return obj, nil
}

// clone returns a copy whose payload and metadata the caller may modify
// without affecting the cached document.
func (d *Document) clone() *Document {
	out := *d
	out.Payload = make([]byte, len(d.Payload))
	copy(out.Payload, d.Payload)
	out.Metadata = d.Metadata.Clone()
	return &out
}

// escapeLike escapes LIKE wildcards in user input.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
