package docstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/docuvault/docvault/internal/audit"
	"github.com/docuvault/docvault/internal/ledger"
	"github.com/docuvault/docvault/internal/meta"
)

// CreateRequest carries the inputs for Create.
type CreateRequest struct {
	Title    string
	Kind     Kind
	Payload  []byte
	Metadata meta.Object
	// Actor is recorded in the audit trail; defaults to the OS user.
	Actor string
}

// UpdateRequest carries the inputs for Update. ExpectedVersion is the
// version the caller last read; a mismatch fails with ErrCodeConflict
// instead of silently losing the concurrent update.
type UpdateRequest struct {
	ID              string
	Payload         []byte
	ExpectedVersion int64
	ChangeSummary   string
	// Metadata, when non-nil, replaces the stored metadata.
	Metadata meta.Object
	Actor    string
}

// Create stores a new document at version 1 and returns its info.
func (s *Store) Create(ctx context.Context, req CreateRequest) (DocumentInfo, error) {
	info, err := s.create(ctx, req)
	s.auditMutation(ctx, "create", info.ID, req.Actor, err)
	return info, err
}

func (s *Store) create(ctx context.Context, req CreateRequest) (DocumentInfo, error) {
	if err := s.checkWritable(); err != nil {
		return DocumentInfo{}, err
	}
	if err := s.validateTitle(req.Title); err != nil {
		return DocumentInfo{}, err
	}
	if !validKinds[req.Kind] {
		return DocumentInfo{}, validationErr("unknown document kind %q", req.Kind)
	}
	if err := s.validatePayload(req.Payload); err != nil {
		return DocumentInfo{}, err
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = meta.Object{}
	}
	metadataJSON, err := metadata.MarshalJSON()
	if err != nil {
		return DocumentInfo{}, validationErr("invalid metadata: %v", err)
	}

	id := uuid.NewString()
	cipher, verifier, epoch := s.keySnapshot()
	stored, nonce, err := seal(cipher, req.Payload)
	if err != nil {
		return DocumentInfo{}, err
	}
	tag, err := verifier.Sign(id, 1, stored)
	if err != nil {
		return DocumentInfo{}, &StoreError{Code: ErrCodeEncryption, Message: "sign record", DocumentID: id, Err: err}
	}
	now := nowUTC()

	conn, err := s.acquire(ctx)
	if err != nil {
		return DocumentInfo{}, err
	}
	defer s.release(conn)

	tx, err := s.txm.Begin(ctx, conn)
	if err != nil {
		return DocumentInfo{}, transactionErr(id, err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO documents
		(id, kind, title, payload, nonce, metadata, version, integrity_tag, state, encrypted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, 'active', ?, ?, ?)
	`,
		id, string(req.Kind), req.Title, stored, nonce, string(metadataJSON),
		tag, boolToInt(s.cfg.Encryption.Enabled), formatTime(now), formatTime(now),
	)
	if err != nil {
		return DocumentInfo{}, transactionErr(id, err)
	}

	if err := ledger.Append(tx, ledger.VersionRecord{
		DocumentID:    id,
		Version:       1,
		Payload:       stored,
		Nonce:         nonce,
		IntegrityTag:  tag,
		ChangeSummary: "created",
		CreatedAt:     now,
	}); err != nil {
		return DocumentInfo{}, transactionErr(id, err)
	}

	// A rotation that raced this write would leave the row sealed under
	// retired keys; refuse to commit it.
	if err := s.checkKeyEpoch(epoch); err != nil {
		return DocumentInfo{}, err
	}
	if err := tx.Commit(); err != nil {
		return DocumentInfo{}, transactionErr(id, err)
	}

	// The cache must not share the caller's slices or maps.
	payload := make([]byte, len(req.Payload))
	copy(payload, req.Payload)
	doc := &Document{
		ID:           id,
		Kind:         req.Kind,
		Title:        req.Title,
		Payload:      payload,
		Metadata:     metadata.Clone(),
		Version:      1,
		IntegrityTag: tag,
		State:        StateActive,
		Encrypted:    s.cfg.Encryption.Enabled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.cache.Invalidate(id)
	s.cache.Put(id, doc)

	s.logger.Debug("document created", "id", id, "kind", req.Kind, "title", req.Title)
	return doc.Info(), nil
}

// Update rewrites the payload of an existing document and returns the
// new version number.
func (s *Store) Update(ctx context.Context, req UpdateRequest) (int64, error) {
	newVersion, err := s.update(ctx, req)
	s.auditMutation(ctx, "update", req.ID, req.Actor, err)
	return newVersion, err
}

func (s *Store) update(ctx context.Context, req UpdateRequest) (int64, error) {
	if err := s.checkWritable(); err != nil {
		return 0, err
	}
	if req.ID == "" {
		return 0, validationErr("document id is required")
	}
	if err := s.validatePayload(req.Payload); err != nil {
		return 0, err
	}
	var metadataJSON []byte
	if req.Metadata != nil {
		var err error
		metadataJSON, err = req.Metadata.MarshalJSON()
		if err != nil {
			return 0, validationErr("invalid metadata: %v", err)
		}
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer s.release(conn)

	tx, err := s.txm.Begin(ctx, conn)
	if err != nil {
		return 0, transactionErr(req.ID, err)
	}
	defer tx.Rollback()

	var storedVersion int64
	var state string
	err = tx.QueryRow(`SELECT version, state FROM documents WHERE id = ?`, req.ID).
		Scan(&storedVersion, &state)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && State(state) != StateActive) {
		return 0, notFoundErr(req.ID)
	}
	if err != nil {
		return 0, transactionErr(req.ID, err)
	}
	if storedVersion != req.ExpectedVersion {
		return 0, conflictErr(req.ID, req.ExpectedVersion, storedVersion)
	}

	newVersion := storedVersion + 1
	cipher, verifier, epoch := s.keySnapshot()
	stored, nonce, err := seal(cipher, req.Payload)
	if err != nil {
		return 0, err
	}
	tag, err := verifier.Sign(req.ID, newVersion, stored)
	if err != nil {
		return 0, &StoreError{Code: ErrCodeEncryption, Message: "sign record", DocumentID: req.ID, Err: err}
	}
	now := nowUTC()

	query := `UPDATE documents SET payload = ?, nonce = ?, version = ?, integrity_tag = ?, updated_at = ?`
	args := []any{stored, nonce, newVersion, tag, formatTime(now)}
	if metadataJSON != nil {
		query += `, metadata = ?`
		args = append(args, string(metadataJSON))
	}
	query += ` WHERE id = ? AND version = ?`
	args = append(args, req.ID, storedVersion)

	res, err := tx.Exec(query, args...)
	if err != nil {
		return 0, transactionErr(req.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, transactionErr(req.ID, err)
	}
	if affected == 0 {
		return 0, conflictErr(req.ID, req.ExpectedVersion, storedVersion)
	}

	if err := ledger.Append(tx, ledger.VersionRecord{
		DocumentID:    req.ID,
		Version:       newVersion,
		Payload:       stored,
		Nonce:         nonce,
		IntegrityTag:  tag,
		ChangeSummary: req.ChangeSummary,
		CreatedAt:     now,
	}); err != nil {
		return 0, transactionErr(req.ID, err)
	}

	if err := s.checkKeyEpoch(epoch); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, transactionErr(req.ID, err)
	}

	// No caller may observe the old cached value after this returns.
	s.cache.Invalidate(req.ID)

	s.logger.Debug("document updated", "id", req.ID, "version", newVersion)
	return newVersion, nil
}

// Delete tombstones a document: it disappears from reads and normal
// queries but keeps its history. Hard removal is PurgeDocument.
func (s *Store) Delete(ctx context.Context, id, actor string) error {
	err := s.setState(ctx, id, StateActive, StateTombstoned)
	s.auditMutation(ctx, "delete", id, actor, err)
	return err
}

// Undelete restores a tombstoned document to active.
func (s *Store) Undelete(ctx context.Context, id, actor string) error {
	err := s.setState(ctx, id, StateTombstoned, StateActive)
	s.auditMutation(ctx, "undelete", id, actor, err)
	return err
}

func (s *Store) setState(ctx context.Context, id string, from, to State) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if id == "" {
		return validationErr("document id is required")
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.release(conn)

	tx, err := s.txm.Begin(ctx, conn)
	if err != nil {
		return transactionErr(id, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE documents SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(to), formatTime(nowUTC()), id, string(from))
	if err != nil {
		return transactionErr(id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return transactionErr(id, err)
	}
	if affected == 0 {
		return notFoundErr(id)
	}
	if err := tx.Commit(); err != nil {
		return transactionErr(id, err)
	}

	s.cache.Invalidate(id)
	return nil
}

// PurgeDocument permanently removes a document and its entire version
// history. Privileged and terminal: there is no transition out of purged.
func (s *Store) PurgeDocument(ctx context.Context, id, actor string) error {
	err := s.purgeDocument(ctx, id)
	s.auditMutation(ctx, "purge", id, actor, err)
	return err
}

func (s *Store) purgeDocument(ctx context.Context, id string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if id == "" {
		return validationErr("document id is required")
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.release(conn)

	tx, err := s.txm.Begin(ctx, conn)
	if err != nil {
		return transactionErr(id, err)
	}
	defer tx.Rollback()

	// Versions cascade with the document row.
	res, err := tx.Exec(`DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return transactionErr(id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return transactionErr(id, err)
	}
	if affected == 0 {
		return notFoundErr(id)
	}
	if err := tx.Commit(); err != nil {
		return transactionErr(id, err)
	}

	s.cache.Invalidate(id)
	return nil
}

// PurgeVersions removes all but the newest keepLatest history entries of
// a document. Retention maintenance; never part of the write path.
func (s *Store) PurgeVersions(ctx context.Context, id string, keepLatest int, actor string) (int64, error) {
	removed, err := s.purgeVersions(ctx, id, keepLatest)
	s.auditMutation(ctx, "purge-versions", id, actor, err)
	return removed, err
}

func (s *Store) purgeVersions(ctx context.Context, id string, keepLatest int) (int64, error) {
	if err := s.checkWritable(); err != nil {
		return 0, err
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer s.release(conn)

	tx, err := s.txm.Begin(ctx, conn)
	if err != nil {
		return 0, transactionErr(id, err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM documents WHERE id = ?`, id).Scan(&exists); err != nil {
		return 0, transactionErr(id, err)
	}
	if exists == 0 {
		return 0, notFoundErr(id)
	}

	removed, err := ledger.Purge(tx, id, keepLatest)
	if err != nil {
		return 0, validationErr("%v", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, transactionErr(id, err)
	}
	return removed, nil
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return closedErr()
	}
	return nil
}

func (s *Store) checkWritable() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.maintenance.Load() {
		return maintenanceErr()
	}
	return nil
}

func (s *Store) validateTitle(title string) error {
	if title == "" {
		return validationErr("title is required")
	}
	if len(title) > s.cfg.Limits.MaxTitleLen {
		return validationErr("title exceeds %d bytes", s.cfg.Limits.MaxTitleLen)
	}
	return nil
}

func (s *Store) validatePayload(payload []byte) error {
	if len(payload) == 0 {
		return validationErr("payload is required")
	}
	if len(payload) > s.cfg.Limits.MaxPayloadBytes {
		return validationErr("payload exceeds %d bytes", s.cfg.Limits.MaxPayloadBytes)
	}
	return nil
}

// auditMutation writes exactly one audit entry for a mutating operation,
// successful or not.
func (s *Store) auditMutation(ctx context.Context, operation, documentID, actor string, err error) {
	if err == nil {
		s.recordAudit(ctx, operation, documentID, actor, audit.OutcomeOK, "")
		return
	}
	outcome := audit.OutcomeError
	if IsValidation(err) || IsMaintenance(err) {
		outcome = audit.OutcomeDenied
	}
	s.recordAudit(ctx, operation, documentID, actor, outcome, err.Error())
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
