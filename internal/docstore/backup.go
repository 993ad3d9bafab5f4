package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docuvault/docvault/internal/audit"
	"github.com/docuvault/docvault/internal/txn"
)

// backupFormatVersion identifies the snapshot layout. Restore rejects
// any other version.
const backupFormatVersion = 1

type backupManifest struct {
	FormatVersion int    `json:"format_version"`
	CreatedAt     string `json:"created_at"`
	DocumentCount int    `json:"document_count"`
	// KeyCheck binds the snapshot to the master key it was taken under.
	KeyCheck string `json:"key_check"`
	// Checksum is SHA-256 over the serialized documents section.
	Checksum string `json:"checksum"`
}

type backupVersion struct {
	Version       int64  `json:"version"`
	Payload       []byte `json:"payload"`
	Nonce         []byte `json:"nonce"`
	IntegrityTag  string `json:"integrity_tag"`
	ChangeSummary string `json:"change_summary"`
	CreatedAt     string `json:"created_at"`
}

type backupDocument struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Title        string          `json:"title"`
	Payload      []byte          `json:"payload"`
	Nonce        []byte          `json:"nonce"`
	Metadata     string          `json:"metadata"`
	Version      int64           `json:"version"`
	IntegrityTag string          `json:"integrity_tag"`
	State        string          `json:"state"`
	Encrypted    bool            `json:"encrypted"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	Versions     []backupVersion `json:"versions"`
}

type backupFile struct {
	Manifest backupManifest `json:"manifest"`
	// Documents stays raw so the checksum covers the exact bytes.
	Documents json.RawMessage `json:"documents"`
}

// Backup writes an encrypted snapshot of every document (tombstoned
// included), its full version history, and a manifest to w. Payloads
// stay ciphertext; the snapshot is only restorable under the same
// master key.
func (s *Store) Backup(ctx context.Context, w io.Writer, actor string) error {
	err := s.backup(ctx, w)
	if err != nil {
		s.recordAudit(ctx, "backup", "", actor, audit.OutcomeError, err.Error())
		return err
	}
	s.recordAudit(ctx, "backup", "", actor, audit.OutcomeOK, "")
	return nil
}

func (s *Store) backup(ctx context.Context, w io.Writer) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.release(conn)

	// One transaction gives a consistent snapshot across both tables.
	tx, err := s.txm.Begin(ctx, conn)
	if err != nil {
		return transactionErr("", err)
	}
	defer tx.Rollback()

	docs, err := collectBackupDocuments(tx)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return transactionErr("", err)
	}

	docBytes, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("marshal backup documents: %w", err)
	}
	sum := sha256.Sum256(docBytes)

	_, verifier := s.cipherAndVerifier()
	out := backupFile{
		Manifest: backupManifest{
			FormatVersion: backupFormatVersion,
			CreatedAt:     formatTime(nowUTC()),
			DocumentCount: len(docs),
			KeyCheck:      verifier.KeyCheck(),
			Checksum:      hex.EncodeToString(sum[:]),
		},
		Documents: docBytes,
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	s.logger.Info("backup written", "documents", len(docs))
	return nil
}

func collectBackupDocuments(tx *txn.Tx) ([]backupDocument, error) {
	rows, err := tx.Query(`
		SELECT id, kind, title, payload, nonce, metadata, version, integrity_tag, state, encrypted, created_at, updated_at
		FROM documents ORDER BY id ASC
	`)
	if err != nil {
		return nil, transactionErr("", err)
	}
	defer rows.Close()

	docs := []backupDocument{}
	for rows.Next() {
		var d backupDocument
		var encrypted int
		if err := rows.Scan(&d.ID, &d.Kind, &d.Title, &d.Payload, &d.Nonce, &d.Metadata,
			&d.Version, &d.IntegrityTag, &d.State, &encrypted, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, transactionErr("", err)
		}
		d.Encrypted = encrypted != 0
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, transactionErr("", err)
	}

	for i := range docs {
		versions, err := collectBackupVersions(tx, docs[i].ID)
		if err != nil {
			return nil, err
		}
		docs[i].Versions = versions
	}
	return docs, nil
}

func collectBackupVersions(tx *txn.Tx, documentID string) ([]backupVersion, error) {
	rows, err := tx.Query(`
		SELECT version, payload, nonce, integrity_tag, change_summary, created_at
		FROM versions WHERE document_id = ? ORDER BY version ASC
	`, documentID)
	if err != nil {
		return nil, transactionErr(documentID, err)
	}
	defer rows.Close()

	var versions []backupVersion
	for rows.Next() {
		var v backupVersion
		if err := rows.Scan(&v.Version, &v.Payload, &v.Nonce, &v.IntegrityTag, &v.ChangeSummary, &v.CreatedAt); err != nil {
			return nil, transactionErr(documentID, err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, transactionErr(documentID, err)
	}
	return versions, nil
}

// Restore replaces the entire store with the snapshot read from r.
// Atomic: validation failures and write errors leave the store
// untouched. Restoring a snapshot taken under a different master key
// fails with a key-mismatch restore error.
func (s *Store) Restore(ctx context.Context, r io.Reader, actor string) error {
	err := s.restore(ctx, r)
	s.auditMutation(ctx, "restore", "", actor, err)
	return err
}

func (s *Store) restore(ctx context.Context, r io.Reader) error {
	if err := s.checkWritable(); err != nil {
		return err
	}

	var in backupFile
	dec := json.NewDecoder(r)
	if err := dec.Decode(&in); err != nil {
		return restoreErr("malformed backup: %v", err)
	}
	if in.Manifest.FormatVersion != backupFormatVersion {
		return restoreErr("unsupported backup format version %d", in.Manifest.FormatVersion)
	}

	sum := sha256.Sum256(in.Documents)
	if hex.EncodeToString(sum[:]) != in.Manifest.Checksum {
		return restoreErr("checksum mismatch")
	}

	_, verifier := s.cipherAndVerifier()
	if in.Manifest.KeyCheck != verifier.KeyCheck() {
		return restoreErr("key-mismatch: backup was taken under a different master key")
	}

	var docs []backupDocument
	if err := json.Unmarshal(in.Documents, &docs); err != nil {
		return restoreErr("malformed backup documents: %v", err)
	}
	if len(docs) != in.Manifest.DocumentCount {
		return restoreErr("document count mismatch: manifest says %d, found %d", in.Manifest.DocumentCount, len(docs))
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.release(conn)

	// Unbounded transaction: a large restore must not be cut short by
	// the regular operation deadline.
	tx, err := txn.NewManager(0).Begin(ctx, conn)
	if err != nil {
		return transactionErr("", err)
	}
	defer tx.Rollback()

	// Versions cascade with their documents.
	if _, err := tx.Exec(`DELETE FROM documents`); err != nil {
		return transactionErr("", err)
	}

	for _, d := range docs {
		_, err := tx.Exec(`
			INSERT INTO documents
			(id, kind, title, payload, nonce, metadata, version, integrity_tag, state, encrypted, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, d.ID, d.Kind, d.Title, d.Payload, d.Nonce, d.Metadata,
			d.Version, d.IntegrityTag, d.State, boolToInt(d.Encrypted), d.CreatedAt, d.UpdatedAt)
		if err != nil {
			return restoreErr("restore document %s: %v", d.ID, err)
		}
		for _, v := range d.Versions {
			_, err := tx.Exec(`
				INSERT INTO versions
				(document_id, version, payload, nonce, integrity_tag, change_summary, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, d.ID, v.Version, v.Payload, v.Nonce, v.IntegrityTag, v.ChangeSummary, v.CreatedAt)
			if err != nil {
				return restoreErr("restore version %d of %s: %v", v.Version, d.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return transactionErr("", err)
	}

	s.cache.Purge()
	s.logger.Info("store restored", "documents", len(docs))
	return nil
}
