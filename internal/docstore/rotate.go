package docstore

import (
	"context"
	"encoding/binary"

	"github.com/docuvault/docvault/internal/crypto"
	"github.com/docuvault/docvault/internal/integrity"
	"github.com/docuvault/docvault/internal/txn"
)

// RotateKey re-encrypts every document and version under a key derived
// from newPassphrase, inside a single long-running transaction. Normal
// writes are rejected with ErrCodeMaintenance while rotation runs; reads
// keep working against the old key until the swap.
func (s *Store) RotateKey(ctx context.Context, newPassphrase, actor string) error {
	err := s.rotateKey(ctx, newPassphrase)
	s.auditMutation(ctx, "rotate-key", "", actor, err)
	return err
}

type rotateRow struct {
	id      string
	version int64
	payload []byte
	nonce   []byte
}

func (s *Store) rotateKey(ctx context.Context, newPassphrase string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !s.cfg.Encryption.Enabled {
		return validationErr("store runs in plaintext mode, nothing to rotate")
	}
	if newPassphrase == "" {
		return validationErr("new passphrase is required")
	}
	if !s.maintenance.CompareAndSwap(false, true) {
		return maintenanceErr()
	}
	defer s.maintenance.Store(false)

	newSalt, err := crypto.NewSalt()
	if err != nil {
		return &StoreError{Code: ErrCodeEncryption, Message: "rotate key", Err: err}
	}
	params := s.cfg.KDFParams()
	newKeys, err := crypto.DeriveKeys([]byte(newPassphrase), newSalt, params)
	if err != nil {
		return &StoreError{Code: ErrCodeEncryption, Message: "rotate key", Err: err}
	}
	newCipher, err := crypto.NewCipher(newKeys)
	if err != nil {
		return &StoreError{Code: ErrCodeEncryption, Message: "rotate key", Err: err}
	}
	newVerifier, err := integrity.NewVerifier(newKeys.MACKey())
	if err != nil {
		return &StoreError{Code: ErrCodeEncryption, Message: "rotate key", Err: err}
	}

	oldCipher, _ := s.cipherAndVerifier()

	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.release(conn)

	// Rotation of a large store must outlive the regular deadline.
	tx, err := txn.NewManager(0).Begin(ctx, conn)
	if err != nil {
		return transactionErr("", err)
	}
	defer tx.Rollback()

	reseal := func(row rotateRow) (payload, nonce []byte, tag string, err error) {
		plaintext, err := oldCipher.Decrypt(row.payload, row.nonce)
		if err != nil {
			return nil, nil, "", &StoreError{Code: ErrCodeDecryption, Message: "rotate key: decrypt", DocumentID: row.id, Err: err}
		}
		payload, nonce, err = newCipher.Encrypt(plaintext)
		if err != nil {
			return nil, nil, "", &StoreError{Code: ErrCodeEncryption, Message: "rotate key: encrypt", DocumentID: row.id, Err: err}
		}
		tag, err = newVerifier.Sign(row.id, row.version, payload)
		if err != nil {
			return nil, nil, "", &StoreError{Code: ErrCodeEncryption, Message: "rotate key: sign", DocumentID: row.id, Err: err}
		}
		return payload, nonce, tag, nil
	}

	// Collect first: updates cannot run while a result set is open on
	// the same connection.
	docRows, err := collectRotateRows(tx, `SELECT id, version, payload, nonce FROM documents`)
	if err != nil {
		return err
	}
	for _, row := range docRows {
		payload, nonce, tag, err := reseal(row)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE documents SET payload = ?, nonce = ?, integrity_tag = ? WHERE id = ?`,
			payload, nonce, tag, row.id); err != nil {
			return transactionErr(row.id, err)
		}
	}

	verRows, err := collectRotateRows(tx, `SELECT document_id, version, payload, nonce FROM versions`)
	if err != nil {
		return err
	}
	for _, row := range verRows {
		payload, nonce, tag, err := reseal(row)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE versions SET payload = ?, nonce = ?, integrity_tag = ? WHERE document_id = ? AND version = ?`,
			payload, nonce, tag, row.id, row.version); err != nil {
			return transactionErr(row.id, err)
		}
	}

	// Persist the new KDF inputs in the same transaction, so the store
	// either opens under the old key or entirely under the new one.
	upsert := `INSERT INTO store_meta (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	if _, err := tx.Exec(upsert, metaKDFSalt, newSalt); err != nil {
		return transactionErr("", err)
	}
	if _, err := tx.Exec(upsert, metaKeyCheck, []byte(newVerifier.KeyCheck())); err != nil {
		return transactionErr("", err)
	}
	for name, value := range kdfParamRows(params) {
		if _, err := tx.Exec(upsert, name, value); err != nil {
			return transactionErr("", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return transactionErr("", err)
	}

	// The maintenance flag stays set until after this swap, so a write
	// transaction that commits between the rotation commit and the swap
	// is impossible: its in-transaction epoch check sees the flag.
	s.keyMu.Lock()
	old := s.keys
	s.keys = newKeys
	s.cipher = newCipher
	s.verifier = newVerifier
	s.keyEpoch++
	s.keyMu.Unlock()
	if old != nil {
		old.Zero()
	}

	s.cache.Purge()
	s.logger.Info("key rotated", "documents", len(docRows), "versions", len(verRows))
	return nil
}

func kdfParamRows(p crypto.KDFParams) map[string][]byte {
	timeBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(timeBuf, p.Time)
	memBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(memBuf, p.MemoryKiB)
	return map[string][]byte{
		metaKDFTime:    timeBuf,
		metaKDFMemory:  memBuf,
		metaKDFThreads: {p.Threads},
	}
}

func collectRotateRows(tx *txn.Tx, query string) ([]rotateRow, error) {
	rows, err := tx.Query(query)
	if err != nil {
		return nil, transactionErr("", err)
	}
	defer rows.Close()

	var out []rotateRow
	for rows.Next() {
		var row rotateRow
		if err := rows.Scan(&row.id, &row.version, &row.payload, &row.nonce); err != nil {
			return nil, transactionErr("", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, transactionErr("", err)
	}
	return out, nil
}
