package docstore

import (
	"context"
	"crypto/rand"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os/user"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/docuvault/docvault/internal/audit"
	"github.com/docuvault/docvault/internal/cache"
	"github.com/docuvault/docvault/internal/config"
	"github.com/docuvault/docvault/internal/crypto"
	"github.com/docuvault/docvault/internal/integrity"
	"github.com/docuvault/docvault/internal/pool"
	"github.com/docuvault/docvault/internal/txn"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema
const currentSchemaVersion = 1

// store_meta row names.
const (
	metaKDFSalt      = "kdf_salt"
	metaKDFTime      = "kdf_time"
	metaKDFMemory    = "kdf_memory_kib"
	metaKDFThreads   = "kdf_threads"
	metaKeyCheck     = "key_check"
	metaIntegrityKey = "integrity_key"
)

// Store is the document storage engine. Construct with Open; all
// dependencies are owned by the instance and released by Close.
// Safe for concurrent use.
type Store struct {
	cfg    config.Config
	db     *sql.DB
	pool   *pool.Pool
	cache  *cache.Cache[*Document]
	txm    *txn.Manager
	audit  *audit.Log
	logger *slog.Logger

	// keyMu guards cipher/verifier/keys/keyEpoch, which are immutable
	// outside key rotation. keyEpoch increments on every swap so
	// operations can detect a rotation that raced them.
	keyMu    sync.RWMutex
	cipher   *crypto.Cipher // nil in plaintext mode
	keys     *crypto.Keyset
	verifier *integrity.Verifier
	keyEpoch uint64

	// affinity is the last released connection handle, passed to
	// Acquire as a locality hint.
	affinity atomic.Int64

	maintenance atomic.Bool
	closed      atomic.Bool
}

// Open creates or opens the store described by cfg. Configuration is
// read once; changing knobs requires closing and reopening.
func Open(cfg config.Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	// _txlock=immediate makes writers take the write lock at BEGIN,
	// serializing transactions that will mutate.
	dsn := "file:" + cfg.StorePath + "?_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect store: %w", err)
	}

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{cfg: cfg, db: db, logger: logger}
	s.affinity.Store(int64(pool.NoPreference))

	if err := s.loadKeys(); err != nil {
		db.Close()
		return nil, err
	}

	s.pool, err = pool.New(db, cfg.Pool.Size)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.cache, err = cache.New[*Document](cfg.Cache.Capacity, cfg.CacheTTL())
	if err != nil {
		db.Close()
		return nil, err
	}
	s.txm = txn.NewManager(cfg.TransactionTimeout())

	s.audit, err = audit.Open(cfg.AuditPath, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("document store opened",
		"path", cfg.StorePath,
		"encrypted", cfg.Encryption.Enabled,
		"pool_size", cfg.Pool.Size,
		"cache_capacity", cfg.Cache.Capacity)
	return s, nil
}

// Close releases the pool, both databases, and the key material.
// Idempotent.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.pool.Close()
	var firstErr error
	if err := s.db.Close(); err != nil {
		firstErr = err
	}
	if err := s.audit.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.keyMu.Lock()
	if s.keys != nil {
		s.keys.Zero()
	}
	s.keyMu.Unlock()
	s.logger.Info("document store closed", "path", s.cfg.StorePath)
	return firstErr
}

// loadKeys derives the cipher and verifier keys. In encrypted mode the
// Argon2id salt and work factor are persisted at creation and a key
// check value detects a wrong passphrase at open. In plaintext mode a
// random persisted integrity key still backs tamper detection.
func (s *Store) loadKeys() error {
	if !s.cfg.Encryption.Enabled {
		key, ok, err := s.getMeta(metaIntegrityKey)
		if err != nil {
			return err
		}
		if !ok {
			key = make([]byte, crypto.KeySize)
			if _, err := io.ReadFull(rand.Reader, key); err != nil {
				return fmt.Errorf("generate integrity key: %w", err)
			}
			if err := s.setMeta(metaIntegrityKey, key); err != nil {
				return err
			}
		}
		verifier, err := integrity.NewVerifier(key)
		if err != nil {
			return err
		}
		s.verifier = verifier
		return nil
	}

	salt, ok, err := s.getMeta(metaKDFSalt)
	if err != nil {
		return err
	}
	params := s.cfg.KDFParams()
	if ok {
		// Work factor is pinned at creation time; the config value only
		// applies to new stores.
		params, err = s.storedKDFParams(params)
		if err != nil {
			return err
		}
	} else {
		salt, err = crypto.NewSalt()
		if err != nil {
			return err
		}
		if err := s.setMeta(metaKDFSalt, salt); err != nil {
			return err
		}
		if err := s.storeKDFParams(params); err != nil {
			return err
		}
	}

	keys, err := crypto.DeriveKeys([]byte(s.cfg.Encryption.Passphrase), salt, params)
	if err != nil {
		return err
	}
	cipher, err := crypto.NewCipher(keys)
	if err != nil {
		return err
	}
	verifier, err := integrity.NewVerifier(keys.MACKey())
	if err != nil {
		return err
	}

	check, ok, err := s.getMeta(metaKeyCheck)
	if err != nil {
		return err
	}
	if ok {
		if string(check) != verifier.KeyCheck() {
			keys.Zero()
			return &StoreError{Code: ErrCodeDecryption, Message: "master key mismatch"}
		}
	} else {
		if err := s.setMeta(metaKeyCheck, []byte(verifier.KeyCheck())); err != nil {
			return err
		}
	}

	s.keys = keys
	s.cipher = cipher
	s.verifier = verifier
	return nil
}

func (s *Store) storedKDFParams(fallback crypto.KDFParams) (crypto.KDFParams, error) {
	p := fallback
	if v, ok, err := s.getMeta(metaKDFTime); err != nil {
		return p, err
	} else if ok {
		p.Time = uint32(binary.BigEndian.Uint32(v))
	}
	if v, ok, err := s.getMeta(metaKDFMemory); err != nil {
		return p, err
	} else if ok {
		p.MemoryKiB = uint32(binary.BigEndian.Uint32(v))
	}
	if v, ok, err := s.getMeta(metaKDFThreads); err != nil {
		return p, err
	} else if ok && len(v) > 0 {
		p.Threads = v[0]
	}
	return p, nil
}

func (s *Store) storeKDFParams(p crypto.KDFParams) error {
	for name, value := range kdfParamRows(p) {
		if err := s.setMeta(name, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) getMeta(name string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM store_meta WHERE name = ?", name).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read store_meta %q: %w", name, err)
	}
	return value, true, nil
}

func (s *Store) setMeta(name string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO store_meta (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`, name, value)
	if err != nil {
		return fmt.Errorf("write store_meta %q: %w", name, err)
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("store schema version %d is newer than supported %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// acquire leases a pooled connection with the store's affinity hint,
// mapping pool exhaustion to the typed store error.
func (s *Store) acquire(ctx context.Context) (*pool.Conn, error) {
	conn, err := s.pool.Acquire(ctx, s.cfg.AcquireTimeout(), pool.HandleID(s.affinity.Load()))
	if err != nil {
		if err == pool.ErrExhausted {
			return nil, &StoreError{Code: ErrCodePoolExhausted, Message: "no connection available within timeout", Err: err}
		}
		return nil, &StoreError{Code: ErrCodeTransaction, Message: "acquire connection", Err: err}
	}
	return conn, nil
}

// release returns the connection and records it as the affinity hint.
func (s *Store) release(conn *pool.Conn) {
	s.affinity.Store(int64(conn.ID()))
	s.pool.Release(conn)
}

// cipherAndVerifier snapshots the key-derived dependencies, which key
// rotation swaps atomically.
func (s *Store) cipherAndVerifier() (*crypto.Cipher, *integrity.Verifier) {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()
	return s.cipher, s.verifier
}

// keySnapshot returns the key-derived dependencies together with the
// rotation epoch they belong to. An operation using the snapshot must
// re-check the epoch before trusting what it sealed or verified.
func (s *Store) keySnapshot() (*crypto.Cipher, *integrity.Verifier, uint64) {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()
	return s.cipher, s.verifier, s.keyEpoch
}

func (s *Store) keyEpochChanged(epoch uint64) bool {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()
	return s.keyEpoch != epoch
}

// checkKeyEpoch rejects a write whose payload was sealed under keys a
// concurrent rotation replaced. Called inside the write transaction,
// before commit: rotation holds the maintenance flag from before its
// own transaction until after the in-memory swap, so passing both
// checks here proves the sealed bytes match the keys on disk.
func (s *Store) checkKeyEpoch(epoch uint64) error {
	if s.maintenance.Load() {
		return maintenanceErr()
	}
	if s.keyEpochChanged(epoch) {
		return &StoreError{Code: ErrCodeConflict, Message: "key rotated during write, retry"}
	}
	return nil
}

// seal encrypts plaintext for storage under the snapshotted cipher, or
// passes it through in plaintext mode (nonce empty).
func seal(c *crypto.Cipher, plaintext []byte) (stored, nonce []byte, err error) {
	if c == nil {
		return plaintext, []byte{}, nil
	}
	stored, nonce, err = c.Encrypt(plaintext)
	if err != nil {
		return nil, nil, &StoreError{Code: ErrCodeEncryption, Message: "encrypt payload", Err: err}
	}
	return stored, nonce, nil
}

// unseal decrypts stored bytes under the snapshotted cipher, or passes
// them through in plaintext mode.
func unseal(c *crypto.Cipher, id string, stored, nonce []byte, encrypted bool) ([]byte, error) {
	if !encrypted {
		return stored, nil
	}
	if c == nil {
		return nil, &StoreError{Code: ErrCodeDecryption, Message: "document is encrypted but store runs in plaintext mode", DocumentID: id}
	}
	plaintext, err := c.Decrypt(stored, nonce)
	if err != nil {
		return nil, &StoreError{Code: ErrCodeDecryption, Message: "decrypt payload", DocumentID: id, Err: err}
	}
	return plaintext, nil
}

// recordAudit appends one audit entry. Actor defaults to the OS user.
func (s *Store) recordAudit(ctx context.Context, operation, documentID, actor string, outcome audit.Outcome, detail string) {
	if actor == "" {
		actor = currentUser()
	}
	s.audit.Record(ctx, audit.Entry{
		Operation:  operation,
		DocumentID: documentID,
		Actor:      actor,
		Outcome:    outcome,
		Detail:     detail,
	})
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	return u.Username
}

// AuditTrail queries the audit log.
func (s *Store) AuditTrail(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.audit.Query(ctx, f)
}

func nowUTC() time.Time { return time.Now().UTC() }

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
