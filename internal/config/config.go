// Package config loads the store configuration. All knobs are read once
// when the store opens; runtime changes require re-initialization.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/docuvault/docvault/internal/crypto"
)

// CacheConfig tunes the decrypted-document cache.
type CacheConfig struct {
	// Capacity is the maximum number of cached documents.
	Capacity int `yaml:"capacity"`
	// TTLSeconds, when > 0, switches the cache to an expiring LRU where
	// entries also age out after this many seconds. 0 means pure LRU.
	TTLSeconds int `yaml:"ttl_seconds"`
}

// PoolConfig tunes the backend connection pool.
type PoolConfig struct {
	Size             int `yaml:"size"`
	AcquireTimeoutMS int `yaml:"acquire_timeout_ms"`
}

// EncryptionConfig supplies the master passphrase and KDF work factor.
type EncryptionConfig struct {
	// Enabled false stores payloads in plaintext. Integrity tags are
	// still applied.
	Enabled bool `yaml:"enabled"`
	// Passphrase is the master secret. The DOCVAULT_PASSPHRASE
	// environment variable takes precedence so the secret can stay out
	// of the config file.
	Passphrase string `yaml:"passphrase"`

	KDFTime      uint32 `yaml:"kdf_time"`
	KDFMemoryKiB uint32 `yaml:"kdf_memory_kib"`
	KDFThreads   uint8  `yaml:"kdf_threads"`
}

// LimitsConfig bounds caller input and transaction duration.
type LimitsConfig struct {
	MaxPayloadBytes      int `yaml:"max_payload_bytes"`
	MaxTitleLen          int `yaml:"max_title_len"`
	TransactionTimeoutMS int `yaml:"transaction_timeout_ms"`
}

// Config is the full store configuration.
type Config struct {
	// StorePath is the document database file.
	StorePath string `yaml:"store_path"`
	// AuditPath is the audit database file. Defaults to StorePath with
	// an ".audit.db" suffix so the trail survives document corruption.
	AuditPath string `yaml:"audit_path"`

	Cache      CacheConfig      `yaml:"cache"`
	Pool       PoolConfig       `yaml:"pool"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Limits     LimitsConfig     `yaml:"limits"`
}

// Default returns the configuration used when a knob is left unset.
func Default() Config {
	return Config{
		Cache: CacheConfig{Capacity: 1000},
		Pool:  PoolConfig{Size: 10, AcquireTimeoutMS: 5000},
		Encryption: EncryptionConfig{
			Enabled:      true,
			KDFTime:      crypto.DefaultKDFParams.Time,
			KDFMemoryKiB: crypto.DefaultKDFParams.MemoryKiB,
			KDFThreads:   crypto.DefaultKDFParams.Threads,
		},
		Limits: LimitsConfig{
			MaxPayloadBytes:      32 << 20, // 32 MiB
			MaxTitleLen:          512,
			TransactionTimeoutMS: 30000,
		},
	}
}

// Load reads a YAML config file, fills unset knobs with defaults, applies
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if pw := os.Getenv("DOCVAULT_PASSPHRASE"); pw != "" {
		c.Encryption.Passphrase = pw
	}
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = d.Cache.Capacity
	}
	if c.Pool.Size == 0 {
		c.Pool.Size = d.Pool.Size
	}
	if c.Pool.AcquireTimeoutMS == 0 {
		c.Pool.AcquireTimeoutMS = d.Pool.AcquireTimeoutMS
	}
	if c.Encryption.KDFTime == 0 {
		c.Encryption.KDFTime = d.Encryption.KDFTime
	}
	if c.Encryption.KDFMemoryKiB == 0 {
		c.Encryption.KDFMemoryKiB = d.Encryption.KDFMemoryKiB
	}
	if c.Encryption.KDFThreads == 0 {
		c.Encryption.KDFThreads = d.Encryption.KDFThreads
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits.MaxPayloadBytes = d.Limits.MaxPayloadBytes
	}
	if c.Limits.MaxTitleLen == 0 {
		c.Limits.MaxTitleLen = d.Limits.MaxTitleLen
	}
	if c.Limits.TransactionTimeoutMS == 0 {
		c.Limits.TransactionTimeoutMS = d.Limits.TransactionTimeoutMS
	}
	if c.AuditPath == "" && c.StorePath != "" {
		c.AuditPath = c.StorePath + ".audit.db"
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("config: store_path is required")
	}
	if c.Cache.Capacity < 1 {
		return fmt.Errorf("config: cache capacity must be positive, got %d", c.Cache.Capacity)
	}
	if c.Pool.Size < 1 {
		return fmt.Errorf("config: pool size must be positive, got %d", c.Pool.Size)
	}
	if c.Encryption.Enabled && c.Encryption.Passphrase == "" {
		return fmt.Errorf("config: encryption enabled but no passphrase set")
	}
	if c.Limits.MaxPayloadBytes < 1 {
		return fmt.Errorf("config: max payload bytes must be positive")
	}
	return nil
}

// KDFParams returns the configured Argon2id work factor.
func (c *Config) KDFParams() crypto.KDFParams {
	return crypto.KDFParams{
		Time:      c.Encryption.KDFTime,
		MemoryKiB: c.Encryption.KDFMemoryKiB,
		Threads:   c.Encryption.KDFThreads,
	}
}

// AcquireTimeout returns the pool acquire timeout as a duration.
func (c *Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Pool.AcquireTimeoutMS) * time.Millisecond
}

// TransactionTimeout returns the transaction deadline as a duration.
func (c *Config) TransactionTimeout() time.Duration {
	return time.Duration(c.Limits.TransactionTimeoutMS) * time.Millisecond
}

// CacheTTL returns the cache TTL, or 0 for pure LRU behavior.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}
