package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadMinimal(t *testing.T) {
	path := writeConfig(t, `
store_path: /tmp/docs.db
encryption:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/docs.db", cfg.StorePath)
	assert.Equal(t, "/tmp/docs.db.audit.db", cfg.AuditPath)
	assert.Equal(t, 1000, cfg.Cache.Capacity)
	assert.Equal(t, 10, cfg.Pool.Size)
	assert.Equal(t, 5*time.Second, cfg.AcquireTimeout())
	assert.Equal(t, 30*time.Second, cfg.TransactionTimeout())
	assert.Equal(t, 32<<20, cfg.Limits.MaxPayloadBytes)
	assert.Equal(t, 512, cfg.Limits.MaxTitleLen)
	assert.False(t, cfg.Encryption.Enabled)
}

func TestLoadFullOverrides(t *testing.T) {
	path := writeConfig(t, `
store_path: /data/store.db
audit_path: /logs/audit.db
cache:
  capacity: 50
  ttl_seconds: 60
pool:
  size: 4
  acquire_timeout_ms: 250
encryption:
  enabled: true
  passphrase: hunter2
  kdf_time: 1
  kdf_memory_kib: 8192
  kdf_threads: 1
limits:
  max_payload_bytes: 1024
  max_title_len: 64
  transaction_timeout_ms: 1500
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/logs/audit.db", cfg.AuditPath)
	assert.Equal(t, 50, cfg.Cache.Capacity)
	assert.Equal(t, time.Minute, cfg.CacheTTL())
	assert.Equal(t, 4, cfg.Pool.Size)
	assert.Equal(t, 250*time.Millisecond, cfg.AcquireTimeout())
	assert.Equal(t, "hunter2", cfg.Encryption.Passphrase)
	assert.Equal(t, uint32(1), cfg.KDFParams().Time)
	assert.Equal(t, uint32(8192), cfg.KDFParams().MemoryKiB)
	assert.Equal(t, 1024, cfg.Limits.MaxPayloadBytes)
	assert.Equal(t, 1500*time.Millisecond, cfg.TransactionTimeout())
}

func TestLoadEnvPassphraseOverride(t *testing.T) {
	path := writeConfig(t, `
store_path: /tmp/docs.db
encryption:
  enabled: true
  passphrase: from-file
`)

	t.Setenv("DOCVAULT_PASSPHRASE", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Encryption.Passphrase)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "store_path: [unclosed")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing store path",
			mutate:  func(c *Config) { c.StorePath = "" },
			wantErr: "store_path",
		},
		{
			name:    "negative cache capacity",
			mutate:  func(c *Config) { c.Cache.Capacity = -1 },
			wantErr: "cache capacity",
		},
		{
			name:    "zero pool size",
			mutate:  func(c *Config) { c.Pool.Size = -2 },
			wantErr: "pool size",
		},
		{
			name:    "encryption without passphrase",
			mutate:  func(c *Config) { c.Encryption.Passphrase = "" },
			wantErr: "passphrase",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.StorePath = "/tmp/docs.db"
			cfg.Encryption.Passphrase = "pw"
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidatePlaintextModeNeedsNoPassphrase(t *testing.T) {
	cfg := Default()
	cfg.StorePath = "/tmp/docs.db"
	cfg.Encryption.Enabled = false

	assert.NoError(t, cfg.Validate())
}
