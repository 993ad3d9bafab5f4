// Package crypto provides payload encryption and key derivation for the
// document store. Payloads are sealed with AES-256-GCM using a fresh
// random nonce per operation; the data-encryption and integrity keys are
// derived from a master passphrase with Argon2id and a persisted salt.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// SaltSize is the length of the persisted KDF salt in bytes.
const SaltSize = 16

// KDFParams holds the Argon2id work factor. Higher values slow both
// legitimate opens and brute-force attempts.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams is a moderate interactive-use work factor.
var DefaultKDFParams = KDFParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}

// Keyset holds the derived key material: one key for payload encryption
// and a distinct key for integrity tags. Zero it when the store closes.
type Keyset struct {
	enc []byte
	mac []byte
}

// DeriveKeys stretches the passphrase into an encryption key and an
// integrity key using Argon2id. The same passphrase, salt, and params
// always produce the same keys.
func DeriveKeys(passphrase, salt []byte, p KDFParams) (*Keyset, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("derive keys: empty passphrase")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("derive keys: salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	if p.Time == 0 || p.MemoryKiB == 0 || p.Threads == 0 {
		return nil, fmt.Errorf("derive keys: zero KDF work factor")
	}

	raw := argon2.IDKey(passphrase, salt, p.Time, p.MemoryKiB, p.Threads, 2*KeySize)
	return &Keyset{enc: raw[:KeySize], mac: raw[KeySize:]}, nil
}

// NewSalt returns a fresh random KDF salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// MACKey returns the integrity-tag key. The returned slice aliases the
// keyset; callers must not mutate or retain it past Zero.
func (k *Keyset) MACKey() []byte { return k.mac }

// Zero overwrites the key material. The keyset is unusable afterwards.
func (k *Keyset) Zero() {
	for i := range k.enc {
		k.enc[i] = 0
	}
	for i := range k.mac {
		k.mac[i] = 0
	}
}

// Cipher seals and opens document payloads with AES-256-GCM.
// The derived key is loaded once and treated as immutable; Cipher is
// safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a keyset's encryption key.
func NewCipher(keys *Keyset) (*Cipher, error) {
	if keys == nil || len(keys.enc) != KeySize {
		return nil, fmt.Errorf("new cipher: key unavailable")
	}
	block, err := aes.NewCipher(keys.enc)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
// The nonce is returned separately and must be stored with the ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	if c == nil || c.aead == nil {
		return nil, nil, fmt.Errorf("encrypt: key unavailable")
	}
	nonce = make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("encrypt: generate nonce: %w", err)
	}
	return c.aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens ciphertext with its nonce. A GCM authentication failure
// (wrong key or altered ciphertext) returns an error and never partial
// plaintext.
func (c *Cipher) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	if c == nil || c.aead == nil {
		return nil, fmt.Errorf("decrypt: key unavailable")
	}
	if len(nonce) != c.aead.NonceSize() {
		return nil, fmt.Errorf("decrypt: bad nonce length %d", len(nonce))
	}
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: authentication failed (wrong key or tampered data)")
	}
	return plaintext, nil
}
