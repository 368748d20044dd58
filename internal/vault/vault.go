// Package vault implements the Cryptographic Vault component (spec §4.1):
// symmetric, authenticated encryption of credential material at rest. The
// vault is keyed once at construction (from an operator-supplied raw key, a
// passphrase, or an ephemeral generated key) and never locks itself again;
// there is no interactive operator session to auto-lock against.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"

	"github.com/jordanhubbard/llmrouter/internal/events"
)

// Argon2id parameters (OWASP recommended minimums), used only when the
// vault is keyed from an operator passphrase rather than a raw key.
const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4
	argon2KeyLen  = 32
	saltLen       = 16
)

// CryptoError reports a seal/open failure: ciphertext tampering, truncation,
// or a key that does not match what produced the ciphertext. Seal/Open never
// return a bare error for these cases so callers can errors.As to this type
// and distinguish "integrity failure" from a programmer error.
type CryptoError struct {
	Op     string
	Reason string
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("vault: %s: %s", e.Op, e.Reason)
}

// Config selects how the vault derives its symmetric key. Exactly one of
// RawKeyHex or Passphrase should be set; if neither is set, New generates an
// ephemeral random key and publishes a VaultKeyEphemeral warning event,
// since an ephemeral key means sealed material cannot survive a restart.
type Config struct {
	RawKeyHex  string // 64 hex chars = 32 bytes
	Passphrase string
	Salt       []byte // used with Passphrase; a random salt is generated when nil
}

// Vault provides authenticated encryption of credential material using
// AES-256-GCM. It holds no plaintext once Seal returns.
type Vault struct {
	key  []byte
	salt []byte
	bus  *events.Bus
}

// New derives the vault's key per cfg and returns a ready-to-use Vault. bus
// may be nil; when non-nil, an ephemeral-key warning is published on it.
func New(cfg Config, bus *events.Bus) (*Vault, error) {
	v := &Vault{bus: bus}

	switch {
	case cfg.RawKeyHex != "":
		key, err := hex.DecodeString(cfg.RawKeyHex)
		if err != nil {
			return nil, fmt.Errorf("vault: decode raw key: %w", err)
		}
		if len(key) != 32 {
			return nil, errors.New("vault: raw key must be 32 bytes (64 hex chars)")
		}
		v.key = key

	case cfg.Passphrase != "":
		salt := cfg.Salt
		if salt == nil {
			salt = make([]byte, saltLen)
			if _, err := io.ReadFull(rand.Reader, salt); err != nil {
				return nil, fmt.Errorf("vault: generate salt: %w", err)
			}
		}
		v.salt = salt
		v.key = argon2.IDKey([]byte(cfg.Passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	default:
		key := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("vault: generate ephemeral key: %w", err)
		}
		v.key = key
		if bus != nil {
			bus.Publish(events.Event{
				Type:   events.VaultKeyEphemeral,
				Reason: "no raw key or passphrase configured; generated an in-memory key that will not survive a restart",
			})
		}
	}

	return v, nil
}

// Salt returns the Argon2id salt used in passphrase mode, for persistence
// alongside the sealed records. Returns nil when the vault was not keyed
// from a passphrase.
func (v *Vault) Salt() []byte {
	if v.salt == nil {
		return nil
	}
	s := make([]byte, len(v.salt))
	copy(s, v.salt)
	return s
}

// Seal encrypts plaintext credential material and returns nonce||ciphertext.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a value produced by Seal. Returns a *CryptoError if the
// ciphertext is truncated or fails the GCM authentication tag check (either
// because it was tampered with, or because it was sealed under a different
// key — the two are indistinguishable by design).
func (v *Vault) Open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: new gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, &CryptoError{Op: "open", Reason: "ciphertext shorter than nonce"}
	}
	nonce := sealed[:gcm.NonceSize()]
	data := sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, &CryptoError{Op: "open", Reason: "authentication failed: tampered ciphertext or wrong key"}
	}
	return plain, nil
}

// SealString is a convenience wrapper returning hex-encoded ciphertext, the
// form persisted in store.CredentialRecord.SealedMaterial.
func (v *Vault) SealString(plaintext string) (string, error) {
	b, err := v.Seal([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// OpenString is the inverse of SealString.
func (v *Vault) OpenString(sealedHex string) (string, error) {
	b, err := hex.DecodeString(sealedHex)
	if err != nil {
		return "", &CryptoError{Op: "open", Reason: "sealed material is not valid hex"}
	}
	plain, err := v.Open(b)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// KeysEqual does a constant-time comparison of two raw key byte slices.
// Exposed for tests that need to assert two vaults were keyed identically
// without leaking timing information in production call sites.
func KeysEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
