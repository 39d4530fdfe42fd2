package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/awnumar/memguard"
)

// MinKeyBytes is the smallest accepted key size for HMAC-SHA256 keys.
const MinKeyBytes = 32

// Key is a secret held in an encrypted memguard enclave.
type Key struct {
	enclave *memguard.Enclave
}

// NewKey seals a copy of raw. The caller keeps ownership of raw.
// Empty raw -> ErrKeyMissing; shorter than minBytes -> ErrKeyTooShort.
func NewKey(raw []byte, minBytes int) (*Key, error) {
	if len(raw) == 0 {
		return nil, ErrKeyMissing
	}
	if minBytes > 0 && len(raw) < minBytes {
		return nil, ErrKeyTooShort
	}
	// NewEnclave wipes its input.
	buf := make([]byte, len(raw))
	copy(buf, raw)
	return &Key{enclave: memguard.NewEnclave(buf)}, nil
}

// Use decrypts the key, passes it to fn and wipes the plaintext afterwards.
// fn must not retain the slice.
func (k *Key) Use(fn func(key []byte) error) error {
	if k == nil || k.enclave == nil {
		return ErrKeyMissing
	}
	buf, err := k.enclave.Open()
	if err != nil {
		return fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Equal reports whether both keys hold the same bytes.
func (k *Key) Equal(other *Key) (bool, error) {
	var same bool
	err := k.Use(func(a []byte) error {
		return other.Use(func(b []byte) error {
			same = subtle.ConstantTimeCompare(a, b) == 1
			return nil
		})
	})
	return same, err
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Digester computes keyed digests of opaque secrets for server-side storage.
type Digester struct {
	key *Key
}

// NewDigester returns a Digester bound to key.
func NewDigester(key *Key) *Digester {
	return &Digester{key: key}
}

// Digest returns HMAC-SHA256(secret, key) as hex.
func (d *Digester) Digest(secret string) (string, error) {
	var out string
	err := d.key.Use(func(key []byte) error {
		out = HashHMACSHA256Hex(secret, key)
		return nil
	})
	return out, err
}

// NewOpaqueSecret returns nBytes of crypto/rand output as unpadded base64url.
func NewOpaqueSecret(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = 32
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
