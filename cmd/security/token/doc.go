// Package token provides secret-handling primitives for warden.
//
// It is the single source of truth for refresh-secret generation and digesting:
//   - Opaque secrets are random bytes encoded as unpadded base64url.
//   - Stored digests are HMAC-SHA256(secret, key) as 64-char lower-case hex.
//   - Keys live in memguard enclaves and are only decrypted for the duration of one use.
//
// The digest key must differ from the access-token signing key.
package token
