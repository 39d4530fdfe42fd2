// Package session implements warden's session core.
//
// Access tokens are short-lived HS256/384/512 JWTs carrying the subject and its
// scopes; they are never looked up server-side. Refresh tokens are opaque random
// strings stored only as HMAC-SHA256 digests. Every refresh rotates the token
// inside one store transaction, and at most one active session exists per
// (subject, device type) when a device type is given.
//
// Transport (HTTP) integration lives in authapi and guard.
package session
