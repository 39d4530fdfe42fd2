// Package password provides password hashing and verification for warden.
//
// It implements Argon2id hashing using the PHC string format and includes:
//   - Configurable Argon2id parameters
//   - Password policy validation
//   - Strict hash decoding with anti-DoS bounds
//   - Upgrade detection for hashes produced with weaker parameters
//
// Hash strings are treated as untrusted input during Verify. Verification refuses
// hashes whose parameters exceed the configured ones by a wide margin.
package password
