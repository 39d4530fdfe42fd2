// Package ids mints the ULIDs used for account and session identifiers.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a 26-char ULID stamped with now (current UTC time when zero).
// Ids minted in the same millisecond still sort in creation order.
func New(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	mu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	mu.Unlock()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Valid reports whether s is a canonical ULID string.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Time returns the millisecond timestamp embedded in id.
func Time(id string) (time.Time, bool) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()).UTC(), true
}
