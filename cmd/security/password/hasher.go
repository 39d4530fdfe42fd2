package password

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Hasher bounds how many Argon2id computations run at once.
// Each computation holds Params.MemoryKiB of memory, so unbounded fan-out
// under a login burst would starve the rest of the process.
type Hasher struct {
	cfg Config
	sem *semaphore.Weighted
}

// NewHasher returns a Hasher allowing at most maxConcurrent concurrent
// hash/verify calls. maxConcurrent <= 0 selects runtime.NumCPU().
func NewHasher(cfg Config, maxConcurrent int) *Hasher {
	if maxConcurrent <= 0 {
		maxConcurrent = runtime.NumCPU()
	}
	return &Hasher{cfg: cfg, sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

// Config returns the hashing configuration.
func (h *Hasher) Config() Config { return h.cfg }

// Validate checks password policy without hashing.
func (h *Hasher) Validate(password string) error { return h.cfg.Validate(password) }

// Hash waits for a slot, then hashes password. Policy violations are
// reported before waiting.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	if err := h.cfg.Validate(password); err != nil {
		return "", err
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("%w: %w", ErrHasherBusy, err)
	}
	defer h.sem.Release(1)
	return h.cfg.Hash(password)
}

// Verify waits for a slot, then verifies password. It fails closed: a
// malformed hash or a cancelled context yields false.
func (h *Hasher) Verify(ctx context.Context, encodedHash, password string) bool {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer h.sem.Release(1)
	return h.cfg.Matches(encodedHash, password)
}

// NeedsRehash reports whether encodedHash is weaker than the current parameters.
func (h *Hasher) NeedsRehash(encodedHash string) bool {
	return h.cfg.NeedsRehash(encodedHash)
}
