package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryCounter keeps counters in a bounded in-process LRU. Counts are not
// shared between replicas.
type MemoryCounter struct {
	mu      sync.Mutex
	entries *lru.LRU[string, window]
	now     func() time.Time
}

// NewMemoryCounter tracks at most size keys; entries are evicted after maxWindow.
func NewMemoryCounter(size int, maxWindow time.Duration) *MemoryCounter {
	if size <= 0 {
		size = DefaultConfig().MemorySize
	}
	return &MemoryCounter{
		entries: lru.NewLRU[string, window](size, nil, maxWindow),
		now:     time.Now,
	}
}

func (m *MemoryCounter) live(key string, now time.Time) (window, bool) {
	w, ok := m.entries.Get(key)
	if !ok || !now.Before(w.resetAt) {
		return window{}, false
	}
	return w, true
}

// Incr implements Counter.
func (m *MemoryCounter) Incr(_ context.Context, key string, win time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.live(key, now)
	if !ok {
		w = window{resetAt: now.Add(win)}
	}
	w.count++
	m.entries.Add(key, w)
	return w.count, w.resetAt.Sub(now), nil
}

// Peek implements Counter.
func (m *MemoryCounter) Peek(_ context.Context, key string) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.live(key, now)
	if !ok {
		return 0, 0, nil
	}
	return w.count, w.resetAt.Sub(now), nil
}

// Reset implements Counter.
func (m *MemoryCounter) Reset(_ context.Context, key string) error {
	m.entries.Remove(key)
	return nil
}
