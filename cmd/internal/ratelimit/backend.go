package ratelimit

import (
	"context"
	"fmt"
)

// OpenCounter builds the counter named by cfg.Backend. The returned close
// releases backend resources.
func OpenCounter(ctx context.Context, cfg Config) (Counter, func() error, error) {
	switch cfg.Backend {
	case "redis":
		rdb, err := DialRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return NewRedisCounter(rdb), rdb.Close, nil
	case "memory", "":
		maxWindow := cfg.IPWindow
		if cfg.IdentifierWindow > maxWindow {
			maxWindow = cfg.IdentifierWindow
		}
		return NewMemoryCounter(cfg.MemorySize, maxWindow), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("ratelimit: unknown backend %q", cfg.Backend)
	}
}
