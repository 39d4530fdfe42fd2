package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.etcd.io/bbolt"

	"warden/cmd/identity"
	"warden/cmd/internal/auth/session"
	"warden/cmd/internal/db/migrate"
)

// Storage is the persistence selected by storage.driver.
type Storage struct {
	Accounts identity.Store
	Sessions session.Store

	// Pool is set for the postgres driver only.
	Pool *pgxpool.Pool

	close func() error
}

// Ping reports whether the backing store is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if s.Pool != nil {
		return PingDB(ctx, s.Pool, 2*time.Second)
	}
	return nil
}

// Close releases the pool or bolt file.
func (s *Storage) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}

// OpenStorage opens the configured driver. For postgres with auto_migrate it
// applies pending migrations first.
func OpenStorage(ctx context.Context, cfg StorageConfig, log *slog.Logger) (*Storage, error) {
	switch cfg.Driver {
	case "postgres":
		if cfg.AutoMigrate {
			if err := migrate.Run(cfg.DatabaseURL, migrate.Up); err != nil {
				return nil, fmt.Errorf("storage: migrate: %w", err)
			}
			log.InfoContext(ctx, "db.migrate.ok")
		}
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("storage: postgres: %w", err)
		}
		accounts, err := identity.NewPostgresStore(pool, identity.WithSchema(cfg.Schema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		sessions, err := session.NewPostgresStore(pool, cfg.Schema)
		if err != nil {
			pool.Close()
			return nil, err
		}
		log.InfoContext(ctx, "db.enabled.postgres_store", "schema", cfg.Schema)
		return &Storage{
			Accounts: accounts,
			Sessions: sessions,
			Pool:     pool,
			close:    func() error { pool.Close(); return nil },
		}, nil

	case "bolt":
		db, err := OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		accounts, err := identity.NewBoltStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		sessions, err := session.NewBoltStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		log.InfoContext(ctx, "db.enabled.bolt_store", "path", cfg.BoltPath)
		return &Storage{Accounts: accounts, Sessions: sessions, close: db.Close}, nil

	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}

// OpenBolt opens (or creates) the bolt file at path.
func OpenBolt(path string) (*bbolt.DB, error) {
	if path == "" {
		return nil, errors.New("storage: empty bolt path")
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open bolt %s: %w", path, err)
	}
	return db, nil
}

// NewDBPool builds a pgxpool and validates connectivity.
func NewDBPool(ctx context.Context, cfg StorageConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns >= 0 {
		pcfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// PingDB checks that a connection can be acquired within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
