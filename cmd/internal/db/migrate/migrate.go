// Package migrate applies the embedded Postgres schema with golang-migrate.
package migrate

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Direction selects which way Run migrates.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// ParseDirection accepts "up" or "down" (case-insensitive).
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case Up, Down:
		return d, nil
	default:
		return "", fmt.Errorf("direction must be up or down, got %q", s)
	}
}

// Run applies every pending migration in the given direction against dsn.
// Being already at the target version is not an error.
func Run(dsn string, direction Direction) error {
	if strings.TrimSpace(dsn) == "" {
		return errors.New("migrate: database url is not set")
	}
	if direction != Up && direction != Down {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}

	m, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case Up:
		err = m.Up()
	case Down:
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	return nil
}

// Version reports the applied schema version. ok is false on a fresh database.
func Version(dsn string) (version uint, dirty bool, ok bool, err error) {
	m, err := newMigrator(dsn)
	if err != nil {
		return 0, false, false, err
	}
	defer func() { _, _ = m.Close() }()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("migrate version: %w", err)
	}
	return version, dirty, true, nil
}

func newMigrator(dsn string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return m, nil
}
