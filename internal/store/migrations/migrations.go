// Package migrations applies the PostgreSQL schema with golang-migrate.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const (
	sourceName   = "iofs"
	sourceFolder = "sql"
	pgxScheme    = "pgx5://"
)

//go:embed sql/*.sql
var files embed.FS

var (
	ErrUnsupportedDatabaseURL = errors.New("migrations: unsupported database url")
	ErrInvalidSteps           = errors.New("migrations: steps must be positive")
)

// Status is the schema version reported by the migration table.
type Status struct {
	Version uint
	Dirty   bool
	Applied bool
}

// Runner applies embedded migrations to one database.
type Runner struct {
	migrator *migrate.Migrate
}

// Source opens the embedded migration files.
func Source() (source.Driver, error) {
	driver, err := iofs.New(files, sourceFolder)
	if err != nil {
		return nil, fmt.Errorf("migrations: open embedded source: %w", err)
	}
	return driver, nil
}

// DatabaseURL rewrites a postgres DSN to the scheme the pgx/v5 migrate
// driver registers.
func DatabaseURL(databaseURL string) (string, error) {
	trimmed := strings.TrimSpace(databaseURL)
	lowered := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lowered, "postgres://"):
		return pgxScheme + trimmed[len("postgres://"):], nil
	case strings.HasPrefix(lowered, "postgresql://"):
		return pgxScheme + trimmed[len("postgresql://"):], nil
	case strings.HasPrefix(lowered, pgxScheme):
		return trimmed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDatabaseURL, redact(trimmed))
	}
}

// NewRunner connects to databaseURL with the embedded source.
func NewRunner(databaseURL string) (*Runner, error) {
	target, err := DatabaseURL(databaseURL)
	if err != nil {
		return nil, err
	}
	sourceDriver, err := Source()
	if err != nil {
		return nil, err
	}
	migrator, err := migrate.NewWithSourceInstance(sourceName, sourceDriver, target)
	if err != nil {
		return nil, fmt.Errorf("migrations: init: %w", err)
	}
	return &Runner{migrator: migrator}, nil
}

// Up applies every pending migration. An up-to-date schema is not an error.
func (runner *Runner) Up() (bool, error) {
	err := runner.migrator.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("migrations: up: %w", err)
	}
	return true, nil
}

// Down rolls back the last steps migrations.
func (runner *Runner) Down(steps int) error {
	if steps <= 0 {
		return ErrInvalidSteps
	}
	if err := runner.migrator.Steps(-steps); err != nil {
		return fmt.Errorf("migrations: down %d: %w", steps, err)
	}
	return nil
}

// Version reports the current schema version. A database without the
// migration table reports Applied false.
func (runner *Runner) Version() (Status, error) {
	version, dirty, err := runner.migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("migrations: version: %w", err)
	}
	return Status{Version: version, Dirty: dirty, Applied: true}, nil
}

// Close releases the source and database handles.
func (runner *Runner) Close() error {
	sourceErr, databaseErr := runner.migrator.Close()
	return errors.Join(sourceErr, databaseErr)
}

func redact(databaseURL string) string {
	if at := strings.LastIndex(databaseURL, "@"); at >= 0 {
		if scheme := strings.Index(databaseURL, "://"); scheme >= 0 && scheme < at {
			return databaseURL[:scheme+3] + "***" + databaseURL[at:]
		}
	}
	return databaseURL
}
