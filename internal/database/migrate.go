package database

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"quantback/internal/logger"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrator handles database migrations
type Migrator struct {
	migrate *migrate.Migrate
}

// NewMigrator creates a migrator over the embedded migration files
func NewMigrator(db *DB) (*Migrator, error) {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return &Migrator{migrate: m}, nil
}

// Up runs all pending migrations
func (m *Migrator) Up() error {
	if err := m.migrate.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("Database migrations completed")
	return nil
}

// Down rolls back all migrations
func (m *Migrator) Down() error {
	if err := m.migrate.Down(); err != nil {
		return fmt.Errorf("failed to rollback migrations: %w", err)
	}
	return nil
}

// Version returns the current migration version
func (m *Migrator) Version() (uint, error) {
	version, dirty, err := m.migrate.Version()
	if err != nil {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("database is in dirty state at version %d", version)
	}
	return version, nil
}

// Close closes the migrator
func (m *Migrator) Close() error {
	_, err := m.migrate.Close()
	if err != nil {
		return fmt.Errorf("failed to close migrator: %w", err)
	}
	return nil
}
