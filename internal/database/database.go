// Package database provides SQLite database management for the agent
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/mattn/go-sqlite3"
	"github.com/tildaslashalef/anchorsync/internal/config"
	"github.com/tildaslashalef/anchorsync/internal/loggy"
	"github.com/tildaslashalef/anchorsync/internal/migrations"
)

// ErrNotInitialized is returned when the database has been closed or never opened
var ErrNotInitialized = errors.New("database not initialized")

// Querier is the subset of *sql.DB and *sql.Tx the repositories need
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is an open SQLite handle
type DB struct {
	*sql.DB
	logger *loggy.Logger
}

// Open opens the database described by cfg and verifies the connection
func Open(cfg config.DatabaseConfig, logger *loggy.Logger) (*DB, error) {
	logger.Info("Initializing database", "path", cfg.Path)

	sqlDB, err := sql.Open("sqlite3", buildSQLiteDSN(&cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLife)
	sqlDB.SetMaxOpenConns(1) // SQLite supports only one writer at a time
	sqlDB.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database initialized successfully")
	return &DB{DB: sqlDB, logger: logger}, nil
}

// Close closes the underlying connection pool
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	return db.DB.Close()
}

// buildSQLiteDSN builds a SQLite DSN with additional parameters
func buildSQLiteDSN(cfg *config.DatabaseConfig) string {
	if cfg.Path == ":memory:" || strings.HasPrefix(cfg.Path, "file::memory:") {
		return cfg.Path
	}

	params := url.Values{}
	params.Add("_busy_timeout", strconv.Itoa(cfg.BusyTimeout))
	params.Add("_journal_mode", cfg.JournalMode)
	params.Add("_synchronous", cfg.SynchronousMode)
	if cfg.CacheSize != 0 {
		params.Add("_cache_size", strconv.Itoa(cfg.CacheSize))
	}
	params.Add("_foreign_keys", strconv.FormatBool(cfg.ForeignKeys))

	return fmt.Sprintf("file:%s?%s", cfg.Path, params.Encode())
}

// WithTransaction executes fn within a database transaction. fn's error
// rolls the transaction back and is returned unchanged.
func (db *DB) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if db == nil || db.DB == nil {
		return ErrNotInitialized
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			// Rollback on panic and re-panic
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Error("Failed to rollback transaction", "error", rbErr)
		}
		return err
	}

	return tx.Commit()
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	if db == nil || db.DB == nil {
		return nil, ErrNotInitialized
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	src, err := migrations.GetSource()
	if err != nil {
		return nil, err
	}

	// The returned Migrate is never closed: closing it closes db.DB as well.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// RunMigrations applies all pending embedded migrations
func (db *DB) RunMigrations() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		db.logger.Error("Failed to apply migrations", "error", err)
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	db.logger.Info("Database migration complete", "version", version, "dirty", dirty)
	return nil
}

// RevertMigrations reverts migrations back by the specified number of steps
func (db *DB) RevertMigrations(steps int) error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		db.logger.Error("Failed to revert migrations", "error", err)
		return fmt.Errorf("failed to revert migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	db.logger.Info("Database migration reversion complete", "version", version, "dirty", dirty)
	return nil
}

// MigrationVersion reports the current schema version
func (db *DB) MigrationVersion() (uint, bool, error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
