// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	fileName = "nzbwatch.db"

	// MemoryDSN opens a private in-memory database, used by tests.
	MemoryDSN = ":memory:"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DB wraps the sqlite handle.
type DB struct {
	*sql.DB
	path string
}

// Open opens (or creates) the database inside dataDir and applies pending
// migrations.
func Open(ctx context.Context, dataDir string) (*DB, error) {
	if strings.TrimSpace(dataDir) == "" {
		return nil, errors.New("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return OpenPath(ctx, filepath.Join(dataDir, fileName))
}

// OpenPath opens the database at path, or an in-memory database for
// MemoryDSN, and applies pending migrations.
func OpenPath(ctx context.Context, path string) (*DB, error) {
	dsn := path
	if path != MemoryDSN {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// sqlite allows one writer; a single connection also keeps :memory: shared
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{DB: sqlDB, path: path}

	version, err := db.migrate()
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	log.Debug().
		Str("path", path).
		Uint("schemaVersion", version).
		Msg("Database ready")

	return db, nil
}

// Path returns the database location.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) migrate() (uint, error) {
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return 0, fmt.Errorf("failed to create sqlite migration driver: %w", err)
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	// m.Close would close the shared *sql.DB, so only the source is released
	defer source.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("database schema version %d is dirty", version)
	}

	return version, nil
}
