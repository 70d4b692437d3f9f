// Package db opens and pools the controller's relational store. SQLite is the
// default backend (single file, WAL); PostgreSQL via the pgx stdlib driver is
// used for multi-replica deployments.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	busyTimeout = 5 * time.Second

	// sqliteReaderConns is the number of concurrent read connections. WAL
	// mode allows many readers alongside the single writer.
	sqliteReaderConns = 4
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode this enables concurrent reads while serializing
// writes through a single connection: the writer pool uses MaxOpenConns(1) to
// avoid SQLITE_BUSY on write contention, while the reader pool allows several
// concurrent connections for SELECT queries.
//
// For PostgreSQL, Writer and Reader return the same *sqlx.DB since pgx pools
// internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Writer returns the pool used for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// Open opens the store for the given driver ("sqlite" or "postgres") and DSN.
// For sqlite the DSN is a file path (":memory:" works for tests); for
// postgres it is a keyword/value connection string.
func Open(driver, dsn string, maxConns int) (*Pool, error) {
	switch driver {
	case "sqlite", "sqlite3":
		writer, err := openSQLiteWriter(dsn)
		if err != nil {
			return nil, err
		}
		reader, err := openSQLiteReader(dsn)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return &Pool{writer: sqlx.NewDb(writer, "sqlite3"), reader: sqlx.NewDb(reader, "sqlite3")}, nil
	case "postgres", "pgx":
		conn, err := openPostgres(dsn, maxConns)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(conn, "pgx")
		return &Pool{writer: shared, reader: shared}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}
}

// OpenMemory opens an in-memory SQLite store sharing one connection between
// reader and writer. Intended for tests.
func OpenMemory() (*Pool, error) {
	conn, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// A single connection keeps the shared-cache database alive and avoids
	// "no such table" races between pooled connections.
	conn.SetMaxOpenConns(1)
	shared := sqlx.NewDb(conn, "sqlite3")
	return &Pool{writer: shared, reader: shared}, nil
}

func openSQLiteWriter(dbPath string) (*sql.DB, error) {
	normalizedPath := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := ensureSQLiteFile(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	// Writer DSN settings:
	// - foreign_keys=on: enforce FK constraints consistently.
	// - busy_timeout: wait briefly on locks to reduce transient "database is locked".
	// - journal_mode=WAL: better read concurrency with a single writer.
	// - synchronous=NORMAL: reasonable durability/perf tradeoff for app workloads.
	// - cache=shared: allow multiple connections to share a page cache.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalizedPath,
		int(busyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	return conn, nil
}

func openSQLiteReader(dbPath string) (*sql.DB, error) {
	normalizedPath := normalizeSQLitePath(dbPath)

	// Reader DSN: read-only mode, FK enforcement, shared cache.
	// journal_mode and synchronous are database-level (set by the writer).
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		normalizedPath,
		int(busyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)

	return conn, nil
}

func openPostgres(dsn string, maxConns int) (*sql.DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(maxConns / 5)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return conn, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureSQLiteFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
