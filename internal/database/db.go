// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package database stores license records and verification history in SQLite.
//
// All writes go through one connection guarded by writerMu; reads use a
// read-only pool. The engine touches the verify date from background
// goroutines while the API stores activations, and SQLite allows a single
// writer at a time.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	busyTimeout = 5 * time.Second
	openTimeout = 5 * time.Second
)

type DB struct {
	writer *sql.DB
	reader *sql.DB

	// a single-connection pool rejects a nested BeginTx instead of queueing
	writerMu sync.Mutex
	writes   atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// Tx is a write transaction holding the writer lock until Commit or Rollback.
type Tx struct {
	*sql.Tx
	release func()
	once    sync.Once
}

// Commit keeps the lock when it fails; the deferred Rollback releases it.
func (t *Tx) Commit() error {
	err := t.Tx.Commit()
	if err == nil {
		t.done()
	}
	return err
}

func (t *Tx) Rollback() error {
	err := t.Tx.Rollback()
	t.done()
	return err
}

func (t *Tx) done() {
	if t.release != nil {
		t.once.Do(t.release)
	}
}

// dsn builds a modernc connection string with per-connection pragmas.
func dsn(path string, readOnly bool) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	if readOnly {
		q.Set("mode", "ro")
	} else {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	return "file:" + path + "?" + q.Encode()
}

// New opens the database at path, creating it and applying migrations.
func New(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	writer, err := sql.Open("sqlite", dsn(path, false))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	db := &DB{writer: writer}

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	// the reader pool opens with mode=ro and needs the file to exist
	if err := db.migrate(ctx); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn(path, true))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open reader pool: %w", err)
	}
	reader.SetMaxIdleConns(4)
	if err := reader.PingContext(ctx); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("failed to open reader pool: %w", err)
	}
	db.reader = reader

	log.Debug().Str("path", path).Msg("Database ready")

	return db, nil
}

var writePrefixes = []string{"INSERT", "UPDATE", "DELETE", "REPLACE", "CREATE", "ALTER", "DROP", "PRAGMA", "VACUUM"}

// isWriteQuery reports whether a statement must run on the writer.
func isWriteQuery(query string) bool {
	q := strings.ToUpper(strings.TrimLeftFunc(query, unicode.IsSpace))
	for _, prefix := range writePrefixes {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return false
}

func (db *DB) lockWriter() func() {
	db.writerMu.Lock()
	db.writes.Add(1)
	return db.writerMu.Unlock
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if !isWriteQuery(query) {
		return db.reader.ExecContext(ctx, query, args...)
	}
	defer db.lockWriter()()
	return db.writer.ExecContext(ctx, query, args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if !isWriteQuery(query) {
		return db.reader.QueryContext(ctx, query, args...)
	}
	defer db.lockWriter()()
	return db.writer.QueryContext(ctx, query, args...)
}

// QueryRowContext sends INSERT ... RETURNING to the writer. The row keeps the
// only writer connection busy until it is scanned, so other writers queue on
// the pool.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	if !isWriteQuery(query) {
		return db.reader.QueryRowContext(ctx, query, args...)
	}
	defer db.lockWriter()()
	return db.writer.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a write transaction. It holds the writer lock until Commit
// or Rollback.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	db.writerMu.Lock()

	tx, err := db.writer.BeginTx(ctx, opts)
	if err != nil {
		db.writerMu.Unlock()
		if strings.Contains(err.Error(), "cannot start a transaction within a transaction") {
			recordWedgedTransaction()
			log.Error().Err(err).Str("stack", string(debug.Stack())).Msg("SQLite writer connection is stuck in a transaction")
		}
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	db.writes.Add(1)
	return &Tx{Tx: tx, release: db.writerMu.Unlock}, nil
}

func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
		defer cancel()
		if _, err := db.writer.ExecContext(ctx, "PRAGMA optimize"); err != nil {
			log.Warn().Err(err).Msg("PRAGMA optimize failed on close")
		}

		db.closeErr = db.writer.Close()
		if db.reader != nil {
			if err := db.reader.Close(); err != nil && db.closeErr == nil {
				db.closeErr = err
			}
		}
	})
	return db.closeErr
}

// WriteCount returns the number of write statements and transactions since
// the database was opened.
func (db *DB) WriteCount() uint64 {
	return db.writes.Load()
}

// SchemaVersion is the number of the last applied migration.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := db.writer.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

type migration struct {
	version int
	name    string
}

// migrationFiles lists embedded migrations ordered by their numeric prefix.
func migrationFiles() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}

	var out []migration
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
			continue
		}
		prefix, _, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			return nil, errors.Errorf("migration %s has no numeric prefix", entry.Name())
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, errors.Wrapf(err, "migration %s", entry.Name())
		}
		out = append(out, migration{version: v, name: entry.Name()})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// migrate applies every migration newer than user_version in one transaction.
func (db *DB) migrate(ctx context.Context) error {
	current, err := db.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	files, err := migrationFiles()
	if err != nil {
		return err
	}

	tx, err := db.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	applied := 0
	for _, m := range files {
		if m.version <= current {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + m.name)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		// PRAGMA does not take bind parameters
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		applied++
	}

	if applied == 0 {
		return nil
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}

	log.Info().Int("applied", applied).Msg("Database migrations applied")
	return nil
}
