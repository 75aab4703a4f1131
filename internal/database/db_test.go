// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDatabase(t *testing.T) *DB {
	t.Helper()
	log.Logger = log.Output(io.Discard)

	db, err := New(filepath.Join(t.TempDir(), "progate.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func TestMigrationFilesAreNumbered(t *testing.T) {
	files, err := migrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for i := 1; i < len(files); i++ {
		assert.Greaterf(t, files[i].version, files[i-1].version, "duplicate migration number in %s", files[i].name)
	}
}

func TestMigrationsApplyOnce(t *testing.T) {
	log.Logger = log.Output(io.Discard)
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "test.db")

	files, err := migrationFiles()
	require.NoError(t, err)
	latest := files[len(files)-1].version

	db1, err := New(path)
	require.NoError(t, err)
	v1, err := db1.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, latest, v1)
	_, err = db1.ExecContext(ctx, "INSERT INTO licenses (product_id) VALUES (?)", "kept")
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db2.Close()) })

	v2, err := db2.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, latest, v2)

	var count int
	require.NoError(t, db2.QueryRowContext(ctx, "SELECT COUNT(*) FROM licenses").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestIsWriteQuery(t *testing.T) {
	assert.True(t, isWriteQuery("  insert into x values (1)"))
	assert.True(t, isWriteQuery("\nUPDATE licenses SET activated = 1"))
	assert.True(t, isWriteQuery("DELETE FROM verification_events"))
	assert.False(t, isWriteQuery("SELECT 1"))
	assert.False(t, isWriteQuery(""))
}

func TestDSN(t *testing.T) {
	assert.Contains(t, dsn("/tmp/x.db", true), "mode=ro")
	assert.NotContains(t, dsn("/tmp/x.db", true), "journal_mode")
	assert.Contains(t, dsn("/tmp/x.db", false), "journal_mode%28WAL%29")
}

func TestWriteTransactionsSerialize(t *testing.T) {
	db := openTestDatabase(t)
	ctx := t.Context()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, "INSERT INTO licenses (product_id) VALUES (?)", "a")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, "INSERT INTO licenses (product_id) VALUES (?)", "b")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM licenses").Scan(&count))
	assert.Equal(t, 1, count)
	assert.GreaterOrEqual(t, db.WriteCount(), uint64(2))
}
