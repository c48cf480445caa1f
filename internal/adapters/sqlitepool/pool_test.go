package sqlitepool_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/zb/internal/adapters/sqlitepool"
	"go.trai.ch/zb/internal/core/domain"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var testSchema = []string{`CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT NOT NULL);`}

func TestOpen_AppliesPragmasAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "test.sqlite3")
	pool, err := sqlitepool.Open(path, 2, testSchema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	assert.Equal(t, path, pool.Path())

	conn, err := pool.Take(context.Background())
	require.NoError(t, err)
	defer pool.Put(conn)

	var journalMode string
	err = sqlitex.Execute(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			journalMode = stmt.ColumnText(0)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "wal", journalMode)

	require.NoError(t, sqlitex.Execute(conn, "INSERT INTO kv (k, v) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{"a", "1"},
	}))

	var got string
	err = sqlitex.Execute(conn, "SELECT v FROM kv WHERE k = ?", &sqlitex.ExecOptions{
		Args: []any{"a"},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			got = stmt.ColumnText(0)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "1", got)
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sqlite3")
	ctx := context.Background()

	pool, err := sqlitepool.Open(path, 1, testSchema)
	require.NoError(t, err)
	conn, err := pool.Take(ctx)
	require.NoError(t, err)
	require.NoError(t, sqlitex.ExecuteTransient(conn, "INSERT INTO kv (k, v) VALUES ('x', 'y')", nil))
	pool.Put(conn)
	require.NoError(t, pool.Close())

	pool, err = sqlitepool.Open(path, 1, testSchema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	conn, err = pool.Take(ctx)
	require.NoError(t, err)
	defer pool.Put(conn)

	var count int
	require.NoError(t, sqlitex.ExecuteTransient(conn, "SELECT count(*) FROM kv", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt(0)
			return nil
		},
	}))
	assert.Equal(t, 1, count)
}

func userVersion(t *testing.T, conn *sqlite.Conn) int {
	t.Helper()
	var version int
	require.NoError(t, sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	}))
	return version
}

func TestOpen_RecordsSchemaVersion(t *testing.T) {
	pool, err := sqlitepool.Open(filepath.Join(t.TempDir(), "test.sqlite3"), 1, testSchema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	conn, err := pool.Take(context.Background())
	require.NoError(t, err)
	defer pool.Put(conn)
	assert.Equal(t, 1, userVersion(t, conn))
}

func TestOpen_MigratesOlderSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sqlite3")
	ctx := context.Background()

	pool, err := sqlitepool.Open(path, 1, testSchema)
	require.NoError(t, err)
	conn, err := pool.Take(ctx)
	require.NoError(t, err)
	require.NoError(t, sqlitex.ExecuteTransient(conn, "INSERT INTO kv (k, v) VALUES ('x', 'y')", nil))
	pool.Put(conn)
	require.NoError(t, pool.Close())

	v2 := append(append([]string{}, testSchema...), `ALTER TABLE kv ADD COLUMN note TEXT NOT NULL DEFAULT 'none';`)
	pool, err = sqlitepool.Open(path, 2, v2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	conn, err = pool.Take(ctx)
	require.NoError(t, err)
	defer pool.Put(conn)

	assert.Equal(t, 2, userVersion(t, conn))
	var note string
	require.NoError(t, sqlitex.ExecuteTransient(conn, "SELECT note FROM kv WHERE k = 'x'", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			note = stmt.ColumnText(0)
			return nil
		},
	}))
	assert.Equal(t, "none", note)
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sqlite3")

	pool, err := sqlitepool.Open(path, 1, testSchema)
	require.NoError(t, err)
	conn, err := pool.Take(context.Background())
	require.NoError(t, err)
	require.NoError(t, sqlitex.ExecuteTransient(conn, "PRAGMA user_version = 7", nil))
	pool.Put(conn)
	require.NoError(t, pool.Close())

	_, err = sqlitepool.Open(path, 1, testSchema)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSchemaTooNew), "got %v", err)
}
