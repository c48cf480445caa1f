// Package sqlitepool opens SQLite connection pools with the pragmas shared by
// every zb database.
package sqlitepool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zerr"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// defaultPoolSize covers the install pool's concurrent readers; SQLite
// serializes writers regardless.
const defaultPoolSize = 4

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA temp_store=MEMORY",
}

// Pool is a fixed-size pool of SQLite connections.
// Individual connections are not safe for concurrent use.
type Pool struct {
	inner *sqlitex.Pool
	path  string
}

// Open creates the database at path, and its parent directory, if needed.
// migrations[i] upgrades the schema from version i to i+1; the version is kept
// in PRAGMA user_version. A database newer than len(migrations) is rejected.
func Open(path string, size int, migrations []string) (*Pool, error) {
	if err := os.MkdirAll(filepath.Dir(path), domain.DirPerm); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to create database directory"), "path", path)
	}
	if size <= 0 {
		size = defaultPoolSize
	}

	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepare(conn, migrations)
		},
	})
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to open database"), "path", path)
	}

	// Surface schema errors at open rather than on first use.
	conn, err := inner.Take(context.Background())
	if err != nil {
		_ = inner.Close()
		return nil, zerr.With(zerr.Wrap(err, "failed to open database"), "path", path)
	}
	inner.Put(conn)
	return &Pool{inner: inner, path: path}, nil
}

// Take borrows a connection. The caller must Put it back.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to take database connection"), "path", p.path)
	}
	return conn, nil
}

// Put returns a connection to the pool. Put(nil) is a no-op.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Path returns the database file path.
func (p *Pool) Path() string {
	return p.path
}

// Close closes every connection, waiting for borrowed ones to be returned.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to close database"), "path", p.path)
	}
	return nil
}

func prepare(conn *sqlite.Conn, migrations []string) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return zerr.With(zerr.Wrap(err, "failed to apply pragma"), "pragma", pragma)
		}
	}

	version, err := userVersion(conn)
	if err != nil {
		return err
	}
	if version == len(migrations) {
		return nil
	}
	if version > len(migrations) {
		return tooNew(version, len(migrations))
	}
	return migrate(conn, migrations)
}

func migrate(conn *sqlite.Conn, migrations []string) (err error) {
	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return zerr.Wrap(err, "failed to begin migration")
	}
	defer end(&err)

	// Another connection may have migrated while this one waited for the lock.
	version, err := userVersion(conn)
	if err != nil {
		return err
	}
	if version > len(migrations) {
		return tooNew(version, len(migrations))
	}
	for v := version; v < len(migrations); v++ {
		if err := sqlitex.ExecuteScript(conn, migrations[v], nil); err != nil {
			return zerr.With(zerr.Wrap(err, "failed to apply schema"), "version", v+1)
		}
	}
	if err := sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA user_version = %d", len(migrations)), nil); err != nil {
		return zerr.Wrap(err, "failed to record schema version")
	}
	return nil
}

func userVersion(conn *sqlite.Conn) (int, error) {
	var version int
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, zerr.Wrap(err, "failed to read schema version")
	}
	return version, nil
}

func tooNew(version, supported int) error {
	return zerr.With(zerr.With(zerr.Wrap(domain.ErrSchemaTooNew, "refusing to open database"), "version", version), "supported", supported)
}
