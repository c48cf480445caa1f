// Package index implements the metadata index of installed packages on SQLite.
package index

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.trai.ch/zb/internal/adapters/sqlitepool"
	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zerr"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// migrations[i] takes the index from schema version i to i+1.
var migrations = []string{schemaV1}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS installs (
	name         TEXT PRIMARY KEY,
	version      TEXT NOT NULL,
	store_key    TEXT NOT NULL,
	installed_at INTEGER NOT NULL,
	keg_only     INTEGER NOT NULL DEFAULT 0,
	linked       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS installs_store_key ON installs (store_key);

CREATE TABLE IF NOT EXISTS install_dependencies (
	name       TEXT NOT NULL REFERENCES installs (name) ON DELETE CASCADE,
	dependency TEXT NOT NULL,
	position   INTEGER NOT NULL,
	PRIMARY KEY (name, dependency)
);
CREATE INDEX IF NOT EXISTS install_dependencies_dependency ON install_dependencies (dependency);

CREATE TABLE IF NOT EXISTS linked_files (
	name     TEXT NOT NULL REFERENCES installs (name) ON DELETE CASCADE,
	path     TEXT NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (name, path)
);
`

// Index implements ports.Index. The database is opened on first use.
type Index struct {
	path     string
	poolSize int

	once    sync.Once
	pool    *sqlitepool.Pool
	openErr error
}

// New creates an Index stored at path.
func New(path string, poolSize int) *Index {
	return &Index{path: path, poolSize: poolSize}
}

func (x *Index) conn(ctx context.Context) (*sqlite.Conn, func(), error) {
	x.once.Do(func() {
		x.pool, x.openErr = sqlitepool.Open(x.path, x.poolSize, migrations)
	})
	if x.openErr != nil {
		return nil, nil, zerr.With(zerr.Wrap(domain.ErrIndexOpenFailed, x.openErr.Error()), "path", x.path)
	}
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return nil, nil, zerr.With(zerr.Wrap(domain.ErrIndexOpenFailed, err.Error()), "path", x.path)
	}
	return conn, func() { x.pool.Put(conn) }, nil
}

// Close closes the database if it was opened.
func (x *Index) Close() error {
	if x.pool == nil {
		return nil
	}
	return x.pool.Close()
}

// Commit stores rec, replacing any previous record of the same name.
func (x *Index) Commit(ctx context.Context, rec domain.InstallRecord) error {
	conn, put, err := x.conn(ctx)
	if err != nil {
		return err
	}
	defer put()

	if err := commit(conn, &rec); err != nil {
		return zerr.With(zerr.Wrap(domain.ErrIndexWriteFailed, err.Error()), "package", rec.Name)
	}
	return nil
}

func commit(conn *sqlite.Conn, rec *domain.InstallRecord) (err error) {
	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endFn(&err)

	installedAt := rec.InstalledAt
	if installedAt.IsZero() {
		installedAt = time.Now()
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO installs (name, version, store_key, installed_at, keg_only, linked)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			version = excluded.version,
			store_key = excluded.store_key,
			installed_at = excluded.installed_at,
			keg_only = excluded.keg_only,
			linked = excluded.linked`,
		&sqlitex.ExecOptions{Args: []any{
			rec.Name, rec.Version, rec.StoreKey.String(), installedAt.UnixNano(), boolInt(rec.KegOnly), boolInt(rec.Linked),
		}})
	if err != nil {
		return err
	}

	for _, q := range []string{
		"DELETE FROM install_dependencies WHERE name = ?",
		"DELETE FROM linked_files WHERE name = ?",
	} {
		if err = sqlitex.Execute(conn, q, &sqlitex.ExecOptions{Args: []any{rec.Name}}); err != nil {
			return err
		}
	}

	for i, dep := range rec.Dependencies {
		err = sqlitex.Execute(conn,
			"INSERT OR IGNORE INTO install_dependencies (name, dependency, position) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{rec.Name, dep, i}})
		if err != nil {
			return err
		}
	}
	for i, p := range rec.LinkedFiles {
		err = sqlitex.Execute(conn,
			"INSERT OR IGNORE INTO linked_files (name, path, position) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{rec.Name, p, i}})
		if err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the record of name and returns the store key it referenced.
func (x *Index) Remove(ctx context.Context, name string) (domain.Digest, error) {
	conn, put, err := x.conn(ctx)
	if err != nil {
		return "", err
	}
	defer put()

	key, err := remove(conn, name)
	if err != nil {
		if errors.Is(err, domain.ErrNotInstalled) {
			return "", zerr.With(zerr.Wrap(domain.ErrNotInstalled, "no install record"), "package", name)
		}
		return "", zerr.With(zerr.Wrap(domain.ErrIndexWriteFailed, err.Error()), "package", name)
	}
	return key, nil
}

func remove(conn *sqlite.Conn, name string) (key domain.Digest, err error) {
	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return "", err
	}
	defer endFn(&err)

	found := false
	err = sqlitex.Execute(conn, "SELECT store_key FROM installs WHERE name = ?", &sqlitex.ExecOptions{
		Args: []any{name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			key = domain.Digest(stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", domain.ErrNotInstalled
	}

	err = sqlitex.Execute(conn, "DELETE FROM installs WHERE name = ?", &sqlitex.ExecOptions{Args: []any{name}})
	return key, err
}

// Get returns the record of name, or nil if it is not installed.
func (x *Index) Get(ctx context.Context, name string) (*domain.InstallRecord, error) {
	recs, err := x.query(ctx, "WHERE name = ?", name)
	if err != nil {
		return nil, zerr.With(err, "package", name)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// List returns every record ordered by name.
func (x *Index) List(ctx context.Context) ([]domain.InstallRecord, error) {
	return x.query(ctx, "")
}

func (x *Index) query(ctx context.Context, where string, args ...any) ([]domain.InstallRecord, error) {
	conn, put, err := x.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer put()

	recs, err := readRecords(conn, where, args)
	if err != nil {
		return nil, zerr.Wrap(domain.ErrIndexQueryFailed, err.Error())
	}
	return recs, nil
}

func readRecords(conn *sqlite.Conn, where string, args []any) (recs []domain.InstallRecord, err error) {
	// A read transaction gives the three queries one snapshot.
	defer sqlitex.Save(conn)(&err)

	byName := make(map[string]int)
	err = sqlitex.Execute(conn,
		"SELECT name, version, store_key, installed_at, keg_only, linked FROM installs "+where+" ORDER BY name",
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				byName[stmt.ColumnText(0)] = len(recs)
				recs = append(recs, domain.InstallRecord{
					Name:        stmt.ColumnText(0),
					Version:     stmt.ColumnText(1),
					StoreKey:    domain.Digest(stmt.ColumnText(2)),
					InstalledAt: time.Unix(0, stmt.ColumnInt64(3)).UTC(),
					KegOnly:     stmt.ColumnInt(4) != 0,
					Linked:      stmt.ColumnInt(5) != 0,
				})
				return nil
			},
		})
	if err != nil || len(recs) == 0 {
		return recs, err
	}

	err = sqlitex.Execute(conn, "SELECT name, dependency FROM install_dependencies ORDER BY name, position",
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			if i, ok := byName[stmt.ColumnText(0)]; ok {
				recs[i].Dependencies = append(recs[i].Dependencies, stmt.ColumnText(1))
			}
			return nil
		}})
	if err != nil {
		return nil, err
	}

	err = sqlitex.Execute(conn, "SELECT name, path FROM linked_files ORDER BY name, position",
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			if i, ok := byName[stmt.ColumnText(0)]; ok {
				recs[i].LinkedFiles = append(recs[i].LinkedFiles, stmt.ColumnText(1))
			}
			return nil
		}})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// StoreKeys returns every store key referenced by a record.
func (x *Index) StoreKeys(ctx context.Context) ([]domain.Digest, error) {
	conn, put, err := x.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer put()

	var keys []domain.Digest
	err = sqlitex.Execute(conn, "SELECT DISTINCT store_key FROM installs ORDER BY store_key",
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			keys = append(keys, domain.Digest(stmt.ColumnText(0)))
			return nil
		}})
	if err != nil {
		return nil, zerr.Wrap(domain.ErrIndexQueryFailed, err.Error())
	}
	return keys, nil
}

// Dependents returns the installed packages that list name as a dependency.
func (x *Index) Dependents(ctx context.Context, name string) ([]string, error) {
	conn, put, err := x.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer put()

	var names []string
	err = sqlitex.Execute(conn, "SELECT name FROM install_dependencies WHERE dependency = ? ORDER BY name",
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				names = append(names, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, zerr.With(zerr.Wrap(domain.ErrIndexQueryFailed, err.Error()), "package", name)
	}
	return names, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
