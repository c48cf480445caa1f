package registry

import (
	"context"
	"sync"
	"time"

	"go.trai.ch/zb/internal/adapters/sqlitepool"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var cacheMigrations = []string{cacheSchemaV1}

const cacheSchemaV1 = `
CREATE TABLE IF NOT EXISTS api_cache (
	url           TEXT PRIMARY KEY,
	etag          TEXT,
	last_modified TEXT,
	body          BLOB NOT NULL,
	cached_at     INTEGER NOT NULL
);
`

// CacheEntry is a stored API response with its validators.
type CacheEntry struct {
	ETag         string
	LastModified string
	Body         []byte
}

// Cache keeps API responses for conditional requests. Cache failures never
// fail a lookup; the cache is skipped instead.
type Cache struct {
	path string

	once    sync.Once
	pool    *sqlitepool.Pool
	openErr error
}

// NewCache creates a Cache stored at path. The database is opened on first use.
func NewCache(path string) *Cache {
	return &Cache{path: path}
}

func (c *Cache) conn(ctx context.Context) (*sqlite.Conn, func(), error) {
	c.once.Do(func() {
		c.pool, c.openErr = sqlitepool.Open(c.path, 2, cacheMigrations)
	})
	if c.openErr != nil {
		return nil, nil, c.openErr
	}
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, nil, err
	}
	return conn, func() { c.pool.Put(conn) }, nil
}

// Get returns the entry for url.
func (c *Cache) Get(ctx context.Context, url string) (*CacheEntry, error) {
	conn, put, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer put()

	var entry *CacheEntry
	err = sqlitex.Execute(conn, "SELECT etag, last_modified, body FROM api_cache WHERE url = ?", &sqlitex.ExecOptions{
		Args: []any{url},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			body := make([]byte, stmt.ColumnLen(2))
			stmt.ColumnBytes(2, body)
			entry = &CacheEntry{
				ETag:         stmt.ColumnText(0),
				LastModified: stmt.ColumnText(1),
				Body:         body,
			}
			return nil
		},
	})
	return entry, err
}

// Put stores entry for url, replacing any previous one.
func (c *Cache) Put(ctx context.Context, url string, entry *CacheEntry) error {
	conn, put, err := c.conn(ctx)
	if err != nil {
		return err
	}
	defer put()

	return sqlitex.Execute(conn, `
		INSERT INTO api_cache (url, etag, last_modified, body, cached_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (url) DO UPDATE SET
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			body = excluded.body,
			cached_at = excluded.cached_at`,
		&sqlitex.ExecOptions{Args: []any{url, entry.ETag, entry.LastModified, entry.Body, time.Now().Unix()}})
}

// Close closes the database if it was opened.
func (c *Cache) Close() error {
	if c.pool == nil {
		return nil
	}
	return c.pool.Close()
}
