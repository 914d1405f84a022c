// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
	"github.com/cachet-dev/cachet/pkg/health"
)

// L2 is the disk-backed cache level. Blobs live as files named by the
// key's hash; the index maps keys to files and timestamps and must
// survive a process crash. The durability boundary is one SQLite
// statement per mutation with synchronous=FULL: once Set or Invalidate
// returns, the index update is on disk, so a crash loses at most the
// single mutation that had not yet been acknowledged.
type L2 struct {
	dir     string
	db      *sql.DB
	hits    atomic.Int64
	misses  atomic.Int64
	nowFunc func() time.Time
}

// NewL2 opens (or creates) the disk cache rooted at dir.
func NewL2(dir string) (*L2, error) {
	if dir == "" {
		return nil, cacheterr.New(cacheterr.CodeCacheInvalidInput, "l2 directory is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o700); err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeCacheL2IOFailure, "creating l2 directory")
	}

	dbPath := filepath.Join(dir, "index.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeCacheIndexFailure, "opening l2 index")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, cacheterr.Wrap(err, cacheterr.CodeCacheIndexFailure, "pinging l2 index")
	}
	if err := migrateL2(db); err != nil {
		_ = db.Close()
		return nil, cacheterr.Wrap(err, cacheterr.CodeCacheIndexFailure, "migrating l2 index")
	}

	return &L2{dir: dir, db: db, nowFunc: time.Now}, nil
}

func migrateL2(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS l2_index (
	key              TEXT PRIMARY KEY,
	file             TEXT NOT NULL,
	size             INTEGER NOT NULL,
	created_at       TEXT NOT NULL,
	last_accessed_at TEXT NOT NULL,
	expires_at       TEXT
);

CREATE TABLE IF NOT EXISTS schema_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
INSERT INTO schema_meta (key, value) VALUES ('version', '1')
	ON CONFLICT(key) DO NOTHING;
`
	_, err := db.Exec(ddl)
	return err
}

// SetNowFunc overrides the time source (for testing).
func (l *L2) SetNowFunc(fn func() time.Time) {
	l.nowFunc = fn
}

// Get returns the cached ciphertext for key. Expired entries are
// evicted and reported as a miss. I/O and index failures surface as
// typed cache errors so callers fall back to authoritative storage.
func (l *L2) Get(ctx context.Context, key string) (*Entry, bool, error) {
	const q = `SELECT file, created_at, last_accessed_at, expires_at FROM l2_index WHERE key = ?`

	var file, createdAt, lastAccessed string
	var expiresAt sql.NullString
	err := l.db.QueryRowContext(ctx, q, key).Scan(&file, &createdAt, &lastAccessed, &expiresAt)
	if err == sql.ErrNoRows {
		l.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cacheterr.Wrap(err, cacheterr.CodeCacheIndexFailure, "reading l2 index", cacheterr.FieldKey(key))
	}

	entry := &Entry{Key: key}
	if entry.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, false, cacheterr.Wrap(err, cacheterr.CodeCacheIndexFailure, "parsing l2 created_at", cacheterr.FieldKey(key))
	}
	if expiresAt.Valid {
		expires, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err != nil {
			return nil, false, cacheterr.Wrap(err, cacheterr.CodeCacheIndexFailure, "parsing l2 expires_at", cacheterr.FieldKey(key))
		}
		entry.ExpiresAt = &expires
	}

	now := l.nowFunc()
	if entry.expired(now) {
		if err := l.Invalidate(ctx, key); err != nil {
			return nil, false, err
		}
		l.misses.Add(1)
		return nil, false, nil
	}

	ciphertext, err := os.ReadFile(filepath.Join(l.dir, "blobs", file))
	if err != nil {
		return nil, false, cacheterr.Wrap(err, cacheterr.CodeCacheL2IOFailure, "reading l2 blob", cacheterr.FieldKey(key))
	}
	entry.Ciphertext = ciphertext
	entry.LastAccessedAt = now

	// True LRU bookkeeping: reads refresh recency in the index too.
	const touch = `UPDATE l2_index SET last_accessed_at = ? WHERE key = ?`
	if _, err := l.db.ExecContext(ctx, touch, now.UTC().Format(time.RFC3339Nano), key); err != nil {
		return nil, false, cacheterr.Wrap(err, cacheterr.CodeCacheIndexFailure, "touching l2 entry", cacheterr.FieldKey(key))
	}

	l.hits.Add(1)
	return entry, true, nil
}

// Set durably stores ciphertext under key. The blob is written to a
// temp file, fsynced, and renamed into place before the index row is
// updated; a crash mid-write never leaves an indexed entry without its
// blob.
func (l *L2) Set(ctx context.Context, key string, ciphertext []byte, ttl time.Duration) error {
	if key == "" {
		return cacheterr.New(cacheterr.CodeCacheInvalidInput, "cache key is required")
	}

	file := blobName(key)
	if err := writeFileAtomic(filepath.Join(l.dir, "blobs", file), ciphertext); err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeCacheL2IOFailure, "writing l2 blob", cacheterr.FieldKey(key))
	}

	now := l.nowFunc()
	var expires any
	if ttl > 0 {
		expires = now.Add(ttl).UTC().Format(time.RFC3339Nano)
	}

	const q = `INSERT INTO l2_index (key, file, size, created_at, last_accessed_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	file = excluded.file,
	size = excluded.size,
	created_at = excluded.created_at,
	last_accessed_at = excluded.last_accessed_at,
	expires_at = excluded.expires_at`

	ts := now.UTC().Format(time.RFC3339Nano)
	if _, err := l.db.ExecContext(ctx, q, key, file, len(ciphertext), ts, ts, expires); err != nil {
		// Remove the orphaned blob; the entry was never acknowledged.
		_ = os.Remove(filepath.Join(l.dir, "blobs", file))
		return cacheterr.Wrap(err, cacheterr.CodeCacheIndexFailure, "updating l2 index", cacheterr.FieldKey(key))
	}

	return nil
}

// Invalidate removes key from the index and deletes its blob.
func (l *L2) Invalidate(ctx context.Context, key string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM l2_index WHERE key = ?`, key); err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeCacheIndexFailure, "deleting l2 index row", cacheterr.FieldKey(key))
	}

	if err := os.Remove(filepath.Join(l.dir, "blobs", blobName(key))); err != nil && !os.IsNotExist(err) {
		return cacheterr.Wrap(err, cacheterr.CodeCacheL2IOFailure, "removing l2 blob", cacheterr.FieldKey(key))
	}

	return nil
}

// Clear removes every entry and blob.
func (l *L2) Clear(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM l2_index`); err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeCacheIndexFailure, "clearing l2 index")
	}

	blobDir := filepath.Join(l.dir, "blobs")
	names, err := os.ReadDir(blobDir)
	if err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeCacheL2IOFailure, "listing l2 blobs")
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(blobDir, name.Name())); err != nil {
			return cacheterr.Wrap(err, cacheterr.CodeCacheL2IOFailure, "removing l2 blob")
		}
	}

	l.hits.Store(0)
	l.misses.Store(0)
	return nil
}

// Stats returns a point-in-time snapshot of the level's counters.
func (l *L2) Stats(ctx context.Context) (health.CacheStats, error) {
	var entries int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM l2_index`).Scan(&entries); err != nil {
		return health.CacheStats{}, cacheterr.Wrap(err, cacheterr.CodeCacheIndexFailure, "counting l2 entries")
	}

	return health.CacheStats{
		Hits:    l.hits.Load(),
		Misses:  l.misses.Load(),
		Entries: entries,
	}, nil
}

// Close closes the index database.
func (l *L2) Close() error {
	return l.db.Close()
}

func blobName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + ".bin"
}

// writeFileAtomic writes data to path via a temp file, fsync, and
// rename, so a crash never exposes a partial blob.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
