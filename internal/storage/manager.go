// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

// lockStripes is the number of per-key mutex stripes. Mutations on the
// same key always serialize; distinct keys rarely contend.
const lockStripes = 64

// Record is one entry of the storage index.
type Record struct {
	Key            string
	Tier           Tier
	SizeBytes      int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// Manager is the tiered storage engine. All tier membership lives in
// the index database; blobs are content-addressed files under one
// directory per tier.
type Manager struct {
	root    string
	db      *sql.DB
	locks   [lockStripes]sync.Mutex
	nowFunc func() time.Time
	logger  *slog.Logger
}

// NewManager opens (or creates) tiered storage rooted at dir.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if dir == "" {
		return nil, cacheterr.New(cacheterr.CodeStorageWriteFailure, "storage directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	for _, tier := range Tiers {
		if err := os.MkdirAll(filepath.Join(dir, string(tier)), 0o700); err != nil {
			return nil, cacheterr.Wrap(err, cacheterr.CodeStorageWriteFailure, "creating tier directory",
				cacheterr.FieldTier(string(tier)))
		}
	}

	dbPath := filepath.Join(dir, "storage_index.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "opening storage index")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "pinging storage index")
	}
	if err := migrateIndex(db); err != nil {
		_ = db.Close()
		return nil, cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "migrating storage index")
	}

	return &Manager{root: dir, db: db, nowFunc: time.Now, logger: logger}, nil
}

func migrateIndex(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS storage_index (
	key              TEXT PRIMARY KEY,
	tier             TEXT NOT NULL,
	size_bytes       INTEGER NOT NULL,
	created_at       TEXT NOT NULL,
	last_accessed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_storage_index_tier ON storage_index(tier, last_accessed_at);

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
func (m *Manager) SetNowFunc(fn func() time.Time) {
	m.nowFunc = fn
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.locks[h.Sum32()%lockStripes]
}

func (m *Manager) blobPath(tier Tier, key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(m.root, string(tier), hex.EncodeToString(sum[:])+".bin")
}

// Write persists ciphertext under key in the given tier (Hot when
// empty). The blob lands atomically before the index row commits; a
// failed index update removes the blob, so a write is all-or-nothing.
func (m *Manager) Write(ctx context.Context, key string, ciphertext []byte, tier Tier) error {
	if key == "" {
		return cacheterr.New(cacheterr.CodeStorageWriteFailure, "storage key is required")
	}
	tier, err := ParseTier(string(tier))
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeStorageWriteFailure, "write cancelled", cacheterr.FieldKey(key))
	}

	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	// A re-put may land in a different tier than the old record; fetch
	// the prior tier so the superseded blob is cleaned up.
	prior, found, err := m.readRecord(ctx, key)
	if err != nil {
		return err
	}

	path := m.blobPath(tier, key)
	if err := writeFileAtomic(path, ciphertext); err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeStorageWriteFailure, "writing blob", cacheterr.FieldKey(key))
	}

	now := m.nowFunc().UTC().Format(time.RFC3339Nano)
	const q = `INSERT INTO storage_index (key, tier, size_bytes, created_at, last_accessed_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	tier = excluded.tier,
	size_bytes = excluded.size_bytes,
	last_accessed_at = excluded.last_accessed_at`

	if _, err := m.db.ExecContext(ctx, q, key, string(tier), len(ciphertext), now, now); err != nil {
		_ = os.Remove(path)
		return cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "updating storage index", cacheterr.FieldKey(key))
	}

	if found && prior.Tier != tier {
		if err := os.Remove(m.blobPath(prior.Tier, key)); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("removing superseded blob", "key", key, "tier", prior.Tier, "error", err)
		}
	}

	return nil
}

// Read returns the ciphertext for key and refreshes its access time.
// Warm and Cold hits are promoted to Hot synchronously before the read
// returns.
func (m *Manager) Read(ctx context.Context, key string) ([]byte, error) {
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	rec, found, err := m.readRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, cacheterr.Errorf(cacheterr.CodeStorageReadNotFound, "no record for key %q", key)
	}

	ciphertext, err := os.ReadFile(m.blobPath(rec.Tier, key))
	if err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeStorageWriteFailure, "reading blob",
			cacheterr.FieldKey(key), cacheterr.FieldTier(string(rec.Tier)))
	}

	if rec.Tier != TierHot {
		if err := m.migrateLocked(ctx, key, rec.Tier, TierHot); err != nil {
			return nil, err
		}
	}

	now := m.nowFunc().UTC().Format(time.RFC3339Nano)
	if _, err := m.db.ExecContext(ctx, `UPDATE storage_index SET last_accessed_at = ? WHERE key = ?`, now, key); err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "touching storage record", cacheterr.FieldKey(key))
	}

	return ciphertext, nil
}

// ReadInfo returns the index record for key without touching access
// time or promoting.
func (m *Manager) ReadInfo(ctx context.Context, key string) (Record, error) {
	rec, found, err := m.readRecord(ctx, key)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, cacheterr.Errorf(cacheterr.CodeStorageReadNotFound, "no record for key %q", key)
	}
	return rec, nil
}

// Migrate moves key's blob to the target tier. The new copy lands
// before the index row flips and the old blob is removed last, so the
// record is never observably absent mid-migration.
func (m *Manager) Migrate(ctx context.Context, key string, target Tier) error {
	target, err := ParseTier(string(target))
	if err != nil {
		return err
	}

	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	rec, found, err := m.readRecord(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return cacheterr.Errorf(cacheterr.CodeStorageReadNotFound, "no record for key %q", key)
	}
	if rec.Tier == target {
		return nil
	}

	return m.migrateLocked(ctx, key, rec.Tier, target)
}

// migrateLocked performs the copy-flip-remove dance. Caller holds the
// key lock.
func (m *Manager) migrateLocked(ctx context.Context, key string, from, to Tier) error {
	data, err := os.ReadFile(m.blobPath(from, key))
	if err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeStorageMigrateFailure, "reading blob for migration",
			cacheterr.FieldKey(key), cacheterr.FieldTier(string(from)))
	}

	if err := writeFileAtomic(m.blobPath(to, key), data); err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeStorageMigrateFailure, "copying blob to target tier",
			cacheterr.FieldKey(key), cacheterr.FieldTier(string(to)))
	}

	if _, err := m.db.ExecContext(ctx, `UPDATE storage_index SET tier = ? WHERE key = ?`, string(to), key); err != nil {
		_ = os.Remove(m.blobPath(to, key))
		return cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "flipping tier", cacheterr.FieldKey(key))
	}

	// The old blob is an orphan now; removal failure only leaks disk.
	if err := os.Remove(m.blobPath(from, key)); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("removing migrated blob", "key", key, "tier", from, "error", err)
	}

	return nil
}

// Remove deletes key's record and blob.
func (m *Manager) Remove(ctx context.Context, key string) error {
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	return m.removeLocked(ctx, key, false)
}

// Shred overwrites key's blob bytes before removal. Used by secure
// delete so the ciphertext is not recoverable from the filesystem.
func (m *Manager) Shred(ctx context.Context, key string) error {
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	return m.removeLocked(ctx, key, true)
}

func (m *Manager) removeLocked(ctx context.Context, key string, shred bool) error {
	rec, found, err := m.readRecord(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return cacheterr.Errorf(cacheterr.CodeStorageReadNotFound, "no record for key %q", key)
	}

	path := m.blobPath(rec.Tier, key)
	if shred {
		if err := overwriteFile(path, rec.SizeBytes); err != nil {
			return cacheterr.Wrap(err, cacheterr.CodeStorageWriteFailure, "shredding blob", cacheterr.FieldKey(key))
		}
	}

	if _, err := m.db.ExecContext(ctx, `DELETE FROM storage_index WHERE key = ?`, key); err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "deleting storage record", cacheterr.FieldKey(key))
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return cacheterr.Wrap(err, cacheterr.CodeStorageWriteFailure, "removing blob", cacheterr.FieldKey(key))
	}

	return nil
}

// Keys lists every indexed key with the given prefix, in key order.
func (m *Manager) Keys(ctx context.Context, prefix string) ([]string, error) {
	const q = `SELECT key FROM storage_index WHERE key >= ? AND key < ? ORDER BY key ASC`

	rows, err := m.db.QueryContext(ctx, q, prefix, prefix+"\xff")
	if err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "listing keys")
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "scanning key row")
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "iterating key rows")
	}

	return keys, nil
}

// Count returns the number of indexed records with the given prefix.
func (m *Manager) Count(ctx context.Context, prefix string) (int64, error) {
	const q = `SELECT COUNT(*) FROM storage_index WHERE key >= ? AND key < ?`

	var n int64
	if err := m.db.QueryRowContext(ctx, q, prefix, prefix+"\xff").Scan(&n); err != nil {
		return 0, cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "counting records")
	}
	return n, nil
}

// TierSizes reports cumulative bytes per tier. Capacity accounting is
// byte-based, never entry counts.
func (m *Manager) TierSizes(ctx context.Context) (map[Tier]int64, error) {
	const q = `SELECT tier, COALESCE(SUM(size_bytes), 0) FROM storage_index GROUP BY tier`

	rows, err := m.db.QueryContext(ctx, q)
	if err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "summing tier sizes")
	}
	defer func() { _ = rows.Close() }()

	sizes := map[Tier]int64{TierHot: 0, TierWarm: 0, TierCold: 0}
	for rows.Next() {
		var tier string
		var total int64
		if err := rows.Scan(&tier, &total); err != nil {
			return nil, cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "scanning tier size row")
		}
		sizes[Tier(tier)] = total
	}
	if err := rows.Err(); err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "iterating tier sizes")
	}

	return sizes, nil
}

// Clear removes every record and blob.
func (m *Manager) Clear(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM storage_index`); err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "clearing storage index")
	}

	for _, tier := range Tiers {
		dir := filepath.Join(m.root, string(tier))
		names, err := os.ReadDir(dir)
		if err != nil {
			return cacheterr.Wrap(err, cacheterr.CodeStorageWriteFailure, "listing tier directory",
				cacheterr.FieldTier(string(tier)))
		}
		for _, name := range names {
			if err := os.Remove(filepath.Join(dir, name.Name())); err != nil {
				return cacheterr.Wrap(err, cacheterr.CodeStorageWriteFailure, "removing blob",
					cacheterr.FieldTier(string(tier)))
			}
		}
	}

	return nil
}

// Close closes the index database.
func (m *Manager) Close() error {
	return m.db.Close()
}

func (m *Manager) readRecord(ctx context.Context, key string) (Record, bool, error) {
	const q = `SELECT key, tier, size_bytes, created_at, last_accessed_at FROM storage_index WHERE key = ?`

	var rec Record
	var tier, createdAt, lastAccessed string
	err := m.db.QueryRowContext(ctx, q, key).Scan(&rec.Key, &tier, &rec.SizeBytes, &createdAt, &lastAccessed)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "reading storage record",
			cacheterr.FieldKey(key))
	}

	rec.Tier = Tier(tier)
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Record{}, false, cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "parsing created_at",
			cacheterr.FieldKey(key))
	}
	if rec.LastAccessedAt, err = time.Parse(time.RFC3339Nano, lastAccessed); err != nil {
		return Record{}, false, cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "parsing last_accessed_at",
			cacheterr.FieldKey(key))
	}

	return rec, true, nil
}

// writeFileAtomic writes data to path via temp file, fsync, rename.
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

// overwriteFile replaces the file's bytes with zeros and syncs, so the
// ciphertext cannot be read back after the unlink that follows.
func overwriteFile(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	zeros := make([]byte, 32*1024)
	remaining := size
	for remaining > 0 {
		n := int64(len(zeros))
		if remaining < n {
			n = remaining
		}
		if _, err := f.Write(zeros[:n]); err != nil {
			_ = f.Close()
			return err
		}
		remaining -= n
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
