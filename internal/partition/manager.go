// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

// Package partition shards the corpus logically by domain tag and time
// window. Assignment is deterministic: a document's partition follows
// from its domain and creation time alone, so re-registration never
// silently moves it.
package partition

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

// DefaultWindow is the default partition time window.
const DefaultWindow = 720 * time.Hour

// DefaultEMAAlpha weights new response-time samples in the moving
// average.
const DefaultEMAAlpha = 0.2

// Stats is a point-in-time snapshot of one partition.
type Stats struct {
	ID            string
	DomainTag     string
	WindowStart   time.Time
	DocumentCount int64
	AvgResponseMs float64
	LastActiveAt  time.Time
}

// Manager tracks partitions in SQLite. Mutations serialize on a mutex;
// the document count moves exactly once per registered or unregistered
// document.
type Manager struct {
	mu       sync.Mutex
	db       *sql.DB
	window   time.Duration
	emaAlpha float64
	nowFunc  func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithWindow sets the partition time window.
func WithWindow(window time.Duration) Option {
	return func(m *Manager) {
		if window > 0 {
			m.window = window
		}
	}
}

// WithEMAAlpha sets the response-time EMA weight. Must be in (0, 1].
func WithEMAAlpha(alpha float64) Option {
	return func(m *Manager) {
		if alpha > 0 && alpha <= 1 {
			m.emaAlpha = alpha
		}
	}
}

// WithNowFunc overrides the time source (for testing).
func WithNowFunc(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.nowFunc = fn
		}
	}
}

// NewManager opens (or creates) the partition database at dbPath.
func NewManager(dbPath string, opts ...Option) (*Manager, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodePartitionCleanupFailure, "opening partition db")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, cacheterr.Wrap(err, cacheterr.CodePartitionCleanupFailure, "pinging partition db")
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, cacheterr.Wrap(err, cacheterr.CodePartitionCleanupFailure, "migrating partition db")
	}

	m := &Manager{
		db:       db,
		window:   DefaultWindow,
		emaAlpha: DefaultEMAAlpha,
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS partitions (
	id              TEXT PRIMARY KEY,
	domain_tag      TEXT NOT NULL,
	window_start    TEXT NOT NULL,
	doc_count       INTEGER NOT NULL DEFAULT 0,
	avg_response_ms REAL NOT NULL DEFAULT 0,
	sample_count    INTEGER NOT NULL DEFAULT 0,
	last_active_at  TEXT NOT NULL
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

// PartitionID computes the deterministic partition for a domain tag
// and creation time under the manager's window.
func (m *Manager) PartitionID(domainTag string, createdAt time.Time) (string, time.Time) {
	start := createdAt.UTC().Truncate(m.window)
	return fmt.Sprintf("%s.%s", domainTag, start.Format("2006-01-02")), start
}

// Assign registers one document into its partition, creating the
// partition on first use, and returns the partition ID. The document
// count increments exactly once per call; the engine pairs each call
// 1:1 with a storage write.
func (m *Manager) Assign(ctx context.Context, domainTag string, createdAt time.Time) (string, error) {
	if domainTag == "" {
		return "", cacheterr.New(cacheterr.CodePartitionAssignInvalid, "domain tag is required")
	}

	id, start := m.PartitionID(domainTag, createdAt)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc().UTC().Format(time.RFC3339Nano)
	const q = `INSERT INTO partitions (id, domain_tag, window_start, doc_count, last_active_at)
VALUES (?, ?, ?, 1, ?)
ON CONFLICT(id) DO UPDATE SET
	doc_count = doc_count + 1,
	last_active_at = excluded.last_active_at`

	if _, err := m.db.ExecContext(ctx, q, id, domainTag, start.Format(time.RFC3339Nano), now); err != nil {
		return "", cacheterr.Wrap(err, cacheterr.CodePartitionAssignInvalid, "registering document",
			cacheterr.FieldPartition(id))
	}

	return id, nil
}

// Unregister decrements a partition's document count. Decrementing an
// empty or unknown partition is an accounting error, never a clamp.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc().UTC().Format(time.RFC3339Nano)
	const q = `UPDATE partitions SET doc_count = doc_count - 1, last_active_at = ? WHERE id = ? AND doc_count > 0`

	res, err := m.db.ExecContext(ctx, q, now, id)
	if err != nil {
		return cacheterr.Wrap(err, cacheterr.CodePartitionCountUnderflow, "unregistering document",
			cacheterr.FieldPartition(id))
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return cacheterr.Wrap(err, cacheterr.CodePartitionCountUnderflow, "checking unregister result",
			cacheterr.FieldPartition(id))
	}
	if rows == 0 {
		return cacheterr.Errorf(cacheterr.CodePartitionCountUnderflow, "partition %q has no documents to unregister", id)
	}

	return nil
}

// RecordQuery folds one query latency into the partition's exponential
// moving average. The first sample seeds the average directly.
func (m *Manager) RecordQuery(ctx context.Context, id string, elapsed time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sampleMs := float64(elapsed) / float64(time.Millisecond)
	now := m.nowFunc().UTC().Format(time.RFC3339Nano)

	const q = `UPDATE partitions SET
	avg_response_ms = CASE WHEN sample_count = 0 THEN ? ELSE ? * ? + (1 - ?) * avg_response_ms END,
	sample_count = sample_count + 1,
	last_active_at = ?
WHERE id = ?`

	res, err := m.db.ExecContext(ctx, q, sampleMs, m.emaAlpha, sampleMs, m.emaAlpha, now, id)
	if err != nil {
		return cacheterr.Wrap(err, cacheterr.CodePartitionCleanupFailure, "recording query time",
			cacheterr.FieldPartition(id))
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return cacheterr.Wrap(err, cacheterr.CodePartitionCleanupFailure, "checking record result",
			cacheterr.FieldPartition(id))
	}
	if rows == 0 {
		return cacheterr.Errorf(cacheterr.CodePartitionAssignInvalid, "unknown partition %q", id)
	}

	return nil
}

// Stats returns the snapshot for one partition.
func (m *Manager) Stats(ctx context.Context, id string) (Stats, error) {
	const q = `SELECT id, domain_tag, window_start, doc_count, avg_response_ms, last_active_at
FROM partitions WHERE id = ?`

	var s Stats
	var windowStart, lastActive string
	err := m.db.QueryRowContext(ctx, q, id).Scan(&s.ID, &s.DomainTag, &windowStart, &s.DocumentCount, &s.AvgResponseMs, &lastActive)
	if err == sql.ErrNoRows {
		return Stats{}, cacheterr.Errorf(cacheterr.CodePartitionAssignInvalid, "unknown partition %q", id)
	}
	if err != nil {
		return Stats{}, cacheterr.Wrap(err, cacheterr.CodePartitionCleanupFailure, "reading partition",
			cacheterr.FieldPartition(id))
	}

	if s.WindowStart, err = time.Parse(time.RFC3339Nano, windowStart); err != nil {
		return Stats{}, cacheterr.Wrap(err, cacheterr.CodePartitionCleanupFailure, "parsing window_start",
			cacheterr.FieldPartition(id))
	}
	if s.LastActiveAt, err = time.Parse(time.RFC3339Nano, lastActive); err != nil {
		return Stats{}, cacheterr.Wrap(err, cacheterr.CodePartitionCleanupFailure, "parsing last_active_at",
			cacheterr.FieldPartition(id))
	}

	return s, nil
}

// List returns every partition snapshot in ID order.
func (m *Manager) List(ctx context.Context) ([]Stats, error) {
	const q = `SELECT id, domain_tag, window_start, doc_count, avg_response_ms, last_active_at
FROM partitions ORDER BY id ASC`

	rows, err := m.db.QueryContext(ctx, q)
	if err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodePartitionCleanupFailure, "listing partitions")
	}
	defer func() { _ = rows.Close() }()

	var out []Stats
	for rows.Next() {
		var s Stats
		var windowStart, lastActive string
		if err := rows.Scan(&s.ID, &s.DomainTag, &windowStart, &s.DocumentCount, &s.AvgResponseMs, &lastActive); err != nil {
			return nil, cacheterr.Wrap(err, cacheterr.CodePartitionCleanupFailure, "scanning partition row")
		}
		if s.WindowStart, err = time.Parse(time.RFC3339Nano, windowStart); err != nil {
			return nil, cacheterr.Wrap(err, cacheterr.CodePartitionCleanupFailure, "parsing window_start")
		}
		if s.LastActiveAt, err = time.Parse(time.RFC3339Nano, lastActive); err != nil {
			return nil, cacheterr.Wrap(err, cacheterr.CodePartitionCleanupFailure, "parsing last_active_at")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodePartitionCleanupFailure, "iterating partitions")
	}

	return out, nil
}

// Cleanup removes partitions that are both empty and inactive past the
// grace period, and returns the removed IDs. A partition still holding
// documents is never removed.
func (m *Manager) Cleanup(ctx context.Context, grace time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.nowFunc().Add(-grace).UTC().Format(time.RFC3339Nano)

	const sel = `SELECT id FROM partitions WHERE doc_count = 0 AND last_active_at < ?`
	rows, err := m.db.QueryContext(ctx, sel, cutoff)
	if err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodePartitionCleanupFailure, "selecting stale partitions")
	}

	var removed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, cacheterr.Wrap(err, cacheterr.CodePartitionCleanupFailure, "scanning stale partition")
		}
		removed = append(removed, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, cacheterr.Wrap(err, cacheterr.CodePartitionCleanupFailure, "iterating stale partitions")
	}
	_ = rows.Close()

	const del = `DELETE FROM partitions WHERE doc_count = 0 AND last_active_at < ?`
	if _, err := m.db.ExecContext(ctx, del, cutoff); err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodePartitionCleanupFailure, "deleting stale partitions")
	}

	return removed, nil
}

// Count returns the number of tracked partitions.
func (m *Manager) Count(ctx context.Context) (int, error) {
	var n int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM partitions`).Scan(&n); err != nil {
		return 0, cacheterr.Wrap(err, cacheterr.CodePartitionCleanupFailure, "counting partitions")
	}
	return n, nil
}

// Clear removes every partition.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.db.ExecContext(ctx, `DELETE FROM partitions`); err != nil {
		return cacheterr.Wrap(err, cacheterr.CodePartitionCleanupFailure, "clearing partitions")
	}
	return nil
}

// Close closes the partition database.
func (m *Manager) Close() error {
	return m.db.Close()
}
