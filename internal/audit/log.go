// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

// Log is the append-only, hash-chained audit log backed by SQLite.
// Appends are serialized by a mutex so the chain never forks; the
// database runs with synchronous=FULL so an acknowledged entry survives
// a crash.
type Log struct {
	mu       sync.Mutex
	db       *sql.DB
	lastSeq  int64
	lastHash string
	nowFunc  func() time.Time
}

// VerifyResult reports the outcome of a chain verification pass.
type VerifyResult struct {
	OK       bool
	BrokenAt int64
	Checked  int64
}

// Filter narrows a Query. Zero values are ignored.
type Filter struct {
	Principal string
	Action    string
	Resource  string
	Outcome   string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// Open opens (or creates) the audit log database at dbPath and resumes
// the chain from the last persisted entry.
func Open(dbPath string) (*Log, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeAuditAppendFailure, "opening audit db")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, cacheterr.Wrap(err, cacheterr.CodeAuditAppendFailure, "pinging audit db")
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, cacheterr.Wrap(err, cacheterr.CodeAuditAppendFailure, "migrating audit db")
	}

	l := &Log{db: db, nowFunc: time.Now}

	if err := l.resume(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return l, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS audit_chain (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL,
	timestamp  TEXT NOT NULL,
	principal  TEXT NOT NULL DEFAULT '',
	action     TEXT NOT NULL DEFAULT '',
	resource   TEXT NOT NULL DEFAULT '',
	outcome    TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	prior_hash TEXT NOT NULL,
	hash       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_chain_principal ON audit_chain(principal);
CREATE INDEX IF NOT EXISTS idx_audit_chain_action    ON audit_chain(action);
CREATE INDEX IF NOT EXISTS idx_audit_chain_timestamp ON audit_chain(timestamp);

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

func (l *Log) resume() error {
	const q = `SELECT seq, hash FROM audit_chain ORDER BY seq DESC LIMIT 1`

	var seq int64
	var hash string
	err := l.db.QueryRow(q).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		l.lastSeq = 0
		l.lastHash = GenesisHash
		return nil
	}
	if err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeAuditAppendFailure, "resuming audit chain")
	}

	l.lastSeq = seq
	l.lastHash = hash
	return nil
}

// SetNowFunc overrides the time source (for testing).
func (l *Log) SetNowFunc(fn func() time.Time) {
	l.mu.Lock()
	l.nowFunc = fn
	l.mu.Unlock()
}

// Append computes the entry's chain hash, persists it, and returns the
// hash. The entry's ID and Timestamp are assigned when empty.
func (l *Log) Append(ctx context.Context, e Entry) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.nowFunc().UTC()
	}
	e.PriorHash = l.lastHash

	hash, err := ComputeHash(e, e.PriorHash)
	if err != nil {
		return "", cacheterr.Wrap(err, cacheterr.CodeAuditAppendFailure, "hashing audit entry")
	}
	e.Hash = hash

	const q = `INSERT INTO audit_chain (id, timestamp, principal, action, resource, outcome, detail, prior_hash, hash)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := l.db.ExecContext(ctx, q,
		e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Principal, e.Action, e.Resource, e.Outcome, e.Detail,
		e.PriorHash, e.Hash,
	)
	if err != nil {
		return "", cacheterr.Wrap(err, cacheterr.CodeAuditAppendFailure, "appending audit entry",
			cacheterr.Field("action", e.Action))
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return "", cacheterr.Wrap(err, cacheterr.CodeAuditAppendFailure, "reading audit sequence")
	}

	l.lastSeq = seq
	l.lastHash = hash
	return hash, nil
}

// VerifyChain recomputes every entry hash from fromSeq onward and
// checks the links between consecutive entries. fromSeq <= 1 verifies
// the whole chain from the genesis hash.
func (l *Log) VerifyChain(ctx context.Context, fromSeq int64) (VerifyResult, error) {
	const q = `SELECT seq, id, timestamp, principal, action, resource, outcome, detail, prior_hash, hash
FROM audit_chain WHERE seq >= ? ORDER BY seq ASC`

	if fromSeq < 1 {
		fromSeq = 1
	}

	rows, err := l.db.QueryContext(ctx, q, fromSeq)
	if err != nil {
		return VerifyResult{}, cacheterr.Wrap(err, cacheterr.CodeAuditVerifyFailure, "reading audit chain")
	}
	defer func() { _ = rows.Close() }()

	result := VerifyResult{OK: true}
	prior := ""
	first := true

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return VerifyResult{}, err
		}

		if first {
			first = false
			// A full verification must start at the genesis hash; a
			// partial one trusts the stored prior as its seed.
			if fromSeq == 1 && e.PriorHash != GenesisHash {
				return VerifyResult{OK: false, BrokenAt: e.Seq, Checked: result.Checked}, nil
			}
			prior = e.PriorHash
		} else if e.PriorHash != prior {
			return VerifyResult{OK: false, BrokenAt: e.Seq, Checked: result.Checked}, nil
		}

		expected, err := ComputeHash(e, e.PriorHash)
		if err != nil {
			return VerifyResult{}, cacheterr.Wrap(err, cacheterr.CodeAuditVerifyFailure, "recomputing entry hash")
		}
		if expected != e.Hash {
			return VerifyResult{OK: false, BrokenAt: e.Seq, Checked: result.Checked}, nil
		}

		prior = e.Hash
		result.Checked++
	}
	if err := rows.Err(); err != nil {
		return VerifyResult{}, cacheterr.Wrap(err, cacheterr.CodeAuditVerifyFailure, "iterating audit chain")
	}

	return result, nil
}

// Query returns entries matching the filter in sequence order.
func (l *Log) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	var qb strings.Builder
	qb.WriteString(`SELECT seq, id, timestamp, principal, action, resource, outcome, detail, prior_hash, hash FROM audit_chain`)

	var conditions []string
	var args []any

	if filter.Principal != "" {
		conditions = append(conditions, "principal = ?")
		args = append(args, filter.Principal)
	}
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Resource != "" {
		conditions = append(conditions, "resource = ?")
		args = append(args, filter.Resource)
	}
	if filter.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, filter.Outcome)
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filter.From.UTC().Format(time.RFC3339Nano))
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "timestamp < ?")
		args = append(args, filter.To.UTC().Format(time.RFC3339Nano))
	}

	if len(conditions) > 0 {
		qb.WriteString(" WHERE ")
		qb.WriteString(strings.Join(conditions, " AND "))
	}

	qb.WriteString(" ORDER BY seq ASC")

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	qb.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, limit, filter.Offset)

	rows, err := l.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeAuditVerifyFailure, "querying audit chain")
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeAuditVerifyFailure, "iterating audit entries")
	}

	return entries, nil
}

// Export streams the whole chain to w as JSON lines. The output is
// self-contained: each line carries the entry fields plus both hashes,
// so an external tool can re-verify the chain without this engine.
func (l *Log) Export(ctx context.Context, w io.Writer) error {
	const q = `SELECT seq, id, timestamp, principal, action, resource, outcome, detail, prior_hash, hash
FROM audit_chain ORDER BY seq ASC`

	rows, err := l.db.QueryContext(ctx, q)
	if err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeAuditVerifyFailure, "reading audit chain for export")
	}
	defer func() { _ = rows.Close() }()

	enc := json.NewEncoder(w)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := enc.Encode(e); err != nil {
			return cacheterr.Wrap(err, cacheterr.CodeAuditVerifyFailure, "writing audit export")
		}
	}
	if err := rows.Err(); err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeAuditVerifyFailure, "iterating audit export")
	}

	return nil
}

// LastSeq returns the sequence number of the newest entry, 0 when
// the chain is empty.
func (l *Log) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Close closes the underlying database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var ts string
	if err := rows.Scan(
		&e.Seq, &e.ID, &ts, &e.Principal, &e.Action, &e.Resource,
		&e.Outcome, &e.Detail, &e.PriorHash, &e.Hash,
	); err != nil {
		return Entry{}, cacheterr.Wrap(err, cacheterr.CodeAuditVerifyFailure, "scanning audit row")
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Entry{}, cacheterr.Wrapf(err, cacheterr.CodeAuditVerifyFailure, "parsing audit timestamp %q", ts)
	}
	e.Timestamp = parsed

	return e, nil
}
