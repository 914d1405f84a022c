// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

func init() {
	sqlite_vec.Auto()
}

// Compile-time interface check.
var _ Index = (*SQLiteVec)(nil)

// SQLiteVec is a local similarity index backed by SQLite with the
// sqlite-vec extension. Chunk metadata rides in a companion table so a
// query result carries enough to resolve the chunk without a second
// lookup.
type SQLiteVec struct {
	db         *sql.DB
	dimensions int
}

// NewSQLiteVec opens (or creates) the index database at dbPath with
// vectors of the given dimensionality.
func NewSQLiteVec(dbPath string, dimensions int) (*SQLiteVec, error) {
	if dimensions <= 0 {
		return nil, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue, "index dimensions must be positive, got %d", dimensions)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeIndexUpsertFailure, "opening index db")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, cacheterr.Wrap(err, cacheterr.CodeIndexUpsertFailure, "pinging index db")
	}
	if err := migrateVec(db, dimensions); err != nil {
		_ = db.Close()
		return nil, cacheterr.Wrap(err, cacheterr.CodeIndexUpsertFailure, "migrating index tables")
	}

	return &SQLiteVec{db: db, dimensions: dimensions}, nil
}

func migrateVec(db *sql.DB, dimensions int) error {
	vecDDL := `CREATE VIRTUAL TABLE IF NOT EXISTS vectors USING vec0(id TEXT PRIMARY KEY, embedding float[` +
		strconv.Itoa(dimensions) + `])`
	if _, err := db.Exec(vecDDL); err != nil {
		return err
	}

	const metaDDL = `
CREATE TABLE IF NOT EXISTS vector_metadata (
	id       TEXT PRIMARY KEY,
	metadata TEXT NOT NULL DEFAULT '{}'
)`
	_, err := db.Exec(metaDDL)
	return err
}

// Upsert inserts or replaces a vector and its metadata.
func (v *SQLiteVec) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]any) error {
	if len(vector) != v.dimensions {
		return cacheterr.Errorf(cacheterr.CodeIndexUpsertFailure, "vector for %q has %d dimensions, index expects %d", id, len(vector), v.dimensions)
	}

	blob, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeIndexUpsertFailure, "serializing embedding")
	}

	metaJSON := []byte("{}")
	if len(metadata) > 0 {
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return cacheterr.Wrap(err, cacheterr.CodeIndexUpsertFailure, "marshalling metadata")
		}
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeIndexUpsertFailure, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	// vec0 does not support ON CONFLICT; delete first for upsert.
	if _, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE id = ?`, id); err != nil {
		return cacheterr.Wrapf(err, cacheterr.CodeIndexUpsertFailure, "deleting existing vector %s", id)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO vectors(id, embedding) VALUES (?, ?)`, id, blob); err != nil {
		return cacheterr.Wrapf(err, cacheterr.CodeIndexUpsertFailure, "inserting vector %s", id)
	}

	const metaQ = `INSERT INTO vector_metadata(id, metadata) VALUES (?, ?)
ON CONFLICT(id) DO UPDATE SET metadata = excluded.metadata`
	if _, err := tx.ExecContext(ctx, metaQ, id, string(metaJSON)); err != nil {
		return cacheterr.Wrapf(err, cacheterr.CodeIndexUpsertFailure, "upserting metadata %s", id)
	}

	if err := tx.Commit(); err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeIndexUpsertFailure, "committing upsert")
	}
	return nil
}

// Query performs a k-nearest-neighbor search.
func (v *SQLiteVec) Query(ctx context.Context, vector []float32, k int) ([]Candidate, error) {
	if k <= 0 {
		return nil, nil
	}

	blob, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeIndexQueryFailure, "serializing query vector")
	}

	const q = `SELECT id, distance FROM vectors WHERE embedding MATCH ? AND k = ? ORDER BY distance`

	rows, err := v.db.QueryContext(ctx, q, blob, k)
	if err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeIndexQueryFailure, "searching vectors")
	}
	defer func() { _ = rows.Close() }()

	var results []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.Score); err != nil {
			return nil, cacheterr.Wrap(err, cacheterr.CodeIndexQueryFailure, "scanning result row")
		}
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeIndexQueryFailure, "iterating results")
	}

	return results, nil
}

// Delete removes vectors and their metadata by ID.
func (v *SQLiteVec) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeIndexDeleteFailure, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeIndexDeleteFailure, "deleting vectors")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vector_metadata WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeIndexDeleteFailure, "deleting metadata")
	}

	if err := tx.Commit(); err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeIndexDeleteFailure, "committing delete")
	}
	return nil
}

// Clear removes every vector.
func (v *SQLiteVec) Clear(ctx context.Context) error {
	if _, err := v.db.ExecContext(ctx, `DELETE FROM vectors`); err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeIndexDeleteFailure, "clearing vectors")
	}
	if _, err := v.db.ExecContext(ctx, `DELETE FROM vector_metadata`); err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeIndexDeleteFailure, "clearing metadata")
	}
	return nil
}

// Close closes the underlying database connection.
func (v *SQLiteVec) Close() error {
	return v.db.Close()
}

