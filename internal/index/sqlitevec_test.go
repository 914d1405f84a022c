// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package index_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachet-dev/cachet/internal/index"
)

func newVecIndex(t *testing.T, dims int) *index.SQLiteVec {
	t.Helper()
	idx, err := index.NewSQLiteVec(filepath.Join(t.TempDir(), "index.db"), dims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestSQLiteVecUpsertAndQuery(t *testing.T) {
	idx := newVecIndex(t, 3)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "chunk/a/0", []float32{1, 0, 0}, nil))
	require.NoError(t, idx.Upsert(ctx, "chunk/b/0", []float32{0, 1, 0}, nil))
	require.NoError(t, idx.Upsert(ctx, "chunk/c/0", []float32{0.9, 0.1, 0}, nil))

	got, err := idx.Query(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "chunk/a/0", got[0].ID)
	assert.Equal(t, "chunk/c/0", got[1].ID)
	assert.Less(t, got[0].Score, got[1].Score, "results ordered by distance")
}

func TestSQLiteVecUpsertReplaces(t *testing.T) {
	idx := newVecIndex(t, 3)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "chunk/a/0", []float32{1, 0, 0}, nil))
	require.NoError(t, idx.Upsert(ctx, "chunk/a/0", []float32{0, 0, 1}, nil))

	got, err := idx.Query(ctx, []float32{0, 0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "chunk/a/0", got[0].ID)
	assert.InDelta(t, 0, got[0].Score, 1e-5)
}

func TestSQLiteVecDimensionMismatch(t *testing.T) {
	idx := newVecIndex(t, 3)

	err := idx.Upsert(context.Background(), "chunk/a/0", []float32{1, 2}, nil)
	assert.Error(t, err)
}

func TestSQLiteVecDelete(t *testing.T) {
	idx := newVecIndex(t, 2)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "chunk/a/0", []float32{1, 0}, nil))
	require.NoError(t, idx.Upsert(ctx, "chunk/a/1", []float32{0, 1}, nil))

	require.NoError(t, idx.Delete(ctx, []string{"chunk/a/0"}))

	got, err := idx.Query(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "chunk/a/1", got[0].ID)

	// Deleting missing IDs is not an error.
	assert.NoError(t, idx.Delete(ctx, []string{"chunk/missing/0"}))
	assert.NoError(t, idx.Delete(ctx, nil))
}

func TestSQLiteVecClear(t *testing.T) {
	idx := newVecIndex(t, 2)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "chunk/a/0", []float32{1, 0}, nil))
	require.NoError(t, idx.Clear(ctx))

	got, err := idx.Query(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLiteVecRejectsBadDimensions(t *testing.T) {
	_, err := index.NewSQLiteVec(filepath.Join(t.TempDir(), "index.db"), 0)
	assert.Error(t, err)
}
