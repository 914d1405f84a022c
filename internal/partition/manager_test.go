// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package partition_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachet-dev/cachet/internal/partition"
	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

func testPartitions(t *testing.T, opts ...partition.Option) *partition.Manager {
	t.Helper()
	m, err := partition.NewManager(filepath.Join(t.TempDir(), "partitions.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestAssignIsDeterministic(t *testing.T) {
	m := testPartitions(t, partition.WithWindow(30*24*time.Hour))
	ctx := context.Background()

	created := time.Date(2026, 8, 14, 10, 30, 0, 0, time.UTC)

	id1, err := m.Assign(ctx, "support", created)
	require.NoError(t, err)
	id2, err := m.Assign(ctx, "support", created.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "same domain and window must map to the same partition")

	other, err := m.Assign(ctx, "billing", created)
	require.NoError(t, err)
	assert.NotEqual(t, id1, other)

	stats, err := m.Stats(ctx, id1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.DocumentCount)
	assert.Equal(t, "support", stats.DomainTag)
}

func TestAssignRequiresDomainTag(t *testing.T) {
	m := testPartitions(t)
	_, err := m.Assign(context.Background(), "", time.Now())
	require.Error(t, err)
	assert.True(t, cacheterr.IsInvalidInput(err))
}

func TestUnregisterNeverUnderflows(t *testing.T) {
	m := testPartitions(t)
	ctx := context.Background()

	id, err := m.Assign(ctx, "support", time.Now())
	require.NoError(t, err)

	require.NoError(t, m.Unregister(ctx, id))

	err = m.Unregister(ctx, id)
	require.Error(t, err, "empty partition must not decrement below zero")

	stats, err := m.Stats(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.DocumentCount)

	err = m.Unregister(ctx, "support.9999-01-01")
	require.Error(t, err)
}

func TestRecordQueryEMA(t *testing.T) {
	m := testPartitions(t, partition.WithEMAAlpha(0.5))
	ctx := context.Background()

	id, err := m.Assign(ctx, "support", time.Now())
	require.NoError(t, err)

	// First sample seeds the average.
	require.NoError(t, m.RecordQuery(ctx, id, 100*time.Millisecond))
	stats, err := m.Stats(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 100, stats.AvgResponseMs, 1e-9)

	// Next: 0.5*200 + 0.5*100 = 150.
	require.NoError(t, m.RecordQuery(ctx, id, 200*time.Millisecond))
	stats, err = m.Stats(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 150, stats.AvgResponseMs, 1e-9)

	err = m.RecordQuery(ctx, "support.9999-01-01", time.Millisecond)
	require.Error(t, err)
}

func TestCleanupSparesActiveAndPopulated(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	m := testPartitions(t, partition.WithNowFunc(func() time.Time { return now }))
	ctx := context.Background()

	// Populated partition: old but still holds a document.
	populated, err := m.Assign(ctx, "support", now.AddDate(0, -6, 0))
	require.NoError(t, err)

	// Empty and stale partition.
	stale, err := m.Assign(ctx, "archive", now.AddDate(0, -6, 0))
	require.NoError(t, err)
	require.NoError(t, m.Unregister(ctx, stale))

	now = now.AddDate(0, 0, 30)

	// Empty but recently active partition.
	fresh, err := m.Assign(ctx, "billing", now)
	require.NoError(t, err)
	require.NoError(t, m.Unregister(ctx, fresh))

	removed, err := m.Cleanup(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{stale}, removed)

	_, err = m.Stats(ctx, populated)
	assert.NoError(t, err, "populated partition must never be cleaned up")
	_, err = m.Stats(ctx, fresh)
	assert.NoError(t, err, "recently active partition must survive the grace period")
	_, err = m.Stats(ctx, stale)
	assert.Error(t, err)
}

func TestListAndCount(t *testing.T) {
	m := testPartitions(t)
	ctx := context.Background()

	_, err := m.Assign(ctx, "support", time.Now())
	require.NoError(t, err)
	_, err = m.Assign(ctx, "billing", time.Now())
	require.NoError(t, err)

	list, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, m.Clear(ctx))
	n, err = m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
