// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package cache_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachet-dev/cachet/internal/cache"
)

func TestL1RequiresPositiveCapacity(t *testing.T) {
	_, err := cache.NewL1(0)
	require.Error(t, err)
	_, err = cache.NewL1(-3)
	require.Error(t, err)
}

func TestL1RoundTrip(t *testing.T) {
	l1, err := cache.NewL1(8)
	require.NoError(t, err)

	l1.Set("k1", []byte("ct-1"), 0)

	entry, ok := l1.Get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("ct-1"), entry.Ciphertext)

	_, ok = l1.Get("missing")
	assert.False(t, ok)
}

func TestL1GetRefreshesRecency(t *testing.T) {
	// Capacity 3: fill, touch the oldest via Get, then overflow. The
	// touched key must survive; the untouched oldest must be evicted.
	l1, err := cache.NewL1(3)
	require.NoError(t, err)

	l1.Set("a", []byte("a"), 0)
	l1.Set("b", []byte("b"), 0)
	l1.Set("c", []byte("c"), 0)

	_, ok := l1.Get("a")
	require.True(t, ok)

	l1.Set("d", []byte("d"), 0)

	_, ok = l1.Get("a")
	assert.True(t, ok, "recently read key must not be evicted")
	_, ok = l1.Get("b")
	assert.False(t, ok, "least-recently-accessed key must be evicted")

	stats := l1.Stats()
	assert.EqualValues(t, 1, stats.Evictions)
}

func TestL1TTLExpiryIsLazy(t *testing.T) {
	l1, err := cache.NewL1(8)
	require.NoError(t, err)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l1.SetNowFunc(func() time.Time { return now })

	l1.Set("k1", []byte("ct"), time.Minute)

	_, ok := l1.Get("k1")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = l1.Get("k1")
	assert.False(t, ok, "expired entry must be a miss")

	stats := l1.Stats()
	assert.Equal(t, 0, stats.Entries, "expired entry must be removed")
}

func TestL1StatsCounters(t *testing.T) {
	l1, err := cache.NewL1(4)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		l1.Set(fmt.Sprintf("k%d", i), []byte("x"), 0)
	}
	l1.Get("k0")
	l1.Get("k1")
	l1.Get("nope")

	stats := l1.Stats()
	assert.EqualValues(t, 2, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.Equal(t, 3, stats.Entries)
	assert.InDelta(t, 2.0/3.0, stats.HitRate(), 1e-9)
}
