// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/cachet-dev/cachet/pkg/health"
)

// Tiered composes L1 and L2 into the cache contract the storage layer
// consumes. L2 faults are surfaced to the caller as typed cache errors
// but never mask an L1 hit.
type Tiered struct {
	l1     *L1
	l2     *L2
	logger *slog.Logger
}

// NewTiered builds the two-level cache. logger may be nil.
func NewTiered(l1 *L1, l2 *L2, logger *slog.Logger) *Tiered {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tiered{l1: l1, l2: l2, logger: logger}
}

// Get resolves key through L1 then L2. An L2 hit is promoted into L1.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if entry, ok := t.l1.Get(key); ok {
		return entry.Ciphertext, true, nil
	}

	entry, ok, err := t.l2.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	ttl := time.Duration(0)
	if entry.ExpiresAt != nil {
		ttl = time.Until(*entry.ExpiresAt)
	}
	t.l1.Set(key, entry.Ciphertext, ttl)

	return entry.Ciphertext, true, nil
}

// Set stores ciphertext in both levels. The L2 write happens first so
// a durable copy exists before the fast path serves it.
func (t *Tiered) Set(ctx context.Context, key string, ciphertext []byte, ttl time.Duration) error {
	if err := t.l2.Set(ctx, key, ciphertext, ttl); err != nil {
		return err
	}
	t.l1.Set(key, ciphertext, ttl)
	return nil
}

// Invalidate removes key from both levels.
func (t *Tiered) Invalidate(ctx context.Context, key string) error {
	t.l1.Invalidate(key)
	return t.l2.Invalidate(ctx, key)
}

// Clear empties both levels.
func (t *Tiered) Clear(ctx context.Context) error {
	t.l1.Clear()
	return t.l2.Clear(ctx)
}

// Stats reports per-level counters. An L2 index failure degrades the
// snapshot rather than failing it.
func (t *Tiered) Stats(ctx context.Context) (l1 health.CacheStats, l2 health.CacheStats) {
	l1 = t.l1.Stats()

	l2, err := t.l2.Stats(ctx)
	if err != nil {
		t.logger.Warn("l2 stats unavailable", "error", err)
	}
	return l1, l2
}

// HitRate combines both levels into a single rate.
func (t *Tiered) HitRate(ctx context.Context) float64 {
	l1, l2 := t.Stats(ctx)
	combined := health.CacheStats{
		Hits:   l1.Hits + l2.Hits,
		Misses: l2.Misses,
	}
	return combined.HitRate()
}

// Close releases the L2 index.
func (t *Tiered) Close() error {
	return t.l2.Close()
}
