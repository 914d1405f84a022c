// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package cache

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
	"github.com/cachet-dev/cachet/pkg/health"
)

// L1 is the in-process LRU level. Reads and writes both update
// recency; eviction removes the least-recently-accessed entry when
// capacity overflows.
type L1 struct {
	mu        sync.Mutex
	entries   *lru.Cache[string, *Entry]
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	nowFunc   func() time.Time
}

// NewL1 creates an L1 cache with the given fixed capacity.
func NewL1(capacity int) (*L1, error) {
	if capacity <= 0 {
		return nil, cacheterr.Errorf(cacheterr.CodeCacheInvalidInput, "l1 capacity must be positive, got %d", capacity)
	}

	l := &L1{nowFunc: time.Now}

	entries, err := lru.NewWithEvict(capacity, func(string, *Entry) {
		l.evictions.Add(1)
	})
	if err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeCacheInvalidInput, "building l1 lru")
	}
	l.entries = entries

	return l, nil
}

// SetNowFunc overrides the time source (for testing).
func (l *L1) SetNowFunc(fn func() time.Time) {
	l.mu.Lock()
	l.nowFunc = fn
	l.mu.Unlock()
}

// Get returns the cached entry for key, updating its recency. Expired
// entries are removed and reported as a miss.
func (l *L1) Get(key string) (*Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries.Get(key)
	if !ok {
		l.misses.Add(1)
		return nil, false
	}

	now := l.nowFunc()
	if entry.expired(now) {
		l.entries.Remove(key)
		l.misses.Add(1)
		return nil, false
	}

	entry.LastAccessedAt = now
	l.hits.Add(1)
	return entry, true
}

// Set stores ciphertext under key. A zero ttl means no expiry.
func (l *L1) Set(key string, ciphertext []byte, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	entry := &Entry{
		Key:            key,
		Ciphertext:     ciphertext,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		entry.ExpiresAt = &expires
	}

	l.entries.Add(key, entry)
}

// Invalidate removes key.
func (l *L1) Invalidate(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries.Remove(key)
}

// Clear removes every entry.
func (l *L1) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries.Purge()
	// Purge fires the eviction callback per entry; a clear is not an
	// eviction, so undo the counting.
	l.evictions.Store(0)
	l.hits.Store(0)
	l.misses.Store(0)
}

// Stats returns a point-in-time snapshot of the level's counters.
func (l *L1) Stats() health.CacheStats {
	l.mu.Lock()
	entries := l.entries.Len()
	l.mu.Unlock()

	return health.CacheStats{
		Hits:      l.hits.Load(),
		Misses:    l.misses.Load(),
		Evictions: l.evictions.Load(),
		Entries:   entries,
	}
}
