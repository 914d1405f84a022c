// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

// Package cache implements the two-level cache tier: a fixed-capacity
// in-memory LRU (L1) in front of a disk cache with a durable index
// (L2). The cache only ever holds ciphertext; plaintext never reaches
// this package.
package cache

import "time"

// Entry is one cached ciphertext with its bookkeeping timestamps.
type Entry struct {
	Key            string
	Ciphertext     []byte
	CreatedAt      time.Time
	LastAccessedAt time.Time
	// ExpiresAt, when set, is the instant past which the entry is a
	// miss. Expired entries are evicted lazily on access.
	ExpiresAt *time.Time
}

// expired reports whether the entry's TTL has lapsed at now.
func (e *Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}
