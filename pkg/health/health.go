// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package health

import "time"

// Metrics exposes the current health state of an external collaborator
// (the similarity index) for monitoring and operator visibility. All
// fields are point-in-time snapshots safe to serialize to JSON.
type Metrics struct {
	FailureCount  int64      `json:"failure_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	Available     bool       `json:"available"`
}

// CacheStats is a point-in-time snapshot of one cache level.
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}

// HitRate returns hits/(hits+misses), or 0 when the cache is untouched.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Report is the store-wide health snapshot returned by the health
// operation and served on the health endpoint.
type Report struct {
	Status        string           `json:"status"`
	TierBytes     map[string]int64 `json:"tier_bytes"`
	Documents     int64            `json:"documents"`
	Partitions    int              `json:"partitions"`
	L1            CacheStats       `json:"l1"`
	L2            CacheStats       `json:"l2"`
	CacheHitRate  float64          `json:"cache_hit_rate"`
	AuditChainOK  bool             `json:"audit_chain_ok"`
	IndexDegraded bool             `json:"index_degraded"`
	Index         Metrics          `json:"index"`
	GeneratedAt   time.Time        `json:"generated_at"`
}

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFailing  = "failing"
)
