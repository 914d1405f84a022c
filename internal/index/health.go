// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package index

import (
	"sync"
	"time"

	"github.com/cachet-dev/cachet/pkg/health"
)

// DegradedThreshold is the consecutive-failure count after which the
// index is considered degraded and retrieval falls back to key-only
// operation.
const DegradedThreshold = 3

// HealthTracker records index call outcomes and derives availability.
// After DegradedThreshold consecutive failures the index enters a
// cooldown window; it recovers on the first success or when the
// cooldown elapses.
type HealthTracker struct {
	mu sync.Mutex

	consecutiveFailures int64
	totalFailures       int64
	lastFailureAt       time.Time
	cooldownUntil       time.Time

	cooldown time.Duration
	nowFunc  func() time.Time
}

// NewHealthTracker returns a tracker with the given cooldown window.
// A non-positive cooldown defaults to 30 seconds.
func NewHealthTracker(cooldown time.Duration) *HealthTracker {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &HealthTracker{
		cooldown: cooldown,
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (t *HealthTracker) SetNowFunc(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nowFunc = now
}

// RecordSuccess clears the consecutive-failure streak and any cooldown.
func (t *HealthTracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutiveFailures = 0
	t.cooldownUntil = time.Time{}
}

// RecordFailure notes a failed call, entering cooldown once the streak
// reaches DegradedThreshold.
func (t *HealthTracker) RecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFunc()
	t.consecutiveFailures++
	t.totalFailures++
	t.lastFailureAt = now

	if t.consecutiveFailures >= DegradedThreshold {
		t.cooldownUntil = now.Add(t.cooldown)
	}
}

// Degraded reports whether the index is currently in cooldown.
func (t *HealthTracker) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.degradedLocked()
}

func (t *HealthTracker) degradedLocked() bool {
	if t.cooldownUntil.IsZero() {
		return false
	}
	if t.nowFunc().After(t.cooldownUntil) {
		// Cooldown elapsed; allow traffic again but keep the streak
		// so one more failure re-enters cooldown immediately.
		t.cooldownUntil = time.Time{}
		return false
	}
	return true
}

// Metrics returns a point-in-time snapshot.
func (t *HealthTracker) Metrics() health.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := health.Metrics{
		FailureCount: t.totalFailures,
		Available:    !t.degradedLocked(),
	}
	if !t.lastFailureAt.IsZero() {
		at := t.lastFailureAt
		m.LastFailureAt = &at
	}
	if !t.cooldownUntil.IsZero() {
		until := t.cooldownUntil
		m.CooldownUntil = &until
	}
	return m
}
