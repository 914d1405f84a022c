// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package index

import (
	"context"
	"log/slog"
	"time"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

var _ Index = (*ReliableIndex)(nil)

// ReliableConfig tunes the retry and timeout behavior wrapped around an
// index backend.
type ReliableConfig struct {
	// CallTimeout bounds each individual backend call. Defaults to 5s.
	CallTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	// Defaults to 2.
	MaxRetries int
	// BackoffBase is the first retry delay; subsequent delays double.
	// Defaults to 1s.
	BackoffBase time.Duration
	// Cooldown is how long the index stays degraded after repeated
	// failures. Defaults to 30s.
	Cooldown time.Duration
}

func (c ReliableConfig) withDefaults() ReliableConfig {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	return c
}

// ReliableIndex wraps an Index with per-call timeouts, bounded
// exponential backoff, and failure tracking. When the backend keeps
// failing the wrapper reports itself degraded so callers can skip
// similarity search instead of stalling on a dead index.
type ReliableIndex struct {
	backend Index
	cfg     ReliableConfig
	tracker *HealthTracker
	logger  *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewReliableIndex wraps backend with cfg.
func NewReliableIndex(backend Index, cfg ReliableConfig, logger *slog.Logger) *ReliableIndex {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &ReliableIndex{
		backend: backend,
		cfg:     cfg,
		tracker: NewHealthTracker(cfg.Cooldown),
		logger:  logger.With("component", "index"),
		sleep:   sleepCtx,
	}
}

// Degraded reports whether the backend is in its failure cooldown.
func (r *ReliableIndex) Degraded() bool {
	return r.tracker.Degraded()
}

// Health returns the tracker, for health reporting.
func (r *ReliableIndex) Health() *HealthTracker {
	return r.tracker
}

// Upsert stores a vector, retrying transient failures.
func (r *ReliableIndex) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]any) error {
	return r.do(ctx, "upsert", func(callCtx context.Context) error {
		return r.backend.Upsert(callCtx, id, vector, metadata)
	})
}

// Query searches for nearest neighbors, retrying transient failures.
func (r *ReliableIndex) Query(ctx context.Context, vector []float32, k int) ([]Candidate, error) {
	var results []Candidate
	err := r.do(ctx, "query", func(callCtx context.Context) error {
		var callErr error
		results, callErr = r.backend.Query(callCtx, vector, k)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Delete removes vectors, retrying transient failures.
func (r *ReliableIndex) Delete(ctx context.Context, ids []string) error {
	return r.do(ctx, "delete", func(callCtx context.Context) error {
		return r.backend.Delete(callCtx, ids)
	})
}

// Clear removes every vector.
func (r *ReliableIndex) Clear(ctx context.Context) error {
	return r.do(ctx, "clear", func(callCtx context.Context) error {
		return r.backend.Clear(callCtx)
	})
}

// Close closes the backend.
func (r *ReliableIndex) Close() error {
	return r.backend.Close()
}

func (r *ReliableIndex) do(ctx context.Context, op string, call func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.cfg.BackoffBase << (attempt - 1)
			if err := r.sleep(ctx, delay); err != nil {
				return cacheterr.Wrapf(err, cacheterr.CodeIndexUnavailable, "index %s aborted during backoff", op)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		err := call(callCtx)
		cancel()

		if err == nil {
			r.tracker.RecordSuccess()
			return nil
		}

		lastErr = err
		r.tracker.RecordFailure()
		r.logger.Warn("index call failed",
			"op", op,
			"attempt", attempt+1,
			"error", err,
		)

		// The caller's deadline is gone; retrying cannot help.
		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil {
		return cacheterr.Wrapf(lastErr, cacheterr.CodeIndexQueryTimeout, "index %s timed out", op)
	}
	return cacheterr.Wrapf(lastErr, cacheterr.CodeIndexUnavailable, "index %s failed after %d attempts", op, r.cfg.MaxRetries+1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
