// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package storage

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

// MigratorConfig bounds each tier by age and cumulative byte size.
// Zero values disable the corresponding rule.
type MigratorConfig struct {
	HotMaxAge    time.Duration
	HotMaxBytes  int64
	WarmMaxAge   time.Duration
	WarmMaxBytes int64
	Interval     time.Duration
}

// Migrator periodically demotes stale and over-budget records one tier
// down. It never holds a per-key lock longer than one record's move, so
// foreground reads and writes stay unblocked.
type Migrator struct {
	manager *Manager
	cfg     MigratorConfig
	nowFunc func() time.Time
	logger  *slog.Logger
}

// NewMigrator builds a Migrator over the given manager.
func NewMigrator(manager *Manager, cfg MigratorConfig, logger *slog.Logger) (*Migrator, error) {
	if manager == nil {
		return nil, cacheterr.New(cacheterr.CodeStorageMigrateFailure, "migrator requires a storage manager")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Migrator{manager: manager, cfg: cfg, nowFunc: time.Now, logger: logger}, nil
}

// SetNowFunc overrides the time source (for testing).
func (mg *Migrator) SetNowFunc(fn func() time.Time) {
	mg.nowFunc = fn
}

// Run sweeps on the configured interval until ctx is cancelled.
func (mg *Migrator) Run(ctx context.Context) {
	ticker := time.NewTicker(mg.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if demoted, err := mg.Sweep(ctx); err != nil {
				mg.logger.Warn("migration sweep failed", "error", err)
			} else if demoted > 0 {
				mg.logger.Info("migration sweep", "demoted", demoted)
			}
		}
	}
}

// Sweep runs one maintenance cycle and returns the number of demoted
// records. Hot is evaluated before Warm so a record can cascade at
// most one tier per cycle.
func (mg *Migrator) Sweep(ctx context.Context) (int, error) {
	demoted := 0

	n, err := mg.sweepTier(ctx, TierHot, mg.cfg.HotMaxAge, mg.cfg.HotMaxBytes)
	if err != nil {
		return demoted, err
	}
	demoted += n

	n, err = mg.sweepTier(ctx, TierWarm, mg.cfg.WarmMaxAge, mg.cfg.WarmMaxBytes)
	if err != nil {
		return demoted, err
	}
	demoted += n

	return demoted, nil
}

func (mg *Migrator) sweepTier(ctx context.Context, tier Tier, maxAge time.Duration, maxBytes int64) (int, error) {
	target := colder(tier)
	if target == "" {
		return 0, nil
	}

	demoted := 0
	now := mg.nowFunc()

	// Age rule: everything untouched past the horizon demotes,
	// oldest-access-first.
	if maxAge > 0 {
		stale, err := mg.staleKeys(ctx, tier, now.Add(-maxAge))
		if err != nil {
			return demoted, err
		}
		for _, key := range stale {
			if err := ctx.Err(); err != nil {
				return demoted, cacheterr.Wrap(err, cacheterr.CodeStorageMigrateFailure, "sweep cancelled")
			}
			if err := mg.manager.Migrate(ctx, key, target); err != nil {
				// A concurrent delete or promote is not a sweep failure.
				if cacheterr.IsNotFound(err) {
					continue
				}
				return demoted, err
			}
			demoted++
		}
	}

	// Size rule: while the tier exceeds its byte budget, demote the
	// oldest-accessed records.
	if maxBytes > 0 {
		for {
			sizes, err := mg.manager.TierSizes(ctx)
			if err != nil {
				return demoted, err
			}
			if sizes[tier] <= maxBytes {
				break
			}

			key, found, err := mg.oldestKey(ctx, tier)
			if err != nil {
				return demoted, err
			}
			if !found {
				break
			}

			if err := mg.manager.Migrate(ctx, key, target); err != nil {
				if cacheterr.IsNotFound(err) {
					continue
				}
				return demoted, err
			}
			demoted++
		}
	}

	return demoted, nil
}

func (mg *Migrator) staleKeys(ctx context.Context, tier Tier, cutoff time.Time) ([]string, error) {
	const q = `SELECT key FROM storage_index WHERE tier = ? AND last_accessed_at < ? ORDER BY last_accessed_at ASC`

	rows, err := mg.manager.db.QueryContext(ctx, q, string(tier), cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "listing stale records")
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "scanning stale record")
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "iterating stale records")
	}

	return keys, nil
}

func (mg *Migrator) oldestKey(ctx context.Context, tier Tier) (string, bool, error) {
	const q = `SELECT key FROM storage_index WHERE tier = ? ORDER BY last_accessed_at ASC LIMIT 1`

	var key string
	err := mg.manager.db.QueryRowContext(ctx, q, string(tier)).Scan(&key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, cacheterr.Wrap(err, cacheterr.CodeStorageIndexFailure, "finding oldest record")
	}

	return key, true, nil
}
