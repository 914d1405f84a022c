// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

// Package engine composes the secure context store: encrypted tiered
// persistence, caching, access control, PII handling, similarity
// indexing, and the audit trail behind one orchestrating type.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cachet-dev/cachet/internal/access"
	"github.com/cachet-dev/cachet/internal/audit"
	"github.com/cachet-dev/cachet/internal/cache"
	"github.com/cachet-dev/cachet/internal/chunk"
	"github.com/cachet-dev/cachet/internal/crypto"
	"github.com/cachet-dev/cachet/internal/index"
	"github.com/cachet-dev/cachet/internal/partition"
	"github.com/cachet-dev/cachet/internal/pii"
	"github.com/cachet-dev/cachet/internal/retrieve"
	"github.com/cachet-dev/cachet/internal/storage"
	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
	"github.com/cachet-dev/cachet/pkg/health"
)

// Config carries the engine's behavioral settings.
type Config struct {
	// PIIMode decides what happens when a put carries sensitive data.
	PIIMode pii.Mode
	// CacheTTL bounds how long warm-filled entries live in the cache.
	CacheTTL time.Duration
	// TopK is the default candidate set size for retrieval.
	TopK int
	// ScanConcurrency bounds parallel document scans. Defaults to 4.
	ScanConcurrency int
}

// Deps are the engine's collaborators. All are required except Clock
// and Logger.
type Deps struct {
	Cipher     *crypto.Cipher
	Detector   *pii.Detector
	Authorizer *access.Authorizer
	Audit      *audit.Log
	Cache      *cache.Tiered
	Storage    *storage.Manager
	Partitions *partition.Manager
	Splitter   *chunk.Splitter
	Embedder   index.Embedder
	Index      *index.ReliableIndex
	Counter    retrieve.TokenCounter
	Clock      func() time.Time
	Logger     *slog.Logger
}

// Engine is the store. All public methods are safe for concurrent use;
// operations on the same document ID are serialized.
type Engine struct {
	cfg  Config
	deps Deps

	retriever *retrieve.Retriever
	locks     [64]sync.Mutex

	scanMu sync.Mutex
	scans  map[string]*scanJob

	logger *slog.Logger
	clock  func() time.Time
}

// New wires an engine and runs its startup self-check: an encryption
// round-trip and a full audit chain verification. A store that cannot
// prove either refuses to start.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if !cfg.PIIMode.Valid() {
		cfg.PIIMode = pii.ModeRedact
	}
	if cfg.TopK <= 0 {
		cfg.TopK = retrieve.DefaultTopK
	}
	if cfg.ScanConcurrency <= 0 {
		cfg.ScanConcurrency = 4
	}

	e := &Engine{
		cfg:    cfg,
		deps:   deps,
		scans:  map[string]*scanJob{},
		logger: deps.Logger.With("component", "engine"),
		clock:  deps.Clock,
	}

	e.retriever = retrieve.New(
		deps.Embedder,
		deps.Index,
		deps.Cache,
		deps.Storage,
		deps.Cipher,
		deps.Authorizer,
		deps.Counter,
		e.recordQueryLatency,
		retrieve.Config{CacheTTL: cfg.CacheTTL},
		deps.Logger,
	)

	if err := e.selfCheck(context.Background()); err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Engine) selfCheck(ctx context.Context) error {
	probe := make([]byte, 32)
	if _, err := rand.Read(probe); err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeStoreStartupFailure, "generating self-check probe")
	}

	sealed, err := e.deps.Cipher.Encrypt(probe, "selfcheck")
	if err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeStoreStartupFailure, "self-check encryption")
	}
	opened, err := e.deps.Cipher.Decrypt(sealed, "selfcheck")
	if err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeStoreStartupFailure, "self-check decryption")
	}
	if hex.EncodeToString(opened) != hex.EncodeToString(probe) {
		return cacheterr.New(cacheterr.CodeStoreStartupFailure, "self-check round-trip mismatch")
	}

	verdict, err := e.deps.Audit.VerifyChain(ctx, 0)
	if err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeStoreStartupFailure, "verifying audit chain")
	}
	if !verdict.OK {
		return cacheterr.New(cacheterr.CodeStoreStartupFailure,
			"audit chain verification failed",
			cacheterr.Field("broken_at", verdict.BrokenAt),
		)
	}

	return nil
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &e.locks[h.Sum32()%uint32(len(e.locks))]
}

// record appends an audit entry; audit failures are logged, never
// swallowed silently, and never fail the calling operation except
// where the authorizer's own fail-closed path applies.
func (e *Engine) record(ctx context.Context, principal, action, resource, outcome, detail string) {
	_, err := e.deps.Audit.Append(ctx, audit.Entry{
		Principal: principal,
		Action:    action,
		Resource:  resource,
		Outcome:   outcome,
		Detail:    detail,
	})
	if err != nil {
		e.logger.Error("audit append failed",
			"action", action,
			"resource", resource,
			"error", err,
		)
	}
}

// authorize runs the access check and converts denials into errors.
func (e *Engine) authorize(ctx context.Context, principal string, action access.Action, resource string) error {
	decision, err := e.deps.Authorizer.Authorize(ctx, principal, action, resource)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return access.DeniedError(principal, action, resource, decision)
	}
	return nil
}

// recordQueryLatency feeds per-partition response-time averages after a
// retrieval. Mapping documents to partitions needs the doc record, so
// failures here only cost telemetry.
func (e *Engine) recordQueryLatency(ctx context.Context, docIDs []string, elapsed time.Duration) {
	seen := map[string]struct{}{}
	for _, docID := range docIDs {
		rec, err := e.readRecord(ctx, docID)
		if err != nil {
			continue
		}
		if _, dup := seen[rec.Partition]; dup {
			continue
		}
		seen[rec.Partition] = struct{}{}
		if err := e.deps.Partitions.RecordQuery(ctx, rec.Partition, elapsed); err != nil {
			e.logger.Warn("partition latency recording failed",
				"partition", rec.Partition,
				"error", err,
			)
		}
	}
}

// VerifyAudit checks the full audit chain.
func (e *Engine) VerifyAudit(ctx context.Context) (audit.VerifyResult, error) {
	return e.deps.Audit.VerifyChain(ctx, 0)
}

// Audit exposes the audit log for read-side tooling (export, query).
func (e *Engine) Audit() *audit.Log {
	return e.deps.Audit
}

// Health reports the store-wide status snapshot.
func (e *Engine) Health(ctx context.Context) (health.Report, error) {
	report := health.Report{
		TierBytes:   map[string]int64{},
		GeneratedAt: e.clock().UTC(),
	}

	sizes, err := e.deps.Storage.TierSizes(ctx)
	if err != nil {
		return health.Report{}, err
	}
	for tier, bytes := range sizes {
		report.TierBytes[string(tier)] = bytes
	}

	report.Documents, err = e.deps.Storage.Count(ctx, docPrefix)
	if err != nil {
		return health.Report{}, err
	}

	report.Partitions, err = e.deps.Partitions.Count(ctx)
	if err != nil {
		return health.Report{}, err
	}

	report.L1, report.L2 = e.deps.Cache.Stats(ctx)
	report.CacheHitRate = e.deps.Cache.HitRate(ctx)

	verdict, err := e.deps.Audit.VerifyChain(ctx, 0)
	if err != nil {
		return health.Report{}, err
	}
	report.AuditChainOK = verdict.OK

	report.IndexDegraded = e.deps.Index.Degraded()
	report.Index = e.deps.Index.Health().Metrics()

	switch {
	case !report.AuditChainOK:
		report.Status = health.StatusFailing
	case report.IndexDegraded:
		report.Status = health.StatusDegraded
	default:
		report.Status = health.StatusOK
	}

	return report, nil
}

// Clear wipes every subsystem. Admin only.
func (e *Engine) Clear(ctx context.Context, principal string) error {
	if err := e.authorize(ctx, principal, access.ActionAdmin, "store"); err != nil {
		e.record(ctx, principal, "clear", "store", audit.OutcomeDenied, "")
		return err
	}

	var errs []error
	if err := e.deps.Cache.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.deps.Storage.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.deps.Partitions.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.deps.Index.Clear(ctx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		e.record(ctx, principal, "clear", "store", audit.OutcomeError, errs[0].Error())
		return cacheterr.Wrap(cacheterr.Join(errs...), cacheterr.CodeStoreClearFailure, "clearing store")
	}

	e.record(ctx, principal, "clear", "store", audit.OutcomeOK, "")
	return nil
}
