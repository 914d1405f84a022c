// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cachet-dev/cachet/internal/access"
	"github.com/cachet-dev/cachet/internal/audit"
	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

// ScanStatus is a point-in-time view of a scan job.
type ScanStatus struct {
	ID        string       `json:"id"`
	Scanned   int64        `json:"scanned"`
	Total     int64        `json:"total"`
	Findings  int64        `json:"findings"`
	Done      bool         `json:"done"`
	Error     string       `json:"error,omitempty"`
	Documents []ScanResult `json:"documents,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

// ScanResult is one document's scan outcome. Only documents with
// findings are reported.
type ScanResult struct {
	DocID    string `json:"doc_id"`
	Findings int    `json:"findings"`
	Rules    string `json:"rules"`
}

// Finished jobs stay queryable for a while, then age out so a
// long-lived server never accumulates per-document results without
// bound.
const (
	scanRetention    = time.Hour
	scanHistoryLimit = 16
)

type scanJob struct {
	id        string
	startedAt time.Time

	scanned  atomic.Int64
	total    atomic.Int64
	findings atomic.Int64
	done     atomic.Bool

	mu         sync.Mutex
	results    []ScanResult
	err        error
	finishedAt time.Time
}

func (j *scanJob) status() ScanStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := ScanStatus{
		ID:        j.id,
		Scanned:   j.scanned.Load(),
		Total:     j.total.Load(),
		Findings:  j.findings.Load(),
		Done:      j.done.Load(),
		StartedAt: j.startedAt,
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	if s.Done {
		s.Documents = append(s.Documents, j.results...)
	}
	return s
}

// ScanForSensitiveData launches a background sweep of every stored
// document through the PII detector. It runs off the hot path: puts
// and gets are never blocked on a scan. Only one scan runs at a time.
func (e *Engine) ScanForSensitiveData(ctx context.Context, principal string) (string, error) {
	if err := e.authorize(ctx, principal, access.ActionScan, "store"); err != nil {
		e.record(ctx, principal, "scan", "store", audit.OutcomeDenied, "")
		return "", err
	}

	e.scanMu.Lock()
	for _, job := range e.scans {
		if !job.done.Load() {
			e.scanMu.Unlock()
			return "", cacheterr.Errorf(cacheterr.CodeScanJobConflict, "scan %s is already running", job.id)
		}
	}
	e.pruneScansLocked(e.clock().UTC())
	job := &scanJob{id: uuid.NewString(), startedAt: e.clock().UTC()}
	e.scans[job.id] = job
	e.scanMu.Unlock()

	// The job outlives the request; detach it from the caller's
	// deadline but keep its cancellation independent.
	go e.runScan(context.WithoutCancel(ctx), principal, job)

	return job.id, nil
}

// pruneScansLocked evicts finished jobs past the retention window, and
// the oldest finished jobs beyond the history cap. Caller holds scanMu.
func (e *Engine) pruneScansLocked(now time.Time) {
	type finished struct {
		id string
		at time.Time
	}
	var done []finished
	for id, job := range e.scans {
		if !job.done.Load() {
			continue
		}
		job.mu.Lock()
		at := job.finishedAt
		job.mu.Unlock()

		if now.Sub(at) > scanRetention {
			delete(e.scans, id)
			continue
		}
		done = append(done, finished{id: id, at: at})
	}

	if len(done) <= scanHistoryLimit {
		return
	}
	sort.Slice(done, func(i, k int) bool { return done[i].at.Before(done[k].at) })
	for _, f := range done[:len(done)-scanHistoryLimit] {
		delete(e.scans, f.id)
	}
}

// ScanStatus reports progress for a job ID.
func (e *Engine) ScanStatus(id string) (ScanStatus, error) {
	e.scanMu.Lock()
	job, ok := e.scans[id]
	e.scanMu.Unlock()
	if !ok {
		return ScanStatus{}, cacheterr.Errorf(cacheterr.CodeScanJobNotFound, "scan job %q not found", id)
	}
	return job.status(), nil
}

func (e *Engine) runScan(ctx context.Context, principal string, job *scanJob) {
	err := e.scan(ctx, job)

	job.mu.Lock()
	job.err = err
	job.finishedAt = e.clock().UTC()
	sort.Slice(job.results, func(i, k int) bool { return job.results[i].DocID < job.results[k].DocID })
	job.mu.Unlock()
	job.done.Store(true)

	outcome := audit.OutcomeOK
	detail := ""
	if err != nil {
		outcome = audit.OutcomeError
		detail = cacheterr.CodeOf(err).String()
	} else {
		detail = fmt.Sprintf("scanned=%d findings=%d", job.scanned.Load(), job.findings.Load())
	}
	e.record(ctx, principal, "scan", "store", outcome, detail)
}

func (e *Engine) scan(ctx context.Context, job *scanJob) error {
	keys, err := e.deps.Storage.Keys(ctx, docPrefix)
	if err != nil {
		return cacheterr.Wrap(err, cacheterr.CodeScanJobFailure, "listing documents")
	}
	job.total.Store(int64(len(keys)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ScanConcurrency)

	for _, key := range keys {
		docID := strings.TrimPrefix(key, docPrefix)
		g.Go(func() error {
			rec, err := e.readRecord(gctx, docID)
			if err != nil {
				if cacheterr.IsNotFound(err) {
					// Deleted mid-scan.
					job.scanned.Add(1)
					return nil
				}
				return cacheterr.Wrapf(err, cacheterr.CodeScanJobFailure, "reading document %q", docID)
			}

			result := e.deps.Detector.Detect(rec.Content)
			job.scanned.Add(1)

			if result.Sensitive {
				job.findings.Add(int64(len(result.Findings)))

				ruleSet := map[string]struct{}{}
				for _, f := range result.Findings {
					ruleSet[f.Rule] = struct{}{}
				}
				rules := make([]string, 0, len(ruleSet))
				for r := range ruleSet {
					rules = append(rules, r)
				}
				sort.Strings(rules)

				job.mu.Lock()
				job.results = append(job.results, ScanResult{
					DocID:    docID,
					Findings: len(result.Findings),
					Rules:    strings.Join(rules, ","),
				})
				job.mu.Unlock()
			}
			return nil
		})
	}

	return g.Wait()
}
