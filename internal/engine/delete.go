// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package engine

import (
	"context"
	"fmt"

	"github.com/cachet-dev/cachet/internal/access"
	"github.com/cachet-dev/cachet/internal/audit"
	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

// StepResult captures one deletion target's outcome.
type StepResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// DeleteReport itemizes what a delete touched. A document only counts
// as fully deleted when every step succeeded; anything less is audited
// as partial and surfaced as an error so the caller can retry.
type DeleteReport struct {
	ID        string     `json:"id"`
	Secure    bool       `json:"secure"`
	Cache     StepResult `json:"cache"`
	Storage   StepResult `json:"storage"`
	Index     StepResult `json:"index"`
	Partition StepResult `json:"partition"`
}

// Complete reports whether all steps succeeded.
func (r DeleteReport) Complete() bool {
	return r.Cache.OK && r.Storage.OK && r.Index.OK && r.Partition.OK
}

// Delete removes a document from every subsystem.
func (e *Engine) Delete(ctx context.Context, principal, id string) (DeleteReport, error) {
	return e.delete(ctx, principal, id, false)
}

// SecureDelete removes a document and overwrites its blob bytes before
// unlinking, for data whose removal must survive disk forensics.
func (e *Engine) SecureDelete(ctx context.Context, principal, id string) (DeleteReport, error) {
	return e.delete(ctx, principal, id, true)
}

func (e *Engine) delete(ctx context.Context, principal, id string, secure bool) (DeleteReport, error) {
	action := "delete"
	if secure {
		action = "secure_delete"
	}

	if err := e.authorize(ctx, principal, access.ActionDelete, docResource(id)); err != nil {
		e.record(ctx, principal, action, docResource(id), audit.OutcomeDenied, "")
		return DeleteReport{}, err
	}

	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := e.readRecord(ctx, id)
	if err != nil {
		e.record(ctx, principal, action, docResource(id), audit.OutcomeError, cacheterr.CodeOf(err).String())
		return DeleteReport{}, err
	}

	keys := make([]string, 0, rec.ChunkCount+1)
	for seq := 0; seq < rec.ChunkCount; seq++ {
		keys = append(keys, chunkKey(id, seq))
	}
	keys = append(keys, docKey(id))

	report := DeleteReport{ID: id, Secure: secure}

	report.Cache = e.deleteFromCache(ctx, keys)
	report.Storage = e.deleteFromStorage(ctx, keys, secure)
	report.Index = e.deleteFromIndex(ctx, keys[:len(keys)-1])
	report.Partition = e.unregisterPartition(ctx, rec.Partition)

	outcome := audit.OutcomeOK
	if !report.Complete() {
		outcome = audit.OutcomePartial
	}
	e.record(ctx, principal, action, docResource(id), outcome,
		fmt.Sprintf("cache=%t storage=%t index=%t partition=%t",
			report.Cache.OK, report.Storage.OK, report.Index.OK, report.Partition.OK))

	if !report.Complete() {
		return report, cacheterr.Errorf(cacheterr.CodeStoreDeletePartialFailure,
			"delete of %q left residue (cache=%t storage=%t index=%t partition=%t)",
			id, report.Cache.OK, report.Storage.OK, report.Index.OK, report.Partition.OK)
	}
	return report, nil
}

func (e *Engine) deleteFromCache(ctx context.Context, keys []string) StepResult {
	for _, key := range keys {
		if err := e.deps.Cache.Invalidate(ctx, key); err != nil {
			return StepResult{Error: err.Error()}
		}
	}
	return StepResult{OK: true}
}

func (e *Engine) deleteFromStorage(ctx context.Context, keys []string, secure bool) StepResult {
	for _, key := range keys {
		var err error
		if secure {
			err = e.deps.Storage.Shred(ctx, key)
		} else {
			err = e.deps.Storage.Remove(ctx, key)
		}
		if err != nil && !cacheterr.IsNotFound(err) {
			return StepResult{Error: err.Error()}
		}
	}
	return StepResult{OK: true}
}

func (e *Engine) deleteFromIndex(ctx context.Context, chunkKeys []string) StepResult {
	if err := e.deps.Index.Delete(ctx, chunkKeys); err != nil {
		return StepResult{Error: err.Error()}
	}
	return StepResult{OK: true}
}

func (e *Engine) unregisterPartition(ctx context.Context, partitionID string) StepResult {
	if err := e.deps.Partitions.Unregister(ctx, partitionID); err != nil {
		return StepResult{Error: err.Error()}
	}
	return StepResult{OK: true}
}
