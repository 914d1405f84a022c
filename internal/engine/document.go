// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cachet-dev/cachet/internal/access"
	"github.com/cachet-dev/cachet/internal/audit"
	"github.com/cachet-dev/cachet/internal/pii"
	"github.com/cachet-dev/cachet/internal/retrieve"
	"github.com/cachet-dev/cachet/internal/storage"
	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

const docPrefix = "doc/"

// Document is the ingestion payload for a put.
type Document struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	DomainTag string            `json:"domain_tag"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Validate rejects documents that cannot be keyed or partitioned.
func (d Document) Validate() error {
	switch {
	case strings.TrimSpace(d.ID) == "":
		return cacheterr.New(cacheterr.CodeStorePutInvalidInput, "document id is empty")
	case strings.ContainsAny(d.ID, "/ \t\n"):
		return cacheterr.Errorf(cacheterr.CodeStorePutInvalidInput, "document id %q contains reserved characters", d.ID)
	case d.Content == "":
		return cacheterr.New(cacheterr.CodeStorePutInvalidInput, "document content is empty")
	case strings.TrimSpace(d.DomainTag) == "":
		return cacheterr.New(cacheterr.CodeStorePutInvalidInput, "document domain tag is empty")
	}
	return nil
}

// recordFinding is the persisted shape of a PII finding; offsets are
// dropped because redaction changes them.
type recordFinding struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
}

// docRecord is the plaintext of a stored document envelope.
type docRecord struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	DomainTag  string            `json:"domain_tag"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Partition  string            `json:"partition"`
	ChunkCount int               `json:"chunk_count"`
	Findings   []recordFinding   `json:"findings,omitempty"`
	Redacted   bool              `json:"redacted"`
	CreatedAt  time.Time         `json:"created_at"`
}

// PutResult summarizes an accepted put.
type PutResult struct {
	ID        string `json:"id"`
	Partition string `json:"partition"`
	Chunks    int    `json:"chunks"`
	Findings  int    `json:"findings"`
	Redacted  bool   `json:"redacted"`
}

// GetResult is a decrypted document read.
type GetResult struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	// Source is "cache" or "storage".
	Source   string `json:"source"`
	Redacted bool   `json:"redacted"`
}

func docKey(id string) string      { return docPrefix + id }
func docResource(id string) string { return "doc." + id }

func chunkKey(docID string, seq int) string {
	return fmt.Sprintf("chunk/%s/%d", docID, seq)
}

func chunkAAD(docID string, seq int) string {
	return fmt.Sprintf("chunk:%s:%d", docID, seq)
}

// Put ingests a document: access check, chunking, PII policy,
// encryption, tiered persistence, partition accounting, indexing, and
// a cache warm-fill, in that order. Any failure after the first
// storage write unwinds what was already persisted.
func (e *Engine) Put(ctx context.Context, principal string, doc Document) (PutResult, error) {
	if err := doc.Validate(); err != nil {
		return PutResult{}, err
	}

	if err := e.authorize(ctx, principal, access.ActionWrite, docResource(doc.ID)); err != nil {
		e.record(ctx, principal, "put", docResource(doc.ID), audit.OutcomeDenied, "")
		return PutResult{}, err
	}

	lock := e.lockFor(doc.ID)
	lock.Lock()
	defer lock.Unlock()

	res, err := e.put(ctx, principal, doc)
	if err != nil {
		e.record(ctx, principal, "put", docResource(doc.ID), audit.OutcomeError, cacheterr.CodeOf(err).String())
		return PutResult{}, err
	}

	e.record(ctx, principal, "put", docResource(doc.ID), audit.OutcomeOK,
		fmt.Sprintf("partition=%s chunks=%d findings=%d", res.Partition, res.Chunks, res.Findings))
	return res, nil
}

func (e *Engine) put(ctx context.Context, principal string, doc Document) (PutResult, error) {
	detection := e.deps.Detector.Detect(doc.Content)
	content, err := pii.Apply(e.cfg.PIIMode, detection)
	if err != nil {
		return PutResult{}, err
	}
	redacted := e.cfg.PIIMode == pii.ModeRedact && detection.Sensitive

	chunks, err := e.deps.Splitter.Split(doc.ID, content)
	if err != nil {
		return PutResult{}, err
	}

	// A re-put replaces the prior version wholesale. Snapshot it so a
	// failed replacement rolls back instead of destroying the document.
	snap, err := e.snapshotExisting(ctx, doc.ID)
	if err != nil {
		return PutResult{}, err
	}

	now := e.clock().UTC()
	partitionID, err := e.deps.Partitions.Assign(ctx, doc.DomainTag, now)
	if err != nil {
		return PutResult{}, err
	}

	rec := docRecord{
		ID:         doc.ID,
		Content:    content,
		DomainTag:  doc.DomainTag,
		Metadata:   doc.Metadata,
		Partition:  partitionID,
		ChunkCount: len(chunks),
		Redacted:   redacted,
		CreatedAt:  now,
	}
	for _, f := range detection.Findings {
		rec.Findings = append(rec.Findings, recordFinding{Rule: f.Rule, Severity: string(f.Severity)})
	}

	// Everything persisted so far gets rolled back if a later step
	// fails, so a failed put leaves no trace: a first put vanishes and
	// a re-put reverts to the snapshotted prior version.
	var writtenKeys []string
	var indexedIDs []string
	unwind := func() {
		for _, id := range indexedIDs {
			if err := e.deps.Index.Delete(ctx, []string{id}); err != nil {
				e.logger.Error("put unwind: index delete failed", "id", id, "error", err)
			}
		}
		for _, key := range writtenKeys {
			if err := e.deps.Storage.Remove(ctx, key); err != nil && !cacheterr.IsNotFound(err) {
				e.logger.Error("put unwind: storage remove failed", "key", key, "error", err)
			}
		}
		if err := e.deps.Partitions.Unregister(ctx, partitionID); err != nil {
			e.logger.Error("put unwind: partition unregister failed", "partition", partitionID, "error", err)
		}
		if snap != nil {
			e.restoreSnapshot(ctx, snap)
		}
	}

	// The prior version's chunks and vectors go away before the new
	// ones land, so no stale ciphertext or vector outlives a re-put.
	if snap != nil {
		if err := e.removePrior(ctx, doc.ID, snap.record); err != nil {
			unwind()
			return PutResult{}, err
		}
	}

	for _, c := range chunks {
		sealed, err := e.deps.Cipher.Encrypt([]byte(c.Text), chunkAAD(doc.ID, c.Seq))
		if err != nil {
			unwind()
			return PutResult{}, err
		}
		key := chunkKey(doc.ID, c.Seq)
		if err := e.deps.Storage.Write(ctx, key, sealed, storage.TierHot); err != nil {
			unwind()
			return PutResult{}, err
		}
		writtenKeys = append(writtenKeys, key)
	}

	plainRecord, err := json.Marshal(rec)
	if err != nil {
		unwind()
		return PutResult{}, cacheterr.Wrap(err, cacheterr.CodeStorageWriteFailure, "encoding document record")
	}
	sealedRecord, err := e.deps.Cipher.Encrypt(plainRecord, "doc:"+doc.ID)
	if err != nil {
		unwind()
		return PutResult{}, err
	}
	if err := e.deps.Storage.Write(ctx, docKey(doc.ID), sealedRecord, storage.TierHot); err != nil {
		unwind()
		return PutResult{}, err
	}
	writtenKeys = append(writtenKeys, docKey(doc.ID))

	for _, c := range chunks {
		vector, err := e.deps.Embedder.Embed(ctx, c.Text)
		if err != nil {
			unwind()
			return PutResult{}, err
		}
		id := chunkKey(doc.ID, c.Seq)
		err = e.deps.Index.Upsert(ctx, id, vector, map[string]any{
			"doc_id":    doc.ID,
			"partition": partitionID,
		})
		if err != nil {
			unwind()
			return PutResult{}, err
		}
		indexedIDs = append(indexedIDs, id)
	}

	if err := e.deps.Cache.Set(ctx, docKey(doc.ID), sealedRecord, e.cfg.CacheTTL); err != nil {
		e.logger.Warn("cache warm-fill failed", "key", docKey(doc.ID), "error", err)
	}

	// Release the prior version's partition registration; the new
	// Assign above already counted the replacement.
	if snap != nil {
		if err := e.deps.Partitions.Unregister(ctx, snap.record.Partition); err != nil {
			e.logger.Warn("re-put: releasing prior partition registration failed",
				"partition", snap.record.Partition, "error", err)
		}
	}

	return PutResult{
		ID:        doc.ID,
		Partition: partitionID,
		Chunks:    len(chunks),
		Findings:  len(detection.Findings),
		Redacted:  redacted,
	}, nil
}

// docSnapshot holds a document's sealed bytes at the start of a
// re-put, keyed by chunk sequence, for rollback.
type docSnapshot struct {
	record       docRecord
	sealedRecord []byte
	chunks       map[int][]byte
}

// snapshotExisting reads the current version of id from authoritative
// storage, or nil when the put is the first for this ID.
func (e *Engine) snapshotExisting(ctx context.Context, id string) (*docSnapshot, error) {
	sealed, err := e.deps.Storage.Read(ctx, docKey(id))
	if err != nil {
		if cacheterr.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	plain, err := e.deps.Cipher.Decrypt(sealed, "doc:"+id)
	if err != nil {
		return nil, err
	}
	var rec docRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, cacheterr.Wrapf(err, cacheterr.CodeStorageReadNotFound, "decoding document record %q", id)
	}

	snap := &docSnapshot{record: rec, sealedRecord: sealed, chunks: make(map[int][]byte, rec.ChunkCount)}
	for seq := 0; seq < rec.ChunkCount; seq++ {
		b, err := e.deps.Storage.Read(ctx, chunkKey(id, seq))
		if err != nil {
			if cacheterr.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		snap.chunks[seq] = b
	}
	return snap, nil
}

// removePrior drops a replaced version's chunks, vectors, and cache
// entries. The document record itself is overwritten by the new write.
func (e *Engine) removePrior(ctx context.Context, id string, prev docRecord) error {
	keys := make([]string, 0, prev.ChunkCount)
	for seq := 0; seq < prev.ChunkCount; seq++ {
		keys = append(keys, chunkKey(id, seq))
	}

	if err := e.deps.Index.Delete(ctx, keys); err != nil {
		return err
	}
	for _, key := range append(keys, docKey(id)) {
		if err := e.deps.Cache.Invalidate(ctx, key); err != nil {
			e.logger.Warn("re-put: cache invalidation failed", "key", key, "error", err)
		}
	}
	for _, key := range keys {
		if err := e.deps.Storage.Remove(ctx, key); err != nil && !cacheterr.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// restoreSnapshot writes a replaced version's sealed bytes back and
// rebuilds its vectors after a failed re-put. The put has already
// failed, so restore errors are logged rather than returned.
func (e *Engine) restoreSnapshot(ctx context.Context, snap *docSnapshot) {
	id := snap.record.ID
	if err := e.deps.Storage.Write(ctx, docKey(id), snap.sealedRecord, storage.TierHot); err != nil {
		e.logger.Error("re-put rollback: restoring document record failed", "id", id, "error", err)
	}

	for seq, sealed := range snap.chunks {
		key := chunkKey(id, seq)
		if err := e.deps.Storage.Write(ctx, key, sealed, storage.TierHot); err != nil {
			e.logger.Error("re-put rollback: restoring chunk failed", "key", key, "error", err)
			continue
		}

		plain, err := e.deps.Cipher.Decrypt(sealed, chunkAAD(id, seq))
		if err != nil {
			e.logger.Error("re-put rollback: decrypting chunk failed", "key", key, "error", err)
			continue
		}
		vector, err := e.deps.Embedder.Embed(ctx, string(plain))
		if err != nil {
			e.logger.Error("re-put rollback: embedding chunk failed", "key", key, "error", err)
			continue
		}
		err = e.deps.Index.Upsert(ctx, key, vector, map[string]any{
			"doc_id":    id,
			"partition": snap.record.Partition,
		})
		if err != nil {
			e.logger.Error("re-put rollback: reindexing chunk failed", "key", key, "error", err)
		}
	}
}

// Get reads one document by ID, serving from cache before storage and
// backfilling the cache on a storage hit.
func (e *Engine) Get(ctx context.Context, principal, id string) (GetResult, error) {
	if strings.TrimSpace(id) == "" {
		return GetResult{}, cacheterr.New(cacheterr.CodeStoreGetNotFound, "document id is empty")
	}

	if err := e.authorize(ctx, principal, access.ActionRead, docResource(id)); err != nil {
		e.record(ctx, principal, "get", docResource(id), audit.OutcomeDenied, "")
		return GetResult{}, err
	}

	rec, source, err := e.readRecordSourced(ctx, id)
	if err != nil {
		e.record(ctx, principal, "get", docResource(id), audit.OutcomeError, cacheterr.CodeOf(err).String())
		return GetResult{}, err
	}

	content := rec.Content
	redacted := rec.Redacted
	// A document stored under flag mode gets redacted at read time if
	// the policy has since tightened.
	if !rec.Redacted && len(rec.Findings) > 0 && e.cfg.PIIMode == pii.ModeRedact {
		res := e.deps.Detector.Detect(content)
		if res.Sensitive {
			content = pii.Redact(res.Content, res.Findings)
			redacted = true
		}
	}

	e.record(ctx, principal, "get", docResource(id), audit.OutcomeOK, "source="+source)
	return GetResult{
		ID:       rec.ID,
		Content:  content,
		Metadata: rec.Metadata,
		Source:   source,
		Redacted: redacted,
	}, nil
}

// Retrieve answers a similarity query under a token budget.
func (e *Engine) Retrieve(ctx context.Context, principal, query string, budget int) (retrieve.Result, error) {
	res, err := e.retriever.Retrieve(ctx, retrieve.Query{
		Text:        query,
		TokenBudget: budget,
		Principal:   principal,
		TopK:        e.cfg.TopK,
	})
	if err != nil {
		e.record(ctx, principal, "retrieve", "query", audit.OutcomeError, cacheterr.CodeOf(err).String())
		return retrieve.Result{}, err
	}

	e.record(ctx, principal, "retrieve", "query", audit.OutcomeOK,
		fmt.Sprintf("chunks=%d excluded=%d tokens=%d degraded=%t",
			len(res.Chunks), len(res.Excluded), res.TokensUsed, res.Degraded))
	return res, nil
}

// readRecordSourced resolves and decrypts a document record,
// reporting where it was found.
func (e *Engine) readRecordSourced(ctx context.Context, id string) (docRecord, string, error) {
	key := docKey(id)

	sealed, ok, err := e.deps.Cache.Get(ctx, key)
	if err != nil {
		// Storage stays authoritative when the cache misbehaves.
		e.logger.Warn("cache read failed, falling back to storage", "key", key, "error", err)
		ok = false
	}
	source := "cache"

	if !ok {
		sealed, err = e.deps.Storage.Read(ctx, key)
		if err != nil {
			if cacheterr.IsNotFound(err) {
				return docRecord{}, "", cacheterr.Errorf(cacheterr.CodeStoreGetNotFound, "document %q not found", id)
			}
			return docRecord{}, "", err
		}
		source = "storage"
		if err := e.deps.Cache.Set(ctx, key, sealed, e.cfg.CacheTTL); err != nil {
			e.logger.Warn("cache backfill failed", "key", key, "error", err)
		}
	}

	plain, err := e.deps.Cipher.Decrypt(sealed, "doc:"+id)
	if err != nil {
		return docRecord{}, "", err
	}

	var rec docRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		return docRecord{}, "", cacheterr.Wrapf(err, cacheterr.CodeStorageReadNotFound, "decoding document record %q", id)
	}
	return rec, source, nil
}

func (e *Engine) readRecord(ctx context.Context, id string) (docRecord, error) {
	rec, _, err := e.readRecordSourced(ctx, id)
	return rec, err
}
