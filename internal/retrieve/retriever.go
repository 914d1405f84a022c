// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

// Package retrieve resolves similarity-search candidates into decrypted
// chunks under a token budget, filtering out anything the caller is not
// allowed to read.
package retrieve

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cachet-dev/cachet/internal/access"
	"github.com/cachet-dev/cachet/internal/cache"
	"github.com/cachet-dev/cachet/internal/crypto"
	"github.com/cachet-dev/cachet/internal/index"
	"github.com/cachet-dev/cachet/internal/storage"
	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

// Exclusion reasons.
const (
	ExcludeAccessDenied    = "access_denied"
	ExcludeDecryptFailed   = "decrypt_failed"
	ExcludeBudgetExhausted = "budget_exhausted"
	ExcludeNotFound        = "not_found"
)

// Result reasons when no chunks are included.
const (
	ReasonNoCandidates    = "no_candidates"
	ReasonAllExcluded     = "all_excluded"
	ReasonBudgetExhausted = "budget_exhausted"
)

// DefaultTopK bounds the candidate set when the query does not say.
const DefaultTopK = 16

// Searcher is the similarity index surface the retriever needs.
// *index.ReliableIndex satisfies it.
type Searcher interface {
	Query(ctx context.Context, vector []float32, k int) ([]index.Candidate, error)
	Degraded() bool
}

// TokenCounter measures text against the retrieval budget.
type TokenCounter interface {
	Count(text string) int
}

// LatencyRecorder is called once per query with every document that
// contributed an included chunk. The owner maps documents to their
// partitions and feeds the moving average.
type LatencyRecorder func(ctx context.Context, docIDs []string, elapsed time.Duration)

// Query is one retrieval request.
type Query struct {
	Text        string
	TokenBudget int
	Principal   string
	// TopK bounds the candidate set; 0 means DefaultTopK.
	TopK int
}

// ResolvedChunk is one decrypted chunk included in a result.
type ResolvedChunk struct {
	Key    string  `json:"key"`
	DocID  string  `json:"doc_id"`
	Text   string  `json:"text"`
	Tokens int     `json:"tokens"`
	Score  float64 `json:"score"`
	// Source is "cache" or "storage".
	Source string `json:"source"`
}

// Exclusion records a candidate that was dropped and why.
type Exclusion struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// Result is the outcome of a retrieval.
type Result struct {
	Chunks   []ResolvedChunk `json:"chunks"`
	Excluded []Exclusion     `json:"excluded,omitempty"`
	// Reason explains an empty Chunks slice; empty otherwise.
	Reason     string `json:"reason,omitempty"`
	Degraded   bool   `json:"degraded"`
	TokensUsed int    `json:"tokens_used"`
}

// Config tunes the retriever.
type Config struct {
	// CacheTTL applies to cache backfills of storage hits.
	CacheTTL time.Duration
}

// Retriever turns a text query into budget-packed, access-filtered
// chunks.
type Retriever struct {
	embedder   index.Embedder
	searcher   Searcher
	cache      *cache.Tiered
	storage    *storage.Manager
	cipher     *crypto.Cipher
	authorizer *access.Authorizer
	counter    TokenCounter
	record     LatencyRecorder
	cfg        Config
	logger     *slog.Logger
	nowFunc    func() time.Time
}

// New builds a retriever. record may be nil.
func New(
	embedder index.Embedder,
	searcher Searcher,
	tiered *cache.Tiered,
	store *storage.Manager,
	cipher *crypto.Cipher,
	authorizer *access.Authorizer,
	counter TokenCounter,
	record LatencyRecorder,
	cfg Config,
	logger *slog.Logger,
) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		embedder:   embedder,
		searcher:   searcher,
		cache:      tiered,
		storage:    store,
		cipher:     cipher,
		authorizer: authorizer,
		counter:    counter,
		record:     record,
		cfg:        cfg,
		logger:     logger.With("component", "retrieve"),
		nowFunc:    time.Now,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (r *Retriever) SetNowFunc(now func() time.Time) { r.nowFunc = now }

// Retrieve answers q. It never fails a whole query because individual
// candidates are denied, missing, or undecryptable; those become
// exclusions, and a failing cache is bypassed in favor of storage. It
// does fail on invalid input or a storage read error.
func (r *Retriever) Retrieve(ctx context.Context, q Query) (Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return Result{}, cacheterr.New(cacheterr.CodeRetrieveQueryInvalid, "retrieval query text is empty")
	}
	if q.TokenBudget <= 0 {
		return Result{}, cacheterr.Errorf(cacheterr.CodeRetrieveBudgetInvalid, "token budget must be positive, got %d", q.TokenBudget)
	}
	topK := q.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	start := r.nowFunc()

	candidates, degraded := r.search(ctx, q.Text, topK)
	if len(candidates) == 0 {
		return Result{Reason: ReasonNoCandidates, Degraded: degraded}, nil
	}

	result := Result{Degraded: degraded}
	budgetHit := false
	docSet := map[string]struct{}{}

	for _, cand := range candidates {
		if budgetHit {
			result.Excluded = append(result.Excluded, Exclusion{Key: cand.ID, Reason: ExcludeBudgetExhausted})
			continue
		}

		docID, seq, ok := parseChunkKey(cand.ID)
		if !ok {
			result.Excluded = append(result.Excluded, Exclusion{Key: cand.ID, Reason: ExcludeNotFound})
			continue
		}

		decision, err := r.authorizer.Authorize(ctx, q.Principal, access.ActionRead, "doc."+docID)
		if err != nil {
			return Result{}, err
		}
		if !decision.Allowed {
			result.Excluded = append(result.Excluded, Exclusion{Key: cand.ID, Reason: ExcludeAccessDenied})
			continue
		}

		ciphertext, source, err := r.resolve(ctx, cand.ID)
		if err != nil {
			if cacheterr.IsNotFound(err) {
				result.Excluded = append(result.Excluded, Exclusion{Key: cand.ID, Reason: ExcludeNotFound})
				continue
			}
			return Result{}, err
		}

		plaintext, err := r.cipher.Decrypt(ciphertext, fmt.Sprintf("chunk:%s:%d", docID, seq))
		if err != nil {
			r.logger.Warn("candidate failed decryption",
				"key", cand.ID,
				"error", err,
			)
			result.Excluded = append(result.Excluded, Exclusion{Key: cand.ID, Reason: ExcludeDecryptFailed})
			continue
		}

		text := string(plaintext)
		tokens := r.counter.Count(text)
		if result.TokensUsed+tokens > q.TokenBudget {
			// Stop before the first overflowing chunk; everything
			// from here on is a budget exclusion.
			budgetHit = true
			result.Excluded = append(result.Excluded, Exclusion{Key: cand.ID, Reason: ExcludeBudgetExhausted})
			continue
		}

		result.TokensUsed += tokens
		result.Chunks = append(result.Chunks, ResolvedChunk{
			Key:    cand.ID,
			DocID:  docID,
			Text:   text,
			Tokens: tokens,
			Score:  cand.Score,
			Source: source,
		})
		docSet[docID] = struct{}{}
	}

	if len(result.Chunks) == 0 {
		if budgetHit {
			result.Reason = ReasonBudgetExhausted
		} else {
			result.Reason = ReasonAllExcluded
		}
	}

	if r.record != nil && len(docSet) > 0 {
		docIDs := make([]string, 0, len(docSet))
		for id := range docSet {
			docIDs = append(docIDs, id)
		}
		r.record(ctx, docIDs, r.nowFunc().Sub(start))
	}

	return result, nil
}

// search embeds the query and asks the index. Any failure here degrades
// the query instead of failing it: retrieval without fresh candidates
// still returns a well-formed empty result.
func (r *Retriever) search(ctx context.Context, text string, topK int) ([]index.Candidate, bool) {
	if r.searcher.Degraded() {
		return nil, true
	}

	vector, err := r.embedder.Embed(ctx, text)
	if err != nil {
		r.logger.Warn("query embedding failed", "error", err)
		return nil, true
	}

	candidates, err := r.searcher.Query(ctx, vector, topK)
	if err != nil {
		r.logger.Warn("index query failed", "error", err)
		return nil, true
	}
	return candidates, false
}

// resolve fetches a chunk's ciphertext from cache, falling back to
// storage and backfilling the cache on a storage hit.
func (r *Retriever) resolve(ctx context.Context, key string) ([]byte, string, error) {
	ciphertext, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		// Storage stays authoritative when the cache misbehaves.
		r.logger.Warn("cache read failed, falling back to storage", "key", key, "error", err)
	} else if ok {
		return ciphertext, "cache", nil
	}

	ciphertext, err = r.storage.Read(ctx, key)
	if err != nil {
		return nil, "", err
	}

	if err := r.cache.Set(ctx, key, ciphertext, r.cfg.CacheTTL); err != nil {
		// A cold cache is a performance problem, not a correctness one.
		r.logger.Warn("cache backfill failed", "key", key, "error", err)
	}

	return ciphertext, "storage", nil
}

// parseChunkKey splits "chunk/<docID>/<seq>" into its parts.
func parseChunkKey(key string) (docID string, seq int, ok bool) {
	rest, found := strings.CutPrefix(key, "chunk/")
	if !found {
		return "", 0, false
	}
	i := strings.LastIndex(rest, "/")
	if i <= 0 || i == len(rest)-1 {
		return "", 0, false
	}
	docID = rest[:i]
	for _, c := range rest[i+1:] {
		if c < '0' || c > '9' {
			return "", 0, false
		}
		seq = seq*10 + int(c-'0')
	}
	return docID, seq, true
}
