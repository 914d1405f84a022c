// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

// Package index holds the store's external collaborators for semantic
// retrieval: the embedding model and the nearest-neighbor index. The
// store owns none of their internals and talks to them only through
// the narrow interfaces here.
package index

import "context"

// Embedder converts text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the vector dimensionality the embedder
	// produces.
	Dimensions() int
}

// Candidate is one nearest-neighbor result. Score is a distance:
// lower means more similar.
type Candidate struct {
	ID    string
	Score float64
}

// Index is the nearest-neighbor vector index.
type Index interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]any) error
	Query(ctx context.Context, vector []float32, k int) ([]Candidate, error)
	Delete(ctx context.Context, ids []string) error
	Clear(ctx context.Context) error
	Close() error
}
