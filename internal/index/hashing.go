// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package index

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

var _ Embedder = (*HashingEmbedder)(nil)

// HashingEmbedder maps text to a fixed-size vector by hashing token
// features into buckets. It needs no network or model and is fully
// deterministic, which makes it the default embedder: similarity is
// crude (shared-token overlap) but retrieval stays functional offline.
type HashingEmbedder struct {
	dimensions int
}

// NewHashingEmbedder returns a hashing embedder producing vectors of
// the given dimensionality.
func NewHashingEmbedder(dimensions int) *HashingEmbedder {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &HashingEmbedder{dimensions: dimensions}
}

// Embed hashes each token (and its bigram with the previous token)
// into a bucket, then normalizes the vector to unit length.
func (h *HashingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dimensions)

	tokens := tokenize(text)
	prev := ""
	for _, tok := range tokens {
		h.bump(vec, tok)
		if prev != "" {
			h.bump(vec, prev+" "+tok)
		}
		prev = tok
	}

	// Normalize so distances are comparable across texts of
	// different lengths.
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}

	return vec, nil
}

// Dimensions reports the vector size this embedder produces.
func (h *HashingEmbedder) Dimensions() int {
	return h.dimensions
}

func (h *HashingEmbedder) bump(vec []float32, feature string) {
	hash := fnv.New64a()
	_, _ = hash.Write([]byte(feature))
	sum := hash.Sum64()

	bucket := int(sum % uint64(h.dimensions))
	// Sign bit from a hash bit the bucket does not use, so collisions
	// partially cancel instead of always accumulating.
	if sum&(1<<63) != 0 {
		vec[bucket]--
	} else {
		vec[bucket]++
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
