// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package access_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachet-dev/cachet/internal/access"
)

func TestMatchScope(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		resource string
		want     bool
	}{
		{"exact", "doc.d1", "doc.d1", true},
		{"exact mismatch", "doc.d1", "doc.d2", false},
		{"segment glob", "doc.*", "doc.d1", true},
		{"segment glob multi", "doc.*", "doc.d1.chunk.3", true},
		{"segment glob no segments", "doc.*", "doc", false},
		{"in-segment glob", "partition.sup*.2026-08", "partition.support.2026-08", true},
		{"in-segment glob mismatch", "partition.sup*.2026-08", "partition.billing.2026-08", false},
		{"star alone", "*", "doc.d1", true},
		{"prefix only", "doc", "doc.d1", false},
		{"empty pattern", "", "doc.d1", false},
		{"empty resource", "doc.*", "", false},
		{"leading dot", ".doc.d1", "doc.d1", false},
		{"double dot", "doc..d1", "doc..d1", false},
		{"middle glob", "partition.*.stats", "partition.support.2026-08.stats", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := access.MatchScope(tt.pattern, tt.resource)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchScopeSegmentLimit(t *testing.T) {
	long := "a"
	for i := 0; i < 40; i++ {
		long += ".a"
	}

	_, err := access.MatchScope(long, "doc.d1")
	require.Error(t, err)

	_, err = access.MatchScope("doc.*", long)
	require.Error(t, err)
}
