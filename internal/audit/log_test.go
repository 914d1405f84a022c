// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package audit_test

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachet-dev/cachet/internal/audit"
)

func testLog(t *testing.T) (*audit.Log, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	l, err := audit.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, dbPath
}

func appendN(t *testing.T, l *audit.Log, n int) []string {
	t.Helper()
	hashes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		hash, err := l.Append(context.Background(), audit.Entry{
			Principal: "alice",
			Action:    "put",
			Resource:  "doc.d1",
			Outcome:   audit.OutcomeOK,
		})
		require.NoError(t, err)
		hashes = append(hashes, hash)
	}
	return hashes
}

func TestAppendChainsHashes(t *testing.T) {
	l, _ := testLog(t)
	ctx := context.Background()

	hashes := appendN(t, l, 3)

	entries, err := l.Query(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, audit.GenesisHash, entries[0].PriorHash)
	assert.Equal(t, hashes[0], entries[0].Hash)
	assert.Equal(t, hashes[0], entries[1].PriorHash)
	assert.Equal(t, hashes[1], entries[2].PriorHash)
}

func TestVerifyChainOK(t *testing.T) {
	l, _ := testLog(t)
	appendN(t, l, 5)

	result, err := l.VerifyChain(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.EqualValues(t, 5, result.Checked)
}

func TestVerifyChainEmptyLogIsOK(t *testing.T) {
	l, _ := testLog(t)

	result, err := l.VerifyChain(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.EqualValues(t, 0, result.Checked)
}

func TestVerifyChainDetectsFieldTampering(t *testing.T) {
	l, dbPath := testLog(t)
	appendN(t, l, 4)

	// Rewrite one historical field behind the log's back.
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	_, err = db.Exec(`UPDATE audit_chain SET principal = 'mallory' WHERE seq = 2`)
	require.NoError(t, err)

	result, err := l.VerifyChain(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.EqualValues(t, 2, result.BrokenAt)
}

func TestVerifyChainDetectsHashTampering(t *testing.T) {
	l, dbPath := testLog(t)
	appendN(t, l, 4)

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	_, err = db.Exec(`UPDATE audit_chain SET hash = replace(hash, substr(hash, 1, 1), 'f') WHERE seq = 3`)
	require.NoError(t, err)

	result, err := l.VerifyChain(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.EqualValues(t, 3, result.BrokenAt)
}

func TestChainResumesAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")

	l, err := audit.Open(dbPath)
	require.NoError(t, err)
	first := appendN(t, l, 2)
	require.NoError(t, l.Close())

	l2, err := audit.Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = l2.Close() }()

	appendN(t, l2, 1)

	entries, err := l2.Query(context.Background(), audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, first[1], entries[2].PriorHash)

	result, err := l2.VerifyChain(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, result.OK)
}

func TestQueryFilters(t *testing.T) {
	l, _ := testLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, audit.Entry{Principal: "alice", Action: "put", Resource: "doc.a", Outcome: audit.OutcomeOK})
	require.NoError(t, err)
	_, err = l.Append(ctx, audit.Entry{Principal: "bob", Action: "get", Resource: "doc.a", Outcome: audit.OutcomeDenied})
	require.NoError(t, err)
	_, err = l.Append(ctx, audit.Entry{Principal: "alice", Action: "delete", Resource: "doc.b", Outcome: audit.OutcomeOK})
	require.NoError(t, err)

	byPrincipal, err := l.Query(ctx, audit.Filter{Principal: "alice"})
	require.NoError(t, err)
	assert.Len(t, byPrincipal, 2)

	byOutcome, err := l.Query(ctx, audit.Filter{Outcome: audit.OutcomeDenied})
	require.NoError(t, err)
	require.Len(t, byOutcome, 1)
	assert.Equal(t, "bob", byOutcome[0].Principal)
}

func TestExportIsCanonicalJSONLines(t *testing.T) {
	l, _ := testLog(t)
	appendN(t, l, 3)

	var buf bytes.Buffer
	require.NoError(t, l.Export(context.Background(), &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	for _, line := range lines {
		assert.Contains(t, line, `"hash"`)
		assert.Contains(t, line, `"prior_hash"`)
	}
}

func TestComputeHashIsDeterministic(t *testing.T) {
	e := audit.Entry{
		ID:        "e1",
		Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Principal: "alice",
		Action:    "put",
		Resource:  "doc.d1",
		Outcome:   audit.OutcomeOK,
	}

	h1, err := audit.ComputeHash(e, audit.GenesisHash)
	require.NoError(t, err)
	h2, err := audit.ComputeHash(e, audit.GenesisHash)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	e.Detail = "changed"
	h3, err := audit.ComputeHash(e, audit.GenesisHash)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}
