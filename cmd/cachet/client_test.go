// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore stands in for a running store. Each handler is keyed by
// "METHOD path".
func fakeStore(t *testing.T, handlers map[string]http.HandlerFunc) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := handlers[r.Method+" "+r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	old := defaultHTTPClient
	defaultHTTPClient = srv.Client()
	t.Cleanup(func() { defaultHTTPClient = old })

	return srv.URL[len("http://"):]
}

func writeJSON(t *testing.T, w http.ResponseWriter, body any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(body))
}

func TestStatusCommand_HealthyStore(t *testing.T) {
	addr := fakeStore(t, map[string]http.HandlerFunc{
		"GET /api/v1/health": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(t, w, map[string]any{
				"status":         "ok",
				"documents":      3,
				"partitions":     2,
				"tier_bytes":     map[string]int64{"hot": 1024, "warm": 0, "cold": 0},
				"cache_hit_rate": 0.5,
				"audit_chain_ok": true,
			})
		},
	})

	root, buf := newTestRoot(t)
	root.SetArgs([]string{"status", "--address", addr})

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "ok")
	assert.Contains(t, buf.String(), "3 in 2 partitions")
	assert.Contains(t, buf.String(), "intact")
}

func TestStatusCommand_StoreDown(t *testing.T) {
	// Use an address that will refuse connections.
	root, buf := newTestRoot(t)
	root.SetArgs([]string{"status", "--address", "127.0.0.1:1"})

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "not running")
}

func TestPutCommand_SendsDocument(t *testing.T) {
	var got struct {
		ID        string            `json:"id"`
		Content   string            `json:"content"`
		DomainTag string            `json:"domain_tag"`
		Metadata  map[string]string `json:"metadata"`
	}
	var gotAuth string

	addr := fakeStore(t, map[string]http.HandlerFunc{
		"POST /api/v1/documents": func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			writeJSON(t, w, map[string]any{"id": got.ID, "partition": "notes:2026-08", "chunks": 1})
		},
	})

	root, buf := newTestRoot(t)
	root.SetIn(strings.NewReader("meeting notes for q3 planning"))
	root.SetArgs([]string{"put", "doc-1", "--address", addr, "--token", "secret",
		"--domain", "notes", "--meta", "team=infra"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "doc-1", got.ID)
	assert.Equal(t, "meeting notes for q3 planning", got.Content)
	assert.Equal(t, "notes", got.DomainTag)
	assert.Equal(t, map[string]string{"team": "infra"}, got.Metadata)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Contains(t, buf.String(), "notes:2026-08")
}

func TestGetCommand_PrintsContent(t *testing.T) {
	addr := fakeStore(t, map[string]http.HandlerFunc{
		"GET /api/v1/documents/doc-1": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(t, w, map[string]any{
				"id": "doc-1", "content": "hello world", "source": "cache",
			})
		},
	})

	root, buf := newTestRoot(t)
	root.SetArgs([]string{"get", "doc-1", "--address", addr})

	require.NoError(t, root.Execute())
	assert.Equal(t, "hello world", buf.String())
}

func TestGetCommand_NotFound(t *testing.T) {
	addr := fakeStore(t, map[string]http.HandlerFunc{})

	root, _ := newTestRoot(t)
	root.SetArgs([]string{"get", "missing", "--address", addr})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestDeleteCommand_SecureFlag(t *testing.T) {
	var gotSecure string
	addr := fakeStore(t, map[string]http.HandlerFunc{
		"DELETE /api/v1/documents/doc-1": func(w http.ResponseWriter, r *http.Request) {
			gotSecure = r.URL.Query().Get("secure")
			writeJSON(t, w, map[string]any{
				"id": "doc-1", "secure": true,
				"cache":     map[string]any{"ok": true},
				"storage":   map[string]any{"ok": true},
				"index":     map[string]any{"ok": true},
				"partition": map[string]any{"ok": true},
			})
		},
	})

	root, buf := newTestRoot(t)
	root.SetArgs([]string{"delete", "doc-1", "--secure", "--address", addr})

	require.NoError(t, root.Execute())
	assert.Equal(t, "true", gotSecure)
	assert.Contains(t, buf.String(), "securely deleted")
	assert.NotContains(t, buf.String(), "FAILED")
}

func TestDeleteCommand_ReportsPartialFailure(t *testing.T) {
	addr := fakeStore(t, map[string]http.HandlerFunc{
		"DELETE /api/v1/documents/doc-1": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(t, w, map[string]any{
				"id":        "doc-1",
				"cache":     map[string]any{"ok": true},
				"storage":   map[string]any{"ok": true},
				"index":     map[string]any{"ok": false, "error": "index unreachable"},
				"partition": map[string]any{"ok": true},
			})
		},
	})

	root, buf := newTestRoot(t)
	root.SetArgs([]string{"delete", "doc-1", "--address", addr})

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "index: FAILED")
	assert.Contains(t, buf.String(), "index unreachable")
}

func TestRetrieveCommand_PrintsChunks(t *testing.T) {
	var got struct {
		Query       string `json:"query"`
		TokenBudget int    `json:"token_budget"`
	}
	addr := fakeStore(t, map[string]http.HandlerFunc{
		"POST /api/v1/retrieve": func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			writeJSON(t, w, map[string]any{
				"chunks": []map[string]any{
					{"doc_id": "doc-1", "text": "q3 planning notes", "tokens": 4, "score": 0.12},
				},
				"tokens_used": 4,
			})
		},
	})

	root, buf := newTestRoot(t)
	root.SetArgs([]string{"retrieve", "q3", "planning", "--budget", "100", "--address", addr})

	require.NoError(t, root.Execute())
	assert.Equal(t, "q3 planning", got.Query)
	assert.Equal(t, 100, got.TokenBudget)
	assert.Contains(t, buf.String(), "q3 planning notes")
	assert.Contains(t, buf.String(), "4/100 tokens used")
}

func TestRetrieveCommand_EmptyResult(t *testing.T) {
	addr := fakeStore(t, map[string]http.HandlerFunc{
		"POST /api/v1/retrieve": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(t, w, map[string]any{"chunks": []any{}, "reason": "no_candidates"})
		},
	})

	root, buf := newTestRoot(t)
	root.SetArgs([]string{"retrieve", "anything", "--address", addr})

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "no_candidates")
}

func TestScanCommand_WaitsForCompletion(t *testing.T) {
	polls := 0
	addr := fakeStore(t, map[string]http.HandlerFunc{
		"POST /api/v1/scans": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(t, w, map[string]any{"job_id": "job-1"})
		},
		"GET /api/v1/scans/job-1": func(w http.ResponseWriter, _ *http.Request) {
			polls++
			writeJSON(t, w, map[string]any{
				"scanned": 2, "total": 2, "findings": 1, "done": polls > 1,
				"documents": []map[string]any{
					{"doc_id": "doc-1", "findings": 1, "rules": []string{"credit_card"}},
				},
			})
		},
	})

	old := scanPollInterval
	scanPollInterval = time.Millisecond
	defer func() { scanPollInterval = old }()

	root, buf := newTestRoot(t)
	root.SetArgs([]string{"scan", "--wait", "--address", addr})

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "Scan started: job-1")
	assert.Contains(t, buf.String(), "1 findings")
	assert.Contains(t, buf.String(), "credit_card")
	assert.GreaterOrEqual(t, polls, 2)
}

func TestAuditVerifyCommand(t *testing.T) {
	addr := fakeStore(t, map[string]http.HandlerFunc{
		"GET /api/v1/audit/verify": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(t, w, map[string]any{"ok": true, "checked": 42})
		},
	})

	root, buf := newTestRoot(t)
	root.SetArgs([]string{"audit", "verify", "--address", addr})

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "intact")
	assert.Contains(t, buf.String(), "42")
}

func TestAuditVerifyCommand_BrokenChain(t *testing.T) {
	addr := fakeStore(t, map[string]http.HandlerFunc{
		"GET /api/v1/audit/verify": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(t, w, map[string]any{"ok": false, "checked": 10, "broken_at": 7})
		},
	})

	root, buf := newTestRoot(t)
	root.SetArgs([]string{"audit", "verify", "--address", addr})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, buf.String(), "BROKEN at sequence 7")
}
