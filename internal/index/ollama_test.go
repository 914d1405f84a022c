// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package index_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachet-dev/cachet/internal/index"
)

func TestOllamaEmbedderEmbed(t *testing.T) {
	var gotModel, gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/embeddings", r.URL.Path)

		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel, gotPrompt = req.Model, req.Prompt

		_ = json.NewEncoder(w).Encode(map[string]any{
			"embedding": []float32{0.1, 0.2, 0.3},
		})
	}))
	defer srv.Close()

	e := index.NewOllamaEmbedder(index.OllamaEmbedderConfig{
		Endpoint:   srv.URL,
		Model:      "nomic-embed-text",
		Dimensions: 3,
	})

	vec, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "nomic-embed-text", gotModel)
	assert.Equal(t, "hello world", gotPrompt)
	assert.Equal(t, 3, e.Dimensions())
}

func TestOllamaEmbedderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	e := index.NewOllamaEmbedder(index.OllamaEmbedderConfig{Endpoint: srv.URL})

	_, err := e.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestOllamaEmbedderEmptyEmbedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{}})
	}))
	defer srv.Close()

	e := index.NewOllamaEmbedder(index.OllamaEmbedderConfig{Endpoint: srv.URL})

	_, err := e.Embed(context.Background(), "hello")
	assert.Error(t, err)
}

func TestOllamaEmbedderDefaults(t *testing.T) {
	e := index.NewOllamaEmbedder(index.OllamaEmbedderConfig{})
	assert.Equal(t, index.DefaultOllamaDimensions, e.Dimensions())
}
