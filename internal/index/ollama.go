// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

var _ Embedder = (*OllamaEmbedder)(nil)

const (
	// DefaultOllamaEndpoint is the stock local Ollama server.
	DefaultOllamaEndpoint = "http://localhost:11434"
	// DefaultOllamaModel is a small general-purpose embedding model.
	DefaultOllamaModel = "nomic-embed-text"
	// DefaultOllamaDimensions matches nomic-embed-text output.
	DefaultOllamaDimensions = 768
)

// OllamaEmbedderConfig configures an Ollama-backed embedder.
type OllamaEmbedderConfig struct {
	// Endpoint is the Ollama server base URL. Defaults to
	// DefaultOllamaEndpoint.
	Endpoint string
	// Model selects the embedding model. Defaults to
	// DefaultOllamaModel.
	Model string
	// Dimensions declares the model's output size. Defaults to
	// DefaultOllamaDimensions.
	Dimensions int
	// Timeout bounds each request. Defaults to 30s.
	Timeout time.Duration
}

// OllamaEmbedder produces embeddings via a local Ollama server.
type OllamaEmbedder struct {
	endpoint   string
	model      string
	dimensions int
	client     *http.Client
}

// NewOllamaEmbedder builds an embedder from cfg.
func NewOllamaEmbedder(cfg OllamaEmbedderConfig) *OllamaEmbedder {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultOllamaEndpoint
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOllamaModel
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = DefaultOllamaDimensions
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &OllamaEmbedder{
		endpoint:   endpoint,
		model:      model,
		dimensions: dims,
		client:     &http.Client{Timeout: timeout},
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed requests an embedding for text from the Ollama server.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeIndexEmbedFailure, "marshalling embed request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeIndexEmbedFailure, "building embed request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeIndexEmbedFailure, "calling ollama")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, cacheterr.New(cacheterr.CodeIndexEmbedFailure,
			fmt.Sprintf("ollama returned status %d: %s", resp.StatusCode, snippet))
	}

	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeIndexEmbedFailure, "decoding embed response")
	}
	if len(parsed.Embedding) == 0 {
		return nil, cacheterr.New(cacheterr.CodeIndexEmbedFailure, "ollama returned an empty embedding")
	}

	return parsed.Embedding, nil
}

// Dimensions reports the configured vector size.
func (e *OllamaEmbedder) Dimensions() int {
	return e.dimensions
}
