// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package index

import (
	"context"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

var _ Embedder = (*OpenAIEmbedder)(nil)

// Dimensions for the embedding models we know about. Unknown models
// fall back to DefaultOpenAIDimensions.
const (
	DefaultOpenAIModel      = "text-embedding-3-small"
	DefaultOpenAIDimensions = 1536
)

var openAIModelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// OpenAIEmbedderConfig configures an OpenAI-backed embedder.
type OpenAIEmbedderConfig struct {
	// APIKey authenticates with the API. Required.
	APIKey string
	// Model selects the embedding model. Defaults to
	// DefaultOpenAIModel.
	Model string
	// BaseURL overrides the API endpoint, mainly for testing.
	BaseURL string
}

// OpenAIEmbedder produces embeddings via the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client     openaisdk.Client
	model      string
	dimensions int
}

// NewOpenAIEmbedder builds an embedder from cfg.
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, cacheterr.New(cacheterr.CodeConfigValidateInvalidValue, "openai embedder requires an API key")
	}

	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	dims, ok := openAIModelDimensions[model]
	if !ok {
		dims = DefaultOpenAIDimensions
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIEmbedder{
		client:     openaisdk.NewClient(opts...),
		model:      model,
		dimensions: dims,
	}, nil
}

// Embed requests an embedding for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openaisdk.EmbeddingNewParams{
		Model: openaisdk.EmbeddingModel(e.model),
		Input: openaisdk.EmbeddingNewParamsInputUnion{
			OfString: openaisdk.String(text),
		},
	})
	if err != nil {
		return nil, cacheterr.Wrap(err, cacheterr.CodeIndexEmbedFailure, "requesting embedding")
	}
	if len(resp.Data) == 0 {
		return nil, cacheterr.New(cacheterr.CodeIndexEmbedFailure, "embedding response contained no data")
	}

	raw := resp.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimensions reports the vector size for the configured model.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}
