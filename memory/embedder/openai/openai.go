// Package openai embeds text through an OpenAI-compatible embeddings
// endpoint. A custom base URL covers self-hosted compatible servers.
package openai

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Embedder calls an OpenAI-compatible embeddings API.
type Embedder struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// New creates an embedder. baseURL may be empty for the hosted API. dims
// must match the model, e.g. 1536 for text-embedding-3-small.
func New(apiKey, baseURL, model string, dims int) (*Embedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	if dims <= 0 {
		return nil, fmt.Errorf("openai: dimensions must be positive")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Embedder{
		client:     openai.NewClientWithConfig(cfg),
		model:      openai.EmbeddingModel(model),
		dimensions: dims,
	}, nil
}

// Embed requests an embedding for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}
	return resp.Data[0].Embedding, nil
}

// Dimensions returns the configured embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}
