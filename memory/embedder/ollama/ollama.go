// Package ollama embeds text through a local Ollama server, the same local
// model path the surrounding extraction tooling uses.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// Embedder calls an Ollama server's embedding endpoint.
type Embedder struct {
	client     *api.Client
	model      string
	dimensions int
}

// New creates an embedder against the given Ollama base URL (typically
// http://localhost:11434). dims must match the model's output size, e.g.
// 768 for nomic-embed-text.
func New(baseURL, model string, dims int) (*Embedder, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama: model is required")
	}
	if dims <= 0 {
		return nil, fmt.Errorf("ollama: dimensions must be positive")
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ollama: parse base URL: %w", err)
	}
	return &Embedder{
		client:     api.NewClient(u, http.DefaultClient),
		model:      model,
		dimensions: dims,
	}, nil
}

// Embed requests an embedding for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req := &api.EmbeddingRequest{
		Model:  e.model,
		Prompt: text,
	}
	resp, err := e.client.Embeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: %w", err)
	}
	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimensions returns the configured embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}
