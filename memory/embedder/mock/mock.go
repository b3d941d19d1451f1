// Package mock provides a deterministic, dependency-free embedder. It hashes
// tokens into a fixed number of buckets (feature hashing), so texts sharing
// vocabulary land near each other while unrelated texts stay near-orthogonal.
// Good enough for tests and air-gapped runs; it is not a semantic model.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Embedder generates deterministic embeddings from token hashes.
type Embedder struct {
	dimensions int
}

// New creates a mock embedder with the default dimensionality.
func New() *Embedder {
	return &Embedder{dimensions: 384}
}

// NewWithDimensions creates a mock embedder with a custom vector size.
func NewWithDimensions(dims int) *Embedder {
	return &Embedder{dimensions: dims}
}

// Embed maps each token to a signed bucket and normalizes to a unit vector.
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	embedding := make([]float32, m.dimensions)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(token))
		hash := h.Sum64()

		bucket := int(hash % uint64(m.dimensions))
		sign := float32(1)
		if hash&(1<<63) != 0 {
			sign = -1
		}
		embedding[bucket] += sign
	}

	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]{}")
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// normalize converts the vector to unit length.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
