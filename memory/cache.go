package memory

import (
	"context"

	"github.com/dgraph-io/ristretto"
)

// CachedEmbedder wraps an Embedder with a ristretto cache keyed by the input
// text. Hook scripts re-import the same learnings and re-probe with similar
// context across sessions, so the hit rate in practice is high.
type CachedEmbedder struct {
	inner Embedder
	cache *ristretto.Cache
}

// NewCachedEmbedder caches up to maxItems embeddings from inner.
func NewCachedEmbedder(inner Embedder, maxItems int64) (*CachedEmbedder, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector for text, or delegates to the wrapped
// provider and caches the result. Errors are never cached.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, vec, 1)
	return vec, nil
}

// Dimensions returns the wrapped provider's dimensionality.
func (c *CachedEmbedder) Dimensions() int {
	return c.inner.Dimensions()
}

// Close releases the cache.
func (c *CachedEmbedder) Close() {
	c.cache.Close()
}
