package embeddings

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cached memoizes embeddings by exact text. Repeated keyword searches
// within the TTL do not hit the provider.
type Cached struct {
	next  Embedder
	cache *gocache.Cache
}

// NewCached wraps next with a cache whose entries expire after ttl.
func NewCached(next Embedder, ttl time.Duration) *Cached {
	return &Cached{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// Generate returns the cached vector for text or asks the wrapped
// embedder. Errors are not cached.
func (c *Cached) Generate(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return v.([]float32), nil
	}
	v, err := c.next.Generate(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(text, v)
	return v, nil
}

// Len reports the number of cached entries, including expired ones not
// yet purged.
func (c *Cached) Len() int {
	return c.cache.ItemCount()
}
