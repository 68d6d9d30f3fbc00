package embedding

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// nativeBatchSize caps how many uncached texts go to the provider in one
// native batch call.
const nativeBatchSize = 32

// defaultCacheSize bounds the embedding LRU when the caller passes no
// explicit capacity.
const defaultCacheSize = 1000

// CachedProvider wraps a Provider with a bounded LRU keyed by normalized
// text. Only the vector is stored, never the query itself; the key is the
// lowercased, trimmed input so trivially equivalent queries share one
// entry.
type CachedProvider struct {
	provider Provider
	cache    *lru.Cache[string, []float32]
}

// NewCachedProvider creates a cached embedding provider holding at most
// size entries, evicting least-recently-used first.
func NewCachedProvider(provider Provider, size int) *CachedProvider {
	if size <= 0 {
		size = defaultCacheSize
	}
	// lru.New only fails on a non-positive size, which is guarded above.
	cache, _ := lru.New[string, []float32](size)
	return &CachedProvider{
		provider: provider,
		cache:    cache,
	}
}

// cacheKey normalizes text for cache lookups.
func cacheKey(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Embed returns the cached embedding or computes and caches it.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if cached, ok := c.cache.Get(key); ok {
		// Return a copy to prevent mutation
		result := make([]float32, len(cached))
		copy(result, cached)
		return result, nil
	}

	vec, err := c.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.put(key, vec)
	return vec, nil
}

// EmbedBatch embeds multiple texts, serving from the cache where
// possible. Uncached texts go to the provider in native batches of at
// most nativeBatchSize; if a batch call fails, the texts are retried
// sequentially before giving up. Results are placed at the positions of
// their inputs.
func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	uncached := make([]string, 0)
	uncachedIdx := make([]int, 0)

	for i, text := range texts {
		if cached, ok := c.cache.Get(cacheKey(text)); ok {
			result := make([]float32, len(cached))
			copy(result, cached)
			results[i] = result
		} else {
			uncached = append(uncached, text)
			uncachedIdx = append(uncachedIdx, i)
		}
	}

	for start := 0; start < len(uncached); start += nativeBatchSize {
		end := start + nativeBatchSize
		if end > len(uncached) {
			end = len(uncached)
		}
		batch := uncached[start:end]

		vecs, err := c.provider.EmbedBatch(ctx, batch)
		if err != nil {
			vecs, err = c.embedSequential(ctx, batch)
			if err != nil {
				return nil, err
			}
		}

		for i, vec := range vecs {
			idx := uncachedIdx[start+i]
			results[idx] = vec
			c.put(cacheKey(batch[i]), vec)
		}
	}

	return results, nil
}

// embedSequential is the per-text fallback when a native batch fails.
func (c *CachedProvider) embedSequential(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.provider.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	return vecs, nil
}

// put stores a defensive copy of vec under key.
func (c *CachedProvider) put(key string, vec []float32) {
	cached := make([]float32, len(vec))
	copy(cached, vec)
	c.cache.Add(key, cached)
}

// Dimension returns the embedding dimension.
func (c *CachedProvider) Dimension() int {
	return c.provider.Dimension()
}

// Name returns the active provider's name.
func (c *CachedProvider) Name() string {
	return c.provider.Name()
}

// CacheLen returns the number of cached embeddings.
func (c *CachedProvider) CacheLen() int {
	return c.cache.Len()
}

// PurgeCache drops every cached embedding.
func (c *CachedProvider) PurgeCache() {
	c.cache.Purge()
}
