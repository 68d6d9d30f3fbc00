package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ntic-sm/istabot/pkg/types"
)

// ResponseTTL is how long a cached answer stays valid. Schedules and
// announcements change daily, so an hour is the ceiling.
const ResponseTTL = time.Hour

// CachedResponse is the payload stored per answered question.
type CachedResponse struct {
	Reply    string         `json:"reply"`
	Sources  []types.Source `json:"sources"`
	RAGUsed  bool           `json:"rag_used"`
	Language string         `json:"language"`
}

// ResponseCache stores whole answers keyed by a fingerprint of the
// question and the asking user, so the same question from the same
// conversation short-circuits the pipeline.
type ResponseCache struct {
	cache Cache
}

// NewResponseCache wraps a backing cache.
func NewResponseCache(cache Cache) *ResponseCache {
	return &ResponseCache{cache: cache}
}

// Fingerprint derives the cache key. The user id is part of the digest:
// two users asking the same question have different conversation
// context, so their answers must not cross.
func Fingerprint(message, userID string) string {
	sum := sha256.Sum256([]byte(message + ":" + userID))
	return hex.EncodeToString(sum[:])
}

// Lookup returns the cached answer for a question, or ErrNotFound.
func (r *ResponseCache) Lookup(ctx context.Context, message, userID string) (*CachedResponse, error) {
	raw, err := r.cache.Get(ctx, "response:"+Fingerprint(message, userID))
	if err != nil {
		return nil, err
	}

	var resp CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("corrupt cached response: %w", err)
	}
	return &resp, nil
}

// Store saves an answer under the question's fingerprint.
func (r *ResponseCache) Store(ctx context.Context, message, userID string, resp CachedResponse) error {
	if resp.Sources == nil {
		resp.Sources = []types.Source{}
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	return r.cache.Set(ctx, "response:"+Fingerprint(message, userID), raw, ResponseTTL)
}

// Stats exposes the backing cache's counters.
func (r *ResponseCache) Stats() Stats {
	return r.cache.Stats()
}
