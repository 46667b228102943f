package knowledge

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

// Cached memoizes retrieval results per (query, top_k) for a short TTL.
// Errors are never cached.
type Cached struct {
	next  contractx.Retriever
	cache *cache.Cache
}

func NewCached(next contractx.Retriever, ttl time.Duration) *Cached {
	return &Cached{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (c *Cached) Retrieve(ctx context.Context, query string, topK int) ([]contractx.Passage, error) {
	key := strconv.Itoa(topK) + "|" + strings.ToLower(strings.Join(strings.Fields(query), " "))
	if v, ok := c.cache.Get(key); ok {
		return clonePassages(v.([]contractx.Passage)), nil
	}

	out, err := c.next.Retrieve(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, clonePassages(out))
	return out, nil
}

func clonePassages(in []contractx.Passage) []contractx.Passage {
	if in == nil {
		return nil
	}
	return append([]contractx.Passage(nil), in...)
}
