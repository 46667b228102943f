package transport

import (
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// identityLimiter hands out one token bucket per identity. Idle buckets expire
// so the table stays bounded by the number of recently active identities.
type identityLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *cache.Cache
}

func newIdentityLimiter(perSecond float64, burst int, idle time.Duration) *identityLimiter {
	if burst <= 0 {
		burst = 1
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &identityLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: cache.New(idle, idle),
	}
}

// Allow reports whether identity may make a request now. A non-positive rate
// disables limiting.
func (l *identityLimiter) Allow(identity string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	return l.bucket(identity).Allow()
}

func (l *identityLimiter) bucket(identity string) *rate.Limiter {
	if v, ok := l.buckets.Get(identity); ok {
		l.buckets.SetDefault(identity, v)
		return v.(*rate.Limiter)
	}
	fresh := rate.NewLimiter(l.limit, l.burst)
	if err := l.buckets.Add(identity, fresh, cache.DefaultExpiration); err != nil {
		// another request created it first
		if v, ok := l.buckets.Get(identity); ok {
			return v.(*rate.Limiter)
		}
	}
	return fresh
}
