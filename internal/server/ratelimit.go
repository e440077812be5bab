package server

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/newswallproject/newswall/internal/configuration"
)

// ingestRateLimiter keeps one token bucket per caller identifier (workflow id
// or, failing that, client IP). Buckets for idle identifiers expire so the
// limiter's memory stays bounded under identifier churn.
type ingestRateLimiter struct {
	mutex    sync.Mutex
	limiters *gocache.Cache
	rate     rate.Limit
	burst    int
}

func newIngestRateLimiter(config configuration.RateLimitConfig) *ingestRateLimiter {
	ttl := config.IdentifierTtl
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ingestRateLimiter{
		limiters: gocache.New(ttl, 2*ttl),
		rate:     rate.Limit(config.Rate),
		burst:    config.Burst,
	}
}

// Allow reports whether the identifier may proceed and, if not, how long the
// caller should wait before retrying.
func (l *ingestRateLimiter) Allow(identifier string) (bool, time.Duration) {
	if l.rate <= 0 {
		return true, 0
	}

	reservation := l.limiter(identifier).Reserve()
	if !reservation.OK() {
		return false, time.Second
	}
	delay := reservation.Delay()
	if delay > 0 {
		reservation.Cancel()
		return false, delay
	}
	return true, 0
}

// limiter returns the identifier's bucket, creating it on first use. The
// get-or-create is serialized so concurrent first calls share one bucket and
// cannot double the burst allowance.
func (l *ingestRateLimiter) limiter(identifier string) *rate.Limiter {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	var limiter *rate.Limiter
	if cached, ok := l.limiters.Get(identifier); ok {
		limiter = cached.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(l.rate, l.burst)
	}
	// Sliding expiry: an identifier stays cached while it keeps calling.
	l.limiters.SetDefault(identifier, limiter)
	return limiter
}

// Burst returns the configured burst allowance, for the X-RateLimit-Limit
// response header.
func (l *ingestRateLimiter) Burst() int {
	return l.burst
}
