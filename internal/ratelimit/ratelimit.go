// Package ratelimit provides a per-broker limiter for outbound requests.
// Process-local and advisory: the external sites are the real enforcement.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Keyed hands out one token-bucket limiter per key.
type Keyed struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewKeyed builds a limiter allowing perHour requests per key.
func NewKeyed(perHour int) *Keyed {
	if perHour < 1 {
		perHour = 1
	}
	return &Keyed{
		limiters: map[string]*rate.Limiter{},
		limit:    rate.Every(time.Hour / time.Duration(perHour)),
		burst:    perHour,
	}
}

func (k *Keyed) limiter(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.limiters[key]
	if !ok {
		l = rate.NewLimiter(k.limit, k.burst)
		k.limiters[key] = l
	}
	return l
}

// Wait blocks until the key's bucket grants a token or ctx is done.
func (k *Keyed) Wait(ctx context.Context, key string) error {
	return k.limiter(key).Wait(ctx)
}

// Allow reports whether a token is available without blocking.
func (k *Keyed) Allow(key string) bool {
	return k.limiter(key).Allow()
}
