package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter keeps one token bucket per key in process memory. Limits are per replica.
type LocalLimiter struct {
	limiters sync.Map
	rate     rate.Limit
	burst    int
}

// NewLocalLimiter refills limit tokens per window with a burst of limit.
func NewLocalLimiter(limit int, window time.Duration) *LocalLimiter {
	return &LocalLimiter{
		rate:  rate.Limit(float64(limit) / window.Seconds()),
		burst: limit,
	}
}

func (l *LocalLimiter) getLimiter(key string) *rate.Limiter {
	limiter, exists := l.limiters.Load(key)
	if !exists {
		limiter, _ = l.limiters.LoadOrStore(key, rate.NewLimiter(l.rate, l.burst))
	}
	return limiter.(*rate.Limiter)
}

// Allow implements Limiter.
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	return l.getLimiter(key).Allow(), nil
}
