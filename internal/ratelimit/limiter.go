// Package ratelimit caps how many verification calls are placed per counterparty.
package ratelimit

import (
	"context"
	"fmt"

	"gitlab.com/timkado/api/billing-verify-processor/internal/config"
)

// Limiter decides whether one more call may be placed for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

const (
	BackendRedis = "redis"
	BackendLocal = "local"
)

// New builds the limiter selected by cfg.Backend. The redis backend dials cfg.Redis.
func New(ctx context.Context, cfg config.RateLimitConfig, redisCfg config.RedisConfig) (Limiter, func() error, error) {
	switch cfg.Backend {
	case BackendRedis:
		client, err := OpenRedis(ctx, redisCfg)
		if err != nil {
			return nil, nil, err
		}
		return NewRedisLimiter(client, cfg.MaxCalls, cfg.Window), client.Close, nil
	case BackendLocal, "":
		return NewLocalLimiter(cfg.MaxCalls, cfg.Window), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
}
