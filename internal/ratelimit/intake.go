package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/fiscaldoc/internal/config"
)

const keyIntakeCompany = "intake:company:%s"

// IntakeLimiter throttles document uploads per company.
type IntakeLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

// NewIntakeLimiter returns nil when rate limiting is disabled. A nil limiter
// allows everything.
func NewIntakeLimiter(cfg config.Config, client *redis.Client) (*IntakeLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if client == nil {
		return nil, errors.New("rate limit requires redis")
	}
	if limitCfg.IntakeRate <= 0 || limitCfg.IntakeBurst <= 0 {
		return nil, errors.New("intake rate limit must be positive")
	}
	return &IntakeLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.IntakeRate,
		burst:  limitCfg.IntakeBurst,
	}, nil
}

func (l *IntakeLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *IntakeLimiter) AllowCompany(ctx context.Context, companyID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyIntakeCompany, strings.TrimSpace(companyID)), l.rate, l.burst)
}
