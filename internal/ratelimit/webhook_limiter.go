package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/dayledger/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const keyWebhook = "dayledger:ratelimit:webhook:%s"

// WebhookLimiter throttles inbound provider callbacks per key. It uses the
// shared Redis bucket when available and a process-local limiter otherwise.
type WebhookLimiter struct {
	bucket *TokenBucket
	log    *zap.Logger

	rate  float64
	burst int

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

func NewWebhookLimiter(cfg config.Config, bucket *TokenBucket, log *zap.Logger) *WebhookLimiter {
	return &WebhookLimiter{
		bucket: bucket,
		log:    log.Named("ratelimit.webhook"),
		rate:   cfg.RateLimit.WebhookRate,
		burst:  cfg.RateLimit.WebhookBurst,
		local:  map[string]*rate.Limiter{},
	}
}

// Allow reports whether a request for key may proceed and, if not, how long
// the caller should wait. Redis failures fall back to the local limiter.
func (l *WebhookLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "default"
	}

	if l.bucket != nil {
		res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyWebhook, key), l.rate, l.burst)
		if err == nil {
			return res.Allowed, res.RetryAfter
		}
		l.log.Warn("redis rate limit failed, using local limiter", zap.Error(err))
	}

	limiter := l.localLimiter(key)
	reservation := limiter.Reserve()
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

func (l *WebhookLimiter) localLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.local[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.rate), l.burst)
		l.local[key] = limiter
	}
	return limiter
}
