// Package ratelimit implements the per-IP, per-method fixed-window limiter.
// The counter store is the cache fabric, so a Redis-backed store yields a
// limit shared across relay instances while the LRU store limits per process.
package ratelimit

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/hashgraph/hedera-evm-relay/cache"
	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

var limitedCounter = metrics.NewRegisteredCounter("ratelimit/rejected", nil)

// exemptMethods are governed by connection-level subscription caps instead of
// the per-IP window.
var exemptMethods = map[string]bool{
	"eth_subscribe":   true,
	"eth_unsubscribe": true,
}

// Limiter counts requests per (ip, method) within a fixed window.
type Limiter struct {
	store        cache.Client
	window       time.Duration
	defaultLimit int
	limits       map[string]int
	disabled     bool
	logger       log.Logger
}

// NewLimiter creates a limiter over the given counter store. methodLimits
// overrides the default limit for individual methods.
func NewLimiter(store cache.Client, window time.Duration, defaultLimit int, methodLimits map[string]int, disabled bool, logger log.Logger) *Limiter {
	return &Limiter{
		store:        store,
		window:       window,
		defaultLimit: defaultLimit,
		limits:       methodLimits,
		disabled:     disabled,
		logger:       logger,
	}
}

func (l *Limiter) limitFor(method string) int {
	if limit, ok := l.limits[method]; ok {
		return limit
	}
	return l.defaultLimit
}

// ShouldLimit atomically counts the request and reports whether the caller
// exceeded its quota for the current window. Backend errors fail open.
func (l *Limiter) ShouldLimit(ctx context.Context, ip, method string, rd reqctx.RequestDetails) bool {
	if l.disabled || ip == "" || exemptMethods[method] {
		return false
	}
	key := cache.Key("ratelimit", ip, method)
	count, err := l.store.IncrBy(ctx, key, 1, l.window, "rateLimit", rd)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, failing open", "err", err, "requestId", rd.RequestID)
		return false
	}
	if count > int64(l.limitFor(method)) {
		limitedCounter.Inc(1)
		l.logger.Debug("ip rate limit exceeded", "ip", ip, "method", method, "count", count, "requestId", rd.RequestID)
		return true
	}
	return false
}
