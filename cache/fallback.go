package cache

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

var fallbackCounter = metrics.NewRegisteredCounter("cache/fallback", nil)

// FallbackCache decorates a primary (shared store) client with a secondary
// (local) client. Any error from the primary is logged and the same call is
// retried against the secondary. Successful primary writes are deliberately
// not mirrored to the secondary: the local tier must not mask a shared-store
// outage with stale survivors.
type FallbackCache struct {
	primary   Client
	secondary Client
	logger    log.Logger
}

// NewFallbackCache wraps primary with secondary as the survival path.
func NewFallbackCache(primary, secondary Client, logger log.Logger) *FallbackCache {
	return &FallbackCache{primary: primary, secondary: secondary, logger: logger}
}

// PrimaryConnected reports the primary's reconnection state when the primary
// exposes one; a primary without liveness reporting is assumed healthy.
func (f *FallbackCache) PrimaryConnected() bool {
	if probed, ok := f.primary.(interface{ Connected() bool }); ok {
		return probed.Connected()
	}
	return true
}

func (f *FallbackCache) failover(op string, err error, rd reqctx.RequestDetails) {
	fallbackCounter.Inc(1)
	f.logger.Warn("primary cache failure, falling back", "op", op, "err", err, "requestId", rd.RequestID)
}

func (f *FallbackCache) Get(ctx context.Context, key, callingMethod string, rd reqctx.RequestDetails) ([]byte, error) {
	value, err := f.primary.Get(ctx, key, callingMethod, rd)
	if err == nil || err == ErrNotFound {
		return value, err
	}
	f.failover("get", err, rd)
	return f.secondary.Get(ctx, key, callingMethod, rd)
}

func (f *FallbackCache) Set(ctx context.Context, key string, value []byte, callingMethod string, ttl time.Duration, rd reqctx.RequestDetails) error {
	if err := f.primary.Set(ctx, key, value, callingMethod, ttl, rd); err != nil {
		f.failover("set", err, rd)
		return f.secondary.Set(ctx, key, value, callingMethod, ttl, rd)
	}
	return nil
}

func (f *FallbackCache) MultiSet(ctx context.Context, entries map[string][]byte, callingMethod string, rd reqctx.RequestDetails) error {
	if err := f.primary.MultiSet(ctx, entries, callingMethod, rd); err != nil {
		f.failover("multiSet", err, rd)
		return f.secondary.MultiSet(ctx, entries, callingMethod, rd)
	}
	return nil
}

func (f *FallbackCache) PipelineSet(ctx context.Context, entries map[string][]byte, callingMethod string, ttl time.Duration, rd reqctx.RequestDetails) error {
	if err := f.primary.PipelineSet(ctx, entries, callingMethod, ttl, rd); err != nil {
		f.failover("pipelineSet", err, rd)
		return f.secondary.PipelineSet(ctx, entries, callingMethod, ttl, rd)
	}
	return nil
}

func (f *FallbackCache) Delete(ctx context.Context, key, callingMethod string, rd reqctx.RequestDetails) error {
	if err := f.primary.Delete(ctx, key, callingMethod, rd); err != nil {
		f.failover("delete", err, rd)
		return f.secondary.Delete(ctx, key, callingMethod, rd)
	}
	return nil
}

func (f *FallbackCache) Clear(ctx context.Context, rd reqctx.RequestDetails) error {
	if err := f.primary.Clear(ctx, rd); err != nil {
		f.failover("clear", err, rd)
		return f.secondary.Clear(ctx, rd)
	}
	return nil
}

func (f *FallbackCache) Keys(ctx context.Context, pattern, callingMethod string, rd reqctx.RequestDetails) ([]string, error) {
	keys, err := f.primary.Keys(ctx, pattern, callingMethod, rd)
	if err != nil {
		f.failover("keys", err, rd)
		return f.secondary.Keys(ctx, pattern, callingMethod, rd)
	}
	return keys, nil
}

func (f *FallbackCache) IncrBy(ctx context.Context, key string, amount int64, ttl time.Duration, callingMethod string, rd reqctx.RequestDetails) (int64, error) {
	value, err := f.primary.IncrBy(ctx, key, amount, ttl, callingMethod, rd)
	if err != nil {
		f.failover("incrBy", err, rd)
		return f.secondary.IncrBy(ctx, key, amount, ttl, callingMethod, rd)
	}
	return value, nil
}

func (f *FallbackCache) RPush(ctx context.Context, key string, value []byte, callingMethod string, rd reqctx.RequestDetails) (int64, error) {
	length, err := f.primary.RPush(ctx, key, value, callingMethod, rd)
	if err != nil {
		f.failover("rPush", err, rd)
		return f.secondary.RPush(ctx, key, value, callingMethod, rd)
	}
	return length, nil
}

func (f *FallbackCache) LRange(ctx context.Context, key string, start, stop int64, callingMethod string, rd reqctx.RequestDetails) ([][]byte, error) {
	values, err := f.primary.LRange(ctx, key, start, stop, callingMethod, rd)
	if err != nil {
		f.failover("lRange", err, rd)
		return f.secondary.LRange(ctx, key, start, stop, callingMethod, rd)
	}
	return values, nil
}
