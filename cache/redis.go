package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/redis/go-redis/v9"

	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

// incrWithExpiry increments a counter and attaches the ttl only when the
// increment created the key, making daily counters self-expiring.
var incrWithExpiry = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if v == tonumber(ARGV[1]) and tonumber(ARGV[2]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return v
`)

// RedisCache is the shared-store cache tier. All relay instances pointed at
// the same Redis observe the same entries.
type RedisCache struct {
	client     *redis.Client
	defaultTTL time.Duration
	logger     log.Logger

	connected atomic.Bool
	stop      chan struct{}
}

// NewRedisCache connects to the given redis:// URL and starts a liveness
// probe whose state is observable through Connected.
func NewRedisCache(url string, defaultTTL time.Duration, logger log.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	c := &RedisCache{
		client:     redis.NewClient(opts),
		defaultTTL: defaultTTL,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	go c.probe()
	return c, nil
}

// NewRedisCacheWithClient wraps an existing client; used by tests.
func NewRedisCacheWithClient(client *redis.Client, defaultTTL time.Duration, logger log.Logger) *RedisCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	c := &RedisCache{client: client, defaultTTL: defaultTTL, logger: logger, stop: make(chan struct{})}
	c.connected.Store(true)
	return c
}

func (c *RedisCache) probe() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := c.client.Ping(ctx).Err()
		cancel()
		if was := c.connected.Swap(err == nil); was != (err == nil) {
			if err != nil {
				c.logger.Warn("redis connection lost", "err", err)
			} else {
				c.logger.Info("redis connection established")
			}
		}
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
	}
}

// Connected reports whether the last liveness probe succeeded. Health
// endpoints use this to report readiness.
func (c *RedisCache) Connected() bool { return c.connected.Load() }

// Close stops the probe and releases the connection pool.
func (c *RedisCache) Close() error {
	close(c.stop)
	return c.client.Close()
}

// Underlying exposes the raw client for collaborators that need primitives
// beyond the cache contract (the distributed lock's queue protocol).
func (c *RedisCache) Underlying() *redis.Client { return c.client }

func (c *RedisCache) ttl(requested time.Duration) time.Duration {
	if requested <= 0 {
		return c.defaultTTL
	}
	return requested
}

func (c *RedisCache) Get(ctx context.Context, key, callingMethod string, rd reqctx.RequestDetails) ([]byte, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.logger.Trace("redis cache hit", "key", key, "method", callingMethod, "requestId", rd.RequestID)
	return raw, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, callingMethod string, ttl time.Duration, rd reqctx.RequestDetails) error {
	return c.client.Set(ctx, key, value, c.ttl(ttl)).Err()
}

func (c *RedisCache) MultiSet(ctx context.Context, entries map[string][]byte, callingMethod string, rd reqctx.RequestDetails) error {
	if len(entries) == 0 {
		return nil
	}
	flat := make([]interface{}, 0, len(entries)*2)
	for key, value := range entries {
		flat = append(flat, key, value)
	}
	return c.client.MSet(ctx, flat...).Err()
}

func (c *RedisCache) PipelineSet(ctx context.Context, entries map[string][]byte, callingMethod string, ttl time.Duration, rd reqctx.RequestDetails) error {
	pipe := c.client.Pipeline()
	expiry := c.ttl(ttl)
	for key, value := range entries {
		pipe.Set(ctx, key, value, expiry)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) Delete(ctx context.Context, key, callingMethod string, rd reqctx.RequestDetails) error {
	return c.client.Del(ctx, key).Err()
}

// Clear deletes keys under the relay's cache prefix only; lock, rate-limit
// and spending state survive a cache flush.
func (c *RedisCache) Clear(ctx context.Context, rd reqctx.RequestDetails) error {
	iter := c.client.Scan(ctx, 0, Prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (c *RedisCache) Keys(ctx context.Context, pattern, callingMethod string, rd reqctx.RequestDetails) ([]string, error) {
	return c.client.Keys(ctx, pattern).Result()
}

func (c *RedisCache) IncrBy(ctx context.Context, key string, amount int64, ttl time.Duration, callingMethod string, rd reqctx.RequestDetails) (int64, error) {
	return incrWithExpiry.Run(ctx, c.client, []string{key}, amount, ttl.Milliseconds()).Int64()
}

func (c *RedisCache) RPush(ctx context.Context, key string, value []byte, callingMethod string, rd reqctx.RequestDetails) (int64, error) {
	return c.client.RPush(ctx, key, value).Result()
}

func (c *RedisCache) LRange(ctx context.Context, key string, start, stop int64, callingMethod string, rd reqctx.RequestDetails) ([][]byte, error) {
	values, err := c.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out, nil
}
