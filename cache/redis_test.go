package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/redis/go-redis/v9"

	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

func newTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	c := NewRedisCacheWithClient(client, time.Minute, log.Root())
	t.Cleanup(func() { client.Close() })
	return c, srv
}

func TestRedisGetSetDelete(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()
	rd := reqctx.New("127.0.0.1")

	if _, err := c.Get(ctx, "cache:missing", "test", rd); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := c.Set(ctx, "cache:k", []byte("v"), "test", 0, rd); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, err := c.Get(ctx, "cache:k", "test", rd)
	if err != nil || string(got) != "v" {
		t.Fatalf("get: have %q, %v", got, err)
	}
	if err := c.Delete(ctx, "cache:k", "test", rd); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := c.Get(ctx, "cache:k", "test", rd); err != ErrNotFound {
		t.Fatalf("expected deleted key to miss, got %v", err)
	}
}

func TestRedisClearScopedToPrefix(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()
	rd := reqctx.New("127.0.0.1")

	c.Set(ctx, "cache:a", []byte("1"), "test", 0, rd)
	c.Set(ctx, "cache:b", []byte("2"), "test", 0, rd)
	c.Set(ctx, "lock:sender", []byte("token"), "test", 0, rd)
	if err := c.Clear(ctx, rd); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if _, err := c.Get(ctx, "cache:a", "test", rd); err != ErrNotFound {
		t.Fatalf("cache:a should be cleared, got %v", err)
	}
	if _, err := c.Get(ctx, "lock:sender", "test", rd); err != nil {
		t.Fatalf("lock key must survive clear, got %v", err)
	}
}

func TestRedisIncrByWindow(t *testing.T) {
	c, srv := newTestRedis(t)
	ctx := context.Background()
	rd := reqctx.New("127.0.0.1")

	v, err := c.IncrBy(ctx, "ratelimit:1.2.3.4:eth_call", 1, time.Minute, "test", rd)
	if err != nil || v != 1 {
		t.Fatalf("first incr: have %d, %v", v, err)
	}
	v, err = c.IncrBy(ctx, "ratelimit:1.2.3.4:eth_call", 1, time.Minute, "test", rd)
	if err != nil || v != 2 {
		t.Fatalf("second incr: have %d, %v", v, err)
	}
	srv.FastForward(2 * time.Minute)
	v, err = c.IncrBy(ctx, "ratelimit:1.2.3.4:eth_call", 1, time.Minute, "test", rd)
	if err != nil || v != 1 {
		t.Fatalf("window should reset after ttl: have %d, %v", v, err)
	}
}

func TestRedisPipelineSetAndKeys(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()
	rd := reqctx.New("127.0.0.1")

	entries := map[string][]byte{
		"cache:eth_call:a": []byte("1"),
		"cache:eth_call:b": []byte("2"),
	}
	if err := c.PipelineSet(ctx, entries, "test", time.Minute, rd); err != nil {
		t.Fatalf("pipelineSet failed: %v", err)
	}
	keys, err := c.Keys(ctx, "cache:eth_call:*", "test", rd)
	if err != nil || len(keys) != 2 {
		t.Fatalf("keys: have %v, %v", keys, err)
	}
}

func TestRedisListOps(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()
	rd := reqctx.New("127.0.0.1")

	for _, v := range []string{"x", "y"} {
		if _, err := c.RPush(ctx, "hbar-limit:history:p", []byte(v), "test", rd); err != nil {
			t.Fatalf("rpush failed: %v", err)
		}
	}
	values, err := c.LRange(ctx, "hbar-limit:history:p", 0, -1, "test", rd)
	if err != nil || len(values) != 2 || string(values[1]) != "y" {
		t.Fatalf("lrange: have %q, %v", values, err)
	}
}
