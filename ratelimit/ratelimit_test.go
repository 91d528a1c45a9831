package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/hashgraph/hedera-evm-relay/cache"
	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

func newTestLimiter(limit int) *Limiter {
	store := cache.NewLRUCache(100, time.Minute, log.Root())
	return NewLimiter(store, 50*time.Millisecond, limit, map[string]int{"eth_call": 1}, false, log.Root())
}

func TestLimiterEnforcesWindow(t *testing.T) {
	l := newTestLimiter(2)
	ctx := context.Background()
	rd := reqctx.New("1.2.3.4")

	for i := 0; i < 2; i++ {
		if l.ShouldLimit(ctx, "1.2.3.4", "eth_blockNumber", rd) {
			t.Fatalf("request %d should pass", i+1)
		}
	}
	if !l.ShouldLimit(ctx, "1.2.3.4", "eth_blockNumber", rd) {
		t.Fatalf("third request in window should be limited")
	}
	time.Sleep(80 * time.Millisecond)
	if l.ShouldLimit(ctx, "1.2.3.4", "eth_blockNumber", rd) {
		t.Fatalf("new window should admit requests again")
	}
}

func TestLimiterPerMethodOverride(t *testing.T) {
	l := newTestLimiter(100)
	ctx := context.Background()
	rd := reqctx.New("1.2.3.4")

	if l.ShouldLimit(ctx, "1.2.3.4", "eth_call", rd) {
		t.Fatalf("first eth_call should pass")
	}
	if !l.ShouldLimit(ctx, "1.2.3.4", "eth_call", rd) {
		t.Fatalf("eth_call override limit of 1 should reject the second call")
	}
	if l.ShouldLimit(ctx, "1.2.3.4", "eth_gasPrice", rd) {
		t.Fatalf("other methods use the default limit")
	}
}

func TestLimiterIsolatesIPs(t *testing.T) {
	l := newTestLimiter(1)
	ctx := context.Background()

	if l.ShouldLimit(ctx, "1.1.1.1", "eth_gasPrice", reqctx.New("1.1.1.1")) {
		t.Fatalf("first request from 1.1.1.1 should pass")
	}
	if l.ShouldLimit(ctx, "2.2.2.2", "eth_gasPrice", reqctx.New("2.2.2.2")) {
		t.Fatalf("other IPs have their own window")
	}
}

func TestLimiterExemptsSubscriptionOps(t *testing.T) {
	l := newTestLimiter(0)
	ctx := context.Background()
	rd := reqctx.New("1.2.3.4")

	for i := 0; i < 10; i++ {
		if l.ShouldLimit(ctx, "1.2.3.4", "eth_subscribe", rd) {
			t.Fatalf("subscription setup must bypass the ip window")
		}
	}
}

type failingStore struct{ cache.Client }

func (failingStore) IncrBy(context.Context, string, int64, time.Duration, string, reqctx.RequestDetails) (int64, error) {
	return 0, errors.New("store down")
}

func TestLimiterFailsOpenOnStoreError(t *testing.T) {
	l := NewLimiter(failingStore{}, time.Minute, 1, nil, false, log.Root())
	if l.ShouldLimit(context.Background(), "1.2.3.4", "eth_call", reqctx.New("1.2.3.4")) {
		t.Fatalf("store errors must not rate-limit")
	}
}
