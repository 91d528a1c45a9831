package main

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/hashgraph/hedera-evm-relay/cache"
	"github.com/hashgraph/hedera-evm-relay/config"
)

func TestLimiterStoreSelection(t *testing.T) {
	shared := cache.NewLRUCache(10, time.Minute, log.Root())
	cfg := &config.Config{IPRateLimitStore: "REDIS", RateLimitDuration: time.Minute}
	if limiterStore(cfg, shared, log.Root()) != cache.Client(shared) {
		t.Fatalf("REDIS setting must reuse the relay's shared store")
	}

	cfg.IPRateLimitStore = "LRU"
	if limiterStore(cfg, shared, log.Root()) == cache.Client(shared) {
		t.Fatalf("LRU setting must get a dedicated in-process store")
	}
}
