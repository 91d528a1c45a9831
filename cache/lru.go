package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

const (
	// DefaultLRUSize bounds the number of live entries in the local tier.
	DefaultLRUSize = 1000
	// DefaultTTL applies when callers pass a zero ttl.
	DefaultTTL = time.Hour
)

type lruEntry struct {
	value     []byte
	list      [][]byte
	expiresAt time.Time
}

func (e lruEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// LRUCache is the in-process cache tier. Entries carry their own TTL and are
// reaped lazily on access; capacity pressure is handled by the LRU itself.
type LRUCache struct {
	mu         sync.Mutex
	entries    *lru.Cache[string, lruEntry]
	defaultTTL time.Duration
	logger     log.Logger
}

// NewLRUCache creates a local cache with the given capacity and default TTL.
// Zero arguments select the package defaults.
func NewLRUCache(size int, defaultTTL time.Duration, logger log.Logger) *LRUCache {
	if size <= 0 {
		size = DefaultLRUSize
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	entries, _ := lru.New[string, lruEntry](size)
	return &LRUCache{entries: entries, defaultTTL: defaultTTL, logger: logger}
}

func (c *LRUCache) ttl(requested time.Duration) time.Time {
	if requested <= 0 {
		requested = c.defaultTTL
	}
	return time.Now().Add(requested)
}

// lookup returns the live entry for key, evicting it if expired.
// Callers must hold c.mu.
func (c *LRUCache) lookup(key string) (lruEntry, bool) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return lruEntry{}, false
	}
	if entry.expired(time.Now()) {
		c.entries.Remove(key)
		return lruEntry{}, false
	}
	return entry, true
}

func (c *LRUCache) Get(ctx context.Context, key, callingMethod string, rd reqctx.RequestDetails) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lookup(key)
	if !ok || entry.value == nil {
		return nil, ErrNotFound
	}
	c.logger.Trace("lru cache hit", "key", key, "method", callingMethod, "requestId", rd.RequestID)
	return entry.value, nil
}

func (c *LRUCache) Set(ctx context.Context, key string, value []byte, callingMethod string, ttl time.Duration, rd reqctx.RequestDetails) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(key, lruEntry{value: value, expiresAt: c.ttl(ttl)})
	return nil
}

func (c *LRUCache) MultiSet(ctx context.Context, entries map[string][]byte, callingMethod string, rd reqctx.RequestDetails) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	expires := c.ttl(0)
	for key, value := range entries {
		c.entries.Add(key, lruEntry{value: value, expiresAt: expires})
	}
	return nil
}

func (c *LRUCache) PipelineSet(ctx context.Context, entries map[string][]byte, callingMethod string, ttl time.Duration, rd reqctx.RequestDetails) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	expires := c.ttl(ttl)
	for key, value := range entries {
		c.entries.Add(key, lruEntry{value: value, expiresAt: expires})
	}
	return nil
}

func (c *LRUCache) Delete(ctx context.Context, key, callingMethod string, rd reqctx.RequestDetails) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
	return nil
}

// Clear removes entries under the relay's own cache prefix only.
func (c *LRUCache) Clear(ctx context.Context, rd reqctx.RequestDetails) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.entries.Keys() {
		if len(key) >= len(Prefix) && key[:len(Prefix)] == Prefix {
			c.entries.Remove(key)
		}
	}
	return nil
}

func (c *LRUCache) Keys(ctx context.Context, pattern, callingMethod string, rd reqctx.RequestDetails) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	var out []string
	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if !ok || entry.expired(now) {
			continue
		}
		if matchPattern(pattern, key) {
			out = append(out, key)
		}
	}
	return out, nil
}

func (c *LRUCache) IncrBy(ctx context.Context, key string, amount int64, ttl time.Duration, callingMethod string, rd reqctx.RequestDetails) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lookup(key)
	current := int64(0)
	expires := c.ttl(ttl)
	if ok && entry.value != nil {
		parsed, err := strconv.ParseInt(string(entry.value), 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
		expires = entry.expiresAt // ttl only attaches on creation
	}
	current += amount
	c.entries.Add(key, lruEntry{value: []byte(strconv.FormatInt(current, 10)), expiresAt: expires})
	return current, nil
}

func (c *LRUCache) RPush(ctx context.Context, key string, value []byte, callingMethod string, rd reqctx.RequestDetails) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, _ := c.lookup(key)
	entry.list = append(entry.list, value)
	if entry.expiresAt.IsZero() {
		entry.expiresAt = c.ttl(0)
	}
	c.entries.Add(key, entry)
	return int64(len(entry.list)), nil
}

func (c *LRUCache) LRange(ctx context.Context, key string, start, stop int64, callingMethod string, rd reqctx.RequestDetails) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lookup(key)
	if !ok {
		return nil, nil
	}
	n := int64(len(entry.list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for i := start; i <= stop; i++ {
		out = append(out, entry.list[i])
	}
	return out, nil
}
