// Package cache implements the relay's two-tier cache fabric: an in-process
// LRU, a Redis-backed shared store, and a fallback decorator that survives
// shared-store outages by degrading to the local tier.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

// ErrNotFound is returned by Get for absent keys. A miss is not a failure:
// the fallback decorator only fails over on real backend errors.
var ErrNotFound = errors.New("cache: key not found")

// Prefix is the namespace under which ordinary read-through entries live.
// Clear deletes only keys under this prefix; lock, rate-limit, spending-plan
// and filter state carry their own prefixes and are never mass-deleted.
const Prefix = "cache:"

// Client is the cache contract shared by the local and shared-store tiers.
// The callingMethod argument names the relay operation performing the access
// and is used for logging only. IncrBy attaches ttl when (and only when) the
// increment creates the key, so daily counters expire for free.
type Client interface {
	Get(ctx context.Context, key, callingMethod string, rd reqctx.RequestDetails) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, callingMethod string, ttl time.Duration, rd reqctx.RequestDetails) error
	MultiSet(ctx context.Context, entries map[string][]byte, callingMethod string, rd reqctx.RequestDetails) error
	PipelineSet(ctx context.Context, entries map[string][]byte, callingMethod string, ttl time.Duration, rd reqctx.RequestDetails) error
	Delete(ctx context.Context, key, callingMethod string, rd reqctx.RequestDetails) error
	Clear(ctx context.Context, rd reqctx.RequestDetails) error
	Keys(ctx context.Context, pattern, callingMethod string, rd reqctx.RequestDetails) ([]string, error)
	IncrBy(ctx context.Context, key string, amount int64, ttl time.Duration, callingMethod string, rd reqctx.RequestDetails) (int64, error)
	RPush(ctx context.Context, key string, value []byte, callingMethod string, rd reqctx.RequestDetails) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64, callingMethod string, rd reqctx.RequestDetails) ([][]byte, error)
}

// Key joins a scope and its arguments into a namespaced cache key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// GetJSON reads a key and unmarshals its value into T. Values round-trip
// numbers, booleans, strings, arrays and plain records via JSON.
func GetJSON[T any](ctx context.Context, c Client, key, callingMethod string, rd reqctx.RequestDetails) (T, error) {
	var out T
	raw, err := c.Get(ctx, key, callingMethod, rd)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

// SetJSON marshals a value and stores it under key.
func SetJSON(ctx context.Context, c Client, key string, value interface{}, callingMethod string, ttl time.Duration, rd reqctx.RequestDetails) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, raw, callingMethod, ttl, rd)
}

// matchPattern implements the glob subset the relay uses for Keys: literal
// characters plus '*' wildcards, the same shape Redis KEYS accepts.
func matchPattern(pattern, key string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == key
	}
	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	key = key[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(key, part)
		if idx < 0 {
			return false
		}
		key = key[idx+len(part):]
	}
	return strings.HasSuffix(key, parts[len(parts)-1])
}
