package keylock

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

// releaseScript deletes the holder key only when the session still owns it,
// so a late release after TTL expiry cannot evict the next holder.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisKeyLock is the shared-store lock backend. Sessions queue under
// lock:queue:<id> in FIFO order; the holder key lock:<id> carries the TTL.
type RedisKeyLock struct {
	client         *redis.Client
	ttl            time.Duration
	acquireTimeout time.Duration
	logger         log.Logger
}

// NewRedisKeyLock creates a Redis-backed lock with the given hold TTL and
// acquisition timeout.
func NewRedisKeyLock(client *redis.Client, ttl, acquireTimeout time.Duration, logger log.Logger) *RedisKeyLock {
	return &RedisKeyLock{client: client, ttl: ttl, acquireTimeout: acquireTimeout, logger: logger}
}

func lockKey(id string) string  { return "lock:" + id }
func queueKey(id string) string { return "lock:queue:" + id }

func (k *RedisKeyLock) Acquire(ctx context.Context, id string, rd reqctx.RequestDetails) string {
	session := uuid.NewString()
	if err := k.client.RPush(ctx, queueKey(id), session).Err(); err != nil {
		k.logger.Warn("lock backend unavailable, proceeding without lock", "id", id, "err", err, "requestId", rd.RequestID)
		return ""
	}
	deadline := time.Now().Add(k.acquireTimeout)

	for {
		head, err := k.client.LRange(ctx, queueKey(id), 0, 0).Result()
		if err != nil {
			k.dequeue(ctx, id, session)
			k.logger.Warn("lock backend unavailable during acquire", "id", id, "err", err, "requestId", rd.RequestID)
			return ""
		}
		if len(head) > 0 && head[0] == session {
			ok, err := k.client.SetNX(ctx, lockKey(id), session, k.ttl).Result()
			if err != nil {
				k.dequeue(ctx, id, session)
				k.logger.Warn("lock backend unavailable during acquire", "id", id, "err", err, "requestId", rd.RequestID)
				return ""
			}
			if ok {
				k.dequeue(ctx, id, session)
				return session
			}
		}
		if time.Now().After(deadline) {
			k.dequeue(ctx, id, session)
			k.logger.Debug("lock acquisition timed out", "id", id, "requestId", rd.RequestID)
			return ""
		}
		select {
		case <-ctx.Done():
			k.dequeue(ctx, id, session)
			return ""
		case <-time.After(pollInterval):
		}
	}
}

func (k *RedisKeyLock) Release(ctx context.Context, id, session string, rd reqctx.RequestDetails) {
	if session == "" {
		return
	}
	if err := releaseScript.Run(ctx, k.client, []string{lockKey(id)}, session).Err(); err != nil && err != redis.Nil {
		// The TTL reclaims the hold; nothing else to do here.
		k.logger.Warn("lock release failed", "id", id, "err", err, "requestId", rd.RequestID)
	}
}

func (k *RedisKeyLock) dequeue(ctx context.Context, id, session string) {
	if err := k.client.LRem(ctx, queueKey(id), 1, session).Err(); err != nil {
		k.logger.Debug("lock queue cleanup failed", "id", id, "err", err)
	}
}
