package relay

import (
	"context"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/hashgraph/hedera-evm-relay/cache"
	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

// poolTTL bounds how long an abandoned pending entry can linger; entries are
// normally removed when the submission pipeline exits.
const poolTTL = time.Minute

// Pool tracks in-flight submissions per sender so eth_getTransactionCount
// with the "pending" tag can account for transactions the mirror node has
// not indexed yet. Each entry lives under its own sender+nonce key, so
// concurrent submissions never contend on shared state: Add and Remove are
// single-key writes, safe before the sender lock is held.
type Pool struct {
	store  cache.Client
	logger log.Logger
}

func NewPool(store cache.Client, logger log.Logger) *Pool {
	return &Pool{store: store, logger: logger}
}

func poolKey(sender string, nonce uint64) string {
	return cache.Key("txpool", sender, strconv.FormatUint(nonce, 10))
}

// Add registers a pending submission.
func (p *Pool) Add(ctx context.Context, sender string, nonce uint64, hash string, rd reqctx.RequestDetails) {
	if err := p.store.Set(ctx, poolKey(sender, nonce), []byte(hash), "txpool", poolTTL, rd); err != nil {
		p.logger.Debug("failed to record pending submission", "sender", sender, "nonce", nonce, "err", err, "requestId", rd.RequestID)
	}
}

// Remove drops a submission that finished or failed.
func (p *Pool) Remove(ctx context.Context, sender string, nonce uint64, rd reqctx.RequestDetails) {
	if err := p.store.Delete(ctx, poolKey(sender, nonce), "txpool", rd); err != nil {
		p.logger.Debug("failed to drop pending submission", "sender", sender, "nonce", nonce, "err", err, "requestId", rd.RequestID)
	}
}

// PendingCount reports how many submissions from sender are in flight.
func (p *Pool) PendingCount(ctx context.Context, sender string, rd reqctx.RequestDetails) int {
	keys, err := p.store.Keys(ctx, cache.Key("txpool", sender, "*"), "txpool", rd)
	if err != nil {
		p.logger.Debug("failed to list pending submissions", "sender", sender, "err", err, "requestId", rd.RequestID)
		return 0
	}
	return len(keys)
}
