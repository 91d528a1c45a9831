// Package keylock provides the per-key exclusive mutex used to serialize
// sendRawTransaction submissions from the same sender, preserving nonce order
// across concurrent client requests. Two backends implement the contract: an
// in-process lock and a Redis-backed FIFO queue shared across relay instances.
package keylock

import (
	"context"
	"time"

	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

// pollInterval bounds how often waiters re-check the lock state.
const pollInterval = 100 * time.Millisecond

// KeyLock is an exclusive per-key mutex with FIFO fairness.
//
// Acquire returns a fresh session token when the lock is held, or the empty
// string when acquisition timed out or the backend was unavailable. An empty
// token means the caller proceeds unserialized: the relay must keep serving
// requests and tolerates the rare nonce race (fail open).
//
// Release is a no-op when the token does not match the current holder, which
// protects against late releases after TTL reclamation. Backend errors during
// release are logged and swallowed; the TTL is the ultimate guarantee.
type KeyLock interface {
	Acquire(ctx context.Context, id string, rd reqctx.RequestDetails) string
	Release(ctx context.Context, id, session string, rd reqctx.RequestDetails)
}
