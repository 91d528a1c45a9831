package keylock

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

type localWaiter struct {
	session string
	ready   chan struct{}
}

type localLock struct {
	holder    string
	expiresAt time.Time
	queue     []*localWaiter
}

func (l *localLock) free(now time.Time) bool {
	return l.holder == "" || now.After(l.expiresAt)
}

// LocalKeyLock serializes within a single process. Waiters queue in arrival
// order and are woken directly by the releasing holder; a poll interval
// covers holders that never release (TTL reclamation).
type LocalKeyLock struct {
	mu             sync.Mutex
	locks          map[string]*localLock
	ttl            time.Duration
	acquireTimeout time.Duration
	logger         log.Logger
}

// NewLocalKeyLock creates an in-process lock with the given hold TTL and
// acquisition timeout.
func NewLocalKeyLock(ttl, acquireTimeout time.Duration, logger log.Logger) *LocalKeyLock {
	return &LocalKeyLock{
		locks:          make(map[string]*localLock),
		ttl:            ttl,
		acquireTimeout: acquireTimeout,
		logger:         logger,
	}
}

func (k *LocalKeyLock) Acquire(ctx context.Context, id string, rd reqctx.RequestDetails) string {
	session := uuid.NewString()
	waiter := &localWaiter{session: session, ready: make(chan struct{}, 1)}
	deadline := time.Now().Add(k.acquireTimeout)

	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &localLock{}
		k.locks[id] = l
	}
	l.queue = append(l.queue, waiter)
	k.mu.Unlock()

	for {
		k.mu.Lock()
		if l.holder == session {
			// Granted directly by a releasing holder.
			k.mu.Unlock()
			return session
		}
		if l.free(time.Now()) && len(l.queue) > 0 && l.queue[0] == waiter {
			l.holder = session
			l.expiresAt = time.Now().Add(k.ttl)
			l.queue = l.queue[1:]
			k.mu.Unlock()
			return session
		}
		k.mu.Unlock()

		if time.Now().After(deadline) {
			k.abandon(id, waiter)
			k.logger.Debug("lock acquisition timed out", "id", id, "requestId", rd.RequestID)
			return ""
		}
		select {
		case <-ctx.Done():
			k.abandon(id, waiter)
			return ""
		case <-waiter.ready:
		case <-time.After(pollInterval):
		}
	}
}

// abandon removes a waiter from the queue; if the waiter was granted the lock
// while timing out, the grant is released so the next waiter can proceed.
func (k *LocalKeyLock) abandon(id string, waiter *localWaiter) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[id]
	if !ok {
		return
	}
	if l.holder == waiter.session {
		k.grantNextLocked(l)
		return
	}
	for i, w := range l.queue {
		if w == waiter {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			break
		}
	}
	k.gcLocked(id, l)
}

func (k *LocalKeyLock) Release(ctx context.Context, id, session string, rd reqctx.RequestDetails) {
	if session == "" {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[id]
	if !ok || l.holder != session {
		// Token mismatch: the TTL already reclaimed this hold.
		return
	}
	k.grantNextLocked(l)
	k.gcLocked(id, l)
}

// grantNextLocked hands the lock to the head waiter or frees it.
// Callers must hold k.mu.
func (k *LocalKeyLock) grantNextLocked(l *localLock) {
	if len(l.queue) == 0 {
		l.holder = ""
		return
	}
	next := l.queue[0]
	l.queue = l.queue[1:]
	l.holder = next.session
	l.expiresAt = time.Now().Add(k.ttl)
	select {
	case next.ready <- struct{}{}:
	default:
	}
}

// gcLocked drops bookkeeping for idle keys. Callers must hold k.mu.
func (k *LocalKeyLock) gcLocked(id string, l *localLock) {
	if l.holder == "" && len(l.queue) == 0 {
		delete(k.locks, id)
	}
}
