// Package guard serializes settlements per account.
//
// Each account that has a holder or waiters owns a slot: a weight-1
// semaphore whose waiters are served in arrival order. Slots live in a
// table sharded by an FNV-1a hash of the account id, so lookups for
// different accounts rarely contend and never wait on each other's
// critical sections. A slot is dropped as soon as nobody holds or waits
// on it, keeping the table proportional to in-flight accounts.
package guard

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tradeflow/portfolio-engine/internal/metrics"
)

const shardCount = 64

// Guard is a keyed FIFO lock table.
type Guard struct {
	shards [shardCount]shard
}

type shard struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  *semaphore.Weighted
	refs int // holder + waiters
}

// New creates an empty guard.
func New() *Guard {
	g := &Guard{}
	for i := range g.shards {
		g.shards[i].slots = make(map[string]*slot)
	}
	return g
}

// Acquire blocks until the caller holds account's exclusive section or
// ctx is done. Callers queue in arrival order. On success the returned
// release func must be called exactly once; extra calls are no-ops.
// A cancelled waiter leaves the queue without ever holding the section.
func (g *Guard) Acquire(ctx context.Context, account string) (release func(), err error) {
	sh := g.shard(account)

	sh.mu.Lock()
	s, ok := sh.slots[account]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(1)}
		sh.slots[account] = s
	}
	s.refs++
	sh.mu.Unlock()

	start := time.Now()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		sh.drop(account, s)
		return nil, err
	}
	metrics.LockWait.Observe(time.Since(start).Seconds())
	metrics.AccountsLocked.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			metrics.AccountsLocked.Dec()
			s.sem.Release(1)
			sh.drop(account, s)
		})
	}, nil
}

// Active returns the number of accounts with a holder or waiters.
func (g *Guard) Active() int {
	n := 0
	for i := range g.shards {
		sh := &g.shards[i]
		sh.mu.Lock()
		n += len(sh.slots)
		sh.mu.Unlock()
	}
	return n
}

func (g *Guard) shard(account string) *shard {
	h := fnv.New32a()
	h.Write([]byte(account))
	return &g.shards[h.Sum32()%shardCount]
}

func (sh *shard) drop(account string, s *slot) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s.refs--
	if s.refs == 0 && sh.slots[account] == s {
		delete(sh.slots, account)
	}
}
