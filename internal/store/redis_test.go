package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeflow/portfolio-engine/internal/model"
)

// fakeRedis implements the handful of commands CachedStore issues. Any
// other command panics through the nil embedded client.
type fakeRedis struct {
	redis.UniversalClient

	mu     sync.Mutex
	data   map[string]string
	setErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.data[key] = asString(value)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = asString(value)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) put(key string, l *model.Ledger) {
	data, _ := json.Marshal(l)
	f.mu.Lock()
	f.data[key] = string(data)
	f.mu.Unlock()
}

func (f *fakeRedis) snapshot(t *testing.T, account string) (*model.Ledger, bool) {
	t.Helper()
	f.mu.Lock()
	v, ok := f.data[ledgerKey(account)]
	f.mu.Unlock()
	if !ok {
		return nil, false
	}
	var l model.Ledger
	require.NoError(t, json.Unmarshal([]byte(v), &l))
	return &l, true
}

func asString(v any) string {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case string:
		return x
	}
	panic("unexpected redis value type")
}

// scriptedStore lets a test fail commits or run code in the middle of a read.
type scriptedStore struct {
	Store
	commitErr  error
	beforeRead func()
}

func (s *scriptedStore) CommitSettlement(ctx context.Context, c *Commit) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	return s.Store.CommitSettlement(ctx, c)
}

func (s *scriptedStore) GetLedger(ctx context.Context, accountID string) (*model.Ledger, error) {
	l, err := s.Store.GetLedger(ctx, accountID)
	if s.beforeRead != nil {
		s.beforeRead()
	}
	return l, err
}

func TestCachedStore_CommitOverwritesSnapshot(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	cs := NewCachedStore(NewMemoryStore(), rdb, time.Minute)

	require.NoError(t, cs.CommitSettlement(ctx, commitFor("acct-1", "AAPL", 1)))
	snap, ok := rdb.snapshot(t, "acct-1")
	require.True(t, ok)
	assert.Equal(t, int64(1), snap.Version)

	require.NoError(t, cs.CommitSettlement(ctx, commitFor("acct-1", "AAPL", 2)))
	snap, ok = rdb.snapshot(t, "acct-1")
	require.True(t, ok)
	assert.Equal(t, int64(2), snap.Version)
	assert.True(t, snap.Positions["AAPL"].Quantity.Equal(commitFor("acct-1", "AAPL", 2).Ledger.Positions["AAPL"].Quantity))

	l, err := cs.GetLedger(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), l.Version)
}

func TestCachedStore_FailedCommitDropsSnapshot(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	primary := &scriptedStore{Store: NewMemoryStore()}
	cs := NewCachedStore(primary, rdb, time.Minute)

	require.NoError(t, cs.CommitSettlement(ctx, commitFor("acct-1", "AAPL", 1)))
	_, ok := rdb.snapshot(t, "acct-1")
	require.True(t, ok)

	primary.commitErr = errors.New("connection reset")
	err := cs.CommitSettlement(ctx, commitFor("acct-1", "AAPL", 2))
	require.Error(t, err)

	_, ok = rdb.snapshot(t, "acct-1")
	assert.False(t, ok, "snapshot must be dropped after a failed commit")

	// The next read refills from the primary.
	l, err := cs.GetLedger(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), l.Version)
}

func TestCachedStore_FailedRefreshDropsSnapshot(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	cs := NewCachedStore(NewMemoryStore(), rdb, time.Minute)

	require.NoError(t, cs.CommitSettlement(ctx, commitFor("acct-1", "AAPL", 1)))

	rdb.setErr = errors.New("OOM command not allowed")
	require.NoError(t, cs.CommitSettlement(ctx, commitFor("acct-1", "AAPL", 2)))

	_, ok := rdb.snapshot(t, "acct-1")
	assert.False(t, ok, "a stale version-1 snapshot must not survive")
}

func TestCachedStore_MissNeverReplacesNewerSnapshot(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	primary := &scriptedStore{Store: NewMemoryStore()}
	cs := NewCachedStore(primary, rdb, time.Minute)

	require.NoError(t, primary.Store.CommitSettlement(ctx, commitFor("acct-1", "AAPL", 1)))

	// A commit lands between the primary read and the cache fill.
	newer := commitFor("acct-1", "AAPL", 2).Ledger
	primary.beforeRead = func() { rdb.put(ledgerKey("acct-1"), newer) }

	l, err := cs.GetLedger(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), l.Version)

	snap, ok := rdb.snapshot(t, "acct-1")
	require.True(t, ok)
	assert.Equal(t, int64(2), snap.Version)
}

func TestCachedStore_MissFillsSnapshot(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	primary := NewMemoryStore()
	cs := NewCachedStore(primary, rdb, time.Minute)

	_, err := cs.GetLedger(ctx, "acct-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok := rdb.snapshot(t, "acct-1")
	assert.False(t, ok)

	require.NoError(t, primary.CommitSettlement(ctx, commitFor("acct-1", "AAPL", 1)))
	l, err := cs.GetLedger(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), l.Version)

	snap, ok := rdb.snapshot(t, "acct-1")
	require.True(t, ok)
	assert.Equal(t, "acct-1", snap.AccountID)
}
