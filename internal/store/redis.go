package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradeflow/portfolio-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache of ledger snapshots. Commits go to the primary store and then
// overwrite the snapshot; reads check Redis first then fall back to the
// primary. Trades and the outbox are never cached.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, then refresh cache) ---

func (s *CachedStore) CommitSettlement(ctx context.Context, c *Commit) error {
	if err := s.primary.CommitSettlement(ctx, c); err != nil {
		// The commit may or may not have landed; drop the snapshot.
		s.rdb.Del(ctx, ledgerKey(c.Ledger.AccountID))
		return err
	}
	if data, err := json.Marshal(c.Ledger); err == nil {
		if err := s.rdb.Set(ctx, ledgerKey(c.Ledger.AccountID), data, s.ttl).Err(); err != nil {
			slog.Warn("ledger cache refresh failed", "account_id", c.Ledger.AccountID, "err", err)
			s.rdb.Del(ctx, ledgerKey(c.Ledger.AccountID))
		}
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetLedger(ctx context.Context, accountID string) (*model.Ledger, error) {
	data, err := s.rdb.Get(ctx, ledgerKey(accountID)).Bytes()
	if err == nil {
		var l model.Ledger
		if json.Unmarshal(data, &l) == nil && l.AccountID == accountID {
			if l.Positions == nil {
				l.Positions = make(map[string]model.Position)
			}
			return &l, nil
		}
	}

	// Cache miss: read from primary.
	l, err := s.primary.GetLedger(ctx, accountID)
	if err != nil {
		return nil, err
	}

	// SetNX so a snapshot written by a newer commit is never replaced by
	// this possibly older read.
	if data, err := json.Marshal(l); err == nil {
		s.rdb.SetNX(ctx, ledgerKey(accountID), data, s.ttl)
	}
	return l, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTrades(ctx context.Context, accountID string, offset, limit int) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, accountID, offset, limit)
}

func (s *CachedStore) CountTrades(ctx context.Context, accountID string) (int64, error) {
	return s.primary.CountTrades(ctx, accountID)
}

func (s *CachedStore) PendingEvents(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	return s.primary.PendingEvents(ctx, limit)
}

func (s *CachedStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	return s.primary.MarkPublished(ctx, id, at)
}

func (s *CachedStore) MarkFailed(ctx context.Context, id string, reason string) error {
	return s.primary.MarkFailed(ctx, id, reason)
}

func ledgerKey(accountID string) string { return fmt.Sprintf("ledger:%s", accountID) }
