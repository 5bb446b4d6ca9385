package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tradeflow/portfolio-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	ledgers map[string]*model.Ledger
	trades  map[string][]model.Trade // per account, in execution order
	outbox  []model.OutboxEvent      // in commit order
	byID    map[string]int           // outbox id -> index
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledgers: make(map[string]*model.Ledger),
		trades:  make(map[string][]model.Trade),
		byID:    make(map[string]int),
	}
}

func (s *MemoryStore) GetLedger(_ context.Context, accountID string) (*model.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.ledgers[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	// Copy to avoid external mutation.
	return l.Clone(), nil
}

func (s *MemoryStore) CommitSettlement(_ context.Context, c *Commit) error {
	if err := c.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	accountID := c.Ledger.AccountID
	existing, ok := s.ledgers[accountID]
	switch {
	case c.Created && ok:
		return fmt.Errorf("%w: %s already exists", ErrVersionConflict, accountID)
	case !c.Created && !ok:
		return fmt.Errorf("%w: %s does not exist", ErrVersionConflict, accountID)
	case !c.Created && existing.Version != c.ExpectedVersion:
		return fmt.Errorf("%w: %s at version %d, expected %d",
			ErrVersionConflict, accountID, existing.Version, c.ExpectedVersion)
	}
	if _, dup := s.byID[c.Event.ID]; dup {
		return fmt.Errorf("outbox event %s already exists", c.Event.ID)
	}

	s.ledgers[accountID] = c.Ledger.Clone()
	s.trades[accountID] = append(s.trades[accountID], c.Trade)
	s.byID[c.Event.ID] = len(s.outbox)
	s.outbox = append(s.outbox, c.Event)
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, accountID string, offset, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || offset < 0 {
		return []model.Trade{}, nil
	}
	log := s.trades[accountID]
	result := make([]model.Trade, 0, limit)
	for i := len(log) - 1 - offset; i >= 0 && len(result) < limit; i-- {
		result = append(result, log[i])
	}
	return result, nil
}

func (s *MemoryStore) CountTrades(_ context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.trades[accountID])), nil
}

func (s *MemoryStore) PendingEvents(_ context.Context, limit int) ([]model.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OutboxEvent
	for _, e := range s.outbox {
		if len(result) >= limit {
			break
		}
		if e.PublishedAt == nil {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) MarkPublished(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("outbox event %s not found", id)
	}
	at = at.UTC()
	s.outbox[i].PublishedAt = &at
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("outbox event %s not found", id)
	}
	s.outbox[i].Attempts++
	s.outbox[i].LastError = reason
	return nil
}

// Events returns a copy of every outbox event, published or not.
func (s *MemoryStore) Events() []model.OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.OutboxEvent, len(s.outbox))
	copy(out, s.outbox)
	return out
}

// validate checks the internal consistency of a commit before any write.
func (c *Commit) validate() error {
	if c.Ledger == nil {
		return fmt.Errorf("commit: missing ledger")
	}
	if c.Ledger.Version != c.ExpectedVersion+1 {
		return fmt.Errorf("commit: ledger version %d does not follow %d", c.Ledger.Version, c.ExpectedVersion)
	}
	if c.Trade.AccountID != c.Ledger.AccountID || c.Event.AccountID != c.Ledger.AccountID {
		return fmt.Errorf("commit: trade and event must belong to %s", c.Ledger.AccountID)
	}
	if c.Event.TradeID != c.Trade.ID {
		return fmt.Errorf("commit: event %s does not describe trade %s", c.Event.ID, c.Trade.ID)
	}
	if c.Ledger.CashBalance.IsNegative() {
		return fmt.Errorf("commit: negative cash balance %s", c.Ledger.CashBalance)
	}
	return nil
}
