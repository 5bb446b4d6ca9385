// Package store defines the persistence contract for the portfolio engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache of ledger snapshots), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tradeflow/portfolio-engine/internal/model"
)

var (
	// ErrNotFound is returned when an account has no ledger yet.
	ErrNotFound = errors.New("store: ledger not found")

	// ErrVersionConflict is returned when the stored ledger moved past the
	// version a commit was computed from. Nothing is written.
	ErrVersionConflict = errors.New("store: ledger version conflict")
)

// Commit is one settlement's durable delta: the new ledger state, the
// appended trade and the outbox event announcing it. All parts are written
// atomically or not at all.
type Commit struct {
	// Ledger is the state after the trade. Ledger.Version must be
	// ExpectedVersion+1.
	Ledger *model.Ledger

	// ExpectedVersion is the version the trade was applied to; 0 with
	// Created set means the ledger is new.
	ExpectedVersion int64
	Created         bool

	// Symbol is the only position the trade touched. If Ledger holds no
	// position for it, the stored position is deleted.
	Symbol string

	Trade model.Trade
	Event model.OutboxEvent
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Ledger ---

	// GetLedger returns the committed ledger for accountID, or ErrNotFound.
	GetLedger(ctx context.Context, accountID string) (*model.Ledger, error)

	// CommitSettlement atomically applies c.
	CommitSettlement(ctx context.Context, c *Commit) error

	// --- Immutable trade log ---

	// ListTrades returns an account's trades newest first.
	ListTrades(ctx context.Context, accountID string, offset, limit int) ([]model.Trade, error)

	// CountTrades returns the length of an account's trade log.
	CountTrades(ctx context.Context, accountID string) (int64, error)

	Outbox
}

// Outbox is the durable queue of settlement events awaiting publication.
type Outbox interface {
	// PendingEvents returns up to limit unpublished events in commit order.
	PendingEvents(ctx context.Context, limit int) ([]model.OutboxEvent, error)

	// MarkPublished records the transport's acknowledgment of an event.
	MarkPublished(ctx context.Context, id string, at time.Time) error

	// MarkFailed records a failed publication attempt.
	MarkFailed(ctx context.Context, id string, reason string) error
}
