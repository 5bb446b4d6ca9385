package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeflow/portfolio-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPool connects to dbURL and registers shopspring decimals for NUMERIC
// on every connection.
func OpenPool(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.AfterConnect = func(_ context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLedger(ctx context.Context, accountID string) (*model.Ledger, error) {
	l := model.Ledger{AccountID: accountID, Positions: make(map[string]model.Position)}

	err := s.pool.QueryRow(ctx,
		`SELECT cash_balance, version, created_at, updated_at
		 FROM accounts WHERE account_id = $1`, accountID).
		Scan(&l.CashBalance, &l.Version, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger %s: %w", accountID, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT symbol, quantity, average_cost, total_cost, opened_at, updated_at
		 FROM positions WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, fmt.Errorf("get positions %s: %w", accountID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.Symbol, &p.Quantity, &p.AverageCost, &p.TotalCost,
			&p.OpenedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		l.Positions[p.Symbol] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &l, nil
}

// CommitSettlement writes the account row, the touched position, the trade
// and the outbox event in one transaction. The account row is guarded by
// its version so a concurrent writer on another instance cannot interleave.
func (s *PostgresStore) CommitSettlement(ctx context.Context, c *Commit) error {
	if err := c.validate(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	l := c.Ledger
	if c.Created {
		tag, err := tx.Exec(ctx,
			`INSERT INTO accounts (account_id, cash_balance, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (account_id) DO NOTHING`,
			l.AccountID, l.CashBalance, l.Version, l.CreatedAt, l.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s already exists", ErrVersionConflict, l.AccountID)
		}
	} else {
		tag, err := tx.Exec(ctx,
			`UPDATE accounts SET cash_balance = $2, version = $3, updated_at = $4
			 WHERE account_id = $1 AND version = $5`,
			l.AccountID, l.CashBalance, l.Version, l.UpdatedAt, c.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s moved past version %d", ErrVersionConflict, l.AccountID, c.ExpectedVersion)
		}
	}

	if p, ok := l.Positions[c.Symbol]; ok {
		_, err = tx.Exec(ctx,
			`INSERT INTO positions (account_id, symbol, quantity, average_cost, total_cost, opened_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (account_id, symbol) DO UPDATE
			 SET quantity = EXCLUDED.quantity,
			     average_cost = EXCLUDED.average_cost,
			     total_cost = EXCLUDED.total_cost,
			     updated_at = EXCLUDED.updated_at`,
			l.AccountID, p.Symbol, p.Quantity, p.AverageCost, p.TotalCost, p.OpenedAt, p.UpdatedAt)
	} else {
		_, err = tx.Exec(ctx,
			`DELETE FROM positions WHERE account_id = $1 AND symbol = $2`,
			l.AccountID, c.Symbol)
	}
	if err != nil {
		return fmt.Errorf("write position %s: %w", c.Symbol, err)
	}

	t := c.Trade
	if _, err := tx.Exec(ctx,
		`INSERT INTO trades (id, account_id, seq, symbol, side, quantity, price, total_value, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.AccountID, l.Version, t.Symbol, string(t.Side),
		t.Quantity, t.Price, t.TotalValue, t.ExecutedAt); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}

	e := c.Event
	if _, err := tx.Exec(ctx,
		`INSERT INTO outbox_events (id, trade_id, account_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.TradeID, e.AccountID, e.EventType, e.Payload, e.CreatedAt); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, accountID string, offset, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, account_id, symbol, side, quantity, price, total_value, executed_at
		 FROM trades WHERE account_id = $1
		 ORDER BY seq DESC
		 OFFSET $2 LIMIT $3`, accountID, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades := []model.Trade{}
	for rows.Next() {
		var t model.Trade
		var side string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Symbol, &side,
			&t.Quantity, &t.Price, &t.TotalValue, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) CountTrades(ctx context.Context, accountID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades WHERE account_id = $1`, accountID).Scan(&n)
	return n, err
}

func (s *PostgresStore) PendingEvents(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, trade_id::TEXT, account_id, event_type, payload, attempts, last_error, created_at
		 FROM outbox_events
		 WHERE published_at IS NULL
		 ORDER BY seq
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.OutboxEvent
	for rows.Next() {
		var e model.OutboxEvent
		if err := rows.Scan(&e.ID, &e.TradeID, &e.AccountID, &e.EventType,
			&e.Payload, &e.Attempts, &e.LastError, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox_events SET published_at = $2
		 WHERE id = $1 AND published_at IS NULL`, id, at.UTC())
	return err
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox_events SET attempts = attempts + 1, last_error = $2
		 WHERE id = $1`, id, reason)
	return err
}
