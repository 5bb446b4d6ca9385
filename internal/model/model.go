// Package model defines the core domain types shared across the portfolio engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Valid reports whether s is Buy or Sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// ParseSide maps user input to a Side, ignoring case and surrounding space.
// "b" and "s" are accepted as shorthands. Anything else is returned as is
// so that validation rejects it.
func ParseSide(s string) Side {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "b":
		return SideBuy
	case "sell", "s":
		return SideSell
	}
	return Side(s)
}

// Trade is an immutable record of one settlement.
// Once created, these are never modified or deleted.
type Trade struct {
	ID         string          `json:"id"`
	AccountID  string          `json:"account_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	TotalValue decimal.Decimal `json:"total_value"` // quantity * price
	ExecutedAt time.Time       `json:"executed_at"`
}

// Position is a single symbol holding. A position with zero quantity never
// exists; it is removed from the ledger instead.
type Position struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
	TotalCost   decimal.Decimal `json:"total_cost"` // quantity * average_cost
	OpenedAt    time.Time       `json:"opened_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Ledger is the committed state of one account. The trade log itself lives
// in the store; Version counts the trades appended to it, so a ledger at
// version N reflects exactly the first N trades.
type Ledger struct {
	AccountID   string              `json:"account_id"`
	CashBalance decimal.Decimal     `json:"cash_balance"`
	Positions   map[string]Position `json:"positions"`
	Version     int64               `json:"version"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Clone returns a deep copy. Positions are values, so copying the map is enough.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	c := *l
	c.Positions = make(map[string]Position, len(l.Positions))
	for sym, p := range l.Positions {
		c.Positions[sym] = p
	}
	return &c
}

// PriceLookup returns the current reference price for a symbol.
type PriceLookup func(symbol string) decimal.Decimal

// TotalValue is cash plus the market value of every position.
func (l *Ledger) TotalValue(price PriceLookup) decimal.Decimal {
	total := l.CashBalance
	for sym, p := range l.Positions {
		total = total.Add(p.Quantity.Mul(price(sym)))
	}
	return total
}

// UnrealizedPnL is Σ quantity * (price - average cost) over open positions.
func (l *Ledger) UnrealizedPnL(price PriceLookup) decimal.Decimal {
	pnl := decimal.Zero
	for sym, p := range l.Positions {
		pnl = pnl.Add(p.Quantity.Mul(price(sym).Sub(p.AverageCost)))
	}
	return pnl
}

// SettlementEvent is the outbound message published once per applied trade.
// Downstream consumers (notifications, feed) depend on this schema and key
// idempotency on TradeID.
type SettlementEvent struct {
	TradeID    string          `json:"trade_id"`
	AccountID  string          `json:"account_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	TotalValue decimal.Decimal `json:"total_value"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// EventFromTrade builds the settlement event for t.
func EventFromTrade(t Trade) SettlementEvent {
	return SettlementEvent{
		TradeID:    t.ID,
		AccountID:  t.AccountID,
		Symbol:     t.Symbol,
		Side:       t.Side,
		Quantity:   t.Quantity,
		Price:      t.Price,
		TotalValue: t.TotalValue,
		ExecutedAt: t.ExecutedAt,
	}
}

// EventTypeTradeSettled is the outbox event type for SettlementEvent payloads.
const EventTypeTradeSettled = "TradeSettled"

// OutboxEvent is a settlement event waiting for (or past) publication.
// It is written in the same transaction as the trade it describes.
type OutboxEvent struct {
	ID          string     `json:"id"`
	TradeID     string     `json:"trade_id"`
	AccountID   string     `json:"account_id"`
	EventType   string     `json:"event_type"`
	Payload     []byte     `json:"payload"` // JSON-encoded SettlementEvent
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// PositionView is one row of the read projection.
type PositionView struct {
	Symbol               string          `json:"symbol"`
	Quantity             decimal.Decimal `json:"quantity"`
	AverageCost          decimal.Decimal `json:"average_cost"`
	TotalCost            decimal.Decimal `json:"total_cost"`
	CurrentPrice         decimal.Decimal `json:"current_price"`
	PriceAvailable       bool            `json:"price_available"`
	CurrentMarketValue   decimal.Decimal `json:"current_market_value"`
	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"`
}

// Portfolio is the read projection of a ledger valued at reference prices.
type Portfolio struct {
	AccountID            string          `json:"account_id"`
	CashBalance          decimal.Decimal `json:"cash_balance"`
	Positions            []PositionView  `json:"positions"`
	TotalValue           decimal.Decimal `json:"total_value"`
	TotalUnrealizedPnL   decimal.Decimal `json:"total_unrealized_pnl"`
	TotalUnrealizedPnLPc decimal.Decimal `json:"total_unrealized_pnl_percent"`
	TradeCount           int64           `json:"trade_count"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// TradePage is a page of trade history, newest first.
type TradePage struct {
	Trades     []Trade `json:"trades"`
	Page       int     `json:"page"`
	PageSize   int     `json:"page_size"`
	TotalCount int64   `json:"total_count"`
}
