// Package ledger implements the settlement engine: the pure function that
// applies one trade request to an account ledger and yields the new ledger
// state, the immutable trade record and the settlement event to publish.
//
// Accounting follows the weighted-average cost model:
//   - a buy adds its cost to the position's total cost and recomputes
//     average cost = total cost / quantity
//   - a sell releases quantity at the unchanged average cost; the remaining
//     total cost is quantity * average cost
//
// Realized P&L per lot is not tracked.
//
// All monetary values use shopspring/decimal, never float64 for money.
// Apply never mutates its input; a rejection leaves no trace.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradeflow/portfolio-engine/internal/model"
	"github.com/tradeflow/portfolio-engine/internal/symbol"
)

var (
	// ErrInvalidRequest is returned for non-positive quantity or price,
	// an unknown side, a missing account or a malformed symbol.
	ErrInvalidRequest = errors.New("ledger: invalid request")

	// ErrInsufficientFunds is returned when a buy costs more than the cash balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrNoPosition is returned when selling a symbol the account does not hold.
	ErrNoPosition = errors.New("ledger: no position")

	// ErrInsufficientQuantity is returned when selling more than is held.
	ErrInsufficientQuantity = errors.New("ledger: insufficient quantity")

	// DefaultSeedCash is the balance of a freshly created ledger.
	DefaultSeedCash = decimal.NewFromInt(100000)
)

const (
	// QuantityScale and PriceScale are the fractional digits accepted on
	// request quantity and price.
	QuantityScale int32 = 8
	PriceScale    int32 = 8

	// CostScale is the number of decimal places kept on average cost.
	CostScale int32 = 8
)

// IsRejection reports whether err is one of the engine's rejection kinds.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrNoPosition) ||
		errors.Is(err, ErrInsufficientQuantity)
}

// Request is a settlement request for one account.
type Request struct {
	AccountID string          `json:"account_id" yaml:"account_id"`
	Symbol    string          `json:"symbol" yaml:"symbol"`
	Side      model.Side      `json:"side" yaml:"side"`
	Quantity  decimal.Decimal `json:"quantity" yaml:"quantity"`
	Price     decimal.Decimal `json:"price" yaml:"price"`
}

// Validate checks the request shape and returns it with the symbol
// normalized. It needs no ledger state, so callers run it before taking
// the account's lock.
func Validate(req Request) (Request, error) {
	if req.AccountID == "" {
		return req, fmt.Errorf("%w: account_id is required", ErrInvalidRequest)
	}
	sym, err := symbol.Normalize(req.Symbol)
	if err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Symbol = sym

	if !req.Side.Valid() {
		return req, fmt.Errorf("%w: side must be Buy or Sell, got %q", ErrInvalidRequest, req.Side)
	}
	if !req.Quantity.IsPositive() {
		return req, fmt.Errorf("%w: quantity must be positive, got %s", ErrInvalidRequest, req.Quantity)
	}
	if !req.Price.IsPositive() {
		return req, fmt.Errorf("%w: price must be positive, got %s", ErrInvalidRequest, req.Price)
	}
	if !req.Quantity.Equal(req.Quantity.Truncate(QuantityScale)) {
		return req, fmt.Errorf("%w: quantity has more than %d decimal places", ErrInvalidRequest, QuantityScale)
	}
	if !req.Price.Equal(req.Price.Truncate(PriceScale)) {
		return req, fmt.Errorf("%w: price has more than %d decimal places", ErrInvalidRequest, PriceScale)
	}
	return req, nil
}

// Settlement is the outcome of a successful Apply: everything the caller
// needs to persist and publish, in the order it should happen.
type Settlement struct {
	Ledger  *model.Ledger         // new state, Version incremented
	Trade   model.Trade           // appended trade record
	Event   model.SettlementEvent // to publish after commit
	Created bool                  // ledger did not exist before this trade
	Symbol  string                // the one position key touched
}

// Engine applies trade requests. It is stateless: ledgers are passed in
// and returned, never stored.
type Engine struct {
	seed  decimal.Decimal
	now   func() time.Time
	newID func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the trade timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides trade id generation.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// NewEngine creates an engine that seeds new ledgers with seed cash.
// A non-positive seed falls back to DefaultSeedCash.
func NewEngine(seed decimal.Decimal, opts ...Option) *Engine {
	if !seed.IsPositive() {
		seed = DefaultSeedCash
	}
	e := &Engine{
		seed:  seed,
		now:   func() time.Time { return time.Now().UTC() },
		newID: newTradeID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Seed returns the opening cash balance of new ledgers.
func (e *Engine) Seed() decimal.Decimal {
	return e.seed
}

// Apply validates req against current and returns the resulting settlement.
// current may be nil when the account has no ledger yet. On error the
// returned settlement is nil and current is untouched.
func (e *Engine) Apply(current *model.Ledger, req Request) (*Settlement, error) {
	req, err := Validate(req)
	if err != nil {
		return nil, err
	}
	if current != nil && current.AccountID != req.AccountID {
		return nil, fmt.Errorf("%w: ledger belongs to %s, request for %s",
			ErrInvalidRequest, current.AccountID, req.AccountID)
	}

	now := e.now()

	var next *model.Ledger
	created := false
	switch {
	case current != nil:
		next = current.Clone()
	case req.Side == model.SideBuy:
		next = e.open(req.AccountID, now)
		created = true
	default:
		// Selling from an account that has never traded.
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, req.Symbol)
	}

	var value decimal.Decimal
	if req.Side == model.SideBuy {
		value, err = buy(next, req, now)
	} else {
		value, err = sell(next, req, now)
	}
	if err != nil {
		return nil, err
	}

	next.Version++
	next.UpdatedAt = now

	trade := model.Trade{
		ID:         e.newID(),
		AccountID:  req.AccountID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Price:      req.Price,
		TotalValue: value,
		ExecutedAt: now,
	}

	return &Settlement{
		Ledger:  next,
		Trade:   trade,
		Event:   model.EventFromTrade(trade),
		Created: created,
		Symbol:  req.Symbol,
	}, nil
}

func (e *Engine) open(accountID string, now time.Time) *model.Ledger {
	return &model.Ledger{
		AccountID:   accountID,
		CashBalance: e.seed,
		Positions:   make(map[string]model.Position),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// buy debits cost and merges the quantity into the position. Returns the
// trade's total value.
func buy(l *model.Ledger, req Request, now time.Time) (decimal.Decimal, error) {
	cost := req.Quantity.Mul(req.Price)
	if cost.GreaterThan(l.CashBalance) {
		return decimal.Zero, fmt.Errorf("%w: cost %s exceeds cash balance %s",
			ErrInsufficientFunds, cost, l.CashBalance)
	}

	l.CashBalance = l.CashBalance.Sub(cost)

	pos, ok := l.Positions[req.Symbol]
	if !ok {
		l.Positions[req.Symbol] = model.Position{
			Symbol:      req.Symbol,
			Quantity:    req.Quantity,
			AverageCost: req.Price,
			TotalCost:   cost,
			OpenedAt:    now,
			UpdatedAt:   now,
		}
		return cost, nil
	}

	pos.TotalCost = pos.TotalCost.Add(cost)
	pos.Quantity = pos.Quantity.Add(req.Quantity)
	pos.AverageCost = pos.TotalCost.DivRound(pos.Quantity, CostScale)
	pos.UpdatedAt = now
	l.Positions[req.Symbol] = pos
	return cost, nil
}

// sell credits proceeds and releases quantity at the unchanged average
// cost. A position reduced to zero is removed. Returns the trade's total value.
func sell(l *model.Ledger, req Request, now time.Time) (decimal.Decimal, error) {
	pos, ok := l.Positions[req.Symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPosition, req.Symbol)
	}
	if req.Quantity.GreaterThan(pos.Quantity) {
		return decimal.Zero, fmt.Errorf("%w: selling %s %s, holding %s",
			ErrInsufficientQuantity, req.Quantity, req.Symbol, pos.Quantity)
	}

	proceeds := req.Quantity.Mul(req.Price)
	l.CashBalance = l.CashBalance.Add(proceeds)

	pos.Quantity = pos.Quantity.Sub(req.Quantity)
	if pos.Quantity.IsZero() {
		delete(l.Positions, req.Symbol)
		return proceeds, nil
	}
	pos.TotalCost = pos.Quantity.Mul(pos.AverageCost)
	pos.UpdatedAt = now
	l.Positions[req.Symbol] = pos
	return proceeds, nil
}

// newTradeID returns a time-ordered UUID so trade ids sort by creation.
func newTradeID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
