// Package trade provides the settlement service and the HTTP handlers for
// executing trades and querying portfolios and trade history.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeflow/portfolio-engine/internal/guard"
	"github.com/tradeflow/portfolio-engine/internal/ledger"
	"github.com/tradeflow/portfolio-engine/internal/marketdata"
	"github.com/tradeflow/portfolio-engine/internal/metrics"
	"github.com/tradeflow/portfolio-engine/internal/model"
	"github.com/tradeflow/portfolio-engine/internal/outbox"
	"github.com/tradeflow/portfolio-engine/internal/store"
)

var (
	// ErrPersistence is returned when a settlement was accepted by the
	// engine but could not be committed. Nothing is visible afterwards.
	ErrPersistence = errors.New("trade: settlement could not be persisted")

	// ErrCancelled is returned when the caller gave up while queued behind
	// another settlement of the same account. The trade never ran.
	ErrCancelled = errors.New("trade: request cancelled before settlement")

	// ErrPortfolioNotFound is returned for accounts that never traded.
	ErrPortfolioNotFound = errors.New("trade: portfolio not found")
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

var hundred = decimal.NewFromInt(100)

// Notifier is told that new outbox events were committed.
type Notifier interface {
	Notify()
}

// Service settles trades one account at a time and serves the read side.
// Settlements of one account are serialized by a keyed guard; different
// accounts proceed in parallel.
type Service struct {
	store    store.Store
	engine   *ledger.Engine
	guard    *guard.Guard
	prices   marketdata.PriceSource
	notifier Notifier
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier wakes n after every commit, typically the outbox relay.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithGuard shares g with other settlement entry points in the process.
func WithGuard(g *guard.Guard) Option {
	return func(s *Service) { s.guard = g }
}

// NewService creates a settlement service. prices may be nil, in which case
// every position is valued at its average cost.
func NewService(st store.Store, engine *ledger.Engine, prices marketdata.PriceSource, opts ...Option) *Service {
	s := &Service{
		store:  st,
		engine: engine,
		guard:  guard.New(),
		prices: prices,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result is what a successful settlement returns to the caller.
type Result struct {
	Trade  model.Trade
	Ledger *model.Ledger
	Event  model.SettlementEvent
}

// Settle applies req to its account. Validation happens before queueing;
// once the account's section is held the load, apply and commit run to
// completion even if ctx is cancelled, so an admitted trade is never left
// half done.
func (s *Service) Settle(ctx context.Context, req ledger.Request) (*Result, error) {
	start := time.Now()
	side := string(req.Side)

	req, err := ledger.Validate(req)
	if err != nil {
		s.observe(side, metrics.OutcomeInvalid, start)
		return nil, err
	}

	release, err := s.guard.Acquire(ctx, req.AccountID)
	if err != nil {
		s.observe(side, metrics.OutcomeCancelled, start)
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	defer release()

	work := context.WithoutCancel(ctx)

	current, err := s.store.GetLedger(work, req.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		current = nil
	} else if err != nil {
		s.observe(side, metrics.OutcomePersistenceFailure, start)
		s.logger.Error("load ledger failed", "account", req.AccountID, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	st, err := s.engine.Apply(current, req)
	if err != nil {
		s.observe(side, rejectionOutcome(err), start)
		s.logger.Info("trade rejected",
			"account", req.AccountID,
			"symbol", req.Symbol,
			"side", side,
			"qty", req.Quantity.String(),
			"price", req.Price.String(),
			"err", err,
		)
		return nil, err
	}

	ev, err := outbox.NewOutboxEvent(st.Event, st.Trade.ExecutedAt)
	if err != nil {
		s.observe(side, metrics.OutcomePersistenceFailure, start)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	commit := &store.Commit{
		Ledger:          st.Ledger,
		ExpectedVersion: st.Ledger.Version - 1,
		Created:         st.Created,
		Symbol:          st.Symbol,
		Trade:           st.Trade,
		Event:           ev,
	}
	if err := s.store.CommitSettlement(work, commit); err != nil {
		s.observe(side, metrics.OutcomePersistenceFailure, start)
		s.logger.Error("settlement commit failed",
			"account", req.AccountID,
			"trade_id", st.Trade.ID,
			"err", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if s.notifier != nil {
		s.notifier.Notify()
	}
	s.observe(side, metrics.OutcomeApplied, start)
	metrics.TradeVolume.WithLabelValues(side).Add(st.Trade.TotalValue.InexactFloat64())

	s.logger.Info("trade settled",
		"trade_id", st.Trade.ID,
		"account", req.AccountID,
		"symbol", st.Trade.Symbol,
		"side", side,
		"qty", st.Trade.Quantity.String(),
		"price", st.Trade.Price.String(),
		"cash", st.Ledger.CashBalance.String(),
		"version", st.Ledger.Version,
	)

	return &Result{Trade: st.Trade, Ledger: st.Ledger, Event: st.Event}, nil
}

// Portfolio values accountID's committed ledger at current reference
// prices. Symbols without a price are valued at average cost.
func (s *Service) Portfolio(ctx context.Context, accountID string) (*model.Portfolio, error) {
	l, err := s.store.GetLedger(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPortfolioNotFound, accountID)
	}
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(l.Positions))
	for sym := range l.Positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	quotes := map[string]decimal.Decimal{}
	if s.prices != nil && len(symbols) > 0 {
		q, err := s.prices.Prices(ctx, symbols)
		if err != nil {
			s.logger.Warn("price lookup failed, valuing at cost", "account", accountID, "err", err)
		} else {
			quotes = q
		}
	}
	lookup := func(sym string) decimal.Decimal {
		if px, ok := quotes[sym]; ok {
			return px
		}
		return l.Positions[sym].AverageCost
	}

	views := make([]model.PositionView, 0, len(symbols))
	totalCost := decimal.Zero
	for _, sym := range symbols {
		p := l.Positions[sym]
		_, priced := quotes[sym]
		px := lookup(sym)
		pnl := p.Quantity.Mul(px.Sub(p.AverageCost))

		views = append(views, model.PositionView{
			Symbol:               sym,
			Quantity:             p.Quantity,
			AverageCost:          p.AverageCost,
			TotalCost:            p.TotalCost,
			CurrentPrice:         px,
			PriceAvailable:       priced,
			CurrentMarketValue:   p.Quantity.Mul(px),
			UnrealizedPnL:        pnl,
			UnrealizedPnLPercent: percent(pnl, p.TotalCost),
		})
		totalCost = totalCost.Add(p.TotalCost)
	}

	totalPnL := l.UnrealizedPnL(lookup)
	return &model.Portfolio{
		AccountID:            l.AccountID,
		CashBalance:          l.CashBalance,
		Positions:            views,
		TotalValue:           l.TotalValue(lookup),
		TotalUnrealizedPnL:   totalPnL,
		TotalUnrealizedPnLPc: percent(totalPnL, totalCost),
		TradeCount:           l.Version,
		CreatedAt:            l.CreatedAt,
		UpdatedAt:            l.UpdatedAt,
	}, nil
}

// Trades returns one page of accountID's history, newest first. page is
// 1-based; out-of-range sizes are clamped.
func (s *Service) Trades(ctx context.Context, accountID string, page, pageSize int) (*model.TradePage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	total, err := s.store.CountTrades(ctx, accountID)
	if err != nil {
		return nil, err
	}
	trades, err := s.store.ListTrades(ctx, accountID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return &model.TradePage{
		Trades:     trades,
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
	}, nil
}

func (s *Service) observe(side, outcome string, start time.Time) {
	if side != string(model.SideBuy) && side != string(model.SideSell) {
		side = "unknown"
	}
	metrics.SettlementsTotal.WithLabelValues(side, outcome).Inc()
	metrics.SettlementLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
}

func rejectionOutcome(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return metrics.OutcomeInsufficientFunds
	case errors.Is(err, ledger.ErrNoPosition):
		return metrics.OutcomeNoPosition
	case errors.Is(err, ledger.ErrInsufficientQuantity):
		return metrics.OutcomeInsufficientQuantity
	default:
		return metrics.OutcomeInvalid
	}
}

// percent is part/whole*100 rounded to 2 places, or zero when whole is zero.
func percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(2)
}
