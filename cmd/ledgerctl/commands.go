package main

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tradeflow/portfolio-engine/internal/auth"
	"github.com/tradeflow/portfolio-engine/internal/ledger"
	"github.com/tradeflow/portfolio-engine/internal/model"
	"github.com/tradeflow/portfolio-engine/internal/outbox"
)

func newMigrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger schema in PostgreSQL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if e.deps.Postgres == nil {
				return fmt.Errorf("DATABASE_URL is not set")
			}
			if err := e.deps.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(e.out, "schema up to date")
			return nil
		},
	}
}

func newSettleCmd(e *env) *cobra.Command {
	var account, sym, side, qty, price string

	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Settle one trade",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := buildRequest(account, sym, side, qty, price)
			if err != nil {
				return err
			}
			res, err := e.svc.Settle(cmd.Context(), req)
			if err != nil {
				return err
			}
			return e.print(res.Trade)
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account id")
	cmd.Flags().StringVar(&sym, "symbol", "", "instrument symbol")
	cmd.Flags().StringVar(&side, "side", "", "Buy or Sell")
	cmd.Flags().StringVar(&qty, "qty", "", "quantity")
	cmd.Flags().StringVar(&price, "price", "", "execution price")
	for _, f := range []string{"account", "symbol", "side", "qty", "price"} {
		cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newPortfolioCmd(e *env) *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "portfolio",
		Short: "Show an account's valued portfolio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := e.svc.Portfolio(cmd.Context(), account)
			if err != nil {
				return err
			}
			return e.print(p)
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account id")
	cmd.MarkFlagRequired("account")
	return cmd
}

func newTradesCmd(e *env) *cobra.Command {
	var account string
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List an account's trades, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tp, err := e.svc.Trades(cmd.Context(), account, page, pageSize)
			if err != nil {
				return err
			}
			return e.print(tp)
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account id")
	cmd.Flags().IntVar(&page, "page", 1, "page number, 1-based")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "trades per page")
	cmd.MarkFlagRequired("account")
	return cmd
}

func newOutboxCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and relay settlement events",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Publish every pending event once, in commit order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			relay := outbox.NewRelay(e.deps.Store, e.deps.Publisher,
				outbox.WithBatchSize(e.cfg.OutboxBatchSize),
				outbox.WithLogger(e.logger))
			n, err := relay.Drain(cmd.Context())
			fmt.Fprintf(e.out, "published %d events\n", n)
			return err
		},
	})
	return cmd
}

func newTokenCmd(e *env) *cobra.Command {
	var account string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an account (needs JWT_SECRET)",
		RunE: func(_ *cobra.Command, _ []string) error {
			token, err := auth.NewVerifier(e.cfg.JWTSecret).Issue(account, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account id")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.MarkFlagRequired("account")
	return cmd
}

// buildRequest parses CLI text into a settlement request. Shape checks
// beyond parsing are left to the engine.
func buildRequest(account, sym, side, qty, price string) (ledger.Request, error) {
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return ledger.Request{}, fmt.Errorf("%w: quantity %q", ledger.ErrInvalidRequest, qty)
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return ledger.Request{}, fmt.Errorf("%w: price %q", ledger.ErrInvalidRequest, price)
	}
	return ledger.Request{
		AccountID: account,
		Symbol:    sym,
		Side:      model.ParseSide(side),
		Quantity:  q,
		Price:     p,
	}, nil
}
