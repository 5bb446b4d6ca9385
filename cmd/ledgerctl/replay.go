package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tradeflow/portfolio-engine/internal/ledger"
	"github.com/tradeflow/portfolio-engine/internal/trade"
)

// ReplayFile is a batch of trades settled in file order.
//
//	account_id: acct-1        # default for entries without one
//	trades:
//	  - {symbol: AAPL, side: Buy, quantity: "10", price: "150"}
//	  - {account_id: acct-2, symbol: MSFT, side: Sell, quantity: 1, price: 310.5}
type ReplayFile struct {
	AccountID string        `yaml:"account_id"`
	Trades    []ReplayTrade `yaml:"trades"`
}

// ReplayTrade is one entry of a ReplayFile. Amounts are kept as text so
// they reach the decimal parser without a float round trip.
type ReplayTrade struct {
	AccountID string `yaml:"account_id"`
	Symbol    string `yaml:"symbol"`
	Side      string `yaml:"side"`
	Quantity  string `yaml:"quantity"`
	Price     string `yaml:"price"`
}

// ReplaySummary reports the outcome of a replay.
type ReplaySummary struct {
	Applied  int            `json:"applied"`
	Rejected int            `json:"rejected"`
	Errors   []ReplayResult `json:"errors,omitempty"`
}

// ReplayResult describes one entry that did not settle.
type ReplayResult struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

func newReplayCmd(e *env) *cobra.Command {
	var file string
	var stopOnError bool

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Settle a YAML batch of trades sequentially",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			batch, err := parseReplay(f)
			if err != nil {
				return err
			}
			summary, err := replay(cmd.Context(), e.svc, batch, stopOnError)
			if perr := e.print(summary); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML trade batch")
	cmd.Flags().BoolVar(&stopOnError, "stop-on-error", false, "abort at the first rejected trade")
	cmd.MarkFlagRequired("file")
	return cmd
}

func parseReplay(r io.Reader) (*ReplayFile, error) {
	var batch ReplayFile
	if err := yaml.NewDecoder(r).Decode(&batch); err != nil {
		return nil, fmt.Errorf("parse replay file: %w", err)
	}
	for i := range batch.Trades {
		if batch.Trades[i].AccountID == "" {
			batch.Trades[i].AccountID = batch.AccountID
		}
	}
	return &batch, nil
}

// replay settles every entry in order. Rejections are counted and, unless
// stopOnError is set, skipped; any other failure aborts the replay.
func replay(ctx context.Context, svc *trade.Service, batch *ReplayFile, stopOnError bool) (ReplaySummary, error) {
	var summary ReplaySummary
	for i, t := range batch.Trades {
		req, err := buildRequest(t.AccountID, t.Symbol, t.Side, t.Quantity, t.Price)
		if err == nil {
			_, err = svc.Settle(ctx, req)
		}
		if err == nil {
			summary.Applied++
			continue
		}

		summary.Errors = append(summary.Errors, ReplayResult{Index: i, Error: err.Error()})
		if !ledger.IsRejection(err) {
			return summary, fmt.Errorf("trade %d: %w", i, err)
		}
		summary.Rejected++
		if stopOnError {
			return summary, fmt.Errorf("trade %d rejected: %w", i, err)
		}
	}
	return summary, nil
}
