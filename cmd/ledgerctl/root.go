package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tradeflow/portfolio-engine/internal/app"
	"github.com/tradeflow/portfolio-engine/internal/config"
	"github.com/tradeflow/portfolio-engine/internal/ledger"
	"github.com/tradeflow/portfolio-engine/internal/logging"
	"github.com/tradeflow/portfolio-engine/internal/trade"
)

// env is the state shared by every subcommand once the root has run.
type env struct {
	configFile string
	cfg        *config.Config
	logger     *slog.Logger
	deps       *app.Deps
	svc        *trade.Service
	out        io.Writer
}

func newRootCmd() *cobra.Command {
	e := &env{out: os.Stdout}

	cmd := &cobra.Command{
		Use:          "ledgerctl",
		Short:        "Operate the portfolio settlement ledger",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return e.open(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if e.deps != nil {
				e.deps.Close()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&e.configFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(
		newMigrateCmd(e),
		newSettleCmd(e),
		newPortfolioCmd(e),
		newTradesCmd(e),
		newReplayCmd(e),
		newOutboxCmd(e),
		newTokenCmd(e),
	)
	return cmd
}

func (e *env) open(cmd *cobra.Command) error {
	cfg, err := config.Load(e.configFile)
	if err != nil {
		return err
	}
	logger, _, err := logging.New(logging.Config{Level: cfg.Log.Level}, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	deps, err := app.Open(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}

	e.cfg = cfg
	e.logger = logger
	e.deps = deps
	e.svc = trade.NewService(deps.Store, ledger.NewEngine(cfg.SeedCash), deps.Prices,
		trade.WithLogger(logger))
	e.out = cmd.OutOrStdout()
	return nil
}

func (e *env) print(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
