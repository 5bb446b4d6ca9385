// Command ledgerctl operates the portfolio ledger from the shell: schema
// migration, one-off and batch settlements, portfolio and history queries,
// and manual outbox draining.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
