package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/tradeflow/portfolio-engine/internal/app"
	"github.com/tradeflow/portfolio-engine/internal/auth"
	"github.com/tradeflow/portfolio-engine/internal/config"
	"github.com/tradeflow/portfolio-engine/internal/ledger"
	"github.com/tradeflow/portfolio-engine/internal/logging"
	"github.com/tradeflow/portfolio-engine/internal/metrics"
	"github.com/tradeflow/portfolio-engine/internal/outbox"
	"github.com/tradeflow/portfolio-engine/internal/trade"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		slog.Error("logger", "err", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("portfolio-engine failed", "err", err)
		os.Exit(1)
	}
	slog.Info("portfolio-engine stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---
	deps, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	if err := deps.Migrate(ctx); err != nil {
		return err
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub(logger)

	// --- Outbox relay ---
	relay := outbox.NewRelay(deps.Store, deps.Publisher,
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithListener(wsHub),
		outbox.WithLogger(logger),
	)

	// --- Trade service ---
	tradeSvc := trade.NewService(deps.Store, ledger.NewEngine(cfg.SeedCash), deps.Prices,
		trade.WithNotifier(relay),
		trade.WithLogger(logger),
	)

	verifier := auth.NewVerifier(cfg.JWTSecret)
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, trusting X-Account-ID from the gateway")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.HeaderAccountID)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"portfolio-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(verifier.Middleware)

		// WebSocket stream of the caller's published settlements.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Post("/portfolio/trade", tradeSvc.ExecuteTrade)
			r.Get("/portfolio", tradeSvc.GetPortfolio)
			r.Get("/portfolio/trades", tradeSvc.GetTrades)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("portfolio-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return wsHub.Run(gctx) })

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down portfolio-engine...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}

		// Flush what the last requests committed.
		if n, err := relay.Drain(shutdownCtx); err != nil {
			logger.Warn("final outbox drain incomplete", "published", n, "err", err)
		}
		return nil
	})

	return g.Wait()
}
