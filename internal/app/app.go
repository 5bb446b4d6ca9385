// Package app wires configuration into the concrete store, price source
// and event publisher shared by the server and ledgerctl.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tradeflow/portfolio-engine/internal/config"
	"github.com/tradeflow/portfolio-engine/internal/marketdata"
	"github.com/tradeflow/portfolio-engine/internal/outbox"
	"github.com/tradeflow/portfolio-engine/internal/store"
)

// Deps are the infrastructure components selected by configuration.
type Deps struct {
	Store     store.Store
	Postgres  *store.PostgresStore // nil with the in-memory store
	Prices    marketdata.PriceSource
	Publisher outbox.Publisher

	cleanup []func()
}

// Close releases every connection opened by Open, newest first.
func (d *Deps) Close() {
	for i := len(d.cleanup) - 1; i >= 0; i-- {
		d.cleanup[i]()
	}
	d.cleanup = nil
}

// Open connects to the configured backends:
//   - DATABASE_URL set: PostgreSQL, wrapped by the Redis ledger cache when
//     REDIS_URL is set too; otherwise the in-memory store
//   - REDIS_URL set: reference prices from the market data cache;
//     otherwise every position is valued at cost
//   - KAFKA_BROKERS set: Kafka producer; otherwise events are logged
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Deps, error) {
	d := &Deps{}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		d.cleanup = append(d.cleanup, func() { rdb.Close() })
		d.Prices = marketdata.NewRedisPrices(rdb)
		logger.Info("reference prices from Redis")
	}

	if cfg.DatabaseURL != "" {
		pool, err := store.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		d.cleanup = append(d.cleanup, pool.Close)
		d.Postgres = store.NewPostgresStore(pool)
		d.Store = d.Postgres
		logger.Info("connected to PostgreSQL")

		if rdb != nil {
			d.Store = store.NewCachedStore(d.Postgres, rdb, cfg.CacheTTL)
			logger.Info("Redis ledger cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		d.Store = store.NewMemoryStore()
	}

	if len(cfg.KafkaBrokers) > 0 {
		kp := outbox.NewKafkaPublisher(outbox.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		d.cleanup = append(d.cleanup, func() { kp.Close() })
		d.Publisher = kp
		logger.Info("publishing settlements to Kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else {
		logger.Warn("KAFKA_BROKERS not set, settlement events are only logged")
		d.Publisher = outbox.LogPublisher{Logger: logger}
	}

	return d, nil
}

// Migrate applies the schema when running against PostgreSQL.
func (d *Deps) Migrate(ctx context.Context) error {
	if d.Postgres == nil {
		return nil
	}
	return d.Postgres.Migrate(ctx)
}
