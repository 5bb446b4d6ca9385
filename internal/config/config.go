// Package config loads process configuration from defaults, an optional
// YAML file and environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/tradeflow/portfolio-engine/internal/logging"
)

// Config is the typed view of every setting the binaries read.
type Config struct {
	Port            string
	DatabaseURL     string // empty: in-memory store
	RedisURL        string // empty: no ledger cache, static prices
	KafkaBrokers    []string
	KafkaTopic      string
	JWTSecret       string // empty: trust X-Account-ID from the gateway
	SeedCash        decimal.Decimal
	CacheTTL        time.Duration
	ShutdownTimeout time.Duration

	OutboxBatchSize    int
	OutboxPollInterval time.Duration

	Log logging.Config
}

var defaults = map[string]any{
	"port":                 "8080",
	"database_url":         "",
	"redis_url":            "",
	"kafka_brokers":        "",
	"kafka_topic":          "portfolio.trade.settled",
	"jwt_secret":           "",
	"seed_cash":            "100000",
	"cache_ttl":            "5m",
	"shutdown_timeout":     "10s",
	"outbox_batch_size":    100,
	"outbox_poll_interval": "1s",
	"log_level":            "info",
	"log_file":             "",
	"log_max_size_mb":      100,
	"log_max_backups":      5,
	"log_max_age_days":     30,
	"log_compress":         true,
}

// Load reads configuration. file may be empty; CONFIG_FILE is consulted
// then. Each key is overridden by the upper-cased environment variable of
// the same name (PORT, DATABASE_URL, ...).
func Load(file string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if file == "" {
		file = os.Getenv("CONFIG_FILE")
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	seed, err := decimal.NewFromString(v.GetString("seed_cash"))
	if err != nil {
		return nil, fmt.Errorf("seed_cash: %w", err)
	}
	if !seed.IsPositive() {
		return nil, fmt.Errorf("seed_cash must be positive, got %s", seed)
	}

	cfg := &Config{
		Port:               v.GetString("port"),
		DatabaseURL:        v.GetString("database_url"),
		RedisURL:           v.GetString("redis_url"),
		KafkaBrokers:       splitList(v.GetString("kafka_brokers")),
		KafkaTopic:         v.GetString("kafka_topic"),
		JWTSecret:          v.GetString("jwt_secret"),
		SeedCash:           seed,
		CacheTTL:           v.GetDuration("cache_ttl"),
		ShutdownTimeout:    v.GetDuration("shutdown_timeout"),
		OutboxBatchSize:    v.GetInt("outbox_batch_size"),
		OutboxPollInterval: v.GetDuration("outbox_poll_interval"),
		Log: logging.Config{
			Level:      v.GetString("log_level"),
			File:       v.GetString("log_file"),
			MaxSizeMB:  v.GetInt("log_max_size_mb"),
			MaxBackups: v.GetInt("log_max_backups"),
			MaxAgeDays: v.GetInt("log_max_age_days"),
			Compress:   v.GetBool("log_compress"),
		},
	}
	if cfg.OutboxBatchSize <= 0 {
		return nil, fmt.Errorf("outbox_batch_size must be positive, got %d", cfg.OutboxBatchSize)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
