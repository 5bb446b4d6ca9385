// Package marketdata looks up reference prices used to value portfolios.
// Prices are read-only inputs here; settlement never consults them.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// PriceSource returns the current reference price of each requested symbol
// it knows. Unknown symbols are simply absent from the result.
type PriceSource interface {
	Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// StaticPrices is a fixed, concurrency-safe price table.
type StaticPrices struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticPrices creates a table seeded with prices.
func NewStaticPrices(prices map[string]decimal.Decimal) *StaticPrices {
	p := &StaticPrices{prices: make(map[string]decimal.Decimal, len(prices))}
	for sym, px := range prices {
		p.prices[strings.ToUpper(sym)] = px
	}
	return p
}

// Set updates the price of sym.
func (p *StaticPrices) Set(sym string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[strings.ToUpper(sym)] = price
}

func (p *StaticPrices) Prices(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(symbols))
	for _, sym := range symbols {
		if px, ok := p.prices[sym]; ok {
			out[sym] = px
		}
	}
	return out, nil
}

// RedisPrices reads prices published by the market data service under
// market:{SYMBOL}. A value is either a JSON object with a "price" field or
// a bare decimal string.
type RedisPrices struct {
	rdb redis.UniversalClient
}

// NewRedisPrices creates a price source backed by rdb.
func NewRedisPrices(rdb redis.UniversalClient) *RedisPrices {
	return &RedisPrices{rdb: rdb}
}

func (p *RedisPrices) Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = PriceKey(sym)
	}
	vals, err := p.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read prices: %w", err)
	}

	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // nil: key missing
		}
		if px, ok := ParsePrice(raw); ok {
			out[symbols[i]] = px
		}
	}
	return out, nil
}

// PriceKey is the cache key holding sym's reference price.
func PriceKey(sym string) string { return "market:" + sym }

// ParsePrice decodes a cached price value. Non-positive prices are ignored.
func ParsePrice(raw string) (decimal.Decimal, bool) {
	raw = strings.TrimSpace(raw)
	var px decimal.Decimal

	if strings.HasPrefix(raw, "{") {
		var quote struct {
			Price *decimal.Decimal `json:"price"`
		}
		if err := json.Unmarshal([]byte(raw), &quote); err != nil || quote.Price == nil {
			return decimal.Zero, false
		}
		px = *quote.Price
	} else {
		var err error
		if px, err = decimal.NewFromString(raw); err != nil {
			return decimal.Zero, false
		}
	}

	if !px.IsPositive() {
		return decimal.Zero, false
	}
	return px, true
}
