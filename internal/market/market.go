// Package market looks up best-effort market prices for display.
package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrUnavailable means no provider could price the instrument. Callers show
// cost basis instead; it never aborts a command.
var ErrUnavailable = errors.New("price unavailable")

// PriceProvider returns the latest traded price for an exchange code.
// Any implementation can be swapped in: TWSE, Alpaca or a test stub.
type PriceProvider interface {
	GetPrice(ctx context.Context, code string) (decimal.Decimal, error)
}

// PriceFunc adapts a function to PriceProvider.
type PriceFunc func(ctx context.Context, code string) (decimal.Decimal, error)

func (f PriceFunc) GetPrice(ctx context.Context, code string) (decimal.Decimal, error) {
	return f(ctx, code)
}

// Chain asks each provider in turn and returns the first positive price.
type Chain struct {
	providers []PriceProvider
	log       *zap.Logger
}

// NewChain skips nil providers so optional ones can be passed unconditionally.
func NewChain(log *zap.Logger, providers ...PriceProvider) *Chain {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Chain{log: log}
	for _, p := range providers {
		if p != nil {
			c.providers = append(c.providers, p)
		}
	}
	return c
}

// Len returns the number of configured providers.
func (c *Chain) Len() int { return len(c.providers) }

func (c *Chain) GetPrice(ctx context.Context, code string) (decimal.Decimal, error) {
	if code == "" {
		return decimal.Zero, fmt.Errorf("%w: instrument has no code", ErrUnavailable)
	}
	var errs []error
	for i, p := range c.providers {
		price, err := p.GetPrice(ctx, code)
		if err == nil && price.IsPositive() {
			return price, nil
		}
		if err == nil {
			err = fmt.Errorf("provider %d returned %s", i, price)
		}
		c.log.Debug("price provider miss", zap.String("code", code), zap.Int("provider", i), zap.Error(err))
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return decimal.Zero, fmt.Errorf("%w for %s: %w", ErrUnavailable, code, errors.Join(errs...))
}

// Cached keeps successful lookups for a fixed TTL. Misses are not cached.
type Cached struct {
	next  PriceProvider
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewCached wraps next with a TTL cache.
func NewCached(next PriceProvider, ttl time.Duration) (*Cached, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 14,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create price cache: %w", err)
	}
	return &Cached{next: next, cache: c, ttl: ttl}, nil
}

func (c *Cached) GetPrice(ctx context.Context, code string) (decimal.Decimal, error) {
	if v, ok := c.cache.Get(code); ok {
		if price, ok := v.(decimal.Decimal); ok {
			return price, nil
		}
	}
	price, err := c.next.GetPrice(ctx, code)
	if err != nil {
		return decimal.Zero, err
	}
	c.cache.SetWithTTL(code, price, 1, c.ttl)
	return price, nil
}

// Wait blocks until pending cache writes are visible.
func (c *Cached) Wait() { c.cache.Wait() }

// Close releases the cache's background goroutines.
func (c *Cached) Close() { c.cache.Close() }
