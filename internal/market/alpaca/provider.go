// Package alpaca prices US-listed tickers and resolves unknown symbols through
// the Alpaca market data and asset APIs.
package alpaca

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"group_ledger/internal/market"
	"group_ledger/internal/models"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// The SDK clients, narrowed to what this package calls.
type tradeAPI interface {
	GetAssets(req alpaca.GetAssetsRequest) ([]alpaca.Asset, error)
}

type dataAPI interface {
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
}

// Provider implements market.PriceProvider and directory.Lookup.
type Provider struct {
	md    dataAPI
	trade tradeAPI

	mu        sync.Mutex
	assets    []alpaca.Asset
	fetchedAt time.Time
	assetTTL  time.Duration
	now       func() time.Time
}

var _ market.PriceProvider = (*Provider)(nil)

// Credentials for the Alpaca APIs. Empty fields fall back to the SDK's
// APCA_* environment variables.
type Credentials struct {
	KeyID     string
	SecretKey string
	BaseURL   string
}

// NewProvider returns a provider backed by the real SDK clients.
func NewProvider(c Credentials) *Provider {
	return newProvider(
		marketdata.NewClient(marketdata.ClientOpts{APIKey: c.KeyID, APISecret: c.SecretKey}),
		alpaca.NewClient(alpaca.ClientOpts{APIKey: c.KeyID, APISecret: c.SecretKey, BaseURL: c.BaseURL}),
	)
}

func newProvider(md dataAPI, trade tradeAPI) *Provider {
	return &Provider{md: md, trade: trade, assetTTL: 6 * time.Hour, now: time.Now}
}

var tickerRE = regexp.MustCompile(`^[A-Za-z][A-Za-z.]{0,5}$`)

// GetPrice returns the latest trade price. Numeric exchange codes are not
// US tickers and are refused without a network call.
func (p *Provider) GetPrice(ctx context.Context, code string) (decimal.Decimal, error) {
	if !tickerRE.MatchString(code) {
		return decimal.Zero, fmt.Errorf("%q is not a US ticker", code)
	}
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	trade, err := p.md.GetLatestTrade(strings.ToUpper(code), marketdata.GetLatestTradeRequest{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get latest trade for %s: %w", code, err)
	}
	if trade == nil {
		return decimal.Zero, fmt.Errorf("no trade found for %s", code)
	}
	return decimal.NewFromFloat(trade.Price), nil
}

// SearchAssets returns up to five active US equities whose symbol or name
// contains query.
func (p *Provider) SearchAssets(ctx context.Context, query string) ([]alpaca.Asset, error) {
	assets, err := p.activeAssets(ctx)
	if err != nil {
		return nil, err
	}

	var results []alpaca.Asset
	queryLower := strings.ToLower(query)
	for _, a := range assets {
		if strings.Contains(strings.ToLower(a.Symbol), queryLower) ||
			strings.Contains(strings.ToLower(a.Name), queryLower) {
			results = append(results, a)
			if len(results) >= 5 {
				break
			}
		}
	}
	return results, nil
}

func (p *Provider) activeAssets(ctx context.Context) ([]alpaca.Asset, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.assets != nil && p.now().Sub(p.fetchedAt) < p.assetTTL {
		return p.assets, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	assets, err := p.trade.GetAssets(alpaca.GetAssetsRequest{
		Status:     "active",
		AssetClass: "us_equity",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	p.assets, p.fetchedAt = assets, p.now()
	return assets, nil
}

// LookupInstrument resolves a token the local directory does not know.
// An exact symbol wins over a name match; no match returns a zero instrument.
func (p *Provider) LookupInstrument(ctx context.Context, token string) (models.Instrument, error) {
	// Chinese names never match US assets.
	if !isASCII(token) {
		return models.Instrument{}, nil
	}
	hits, err := p.SearchAssets(ctx, token)
	if err != nil {
		return models.Instrument{}, err
	}
	for _, a := range hits {
		if strings.EqualFold(a.Symbol, token) {
			return models.Instrument{Code: a.Symbol, Name: a.Name}, nil
		}
	}
	if len(hits) > 0 {
		return models.Instrument{Code: hits[0].Symbol, Name: hits[0].Name}, nil
	}
	return models.Instrument{}, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
