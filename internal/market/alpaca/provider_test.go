package alpaca

import (
	"context"
	"errors"
	"testing"

	"group_ledger/internal/models"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockData struct {
	price  float64
	err    error
	called []string
}

func (m *mockData) GetLatestTrade(symbol string, _ marketdata.GetLatestTradeRequest) (*marketdata.Trade, error) {
	m.called = append(m.called, symbol)
	if m.err != nil {
		return nil, m.err
	}
	if m.price == 0 {
		return nil, nil
	}
	return &marketdata.Trade{Price: m.price}, nil
}

type mockTrade struct {
	assets []alpaca.Asset
	calls  int
}

func (m *mockTrade) GetAssets(alpaca.GetAssetsRequest) ([]alpaca.Asset, error) {
	m.calls++
	return m.assets, nil
}

func testAssets() []alpaca.Asset {
	return []alpaca.Asset{
		{Symbol: "AAPL", Name: "Apple Inc. Common Stock"},
		{Symbol: "APLE", Name: "Apple Hospitality REIT"},
		{Symbol: "NVDA", Name: "NVIDIA Corporation"},
		{Symbol: "ASML", Name: "ASML Holding, TSMC supplier"},
		{Symbol: "TSM", Name: "Taiwan Semiconductor Manufacturing ADR"},
	}
}

func TestGetPrice(t *testing.T) {
	ctx := context.Background()

	t.Run("latest trade", func(t *testing.T) {
		md := &mockData{price: 187.25}
		p := newProvider(md, &mockTrade{})
		price, err := p.GetPrice(ctx, "aapl")
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("187.25").Equal(price))
		assert.Equal(t, []string{"AAPL"}, md.called)
	})

	t.Run("numeric codes are refused locally", func(t *testing.T) {
		md := &mockData{price: 1}
		p := newProvider(md, &mockTrade{})
		_, err := p.GetPrice(ctx, "2330")
		require.Error(t, err)
		assert.Empty(t, md.called)
	})

	t.Run("api error is wrapped", func(t *testing.T) {
		boom := errors.New("403 forbidden")
		p := newProvider(&mockData{err: boom}, &mockTrade{})
		_, err := p.GetPrice(ctx, "NVDA")
		assert.ErrorIs(t, err, boom)
	})

	t.Run("no trade", func(t *testing.T) {
		p := newProvider(&mockData{}, &mockTrade{})
		_, err := p.GetPrice(ctx, "NVDA")
		assert.Error(t, err)
	})
}

func TestLookupInstrument(t *testing.T) {
	ctx := context.Background()
	tr := &mockTrade{assets: testAssets()}
	p := newProvider(&mockData{}, tr)

	inst, err := p.LookupInstrument(ctx, "tsm")
	require.NoError(t, err)
	assert.Equal(t, models.Instrument{Code: "TSM", Name: "Taiwan Semiconductor Manufacturing ADR"}, inst,
		"exact symbol beats an earlier name match")

	inst, err = p.LookupInstrument(ctx, "APLE")
	require.NoError(t, err)
	assert.Equal(t, "APLE", inst.Code)

	inst, err = p.LookupInstrument(ctx, "nvidia")
	require.NoError(t, err)
	assert.Equal(t, "NVDA", inst.Code)

	inst, err = p.LookupInstrument(ctx, "台積電")
	require.NoError(t, err)
	assert.False(t, inst.Canonical())

	inst, err = p.LookupInstrument(ctx, "ZZZZZZ")
	require.NoError(t, err)
	assert.False(t, inst.Canonical())

	assert.Equal(t, 1, tr.calls, "asset list is cached")
}

func TestSearchAssets_LimitsResults(t *testing.T) {
	var assets []alpaca.Asset
	for _, s := range []string{"AA", "AAL", "AAOI", "AAON", "AAP", "AAPL", "AAT"} {
		assets = append(assets, alpaca.Asset{Symbol: s, Name: s + " Inc"})
	}
	p := newProvider(&mockData{}, &mockTrade{assets: assets})
	hits, err := p.SearchAssets(context.Background(), "aa")
	require.NoError(t, err)
	assert.Len(t, hits, 5)
}
