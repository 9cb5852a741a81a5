package ledger

import (
	"errors"
	"sync"
	"testing"
	"time"

	"group_ledger/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var tsmc = models.Instrument{Code: "2330", Name: "台積電"}

func fixedClock() func() time.Time {
	t0 := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return t0 }
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLedger_WeightedAverageScenarios(t *testing.T) {
	l := New(WithClock(fixedClock()))

	t.Run("first buy sets average to price", func(t *testing.T) {
		p, err := l.ApplyBuy("u1", "g1", tsmc, 5000, d("580"))
		require.NoError(t, err)
		assert.Equal(t, int64(5000), p.Shares)
		assert.True(t, d("580").Equal(p.AvgCost), "avg %s", p.AvgCost)
		assert.True(t, d("2900000").Equal(p.TotalCost), "total %s", p.TotalCost)
	})

	t.Run("second buy blends the average", func(t *testing.T) {
		p, err := l.ApplyBuy("u1", "g1", tsmc, 3000, d("575"))
		require.NoError(t, err)
		assert.Equal(t, int64(8000), p.Shares)
		assert.True(t, d("578.125").Equal(p.AvgCost), "avg %s", p.AvgCost)
		assert.True(t, d("4625000").Equal(p.TotalCost), "total %s", p.TotalCost)
	})

	t.Run("sell keeps the average", func(t *testing.T) {
		res, err := l.ApplySell("u1", "g1", tsmc, 2000)
		require.NoError(t, err)
		assert.False(t, res.Removed)
		assert.Equal(t, int64(6000), res.Position.Shares)
		assert.True(t, d("578.125").Equal(res.Position.AvgCost))
		assert.True(t, d("3468750").Equal(res.Position.TotalCost), "total %s", res.Position.TotalCost)

		pnl := RealizedPnL(d("600"), res.AvgCost, res.Sold)
		assert.True(t, d("43750").Equal(pnl), "pnl %s", pnl)
	})

	t.Run("oversell fails without mutation", func(t *testing.T) {
		_, err := l.ApplySell("u1", "g1", tsmc, 6001)
		var ise *InsufficientSharesError
		require.True(t, errors.As(err, &ise))
		assert.Equal(t, int64(6000), ise.Have)
		assert.Equal(t, int64(6001), ise.Want)

		p, ok := l.Get("u1", "g1", tsmc)
		require.True(t, ok)
		assert.Equal(t, int64(6000), p.Shares)
	})

	t.Run("selling everything removes the row", func(t *testing.T) {
		res, err := l.ApplySell("u1", "g1", tsmc, 6000)
		require.NoError(t, err)
		assert.True(t, res.Removed)
		_, ok := l.Get("u1", "g1", tsmc)
		assert.False(t, ok)
		assert.Equal(t, 0, l.Len())
	})
}

func TestLedger_RejectsInvalidInput(t *testing.T) {
	l := New()
	_, err := l.ApplyBuy("u1", "g1", tsmc, 0, d("10"))
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = l.ApplyBuy("u1", "g1", tsmc, 10, d("0"))
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = l.ApplySell("u1", "g1", tsmc, -1)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 0, l.Len())
}

func TestLedger_SellWithoutPosition(t *testing.T) {
	l := New()
	_, err := l.ApplySell("u1", "g1", tsmc, 1)
	var ise *InsufficientSharesError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, int64(0), ise.Have)
}

func TestLedger_QueryMatching(t *testing.T) {
	l := New()
	unresolved := models.Instrument{Name: "神秘科技"}
	_, err := l.ApplyBuy("u1", "g1", tsmc, 1000, d("600"))
	require.NoError(t, err)
	_, err = l.ApplyBuy("u1", "g1", unresolved, 2000, d("10"))
	require.NoError(t, err)
	_, err = l.ApplyBuy("u1", "g2", tsmc, 1000, d("600"))
	require.NoError(t, err)
	_, err = l.ApplyBuy("u2", "g1", tsmc, 1000, d("600"))
	require.NoError(t, err)

	t.Run("all rows of the member in the group", func(t *testing.T) {
		rows := l.Query("u1", "g1", nil)
		assert.Len(t, rows, 2)
	})
	t.Run("by code", func(t *testing.T) {
		rows := l.Query("u1", "g1", &models.Instrument{Code: "2330"})
		require.Len(t, rows, 1)
		assert.Equal(t, "台積電", rows[0].Instrument.Name)
	})
	t.Run("by exact name", func(t *testing.T) {
		rows := l.Query("u1", "g1", &models.Instrument{Name: "神秘科技"})
		require.Len(t, rows, 1)
		assert.Equal(t, int64(2000), rows[0].Shares)
	})
	t.Run("by loose name", func(t *testing.T) {
		rows := l.Query("u1", "g1", &models.Instrument{Name: "神秘"})
		require.Len(t, rows, 1)
	})
	t.Run("no match is empty, not an error", func(t *testing.T) {
		assert.Empty(t, l.Query("u1", "g1", &models.Instrument{Name: "不存在"}))
		assert.Empty(t, l.Query("nobody", "g1", nil))
	})
	t.Run("group aggregate", func(t *testing.T) {
		agg := l.Aggregate("g1")
		require.Len(t, agg, 2)
		assert.Equal(t, "2330", agg[0].Instrument.Code)
		assert.Equal(t, int64(2000), agg[0].Shares)
		assert.Equal(t, 2, agg[0].Holders)
		assert.True(t, d("600").Equal(agg[0].AvgCost))
	})
}

func TestLedger_UnresolvedRowFoundAfterDirectoryLearnsCode(t *testing.T) {
	l := New()
	_, err := l.ApplyBuy("u1", "g1", models.Instrument{Name: "台積電"}, 1000, d("500"))
	require.NoError(t, err)

	p, err := l.ApplyBuy("u1", "g1", tsmc, 1000, d("700"))
	require.NoError(t, err)
	assert.Equal(t, int64(2000), p.Shares)
	assert.Equal(t, "2330", p.Instrument.Code)
	assert.Equal(t, 1, l.Len())
}

func TestLedger_AggregateMergesNameAndCodeRows(t *testing.T) {
	l := New()
	_, err := l.ApplyBuy("bob", "g1", models.Instrument{Name: "台積電"}, 1000, d("500"))
	require.NoError(t, err)
	_, err = l.ApplyBuy("alice", "g1", tsmc, 2000, d("600"))
	require.NoError(t, err)
	_, err = l.ApplyBuy("carol", "g1", models.Instrument{Name: "神秘公司"}, 1000, d("10"))
	require.NoError(t, err)
	_, err = l.ApplyBuy("dave", "g2", tsmc, 5000, d("100"))
	require.NoError(t, err)

	got := l.Aggregate("g1")
	require.Len(t, got, 2)

	assert.Equal(t, tsmc, got[0].Instrument)
	assert.Equal(t, int64(3000), got[0].Shares)
	assert.Equal(t, 2, got[0].Holders)
	assert.True(t, d("1700000").Equal(got[0].TotalCost), "total %s", got[0].TotalCost)

	assert.Equal(t, models.Instrument{Name: "神秘公司"}, got[1].Instrument)
	assert.Equal(t, 1, got[1].Holders)
}

func TestLedger_ConcurrentBuysOnSameKey(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.ApplyBuy("u1", "g1", tsmc, 1000, d("100"))
		}()
	}
	wg.Wait()

	p, ok := l.Get("u1", "g1", tsmc)
	require.True(t, ok)
	assert.Equal(t, int64(100000), p.Shares)
	assert.True(t, d("10000000").Equal(p.TotalCost))
}

func TestLedger_Restore(t *testing.T) {
	l := New()
	n := l.Restore([]models.Position{
		{UserID: "u1", GroupID: "g1", Instrument: tsmc, Shares: 2000, AvgCost: d("550"), TotalCost: d("1")},
		{UserID: "u1", GroupID: "g1", Instrument: models.Instrument{Code: "2317", Name: "鴻海"}, Shares: 0},
	})
	assert.Equal(t, 1, n)
	p, ok := l.Get("u1", "g1", tsmc)
	require.True(t, ok)
	assert.True(t, d("1100000").Equal(p.TotalCost))
}

func TestValue(t *testing.T) {
	p := models.Position{Shares: 1000, AvgCost: d("500"), TotalCost: d("500000")}

	v := Value(p, d("550"), true)
	assert.True(t, v.Priced)
	assert.True(t, d("550000").Equal(v.MarketValue))
	assert.True(t, d("50000").Equal(v.UnrealizedPnL))
	assert.True(t, d("10").Equal(v.ReturnPct))

	unpriced := Value(p, decimal.Zero, false)
	assert.False(t, unpriced.Priced)
	assert.True(t, d("500000").Equal(unpriced.MarketValue))
}

var tolerance = d("0.000001")

func invariantHolds(p models.Position) bool {
	diff := p.AvgCost.Mul(decimal.NewFromInt(p.Shares)).Sub(p.TotalCost).Abs()
	return diff.LessThanOrEqual(tolerance)
}

func TestProperty_TotalCostMatchesSharesTimesAverage(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := New()
		buys := rapid.IntRange(1, 20).Draw(t, "buys")
		for i := 0; i < buys; i++ {
			shares := rapid.Int64Range(1, 50).Draw(t, "lots") * 1000
			cents := rapid.Int64Range(1, 200000).Draw(t, "cents")
			p, err := l.ApplyBuy("u", "g", tsmc, shares, decimal.New(cents, -2))
			if err != nil {
				t.Fatalf("buy failed: %v", err)
			}
			if !invariantHolds(p) {
				t.Fatalf("invariant broken after buy: shares=%d avg=%s total=%s", p.Shares, p.AvgCost, p.TotalCost)
			}
		}
	})
}

func TestProperty_SellNeverChangesAverage(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := New()
		shares := rapid.Int64Range(1, 100000).Draw(t, "shares")
		price := decimal.New(rapid.Int64Range(1, 1000000).Draw(t, "cents"), -2)
		before, err := l.ApplyBuy("u", "g", tsmc, shares, price)
		if err != nil {
			t.Fatalf("buy failed: %v", err)
		}
		k := rapid.Int64Range(1, shares).Draw(t, "k")
		res, err := l.ApplySell("u", "g", tsmc, k)
		if err != nil {
			t.Fatalf("sell of %d/%d failed: %v", k, shares, err)
		}
		if !res.Position.AvgCost.Equal(before.AvgCost) {
			t.Fatalf("avg changed: %s -> %s", before.AvgCost, res.Position.AvgCost)
		}
		if !invariantHolds(res.Position) {
			t.Fatalf("invariant broken after sell")
		}
		if res.Removed != (k == shares) {
			t.Fatalf("removed=%v for k=%d shares=%d", res.Removed, k, shares)
		}
	})
}

func TestProperty_SellFailsIffOversold(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := New()
		held := rapid.Int64Range(1, 10000).Draw(t, "held")
		if _, err := l.ApplyBuy("u", "g", tsmc, held, d("10")); err != nil {
			t.Fatalf("buy failed: %v", err)
		}
		want := rapid.Int64Range(1, 20000).Draw(t, "want")
		_, err := l.ApplySell("u", "g", tsmc, want)
		var ise *InsufficientSharesError
		if (want > held) != errors.As(err, &ise) {
			t.Fatalf("want=%d held=%d err=%v", want, held, err)
		}
		p, _ := l.Get("u", "g", tsmc)
		if want > held && p.Shares != held {
			t.Fatalf("failed sell mutated the row: %d", p.Shares)
		}
	})
}
