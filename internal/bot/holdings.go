package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"group_ledger/internal/ledger"
	"group_ledger/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const quoteTimeout = 5 * time.Second

// quotes fetches prices for every distinct code concurrently. Unresolved
// instruments and failed lookups are simply absent from the result.
func (b *Bot) quotes(ctx context.Context, insts []models.Instrument) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	if b.prices == nil {
		return out
	}
	ctx, cancel := context.WithTimeout(ctx, quoteTimeout)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]bool)
	)
	for _, inst := range insts {
		if inst.Code == "" || seen[inst.Code] {
			continue
		}
		seen[inst.Code] = true
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			p, err := b.prices.GetPrice(ctx, code)
			if err != nil {
				b.log.Debug("price unavailable", zap.String("code", code), zap.Error(err))
				return
			}
			mu.Lock()
			out[code] = p
			mu.Unlock()
		}(inst.Code)
	}
	wg.Wait()
	return out
}

func (b *Bot) valuation(p models.Position, prices map[string]decimal.Decimal) ledger.Valuation {
	price, ok := prices[p.Instrument.Code]
	return ledger.Value(p, price, ok)
}

// totals accumulates a report footer. Value carries cost basis for unpriced rows.
type totals struct {
	cost     decimal.Decimal
	value    decimal.Decimal
	pnl      decimal.Decimal
	priced   int
	unpriced int
}

func (t *totals) add(cost decimal.Decimal, v ledger.Valuation) {
	t.cost = t.cost.Add(cost)
	t.value = t.value.Add(v.MarketValue)
	if v.Priced {
		t.pnl = t.pnl.Add(v.UnrealizedPnL)
		t.priced++
	} else {
		t.unpriced++
	}
}

func (t *totals) write(sb *strings.Builder) {
	fmt.Fprintf(sb, "💰 總成本：%s\n", formatMoney(t.cost))
	if t.priced == 0 {
		fmt.Fprintf(sb, "💹 總市值：%s（無報價，以成本計）\n", noValue)
		fmt.Fprintf(sb, "📈 未實現損益：%s", noValue)
		return
	}
	fmt.Fprintf(sb, "💹 總市值：%s\n", formatMoney(t.value))
	fmt.Fprintf(sb, "📈 未實現損益：%s", signedMoney(t.pnl))
	if t.unpriced > 0 {
		fmt.Fprintf(sb, "（%d 檔無報價未計入）", t.unpriced)
	}
}

func writeValuation(sb *strings.Builder, cost decimal.Decimal, v ledger.Valuation) {
	fmt.Fprintf(sb, "　成本：%s\n", formatMoney(cost))
	if !v.Priced {
		fmt.Fprintf(sb, "　市值：%s（無報價，成本 %s）\n", noValue, formatMoney(v.MarketValue))
		fmt.Fprintf(sb, "　未實現損益：%s\n", noValue)
		return
	}
	fmt.Fprintf(sb, "　現價：%s，市值：%s\n", formatPrice(v.MarketPrice), formatMoney(v.MarketValue))
	fmt.Fprintf(sb, "　未實現損益：%s（%s）\n", signedMoney(v.UnrealizedPnL), signedPct(v.ReturnPct))
}

func (b *Bot) handleHoldings(ctx context.Context, req Request, arg string) string {
	user, name := req.UserID, ""
	var filter *models.Instrument

	switch {
	case strings.HasPrefix(arg, "@") || strings.HasPrefix(arg, "＠"):
		q := strings.TrimPrefix(strings.TrimPrefix(arg, "@"), "＠")
		u, ok := b.members.find(req.GroupID, q)
		if !ok {
			return "❓ 找不到成員 " + q
		}
		user = u
		name, _ = b.members.name(req.GroupID, u)
	case arg != "":
		inst := models.Instrument{Name: arg}
		if b.resolver != nil {
			inst = b.resolver.Resolve(ctx, arg)
		}
		filter = &inst
	}
	if name == "" {
		if user == req.UserID {
			name = b.actorName(ctx, req.UserID, req.GroupID, req.DisplayName)
		} else {
			name = FallbackName(user)
		}
	}

	rows := b.ledger.Query(user, req.GroupID, filter)
	if len(rows) == 0 {
		switch {
		case filter != nil:
			return fmt.Sprintf("📊 查無 %s 的持股", filter.Label())
		case user == req.UserID:
			return "📊 您目前沒有持股"
		default:
			return "📊 " + name + " 目前沒有持股"
		}
	}

	insts := make([]models.Instrument, len(rows))
	for i, p := range rows {
		insts[i] = p.Instrument
	}
	prices := b.quotes(ctx, insts)

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 %s 的持股狀況：\n\n", name)
	var t totals
	for _, p := range rows {
		v := b.valuation(p, prices)
		fmt.Fprintf(&sb, "📈 %s\n", p.Instrument.Label())
		fmt.Fprintf(&sb, "　持股：%s，平均成本：%s\n", b.formatShares(p.Shares), formatPrice(p.AvgCost))
		writeValuation(&sb, p.TotalCost, v)
		sb.WriteString("\n")
		t.add(p.TotalCost, v)
	}
	t.write(&sb)
	return sb.String()
}

func (b *Bot) handleGroupHoldings(ctx context.Context, req Request) string {
	holdings := b.ledger.Aggregate(req.GroupID)
	if len(holdings) == 0 {
		return "👥 群組目前沒有持股"
	}

	insts := make([]models.Instrument, len(holdings))
	for i, h := range holdings {
		insts[i] = h.Instrument
	}
	prices := b.quotes(ctx, insts)

	var sb strings.Builder
	sb.WriteString("👥 群組持股總覽：\n\n")
	var t totals
	for _, h := range holdings {
		v := b.valuation(models.Position{Instrument: h.Instrument, Shares: h.Shares, TotalCost: h.TotalCost}, prices)
		fmt.Fprintf(&sb, "📈 %s（%d 人持有）\n", h.Instrument.Label(), h.Holders)
		fmt.Fprintf(&sb, "　合計：%s，均價：%s\n", b.formatShares(h.Shares), formatPrice(h.AvgCost))
		writeValuation(&sb, h.TotalCost, v)
		sb.WriteString("\n")
		t.add(h.TotalCost, v)
	}
	t.write(&sb)
	return sb.String()
}
