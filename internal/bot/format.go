package bot

import (
	"fmt"
	"strings"
	"time"

	"group_ledger/internal/parser"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

const currency = "TWD"

// noValue marks a P&L that could not be computed, as opposed to a zero P&L.
const noValue = "—"

// Truncate cuts text to limit runes, ending with an ellipsis when cut.
// A non-positive limit leaves text unchanged.
func Truncate(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	r := []rune(text)
	if len(r) <= limit {
		return text
	}
	return string(r[:limit-1]) + "…"
}

// formatMoney renders an amount as "NT$1,234.50".
func formatMoney(d decimal.Decimal) string {
	cur := money.GetCurrency(currency)
	minor := d.Shift(int32(cur.Fraction)).Round(0).IntPart()
	return money.New(minor, currency).Display()
}

// signedMoney prefixes gains with "+"; losses already carry "-".
func signedMoney(d decimal.Decimal) string {
	if d.IsPositive() {
		return "+" + formatMoney(d)
	}
	return formatMoney(d)
}

func signedPct(d decimal.Decimal) string {
	s := d.StringFixed(2) + "%"
	if d.IsPositive() {
		return "+" + s
	}
	return s
}

func formatPrice(d decimal.Decimal) string {
	return d.Round(2).String() + "元"
}

func (b *Bot) formatShares(n int64) string {
	lot := b.lotSize
	switch {
	case lot <= 0:
		return fmt.Sprintf("%d股", n)
	case n%lot == 0:
		return fmt.Sprintf("%d張", n/lot)
	case n > lot:
		return fmt.Sprintf("%d張%d股", n/lot, n%lot)
	default:
		return fmt.Sprintf("%d股", n)
	}
}

func formatTime(t time.Time) string { return t.Format("2006-01-02 15:04") }

func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0分"
	}
	d = d.Round(time.Minute)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	if h > 0 {
		return fmt.Sprintf("%d小時%d分", h, m)
	}
	return fmt.Sprintf("%d分", m)
}

func (b *Bot) helpText() string {
	var sb strings.Builder
	sb.WriteString("📚 股票管理機器人使用說明：\n\n")
	sb.WriteString("🟢 買入股票：\n")
	sb.WriteString("買入 台積電 5張 580元 看好AI趨勢\n")
	sb.WriteString("批次：買入 2330 2張 580元 3張 575元 分批進場\n")
	sb.WriteString("也可用：台積電, 買入, 5張, 580元, 看好AI趨勢\n\n")
	sb.WriteString("🔴 賣出股票（需群組投票）：\n")
	sb.WriteString("賣出 台積電 2張 600元 獲利了結\n\n")
	sb.WriteString("🗳️ 投票：\n")
	sb.WriteString("- 贊成 <編號> / 反對 <編號>\n")
	sb.WriteString("- 投票狀態 <編號>\n")
	sb.WriteString("- 投票清單：列出進行中的投票\n\n")
	sb.WriteString("📊 查詢功能：\n")
	sb.WriteString("- 持股：查看您的持股狀況\n")
	sb.WriteString("- 持股 台積電 / 持股 @名稱\n")
	sb.WriteString("- 群組持股：群組合計持股\n")
	sb.WriteString("- 狀態：系統狀態\n\n")
	sb.WriteString("⚠️ 注意事項：\n")
	sb.WriteString(fmt.Sprintf("- 數量未標單位時，小於 %d 視為張，否則視為股\n", parser.BareLotLimit))
	sb.WriteString("- 所有交易都會記錄在案")
	return sb.String()
}

func (b *Bot) statusText() string {
	now := b.now()
	var sb strings.Builder
	sb.WriteString("🔧 系統狀態報告：\n")
	if b.store != nil {
		sb.WriteString("💾 儲存：" + b.store.Name() + "\n")
	} else {
		sb.WriteString("💾 儲存：暫存模式\n")
	}
	if b.directory != nil {
		fetched := "尚未更新"
		if t := b.directory.FetchedAt(); !t.IsZero() {
			fetched = formatTime(t)
		}
		sb.WriteString(fmt.Sprintf("📚 股票清單：%d 筆（%s）\n", b.directory.Len(), fetched))
	}
	if b.prices == nil {
		sb.WriteString("💹 報價：未設定\n")
	} else {
		sb.WriteString("💹 報價：已啟用\n")
	}
	sb.WriteString(fmt.Sprintf("📦 持股紀錄：%d 筆\n", b.ledger.Len()))
	sb.WriteString(fmt.Sprintf("🗳️ 進行中投票：%d\n", b.votes.ActiveCount()))
	sb.WriteString("⏰ 時間：" + now.Format("2006-01-02 15:04:05") + "\n")
	sb.WriteString("🚀 已運行：" + now.Sub(b.started).Round(time.Second).String())
	return sb.String()
}
