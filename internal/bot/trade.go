package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"group_ledger/internal/ledger"
	"group_ledger/internal/models"
	"group_ledger/internal/parser"
	"group_ledger/internal/voting"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const internalError = "❌ 處理指令時發生錯誤，請稍後再試"

func parseErrorText(err error) string {
	var pe *parser.ParseError
	if !errors.As(err, &pe) {
		return internalError
	}
	head := "❌ 指令格式不正確"
	if pe.Kind == parser.ErrKindValidation {
		head = "❌ 數量或價格無效，必須為正數"
	}
	return head + "\n\n" + pe.Usage
}

func (b *Bot) handleBuy(ctx context.Context, req Request, text string) string {
	cmd, err := b.parser.Parse(ctx, text)
	if err != nil {
		b.log.Debug("buy command rejected", zap.String("text", text), zap.Error(err))
		return parseErrorText(err)
	}
	o := *cmd.Order
	o.Actor, o.Group = req.UserID, req.GroupID
	for _, l := range o.Lots {
		if l.Shares <= 0 || !l.Price.IsPositive() {
			return parseErrorText(&parser.ParseError{Kind: parser.ErrKindValidation, Side: parser.KindBuy, Usage: parser.BuyUsage})
		}
	}
	o.ActorName = b.actorName(ctx, req.UserID, req.GroupID, req.DisplayName)

	var pos models.Position
	for _, l := range o.Lots {
		pos, err = b.ledger.ApplyBuy(o.Actor, o.Group, o.Instrument, l.Shares, l.Price)
		if err != nil {
			b.log.Error("apply buy failed", zap.String("user", o.Actor), zap.Error(err))
			return internalError
		}
	}
	o.Instrument = pos.Instrument

	perr := b.persist(ctx, appendTx(b.buyRecord(o)), upsertPosition(pos))
	b.log.Info("buy recorded",
		zap.String("user", o.Actor), zap.String("group", o.Group),
		zap.String("instrument", o.Instrument.Key()), zap.Int64("shares", o.Lots.TotalShares()))

	var sb strings.Builder
	fmt.Fprintf(&sb, "📈 %s 買入 %s\n", o.ActorName, o.Instrument.Label())
	b.writeLots(&sb, o.Lots, "買入")
	fmt.Fprintf(&sb, "💰 總成本：%s\n", formatMoney(o.Lots.TotalCost()))
	if o.Rationale != "" {
		fmt.Fprintf(&sb, "💡 理由：%s\n", o.Rationale)
	}
	fmt.Fprintf(&sb, "📦 目前持股：%s，平均成本 %s\n", b.formatShares(pos.Shares), formatPrice(pos.AvgCost))
	sb.WriteString("\n" + b.storageLine(perr))
	return sb.String()
}

func (b *Bot) writeLots(sb *strings.Builder, lots models.Lots, verb string) {
	if len(lots) == 1 {
		fmt.Fprintf(sb, "📊 數量：%s @ %s\n", b.formatShares(lots[0].Shares), formatPrice(lots[0].Price))
		return
	}
	fmt.Fprintf(sb, "📊 批次%s：\n", verb)
	for _, l := range lots {
		fmt.Fprintf(sb, "　• %s @ %s\n", b.formatShares(l.Shares), formatPrice(l.Price))
	}
	fmt.Fprintf(sb, "　合計：%s，均價 %s\n", b.formatShares(lots.TotalShares()), formatPrice(lots.AvgPrice()))
}

func (b *Bot) handleSell(ctx context.Context, req Request, text string) Reply {
	cmd, err := b.parser.Parse(ctx, text)
	if err != nil {
		b.log.Debug("sell command rejected", zap.String("text", text), zap.Error(err))
		return Reply{Text: parseErrorText(err)}
	}
	s := *cmd.Sell
	name := b.actorName(ctx, req.UserID, req.GroupID, req.DisplayName)
	members := b.memberCount(ctx, req)

	v, err := b.votes.Propose(voting.ProposeRequest{
		Initiator:     req.UserID,
		InitiatorName: name,
		Group:         req.GroupID,
		Instrument:    s.Instrument,
		Lots:          s.Lots,
		Note:          s.Note,
		MemberCount:   members,
		Private:       req.Private,
	})
	if err != nil {
		var short *ledger.InsufficientSharesError
		switch {
		case errors.As(err, &short):
			return Reply{Text: fmt.Sprintf("❌ 持股不足：%s 目前持有 %s，欲賣出 %s",
				short.Instrument.Label(), b.formatShares(short.Have), b.formatShares(short.Want))}
		case errors.Is(err, ledger.ErrInvalidInput):
			return Reply{Text: "❌ 數量或價格無效，必須為正數\n\n" + parser.SellUsage}
		default:
			b.log.Error("propose failed", zap.String("user", req.UserID), zap.Error(err))
			return Reply{Text: internalError}
		}
	}

	perr := b.persist(ctx, appendVote(v), appendTx(b.sellRecord(v, models.TxProposed)))
	b.log.Info("sell proposed",
		zap.String("vote", v.ID), zap.String("group", v.Group),
		zap.String("instrument", v.Instrument.Key()), zap.Int("required", v.RequiredVotes))

	short := v.ShortID()
	var sb strings.Builder
	fmt.Fprintf(&sb, "🗳️ 賣出提案 #%s\n", short)
	fmt.Fprintf(&sb, "👤 %s 提議賣出 %s\n", name, v.Instrument.Label())
	b.writeLots(&sb, v.Lots, "賣出")
	fmt.Fprintf(&sb, "💰 預估金額：%s\n", formatMoney(v.Price.Mul(decimal.NewFromInt(v.Shares))))
	fmt.Fprintf(&sb, "📈 平均成本：%s，預估損益：%s\n",
		formatPrice(v.AvgCostAtCreation), signedMoney(ledger.RealizedPnL(v.Price, v.AvgCostAtCreation, v.Shares)))
	if v.Note != "" {
		fmt.Fprintf(&sb, "💡 備註：%s\n", v.Note)
	}
	fmt.Fprintf(&sb, "✅ 需要 %d 票贊成通過，%d 票反對即否決\n", v.RequiredVotes, v.RequiredRejects)
	fmt.Fprintf(&sb, "⏰ 截止：%s\n", formatTime(v.Deadline))
	fmt.Fprintf(&sb, "回覆「贊成 %s」或「反對 %s」投票\n", short, short)
	sb.WriteString("\n" + b.storageLine(perr))
	return Reply{Text: sb.String(), VoteID: v.ID}
}
