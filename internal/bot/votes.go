package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"group_ledger/internal/ledger"
	"group_ledger/internal/models"
	"group_ledger/internal/voting"

	"go.uber.org/zap"
)

var choiceLabel = map[models.Choice]string{
	models.ChoiceYes: "贊成",
	models.ChoiceNo:  "反對",
}

var statusLabel = map[models.VoteStatus]string{
	models.VoteActive:   "進行中",
	models.VoteExecuted: "已通過並執行",
	models.VoteRejected: "已否決",
	models.VoteExpired:  "已逾期",
}

func firstField(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return strings.TrimPrefix(f[0], "#")
}

// voteError renders the recoverable vote errors. ok is false for anything else.
func voteError(id string, v models.Vote, err error) (string, bool) {
	switch {
	case errors.Is(err, voting.ErrNotFound):
		return "❓ 找不到投票 " + id, true
	case errors.Is(err, voting.ErrAmbiguousID):
		return "⚠️ 編號 " + id + " 對應多個投票，請輸入更長的編號", true
	case errors.Is(err, voting.ErrWrongGroup):
		return "🚫 此投票不屬於本群組", true
	case errors.Is(err, voting.ErrAlreadyClosed):
		return fmt.Sprintf("🔒 投票 #%s 已結束（%s）", v.ShortID(), statusLabel[v.Status]), true
	case errors.Is(err, voting.ErrExpired):
		return fmt.Sprintf("⌛ 投票 #%s 已逾期，賣出提案失效", v.ShortID()), true
	}
	return "", false
}

func (b *Bot) handleCast(ctx context.Context, req Request, arg string, choice models.Choice) string {
	id := firstField(arg)
	if id == "" {
		return "用法：" + choiceLabel[choice] + " <投票編號>"
	}
	voter := b.actorName(ctx, req.UserID, req.GroupID, req.DisplayName)

	out, err := b.votes.CastVote(id, req.UserID, req.GroupID, choice)
	if err != nil {
		text, ok := voteError(id, out.Vote, err)
		if !ok {
			b.log.Error("cast vote failed", zap.String("vote", id), zap.Error(err))
			return internalError
		}
		if errors.Is(err, voting.ErrExpired) {
			perr := b.persist(ctx, updateVote(out.Vote, nil))
			text += "\n\n" + b.storageLine(perr)
		}
		return text
	}

	v := out.Vote
	var sb strings.Builder
	label := choiceLabel[choice]
	switch {
	case out.Repeated:
		fmt.Fprintf(&sb, "ℹ️ %s 已投過%s票", voter, label)
	case out.Changed:
		fmt.Fprintf(&sb, "🔄 %s 改投%s票", voter, label)
	default:
		fmt.Fprintf(&sb, "🗳️ %s 投下%s票", voter, label)
	}
	fmt.Fprintf(&sb, "（#%s %s）\n", v.ShortID(), v.Instrument.Label())
	fmt.Fprintf(&sb, "贊成 %d/%d｜反對 %d/%d\n",
		len(v.YesVoters), v.RequiredVotes, len(v.NoVoters), v.RequiredRejects)

	ops := []recordOp{updateVote(v, &out.Ballot)}
	switch {
	case out.Execution != nil:
		x := out.Execution
		fmt.Fprintf(&sb, "✅ 投票通過！已賣出 %s %s @ %s\n",
			v.Instrument.Label(), b.formatShares(x.Sell.Sold), formatPrice(v.Price))
		fmt.Fprintf(&sb, "💵 已實現損益：%s\n", signedMoney(x.RealizedPnL))
		if x.Sell.Removed {
			fmt.Fprintf(&sb, "📦 %s 已全數賣出\n", v.InitiatorName)
		} else {
			fmt.Fprintf(&sb, "📦 剩餘持股：%s，平均成本 %s\n",
				b.formatShares(x.Sell.Position.Shares), formatPrice(x.Sell.AvgCost))
		}
		ops = append(ops, upsertPosition(x.Sell.Position), appendTx(b.sellRecord(v, models.TxExecuted)))
		b.log.Info("vote executed", zap.String("vote", v.ID), zap.String("pnl", x.RealizedPnL.String()))
	case out.ExecutionErr != nil:
		var short *ledger.InsufficientSharesError
		if errors.As(out.ExecutionErr, &short) {
			fmt.Fprintf(&sb, "❌ 投票通過但持股不足（目前 %s，需要 %s），提案作廢\n",
				b.formatShares(short.Have), b.formatShares(short.Want))
		} else {
			sb.WriteString("❌ 投票通過但執行失敗，提案作廢\n")
		}
		b.log.Warn("vote passed but sell failed", zap.String("vote", v.ID), zap.Error(out.ExecutionErr))
	case v.Status == models.VoteRejected:
		fmt.Fprintf(&sb, "❌ 投票否決，%s 的賣出提案已取消\n", v.InitiatorName)
	default:
		fmt.Fprintf(&sb, "還需 %d 票贊成通過，或 %d 票反對否決\n", out.YesNeeded, out.NoNeeded)
	}

	if out.Repeated {
		return strings.TrimRight(sb.String(), "\n")
	}
	perr := b.persist(ctx, ops...)
	sb.WriteString("\n" + b.storageLine(perr))
	return sb.String()
}

func (b *Bot) handleVoteStatus(ctx context.Context, req Request, arg string) string {
	id := firstField(arg)
	if id == "" {
		return b.handleVoteList(ctx, req)
	}
	snap, err := b.votes.Status(id)
	if err != nil {
		if text, ok := voteError(id, models.Vote{}, err); ok {
			return text
		}
		b.log.Error("vote status failed", zap.String("vote", id), zap.Error(err))
		return internalError
	}
	var perr error
	if snap.JustExpired {
		perr = b.persist(ctx, updateVote(snap.Vote, nil))
	}
	if snap.Vote.Group != req.GroupID {
		return "🚫 此投票不屬於本群組"
	}

	text := b.voteDetail(snap)
	if snap.JustExpired {
		text += "\n\n" + b.storageLine(perr)
	}
	return text
}

func (b *Bot) voteDetail(s voting.Snapshot) string {
	v := s.Vote
	var sb strings.Builder
	fmt.Fprintf(&sb, "🗳️ 投票 #%s（%s）\n", v.ShortID(), statusLabel[v.Status])
	fmt.Fprintf(&sb, "👤 發起人：%s\n", v.InitiatorName)
	fmt.Fprintf(&sb, "📊 賣出 %s %s @ %s\n", v.Instrument.Label(), b.formatShares(v.Shares), formatPrice(v.Price))
	if v.Note != "" {
		fmt.Fprintf(&sb, "💡 備註：%s\n", v.Note)
	}
	fmt.Fprintf(&sb, "👍 贊成 %d/%d：%s\n", len(v.YesVoters), v.RequiredVotes, b.voterNames(v.Group, v.YesVoters))
	fmt.Fprintf(&sb, "👎 反對 %d/%d：%s\n", len(v.NoVoters), v.RequiredRejects, b.voterNames(v.Group, v.NoVoters))
	switch v.Status {
	case models.VoteActive:
		fmt.Fprintf(&sb, "⏰ 剩餘 %s（截止 %s）", formatRemaining(s.Remaining), formatTime(v.Deadline))
	case models.VoteExecuted:
		fmt.Fprintf(&sb, "💵 已實現損益：%s", signedMoney(v.RealizedPnL))
	default:
		if v.ResolvedAt != nil {
			fmt.Fprintf(&sb, "⏰ 結束於 %s", formatTime(*v.ResolvedAt))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) voterNames(group string, ids []string) string {
	if len(ids) == 0 {
		return noValue
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if n, ok := b.members.name(group, id); ok {
			names = append(names, n)
		} else {
			names = append(names, FallbackName(id))
		}
	}
	return strings.Join(names, "、")
}

func (b *Bot) handleVoteList(ctx context.Context, req Request) string {
	active, expired := b.votes.ListActive(req.GroupID)

	var sb strings.Builder
	if len(active) == 0 {
		sb.WriteString("📭 目前沒有進行中的投票")
	} else {
		fmt.Fprintf(&sb, "🗳️ 進行中的投票（%d）：", len(active))
		for _, s := range active {
			v := s.Vote
			fmt.Fprintf(&sb, "\n#%s %s 賣出 %s @ %s\n", v.ShortID(), v.Instrument.Label(), b.formatShares(v.Shares), formatPrice(v.Price))
			fmt.Fprintf(&sb, "　發起人：%s｜贊成 %d/%d｜反對 %d/%d｜剩餘 %s",
				v.InitiatorName, len(v.YesVoters), v.RequiredVotes, len(v.NoVoters), v.RequiredRejects,
				formatRemaining(s.Remaining))
		}
	}

	if len(expired) > 0 {
		ops := make([]recordOp, 0, len(expired))
		ids := make([]string, 0, len(expired))
		for _, v := range expired {
			ops = append(ops, updateVote(v, nil))
			ids = append(ids, "#"+v.ShortID())
		}
		sb.WriteString("\n\n⌛ 已逾期：" + strings.Join(ids, " "))
		if perr := b.persist(ctx, ops...); perr != nil {
			sb.WriteString("\n" + b.storageLine(perr))
		}
	}
	return sb.String()
}
