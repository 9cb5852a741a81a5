package bot

import (
	"context"
	"errors"

	"group_ledger/internal/models"
	"group_ledger/internal/storage"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type recordOp func(ctx context.Context, r storage.Recorder) error

// persist writes after the in-memory mutation has been applied. Every op runs
// even when an earlier one fails; the joined error only changes the reply.
func (b *Bot) persist(ctx context.Context, ops ...recordOp) error {
	if b.store == nil {
		return nil
	}
	var errs []error
	for _, op := range ops {
		if err := op(ctx, b.store); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		b.log.Error("persistence degraded, state kept in memory",
			zap.String("store", b.store.Name()), zap.Error(err))
	}
	return err
}

func (b *Bot) storageLine(err error) string {
	switch {
	case b.store == nil:
		return "💾 已記錄到暫存"
	case err != nil:
		return "⚠️ 紀錄寫入失敗，資料目前僅保存在記憶體"
	default:
		return "✅ 已記錄（" + b.store.Name() + "）"
	}
}

func appendTx(rec models.TransactionRecord) recordOp {
	return func(ctx context.Context, r storage.Recorder) error { return r.AppendTransaction(ctx, rec) }
}

func upsertPosition(p models.Position) recordOp {
	return func(ctx context.Context, r storage.Recorder) error { return r.UpsertPosition(ctx, p) }
}

func appendVote(v models.Vote) recordOp {
	return func(ctx context.Context, r storage.Recorder) error { return r.AppendVoteRecord(ctx, v) }
}

func updateVote(v models.Vote, ballot *models.Ballot) recordOp {
	u := models.VoteUpdate{
		Status:      v.Status,
		Ballot:      ballot,
		ResolvedAt:  v.ResolvedAt,
		RealizedPnL: v.RealizedPnL,
	}
	return func(ctx context.Context, r storage.Recorder) error { return r.UpdateVoteRecord(ctx, v.ID, u) }
}

func (b *Bot) buyRecord(o models.Order) models.TransactionRecord {
	return models.TransactionRecord{
		RecordID:    b.newID(),
		RecordedAt:  b.now(),
		UserID:      o.Actor,
		UserName:    o.ActorName,
		GroupID:     o.Group,
		Instrument:  o.Instrument,
		Side:        models.SideBuy,
		Shares:      o.Lots.TotalShares(),
		Price:       o.Lots.AvgPrice(),
		TotalAmount: o.Lots.TotalCost(),
		Note:        o.Rationale,
		Status:      models.TxExecuted,
		RealizedPnL: decimal.Zero,
		Lots:        o.Lots,
	}
}

// sellRecord logs a proposal (status PROPOSED) or its execution (EXECUTED).
func (b *Bot) sellRecord(v models.Vote, status string) models.TransactionRecord {
	return models.TransactionRecord{
		RecordID:    b.newID(),
		RecordedAt:  b.now(),
		UserID:      v.Initiator,
		UserName:    v.InitiatorName,
		GroupID:     v.Group,
		Instrument:  v.Instrument,
		Side:        models.SideSell,
		Shares:      v.Shares,
		Price:       v.Price,
		TotalAmount: v.Price.Mul(decimal.NewFromInt(v.Shares)),
		Note:        v.Note,
		Status:      status,
		VoteID:      v.ID,
		RealizedPnL: v.RealizedPnL,
		Lots:        v.Lots,
	}
}
