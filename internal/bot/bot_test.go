package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"group_ledger/internal/directory"
	"group_ledger/internal/ledger"
	"group_ledger/internal/market"
	"group_ledger/internal/models"
	"group_ledger/internal/parser"
	"group_ledger/internal/storage"
	"group_ledger/internal/voting"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tsmc = models.Instrument{Code: "2330", Name: "台積電"}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func seqIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%08x-0000-4000-8000-000000000000", n)
	}
}

const firstVote = "00000001"

type fixture struct {
	bot    *Bot
	ledger *ledger.Ledger
	votes  *voting.Engine
	store  *storage.Memory
	clock  *clock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	dir := directory.New(directory.WithClock(c.Now))
	l := ledger.New(ledger.WithClock(c.Now))
	v := voting.New(l, voting.WithClock(c.Now), voting.WithIDs(seqIDs()))
	store := storage.NewMemory()
	base := []Option{
		WithRecorder(store),
		WithClock(c.Now),
		WithIDs(seqIDs()),
		WithResolver(dir),
		WithDirectory(dir),
	}
	b := New(parser.New(dir), l, v, append(base, opts...)...)
	return &fixture{bot: b, ledger: l, votes: v, store: store, clock: c}
}

// say sends text as user in group g1, which has three members.
func (f *fixture) say(user, text string) string {
	return f.bot.Handle(context.Background(), Request{
		UserID:      user,
		GroupID:     "g1",
		DisplayName: strings.ToUpper(user[:1]) + user[1:],
		Text:        text,
		MemberCount: 3,
	})
}

func (f *fixture) shares(user string) int64 {
	p, _ := f.ledger.Get(user, "g1", tsmc)
	return p.Shares
}

func TestBot_Buy(t *testing.T) {
	f := newFixture(t)

	reply := f.say("alice", "買入 台積電 5張 580元 看好AI趨勢")
	assert.Contains(t, reply, "📈 Alice 買入 台積電(2330)")
	assert.Contains(t, reply, "5張 @ 580元")
	assert.Contains(t, reply, "2,900,000")
	assert.Contains(t, reply, "💡 理由：看好AI趨勢")
	assert.Contains(t, reply, "✅ 已記錄（memory）")
	assert.Equal(t, int64(5000), f.shares("alice"))

	require.Len(t, f.store.Transactions, 1)
	tx := f.store.Transactions[0]
	assert.Equal(t, models.SideBuy, tx.Side)
	assert.Equal(t, models.TxExecuted, tx.Status)
	assert.Equal(t, int64(5000), tx.Shares)
	assert.Equal(t, "Alice", tx.UserName)

	rows, err := f.store.LoadPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(5000), rows[0].Shares)
}

func TestBot_BatchBuy(t *testing.T) {
	f := newFixture(t)

	reply := f.say("alice", "買入 2330 2張 580元 3張 575元 分批進場")
	assert.Contains(t, reply, "批次買入")
	assert.Contains(t, reply, "2張 @ 580元")
	assert.Contains(t, reply, "3張 @ 575元")
	assert.Contains(t, reply, "合計：5張，均價 577元")
	assert.Contains(t, reply, "💡 理由：分批進場")

	p, ok := f.ledger.Get("alice", "g1", tsmc)
	require.True(t, ok)
	assert.Equal(t, int64(5000), p.Shares)
	assert.True(t, p.AvgCost.Equal(decimal.NewFromInt(577)), p.AvgCost.String())

	require.Len(t, f.store.Transactions, 1)
	assert.Len(t, f.store.Transactions[0].Lots, 2)
}

func TestBot_CommaFormBuy(t *testing.T) {
	f := newFixture(t)

	reply := f.say("alice", "台積電, 買入, 5張, 580元, 看好AI趨勢")
	assert.Contains(t, reply, "買入 台積電(2330)")
	assert.Equal(t, int64(5000), f.shares("alice"))
}

func TestBot_BuyFormatError(t *testing.T) {
	f := newFixture(t)

	reply := f.say("alice", "買入 台積電 很多")
	assert.Contains(t, reply, "❌ 指令格式不正確")
	assert.Contains(t, reply, "買入格式")
	assert.Equal(t, 0, f.ledger.Len())
	assert.Empty(t, f.store.Transactions)
}

func TestBot_SellVoteExecutes(t *testing.T) {
	f := newFixture(t)
	f.say("alice", "買入 2330 8張 578.125元")

	reply := f.bot.HandleReply(context.Background(), Request{
		UserID: "alice", GroupID: "g1", DisplayName: "Alice",
		Text: "賣出 台積電 2張 600元 獲利了結", MemberCount: 3,
	})
	assert.Equal(t, firstVote+"-0000-4000-8000-000000000000", reply.VoteID)
	assert.Contains(t, reply.Text, "🗳️ 賣出提案 #"+firstVote)
	assert.Contains(t, reply.Text, "需要 2 票贊成通過")
	assert.Contains(t, reply.Text, "43,750")
	assert.Contains(t, reply.Text, "💡 備註：獲利了結")
	assert.Equal(t, int64(8000), f.shares("alice"), "proposal must not touch the ledger")

	r := f.say("bob", "贊成 "+firstVote)
	assert.Contains(t, r, "Bob 投下贊成票")
	assert.Contains(t, r, "贊成 1/2")
	assert.Contains(t, r, "還需 1 票贊成通過")

	r = f.say("bob", "贊成 "+firstVote)
	assert.Contains(t, r, "已投過贊成票")

	r = f.say("carol", "/yes "+firstVote)
	assert.Contains(t, r, "✅ 投票通過")
	assert.Contains(t, r, "+NT$43,750")
	assert.Contains(t, r, "剩餘持股：6張")
	assert.Equal(t, int64(6000), f.shares("alice"))

	require.Len(t, f.store.Transactions, 3)
	assert.Equal(t, models.TxProposed, f.store.Transactions[1].Status)
	exec := f.store.Transactions[2]
	assert.Equal(t, models.SideSell, exec.Side)
	assert.Equal(t, models.TxExecuted, exec.Status)
	assert.True(t, exec.RealizedPnL.Equal(decimal.NewFromInt(43750)))

	stored := f.store.Votes[reply.VoteID]
	assert.Equal(t, models.VoteExecuted, stored.Status)
	assert.Equal(t, []string{"bob", "carol"}, stored.YesVoters)

	r = f.say("dave", "贊成 "+firstVote)
	assert.Contains(t, r, "已結束")
}

func TestBot_SellVoteRejected(t *testing.T) {
	f := newFixture(t)
	f.say("alice", "買入 2330 8張 580元")
	f.say("alice", "賣出 2330 2張 600元")

	f.say("bob", "反對 "+firstVote)
	r := f.say("carol", "/no "+firstVote)
	assert.Contains(t, r, "投票否決")
	assert.Equal(t, int64(8000), f.shares("alice"))
	assert.Equal(t, models.VoteRejected, f.store.Votes[firstVote+"-0000-4000-8000-000000000000"].Status)
}

func TestBot_ReVoteSwitchesSides(t *testing.T) {
	f := newFixture(t)
	f.say("alice", "買入 2330 8張 580元")
	f.say("alice", "賣出 2330 2張 600元")

	f.say("bob", "反對 "+firstVote)
	r := f.say("bob", "贊成 "+firstVote)
	assert.Contains(t, r, "Bob 改投贊成票")
	assert.Contains(t, r, "贊成 1/2｜反對 0/2")
}

func TestBot_SellInsufficientShares(t *testing.T) {
	f := newFixture(t)
	f.say("alice", "買入 2330 1張 580元")

	r := f.say("alice", "賣出 2330 2張 600元")
	assert.Contains(t, r, "❌ 持股不足")
	assert.Contains(t, r, "目前持有 1張，欲賣出 2張")
	assert.Equal(t, 0, f.votes.ActiveCount())
}

func TestBot_ExecutionFailsWhenSharesGone(t *testing.T) {
	f := newFixture(t)
	f.say("alice", "買入 2330 2張 580元")
	f.say("alice", "賣出 2330 2張 600元")
	f.say("alice", "賣出 2330 2張 610元")

	f.say("bob", "贊成 "+firstVote)
	f.say("carol", "贊成 "+firstVote)
	assert.Equal(t, int64(0), f.shares("alice"))

	f.say("bob", "贊成 00000002")
	r := f.say("carol", "贊成 00000002")
	assert.Contains(t, r, "持股不足")
	assert.Contains(t, r, "提案作廢")
}

func TestBot_VoteErrors(t *testing.T) {
	f := newFixture(t)
	f.say("alice", "買入 2330 2張 580元")
	f.say("alice", "賣出 2330 1張 600元")

	assert.Contains(t, f.say("bob", "贊成 ffffffff"), "找不到投票")
	assert.Equal(t, "用法：反對 <投票編號>", f.say("bob", "反對"))

	other := f.bot.Handle(context.Background(), Request{
		UserID: "bob", GroupID: "g2", DisplayName: "Bob", Text: "贊成 " + firstVote, MemberCount: 3,
	})
	assert.Contains(t, other, "不屬於本群組")
}

func TestBot_VoteExpires(t *testing.T) {
	f := newFixture(t)
	f.say("alice", "買入 2330 2張 580元")
	f.say("alice", "賣出 2330 1張 600元")

	f.clock.Advance(25 * time.Hour)
	r := f.say("bob", "贊成 "+firstVote)
	assert.Contains(t, r, "已逾期")
	assert.Equal(t, models.VoteExpired, f.store.Votes[firstVote+"-0000-4000-8000-000000000000"].Status)
	assert.Equal(t, int64(2000), f.shares("alice"))
}

func TestBot_VoteStatusAndList(t *testing.T) {
	f := newFixture(t)
	f.say("alice", "買入 2330 5張 580元")
	f.say("alice", "賣出 2330 1張 600元 停利")
	f.say("bob", "贊成 "+firstVote)

	status := f.say("carol", "投票狀態 "+firstVote)
	assert.Contains(t, status, "投票 #"+firstVote+"（進行中）")
	assert.Contains(t, status, "發起人：Alice")
	assert.Contains(t, status, "贊成 1/2：Bob")
	assert.Contains(t, status, "反對 0/2：—")

	list := f.say("carol", "投票清單")
	assert.Contains(t, list, "進行中的投票（1）")
	assert.Contains(t, list, "#"+firstVote+" 台積電(2330)")

	f.clock.Advance(25 * time.Hour)
	list = f.say("carol", "/votes")
	assert.Contains(t, list, "目前沒有進行中的投票")
	assert.Contains(t, list, "已逾期：#"+firstVote)
	assert.Equal(t, models.VoteExpired, f.store.Votes[firstVote+"-0000-4000-8000-000000000000"].Status)
}

func TestBot_PrivateChatNeedsOneVote(t *testing.T) {
	f := newFixture(t)
	dm := func(text string) string {
		return f.bot.Handle(context.Background(), Request{
			UserID: "alice", GroupID: "alice", DisplayName: "Alice", Text: text, Private: true,
		})
	}
	dm("買入 2330 2張 580元")
	assert.Contains(t, dm("賣出 2330 2張 600元"), "需要 1 票贊成通過")

	r := dm("贊成 " + firstVote)
	assert.Contains(t, r, "✅ 投票通過")
	assert.Contains(t, r, "Alice 已全數賣出")
}

func TestBot_Holdings(t *testing.T) {
	t.Run("unpriced shows cost basis", func(t *testing.T) {
		f := newFixture(t)
		f.say("alice", "買入 2330 5張 580元")

		r := f.say("alice", "持股")
		assert.Contains(t, r, "📊 Alice 的持股狀況")
		assert.Contains(t, r, "持股：5張，平均成本：580元")
		assert.Contains(t, r, "未實現損益：—")
		assert.NotContains(t, r, "NT$0.00")
	})

	t.Run("priced shows unrealized pnl", func(t *testing.T) {
		prices := market.PriceFunc(func(_ context.Context, code string) (decimal.Decimal, error) {
			if code == "2330" {
				return decimal.NewFromInt(600), nil
			}
			return decimal.Zero, market.ErrUnavailable
		})
		f := newFixture(t, WithPrices(prices))
		f.say("alice", "買入 2330 5張 580元")
		f.say("alice", "買入 鴻海 1張 100元")

		r := f.say("alice", "/holdings")
		assert.Contains(t, r, "現價：600元")
		assert.Contains(t, r, "+NT$100,000")
		assert.Contains(t, r, "+3.45%")
		assert.Contains(t, r, "1 檔無報價未計入")
	})

	t.Run("filter and member lookup", func(t *testing.T) {
		f := newFixture(t)
		f.say("alice", "買入 2330 5張 580元")
		f.say("bob", "買入 2317 1張 100元")

		r := f.say("alice", "持股 台積電")
		assert.Contains(t, r, "台積電(2330)")
		assert.Contains(t, f.say("alice", "持股 鴻海"), "查無 鴻海(2317) 的持股")

		r = f.say("alice", "持股 @bob")
		assert.Contains(t, r, "📊 Bob 的持股狀況")
		assert.Contains(t, r, "鴻海(2317)")
		assert.Contains(t, f.say("alice", "持股 @nobody"), "找不到成員 nobody")
	})

	t.Run("empty", func(t *testing.T) {
		f := newFixture(t)
		assert.Equal(t, "📊 您目前沒有持股", f.say("alice", "持股"))
		assert.Equal(t, "👥 群組目前沒有持股", f.say("alice", "群組持股"))
	})
}

func TestBot_GroupHoldings(t *testing.T) {
	f := newFixture(t)
	f.say("alice", "買入 2330 2張 580元")
	f.say("bob", "買入 2330 3張 575元")

	r := f.say("carol", "群組持股")
	assert.Contains(t, r, "台積電(2330)（2 人持有）")
	assert.Contains(t, r, "合計：5張，均價：577元")
}

func TestBot_DegradedPersistence(t *testing.T) {
	f := newFixture(t)
	f.store.Fail = errors.New("disk full")

	r := f.say("alice", "買入 2330 5張 580元")
	assert.Contains(t, r, "📈 Alice 買入")
	assert.Contains(t, r, "⚠️ 紀錄寫入失敗")
	assert.Equal(t, int64(5000), f.shares("alice"), "memory state is kept")
}

func TestBot_WithoutRecorder(t *testing.T) {
	f := newFixture(t, WithRecorder(nil))
	assert.Contains(t, f.say("alice", "買入 2330 1張 580元"), "💾 已記錄到暫存")
}

type names map[string]string

func (n names) ResolveDisplayName(_ context.Context, user, _ string) (string, error) {
	if name, ok := n[user]; ok {
		return name, nil
	}
	return "", errors.New("no such member")
}

type counter struct {
	n   int
	err error
}

func (c counter) CountMembers(context.Context, string) (int, error) { return c.n, c.err }

func TestBot_ActorName(t *testing.T) {
	f := newFixture(t, WithNameResolver(names{"u-42": "Dana"}))
	ctx := context.Background()

	r := f.bot.Handle(ctx, Request{UserID: "u-42", GroupID: "g1", Text: "買入 2330 1張 580元"})
	assert.Contains(t, r, "Dana 買入")

	r = f.bot.Handle(ctx, Request{UserID: "user-9876", GroupID: "g1", Text: "買入 2330 1張 580元"})
	assert.Contains(t, r, "成員9876 買入")

	assert.Equal(t, "成員abc", FallbackName("abc"))
}

func TestBot_MemberCount(t *testing.T) {
	tests := []struct {
		name    string
		counter MemberCounter
		want    string
	}{
		{"lookup", counter{n: 10}, "需要 6 票贊成通過"},
		{"lookup fails", counter{err: errors.New("timeout")}, "需要 2 票贊成通過"},
		{"no counter", nil, "需要 2 票贊成通過"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := []Option{WithDefaultMemberCount(3)}
			if tt.counter != nil {
				opts = append(opts, WithMemberCounter(tt.counter))
			}
			f := newFixture(t, opts...)
			ctx := context.Background()
			f.bot.Handle(ctx, Request{UserID: "alice", GroupID: "g1", DisplayName: "Alice", Text: "買入 2330 2張 580元"})
			r := f.bot.Handle(ctx, Request{UserID: "alice", GroupID: "g1", DisplayName: "Alice", Text: "賣出 2330 1張 600元"})
			assert.Contains(t, r, tt.want)
		})
	}
}

func TestBot_Routing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, "", f.say("alice", "今天天氣不錯"))
	assert.Equal(t, "", f.say("alice", "   "))
	assert.Equal(t, unknownCommand, f.say("alice", "/foo"))
	assert.Equal(t, unknownCommand, f.bot.Handle(ctx, Request{UserID: "alice", GroupID: "alice", Private: true, Text: "hello"}))

	assert.Contains(t, f.say("alice", "幫助"), "股票管理機器人使用說明")
	assert.Contains(t, f.say("alice", "/HELP"), "股票管理機器人使用說明")
	assert.Contains(t, f.say("alice", "測試"), "機器人運作正常")

	status := f.say("alice", "/status")
	assert.Contains(t, status, "💾 儲存：memory")
	assert.Contains(t, status, "📚 股票清單：12 筆")
	assert.Contains(t, status, "🗳️ 進行中投票：0")
}

func TestBot_ReplyLimit(t *testing.T) {
	f := newFixture(t, WithReplyLimit(20))
	r := f.say("alice", "幫助")
	assert.Equal(t, 20, len([]rune(r)))
	assert.True(t, strings.HasSuffix(r, "…"))
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 6, "hello…"},
		{"台積電買入", 3, "台積…"},
		{"anything", 0, "anything"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Truncate(tt.in, tt.limit), "%q/%d", tt.in, tt.limit)
	}
}

func TestFormatShares(t *testing.T) {
	b := &Bot{lotSize: 1000}
	assert.Equal(t, "5張", b.formatShares(5000))
	assert.Equal(t, "500股", b.formatShares(500))
	assert.Equal(t, "2張500股", b.formatShares(2500))
}
