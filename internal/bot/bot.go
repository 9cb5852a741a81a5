// Package bot routes chat commands to the parser, ledger and voting engine
// and renders the plain-text replies.
package bot

import (
	"context"
	"strings"
	"time"

	"group_ledger/internal/ledger"
	"group_ledger/internal/market"
	"group_ledger/internal/models"
	"group_ledger/internal/parser"
	"group_ledger/internal/storage"
	"group_ledger/internal/voting"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Defaults used when no option overrides them.
const (
	DefaultReplyLimit  = 5000
	DefaultMemberCount = 3
)

// Request is one inbound command with its actor context.
type Request struct {
	UserID      string
	GroupID     string
	DisplayName string
	Text        string
	Private     bool
	// MemberCount, when positive, skips the MemberCounter lookup.
	MemberCount int
}

// Reply is the rendered answer. VoteID is set when the reply opened a vote,
// so transports can attach yes/no buttons.
type Reply struct {
	Text   string
	VoteID string
}

// NameResolver looks up a member's display name. Failures fall back to a placeholder.
type NameResolver interface {
	ResolveDisplayName(ctx context.Context, user, group string) (string, error)
}

// MemberCounter reports how many members a group has.
type MemberCounter interface {
	CountMembers(ctx context.Context, group string) (int, error)
}

// DirectoryInfo is the part of the stock directory shown by the status command.
type DirectoryInfo interface {
	Len() int
	FetchedAt() time.Time
}

// Bot is safe for concurrent use; each Handle call is independent.
type Bot struct {
	parser   *parser.Parser
	ledger   *ledger.Ledger
	votes    *voting.Engine
	resolver parser.Resolver

	prices    market.PriceProvider
	store     storage.Recorder
	names     NameResolver
	counter   MemberCounter
	directory DirectoryInfo
	log       *zap.Logger

	defaultMembers int
	replyLimit     int
	lotSize        int64

	members *registry
	now     func() time.Time
	newID   func() string
	started time.Time
}

// Option configures a Bot.
type Option func(*Bot)

func WithPrices(p market.PriceProvider) Option { return func(b *Bot) { b.prices = p } }
func WithRecorder(r storage.Recorder) Option   { return func(b *Bot) { b.store = r } }
func WithNameResolver(n NameResolver) Option   { return func(b *Bot) { b.names = n } }
func WithMemberCounter(c MemberCounter) Option { return func(b *Bot) { b.counter = c } }
func WithDirectory(d DirectoryInfo) Option     { return func(b *Bot) { b.directory = d } }
func WithLogger(l *zap.Logger) Option          { return func(b *Bot) { b.log = l } }
func WithClock(now func() time.Time) Option    { return func(b *Bot) { b.now = now } }
func WithIDs(gen func() string) Option         { return func(b *Bot) { b.newID = gen } }

// WithResolver sets how the holdings filter maps a token to an instrument.
func WithResolver(r parser.Resolver) Option { return func(b *Bot) { b.resolver = r } }

// WithDefaultMemberCount is used when the member count lookup fails.
func WithDefaultMemberCount(n int) Option { return func(b *Bot) { b.defaultMembers = n } }

// WithReplyLimit caps replies, in runes. Zero disables truncation.
func WithReplyLimit(n int) Option { return func(b *Bot) { b.replyLimit = n } }

// WithLotSize must match the parser's lot size; it only affects display.
func WithLotSize(n int64) Option { return func(b *Bot) { b.lotSize = n } }

// New wires a Bot. p, l and v are required.
func New(p *parser.Parser, l *ledger.Ledger, v *voting.Engine, opts ...Option) *Bot {
	b := &Bot{
		parser:         p,
		ledger:         l,
		votes:          v,
		log:            zap.NewNop(),
		defaultMembers: DefaultMemberCount,
		replyLimit:     DefaultReplyLimit,
		lotSize:        parser.DefaultLotSize,
		members:        newRegistry(),
		now:            time.Now,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.started = b.now()
	return b
}

// Handle answers one command. An empty string means no reply should be sent.
func (b *Bot) Handle(ctx context.Context, req Request) string {
	return b.HandleReply(ctx, req).Text
}

// HandleReply is Handle with the vote id of a newly opened proposal.
func (b *Bot) HandleReply(ctx context.Context, req Request) Reply {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Reply{}
	}
	if req.DisplayName != "" {
		b.members.remember(req.GroupID, req.UserID, req.DisplayName)
	}

	r := b.route(ctx, req, text)
	r.Text = Truncate(r.Text, b.replyLimit)
	return r
}

const unknownCommand = "❓ 指令格式不正確，請輸入「幫助」查看使用說明"

func (b *Bot) route(ctx context.Context, req Request, text string) Reply {
	if kind, ok := parser.Detect(text); ok {
		if kind == parser.KindSell {
			return b.handleSell(ctx, req, text)
		}
		return Reply{Text: b.handleBuy(ctx, req, text)}
	}

	cmd, arg := splitCommand(text)
	switch cmd {
	case "贊成", "/yes":
		return Reply{Text: b.handleCast(ctx, req, arg, models.ChoiceYes)}
	case "反對", "/no":
		return Reply{Text: b.handleCast(ctx, req, arg, models.ChoiceNo)}
	case "投票狀態", "/vote":
		return Reply{Text: b.handleVoteStatus(ctx, req, arg)}
	case "投票清單", "/votes":
		return Reply{Text: b.handleVoteList(ctx, req)}
	case "持股", "我的股票", "/holdings":
		return Reply{Text: b.handleHoldings(ctx, req, arg)}
	case "群組持股", "/group":
		return Reply{Text: b.handleGroupHoldings(ctx, req)}
	case "幫助", "指令", "說明", "help", "/help", "/start":
		return Reply{Text: b.helpText()}
	case "測試", "/ping":
		return Reply{Text: "🤖 機器人運作正常！\n輸入「幫助」查看使用說明"}
	case "狀態", "/status":
		return Reply{Text: b.statusText()}
	}

	if req.Private || strings.HasPrefix(text, "/") {
		return Reply{Text: unknownCommand}
	}
	// ordinary group chatter
	return Reply{}
}

func splitCommand(text string) (string, string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", ""
	}
	cmd := fields[0]
	if strings.HasPrefix(cmd, "/") || isASCII(cmd) {
		cmd = strings.ToLower(cmd)
	}
	return cmd, strings.Join(fields[1:], " ")
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// actorName prefers the name the transport supplied, then the resolver,
// then a placeholder built from the user id.
func (b *Bot) actorName(ctx context.Context, user, group, given string) string {
	if given != "" {
		return given
	}
	if name, ok := b.members.name(group, user); ok {
		return name
	}
	if b.names != nil {
		name, err := b.names.ResolveDisplayName(ctx, user, group)
		if err == nil && name != "" {
			b.members.remember(group, user, name)
			return name
		}
		if err != nil {
			b.log.Debug("display name lookup failed", zap.String("user", user), zap.Error(err))
		}
	}
	return FallbackName(user)
}

// FallbackName is the placeholder shown when no display name is known.
func FallbackName(user string) string {
	r := []rune(user)
	if len(r) > 4 {
		r = r[len(r)-4:]
	}
	return "成員" + string(r)
}

// memberCount is gathered before any lock is taken.
func (b *Bot) memberCount(ctx context.Context, req Request) int {
	if req.Private {
		return 1
	}
	if req.MemberCount > 0 {
		return req.MemberCount
	}
	if b.counter != nil {
		n, err := b.counter.CountMembers(ctx, req.GroupID)
		if err == nil && n > 0 {
			return n
		}
		b.log.Warn("member count unavailable, using default",
			zap.String("group", req.GroupID), zap.Int("default", b.defaultMembers), zap.Error(err))
	}
	return b.defaultMembers
}
