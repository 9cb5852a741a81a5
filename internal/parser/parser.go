// Package parser turns chat text into buy orders and sell proposals.
package parser

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"group_ledger/internal/models"

	"github.com/shopspring/decimal"
)

// Kind is the trade side a command expresses.
type Kind int

const (
	KindBuy Kind = iota + 1
	KindSell
)

func (k Kind) String() string {
	switch k {
	case KindBuy:
		return "buy"
	case KindSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Placeholder notes used when a batch carries no trailing text.
const (
	BatchBuyNote  = "批次交易"
	BatchSellNote = "批次賣出"
)

// DefaultLotSize is the number of shares in one board lot.
const DefaultLotSize = 1000

// BareLotLimit: a quantity with no unit marker below this counts lots, otherwise shares.
const BareLotLimit = 1000

// Usage strings shown with a ParseError.
const (
	BuyUsage = "🟢 買入格式：買入 股票 數量 價格元 [理由]\n" +
		"範例：買入 台積電 5張 580元 看好AI趨勢\n" +
		"批次：買入 2330 2張 580元 3張 575元 分批進場\n" +
		"也可用：台積電, 買入, 5張, 580元, 看好AI趨勢"
	SellUsage = "🔴 賣出格式：賣出 股票 數量 價格元 [備註]\n" +
		"範例：賣出 台積電 2張 600元 獲利了結\n" +
		"賣出需經群組投票通過後才會執行"
)

// ErrKind separates malformed text from well-formed but invalid values.
type ErrKind int

const (
	ErrKindFormat ErrKind = iota + 1
	ErrKindValidation
)

// ParseError is returned for any command that cannot become an order.
// Parsing never has side effects, so the caller can simply show Usage.
type ParseError struct {
	Kind   ErrKind
	Side   Kind
	Reason string
	Usage  string
}

func (e *ParseError) Error() string {
	if e.Kind == ErrKindValidation {
		return "invalid " + e.Side.String() + " command: " + e.Reason
	}
	return "malformed " + e.Side.String() + " command: " + e.Reason
}

// Command is a parsed trade instruction. Exactly one of Order and Sell is set.
// Actor and group fields are left for the caller to fill.
type Command struct {
	Kind  Kind
	Order *models.Order
	Sell  *models.SellRequest
}

// Resolver maps the instrument token onto a known instrument. It must not
// fail: an unknown token comes back as {Code: "", Name: token}.
type Resolver interface {
	Resolve(ctx context.Context, token string) models.Instrument
}

// Parser is safe for concurrent use.
type Parser struct {
	resolver    Resolver
	lotSize     int64
	requireUnit bool
}

// Option configures a Parser.
type Option func(*Parser)

// WithLotSize overrides the 1000-share board lot.
func WithLotSize(n int64) Option { return func(p *Parser) { p.lotSize = n } }

// WithRequireUnit makes a bare quantity without 張/股 a format error.
func WithRequireUnit(v bool) Option { return func(p *Parser) { p.requireUnit = v } }

// New returns a parser resolving instruments through r. A nil r keeps every
// instrument unresolved.
func New(r Resolver, opts ...Option) *Parser {
	p := &Parser{resolver: r, lotSize: DefaultLotSize}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var keywords = []struct {
	word  string
	kind  Kind
	space bool // keyword must be followed by whitespace
}{
	{"買入", KindBuy, false},
	{"賣出", KindSell, false},
	{"/buy", KindBuy, true},
	{"/sell", KindSell, true},
	{"buy", KindBuy, true},
	{"sell", KindSell, true},
	{"買", KindBuy, true},
	{"賣", KindSell, true},
}

func matchKeyword(text string) (Kind, string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if !strings.HasPrefix(lower, kw.word) {
			continue
		}
		rest := text[len(kw.word):]
		if kw.space && rest != "" && !startsWithSpace(rest) {
			continue
		}
		return kw.kind, strings.TrimSpace(rest), true
	}
	return 0, "", false
}

func startsWithSpace(s string) bool {
	return strings.IndexAny(s[:1], " \t\n\r") == 0 || strings.HasPrefix(s, "　")
}

// normalizeComma rewrites "台積電, 買入, 5張, 580元, 理由" into keyword form.
func normalizeComma(text string) string {
	if !strings.ContainsAny(text, ",，") {
		return text
	}
	fields := strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == '，' })
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) < 2 {
		return text
	}
	if _, rest, ok := matchKeyword(fields[1]); ok && rest == "" {
		out := append([]string{fields[1], fields[0]}, fields[2:]...)
		return strings.Join(out, " ")
	}
	if _, rest, ok := matchKeyword(fields[0]); ok && rest == "" {
		return strings.Join(fields, " ")
	}
	return text
}

// Detect reports whether text is a buy or sell command, without parsing it.
func Detect(text string) (Kind, bool) {
	kind, _, ok := matchKeyword(normalizeComma(strings.TrimSpace(text)))
	return kind, ok
}

const (
	number   = `([-－+＋]?\d+(?:\.\d+)?)`
	unit     = `(張|股|lots|lot|shares|share|sh)`
	sep      = `[@xX×＠]`
	currency = `(元|塊|NTD|NT|TWD)`
)

// group matches "5張 580元", "3000股@575元", "2 x 600 NT" and "5 580元".
// A bare quantity needs whitespace or a separator before the price.
var groupRE = regexp.MustCompile(
	`(?i)` + number + `\s*(?:` + unit + `\s*(?:` + sep + `\s*)?|` + sep + `\s*|\s+)` + number + `\s*` + currency,
)

var quantityTokenRE = regexp.MustCompile(`(?i)^` + number + `\s*` + unit + `$`)

// Parse turns text into a Command or a *ParseError.
func (p *Parser) Parse(ctx context.Context, text string) (Command, error) {
	text = normalizeComma(strings.TrimSpace(text))
	kind, rest, ok := matchKeyword(text)
	if !ok {
		return Command{}, &ParseError{Kind: ErrKindFormat, Reason: "no buy/sell keyword", Usage: BuyUsage + "\n\n" + SellUsage}
	}
	usage := BuyUsage
	if kind == KindSell {
		usage = SellUsage
	}
	fail := func(k ErrKind, format string, args ...any) (Command, error) {
		return Command{}, &ParseError{Kind: k, Side: kind, Reason: fmt.Sprintf(format, args...), Usage: usage}
	}

	token, clause := splitToken(rest)
	if token == "" || quantityTokenRE.MatchString(token) {
		return fail(ErrKindFormat, "missing instrument")
	}

	matches := groupRE.FindAllStringSubmatchIndex(clause, -1)
	if len(matches) == 0 {
		return fail(ErrKindFormat, "no quantity/price group in %q", clause)
	}

	lots := make(models.Lots, 0, len(matches))
	prev := 0
	for _, m := range matches {
		if gap := strings.Trim(clause[prev:m[0]], lotSeparators); gap != "" {
			return fail(ErrKindFormat, "unexpected %q between quantity/price groups", gap)
		}
		prev = m[1]

		qty := clause[m[2]:m[3]]
		u := ""
		if m[4] >= 0 {
			u = clause[m[4]:m[5]]
		}
		rawPrice := clause[m[6]:m[7]]
		if signed(rawPrice) {
			return fail(ErrKindValidation, "price must be positive")
		}
		price, err := decimal.NewFromString(rawPrice)
		if err != nil {
			return fail(ErrKindFormat, "bad price %q", rawPrice)
		}
		if !price.IsPositive() {
			return fail(ErrKindValidation, "price must be positive")
		}
		shares, perr := p.shares(qty, u)
		if perr != nil {
			perr.Side, perr.Usage = kind, usage
			return Command{}, perr
		}
		lots = append(lots, models.Lot{Shares: shares, Price: price})
	}

	note := strings.TrimSpace(clause[matches[len(matches)-1][1]:])
	note = strings.TrimLeft(note, ",，;；、 ")
	if note == "" && len(lots) > 1 {
		note = BatchBuyNote
		if kind == KindSell {
			note = BatchSellNote
		}
	}

	inst := models.Instrument{Name: token}
	if p.resolver != nil {
		inst = p.resolver.Resolve(ctx, token)
	}

	if kind == KindBuy {
		return Command{Kind: kind, Order: &models.Order{Instrument: inst, Lots: lots, Rationale: note}}, nil
	}
	return Command{Kind: kind, Sell: &models.SellRequest{Instrument: inst, Lots: lots, Note: note}}, nil
}

func splitToken(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '　' })
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

var bareLotLimit = decimal.NewFromInt(BareLotLimit)

// lotSeparators may sit between two quantity/price groups.
const lotSeparators = " \t\n\r　,，;；、&"

// signed reports an explicit sign. Quantities and prices are written unsigned,
// so any sign is rejected rather than dropped.
func signed(s string) bool {
	return strings.HasPrefix(s, "-") || strings.HasPrefix(s, "－") ||
		strings.HasPrefix(s, "+") || strings.HasPrefix(s, "＋")
}

// shares converts a quantity and its unit marker into a share count.
// A bare number below 1000 counts lots, otherwise shares.
func (p *Parser) shares(qty, u string) (int64, *ParseError) {
	if signed(qty) {
		return 0, &ParseError{Kind: ErrKindValidation, Reason: fmt.Sprintf("quantity %s must be positive", qty)}
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return 0, &ParseError{Kind: ErrKindFormat, Reason: fmt.Sprintf("bad quantity %q", qty)}
	}
	if !q.IsPositive() {
		return 0, &ParseError{Kind: ErrKindValidation, Reason: "quantity must be positive"}
	}

	lot := decimal.NewFromInt(p.lotSize)
	switch strings.ToLower(u) {
	case "張", "lot", "lots":
		q = q.Mul(lot)
	case "股", "sh", "share", "shares":
	case "":
		if p.requireUnit {
			return 0, &ParseError{Kind: ErrKindFormat, Reason: fmt.Sprintf("quantity %s needs 張 or 股", qty)}
		}
		if q.LessThan(bareLotLimit) {
			q = q.Mul(lot)
		}
	}
	if !q.IsInteger() {
		return 0, &ParseError{Kind: ErrKindValidation, Reason: fmt.Sprintf("%s is not a whole number of shares", q)}
	}
	return q.IntPart(), nil
}
