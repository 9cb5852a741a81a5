package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Instrument identifies a listed stock.
// Code may be empty when the name could not be resolved against the directory;
// callers must tolerate that and fall back to Name.
type Instrument struct {
	Code string `json:"code"` // Exchange code (e.g. "2330"), empty when unresolved
	Name string `json:"name"` // Display name, or the raw token the user typed
}

// Key returns the identifier positions are stored under.
func (i Instrument) Key() string {
	if i.Code != "" {
		return i.Code
	}
	return i.Name
}

// Canonical reports whether the instrument was resolved to an exchange code.
func (i Instrument) Canonical() bool { return i.Code != "" }

// Label is the human form used in replies: "台積電(2330)" or just the name.
func (i Instrument) Label() string {
	switch {
	case i.Code == "":
		return i.Name
	case i.Name == "" || i.Name == i.Code:
		return i.Code
	default:
		return i.Name + "(" + i.Code + ")"
	}
}

// Lot is one quantity/price entry of an order. Shares are individual shares, not board lots.
type Lot struct {
	Shares int64           `json:"shares"`
	Price  decimal.Decimal `json:"price"`
}

// Cost is Shares * Price.
func (l Lot) Cost() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(l.Shares))
}

// Lots is an ordered list of entries. Totals are always derived from the entries.
type Lots []Lot

// TotalShares sums the shares of every entry.
func (ls Lots) TotalShares() int64 {
	var n int64
	for _, l := range ls {
		n += l.Shares
	}
	return n
}

// TotalCost sums Shares * Price of every entry.
func (ls Lots) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, l := range ls {
		total = total.Add(l.Cost())
	}
	return total
}

// AvgPrice is the shares-weighted mean price, zero for an empty list.
func (ls Lots) AvgPrice() decimal.Decimal {
	shares := ls.TotalShares()
	if shares == 0 {
		return decimal.Zero
	}
	return ls.TotalCost().Div(decimal.NewFromInt(shares))
}

// Order is a parsed buy command.
type Order struct {
	Actor      string     `json:"actor"`
	ActorName  string     `json:"actor_name"`
	Group      string     `json:"group"`
	Instrument Instrument `json:"instrument"`
	Lots       Lots       `json:"lots"`
	Rationale  string     `json:"rationale"`
}

// IsBatch reports whether the order carries more than one priced entry.
func (o Order) IsBatch() bool { return len(o.Lots) > 1 }

// SellRequest is a parsed sell proposal. It is not executed until a vote passes.
type SellRequest struct {
	Actor      string     `json:"actor"`
	ActorName  string     `json:"actor_name"`
	Group      string     `json:"group"`
	Instrument Instrument `json:"instrument"`
	Lots       Lots       `json:"lots"`
	Note       string     `json:"note"`
}

// IsBatch reports whether the request carries more than one priced entry.
func (s SellRequest) IsBatch() bool { return len(s.Lots) > 1 }

// Position is one holding row for (UserID, GroupID, Instrument.Key()).
// TotalCost == Shares * AvgCost after every mutation; zero-share rows are removed.
type Position struct {
	UserID     string          `json:"user_id"`
	GroupID    string          `json:"group_id"`
	Instrument Instrument      `json:"instrument"`
	Shares     int64           `json:"shares"`
	AvgCost    decimal.Decimal `json:"avg_cost"`
	TotalCost  decimal.Decimal `json:"total_cost"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Holding is a group-wide aggregate of every member's position in one instrument.
type Holding struct {
	Instrument Instrument      `json:"instrument"`
	Shares     int64           `json:"shares"`
	TotalCost  decimal.Decimal `json:"total_cost"`
	AvgCost    decimal.Decimal `json:"avg_cost"`
	Holders    int             `json:"holders"`
}

// Trade sides, as written to the transaction log.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Transaction statuses.
const (
	TxExecuted = "EXECUTED"
	TxProposed = "PROPOSED"
)

// TransactionRecord is one row of the append-only transaction log.
type TransactionRecord struct {
	RecordID    string          `json:"record_id"`
	RecordedAt  time.Time       `json:"recorded_at"`
	UserID      string          `json:"user_id"`
	UserName    string          `json:"user_name"`
	GroupID     string          `json:"group_id"`
	Instrument  Instrument      `json:"instrument"`
	Side        string          `json:"side"`
	Shares      int64           `json:"shares"`
	Price       decimal.Decimal `json:"price"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Note        string          `json:"note,omitempty"`
	Status      string          `json:"status"`
	VoteID      string          `json:"vote_id,omitempty"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Lots        Lots            `json:"lots,omitempty"`
}
