// Package ledger keeps per-member, per-group holdings with weighted-average cost accounting.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"group_ledger/internal/keylock"
	"group_ledger/internal/models"

	"github.com/shopspring/decimal"
)

// ErrInvalidInput is returned for non-positive share counts or prices.
var ErrInvalidInput = errors.New("invalid input")

// InsufficientSharesError reports a sell or proposal larger than the holding.
type InsufficientSharesError struct {
	Instrument models.Instrument
	Have       int64
	Want       int64
}

func (e *InsufficientSharesError) Error() string {
	return fmt.Sprintf("insufficient shares of %s: have %d, want %d", e.Instrument.Label(), e.Have, e.Want)
}

// SellResult describes an applied sell. Position is the row after the sell;
// when Removed is true the row no longer exists and Position.Shares is 0.
type SellResult struct {
	Position models.Position
	AvgCost  decimal.Decimal
	Sold     int64
	Removed  bool
}

// Ledger owns every Position. All read-modify-write sequences on a row run
// under that row's key lock; the map lock only guards map access.
type Ledger struct {
	locks keylock.Map

	mu        sync.RWMutex
	positions map[string]models.Position

	now func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock injects the time source stamped on UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New returns an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		positions: make(map[string]models.Position),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func rowKey(user, group, instrumentKey string) string {
	return user + "\x00" + group + "\x00" + instrumentKey
}

// resolveKey maps an instrument onto the row it is stored under. A row
// created before the directory knew the code is still found by name.
func (l *Ledger) resolveKey(user, group string, inst models.Instrument) string {
	direct := rowKey(user, group, inst.Key())

	l.mu.RLock()
	defer l.mu.RUnlock()

	if _, ok := l.positions[direct]; ok {
		return direct
	}
	var byCode, byName []string
	for k, p := range l.positions {
		if p.UserID != user || p.GroupID != group {
			continue
		}
		if inst.Code != "" && p.Instrument.Code == inst.Code {
			byCode = append(byCode, k)
		} else if inst.Name != "" && (p.Instrument.Name == inst.Name || p.Instrument.Code == inst.Name) {
			byName = append(byName, k)
		}
	}
	if len(byCode) > 0 {
		sort.Strings(byCode)
		return byCode[0]
	}
	if len(byName) > 0 {
		sort.Strings(byName)
		return byName[0]
	}
	return direct
}

func (l *Ledger) load(key string) (models.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[key]
	return p, ok
}

func (l *Ledger) store(key string, p models.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.Shares == 0 {
		delete(l.positions, key)
		return
	}
	l.positions[key] = p
}

// ApplyBuy blends a buy into the holding: shares and cost add up and the
// average is recomputed as TotalCost / Shares. A first buy sets AvgCost = price.
func (l *Ledger) ApplyBuy(user, group string, inst models.Instrument, shares int64, price decimal.Decimal) (models.Position, error) {
	if shares <= 0 {
		return models.Position{}, fmt.Errorf("%w: shares must be positive, got %d", ErrInvalidInput, shares)
	}
	if !price.IsPositive() {
		return models.Position{}, fmt.Errorf("%w: price must be positive, got %s", ErrInvalidInput, price)
	}

	key := l.resolveKey(user, group, inst)
	unlock := l.locks.Lock(key)
	defer unlock()

	cost := price.Mul(decimal.NewFromInt(shares))
	p, ok := l.load(key)
	if !ok {
		p = models.Position{
			UserID:     user,
			GroupID:    group,
			Instrument: inst,
			Shares:     shares,
			AvgCost:    price,
			TotalCost:  cost,
		}
	} else {
		if !p.Instrument.Canonical() && inst.Canonical() {
			p.Instrument = inst
		}
		p.Shares += shares
		p.TotalCost = p.TotalCost.Add(cost)
		p.AvgCost = p.TotalCost.Div(decimal.NewFromInt(p.Shares))
	}
	p.UpdatedAt = l.now()
	l.store(key, p)
	return p, nil
}

// ApplySell removes shares from the holding at unchanged average cost.
// It never partially executes: a request above the held amount fails with
// *InsufficientSharesError and leaves the row untouched.
func (l *Ledger) ApplySell(user, group string, inst models.Instrument, shares int64) (SellResult, error) {
	if shares <= 0 {
		return SellResult{}, fmt.Errorf("%w: shares must be positive, got %d", ErrInvalidInput, shares)
	}

	key := l.resolveKey(user, group, inst)
	unlock := l.locks.Lock(key)
	defer unlock()

	p, ok := l.load(key)
	if !ok || p.Shares < shares {
		return SellResult{}, &InsufficientSharesError{Instrument: inst, Have: p.Shares, Want: shares}
	}

	p.Shares -= shares
	p.TotalCost = p.AvgCost.Mul(decimal.NewFromInt(p.Shares))
	p.UpdatedAt = l.now()
	l.store(key, p)

	return SellResult{
		Position: p,
		AvgCost:  p.AvgCost,
		Sold:     shares,
		Removed:  p.Shares == 0,
	}, nil
}

// WithPosition runs fn while holding the row lock for (user, group, inst).
// ok is false when the member holds nothing of the instrument.
func (l *Ledger) WithPosition(user, group string, inst models.Instrument, fn func(p models.Position, ok bool) error) error {
	key := l.resolveKey(user, group, inst)
	unlock := l.locks.Lock(key)
	defer unlock()

	p, ok := l.load(key)
	return fn(p, ok)
}

// Get returns the member's row for inst, if any.
func (l *Ledger) Get(user, group string, inst models.Instrument) (models.Position, bool) {
	return l.load(l.resolveKey(user, group, inst))
}

// Query lists the member's positions in the group. With a filter, rows are
// matched by code first, then exact name, then a loose name match; the first
// tier with any hit wins. An empty result is not an error.
func (l *Ledger) Query(user, group string, filter *models.Instrument) []models.Position {
	var mine []models.Position
	l.mu.RLock()
	for _, p := range l.positions {
		if p.UserID == user && p.GroupID == group {
			mine = append(mine, p)
		}
	}
	l.mu.RUnlock()

	sortPositions(mine)
	if filter == nil {
		return mine
	}
	return match(mine, *filter)
}

func match(rows []models.Position, f models.Instrument) []models.Position {
	tiers := []func(p models.Position) bool{
		func(p models.Position) bool { return f.Code != "" && p.Instrument.Code == f.Code },
		func(p models.Position) bool {
			return f.Name != "" && (p.Instrument.Name == f.Name || p.Instrument.Code == f.Name)
		},
		func(p models.Position) bool { return looseMatch(p.Instrument, f.Name) },
	}
	for _, tier := range tiers {
		var out []models.Position
		for _, p := range rows {
			if tier(p) {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func looseMatch(inst models.Instrument, q string) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return false
	}
	name := strings.ToLower(inst.Name)
	return strings.Contains(name, q) || (name != "" && strings.Contains(q, name)) ||
		strings.Contains(strings.ToLower(inst.Code), q)
}

// GroupPositions lists every member's rows in the group, ordered by member then instrument.
func (l *Ledger) GroupPositions(group string) []models.Position {
	var rows []models.Position
	l.mu.RLock()
	for _, p := range l.positions {
		if p.GroupID == group {
			rows = append(rows, p)
		}
	}
	l.mu.RUnlock()
	sortPositions(rows)
	return rows
}

// Aggregate sums the group's holdings per instrument. A row stored by name
// before the directory knew its code is merged into the coded bucket.
func (l *Ledger) Aggregate(group string) []models.Holding {
	rows := l.GroupPositions(group)

	known := make(map[string]models.Instrument)
	for _, p := range rows {
		if p.Instrument.Canonical() {
			known[p.Instrument.Code] = p.Instrument
			if p.Instrument.Name != "" {
				known[p.Instrument.Name] = p.Instrument
			}
		}
	}

	byKey := make(map[string]*models.Holding)
	holders := make(map[string]map[string]bool)
	var order []string
	for _, p := range rows {
		inst := p.Instrument
		if !inst.Canonical() {
			if c, ok := known[inst.Name]; ok {
				inst = c
			}
		}
		k := inst.Key()
		h, ok := byKey[k]
		if !ok {
			h = &models.Holding{Instrument: inst, TotalCost: decimal.Zero}
			byKey[k] = h
			holders[k] = make(map[string]bool)
			order = append(order, k)
		}
		h.Shares += p.Shares
		h.TotalCost = h.TotalCost.Add(p.TotalCost)
		holders[k][p.UserID] = true
	}
	sort.Strings(order)

	out := make([]models.Holding, 0, len(order))
	for _, k := range order {
		h := byKey[k]
		h.Holders = len(holders[k])
		if h.Shares > 0 {
			h.AvgCost = h.TotalCost.Div(decimal.NewFromInt(h.Shares))
		}
		out = append(out, *h)
	}
	return out
}

// Restore loads persisted rows, typically once at startup. Zero-share rows
// are skipped and TotalCost is re-derived from Shares * AvgCost.
func (l *Ledger) Restore(rows []models.Position) int {
	n := 0
	for _, p := range rows {
		if p.Shares <= 0 {
			continue
		}
		p.TotalCost = p.AvgCost.Mul(decimal.NewFromInt(p.Shares))
		l.store(rowKey(p.UserID, p.GroupID, p.Instrument.Key()), p)
		n++
	}
	return n
}

// Len returns the number of live rows.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

func sortPositions(rows []models.Position) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].UserID != rows[j].UserID {
			return rows[i].UserID < rows[j].UserID
		}
		return rows[i].Instrument.Key() < rows[j].Instrument.Key()
	})
}
