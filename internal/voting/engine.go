// Package voting runs the sell-approval lifecycle: propose, cast, resolve, expire.
package voting

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"group_ledger/internal/keylock"
	"group_ledger/internal/ledger"
	"group_ledger/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("vote not found")
	ErrAmbiguousID   = errors.New("vote id prefix is ambiguous")
	ErrWrongGroup    = errors.New("vote belongs to another group")
	ErrAlreadyClosed = errors.New("vote already closed")
	ErrExpired       = errors.New("vote expired")
	ErrInvalidChoice = errors.New("choice must be yes or no")
)

// DefaultTTL is how long a proposal stays open.
const DefaultTTL = 24 * time.Hour

// Policy holds the two independent resolution thresholds.
// Execution needs max(MinQuorum, floor(members/2)+1) yes votes (1 in a
// private chat); rejection needs that plus RejectExtra no votes.
type Policy struct {
	MinQuorum   int
	RejectExtra int
}

// DefaultPolicy matches a strict majority with a floor of two.
var DefaultPolicy = Policy{MinQuorum: 2}

// Required returns the execution and rejection thresholds for a context.
func (p Policy) Required(memberCount int, private bool) (yes, no int) {
	if private {
		yes = 1
	} else {
		yes = memberCount/2 + 1
		if yes < p.MinQuorum {
			yes = p.MinQuorum
		}
	}
	no = yes + p.RejectExtra
	if no < 1 {
		no = 1
	}
	return yes, no
}

// Engine owns every Vote of the process. Votes are not durable by
// themselves; callers persist what the engine returns and Restore on start.
type Engine struct {
	ledger *ledger.Ledger
	locks  keylock.Map

	mu    sync.RWMutex
	votes map[string]*models.Vote

	policy Policy
	ttl    time.Duration
	now    func() time.Time
	newID  func() string
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithTTL(ttl time.Duration) Option      { return func(e *Engine) { e.ttl = ttl } }
func WithPolicy(p Policy) Option            { return func(e *Engine) { e.policy = p } }
func WithIDs(gen func() string) Option      { return func(e *Engine) { e.newID = gen } }

// New builds an engine that executes passed votes against l.
func New(l *ledger.Ledger, opts ...Option) *Engine {
	e := &Engine{
		ledger: l,
		votes:  make(map[string]*models.Vote),
		policy: DefaultPolicy,
		ttl:    DefaultTTL,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProposeRequest is everything Propose needs. MemberCount is gathered by the
// caller before the call so no lookup happens under a lock.
type ProposeRequest struct {
	Initiator     string
	InitiatorName string
	Group         string
	Instrument    models.Instrument
	Lots          models.Lots
	Note          string
	MemberCount   int
	Private       bool
}

// Propose opens a sell vote. The initiator's holding is checked while its row
// lock is held, so the proposal is validated against a stable share count.
func (e *Engine) Propose(req ProposeRequest) (models.Vote, error) {
	total := req.Lots.TotalShares()
	if total <= 0 {
		return models.Vote{}, fmt.Errorf("%w: proposal has no shares", ledger.ErrInvalidInput)
	}
	for _, l := range req.Lots {
		if l.Shares <= 0 || !l.Price.IsPositive() {
			return models.Vote{}, fmt.Errorf("%w: non-positive lot %d @ %s", ledger.ErrInvalidInput, l.Shares, l.Price)
		}
	}

	var created models.Vote
	err := e.ledger.WithPosition(req.Initiator, req.Group, req.Instrument, func(p models.Position, ok bool) error {
		if !ok || p.Shares < total {
			return &ledger.InsufficientSharesError{Instrument: req.Instrument, Have: p.Shares, Want: total}
		}

		yes, no := e.policy.Required(req.MemberCount, req.Private)
		now := e.now()
		inst := req.Instrument
		if !inst.Canonical() && p.Instrument.Canonical() {
			inst = p.Instrument
		}
		v := &models.Vote{
			ID:                e.newID(),
			Initiator:         req.Initiator,
			InitiatorName:     req.InitiatorName,
			Group:             req.Group,
			Instrument:        inst,
			Shares:            total,
			Price:             req.Lots.AvgPrice(),
			Lots:              append(models.Lots(nil), req.Lots...),
			Note:              req.Note,
			CreatedAt:         now,
			Deadline:          now.Add(e.ttl),
			Status:            models.VoteActive,
			VoterChoice:       make(map[string]models.Choice),
			RequiredVotes:     yes,
			RequiredRejects:   no,
			AvgCostAtCreation: p.AvgCost,
			RealizedPnL:       decimal.Zero,
		}

		e.mu.Lock()
		e.votes[v.ID] = v
		e.mu.Unlock()

		created = v.Clone()
		return nil
	})
	if err != nil {
		return models.Vote{}, err
	}
	return created, nil
}

// Execution is the ledger effect of a passed vote.
type Execution struct {
	Sell        ledger.SellResult
	RealizedPnL decimal.Decimal
}

// Outcome is the result of one cast.
type Outcome struct {
	Vote      models.Vote
	Ballot    models.Ballot
	Changed   bool // the voter switched sides
	Repeated  bool // the voter repeated the same choice
	Resolved  bool // this cast moved the vote to a terminal state
	YesNeeded int
	NoNeeded  int
	Execution *Execution
	// ExecutionErr is set when the vote passed but the initiator no longer
	// held enough shares; the vote is then closed as rejected.
	ExecutionErr error
}

func (e *Engine) lookup(id string) (*models.Vote, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if v, ok := e.votes[id]; ok {
		return v, nil
	}
	// Short ids shown in chat are accepted when unambiguous.
	if len(id) < 4 {
		return nil, ErrNotFound
	}
	var hit *models.Vote
	for key, v := range e.votes {
		if strings.HasPrefix(key, id) {
			if hit != nil {
				return nil, ErrAmbiguousID
			}
			hit = v
		}
	}
	if hit == nil {
		return nil, ErrNotFound
	}
	return hit, nil
}

// CastVote records a ballot and resolves the vote when a threshold is met.
// Checks run in order: unknown id, closed, expired (which closes it), wrong group.
// Execution is evaluated before rejection on every cast.
func (e *Engine) CastVote(voteID, voter, group string, choice models.Choice) (Outcome, error) {
	if !choice.Valid() {
		return Outcome{}, ErrInvalidChoice
	}
	v, err := e.lookup(voteID)
	if err != nil {
		return Outcome{}, err
	}

	unlock := e.locks.Lock(v.ID)
	defer unlock()

	now := e.now()
	if v.Status.Terminal() {
		return Outcome{Vote: v.Clone()}, ErrAlreadyClosed
	}
	if now.After(v.Deadline) {
		e.expire(v, now)
		return Outcome{Vote: v.Clone(), Resolved: true}, ErrExpired
	}
	if v.Group != group {
		return Outcome{}, ErrWrongGroup
	}

	out := Outcome{Ballot: models.Ballot{VoteID: v.ID, VoterID: voter, Choice: choice, CastAt: now}}
	prev, voted := v.VoterChoice[voter]
	out.Changed = voted && prev != choice
	out.Repeated = voted && prev == choice
	v.VoterChoice[voter] = choice
	v.SyncVoters()

	switch {
	case len(v.YesVoters) >= v.RequiredVotes:
		e.execute(v, now, &out)
	case len(v.NoVoters) >= v.RequiredRejects:
		v.Status = models.VoteRejected
		v.ResolvedAt = &now
		out.Resolved = true
	default:
		out.YesNeeded = v.RequiredVotes - len(v.YesVoters)
		out.NoNeeded = v.RequiredRejects - len(v.NoVoters)
	}

	out.Vote = v.Clone()
	return out, nil
}

func (e *Engine) execute(v *models.Vote, now time.Time, out *Outcome) {
	out.Resolved = true
	v.ResolvedAt = &now

	res, err := e.ledger.ApplySell(v.Initiator, v.Group, v.Instrument, v.Shares)
	if err != nil {
		v.Status = models.VoteRejected
		out.ExecutionErr = err
		return
	}
	pnl := ledger.RealizedPnL(v.Price, res.AvgCost, v.Shares)
	v.Status = models.VoteExecuted
	v.RealizedPnL = pnl
	out.Execution = &Execution{Sell: res, RealizedPnL: pnl}
}

func (e *Engine) expire(v *models.Vote, now time.Time) {
	v.Status = models.VoteExpired
	v.ResolvedAt = &now
}

// Snapshot is a read-only view of a vote.
type Snapshot struct {
	Vote      models.Vote
	Remaining time.Duration
	// JustExpired is true when this read moved the vote to expired.
	JustExpired bool
}

// Status returns a vote's current state, expiring it first if its deadline passed.
func (e *Engine) Status(voteID string) (Snapshot, error) {
	v, err := e.lookup(voteID)
	if err != nil {
		return Snapshot{}, err
	}
	unlock := e.locks.Lock(v.ID)
	defer unlock()
	return e.snapshot(v, e.now()), nil
}

func (e *Engine) snapshot(v *models.Vote, now time.Time) Snapshot {
	s := Snapshot{}
	if v.Status == models.VoteActive {
		if now.After(v.Deadline) {
			e.expire(v, now)
			s.JustExpired = true
		} else {
			s.Remaining = v.Deadline.Sub(now)
		}
	}
	s.Vote = v.Clone()
	return s
}

// ListActive returns the group's open votes, oldest first. Votes whose
// deadline passed are expired by the call and returned separately so the
// caller can persist the transition.
func (e *Engine) ListActive(group string) (active []Snapshot, expired []models.Vote) {
	e.mu.RLock()
	var candidates []*models.Vote
	for _, v := range e.votes {
		if v.Group == group {
			candidates = append(candidates, v)
		}
	}
	e.mu.RUnlock()

	now := e.now()
	for _, v := range candidates {
		unlock := e.locks.Lock(v.ID)
		if v.Status == models.VoteActive {
			s := e.snapshot(v, now)
			if s.JustExpired {
				expired = append(expired, s.Vote)
			} else {
				active = append(active, s)
			}
		}
		unlock()
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].Vote.CreatedAt.Before(active[j].Vote.CreatedAt)
	})
	return active, expired
}

// Restore re-registers persisted votes, typically the active ones at startup.
func (e *Engine) Restore(votes []models.Vote) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, v := range votes {
		c := v.Clone()
		if c.VoterChoice == nil {
			c.VoterChoice = make(map[string]models.Choice)
		}
		c.SyncVoters()
		e.votes[c.ID] = &c
		n++
	}
	return n
}

// ActiveCount returns how many votes are still open, without expiring anything.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	all := make([]*models.Vote, 0, len(e.votes))
	for _, v := range e.votes {
		all = append(all, v)
	}
	e.mu.RUnlock()

	n := 0
	for _, v := range all {
		unlock := e.locks.Lock(v.ID)
		if v.Status == models.VoteActive {
			n++
		}
		unlock()
	}
	return n
}
