package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// VoteStatus is the lifecycle state of a sell proposal.
type VoteStatus string

const (
	VoteActive   VoteStatus = "active"
	VoteExecuted VoteStatus = "executed"
	VoteRejected VoteStatus = "rejected"
	VoteExpired  VoteStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s VoteStatus) Terminal() bool { return s != VoteActive }

// Choice is a single ballot direction.
type Choice string

const (
	ChoiceYes Choice = "yes"
	ChoiceNo  Choice = "no"
)

// Valid reports whether c is yes or no.
func (c Choice) Valid() bool { return c == ChoiceYes || c == ChoiceNo }

// Vote is a group-approved sell proposal.
//
// VoterChoice is the single source of truth for who voted and how;
// YesVoters and NoVoters are rebuilt from it by SyncVoters and are always disjoint.
type Vote struct {
	ID                string            `json:"id"`
	Initiator         string            `json:"initiator"`
	InitiatorName     string            `json:"initiator_name"`
	Group             string            `json:"group"`
	Instrument        Instrument        `json:"instrument"`
	Shares            int64             `json:"shares"`
	Price             decimal.Decimal   `json:"price"`
	Lots              Lots              `json:"lots"`
	Note              string            `json:"note"`
	CreatedAt         time.Time         `json:"created_at"`
	Deadline          time.Time         `json:"deadline"`
	Status            VoteStatus        `json:"status"`
	YesVoters         []string          `json:"yes_voters"`
	NoVoters          []string          `json:"no_voters"`
	VoterChoice       map[string]Choice `json:"voter_choice"`
	RequiredVotes     int               `json:"required_votes"`
	RequiredRejects   int               `json:"required_rejects"`
	AvgCostAtCreation decimal.Decimal   `json:"avg_cost_at_creation"`
	ResolvedAt        *time.Time        `json:"resolved_at,omitempty"`
	RealizedPnL       decimal.Decimal   `json:"realized_pnl"`
}

// SyncVoters rebuilds the yes/no sets from VoterChoice, sorted for stable output.
func (v *Vote) SyncVoters() {
	v.YesVoters = v.YesVoters[:0]
	v.NoVoters = v.NoVoters[:0]
	for voter, c := range v.VoterChoice {
		switch c {
		case ChoiceYes:
			v.YesVoters = append(v.YesVoters, voter)
		case ChoiceNo:
			v.NoVoters = append(v.NoVoters, voter)
		}
	}
	sort.Strings(v.YesVoters)
	sort.Strings(v.NoVoters)
}

// Clone returns a deep copy safe to hand out of a locked section.
func (v Vote) Clone() Vote {
	c := v
	c.Lots = append(Lots(nil), v.Lots...)
	c.YesVoters = append([]string(nil), v.YesVoters...)
	c.NoVoters = append([]string(nil), v.NoVoters...)
	c.VoterChoice = make(map[string]Choice, len(v.VoterChoice))
	for k, ch := range v.VoterChoice {
		c.VoterChoice[k] = ch
	}
	if v.ResolvedAt != nil {
		t := *v.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}

// ShortID is the prefix shown in chat replies.
func (v Vote) ShortID() string {
	if len(v.ID) <= 8 {
		return v.ID
	}
	return v.ID[:8]
}

// Ballot is one persisted vote cast.
type Ballot struct {
	VoteID  string    `json:"vote_id"`
	VoterID string    `json:"voter_id"`
	Choice  Choice    `json:"choice"`
	CastAt  time.Time `json:"cast_at"`
}

// VoteUpdate carries the fields changed on a vote record after creation.
type VoteUpdate struct {
	Status      VoteStatus      `json:"status"`
	Ballot      *Ballot         `json:"ballot,omitempty"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}
