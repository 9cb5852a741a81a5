// Package storage defines the durable record collaborators and a file-backed
// implementation. Writes are a backup of in-memory state: a failed write is
// reported, never rolled back.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"group_ledger/internal/models"
)

// Recorder receives every ledger and vote mutation after it has been applied.
type Recorder interface {
	Name() string
	AppendTransaction(ctx context.Context, rec models.TransactionRecord) error
	// UpsertPosition writes the row; a zero-share position deletes it.
	UpsertPosition(ctx context.Context, p models.Position) error
	AppendVoteRecord(ctx context.Context, v models.Vote) error
	UpdateVoteRecord(ctx context.Context, voteID string, u models.VoteUpdate) error
}

// Loader reads back what is needed to rebuild memory at startup.
type Loader interface {
	LoadPositions(ctx context.Context) ([]models.Position, error)
	LoadActiveVotes(ctx context.Context) ([]models.Vote, error)
}

// Store is a Recorder that can also be loaded from.
type Store interface {
	Recorder
	Loader
	Close() error
}

// Multi fans every write out to a primary store and any number of sinks.
// Loads come from the primary only.
type Multi struct {
	primary Store
	sinks   []Recorder
}

var _ Store = (*Multi)(nil)

// NewMulti skips nil sinks.
func NewMulti(primary Store, sinks ...Recorder) *Multi {
	m := &Multi{primary: primary}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Name() string {
	names := []string{m.primary.Name()}
	for _, s := range m.sinks {
		names = append(names, s.Name())
	}
	return strings.Join(names, "+")
}

func (m *Multi) each(fn func(r Recorder) error) error {
	var errs []error
	for _, r := range append([]Recorder{m.primary}, m.sinks...) {
		if err := fn(r); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) AppendTransaction(ctx context.Context, rec models.TransactionRecord) error {
	return m.each(func(r Recorder) error { return r.AppendTransaction(ctx, rec) })
}

func (m *Multi) UpsertPosition(ctx context.Context, p models.Position) error {
	return m.each(func(r Recorder) error { return r.UpsertPosition(ctx, p) })
}

func (m *Multi) AppendVoteRecord(ctx context.Context, v models.Vote) error {
	return m.each(func(r Recorder) error { return r.AppendVoteRecord(ctx, v) })
}

func (m *Multi) UpdateVoteRecord(ctx context.Context, id string, u models.VoteUpdate) error {
	return m.each(func(r Recorder) error { return r.UpdateVoteRecord(ctx, id, u) })
}

func (m *Multi) LoadPositions(ctx context.Context) ([]models.Position, error) {
	return m.primary.LoadPositions(ctx)
}

func (m *Multi) LoadActiveVotes(ctx context.Context) ([]models.Vote, error) {
	return m.primary.LoadActiveVotes(ctx)
}

// Close closes the primary and every sink that has a Close method.
func (m *Multi) Close() error {
	errs := []error{m.primary.Close()}
	for _, s := range m.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// Memory is a Store that keeps nothing durable. It backs tests and the
// exec subcommand when no state directory is configured.
type Memory struct {
	mu           sync.Mutex
	Transactions []models.TransactionRecord
	Positions    map[string]models.Position
	Votes        map[string]models.Vote
	Fail         error // returned by every write when set
}

func NewMemory() *Memory {
	return &Memory{Positions: map[string]models.Position{}, Votes: map[string]models.Vote{}}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) AppendTransaction(_ context.Context, rec models.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.Transactions = append(m.Transactions, rec)
	return nil
}

func (m *Memory) UpsertPosition(_ context.Context, p models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	applyPosition(m.Positions, p)
	return nil
}

func (m *Memory) AppendVoteRecord(_ context.Context, v models.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.Votes[v.ID] = v.Clone()
	return nil
}

func (m *Memory) UpdateVoteRecord(_ context.Context, id string, u models.VoteUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	return applyVoteUpdate(m.Votes, id, u)
}

func (m *Memory) LoadPositions(context.Context) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return positionList(m.Positions), nil
}

func (m *Memory) LoadActiveVotes(context.Context) ([]models.Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return activeVotes(m.Votes), nil
}

func (m *Memory) Close() error { return nil }
