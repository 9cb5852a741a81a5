package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"group_ledger/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// StateFile holds the current positions and votes.
	StateFile = "ledger_state.json"
	// TransactionLog is the append-only transaction log, one JSON object per line.
	TransactionLog = "transactions.jsonl"

	stateVersion = "1.2"
)

// State is the snapshot written to StateFile.
type State struct {
	Version   string                     `json:"version"`
	Positions map[string]models.Position `json:"positions"`
	Votes     map[string]models.Vote     `json:"votes"`
}

// FileStore keeps a JSON snapshot plus a JSONL transaction log in one directory.
type FileStore struct {
	dir string
	log *zap.Logger

	mu    sync.Mutex
	state State
	txLog *os.File
}

var _ Store = (*FileStore)(nil)

// OpenFileStore loads dir/StateFile, creating a fresh one if it is missing,
// and migrates older snapshots in place.
func OpenFileStore(dir string, log *zap.Logger) (*FileStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	fs := &FileStore{dir: dir, log: log}

	st, err := fs.loadState()
	if err != nil {
		return nil, err
	}
	fs.state = st

	f, err := os.OpenFile(filepath.Join(dir, TransactionLog), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction log: %w", err)
	}
	fs.txLog = f
	return fs, nil
}

func (fs *FileStore) Name() string { return "file" }

func (fs *FileStore) statePath() string { return filepath.Join(fs.dir, StateFile) }

func (fs *FileStore) loadState() (State, error) {
	path := fs.statePath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fs.log.Info("state file missing, generating template", zap.String("path", path))
		s := State{Version: stateVersion, Positions: map[string]models.Position{}, Votes: map[string]models.Vote{}}
		if err := fs.saveState(s); err != nil {
			return s, err
		}
		return s, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return State{}, fmt.Errorf("failed to read state: %w", err)
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return State{}, fmt.Errorf("failed to parse state: %w", err)
	}
	if s.Positions == nil {
		s.Positions = map[string]models.Position{}
	}
	if s.Votes == nil {
		s.Votes = map[string]models.Vote{}
	}

	if migrateState(&s, fs.log) {
		fs.log.Info("state migrated, saving", zap.String("version", s.Version))
		if err := fs.saveState(s); err != nil {
			return s, err
		}
	}
	return s, nil
}

// migrateState upgrades older snapshots and reports whether s changed.
func migrateState(s *State, log *zap.Logger) bool {
	updated := false

	// 1.0 -> 1.1: total cost was not stored.
	if s.Version < "1.1" {
		log.Info("migrating state schema", zap.String("from", s.Version), zap.String("to", "1.1"))
		for k, p := range s.Positions {
			p.TotalCost = p.AvgCost.Mul(decimal.NewFromInt(p.Shares))
			s.Positions[k] = p
		}
		s.Version = "1.1"
		updated = true
	}

	// 1.1 -> 1.2: votes kept only yes/no lists; voter_choice is now authoritative.
	if s.Version < "1.2" {
		log.Info("migrating state schema", zap.String("from", s.Version), zap.String("to", "1.2"))
		for id, v := range s.Votes {
			if len(v.VoterChoice) == 0 {
				v.VoterChoice = make(map[string]models.Choice)
				for _, u := range v.YesVoters {
					v.VoterChoice[u] = models.ChoiceYes
				}
				for _, u := range v.NoVoters {
					if _, dup := v.VoterChoice[u]; !dup {
						v.VoterChoice[u] = models.ChoiceNo
					}
				}
			}
			if v.RequiredRejects == 0 {
				v.RequiredRejects = v.RequiredVotes
			}
			v.SyncVoters()
			s.Votes[id] = v
		}
		s.Version = "1.2"
		updated = true
	}

	return updated
}

// saveState writes the snapshot atomically: temp file, fsync, rename.
func (fs *FileStore) saveState(s State) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := fs.statePath() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	// Close before rename for Windows.
	f.Close()

	if err := os.Rename(tmp, fs.statePath()); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func (fs *FileStore) AppendTransaction(_ context.Context, rec models.TransactionRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := fs.txLog.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (fs *FileStore) UpsertPosition(_ context.Context, p models.Position) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	applyPosition(fs.state.Positions, p)
	return fs.saveState(fs.state)
}

func (fs *FileStore) AppendVoteRecord(_ context.Context, v models.Vote) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.state.Votes[v.ID] = v.Clone()
	return fs.saveState(fs.state)
}

func (fs *FileStore) UpdateVoteRecord(_ context.Context, id string, u models.VoteUpdate) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := applyVoteUpdate(fs.state.Votes, id, u); err != nil {
		return err
	}
	return fs.saveState(fs.state)
}

func (fs *FileStore) LoadPositions(context.Context) ([]models.Position, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return positionList(fs.state.Positions), nil
}

func (fs *FileStore) LoadActiveVotes(context.Context) ([]models.Vote, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return activeVotes(fs.state.Votes), nil
}

// Transactions reads the whole transaction log back, oldest first.
func (fs *FileStore) Transactions() ([]models.TransactionRecord, error) {
	f, err := os.Open(filepath.Join(fs.dir, TransactionLog))
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction log: %w", err)
	}
	defer f.Close()
	return readTransactions(f)
}

func readTransactions(r io.Reader) ([]models.TransactionRecord, error) {
	var out []models.TransactionRecord
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec models.TransactionRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return out, fmt.Errorf("failed to parse transaction line %d: %w", len(out)+1, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.txLog.Close()
}

// PositionKey is the identity a position row is stored under.
func PositionKey(p models.Position) string {
	return p.UserID + "|" + p.GroupID + "|" + p.Instrument.Key()
}

func applyPosition(rows map[string]models.Position, p models.Position) {
	key := PositionKey(p)
	// A row first stored by name moves to its code once resolved.
	if p.Instrument.Canonical() {
		old := p
		old.Instrument = models.Instrument{Name: p.Instrument.Name}
		delete(rows, PositionKey(old))
	}
	if p.Shares <= 0 {
		delete(rows, key)
		return
	}
	rows[key] = p
}

func applyVoteUpdate(votes map[string]models.Vote, id string, u models.VoteUpdate) error {
	v, ok := votes[id]
	if !ok {
		return fmt.Errorf("vote %s not recorded", id)
	}
	if u.Status != "" {
		v.Status = u.Status
	}
	if u.Ballot != nil {
		if v.VoterChoice == nil {
			v.VoterChoice = make(map[string]models.Choice)
		}
		v.VoterChoice[u.Ballot.VoterID] = u.Ballot.Choice
		v.SyncVoters()
	}
	if u.ResolvedAt != nil {
		t := *u.ResolvedAt
		v.ResolvedAt = &t
	}
	if !u.RealizedPnL.IsZero() {
		v.RealizedPnL = u.RealizedPnL
	}
	votes[id] = v
	return nil
}

func positionList(rows map[string]models.Position) []models.Position {
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]models.Position, 0, len(keys))
	for _, k := range keys {
		out = append(out, rows[k])
	}
	return out
}

func activeVotes(votes map[string]models.Vote) []models.Vote {
	var out []models.Vote
	for _, v := range votes {
		if v.Status == models.VoteActive {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
