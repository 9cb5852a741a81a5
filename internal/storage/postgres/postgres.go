// Package postgres stores the transaction log, positions and votes in PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"group_ledger/internal/models"
	"group_ledger/internal/storage"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements storage.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	cfg.MaxConns = 8

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// Migrate applies the embedded schema migrations.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(databaseURL))
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// migrateURL switches a postgres:// URL to the scheme the pgx/v5 migrate driver registers.
func migrateURL(databaseURL string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}

func (s *Store) Name() string { return "postgres" }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) AppendTransaction(ctx context.Context, rec models.TransactionRecord) error {
	lots, err := json.Marshal(lotsOrEmpty(rec.Lots))
	if err != nil {
		return fmt.Errorf("failed to marshal lots: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO transactions (record_id, recorded_at, user_id, user_name, group_id,
			instrument_code, instrument_name, side, shares, price, total_amount,
			note, status, vote_id, realized_pnl, lots)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11::numeric, $12, $13, $14, $15::numeric, $16::jsonb)
		ON CONFLICT (record_id) DO NOTHING`,
		rec.RecordID, rec.RecordedAt, rec.UserID, rec.UserName, rec.GroupID,
		rec.Instrument.Code, rec.Instrument.Name, rec.Side, rec.Shares, rec.Price.String(), rec.TotalAmount.String(),
		rec.Note, rec.Status, rec.VoteID, rec.RealizedPnL.String(), string(lots))
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (s *Store) UpsertPosition(ctx context.Context, p models.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if p.Instrument.Canonical() && p.Instrument.Name != "" {
		// a row first stored by name moves to its code once resolved
		if _, err := tx.Exec(ctx, `
			DELETE FROM positions
			WHERE user_id = $1 AND group_id = $2 AND instrument_key = $3 AND instrument_code = ''`,
			p.UserID, p.GroupID, p.Instrument.Name); err != nil {
			return fmt.Errorf("failed to drop name-keyed position: %w", err)
		}
	}

	if p.Shares <= 0 {
		_, err = tx.Exec(ctx, `DELETE FROM positions WHERE user_id = $1 AND group_id = $2 AND instrument_key = $3`,
			p.UserID, p.GroupID, p.Instrument.Key())
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO positions (user_id, group_id, instrument_key, instrument_code, instrument_name,
				shares, avg_cost, total_cost, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9)
			ON CONFLICT (user_id, group_id, instrument_key)
			DO UPDATE SET instrument_code = EXCLUDED.instrument_code,
			              instrument_name = EXCLUDED.instrument_name,
			              shares = EXCLUDED.shares,
			              avg_cost = EXCLUDED.avg_cost,
			              total_cost = EXCLUDED.total_cost,
			              updated_at = EXCLUDED.updated_at`,
			p.UserID, p.GroupID, p.Instrument.Key(), p.Instrument.Code, p.Instrument.Name,
			p.Shares, p.AvgCost.String(), p.TotalCost.String(), updatedAt(p.UpdatedAt))
	}
	if err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) AppendVoteRecord(ctx context.Context, v models.Vote) error {
	lots, err := json.Marshal(lotsOrEmpty(v.Lots))
	if err != nil {
		return fmt.Errorf("failed to marshal lots: %w", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO votes (id, initiator, initiator_name, group_id, instrument_code, instrument_name,
			shares, price, lots, note, created_at, deadline, status, required_votes, required_rejects,
			avg_cost_at_creation, resolved_at, realized_pnl)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::jsonb, $10, $11, $12, $13, $14, $15,
			$16::numeric, $17, $18::numeric)
		ON CONFLICT (id) DO NOTHING`,
		v.ID, v.Initiator, v.InitiatorName, v.Group, v.Instrument.Code, v.Instrument.Name,
		v.Shares, v.Price.String(), string(lots), v.Note, v.CreatedAt, v.Deadline, string(v.Status),
		v.RequiredVotes, v.RequiredRejects, v.AvgCostAtCreation.String(), v.ResolvedAt, v.RealizedPnL.String())
	if err != nil {
		return fmt.Errorf("failed to insert vote: %w", err)
	}
	for voter, choice := range v.VoterChoice {
		if err := upsertBallot(ctx, tx, models.Ballot{VoteID: v.ID, VoterID: voter, Choice: choice, CastAt: v.CreatedAt}); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func upsertBallot(ctx context.Context, tx pgx.Tx, b models.Ballot) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO vote_ballots (vote_id, voter_id, choice, cast_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (vote_id, voter_id) DO UPDATE SET choice = EXCLUDED.choice, cast_at = EXCLUDED.cast_at`,
		b.VoteID, b.VoterID, string(b.Choice), b.CastAt)
	if err != nil {
		return fmt.Errorf("failed to upsert ballot: %w", err)
	}
	return nil
}

func (s *Store) UpdateVoteRecord(ctx context.Context, id string, u models.VoteUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE votes
		SET status = COALESCE(NULLIF($2, ''), status),
		    resolved_at = COALESCE($3::timestamptz, resolved_at),
		    realized_pnl = CASE WHEN $4::numeric <> 0 THEN $4::numeric ELSE realized_pnl END
		WHERE id = $1`,
		id, string(u.Status), u.ResolvedAt, u.RealizedPnL.String())
	if err != nil {
		return fmt.Errorf("failed to update vote: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("vote %s not recorded", id)
	}
	if u.Ballot != nil {
		if err := upsertBallot(ctx, tx, *u.Ballot); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) LoadPositions(ctx context.Context) ([]models.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, group_id, instrument_code, instrument_name, shares,
		       avg_cost::text, total_cost::text, updated_at
		FROM positions
		ORDER BY user_id, group_id, instrument_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		var (
			p          models.Position
			avg, total string
		)
		if err := rows.Scan(&p.UserID, &p.GroupID, &p.Instrument.Code, &p.Instrument.Name, &p.Shares,
			&avg, &total, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		if p.AvgCost, err = decimal.NewFromString(avg); err != nil {
			return nil, fmt.Errorf("bad avg_cost %q: %w", avg, err)
		}
		if p.TotalCost, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("bad total_cost %q: %w", total, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) LoadActiveVotes(ctx context.Context) ([]models.Vote, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, initiator, initiator_name, group_id, instrument_code, instrument_name,
		       shares, price::text, lots, note, created_at, deadline, status,
		       required_votes, required_rejects, avg_cost_at_creation::text
		FROM votes
		WHERE status = 'active'
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query votes: %w", err)
	}
	defer rows.Close()

	var votes []models.Vote
	for rows.Next() {
		var (
			v          models.Vote
			price, avg string
			lots       []byte
			status     string
		)
		if err := rows.Scan(&v.ID, &v.Initiator, &v.InitiatorName, &v.Group, &v.Instrument.Code, &v.Instrument.Name,
			&v.Shares, &price, &lots, &v.Note, &v.CreatedAt, &v.Deadline, &status,
			&v.RequiredVotes, &v.RequiredRejects, &avg); err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		v.Status = models.VoteStatus(status)
		if v.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("bad price %q: %w", price, err)
		}
		if v.AvgCostAtCreation, err = decimal.NewFromString(avg); err != nil {
			return nil, fmt.Errorf("bad avg_cost_at_creation %q: %w", avg, err)
		}
		if err := json.Unmarshal(lots, &v.Lots); err != nil {
			return nil, fmt.Errorf("bad lots for vote %s: %w", v.ID, err)
		}
		v.VoterChoice = make(map[string]models.Choice)
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range votes {
		if err := s.loadBallots(ctx, &votes[i]); err != nil {
			return nil, err
		}
	}
	return votes, nil
}

func (s *Store) loadBallots(ctx context.Context, v *models.Vote) error {
	rows, err := s.pool.Query(ctx, `SELECT voter_id, choice FROM vote_ballots WHERE vote_id = $1`, v.ID)
	if err != nil {
		return fmt.Errorf("failed to query ballots: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var voter, choice string
		if err := rows.Scan(&voter, &choice); err != nil {
			return fmt.Errorf("failed to scan ballot: %w", err)
		}
		v.VoterChoice[voter] = models.Choice(choice)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	v.SyncVoters()
	return nil
}

func lotsOrEmpty(l models.Lots) models.Lots {
	if l == nil {
		return models.Lots{}
	}
	return l
}

func updatedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
