//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"group_ledger/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("ledger"),
		tcpostgres.WithUsername("ledger"),
		tcpostgres.WithPassword("ledger"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, Migrate(dsn))
	require.NoError(t, Migrate(dsn), "second run is a no-op")

	s, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestStore_Integration(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	tsmc := models.Instrument{Code: "2330", Name: "台積電"}
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	t.Run("positions", func(t *testing.T) {
		byName := models.Position{UserID: "u1", GroupID: "g1", Instrument: models.Instrument{Name: "台積電"},
			Shares: 1000, AvgCost: d("580"), TotalCost: d("580000"), UpdatedAt: now}
		require.NoError(t, s.UpsertPosition(ctx, byName))

		resolved := byName
		resolved.Instrument = tsmc
		resolved.Shares = 8000
		resolved.AvgCost = d("578.125")
		resolved.TotalCost = d("4625000")
		require.NoError(t, s.UpsertPosition(ctx, resolved))

		rows, err := s.LoadPositions(ctx)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, tsmc, rows[0].Instrument)
		assert.True(t, d("578.125").Equal(rows[0].AvgCost))

		resolved.Shares = 0
		require.NoError(t, s.UpsertPosition(ctx, resolved))
		rows, err = s.LoadPositions(ctx)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("transactions are idempotent by record id", func(t *testing.T) {
		rec := models.TransactionRecord{
			RecordID: "r-1", RecordedAt: now, UserID: "u1", GroupID: "g1", Instrument: tsmc,
			Side: models.SideBuy, Shares: 5000, Price: d("580"), TotalAmount: d("2900000"), Status: models.TxExecuted,
			Lots: models.Lots{{Shares: 5000, Price: d("580")}},
		}
		require.NoError(t, s.AppendTransaction(ctx, rec))
		require.NoError(t, s.AppendTransaction(ctx, rec))

		var n int
		require.NoError(t, s.pool.QueryRow(ctx, `SELECT count(*) FROM transactions`).Scan(&n))
		assert.Equal(t, 1, n)
	})

	t.Run("votes keep ballots", func(t *testing.T) {
		v := models.Vote{
			ID: "v-1", Initiator: "u1", InitiatorName: "Alice", Group: "g1", Instrument: tsmc,
			Shares: 2000, Price: d("600"), Lots: models.Lots{{Shares: 2000, Price: d("600")}},
			CreatedAt: now, Deadline: now.Add(24 * time.Hour), Status: models.VoteActive,
			VoterChoice: map[string]models.Choice{}, RequiredVotes: 3, RequiredRejects: 3,
			AvgCostAtCreation: d("578.125"),
		}
		require.NoError(t, s.AppendVoteRecord(ctx, v))
		require.NoError(t, s.UpdateVoteRecord(ctx, "v-1", models.VoteUpdate{
			Status: models.VoteActive,
			Ballot: &models.Ballot{VoteID: "v-1", VoterID: "u2", Choice: models.ChoiceYes, CastAt: now.Add(time.Minute)},
		}))
		require.NoError(t, s.UpdateVoteRecord(ctx, "v-1", models.VoteUpdate{
			Status: models.VoteActive,
			Ballot: &models.Ballot{VoteID: "v-1", VoterID: "u2", Choice: models.ChoiceNo, CastAt: now.Add(2 * time.Minute)},
		}))

		votes, err := s.LoadActiveVotes(ctx)
		require.NoError(t, err)
		require.Len(t, votes, 1)
		assert.Equal(t, []string{"u2"}, votes[0].NoVoters)
		assert.Empty(t, votes[0].YesVoters)
		assert.Len(t, votes[0].Lots, 1)

		resolved := now.Add(time.Hour)
		require.NoError(t, s.UpdateVoteRecord(ctx, "v-1", models.VoteUpdate{Status: models.VoteExecuted, ResolvedAt: &resolved, RealizedPnL: d("43750")}))
		votes, err = s.LoadActiveVotes(ctx)
		require.NoError(t, err)
		assert.Empty(t, votes)

		assert.Error(t, s.UpdateVoteRecord(ctx, "missing", models.VoteUpdate{Status: models.VoteExpired}))
	})
}
