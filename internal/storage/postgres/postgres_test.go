package postgres

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateURL(t *testing.T) {
	cases := [][2]string{
		{"postgres://u:p@db:5432/ledger?sslmode=disable", "pgx5://u:p@db:5432/ledger?sslmode=disable"},
		{"postgresql://u:p@db:5432/ledger", "pgx5://u:p@db:5432/ledger"},
		{"pgx5://u:p@db:5432/ledger", "pgx5://u:p@db:5432/ledger"},
	}
	for _, c := range cases {
		assert.Equal(t, c[1], migrateURL(c[0]), c[0])
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	require.NoError(t, err)
	assert.Contains(t, names, "migrations/0001_init.up.sql")
	assert.Contains(t, names, "migrations/0001_init.down.sql")
	assert.Len(t, names, 2, "every up migration has a down")
}
