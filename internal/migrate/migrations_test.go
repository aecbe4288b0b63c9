package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freelanco/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn))
	first, err := Version(conn)
	require.NoError(t, err)
	assert.Positive(t, first)

	require.NoError(t, Migrate(conn))
	second, err := Version(conn)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var block int64
	require.NoError(t, conn.QueryRow(`SELECT block FROM chain_state WHERE id=1`).Scan(&block))
	assert.Zero(t, block)
}
