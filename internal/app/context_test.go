package app_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freelanco/internal/app"
	"freelanco/internal/config"
	"freelanco/internal/db"
	"freelanco/internal/migrate"
	"freelanco/internal/repo"
)

func openRepo(t *testing.T, workspace string) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func TestResolveConfigSeedsDefaultsWithKeys(t *testing.T) {
	ws := t.TempDir()
	r := openRepo(t, ws)
	ctx := context.Background()

	cfg, err := app.ResolveConfig(ctx, ws, r)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Compute.DONPublicKey)
	assert.NotEmpty(t, cfg.Compute.DONPrivateKey)

	again, err := app.ResolveConfig(ctx, ws, r)
	require.NoError(t, err)
	assert.Equal(t, cfg.Compute.DONPublicKey, again.Compute.DONPublicKey, "keys are generated once")
}

func TestResolveConfigPrefersWorkspaceFile(t *testing.T) {
	ws := t.TempDir()
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	require.NoError(t, err)
	cfg.Protocol.VotingPeriod = 9
	data, err := cfg.ToYAML()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(config.Path(ws), data, 0o644))

	r := openRepo(t, ws)
	got, err := app.ResolveConfig(context.Background(), ws, r)
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.Protocol.VotingPeriod)
}

func TestStoreConfigRejectsInvalid(t *testing.T) {
	ws := t.TempDir()
	r := openRepo(t, ws)
	cfg := config.Default()
	cfg.Protocol.VotingPeriod = 0
	require.Error(t, app.StoreConfig(context.Background(), r, cfg))
}
