package reputation_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freelanco/internal/config"
	"freelanco/internal/db"
	"freelanco/internal/domain"
	"freelanco/internal/engine/auth"
	"freelanco/internal/events"
	"freelanco/internal/migrate"
	"freelanco/internal/repo"
	"freelanco/internal/reputation"
)

func newLedger(t *testing.T) (reputation.Ledger, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return reputation.Ledger{
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{DB: conn, Now: now},
		Auth:   auth.Service{Config: cfg},
		Config: cfg,
		Now:    now,
	}, conn
}

func TestCreditAndDebit(t *testing.T) {
	l, conn := newLedger(t)
	ctx := context.Background()
	owner := l.Config.Addresses.Timelock

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	score, err := l.Credit(ctx, tx, owner, "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), score)

	score, err = l.Debit(ctx, tx, owner, "alice", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(6), score)

	score, err = l.Debit(ctx, tx, owner, "alice", 50)
	require.NoError(t, err)
	assert.Zero(t, score, "debit clamps at zero")
}

func TestOnlyOwnerMayMutate(t *testing.T) {
	l, conn := newLedger(t)
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = l.Credit(ctx, tx, "alice", "alice", 5)
	assert.ErrorIs(t, err, domain.ErrNotOwner)
	_, err = l.Debit(ctx, tx, "bob", "alice", 5)
	assert.ErrorIs(t, err, domain.ErrNotOwner)
}

func TestDeltaBounds(t *testing.T) {
	l, conn := newLedger(t)
	ctx := context.Background()
	owner := l.Config.Addresses.Timelock
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = l.Credit(ctx, tx, owner, "alice", 0)
	assert.Error(t, err)
	_, err = l.Credit(ctx, tx, owner, "alice", l.Config.Reputation.MaxDelta+1)
	assert.Error(t, err)
}

func TestStrictDebitRejectsOverdraft(t *testing.T) {
	l, conn := newLedger(t)
	l.Config.Reputation.StrictDebit = true
	ctx := context.Background()
	owner := l.Config.Addresses.Timelock
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = l.Credit(ctx, tx, owner, "alice", 3)
	require.NoError(t, err)
	_, err = l.Debit(ctx, tx, owner, "alice", 5)
	assert.ErrorIs(t, err, domain.ErrInsufficientReputation)
	score, err := l.Score(ctx, tx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), score)
}

func TestPenalizeCapsAtScoreUnderStrictDebit(t *testing.T) {
	l, conn := newLedger(t)
	l.Config.Reputation.StrictDebit = true
	ctx := context.Background()
	owner := l.Config.Addresses.Timelock
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	score, err := l.Penalize(ctx, tx, owner, "newcomer", 10)
	require.NoError(t, err)
	assert.Zero(t, score)

	_, err = l.Credit(ctx, tx, owner, "alice", 15)
	require.NoError(t, err)
	call, err := domain.EncodeCall(domain.MethodPenalize, domain.ReputationArgs{Holder: "alice", Amount: 10})
	require.NoError(t, err)
	decoded, err := domain.DecodeCall(call)
	require.NoError(t, err)
	require.NoError(t, l.Invoke(ctx, tx, owner, decoded))
	score, err = l.Score(ctx, tx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), score)

	_, err = l.Penalize(ctx, tx, "alice", "alice", 1)
	assert.ErrorIs(t, err, domain.ErrNotOwner)
}

func TestInvokeDispatchesCalls(t *testing.T) {
	l, conn := newLedger(t)
	ctx := context.Background()
	owner := l.Config.Addresses.Timelock
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	data, err := domain.EncodeCall(domain.MethodCredit, domain.ReputationArgs{Holder: "carol", Amount: 7})
	require.NoError(t, err)
	call, err := domain.DecodeCall(data)
	require.NoError(t, err)
	require.NoError(t, l.Invoke(ctx, tx, owner, call))

	score, err := l.Score(ctx, tx, "carol")
	require.NoError(t, err)
	assert.Equal(t, int64(7), score)

	assert.Error(t, l.Invoke(ctx, tx, owner, domain.Call{Method: "mint"}))
}

func TestScoreNeverNegative(t *testing.T) {
	l, conn := newLedger(t)
	ctx := context.Background()
	owner := l.Config.Addresses.Timelock
	maxDelta := l.Config.Reputation.MaxDelta

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("credit/debit sequences keep score >= 0", prop.ForAll(
		func(deltas []int64) bool {
			tx, err := conn.BeginTx(ctx, nil)
			if err != nil {
				return false
			}
			defer tx.Rollback()
			var model int64
			for _, d := range deltas {
				amount := d
				if amount < 0 {
					amount = -amount
				}
				amount = amount%maxDelta + 1
				var score int64
				if d >= 0 {
					score, err = l.Credit(ctx, tx, owner, "holder", amount)
					model += amount
				} else {
					score, err = l.Debit(ctx, tx, owner, "holder", amount)
					model -= amount
					if model < 0 {
						model = 0
					}
				}
				if err != nil || score < 0 || score != model {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(-500, 500)),
	))

	properties.TestingRun(t)
}
