package escrow_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freelanco/internal/config"
	"freelanco/internal/db"
	"freelanco/internal/domain"
	"freelanco/internal/engine/auth"
	"freelanco/internal/escrow"
	"freelanco/internal/events"
	"freelanco/internal/ledger"
	"freelanco/internal/migrate"
	"freelanco/internal/repo"
)

type stubProposer struct {
	repo    repo.Repo
	bundles []domain.Bundle
}

func (s *stubProposer) ProposeDispute(ctx context.Context, tx *sql.Tx, proposer string, b domain.Bundle) (domain.Proposal, error) {
	s.bundles = append(s.bundles, b)
	p := domain.Proposal{
		ID:              fmt.Sprintf("0xproposal%d", len(s.bundles)),
		Kind:            domain.ProposalDispute,
		Proposer:        proposer,
		Targets:         b.Targets,
		Values:          b.Values,
		Calldatas:       b.Calldatas,
		Description:     b.Description,
		DescriptionHash: "0x00",
		CreatedAt:       "2024-01-01T00:00:00Z",
	}
	return p, s.repo.InsertProposal(ctx, tx, p)
}

type testEnv struct {
	engine   escrow.Engine
	proposer *stubProposer
	owner    string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	r := repo.Repo{DB: conn}
	p := &stubProposer{repo: r}
	return testEnv{
		engine: escrow.Engine{
			DB:       conn,
			Repo:     r,
			Events:   events.Writer{DB: conn, Now: now},
			Ledger:   ledger.Ledger{Repo: r, Now: now, BlockTime: 12},
			Auth:     auth.Service{Config: cfg},
			Config:   cfg,
			Proposer: p,
			Now:      now,
		},
		proposer: p,
		owner:    cfg.Addresses.Timelock,
	}
}

func (env testEnv) fund(t *testing.T, who, amount string) {
	t.Helper()
	ctx := context.Background()
	tx, err := env.engine.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.engine.Ledger.Mint(ctx, tx, who, domain.MustAmount(amount)))
	require.NoError(t, tx.Commit())
}

func (env testEnv) balance(t *testing.T, who string) string {
	t.Helper()
	bal, err := env.engine.Ledger.Balance(context.Background(), nil, who)
	require.NoError(t, err)
	return bal.String()
}

// approvedOffer escrows 10 ETH from client to freelancer and approves it.
func (env testEnv) approvedOffer(t *testing.T) domain.Offer {
	t.Helper()
	ctx := context.Background()
	env.fund(t, "client", "100eth")
	gig, err := env.engine.MintGig(ctx, "freelancer", "ipfs://gig")
	require.NoError(t, err)
	offer, err := env.engine.SendOffer(ctx, "client", gig.ID, "freelancer", "build a site", domain.MustAmount("10eth"))
	require.NoError(t, err)
	offer, err = env.engine.ApproveOffer(ctx, "freelancer", offer.ID)
	require.NoError(t, err)
	return offer
}

func TestSendOfferValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "client", "1eth")
	gig, err := env.engine.MintGig(ctx, "freelancer", "")
	require.NoError(t, err)

	_, err = env.engine.SendOffer(ctx, "client", 999, "freelancer", "x", domain.MustAmount("1eth"))
	assert.ErrorIs(t, err, domain.ErrInvalidGig)

	_, err = env.engine.SendOffer(ctx, "client", gig.ID, "someone-else", "x", domain.MustAmount("1eth"))
	assert.ErrorIs(t, err, domain.ErrInvalidGig)

	_, err = env.engine.SendOffer(ctx, "client", gig.ID, "freelancer", "x", domain.MustAmount("0"))
	assert.ErrorIs(t, err, domain.ErrEscrowTransactionFailed)

	_, err = env.engine.SendOffer(ctx, "client", gig.ID, "freelancer", "x", domain.MustAmount("2eth"))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	offer, err := env.engine.SendOffer(ctx, "client", gig.ID, "freelancer", "x", domain.MustAmount("1eth"))
	require.NoError(t, err)
	assert.Equal(t, domain.OfferProposed, offer.State)
	assert.Equal(t, "0", env.balance(t, "client"))
	assert.Equal(t, domain.MustAmount("1eth").String(), env.balance(t, env.engine.Config.Addresses.Escrow))
}

func TestOfferLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	offer := env.approvedOffer(t)

	_, err := env.engine.ApproveOffer(ctx, "freelancer", offer.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidOfferState)

	_, err = env.engine.WithdrawOffer(ctx, "client", offer.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidOfferState, "withdraw is only reachable from proposed")

	_, err = env.engine.CompleteOffer(ctx, "freelancer", offer.ID)
	var forbidden auth.ForbiddenError
	assert.ErrorAs(t, err, &forbidden)

	done, err := env.engine.CompleteOffer(ctx, "client", offer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OfferCompleted, done.State)
	require.NotNil(t, done.ReleasedTo)
	assert.Equal(t, "freelancer", *done.ReleasedTo)
	assert.Equal(t, domain.MustAmount("10eth").String(), env.balance(t, "freelancer"))
	assert.Equal(t, "0", env.balance(t, env.engine.Config.Addresses.Escrow))
}

func TestApproveRequiresFreelancer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "client", "5eth")
	gig, err := env.engine.MintGig(ctx, "freelancer", "")
	require.NoError(t, err)
	offer, err := env.engine.SendOffer(ctx, "client", gig.ID, "freelancer", "x", domain.MustAmount("1eth"))
	require.NoError(t, err)

	_, err = env.engine.ApproveOffer(ctx, "client", offer.ID)
	assert.ErrorIs(t, err, domain.ErrEscrowTransactionFailed)

	refunded, err := env.engine.WithdrawOffer(ctx, "client", offer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OfferWithdrawn, refunded.State)
	assert.Equal(t, domain.MustAmount("5eth").String(), env.balance(t, "client"))
}

func TestDisputeOpensProposal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	offer := env.approvedOffer(t)

	_, err := env.engine.DisputeContract(ctx, "stranger", offer.ID, "no")
	assert.ErrorIs(t, err, domain.ErrEscrowTransactionFailed)

	d, err := env.engine.DisputeContract(ctx, "client", offer.ID, "Terms are to dispute it")
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeOpen, d.Status)
	assert.Equal(t, "0xproposal1", d.ProposalID)
	require.Len(t, env.proposer.bundles, 1)
	b := env.proposer.bundles[0]
	assert.Len(t, b.Targets, 4)
	assert.Contains(t, b.Description, "raised by client")

	call, err := domain.DecodeCall(b.Calldatas[0])
	require.NoError(t, err)
	assert.Equal(t, domain.MethodHandleDispute, call.Method)
	var args domain.HandleDisputeArgs
	require.NoError(t, call.DecodeArgs(&args))
	assert.Equal(t, "client", args.Winner)

	stored, err := env.engine.Offer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OfferDisputed, stored.State)

	_, err = env.engine.DisputeContract(ctx, "freelancer", offer.ID, "again")
	assert.ErrorIs(t, err, domain.ErrInvalidOfferState)
}

func TestDisputedFundsOnlyThroughGovernance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	offer := env.approvedOffer(t)
	_, err := env.engine.DisputeContract(ctx, "client", offer.ID, "late delivery")
	require.NoError(t, err)

	_, err = env.engine.ClaimDisputedFunds(ctx, "client", offer.ID)
	assert.ErrorIs(t, err, domain.ErrNotOwner)
	_, err = env.engine.ClaimDisputedFunds(ctx, "freelancer", offer.ID)
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	tx, err := env.engine.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = env.engine.GetDisputedFunds(ctx, tx, env.owner, offer.ID)
	assert.ErrorIs(t, err, domain.ErrEscrowTransactionFailed, "no winner recorded yet")

	_, err = env.engine.HandleDispute(ctx, tx, env.owner, offer.ID, "stranger")
	assert.ErrorIs(t, err, domain.ErrEscrowTransactionFailed)

	_, err = env.engine.HandleDispute(ctx, tx, env.owner, offer.ID, "client")
	require.NoError(t, err)
	released, err := env.engine.GetDisputedFunds(ctx, tx, env.owner, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, "client", *released.ReleasedTo)

	_, err = env.engine.GetDisputedFunds(ctx, tx, env.owner, offer.ID)
	assert.ErrorIs(t, err, domain.ErrEscrowTransactionFailed, "funds are released exactly once")
	require.NoError(t, tx.Commit())

	assert.Equal(t, domain.MustAmount("100eth").String(), env.balance(t, "client"))
	held, owed, err := env.engine.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, owed.String(), held.String())
}

func TestReopenDispute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	offer := env.approvedOffer(t)
	_, err := env.engine.DisputeContract(ctx, "freelancer", offer.ID, "unpaid extras")
	require.NoError(t, err)

	tx, err := env.engine.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	reopened, err := env.engine.ReopenDispute(ctx, tx, env.owner, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OfferApproved, reopened.State)
	require.NoError(t, tx.Commit())

	d, err := env.engine.DisputeContract(ctx, "client", offer.ID, "second round")
	require.NoError(t, err)
	assert.Contains(t, d.Description, "Dispute #2")
}

func TestTreasuryWithdrawAndBoost(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "freelancer", "1eth")

	b, err := env.engine.BoostProfile(ctx, "freelancer", 1, domain.MustAmount("0.5eth"))
	require.NoError(t, err)
	assert.Equal(t, 1, b.Tier)
	_, err = env.engine.BoostProfile(ctx, "freelancer", 7, domain.MustAmount("0.1eth"))
	assert.ErrorIs(t, err, domain.ErrEscrowTransactionFailed)

	tx, err := env.engine.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	assert.ErrorIs(t, env.engine.Withdraw(ctx, tx, "freelancer", "freelancer", domain.MustAmount("0.5eth")), domain.ErrNotOwner)

	data, err := domain.EncodeCall(domain.MethodWithdraw, domain.WithdrawArgs{Recipient: "grantee", Amount: "0.25eth"})
	require.NoError(t, err)
	call, err := domain.DecodeCall(data)
	require.NoError(t, err)
	require.NoError(t, env.engine.Invoke(ctx, tx, env.owner, call))
	require.NoError(t, tx.Commit())

	assert.Equal(t, domain.MustAmount("0.25eth").String(), env.balance(t, "grantee"))
	assert.Equal(t, domain.MustAmount("0.25eth").String(), env.balance(t, env.engine.Config.Addresses.Treasury))
}
