package engine_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freelanco/internal/bridge"
	"freelanco/internal/config"
	"freelanco/internal/db"
	"freelanco/internal/domain"
	"freelanco/internal/engine"
	"freelanco/internal/governance"
	"freelanco/internal/llm"
	"freelanco/internal/metrics"
	"freelanco/internal/migrate"
	"freelanco/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Cfg    *config.Config
	Reg    *prometheus.Registry
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	cfg.Compute.DONPublicKey, cfg.Compute.DONPrivateKey, err = bridge.GenerateKeys()
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	eng, err := engine.New(conn, cfg, engine.Options{
		Now:     func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
		Metrics: metrics.New(reg),
	})
	require.NoError(t, err)
	return testEnv{Engine: eng, Ctx: context.Background(), Cfg: cfg, Reg: reg}
}

func (env testEnv) fund(t *testing.T, who, amount string) {
	t.Helper()
	_, err := env.Engine.Fund(env.Ctx, "faucet", who, domain.MustAmount(amount))
	require.NoError(t, err)
}

func (env testEnv) balance(t *testing.T, who string) *big.Int {
	t.Helper()
	bal, err := env.Engine.Ledger.Balance(env.Ctx, nil, who)
	require.NoError(t, err)
	return bal
}

func (env testEnv) mine(t *testing.T, blocks int64) {
	t.Helper()
	_, err := env.Engine.Mine(env.Ctx, "miner", blocks)
	require.NoError(t, err)
}

// credential mints a credential whose tier is decided by word.
func (env testEnv) credential(t *testing.T, voter string, word int64) domain.Credential {
	t.Helper()
	env.fund(t, voter, "1eth")
	req, err := env.Engine.Issuer.RequestNft(env.Ctx, voter, env.Cfg.MintFee())
	require.NoError(t, err)
	cred, err := env.Engine.Issuer.FulfillRandomWords(env.Ctx, env.Cfg.Addresses.VRFCoordinator, req.ID, []*big.Int{big.NewInt(word)})
	require.NoError(t, err)
	return cred
}

// disputedOffer escrows 10 ETH, approves it and has the client dispute it.
func (env testEnv) disputedOffer(t *testing.T) (domain.Offer, domain.Dispute) {
	t.Helper()
	env.fund(t, "client", "100eth")
	gig, err := env.Engine.Escrow.MintGig(env.Ctx, "freelancer", "ipfs://gig")
	require.NoError(t, err)
	offer, err := env.Engine.Escrow.SendOffer(env.Ctx, "client", gig.ID, "freelancer", "Terms are to dispute it", domain.MustAmount("10eth"))
	require.NoError(t, err)
	_, err = env.Engine.Escrow.ApproveOffer(env.Ctx, "freelancer", offer.ID)
	require.NoError(t, err)
	d, err := env.Engine.Escrow.DisputeContract(env.Ctx, "client", offer.ID, "Terms are to dispute it")
	require.NoError(t, err)
	return offer, d
}

// counter reads a counter from the registry; labels not named in want match.
func (env testEnv) counter(t *testing.T, name string, want map[string]string) float64 {
	t.Helper()
	families, err := env.Reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if v, ok := want[l.GetName()]; ok && v != l.GetValue() {
					continue metrics
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func (env testEnv) state(t *testing.T, proposalID string) string {
	t.Helper()
	p, err := env.Engine.Governor.State(env.Ctx, proposalID)
	require.NoError(t, err)
	return p.State
}

func TestDisputeResolvedByGovernance(t *testing.T) {
	env := newTestEnv(t)
	// the losing freelancer has no reputation; the penalty must not block execution
	env.Cfg.Reputation.StrictDebit = true
	gov := env.Engine.Governor
	escrowAddr := env.Cfg.Addresses.Escrow

	cred := env.credential(t, "voter", 15)
	assert.Equal(t, 1, cred.Tier)

	offer, dispute := env.disputedOffer(t)
	escrowBefore := env.balance(t, escrowAddr)
	assert.Equal(t, domain.MustAmount("10eth").String(), escrowBefore.String())
	assert.Equal(t, domain.ProposalPending, env.state(t, dispute.ProposalID))

	_, err := gov.CastVoteWithReason(env.Ctx, "voter", dispute.ProposalID, domain.VoteFor, "too early")
	assert.ErrorIs(t, err, domain.ErrVoteNotActive)

	env.mine(t, 2)
	assert.Equal(t, domain.ProposalActive, env.state(t, dispute.ProposalID))

	_, err = gov.CastVoteWithReason(env.Ctx, "outsider", dispute.ProposalID, domain.VoteFor, "")
	assert.ErrorIs(t, err, domain.ErrGovernorTransactionFailed)
	_, err = gov.CastVoteWithReason(env.Ctx, "voter", dispute.ProposalID, 3, "")
	assert.ErrorIs(t, err, domain.ErrInvalidVoteType)

	vote, err := gov.CastVoteWithReason(env.Ctx, "voter", dispute.ProposalID, domain.VoteFor, "client is right")
	require.NoError(t, err)
	assert.Equal(t, env.Cfg.Tiers.Weights[1], vote.Weight)
	_, err = gov.CastVoteWithReason(env.Ctx, "voter", dispute.ProposalID, domain.VoteAgainst, "changed my mind")
	assert.ErrorIs(t, err, domain.ErrAlreadyVoted)

	_, err = gov.Queue(env.Ctx, "anyone", dispute.ProposalID, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidProposal, "cannot queue while active")

	// funds stay frozen while governance decides
	_, err = env.Engine.Escrow.ClaimDisputedFunds(env.Ctx, "client", offer.ID)
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	env.mine(t, env.Cfg.Protocol.VotingPeriod)
	assert.Equal(t, domain.ProposalSucceeded, env.state(t, dispute.ProposalID))

	queued, err := gov.Queue(env.Ctx, "anyone", dispute.ProposalID, nil)
	require.NoError(t, err)
	require.NotNil(t, queued.ETA)

	_, err = gov.Execute(env.Ctx, "anyone", dispute.ProposalID, nil)
	assert.ErrorIs(t, err, domain.ErrTimelockNotReady)

	_, err = env.Engine.AdvanceTime(env.Ctx, "clock", env.Cfg.Protocol.TimelockDelay)
	require.NoError(t, err)
	executed, err := gov.Execute(env.Ctx, "anyone", dispute.ProposalID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalExecuted, executed.State)

	_, err = gov.Execute(env.Ctx, "anyone", dispute.ProposalID, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidProposal, "execution happens once")

	escrowAfter := env.balance(t, escrowAddr)
	assert.Equal(t, domain.MustAmount("10eth").String(), new(big.Int).Sub(escrowBefore, escrowAfter).String())
	assert.Equal(t, domain.MustAmount("100eth").String(), env.balance(t, "client").String())

	stored, err := env.Engine.Escrow.Offer(env.Ctx, offer.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ReleasedTo)
	assert.Equal(t, "client", *stored.ReleasedTo)

	d, err := env.Engine.Escrow.Dispute(env.Ctx, dispute.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeResolved, d.Status)

	clientRep, err := env.Engine.ReputationOf(env.Ctx, "client")
	require.NoError(t, err)
	assert.Equal(t, env.Cfg.Reputation.DisputeReward, clientRep.Score)
	freelancerRep, err := env.Engine.ReputationOf(env.Ctx, "freelancer")
	require.NoError(t, err)
	assert.Zero(t, freelancerRep.Score)

	_, err = env.Engine.Escrow.ClaimDisputedFunds(env.Ctx, "client", offer.ID)
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	held, owed, err := env.Engine.Escrow.Audit(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, owed.String(), held.String())
}

type scriptedLLM struct{ text string }

func (s scriptedLLM) Complete(context.Context, llm.Request) (string, error) {
	return s.text, nil
}

func (env testEnv) node(text string) bridge.Node {
	return bridge.Node{
		PublicKey:  env.Cfg.Compute.DONPublicKey,
		PrivateKey: env.Cfg.Compute.DONPrivateKey,
		LLM:        scriptedLLM{text: text},
	}
}

func (env testEnv) computeParams() governance.ComputeParams {
	return governance.ComputeParams{
		Secrets:        map[string]string{bridge.SecretAPIKey: "sk-test"},
		Args:           []string{"Client: where is my video?\n\nVote:"},
		SubscriptionID: 1,
		GasLimit:       300000,
	}
}

func TestOracleVoteCountsOnce(t *testing.T) {
	env := newTestEnv(t)
	gov := env.Engine.Governor
	transmitter := env.Cfg.Compute.Transmitters[0]
	env.credential(t, "voter", 50)
	_, dispute := env.disputedOffer(t)

	req, err := gov.ExecuteRequest(env.Ctx, "client", dispute.ProposalID, env.computeParams())
	require.NoError(t, err)
	assert.Equal(t, domain.RequestSent, req.Status)
	assert.NotEmpty(t, req.Secrets)

	_, err = gov.ExecuteRequest(env.Ctx, "client", dispute.ProposalID, env.computeParams())
	assert.ErrorIs(t, err, domain.ErrRequestOutstanding)

	env.mine(t, 2)
	stored, err := env.Engine.Registry.Request(env.Ctx, req.ID)
	require.NoError(t, err)
	result, errBlob := env.node(" freelancer").Run(env.Ctx, stored)
	require.Empty(t, errBlob)

	_, err = env.Engine.Registry.FulfillAndBill(env.Ctx, "voter", req.ID, result, nil)
	assert.ErrorIs(t, err, domain.ErrUnauthorizedTransmitter)

	closed, err := env.Engine.Registry.FulfillAndBill(env.Ctx, transmitter, req.ID, result, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestFulfilled, closed.Status)

	_, err = env.Engine.Registry.FulfillAndBill(env.Ctx, transmitter, req.ID, result, nil)
	assert.ErrorIs(t, err, domain.ErrRequestNotPending)

	p, err := gov.State(env.Ctx, dispute.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, env.Cfg.Compute.VoteWeight, p.Tally.For)
	assert.Nil(t, p.PendingComputeRequestID)

	votes, err := gov.Votes(env.Ctx, dispute.ProposalID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, domain.VoteSourceOracle, votes[0].Source)
	assert.Equal(t, env.Cfg.Addresses.OracleVoter, votes[0].Voter)

	_, err = gov.ExecuteRequest(env.Ctx, "client", dispute.ProposalID, env.computeParams())
	assert.ErrorIs(t, err, domain.ErrRequestOutstanding, "the oracle votes at most once")

	_, err = gov.CastVoteWithReason(env.Ctx, "voter", dispute.ProposalID, domain.VoteAgainst, "")
	require.NoError(t, err)
	p, err = gov.State(env.Ctx, dispute.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, domain.Tally{For: env.Cfg.Compute.VoteWeight, Against: env.Cfg.Tiers.Weights[2]}, p.Tally)
}

func TestComputeErrorPayloadDoesNotRevert(t *testing.T) {
	env := newTestEnv(t)
	gov := env.Engine.Governor
	env.credential(t, "voter", 50)
	_, dispute := env.disputedOffer(t)
	env.mine(t, 2)

	req, err := gov.ExecuteRequest(env.Ctx, "client", dispute.ProposalID, env.computeParams())
	require.NoError(t, err)
	closed, err := env.Engine.Registry.FulfillAndBill(env.Ctx, env.Cfg.Compute.Transmitters[0], req.ID, nil, []byte("openai unavailable"))
	require.NoError(t, err)
	assert.Equal(t, domain.RequestFulfilled, closed.Status)
	assert.Equal(t, "openai unavailable", closed.Error)

	p, err := gov.State(env.Ctx, dispute.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, domain.Tally{}, p.Tally)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "compute.fulfillment_failed", "", "")
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestLateResultIgnoredAndDefeatedDisputeSettles(t *testing.T) {
	env := newTestEnv(t)
	gov := env.Engine.Governor
	env.credential(t, "voter", 50)
	offer, dispute := env.disputedOffer(t)

	req, err := gov.ExecuteRequest(env.Ctx, "client", dispute.ProposalID, env.computeParams())
	require.NoError(t, err)
	env.mine(t, env.Cfg.Protocol.VotingDelay+env.Cfg.Protocol.VotingPeriod+1)
	assert.Equal(t, domain.ProposalDefeated, env.state(t, dispute.ProposalID))

	result, err := bridge.EncodeUint256(big.NewInt(domain.VoteFor))
	require.NoError(t, err)
	closed, err := env.Engine.Registry.FulfillAndBill(env.Ctx, env.Cfg.Compute.Transmitters[0], req.ID, result, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestTimedOut, closed.Status)
	assert.Equal(t, domain.ProposalDefeated, env.state(t, dispute.ProposalID), "late result changes nothing")

	_, err = gov.Queue(env.Ctx, "anyone", dispute.ProposalID, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidProposal)

	settled, err := gov.SettleDefeated(env.Ctx, "anyone", dispute.ProposalID)
	require.NoError(t, err)
	require.NotNil(t, settled.Winner)
	assert.Equal(t, "freelancer", *settled.Winner)
	assert.Equal(t, domain.MustAmount("10eth").String(), env.balance(t, "freelancer").String())
	assert.Equal(t, "0", env.balance(t, env.Cfg.Addresses.Escrow).String())

	_, err = gov.SettleDefeated(env.Ctx, "anyone", dispute.ProposalID)
	assert.ErrorIs(t, err, domain.ErrInvalidProposal)

	stored, err := env.Engine.Escrow.Offer(env.Ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OfferDisputed, stored.State)
}

func TestCancelReopensDispute(t *testing.T) {
	env := newTestEnv(t)
	gov := env.Engine.Governor
	offer, dispute := env.disputedOffer(t)

	req, err := gov.ExecuteRequest(env.Ctx, "client", dispute.ProposalID, env.computeParams())
	require.NoError(t, err)

	_, err = gov.Cancel(env.Ctx, "freelancer", dispute.ProposalID)
	assert.ErrorIs(t, err, domain.ErrGovernorTransactionFailed)

	canceled, err := gov.Cancel(env.Ctx, "client", dispute.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalCanceled, canceled.State)

	_, err = gov.Cancel(env.Ctx, env.Cfg.Addresses.Guardian, dispute.ProposalID)
	assert.ErrorIs(t, err, domain.ErrInvalidProposal)

	stored, err := env.Engine.Escrow.Offer(env.Ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OfferApproved, stored.State)

	closedReq, err := env.Engine.Registry.Request(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestTimedOut, closedReq.Status)

	second, err := env.Engine.Escrow.DisputeContract(env.Ctx, "freelancer", offer.ID, "client vanished")
	require.NoError(t, err)
	assert.NotEqual(t, dispute.ProposalID, second.ProposalID)

	_, err = gov.Cancel(env.Ctx, env.Cfg.Addresses.Guardian, second.ProposalID)
	require.NoError(t, err)
}

func TestGrantProposalLifecycle(t *testing.T) {
	env := newTestEnv(t)
	gov := env.Engine.Governor
	env.fund(t, env.Cfg.Addresses.Treasury, "5eth")

	_, err := gov.InitiateGrantProposal(env.Ctx, "nobody", "tooling", "grantee", domain.MustAmount("1eth"))
	assert.ErrorIs(t, err, domain.ErrGovernorTransactionFailed)

	env.credential(t, "member", 3)
	p, err := gov.InitiateGrantProposal(env.Ctx, "member", "tooling", "grantee", domain.MustAmount("1eth"))
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalGrant, p.Kind)
	assert.Equal(t, int64(1), p.Quorum)

	again, err := gov.InitiateGrantProposal(env.Ctx, "member", "tooling", "grantee", domain.MustAmount("1eth"))
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, again.ID)

	env.mine(t, 2)
	_, err = gov.CastVoteWithReason(env.Ctx, "member", p.ID, domain.VoteFor, "")
	require.NoError(t, err)
	env.mine(t, env.Cfg.Protocol.VotingPeriod)

	wrong := domain.Bundle{Targets: again.Targets, Values: again.Values, Calldatas: again.Calldatas, Description: again.Description}
	_, err = gov.Queue(env.Ctx, "member", p.ID, &wrong)
	assert.ErrorIs(t, err, domain.ErrInvalidProposal)

	right := domain.Bundle{Targets: p.Targets, Values: p.Values, Calldatas: p.Calldatas, Description: p.Description}
	_, err = gov.Queue(env.Ctx, "member", p.ID, &right)
	require.NoError(t, err)
	_, err = env.Engine.AdvanceTime(env.Ctx, "clock", env.Cfg.Protocol.TimelockDelay)
	require.NoError(t, err)
	_, err = gov.Execute(env.Ctx, "member", p.ID, &right)
	require.NoError(t, err)

	assert.Equal(t, domain.MustAmount("1eth").String(), env.balance(t, "grantee").String())
	assert.Equal(t, domain.MustAmount("4eth").String(), env.balance(t, env.Cfg.Addresses.Treasury).String())
	rep, err := env.Engine.ReputationOf(env.Ctx, "grantee")
	require.NoError(t, err)
	assert.Equal(t, env.Cfg.Reputation.GrantReward, rep.Score)

	list, err := gov.Proposals(env.Ctx, repo.ProposalFilters{Kind: domain.ProposalGrant})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestFailingCallRevertsExecution(t *testing.T) {
	env := newTestEnv(t)
	gov := env.Engine.Governor
	env.credential(t, "member", 3)

	// treasury is empty, so the withdraw call fails at execution
	p, err := gov.InitiateGrantProposal(env.Ctx, "member", "too big", "grantee", domain.MustAmount("1eth"))
	require.NoError(t, err)
	env.mine(t, 2)
	_, err = gov.CastVoteWithReason(env.Ctx, "member", p.ID, domain.VoteFor, "")
	require.NoError(t, err)
	env.mine(t, env.Cfg.Protocol.VotingPeriod)
	_, err = gov.Queue(env.Ctx, "member", p.ID, nil)
	require.NoError(t, err)
	_, err = env.Engine.AdvanceTime(env.Ctx, "clock", env.Cfg.Protocol.TimelockDelay)
	require.NoError(t, err)

	_, err = gov.Execute(env.Ctx, "member", p.ID, nil)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, domain.ProposalQueued, env.state(t, p.ID))

	rep, err := env.Engine.ReputationOf(env.Ctx, "grantee")
	require.NoError(t, err)
	assert.Zero(t, rep.Score)
}

func TestFulfillRandomnessAsCoordinator(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "voter", "1eth")
	req, err := env.Engine.Issuer.RequestNft(env.Ctx, "voter", env.Cfg.MintFee())
	require.NoError(t, err)
	cred, err := env.Engine.FulfillRandomness(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "voter", cred.Owner)
	assert.GreaterOrEqual(t, cred.Tier, 0)
	assert.Less(t, cred.Tier, len(env.Cfg.Tiers.Weights))
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.CreateAPIKey(env.Ctx, " ", "ci")
	require.Error(t, err)

	key, plain, err := env.Engine.CreateAPIKey(env.Ctx, "client", "ci")
	require.NoError(t, err)
	assert.Equal(t, repo.HashAPIKey(plain), key.KeyHash)
	assert.NotContains(t, key.KeyHash, plain)

	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plain))
	require.NoError(t, err)
	assert.Equal(t, "client", stored.ActorID)

	keys, err := env.Engine.ListAPIKeys(env.Ctx, "client")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, env.Engine.RevokeAPIKey(env.Ctx, key.ID))
	assert.ErrorIs(t, env.Engine.RevokeAPIKey(env.Ctx, key.ID), repo.ErrNotFound)
}

func TestDefeatedDisputeCannotBeCanceled(t *testing.T) {
	env := newTestEnv(t)
	gov := env.Engine.Governor
	env.credential(t, "voter", 50)
	offer, dispute := env.disputedOffer(t)

	env.mine(t, 2)
	_, err := gov.Cancel(env.Ctx, "client", dispute.ProposalID)
	assert.ErrorIs(t, err, domain.ErrUnableToCancel, "proposer cancels only while pending")

	_, err = gov.CastVoteWithReason(env.Ctx, "voter", dispute.ProposalID, domain.VoteAgainst, "freelancer delivered")
	require.NoError(t, err)
	env.mine(t, env.Cfg.Protocol.VotingPeriod)
	assert.Equal(t, domain.ProposalDefeated, env.state(t, dispute.ProposalID))

	_, err = gov.Cancel(env.Ctx, "client", dispute.ProposalID)
	assert.ErrorIs(t, err, domain.ErrInvalidProposal)
	_, err = gov.Cancel(env.Ctx, env.Cfg.Addresses.Guardian, dispute.ProposalID)
	assert.ErrorIs(t, err, domain.ErrInvalidProposal)
	assert.Equal(t, domain.ProposalDefeated, env.state(t, dispute.ProposalID))

	_, err = env.Engine.Escrow.DisputeContract(env.Ctx, "client", offer.ID, "again")
	assert.ErrorIs(t, err, domain.ErrInvalidOfferState)

	settled, err := gov.SettleDefeated(env.Ctx, "freelancer", dispute.ProposalID)
	require.NoError(t, err)
	require.NotNil(t, settled.Winner)
	assert.Equal(t, "freelancer", *settled.Winner)
	assert.Equal(t, domain.MustAmount("10eth").String(), env.balance(t, "freelancer").String())
}

func TestGuardianCancelsActiveProposal(t *testing.T) {
	env := newTestEnv(t)
	gov := env.Engine.Governor
	offer, dispute := env.disputedOffer(t)
	env.mine(t, 2)
	assert.Equal(t, domain.ProposalActive, env.state(t, dispute.ProposalID))

	canceled, err := gov.Cancel(env.Ctx, env.Cfg.Addresses.Guardian, dispute.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalCanceled, canceled.State)

	stored, err := env.Engine.Escrow.Offer(env.Ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OfferApproved, stored.State)
}

func TestOracleResultCountsWhilePending(t *testing.T) {
	env := newTestEnv(t)
	gov := env.Engine.Governor
	env.credential(t, "voter", 50)
	_, dispute := env.disputedOffer(t)
	require.Equal(t, domain.ProposalPending, env.state(t, dispute.ProposalID))

	req, err := gov.ExecuteRequest(env.Ctx, "client", dispute.ProposalID, env.computeParams())
	require.NoError(t, err)
	assert.Equal(t, env.Cfg.Compute.Source, req.Source)

	result, err := bridge.EncodeUint256(big.NewInt(domain.VoteFor))
	require.NoError(t, err)
	closed, err := env.Engine.Registry.FulfillAndBill(env.Ctx, env.Cfg.Compute.Transmitters[0], req.ID, result, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestFulfilled, closed.Status)

	p, err := gov.State(env.Ctx, dispute.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalPending, p.State)
	assert.Equal(t, domain.Tally{For: env.Cfg.Compute.VoteWeight}, p.Tally)
	votes, err := gov.Votes(env.Ctx, dispute.ProposalID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, domain.VoteSourceOracle, votes[0].Source)

	// human votes keep accumulating once voting opens
	env.mine(t, 2)
	_, err = gov.CastVoteWithReason(env.Ctx, "voter", dispute.ProposalID, domain.VoteFor, "")
	require.NoError(t, err)
	env.mine(t, env.Cfg.Protocol.VotingPeriod)
	assert.Equal(t, domain.ProposalSucceeded, env.state(t, dispute.ProposalID))
}

func TestRegistryTimeoutReleasesRequestSlot(t *testing.T) {
	env := newTestEnv(t)
	gov := env.Engine.Governor
	_, dispute := env.disputedOffer(t)

	req, err := gov.ExecuteRequest(env.Ctx, "client", dispute.ProposalID, env.computeParams())
	require.NoError(t, err)
	_, err = env.Engine.AdvanceTime(env.Ctx, "clock", env.Cfg.Compute.RequestTimeoutSeconds+1)
	require.NoError(t, err)

	result, err := bridge.EncodeUint256(big.NewInt(domain.VoteFor))
	require.NoError(t, err)
	closed, err := env.Engine.Registry.FulfillAndBill(env.Ctx, env.Cfg.Compute.Transmitters[0], req.ID, result, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestTimedOut, closed.Status)

	p, err := gov.State(env.Ctx, dispute.ProposalID)
	require.NoError(t, err)
	assert.Nil(t, p.PendingComputeRequestID)
	assert.Equal(t, domain.Tally{}, p.Tally)

	retry, err := gov.ExecuteRequest(env.Ctx, "client", dispute.ProposalID, env.computeParams())
	require.NoError(t, err)
	assert.NotEqual(t, req.ID, retry.ID)
}

func TestUnknownProposalIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Governor.State(env.Ctx, "0xdead")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.ErrorIs(t, err, domain.ErrInvalidProposal)
}

func TestMetricsCountCommittedWork(t *testing.T) {
	env := newTestEnv(t)
	gov := env.Engine.Governor
	transmitter := env.Cfg.Compute.Transmitters[0]
	_, dispute := env.disputedOffer(t)
	assert.Equal(t, float64(1), env.counter(t, "freelanco_proposals_created_total", map[string]string{"kind": domain.ProposalDispute}))

	req, err := gov.ExecuteRequest(env.Ctx, "client", dispute.ProposalID, env.computeParams())
	require.NoError(t, err)
	result, err := bridge.EncodeUint256(big.NewInt(domain.VoteFor))
	require.NoError(t, err)
	_, err = env.Engine.Registry.FulfillAndBill(env.Ctx, transmitter, req.ID, result, nil)
	require.NoError(t, err)
	_, err = env.Engine.Registry.FulfillAndBill(env.Ctx, transmitter, req.ID, result, nil)
	assert.ErrorIs(t, err, domain.ErrRequestNotPending)

	oracle := map[string]string{"source": domain.VoteSourceOracle}
	assert.Equal(t, float64(1), env.counter(t, "freelanco_votes_cast_total", oracle))
	assert.Equal(t, float64(1), env.counter(t, "freelanco_compute_fulfillments_total", nil))

	// a rejected dispute records nothing
	_, err = env.Engine.Escrow.DisputeContract(env.Ctx, "client", dispute.OfferID, "again")
	assert.Error(t, err)
	assert.Equal(t, float64(1), env.counter(t, "freelanco_proposals_created_total", nil))
}
