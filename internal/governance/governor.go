// Package governance runs proposals from creation through voting, the
// off-chain compute handshake and the timelocked execution of their calls.
package governance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"freelanco/internal/bridge"
	"freelanco/internal/config"
	"freelanco/internal/domain"
	"freelanco/internal/engine/auth"
	"freelanco/internal/events"
	"freelanco/internal/ledger"
	"freelanco/internal/metrics"
	"freelanco/internal/policy"
	"freelanco/internal/repo"
)

// Target is a contract-like component reachable from proposal calls.
type Target interface {
	Invoke(ctx context.Context, tx *sql.Tx, caller string, call domain.Call) error
}

// VotingPower reports credential-derived weights.
type VotingPower interface {
	VotingWeight(ctx context.Context, tx *sql.Tx, holder string) (int64, error)
	TotalWeight(ctx context.Context, tx *sql.Tx) (int64, error)
	CredentialCount(ctx context.Context, tx *sql.Tx, holder string) (int64, error)
}

type ReputationReader interface {
	Score(ctx context.Context, tx *sql.Tx, holder string) (int64, error)
}

type GrantPolicy interface {
	Allow(expr string, in policy.GrantInput) (bool, error)
}

// ComputeSender records compute requests with the oracle registry.
type ComputeSender interface {
	Send(ctx context.Context, tx *sql.Tx, consumer, proposalID string, env bridge.Envelope) (domain.ComputeRequest, error)
}

type Governor struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Ledger     ledger.Ledger
	Auth       auth.Service
	Config     *config.Config
	Power      VotingPower
	Reputation ReputationReader
	Policy     GrantPolicy
	Compute    ComputeSender
	// Targets maps a call target address to the component handling it.
	Targets map[string]Target
	Metrics *metrics.Collectors
	Logger  *slog.Logger
	Now     func() time.Time
}

func (g Governor) now() string {
	if g.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return g.Now().UTC().Format(time.RFC3339)
}

func (g Governor) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

func (g Governor) load(ctx context.Context, tx *sql.Tx, proposalID string) (domain.Proposal, domain.Head, error) {
	p, err := g.Repo.GetProposal(ctx, tx, proposalID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Proposal{}, domain.Head{}, fmt.Errorf("proposal %s: %w: %w", proposalID, domain.ErrInvalidProposal, repo.ErrNotFound)
		}
		return domain.Proposal{}, domain.Head{}, err
	}
	head, err := g.Ledger.Head(ctx, tx)
	if err != nil {
		return domain.Proposal{}, domain.Head{}, err
	}
	p.State = DeriveState(p, head.Block)
	return p, head, nil
}

func (g Governor) checkBundle(b domain.Bundle) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("%s: %w", err, domain.ErrInvalidProposal)
	}
	for i, target := range b.Targets {
		if _, ok := g.Targets[target]; !ok {
			return fmt.Errorf("call %d: unknown target %s: %w", i, target, domain.ErrInvalidProposal)
		}
		if _, err := domain.ParseAmount(b.Values[i]); err != nil {
			return fmt.Errorf("call %d: %s: %w", i, err, domain.ErrInvalidProposal)
		}
		if _, err := domain.DecodeCall(b.Calldatas[i]); err != nil {
			return fmt.Errorf("call %d: %s: %w", i, err, domain.ErrInvalidProposal)
		}
	}
	return nil
}

// propose records a proposal inside tx. The id is content-derived, so
// re-proposing an identical bundle fails.
func (g Governor) propose(ctx context.Context, tx *sql.Tx, kind, proposer string, b domain.Bundle) (domain.Proposal, error) {
	if err := g.checkBundle(b); err != nil {
		return domain.Proposal{}, err
	}
	id, err := HashProposal(b)
	if err != nil {
		return domain.Proposal{}, err
	}
	if _, err := g.Repo.GetProposal(ctx, tx, id); err == nil {
		return domain.Proposal{}, fmt.Errorf("proposal %s already exists: %w", id, domain.ErrInvalidProposal)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Proposal{}, err
	}
	head, err := g.Ledger.Head(ctx, tx)
	if err != nil {
		return domain.Proposal{}, err
	}
	total, err := g.Power.TotalWeight(ctx, tx)
	if err != nil {
		return domain.Proposal{}, err
	}
	proto := g.Config.Protocol
	p := domain.Proposal{
		ID:               id,
		Kind:             kind,
		Proposer:         proposer,
		Targets:          b.Targets,
		Values:           b.Values,
		Calldatas:        b.Calldatas,
		Description:      b.Description,
		DescriptionHash:  DescriptionHash(b.Description),
		CreatedAtBlock:   head.Block,
		VotingDelayEnds:  head.Block + proto.VotingDelay,
		VotingPeriodEnds: head.Block + proto.VotingDelay + proto.VotingPeriod,
		Quorum:           quorumFor(total, proto.QuorumPercentage),
		CreatedAt:        g.now(),
	}
	if err := g.Repo.InsertProposal(ctx, tx, p); err != nil {
		return domain.Proposal{}, err
	}
	if err := g.Events.Append(ctx, tx, events.ProposalCreated, "proposal", id, proposer, events.EventPayload{
		"kind":               kind,
		"description":        b.Description,
		"targets":            b.Targets,
		"voting_delay_ends":  p.VotingDelayEnds,
		"voting_period_ends": p.VotingPeriodEnds,
		"quorum":             p.Quorum,
	}); err != nil {
		return domain.Proposal{}, err
	}
	p.State = DeriveState(p, head.Block)
	return p, nil
}

// ProposeDispute opens the resolution proposal for a dispute raised in the
// escrow. It runs inside the escrow's transaction.
func (g Governor) ProposeDispute(ctx context.Context, tx *sql.Tx, proposer string, b domain.Bundle) (domain.Proposal, error) {
	return g.propose(ctx, tx, domain.ProposalDispute, proposer, b)
}

// InitiateGrantProposal proposes a treasury payout to recipient. The caller
// must satisfy the configured grant policy.
func (g Governor) InitiateGrantProposal(ctx context.Context, caller, reason, recipient string, amount *big.Int) (domain.Proposal, error) {
	if recipient == "" {
		return domain.Proposal{}, errors.New("recipient required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return domain.Proposal{}, errors.New("invalid grant amount: must be positive")
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	creds, err := g.Power.CredentialCount(ctx, tx, caller)
	if err != nil {
		return domain.Proposal{}, err
	}
	score, err := g.Reputation.Score(ctx, tx, caller)
	if err != nil {
		return domain.Proposal{}, err
	}
	allowed, err := g.Policy.Allow(g.Config.Grants.Policy, policy.GrantInput{
		Credentials: creds,
		Reputation:  score,
		Proposer:    caller,
		Recipient:   recipient,
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	if !allowed {
		return domain.Proposal{}, fmt.Errorf("%s does not satisfy the grant policy: %w", caller, domain.ErrGovernorTransactionFailed)
	}
	n, err := g.Repo.CountProposals(ctx, tx, domain.ProposalGrant)
	if err != nil {
		return domain.Proposal{}, err
	}
	var b domain.Bundle
	if err := b.Add(g.Config.Addresses.Escrow, domain.MethodWithdraw, domain.WithdrawArgs{Recipient: recipient, Amount: amount.String()}); err != nil {
		return domain.Proposal{}, err
	}
	if reward := g.Config.Reputation.GrantReward; reward > 0 {
		if err := b.Add(g.Config.Addresses.Reputation, domain.MethodCredit, domain.ReputationArgs{Holder: recipient, Amount: reward}); err != nil {
			return domain.Proposal{}, err
		}
	}
	b.Description = fmt.Sprintf("Grant #%d to %s: %s", n+1, recipient, reason)
	p, err := g.propose(ctx, tx, domain.ProposalGrant, caller, b)
	if err != nil {
		return domain.Proposal{}, err
	}
	if err := g.Events.Append(ctx, tx, events.GrantProposed, "proposal", p.ID, caller, events.EventPayload{
		"recipient": recipient,
		"amount":    amount.String(),
		"reason":    reason,
	}); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	g.Metrics.ProposalCreated(p.Kind)
	g.logger().Info("grant proposed", "proposal_id", p.ID, "recipient", recipient, "amount", amount.String())
	return p, nil
}

// CastVoteWithReason records a credential-weighted vote on an active proposal.
// Holding a credential is checked before anything about the proposal.
func (g Governor) CastVoteWithReason(ctx context.Context, caller, proposalID string, support int, reason string) (domain.Vote, error) {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Vote{}, err
	}
	defer tx.Rollback()

	weight, err := g.Power.VotingWeight(ctx, tx, caller)
	if err != nil {
		return domain.Vote{}, err
	}
	if weight <= 0 {
		return domain.Vote{}, fmt.Errorf("%s holds no voting credential: %w", caller, domain.ErrGovernorTransactionFailed)
	}
	p, head, err := g.load(ctx, tx, proposalID)
	if err != nil {
		return domain.Vote{}, err
	}
	if p.State != domain.ProposalActive {
		return domain.Vote{}, fmt.Errorf("proposal %s is %s: %w", p.ID, p.State, domain.ErrVoteNotActive)
	}
	if support < domain.VoteAgainst || support > domain.VoteAbstain {
		return domain.Vote{}, fmt.Errorf("support %d: %w", support, domain.ErrInvalidVoteType)
	}
	v, err := g.recordVote(ctx, tx, p, caller, support, weight, reason, domain.VoteSourceHuman, head.Block)
	if err != nil {
		return domain.Vote{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Vote{}, err
	}
	g.Metrics.VoteCast(v.Source, v.Support)
	return v, nil
}

func (g Governor) recordVote(ctx context.Context, tx *sql.Tx, p domain.Proposal, voter string, support int, weight int64, reason, source string, block int64) (domain.Vote, error) {
	voted, err := g.Repo.HasVoted(ctx, tx, p.ID, voter)
	if err != nil {
		return domain.Vote{}, err
	}
	if voted {
		return domain.Vote{}, fmt.Errorf("%s on %s: %w", voter, p.ID, domain.ErrAlreadyVoted)
	}
	v := domain.Vote{
		ProposalID: p.ID,
		Voter:      voter,
		Support:    support,
		Weight:     weight,
		Reason:     reason,
		Source:     source,
		Block:      block,
		CreatedAt:  g.now(),
	}
	if err := g.Repo.InsertVote(ctx, tx, v); err != nil {
		return domain.Vote{}, err
	}
	if err := g.Repo.AddToTally(ctx, tx, p.ID, support, weight); err != nil {
		return domain.Vote{}, err
	}
	if err := g.Events.Append(ctx, tx, events.VoteCast, "proposal", p.ID, voter, events.EventPayload{
		"support": support,
		"weight":  weight,
		"reason":  reason,
		"source":  source,
	}); err != nil {
		return domain.Vote{}, err
	}
	return v, nil
}

func (g Governor) matchBundle(p domain.Proposal, b *domain.Bundle) error {
	if b == nil {
		return nil
	}
	id, err := HashProposal(*b)
	if err != nil {
		return err
	}
	if id != p.ID {
		return fmt.Errorf("bundle hashes to %s, not %s: %w", id, p.ID, domain.ErrInvalidProposal)
	}
	return nil
}

// expireRequests closes compute requests still outstanding for p.
func (g Governor) expireRequests(ctx context.Context, tx *sql.Tx, p *domain.Proposal, actor string, at int64) error {
	pending, err := g.Repo.ListComputeRequests(ctx, tx, p.ID, domain.RequestSent)
	if err != nil {
		return err
	}
	for _, req := range pending {
		req.Status = domain.RequestTimedOut
		req.FulfilledAt = &at
		if err := g.Repo.CloseComputeRequest(ctx, tx, req); err != nil {
			return err
		}
		if err := g.Events.Append(ctx, tx, events.ComputeTimedOut, "compute_request", req.ID, actor, events.EventPayload{
			"proposal_id": p.ID,
		}); err != nil {
			return err
		}
	}
	p.PendingComputeRequestID = nil
	return nil
}

// Queue schedules a succeeded proposal for execution after the timelock delay.
func (g Governor) Queue(ctx context.Context, caller, proposalID string, b *domain.Bundle) (domain.Proposal, error) {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	p, head, err := g.load(ctx, tx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if err := g.matchBundle(p, b); err != nil {
		return domain.Proposal{}, err
	}
	if p.State != domain.ProposalSucceeded {
		return domain.Proposal{}, fmt.Errorf("proposal %s is %s: %w", p.ID, p.State, domain.ErrInvalidProposal)
	}
	eta := head.Time + g.Config.Protocol.TimelockDelay
	p.ETA = &eta
	p.Queued = true
	if err := g.expireRequests(ctx, tx, &p, caller, head.Time); err != nil {
		return domain.Proposal{}, err
	}
	if err := g.Repo.UpdateProposalLifecycle(ctx, tx, p); err != nil {
		return domain.Proposal{}, err
	}
	if err := g.Events.Append(ctx, tx, events.ProposalQueued, "proposal", p.ID, caller, events.EventPayload{
		"eta": eta,
	}); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	p.State = domain.ProposalQueued
	return p, nil
}

// dispatch runs each call with the timelock as caller, first moving any
// attached value out of the timelock balance.
func (g Governor) dispatch(ctx context.Context, tx *sql.Tx, targets, values, calldatas []string) error {
	timelock := g.Config.Addresses.Timelock
	for i, target := range targets {
		handler, ok := g.Targets[target]
		if !ok {
			return fmt.Errorf("call %d: unknown target %s: %w", i, target, domain.ErrGovernorTransactionFailed)
		}
		value, err := domain.ParseAmount(values[i])
		if err != nil {
			return fmt.Errorf("call %d: %w", i, err)
		}
		if err := g.Ledger.Transfer(ctx, tx, timelock, target, value); err != nil {
			return fmt.Errorf("call %d value: %w", i, err)
		}
		call, err := domain.DecodeCall(calldatas[i])
		if err != nil {
			return fmt.Errorf("call %d: %w", i, err)
		}
		if err := handler.Invoke(ctx, tx, timelock, call); err != nil {
			return fmt.Errorf("call %d %s.%s: %w", i, target, call.Method, err)
		}
	}
	return nil
}

// Execute runs a queued proposal's calls once its eta has passed. Any failing
// call reverts the whole execution.
func (g Governor) Execute(ctx context.Context, caller, proposalID string, b *domain.Bundle) (domain.Proposal, error) {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	p, head, err := g.load(ctx, tx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if err := g.matchBundle(p, b); err != nil {
		return domain.Proposal{}, err
	}
	if p.State != domain.ProposalQueued {
		return domain.Proposal{}, fmt.Errorf("proposal %s is %s: %w", p.ID, p.State, domain.ErrInvalidProposal)
	}
	if p.ETA == nil || head.Time < *p.ETA {
		return domain.Proposal{}, fmt.Errorf("proposal %s not ready before %d: %w", p.ID, derefInt(p.ETA), domain.ErrTimelockNotReady)
	}
	if err := g.dispatch(ctx, tx, p.Targets, p.Values, p.Calldatas); err != nil {
		return domain.Proposal{}, err
	}
	p.Executed = true
	if err := g.Repo.UpdateProposalLifecycle(ctx, tx, p); err != nil {
		return domain.Proposal{}, err
	}
	if err := g.Events.Append(ctx, tx, events.ProposalExecuted, "proposal", p.ID, caller, events.EventPayload{
		"calls": len(p.Targets),
	}); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	p.State = domain.ProposalExecuted
	g.Metrics.ProposalExecuted()
	g.logger().Info("proposal executed", "proposal_id", p.ID, "kind", p.Kind, "calls", len(p.Targets))
	return p, nil
}

func derefInt(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// Cancel stops a proposal before execution. The proposer may cancel only
// while it is pending; the guardian may cancel until execution, except a
// defeated dispute, which closes through SettleDefeated. A canceled dispute
// returns its offer to approved.
func (g Governor) Cancel(ctx context.Context, caller, proposalID string) (domain.Proposal, error) {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	p, head, err := g.load(ctx, tx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	guardian := g.Auth.IsGuardian(caller)
	if caller != p.Proposer && !guardian {
		return domain.Proposal{}, auth.ForbiddenError{Role: auth.RoleGuardian, Caller: caller, Reason: domain.ErrGovernorTransactionFailed}
	}
	switch {
	case p.State == domain.ProposalExecuted || p.State == domain.ProposalCanceled:
		return domain.Proposal{}, fmt.Errorf("proposal %s is %s: %w", p.ID, p.State, domain.ErrInvalidProposal)
	case p.Kind == domain.ProposalDispute && p.State == domain.ProposalDefeated:
		return domain.Proposal{}, fmt.Errorf("defeated dispute %s settles, it cannot be canceled: %w", p.ID, domain.ErrInvalidProposal)
	case !guardian && p.State != domain.ProposalPending:
		return domain.Proposal{}, fmt.Errorf("proposer may cancel %s only while pending, it is %s: %w", p.ID, p.State, domain.ErrUnableToCancel)
	}
	p.Canceled = true
	if err := g.expireRequests(ctx, tx, &p, caller, head.Time); err != nil {
		return domain.Proposal{}, err
	}
	if p.Kind == domain.ProposalDispute {
		d, err := g.Repo.GetDisputeByProposal(ctx, tx, p.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.Proposal{}, err
		}
		if err == nil && d.Status == domain.DisputeOpen {
			var reopen domain.Bundle
			if err := reopen.Add(g.Config.Addresses.Escrow, domain.MethodReopenDispute, domain.OfferArgs{OfferID: d.OfferID}); err != nil {
				return domain.Proposal{}, err
			}
			if err := g.dispatch(ctx, tx, reopen.Targets, reopen.Values, reopen.Calldatas); err != nil {
				return domain.Proposal{}, err
			}
		}
	}
	if err := g.Repo.UpdateProposalLifecycle(ctx, tx, p); err != nil {
		return domain.Proposal{}, err
	}
	if err := g.Events.Append(ctx, tx, events.ProposalCanceled, "proposal", p.ID, caller, nil); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	p.State = domain.ProposalCanceled
	return p, nil
}

// SettleDefeated releases the funds of a defeated dispute to the party that
// did not raise it, applying the reputation outcome in reverse. Anyone may
// trigger it; the calls run under governance authority.
func (g Governor) SettleDefeated(ctx context.Context, caller, proposalID string) (domain.Dispute, error) {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispute{}, err
	}
	defer tx.Rollback()

	p, _, err := g.load(ctx, tx, proposalID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if p.Kind != domain.ProposalDispute || p.State != domain.ProposalDefeated {
		return domain.Dispute{}, fmt.Errorf("proposal %s (%s) is %s: %w", p.ID, p.Kind, p.State, domain.ErrInvalidProposal)
	}
	d, err := g.Repo.GetDisputeByProposal(ctx, tx, p.ID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if d.Status != domain.DisputeOpen {
		return domain.Dispute{}, fmt.Errorf("dispute %d already %s: %w", d.ID, d.Status, domain.ErrInvalidProposal)
	}
	offer, err := g.Repo.GetOffer(ctx, tx, d.OfferID)
	if err != nil {
		return domain.Dispute{}, err
	}
	winner := offer.Freelancer
	if d.RaisedBy == offer.Freelancer {
		winner = offer.Client
	}
	rep := g.Config.Reputation
	b, err := domain.ResolutionBundle(g.Config.Addresses.Escrow, g.Config.Addresses.Reputation,
		offer.ID, winner, d.RaisedBy, rep.DisputeReward, rep.DisputePenalty)
	if err != nil {
		return domain.Dispute{}, err
	}
	if err := g.dispatch(ctx, tx, b.Targets, b.Values, b.Calldatas); err != nil {
		return domain.Dispute{}, err
	}
	if err := g.Events.Append(ctx, tx, events.ProposalSettled, "proposal", p.ID, caller, events.EventPayload{
		"dispute_id": d.ID,
		"winner":     winner,
	}); err != nil {
		return domain.Dispute{}, err
	}
	settled, err := g.Repo.GetDispute(ctx, tx, d.ID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dispute{}, err
	}
	g.logger().Info("defeated dispute settled", "proposal_id", p.ID, "dispute_id", d.ID, "winner", winner)
	return settled, nil
}

// State returns the proposal with its state derived at the current block.
func (g Governor) State(ctx context.Context, proposalID string) (domain.Proposal, error) {
	p, _, err := g.load(ctx, nil, proposalID)
	return p, err
}

func (g Governor) Proposals(ctx context.Context, f repo.ProposalFilters) ([]domain.Proposal, error) {
	items, err := g.Repo.ListProposals(ctx, f)
	if err != nil {
		return nil, err
	}
	head, err := g.Ledger.Head(ctx, nil)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].State = DeriveState(items[i], head.Block)
	}
	return items, nil
}

func (g Governor) Votes(ctx context.Context, proposalID string) ([]domain.Vote, error) {
	return g.Repo.ListVotes(ctx, proposalID)
}

func (g Governor) ComputeRequests(ctx context.Context, proposalID string) ([]domain.ComputeRequest, error) {
	return g.Repo.ListComputeRequests(ctx, nil, proposalID, "")
}
