package governance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"freelanco/internal/bridge"
	"freelanco/internal/domain"
	"freelanco/internal/events"
)

// ComputeParams is the caller-supplied part of a compute request.
type ComputeParams struct {
	Source         string
	Secrets        map[string]string
	Args           []string
	SubscriptionID uint64
	GasLimit       uint32
}

// ExecuteRequest dispatches the off-chain classification of a proposal. At
// most one request may be outstanding, and none once the oracle has voted.
func (g Governor) ExecuteRequest(ctx context.Context, caller, proposalID string, params ComputeParams) (domain.ComputeRequest, error) {
	if g.Compute == nil {
		return domain.ComputeRequest{}, errors.New("compute registry not configured")
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ComputeRequest{}, err
	}
	defer tx.Rollback()

	p, _, err := g.load(ctx, tx, proposalID)
	if err != nil {
		return domain.ComputeRequest{}, err
	}
	if p.State != domain.ProposalPending && p.State != domain.ProposalActive {
		return domain.ComputeRequest{}, fmt.Errorf("proposal %s is %s: %w", p.ID, p.State, domain.ErrInvalidProposal)
	}
	outstanding, err := g.Repo.ListComputeRequests(ctx, tx, p.ID, domain.RequestSent)
	if err != nil {
		return domain.ComputeRequest{}, err
	}
	if len(outstanding) > 0 {
		return domain.ComputeRequest{}, fmt.Errorf("request %s pending for %s: %w", outstanding[0].ID, p.ID, domain.ErrRequestOutstanding)
	}
	voted, err := g.Repo.HasVoted(ctx, tx, p.ID, g.Config.Addresses.OracleVoter)
	if err != nil {
		return domain.ComputeRequest{}, err
	}
	if voted {
		return domain.ComputeRequest{}, fmt.Errorf("oracle already voted on %s: %w", p.ID, domain.ErrRequestOutstanding)
	}
	source := params.Source
	if source == "" {
		source = g.Config.Compute.Source
	}
	env, err := bridge.BuildRequest(source, params.Secrets, params.Args, params.SubscriptionID, params.GasLimit, g.Config.Compute.DONPublicKey)
	if err != nil {
		return domain.ComputeRequest{}, err
	}
	req, err := g.Compute.Send(ctx, tx, g.Config.Addresses.Governor, p.ID, env)
	if err != nil {
		return domain.ComputeRequest{}, err
	}
	p.PendingComputeRequestID = &req.ID
	if err := g.Repo.UpdateProposalLifecycle(ctx, tx, p); err != nil {
		return domain.ComputeRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ComputeRequest{}, err
	}
	g.logger().Info("compute request sent", "proposal_id", p.ID, "request_id", req.ID, "caller", caller)
	return req, nil
}

// FulfillRequest is the registry callback. Error payloads and unusable
// results are recorded without failing the transaction; a valid verdict
// counts as one oracle vote as long as the voting period has not closed.
func (g Governor) FulfillRequest(ctx context.Context, tx *sql.Tx, req domain.ComputeRequest, result, errBlob []byte) (bridge.Outcome, error) {
	fulfilled := bridge.Outcome{Status: domain.RequestFulfilled}
	p, head, err := g.clearPending(ctx, tx, req)
	if err != nil {
		return bridge.Outcome{}, err
	}
	logger := g.logger().With("proposal_id", p.ID, "request_id", req.ID)
	if len(errBlob) > 0 {
		logger.Warn("compute fulfillment carried an error", "error", string(errBlob))
		return fulfilled, g.fulfillmentFailed(ctx, tx, p, req, string(errBlob))
	}
	if p.State != domain.ProposalPending && p.State != domain.ProposalActive {
		if head.Block > p.VotingPeriodEnds {
			logger.Info("late compute result ignored", "state", p.State)
			return bridge.Outcome{Status: domain.RequestTimedOut}, nil
		}
		logger.Info("compute result ignored", "state", p.State)
		return fulfilled, nil
	}
	verdict, err := bridge.DecodeUint256(result)
	if err != nil {
		logger.Warn("undecodable compute result", "error", err)
		return fulfilled, g.fulfillmentFailed(ctx, tx, p, req, err.Error())
	}
	if !verdict.IsInt64() || verdict.Int64() > domain.VoteAbstain {
		logger.Warn("compute result out of range", "result", verdict.String())
		return fulfilled, nil
	}
	voter := g.Config.Addresses.OracleVoter
	voted, err := g.Repo.HasVoted(ctx, tx, p.ID, voter)
	if err != nil {
		return bridge.Outcome{}, err
	}
	if voted {
		logger.Warn("oracle already voted, result ignored")
		return fulfilled, nil
	}
	support := int(verdict.Int64())
	v, err := g.recordVote(ctx, tx, p, voter, support, g.Config.Compute.VoteWeight, "oracle verdict "+req.ID, domain.VoteSourceOracle, head.Block)
	if err != nil {
		return bridge.Outcome{}, err
	}
	logger.Info("oracle vote recorded", "support", support, "weight", g.Config.Compute.VoteWeight, "state", p.State)
	fulfilled.Vote = &v
	return fulfilled, nil
}

// RequestExpired releases the proposal's outstanding-request slot when the
// registry drops a report that arrived after the request timeout.
func (g Governor) RequestExpired(ctx context.Context, tx *sql.Tx, req domain.ComputeRequest) error {
	p, _, err := g.clearPending(ctx, tx, req)
	if err != nil {
		return err
	}
	g.logger().Info("compute request expired", "proposal_id", p.ID, "request_id", req.ID)
	return nil
}

func (g Governor) clearPending(ctx context.Context, tx *sql.Tx, req domain.ComputeRequest) (domain.Proposal, domain.Head, error) {
	p, head, err := g.load(ctx, tx, req.ProposalID)
	if err != nil {
		return domain.Proposal{}, domain.Head{}, err
	}
	if p.PendingComputeRequestID != nil && *p.PendingComputeRequestID == req.ID {
		p.PendingComputeRequestID = nil
		if err := g.Repo.UpdateProposalLifecycle(ctx, tx, p); err != nil {
			return domain.Proposal{}, domain.Head{}, err
		}
	}
	return p, head, nil
}

func (g Governor) fulfillmentFailed(ctx context.Context, tx *sql.Tx, p domain.Proposal, req domain.ComputeRequest, reason string) error {
	return g.Events.Append(ctx, tx, events.ComputeFulfillmentFailed, "compute_request", req.ID, g.Config.Addresses.OracleVoter, events.EventPayload{
		"proposal_id": p.ID,
		"error":       reason,
	})
}
