// Package escrow holds client payments for freelance offers and releases them
// on completion, withdrawal or a governance-decided dispute.
package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"freelanco/internal/config"
	"freelanco/internal/domain"
	"freelanco/internal/engine/auth"
	"freelanco/internal/events"
	"freelanco/internal/ledger"
	"freelanco/internal/metrics"
	"freelanco/internal/repo"
)

// DisputeProposer opens the governance proposal backing a dispute inside
// the caller's transaction.
type DisputeProposer interface {
	ProposeDispute(ctx context.Context, tx *sql.Tx, proposer string, b domain.Bundle) (domain.Proposal, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Ledger   ledger.Ledger
	Auth     auth.Service
	Config   *config.Config
	Proposer DisputeProposer
	Metrics  *metrics.Collectors
	Logger   *slog.Logger
	Now      func() time.Time
}

func (e Engine) now() string {
	if e.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return e.Now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func offerEntity(id int64) string {
	return strconv.FormatInt(id, 10)
}

func ensureOfferTransition(oldState, newState string) error {
	switch oldState {
	case domain.OfferProposed:
		if newState == domain.OfferApproved || newState == domain.OfferWithdrawn {
			return nil
		}
	case domain.OfferApproved:
		if newState == domain.OfferDisputed || newState == domain.OfferCompleted {
			return nil
		}
	case domain.OfferDisputed:
		// only through reopenDispute after the linked proposal is canceled
		if newState == domain.OfferApproved {
			return nil
		}
	}
	return fmt.Errorf("offer transition %s -> %s: %w", oldState, newState, domain.ErrInvalidOfferState)
}

func forbidden(role, caller string) error {
	return auth.ForbiddenError{Role: role, Caller: caller, Reason: domain.ErrEscrowTransactionFailed}
}

func (e Engine) loadOffer(ctx context.Context, tx *sql.Tx, offerID int64) (domain.Offer, error) {
	o, err := e.Repo.GetOffer(ctx, tx, offerID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Offer{}, fmt.Errorf("offer %d: %w", offerID, repo.ErrNotFound)
		}
		return domain.Offer{}, err
	}
	return o, nil
}

// MintGig registers a gig owned by caller. Offers can only target gigs.
func (e Engine) MintGig(ctx context.Context, caller, uri string) (domain.Gig, error) {
	if caller == "" {
		return domain.Gig{}, errors.New("caller required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Gig{}, err
	}
	defer tx.Rollback()

	g := domain.Gig{Owner: caller, URI: uri, CreatedAt: e.now()}
	id, err := e.Repo.InsertGig(ctx, tx, g)
	if err != nil {
		return domain.Gig{}, err
	}
	g.ID = id
	if err := e.Events.Append(ctx, tx, events.GigMinted, "gig", strconv.FormatInt(id, 10), caller, events.EventPayload{
		"owner": caller,
		"uri":   uri,
	}); err != nil {
		return domain.Gig{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Gig{}, err
	}
	return g, nil
}

func (e Engine) Gig(ctx context.Context, id int64) (domain.Gig, error) {
	return e.Repo.GetGig(ctx, nil, id)
}

// SendOffer escrows amount from caller against a gig owned by freelancer.
func (e Engine) SendOffer(ctx context.Context, caller string, gigID int64, freelancer, terms string, amount *big.Int) (domain.Offer, error) {
	if caller == "" {
		return domain.Offer{}, errors.New("caller required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return domain.Offer{}, fmt.Errorf("offer amount must be positive: %w", domain.ErrEscrowTransactionFailed)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Offer{}, err
	}
	defer tx.Rollback()

	gig, err := e.Repo.GetGig(ctx, tx, gigID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Offer{}, fmt.Errorf("gig %d: %w", gigID, domain.ErrInvalidGig)
		}
		return domain.Offer{}, err
	}
	if freelancer == "" {
		freelancer = gig.Owner
	}
	if gig.Owner != freelancer {
		return domain.Offer{}, fmt.Errorf("gig %d is not owned by %s: %w", gigID, freelancer, domain.ErrInvalidGig)
	}
	if freelancer == caller {
		return domain.Offer{}, fmt.Errorf("client and freelancer must differ: %w", domain.ErrEscrowTransactionFailed)
	}
	if err := e.Ledger.Transfer(ctx, tx, caller, e.Config.Addresses.Escrow, amount); err != nil {
		return domain.Offer{}, err
	}
	now := e.now()
	o := domain.Offer{
		GigID:      gigID,
		Client:     caller,
		Freelancer: freelancer,
		Terms:      terms,
		Amount:     amount.String(),
		State:      domain.OfferProposed,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	id, err := e.Repo.InsertOffer(ctx, tx, o)
	if err != nil {
		return domain.Offer{}, err
	}
	o.ID = id
	if err := e.Events.Append(ctx, tx, events.OfferSent, "offer", offerEntity(id), caller, events.EventPayload{
		"gig_id":     gigID,
		"client":     caller,
		"freelancer": freelancer,
		"amount":     o.Amount,
	}); err != nil {
		return domain.Offer{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Offer{}, err
	}
	e.Metrics.OfferTransition(o.State)
	return o, nil
}

// transition applies a party-gated state change and an optional release of
// the escrowed amount in one transaction.
func (e Engine) transition(ctx context.Context, caller string, offerID int64, role, newState, evtType string, release func(domain.Offer) string) (domain.Offer, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Offer{}, err
	}
	defer tx.Rollback()

	o, err := e.loadOffer(ctx, tx, offerID)
	if err != nil {
		return domain.Offer{}, err
	}
	party := o.Client
	if role == "freelancer" {
		party = o.Freelancer
	}
	if caller != party {
		return domain.Offer{}, forbidden(role, caller)
	}
	if err := ensureOfferTransition(o.State, newState); err != nil {
		return domain.Offer{}, err
	}
	payload := events.EventPayload{"from": o.State, "to": newState}
	o.State = newState
	o.UpdatedAt = e.now()
	if release != nil {
		if err := e.release(ctx, tx, &o, release(o)); err != nil {
			return domain.Offer{}, err
		}
		payload["released_to"] = *o.ReleasedTo
		payload["amount"] = o.Amount
	}
	if err := e.Repo.UpdateOffer(ctx, tx, o); err != nil {
		return domain.Offer{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, "offer", offerEntity(o.ID), caller, payload); err != nil {
		return domain.Offer{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Offer{}, err
	}
	e.Metrics.OfferTransition(newState)
	return o, nil
}

// release pays the escrowed amount out exactly once.
func (e Engine) release(ctx context.Context, tx *sql.Tx, o *domain.Offer, to string) error {
	if o.ReleasedAt != nil {
		return fmt.Errorf("offer %d already released: %w", o.ID, domain.ErrEscrowTransactionFailed)
	}
	amount, ok := new(big.Int).SetString(o.Amount, 10)
	if !ok {
		return fmt.Errorf("offer %d has invalid amount %q", o.ID, o.Amount)
	}
	if err := e.Ledger.Transfer(ctx, tx, e.Config.Addresses.Escrow, to, amount); err != nil {
		return fmt.Errorf("release offer %d: %w", o.ID, err)
	}
	at := e.now()
	o.ReleasedTo = &to
	o.ReleasedAt = &at
	o.UpdatedAt = at
	return nil
}

// ApproveOffer accepts a proposed offer. Freelancer only.
func (e Engine) ApproveOffer(ctx context.Context, caller string, offerID int64) (domain.Offer, error) {
	return e.transition(ctx, caller, offerID, "freelancer", domain.OfferApproved, events.OfferApproved, nil)
}

// CompleteOffer releases the escrow to the freelancer. Client only.
func (e Engine) CompleteOffer(ctx context.Context, caller string, offerID int64) (domain.Offer, error) {
	return e.transition(ctx, caller, offerID, "client", domain.OfferCompleted, events.OfferCompleted,
		func(o domain.Offer) string { return o.Freelancer })
}

// WithdrawOffer refunds an offer the freelancer never approved. Client only.
func (e Engine) WithdrawOffer(ctx context.Context, caller string, offerID int64) (domain.Offer, error) {
	return e.transition(ctx, caller, offerID, "client", domain.OfferWithdrawn, events.OfferWithdrawn,
		func(o domain.Offer) string { return o.Client })
}

// DisputeContract freezes an approved offer and opens the resolution
// proposal in the same transaction. The proposal's bundle settles in favour
// of the party raising the dispute; a For vote upholds them.
func (e Engine) DisputeContract(ctx context.Context, caller string, offerID int64, reason string) (domain.Dispute, error) {
	if e.Proposer == nil {
		return domain.Dispute{}, errors.New("dispute proposer not configured")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispute{}, err
	}
	defer tx.Rollback()

	o, err := e.loadOffer(ctx, tx, offerID)
	if err != nil {
		return domain.Dispute{}, err
	}
	var counterparty string
	switch caller {
	case o.Client:
		counterparty = o.Freelancer
	case o.Freelancer:
		counterparty = o.Client
	default:
		return domain.Dispute{}, forbidden("party", caller)
	}
	if err := ensureOfferTransition(o.State, domain.OfferDisputed); err != nil {
		return domain.Dispute{}, err
	}
	round, err := e.Repo.CountDisputesForOffer(ctx, tx, o.ID)
	if err != nil {
		return domain.Dispute{}, err
	}
	rep := e.Config.Reputation
	bundle, err := domain.ResolutionBundle(e.Config.Addresses.Escrow, e.Config.Addresses.Reputation,
		o.ID, caller, counterparty, rep.DisputeReward, rep.DisputePenalty)
	if err != nil {
		return domain.Dispute{}, err
	}
	bundle.Description = fmt.Sprintf("Dispute #%d on offer #%d raised by %s: %s", round+1, o.ID, caller, reason)
	proposal, err := e.Proposer.ProposeDispute(ctx, tx, caller, bundle)
	if err != nil {
		return domain.Dispute{}, err
	}
	d := domain.Dispute{
		OfferID:     o.ID,
		RaisedBy:    caller,
		Reason:      reason,
		ProposalID:  proposal.ID,
		Targets:     bundle.Targets,
		Calldatas:   bundle.Calldatas,
		Description: bundle.Description,
		Status:      domain.DisputeOpen,
		CreatedAt:   e.now(),
	}
	id, err := e.Repo.InsertDispute(ctx, tx, d)
	if err != nil {
		return domain.Dispute{}, err
	}
	d.ID = id
	o.State = domain.OfferDisputed
	o.UpdatedAt = d.CreatedAt
	if err := e.Repo.UpdateOffer(ctx, tx, o); err != nil {
		return domain.Dispute{}, err
	}
	if err := e.Events.Append(ctx, tx, events.OfferDisputed, "offer", offerEntity(o.ID), caller, events.EventPayload{
		"dispute_id":  id,
		"proposal_id": proposal.ID,
		"reason":      reason,
	}); err != nil {
		return domain.Dispute{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dispute{}, err
	}
	e.Metrics.OfferTransition(domain.OfferDisputed)
	e.Metrics.DisputeRaised()
	e.Metrics.ProposalCreated(domain.ProposalDispute)
	e.logger().Info("dispute opened", "offer_id", o.ID, "dispute_id", id, "proposal_id", proposal.ID, "raised_by", caller)
	return d, nil
}

func (e Engine) openDispute(ctx context.Context, tx *sql.Tx, o domain.Offer) (domain.Dispute, error) {
	if o.State != domain.OfferDisputed {
		return domain.Dispute{}, fmt.Errorf("offer %d is %s: %w", o.ID, o.State, domain.ErrInvalidOfferState)
	}
	d, err := e.Repo.LatestDisputeForOffer(ctx, tx, o.ID)
	if err != nil {
		return domain.Dispute{}, err
	}
	return d, nil
}

// HandleDispute records winner and resolves the open dispute. Governance only.
func (e Engine) HandleDispute(ctx context.Context, tx *sql.Tx, caller string, offerID int64, winner string) (domain.Dispute, error) {
	if err := e.Auth.RequireOwner(caller); err != nil {
		return domain.Dispute{}, err
	}
	o, err := e.loadOffer(ctx, tx, offerID)
	if err != nil {
		return domain.Dispute{}, err
	}
	d, err := e.openDispute(ctx, tx, o)
	if err != nil {
		return domain.Dispute{}, err
	}
	if d.Status != domain.DisputeOpen {
		return domain.Dispute{}, fmt.Errorf("dispute %d is %s: %w", d.ID, d.Status, domain.ErrInvalidOfferState)
	}
	if winner != o.Client && winner != o.Freelancer {
		return domain.Dispute{}, fmt.Errorf("winner %s is not a party to offer %d: %w", winner, o.ID, domain.ErrEscrowTransactionFailed)
	}
	at := e.now()
	d.Status = domain.DisputeResolved
	d.Winner = &winner
	d.ResolvedAt = &at
	if err := e.Repo.UpdateDispute(ctx, tx, d); err != nil {
		return domain.Dispute{}, err
	}
	if err := e.Events.Append(ctx, tx, events.DisputeHandled, "dispute", strconv.FormatInt(d.ID, 10), caller, events.EventPayload{
		"offer_id": o.ID,
		"winner":   winner,
	}); err != nil {
		return domain.Dispute{}, err
	}
	return d, nil
}

// GetDisputedFunds pays the frozen amount to the recorded winner. Governance only.
func (e Engine) GetDisputedFunds(ctx context.Context, tx *sql.Tx, caller string, offerID int64) (domain.Offer, error) {
	if err := e.Auth.RequireOwner(caller); err != nil {
		return domain.Offer{}, err
	}
	o, err := e.loadOffer(ctx, tx, offerID)
	if err != nil {
		return domain.Offer{}, err
	}
	d, err := e.openDispute(ctx, tx, o)
	if err != nil {
		return domain.Offer{}, err
	}
	if d.Status != domain.DisputeResolved || d.Winner == nil {
		return domain.Offer{}, fmt.Errorf("dispute %d has no winner: %w", d.ID, domain.ErrEscrowTransactionFailed)
	}
	if err := e.release(ctx, tx, &o, *d.Winner); err != nil {
		return domain.Offer{}, err
	}
	if err := e.Repo.UpdateOffer(ctx, tx, o); err != nil {
		return domain.Offer{}, err
	}
	if err := e.Events.Append(ctx, tx, events.DisputeFundsReleased, "offer", offerEntity(o.ID), caller, events.EventPayload{
		"dispute_id": d.ID,
		"winner":     *d.Winner,
		"amount":     o.Amount,
	}); err != nil {
		return domain.Offer{}, err
	}
	e.logger().Info("disputed funds released", "offer_id", o.ID, "winner", *d.Winner, "amount", o.Amount)
	return o, nil
}

// ClaimDisputedFunds is the externally reachable form of GetDisputedFunds.
// Anyone but the governance executor is refused.
func (e Engine) ClaimDisputedFunds(ctx context.Context, caller string, offerID int64) (domain.Offer, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Offer{}, err
	}
	defer tx.Rollback()
	o, err := e.GetDisputedFunds(ctx, tx, caller, offerID)
	if err != nil {
		return domain.Offer{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Offer{}, err
	}
	return o, nil
}

// ReopenDispute cancels the open dispute and returns the offer to approved.
// Governance only; used when the linked proposal is canceled.
func (e Engine) ReopenDispute(ctx context.Context, tx *sql.Tx, caller string, offerID int64) (domain.Offer, error) {
	if err := e.Auth.RequireOwner(caller); err != nil {
		return domain.Offer{}, err
	}
	o, err := e.loadOffer(ctx, tx, offerID)
	if err != nil {
		return domain.Offer{}, err
	}
	d, err := e.openDispute(ctx, tx, o)
	if err != nil {
		return domain.Offer{}, err
	}
	if d.Status != domain.DisputeOpen {
		return domain.Offer{}, fmt.Errorf("dispute %d is %s: %w", d.ID, d.Status, domain.ErrInvalidOfferState)
	}
	if err := ensureOfferTransition(o.State, domain.OfferApproved); err != nil {
		return domain.Offer{}, err
	}
	at := e.now()
	d.Status = domain.DisputeCanceled
	d.ResolvedAt = &at
	if err := e.Repo.UpdateDispute(ctx, tx, d); err != nil {
		return domain.Offer{}, err
	}
	o.State = domain.OfferApproved
	o.UpdatedAt = at
	if err := e.Repo.UpdateOffer(ctx, tx, o); err != nil {
		return domain.Offer{}, err
	}
	if err := e.Events.Append(ctx, tx, events.DisputeReopened, "offer", offerEntity(o.ID), caller, events.EventPayload{
		"dispute_id":  d.ID,
		"proposal_id": d.ProposalID,
	}); err != nil {
		return domain.Offer{}, err
	}
	return o, nil
}

// Withdraw pays a grant out of the treasury. Governance only.
func (e Engine) Withdraw(ctx context.Context, tx *sql.Tx, caller, recipient string, amount *big.Int) error {
	if err := e.Auth.RequireOwner(caller); err != nil {
		return err
	}
	if recipient == "" || amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("invalid treasury withdrawal: %w", domain.ErrEscrowTransactionFailed)
	}
	if err := e.Ledger.Transfer(ctx, tx, e.Config.Addresses.Treasury, recipient, amount); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.TreasuryWithdrawn, "treasury", e.Config.Addresses.Treasury, caller, events.EventPayload{
		"recipient": recipient,
		"amount":    amount.String(),
	})
}

// BoostProfile moves payment to the treasury and records the boost.
func (e Engine) BoostProfile(ctx context.Context, caller string, tier int, payment *big.Int) (domain.Boost, error) {
	if caller == "" {
		return domain.Boost{}, errors.New("caller required")
	}
	if tier < 0 || tier >= len(e.Config.Tiers.Weights) {
		return domain.Boost{}, fmt.Errorf("invalid boost tier %d: %w", tier, domain.ErrEscrowTransactionFailed)
	}
	if payment == nil || payment.Sign() <= 0 {
		return domain.Boost{}, fmt.Errorf("boost payment must be positive: %w", domain.ErrEscrowTransactionFailed)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Boost{}, err
	}
	defer tx.Rollback()

	if err := e.Ledger.Transfer(ctx, tx, caller, e.Config.Addresses.Treasury, payment); err != nil {
		return domain.Boost{}, err
	}
	b := domain.Boost{Freelancer: caller, Tier: tier, Amount: payment.String(), CreatedAt: e.now()}
	id, err := e.Repo.InsertBoost(ctx, tx, b)
	if err != nil {
		return domain.Boost{}, err
	}
	b.ID = id
	if err := e.Events.Append(ctx, tx, events.ProfileBoosted, "boost", strconv.FormatInt(id, 10), caller, events.EventPayload{
		"tier":   tier,
		"amount": b.Amount,
	}); err != nil {
		return domain.Boost{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Boost{}, err
	}
	return b, nil
}

func (e Engine) Boosts(ctx context.Context, freelancer string) ([]domain.Boost, error) {
	return e.Repo.ListBoosts(ctx, freelancer)
}

func (e Engine) Offer(ctx context.Context, id int64) (domain.Offer, error) {
	return e.Repo.GetOffer(ctx, nil, id)
}

func (e Engine) Offers(ctx context.Context, f repo.OfferFilters) ([]domain.Offer, error) {
	return e.Repo.ListOffers(ctx, f)
}

func (e Engine) Dispute(ctx context.Context, id int64) (domain.Dispute, error) {
	return e.Repo.GetDispute(ctx, nil, id)
}

// Audit compares the escrow account balance with the sum of unreleased offers.
func (e Engine) Audit(ctx context.Context) (held, owed *big.Int, err error) {
	held, err = e.Ledger.Balance(ctx, nil, e.Config.Addresses.Escrow)
	if err != nil {
		return nil, nil, err
	}
	amounts, err := e.Repo.UnreleasedOfferAmounts(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	owed = new(big.Int)
	for _, a := range amounts {
		v, ok := new(big.Int).SetString(a, 10)
		if !ok {
			return nil, nil, fmt.Errorf("invalid stored amount %q", a)
		}
		owed.Add(owed, v)
	}
	return held, owed, nil
}

// Invoke dispatches a governance call to the escrow.
func (e Engine) Invoke(ctx context.Context, tx *sql.Tx, caller string, call domain.Call) error {
	switch call.Method {
	case domain.MethodHandleDispute:
		var args domain.HandleDisputeArgs
		if err := call.DecodeArgs(&args); err != nil {
			return err
		}
		_, err := e.HandleDispute(ctx, tx, caller, args.OfferID, args.Winner)
		return err
	case domain.MethodGetDisputedFunds:
		var args domain.OfferArgs
		if err := call.DecodeArgs(&args); err != nil {
			return err
		}
		_, err := e.GetDisputedFunds(ctx, tx, caller, args.OfferID)
		return err
	case domain.MethodReopenDispute:
		var args domain.OfferArgs
		if err := call.DecodeArgs(&args); err != nil {
			return err
		}
		_, err := e.ReopenDispute(ctx, tx, caller, args.OfferID)
		return err
	case domain.MethodWithdraw:
		var args domain.WithdrawArgs
		if err := call.DecodeArgs(&args); err != nil {
			return err
		}
		amount, err := domain.ParseAmount(args.Amount)
		if err != nil {
			return err
		}
		return e.Withdraw(ctx, tx, caller, args.Recipient, amount)
	default:
		return fmt.Errorf("escrow: unknown method %q", call.Method)
	}
}
