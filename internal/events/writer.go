package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the protocol components.
const (
	GigMinted                = "gig.minted"
	OfferSent                = "offer.sent"
	OfferApproved            = "offer.approved"
	OfferCompleted           = "offer.completed"
	OfferWithdrawn           = "offer.withdrawn"
	OfferDisputed            = "offer.disputed"
	DisputeHandled           = "dispute.handled"
	DisputeFundsReleased     = "dispute.funds_released"
	DisputeReopened          = "dispute.reopened"
	TreasuryWithdrawn        = "treasury.withdrawn"
	ProfileBoosted           = "profile.boosted"
	RandomnessRequested      = "randomness.requested"
	NftMinted                = "nft.minted"
	FeesWithdrawn            = "issuer.fees_withdrawn"
	ProposalCreated          = "proposal.created"
	GrantProposed            = "grant.proposed"
	VoteCast                 = "vote.cast"
	ProposalQueued           = "proposal.queued"
	ProposalExecuted         = "proposal.executed"
	ProposalCanceled         = "proposal.canceled"
	ProposalSettled          = "proposal.settled"
	ComputeRequested         = "compute.requested"
	ComputeFulfilled         = "compute.fulfilled"
	ComputeFulfillmentFailed = "compute.fulfillment_failed"
	ComputeTimedOut          = "compute.timed_out"
	ReputationCredited       = "reputation.credited"
	ReputationDebited        = "reputation.debited"
	WalletFunded             = "wallet.funded"
	ChainMined               = "chain.mined"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx, stamped with the current block.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,block,type,entity_kind,entity_id,actor_id,payload_json)
		VALUES (?,(SELECT block FROM chain_state WHERE id=1),?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
