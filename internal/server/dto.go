package server

import (
	"encoding/json"

	"freelanco/internal/domain"
)

// Request payloads

type DevLoginRequest struct {
	Address string `json:"address" doc:"Ledger address the token acts as"`
}

type MineRequest struct {
	Blocks int64 `json:"blocks,omitempty" minimum:"1" default:"1"`
}

type AdvanceRequest struct {
	Seconds int64 `json:"seconds" minimum:"1"`
}

type FundRequest struct {
	Amount string `json:"amount" example:"10eth" doc:"Wei, or a decimal with an eth suffix"`
}

type MintGigRequest struct {
	URI string `json:"uri,omitempty"`
}

type SendOfferRequest struct {
	GigID      int64  `json:"gig_id"`
	Freelancer string `json:"freelancer,omitempty" doc:"Defaults to the gig owner"`
	Terms      string `json:"terms"`
	Amount     string `json:"amount" example:"1eth"`
}

type DisputeRequest struct {
	Reason string `json:"reason"`
}

type BoostRequest struct {
	Tier    int    `json:"tier" minimum:"0"`
	Payment string `json:"payment" example:"0.1eth"`
}

type RequestNftRequest struct {
	Payment string `json:"payment,omitempty" doc:"Defaults to the mint fee"`
}

type FulfillRandomnessRequest struct {
	Words []string `json:"words,omitempty" doc:"Decimal random words; drawn locally when empty"`
}

type VoteRequest struct {
	Support int    `json:"support" enum:"0,1,2" doc:"0 against, 1 for, 2 abstain"`
	Reason  string `json:"reason,omitempty"`
}

// BundleRequest optionally restates a proposal's calls; it must hash to the
// proposal id.
type BundleRequest struct {
	Targets     []string `json:"targets"`
	Values      []string `json:"values"`
	Calldatas   []string `json:"calldatas"`
	Description string   `json:"description"`
}

type ProposalActionRequest struct {
	Bundle *BundleRequest `json:"bundle,omitempty"`
}

type ComputeRequestBody struct {
	Source         string            `json:"source,omitempty"`
	Secrets        map[string]string `json:"secrets,omitempty" doc:"Plaintext secrets, sealed to the oracle network key before storage"`
	Args           []string          `json:"args"`
	SubscriptionID uint64            `json:"subscription_id"`
	GasLimit       uint32            `json:"gas_limit"`
}

type GrantRequest struct {
	Reason    string `json:"reason"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount" example:"1eth"`
}

type OracleFulfillRequest struct {
	RequestID string `json:"request_id"`
	Result    string `json:"result,omitempty" doc:"0x hex result bytes"`
	Error     string `json:"error,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	Address      string   `json:"address"`
	Source       string   `json:"source"`
	Roles        []string `json:"roles"`
	Balance      string   `json:"balance"`
	Reputation   int64    `json:"reputation"`
	VotingWeight int64    `json:"voting_weight"`
}

type ChainResponse struct {
	domain.Head
	EscrowHeld string `json:"escrow_held"`
	EscrowOwed string `json:"escrow_owed"`
}

type ProposalResponse struct {
	domain.Proposal
	Votes           []domain.Vote           `json:"votes"`
	ComputeRequests []domain.ComputeRequest `json:"compute_requests"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Block      int64          `json:"block"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func (b *BundleRequest) bundle() *domain.Bundle {
	if b == nil {
		return nil
	}
	return &domain.Bundle{
		Targets:     b.Targets,
		Values:      b.Values,
		Calldatas:   b.Calldatas,
		Description: b.Description,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Block:      e.Block,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
