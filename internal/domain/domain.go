package domain

// Offer states.
const (
	OfferProposed  = "proposed"
	OfferApproved  = "approved"
	OfferDisputed  = "disputed"
	OfferCompleted = "completed"
	OfferWithdrawn = "withdrawn"
)

// Dispute statuses.
const (
	DisputeOpen     = "open"
	DisputeResolved = "resolved"
	DisputeCanceled = "canceled"
)

// Proposal kinds.
const (
	ProposalDispute = "dispute_resolution"
	ProposalGrant   = "grant_request"
)

// Proposal states, derived from counters and tallies.
const (
	ProposalPending   = "pending"
	ProposalActive    = "active"
	ProposalCanceled  = "canceled"
	ProposalDefeated  = "defeated"
	ProposalSucceeded = "succeeded"
	ProposalQueued    = "queued"
	ProposalExecuted  = "executed"
)

// Vote support values.
const (
	VoteAgainst = 0
	VoteFor     = 1
	VoteAbstain = 2
)

// Pending request statuses shared by randomness and compute requests.
const (
	RequestSent      = "sent"
	RequestFulfilled = "fulfilled"
	RequestTimedOut  = "timed_out"
)

const (
	VoteSourceHuman  = "human"
	VoteSourceOracle = "oracle"
)

type Gig struct {
	ID        int64  `json:"id"`
	Owner     string `json:"owner"`
	URI       string `json:"uri,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Offer struct {
	ID         int64   `json:"id"`
	GigID      int64   `json:"gig_id"`
	Client     string  `json:"client"`
	Freelancer string  `json:"freelancer"`
	Terms      string  `json:"terms"`
	Amount     string  `json:"amount" doc:"Escrowed amount in wei"`
	State      string  `json:"state" enum:"proposed,approved,disputed,completed,withdrawn"`
	ReleasedTo *string `json:"released_to,omitempty"`
	ReleasedAt *string `json:"released_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type Dispute struct {
	ID          int64    `json:"id"`
	OfferID     int64    `json:"offer_id"`
	RaisedBy    string   `json:"raised_by"`
	Reason      string   `json:"reason"`
	ProposalID  string   `json:"proposal_id"`
	Targets     []string `json:"targets"`
	Calldatas   []string `json:"calldatas"`
	Description string   `json:"description"`
	Status      string   `json:"status" enum:"open,resolved,canceled"`
	Winner      *string  `json:"winner,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	ResolvedAt  *string  `json:"resolved_at,omitempty" format:"date-time"`
}

// Tally holds accumulated vote weight per support value.
type Tally struct {
	For     int64 `json:"for"`
	Against int64 `json:"against"`
	Abstain int64 `json:"abstain"`
}

type Proposal struct {
	ID                      string   `json:"id"`
	Kind                    string   `json:"kind" enum:"dispute_resolution,grant_request"`
	Proposer                string   `json:"proposer"`
	Targets                 []string `json:"targets"`
	Values                  []string `json:"values"`
	Calldatas               []string `json:"calldatas"`
	Description             string   `json:"description"`
	DescriptionHash         string   `json:"description_hash"`
	CreatedAtBlock          int64    `json:"created_at_block"`
	VotingDelayEnds         int64    `json:"voting_delay_ends"`
	VotingPeriodEnds        int64    `json:"voting_period_ends"`
	Quorum                  int64    `json:"quorum"`
	ETA                     *int64   `json:"eta,omitempty" doc:"Unix time after which the proposal may execute"`
	Queued                  bool     `json:"queued"`
	Executed                bool     `json:"executed"`
	Canceled                bool     `json:"canceled"`
	Tally                   Tally    `json:"tally"`
	PendingComputeRequestID *string  `json:"pending_compute_request_id,omitempty"`
	State                   string   `json:"state,omitempty" enum:"pending,active,canceled,defeated,succeeded,queued,executed"`
	CreatedAt               string   `json:"created_at" format:"date-time"`
}

type Vote struct {
	ProposalID string `json:"proposal_id"`
	Voter      string `json:"voter"`
	Support    int    `json:"support" enum:"0,1,2"`
	Weight     int64  `json:"weight"`
	Reason     string `json:"reason,omitempty"`
	Source     string `json:"source" enum:"human,oracle"`
	Block      int64  `json:"block"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Credential struct {
	ID        int64  `json:"id"`
	Owner     string `json:"owner"`
	Tier      int    `json:"tier" enum:"0,1,2"`
	RequestID string `json:"request_id"`
	MintedAt  string `json:"minted_at" format:"date-time"`
}

type RandomnessRequest struct {
	ID           string  `json:"id"`
	Requester    string  `json:"requester"`
	Payment      string  `json:"payment"`
	Status       string  `json:"status" enum:"sent,fulfilled"`
	CredentialID *int64  `json:"credential_id,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	FulfilledAt  *string `json:"fulfilled_at,omitempty" format:"date-time"`
}

type ComputeRequest struct {
	ID             string   `json:"id"`
	ProposalID     string   `json:"proposal_id"`
	Consumer       string   `json:"consumer"`
	Source         string   `json:"source"`
	Secrets        string   `json:"secrets,omitempty" doc:"Hex of the sealed secrets blob"`
	Args           []string `json:"args"`
	SubscriptionID uint64   `json:"subscription_id"`
	GasLimit       uint32   `json:"gas_limit"`
	Status         string   `json:"status" enum:"sent,fulfilled,timed_out"`
	Result         string   `json:"result,omitempty"`
	Error          string   `json:"error,omitempty"`
	RequestedAt    int64    `json:"requested_at" doc:"Chain time in unix seconds"`
	FulfilledAt    *int64   `json:"fulfilled_at,omitempty"`
}

type Boost struct {
	ID         int64  `json:"id"`
	Freelancer string `json:"freelancer"`
	Tier       int    `json:"tier"`
	Amount     string `json:"amount"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Reputation struct {
	Holder string `json:"holder"`
	Score  int64  `json:"score"`
}

type Wallet struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

// Head is the current ledger position.
type Head struct {
	Block int64 `json:"block"`
	Time  int64 `json:"time" doc:"Chain time in unix seconds"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Block      int64  `json:"block"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
