package freelancosdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Freelanco HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set; servers
	// accept it only in dev mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Offer represents the API offer model (partial).
type Offer struct {
	ID         int64  `json:"id"`
	GigID      int64  `json:"gig_id"`
	Client     string `json:"client"`
	Freelancer string `json:"freelancer"`
	Amount     string `json:"amount"`
	State      string `json:"state"`
}

// Dispute links an offer to its governance proposal.
type Dispute struct {
	ID         int64  `json:"id"`
	OfferID    int64  `json:"offer_id"`
	RaisedBy   string `json:"raised_by"`
	ProposalID string `json:"proposal_id"`
	Status     string `json:"status"`
}

// Proposal represents a governance proposal with its derived state.
type Proposal struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Proposer    string `json:"proposer"`
	Description string `json:"description"`
	State       string `json:"state"`
	Quorum      int64  `json:"quorum"`
	ETA         *int64 `json:"eta,omitempty"`
	Tally       struct {
		For     int64 `json:"for"`
		Against int64 `json:"against"`
		Abstain int64 `json:"abstain"`
	} `json:"tally"`
}

// Vote is a counted ballot.
type Vote struct {
	ProposalID string `json:"proposal_id"`
	Voter      string `json:"voter"`
	Support    int    `json:"support"`
	Weight     int64  `json:"weight"`
	Source     string `json:"source"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Block      int64          `json:"block"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// SendOffer escrows amount (e.g. "1eth") for a gig.
func (c *Client) SendOffer(ctx context.Context, gigID int64, terms, amount string) (Offer, error) {
	body := map[string]any{
		"gig_id": gigID,
		"terms":  terms,
		"amount": amount,
	}
	var resp Offer
	err := c.do(ctx, http.MethodPost, "offers", body, &resp)
	return resp, err
}

// ApproveOffer accepts an offer as its freelancer.
func (c *Client) ApproveOffer(ctx context.Context, offerID int64) (Offer, error) {
	var resp Offer
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("offers/%d/approve", offerID), nil, &resp)
	return resp, err
}

// Dispute raises a dispute on an approved offer.
func (c *Client) Dispute(ctx context.Context, offerID int64, reason string) (Dispute, error) {
	var resp Dispute
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("offers/%d/dispute", offerID), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Proposal fetches a proposal with its current state.
func (c *Client) Proposal(ctx context.Context, id string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodGet, "proposals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Vote casts a weighted vote: 0 against, 1 for, 2 abstain.
func (c *Client) Vote(ctx context.Context, proposalID string, support int, reason string) (Vote, error) {
	body := map[string]any{"support": support, "reason": reason}
	var resp Vote
	err := c.do(ctx, http.MethodPost, "proposals/"+url.PathEscape(proposalID)+"/votes", body, &resp)
	return resp, err
}

// Queue and Execute move a succeeded proposal through the timelock.
func (c *Client) Queue(ctx context.Context, proposalID string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "proposals/"+url.PathEscape(proposalID)+"/queue", map[string]any{}, &resp)
	return resp, err
}

func (c *Client) Execute(ctx context.Context, proposalID string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "proposals/"+url.PathEscape(proposalID)+"/execute", map[string]any{}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
