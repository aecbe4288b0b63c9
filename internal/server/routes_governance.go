package server

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"freelanco/internal/bridge"
	"freelanco/internal/domain"
	"freelanco/internal/engine"
	"freelanco/internal/governance"
	"freelanco/internal/randomness"
	"freelanco/internal/repo"
)

type proposalPath struct {
	ID string `path:"id" doc:"0x proposal id"`
}

func registerCredentials(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-credential",
		Method:        http.MethodPost,
		Path:          "/credentials",
		Summary:       "Pay the mint fee and request an eligibility credential",
		DefaultStatus: http.StatusAccepted,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body *RequestNftRequest `json:"body,omitempty"`
	}) (*Output[domain.RandomnessRequest], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payment := e.Config.MintFee()
		if input.Body != nil && input.Body.Payment != "" {
			p, perr := parseAmount("payment", input.Body.Payment)
			if perr != nil {
				return nil, perr
			}
			payment = p
		}
		req, err := e.Issuer.RequestNft(ctx, caller, payment)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-credentials",
		Method:      http.MethodGet,
		Path:        "/credentials",
		Summary:     "List credentials",
	}, func(ctx context.Context, input *struct {
		Owner string `query:"owner"`
	}) (*Output[[]domain.Credential], error) {
		items, err := e.Issuer.Credentials(ctx, input.Owner)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-randomness-request",
		Method:      http.MethodGet,
		Path:        "/randomness/{id}",
		Summary:     "Get a randomness request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *proposalPath) (*Output[domain.RandomnessRequest], error) {
		req, err := e.Issuer.Request(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fulfill-randomness",
		Method:      http.MethodPost,
		Path:        "/randomness/{id}/fulfill",
		Summary:     "Deliver random words (coordinator only)",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                    `path:"id"`
		Body *FulfillRandomnessRequest `json:"body,omitempty"`
	}) (*Output[domain.Credential], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var words []*big.Int
		if input.Body == nil || len(input.Body.Words) == 0 {
			drawn, err := randomness.Words(1)
			if err != nil {
				return nil, handleError(err)
			}
			words = drawn
		} else {
			for _, raw := range input.Body.Words {
				w, ok := new(big.Int).SetString(raw, 10)
				if !ok {
					return nil, badRequest(fmt.Sprintf("invalid word %q", raw))
				}
				words = append(words, w)
			}
		}
		cred, err := e.Issuer.FulfillRandomWords(ctx, caller, input.ID, words)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(cred), nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals with derived state",
	}, func(ctx context.Context, input *struct {
		Kind  string `query:"kind" enum:"dispute_resolution,grant_request"`
		Limit int    `query:"limit" default:"50"`
	}) (*Output[[]domain.Proposal], error) {
		items, err := e.Governor.Proposals(ctx, repo.ProposalFilters{Kind: input.Kind, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}",
		Summary:     "Get proposal with votes and compute requests",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *proposalPath) (*Output[ProposalResponse], error) {
		p, err := e.Governor.State(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		votes, err := e.Governor.Votes(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		reqs, err := e.Governor.ComputeRequests(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ProposalResponse{
			Proposal:        p,
			Votes:           nonNilSlice(votes),
			ComputeRequests: nonNilSlice(reqs),
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cast-vote",
		Method:        http.MethodPost,
		Path:          "/proposals/{id}/votes",
		Summary:       "Cast a weighted vote with a reason",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body VoteRequest `json:"body"`
	}) (*Output[domain.Vote], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.Governor.CastVoteWithReason(ctx, caller, input.ID, input.Body.Support, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "execute-compute-request",
		Method:        http.MethodPost,
		Path:          "/proposals/{id}/compute-requests",
		Summary:       "Ask the oracle network to classify the proposal",
		DefaultStatus: http.StatusAccepted,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body ComputeRequestBody `json:"body"`
	}) (*Output[domain.ComputeRequest], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Governor.ExecuteRequest(ctx, caller, input.ID, governance.ComputeParams{
			Source:         input.Body.Source,
			Secrets:        input.Body.Secrets,
			Args:           input.Body.Args,
			SubscriptionID: input.Body.SubscriptionID,
			GasLimit:       input.Body.GasLimit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})

	lifecycle := []struct {
		id, path, summary string
		fn                func(ctx context.Context, caller, proposalID string, b *domain.Bundle) (domain.Proposal, error)
	}{
		{"queue-proposal", "/proposals/{id}/queue", "Queue a succeeded proposal behind the timelock", e.Governor.Queue},
		{"execute-proposal", "/proposals/{id}/execute", "Execute a queued proposal after its eta", e.Governor.Execute},
	}
	for _, l := range lifecycle {
		fn := l.fn
		huma.Register(api, huma.Operation{
			OperationID: l.id,
			Method:      http.MethodPost,
			Path:        l.path,
			Summary:     l.summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *struct {
			ID   string                 `path:"id"`
			Body *ProposalActionRequest `json:"body,omitempty"`
		}) (*Output[domain.Proposal], error) {
			caller, authErr := callerFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			var b *domain.Bundle
			if input.Body != nil {
				b = input.Body.Bundle.bundle()
			}
			p, err := fn(ctx, caller, input.ID, b)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(p), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "cancel-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/cancel",
		Summary:     "Cancel a proposal (proposer or guardian)",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *proposalPath) (*Output[domain.Proposal], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Governor.Cancel(ctx, caller, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "settle-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/settle",
		Summary:     "Release the funds of a defeated dispute to the counterparty",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *proposalPath) (*Output[domain.Dispute], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Governor.SettleDefeated(ctx, caller, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})
}

func registerGrants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "propose-grant",
		Method:        http.MethodPost,
		Path:          "/grants",
		Summary:       "Propose a treasury grant",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body GrantRequest `json:"body"`
	}) (*Output[domain.Proposal], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, perr := parseAmount("amount", input.Body.Amount)
		if perr != nil {
			return nil, perr
		}
		p, err := e.Governor.InitiateGrantProposal(ctx, caller, input.Body.Reason, input.Body.Recipient, amount)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})
}

func registerOracle(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-compute-request",
		Method:      http.MethodGet,
		Path:        "/oracle/requests/{id}",
		Summary:     "Get a compute request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *proposalPath) (*Output[domain.ComputeRequest], error) {
		req, err := e.Registry.Request(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "oracle-fulfill",
		Method:      http.MethodPost,
		Path:        "/oracle/fulfill",
		Summary:     "Report a compute result (transmitters only)",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body OracleFulfillRequest `json:"body"`
	}) (*Output[domain.ComputeRequest], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if (input.Body.Result == "") == (input.Body.Error == "") {
			return nil, badRequest("exactly one of result or error is required")
		}
		var result []byte
		if input.Body.Result != "" {
			r, err := bridge.ParseHexBytes(input.Body.Result)
			if err != nil {
				return nil, badRequest(fmt.Sprintf("invalid result: %v", err))
			}
			result = r
		}
		var errBlob []byte
		if input.Body.Error != "" {
			errBlob = []byte(input.Body.Error)
		}
		req, err := e.Registry.FulfillAndBill(ctx, caller, input.Body.RequestID, result, errBlob)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})
}

func registerReputation(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-reputation",
		Method:      http.MethodGet,
		Path:        "/reputation/{address}",
		Summary:     "Reputation score",
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
	}) (*Output[domain.Reputation], error) {
		r, err := e.ReputationOf(ctx, input.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(r), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*Output[paginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}
