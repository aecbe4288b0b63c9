package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"freelanco/internal/domain"
	"freelanco/internal/engine"
	"freelanco/internal/repo"
)

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

type offerPath struct {
	ID int64 `path:"id"`
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*Output[WhoAmIResponse], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, _ := principalFromContext(ctx)
		wallet, err := e.Wallet(ctx, caller)
		if err != nil {
			return nil, handleError(err)
		}
		rep, err := e.ReputationOf(ctx, caller)
		if err != nil {
			return nil, handleError(err)
		}
		weight, err := e.Issuer.VotingWeight(ctx, nil, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(WhoAmIResponse{
			Address:      caller,
			Source:       p.Source,
			Roles:        nonNilSlice(e.Auth.Roles(caller)),
			Balance:      wallet.Balance,
			Reputation:   rep.Score,
			VotingWeight: weight,
		}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*Output[DevLoginResponse], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		address := strings.TrimSpace(input.Body.Address)
		if address == "" {
			return nil, badRequest("address is required")
		}
		if e.Auth.IsProtocolAddress(address) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "dev login refused for protocol address "+address, nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, address, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}

func registerChain(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-chain",
		Method:      http.MethodGet,
		Path:        "/chain",
		Summary:     "Ledger head and escrow audit",
	}, func(ctx context.Context, _ *struct{}) (*Output[ChainResponse], error) {
		head, err := e.Head(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		held, owed, err := e.Escrow.Audit(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ChainResponse{Head: head, EscrowHeld: held.String(), EscrowOwed: owed.String()}), nil
	})
}

func registerWallets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-wallets",
		Method:      http.MethodGet,
		Path:        "/wallets",
		Summary:     "List funded wallets",
	}, func(ctx context.Context, _ *struct{}) (*Output[[]domain.Wallet], error) {
		items, err := e.Wallets(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-wallet",
		Method:      http.MethodGet,
		Path:        "/wallets/{address}",
		Summary:     "Wallet balance",
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
	}) (*Output[domain.Wallet], error) {
		w, err := e.Wallet(ctx, input.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(w), nil
	})
}

// registerDevTools exposes the faucet and block controls. Only mounted when
// the server runs in dev mode.
func registerDevTools(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "mine",
		Method:      http.MethodPost,
		Path:        "/chain/mine",
		Summary:     "Produce blocks",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body MineRequest `json:"body"`
	}) (*Output[domain.Head], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		blocks := input.Body.Blocks
		if blocks <= 0 {
			blocks = 1
		}
		head, err := e.Mine(ctx, caller, blocks)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(head), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-time",
		Method:      http.MethodPost,
		Path:        "/chain/advance",
		Summary:     "Advance chain time without mining",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body AdvanceRequest `json:"body"`
	}) (*Output[domain.Head], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Seconds <= 0 {
			return nil, badRequest("seconds must be positive")
		}
		head, err := e.AdvanceTime(ctx, caller, input.Body.Seconds)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(head), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fund-wallet",
		Method:      http.MethodPost,
		Path:        "/wallets/{address}/fund",
		Summary:     "Credit a wallet from the development faucet",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Address string      `path:"address"`
		Body    FundRequest `json:"body"`
	}) (*Output[domain.Wallet], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, perr := parseAmount("amount", input.Body.Amount)
		if perr != nil {
			return nil, perr
		}
		w, err := e.Fund(ctx, caller, input.Address, amount)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(w), nil
	})
}

func registerGigs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "mint-gig",
		Method:        http.MethodPost,
		Path:          "/gigs",
		Summary:       "Mint a gig owned by the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body MintGigRequest `json:"body"`
	}) (*Output[domain.Gig], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.Escrow.MintGig(ctx, caller, input.Body.URI)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-gig",
		Method:      http.MethodGet,
		Path:        "/gigs/{id}",
		Summary:     "Get gig",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *offerPath) (*Output[domain.Gig], error) {
		g, err := e.Escrow.Gig(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(g), nil
	})
}

func registerOffers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "send-offer",
		Method:        http.MethodPost,
		Path:          "/offers",
		Summary:       "Send an offer, escrowing the amount",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body SendOfferRequest `json:"body"`
	}) (*Output[domain.Offer], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, perr := parseAmount("amount", input.Body.Amount)
		if perr != nil {
			return nil, perr
		}
		o, err := e.Escrow.SendOffer(ctx, caller, input.Body.GigID, input.Body.Freelancer, input.Body.Terms, amount)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(o), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-offers",
		Method:      http.MethodGet,
		Path:        "/offers",
		Summary:     "List offers",
	}, func(ctx context.Context, input *struct {
		Party string `query:"party" doc:"Client or freelancer address"`
		State string `query:"state" enum:"proposed,approved,disputed,completed,withdrawn"`
		Limit int    `query:"limit" default:"50"`
	}) (*Output[[]domain.Offer], error) {
		items, err := e.Escrow.Offers(ctx, repo.OfferFilters{Party: input.Party, State: input.State, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-offer",
		Method:      http.MethodGet,
		Path:        "/offers/{id}",
		Summary:     "Get offer",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *offerPath) (*Output[domain.Offer], error) {
		o, err := e.Escrow.Offer(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(o), nil
	})

	transitions := []struct {
		id, path, summary string
		fn                func(ctx context.Context, caller string, offerID int64) (domain.Offer, error)
	}{
		{"approve-offer", "/offers/{id}/approve", "Freelancer accepts the offer", e.Escrow.ApproveOffer},
		{"complete-offer", "/offers/{id}/complete", "Client releases payment to the freelancer", e.Escrow.CompleteOffer},
		{"withdraw-offer", "/offers/{id}/withdraw", "Client withdraws a proposed offer", e.Escrow.WithdrawOffer},
		{"claim-disputed-funds", "/offers/{id}/disputed-funds", "Release funds of a resolved dispute (governance only)", e.Escrow.ClaimDisputedFunds},
	}
	for _, t := range transitions {
		fn := t.fn
		huma.Register(api, huma.Operation{
			OperationID: t.id,
			Method:      http.MethodPost,
			Path:        t.path,
			Summary:     t.summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *offerPath) (*Output[domain.Offer], error) {
			caller, authErr := callerFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			o, err := fn(ctx, caller, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(o), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID:   "dispute-offer",
		Method:        http.MethodPost,
		Path:          "/offers/{id}/dispute",
		Summary:       "Raise a dispute and open its governance proposal",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64          `path:"id"`
		Body DisputeRequest `json:"body"`
	}) (*Output[domain.Dispute], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Escrow.DisputeContract(ctx, caller, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})
}

func registerDisputes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-dispute",
		Method:      http.MethodGet,
		Path:        "/disputes/{id}",
		Summary:     "Get dispute",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *offerPath) (*Output[domain.Dispute], error) {
		d, err := e.Escrow.Dispute(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})
}

func registerBoosts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "boost-profile",
		Method:        http.MethodPost,
		Path:          "/boosts",
		Summary:       "Pay the treasury to boost the caller's profile",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body BoostRequest `json:"body"`
	}) (*Output[domain.Boost], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payment, perr := parseAmount("payment", input.Body.Payment)
		if perr != nil {
			return nil, perr
		}
		b, err := e.Escrow.BoostProfile(ctx, caller, input.Body.Tier, payment)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-boosts",
		Method:      http.MethodGet,
		Path:        "/boosts",
		Summary:     "List profile boosts",
	}, func(ctx context.Context, input *struct {
		Freelancer string `query:"freelancer"`
	}) (*Output[[]domain.Boost], error) {
		items, err := e.Escrow.Boosts(ctx, input.Freelancer)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})
}
