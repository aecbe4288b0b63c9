// Package credential issues the tiered eligibility credentials that gate
// voting. Issuance is two-phase: a paid request, then a fulfillment from the
// randomness coordinator that decides the tier.
package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"freelanco/internal/config"
	"freelanco/internal/domain"
	"freelanco/internal/engine/auth"
	"freelanco/internal/events"
	"freelanco/internal/ledger"
	"freelanco/internal/metrics"
	"freelanco/internal/randomness"
	"freelanco/internal/repo"
)

const numWords = 1

type Issuer struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Ledger      ledger.Ledger
	Auth        auth.Service
	Config      *config.Config
	Coordinator randomness.Coordinator
	Metrics     *metrics.Collectors
	Logger      *slog.Logger
	Now         func() time.Time
}

func (i Issuer) now() string {
	if i.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return i.Now().UTC().Format(time.RFC3339)
}

func (i Issuer) logger() *slog.Logger {
	if i.Logger == nil {
		return slog.Default()
	}
	return i.Logger
}

// RequestNft charges the mint fee and asks the coordinator for randomness.
// The credential is minted later by FulfillRandomWords.
func (i Issuer) RequestNft(ctx context.Context, caller string, payment *big.Int) (domain.RandomnessRequest, error) {
	if caller == "" {
		return domain.RandomnessRequest{}, errors.New("caller required")
	}
	fee := i.Config.MintFee()
	if payment == nil || payment.Cmp(fee) < 0 {
		return domain.RandomnessRequest{}, fmt.Errorf("payment below mint fee %s: %w", fee, domain.ErrNeedMoreETHSent)
	}
	tx, err := i.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RandomnessRequest{}, err
	}
	defer tx.Rollback()

	if err := i.Ledger.Transfer(ctx, tx, caller, i.Config.Addresses.Issuer, payment); err != nil {
		return domain.RandomnessRequest{}, err
	}
	requestID, err := i.Coordinator.RequestRandomWords(ctx, i.Config.Addresses.Issuer, numWords)
	if err != nil {
		return domain.RandomnessRequest{}, fmt.Errorf("request randomness: %w", err)
	}
	req := domain.RandomnessRequest{
		ID:        requestID,
		Requester: caller,
		Payment:   payment.String(),
		Status:    domain.RequestSent,
		CreatedAt: i.now(),
	}
	if err := i.Repo.InsertRandomnessRequest(ctx, tx, req); err != nil {
		return domain.RandomnessRequest{}, err
	}
	if err := i.Events.Append(ctx, tx, events.RandomnessRequested, "randomness_request", requestID, caller, events.EventPayload{
		"requester": caller,
		"payment":   req.Payment,
		"num_words": numWords,
	}); err != nil {
		return domain.RandomnessRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RandomnessRequest{}, err
	}
	return req, nil
}

// FulfillRandomWords mints the credential for a pending request. Only the
// configured coordinator may call it, once per request.
func (i Issuer) FulfillRandomWords(ctx context.Context, caller, requestID string, words []*big.Int) (domain.Credential, error) {
	if err := i.Auth.RequireCoordinator(caller); err != nil {
		return domain.Credential{}, err
	}
	if len(words) == 0 || words[0] == nil || words[0].Sign() < 0 {
		return domain.Credential{}, errors.New("invalid random words")
	}
	tx, err := i.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Credential{}, err
	}
	defer tx.Rollback()

	req, err := i.Repo.GetRandomnessRequest(ctx, tx, requestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Credential{}, fmt.Errorf("randomness request %s: %w", requestID, domain.ErrRequestNotPending)
		}
		return domain.Credential{}, err
	}
	if req.Status != domain.RequestSent {
		return domain.Credential{}, fmt.Errorf("randomness request %s is %s: %w", requestID, req.Status, domain.ErrRequestNotPending)
	}
	tier := TierFor(words[0], i.Config.Tiers.Chances)
	cred := domain.Credential{
		Owner:     req.Requester,
		Tier:      tier,
		RequestID: req.ID,
		MintedAt:  i.now(),
	}
	id, err := i.Repo.InsertCredential(ctx, tx, cred)
	if err != nil {
		return domain.Credential{}, err
	}
	cred.ID = id
	if err := i.Repo.CompleteRandomnessRequest(ctx, tx, req.ID, id, cred.MintedAt); err != nil {
		return domain.Credential{}, err
	}
	if err := i.Events.Append(ctx, tx, events.NftMinted, "credential", fmt.Sprintf("%d", id), caller, events.EventPayload{
		"recipient":  cred.Owner,
		"tier":       tier,
		"request_id": req.ID,
	}); err != nil {
		return domain.Credential{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Credential{}, err
	}
	i.Metrics.CredentialMinted(tier)
	i.logger().Info("credential minted", "recipient", cred.Owner, "tier", tier, "request_id", req.ID)
	return cred, nil
}

// TierFor maps a random word onto cumulative chance pools over [0,100).
func TierFor(word *big.Int, chances []int64) int {
	roll := new(big.Int).Mod(word, big.NewInt(100)).Int64()
	for tier, upper := range chances {
		if roll < upper {
			return tier
		}
	}
	return len(chances) - 1
}

// WeightForTier returns the configured voting weight of a tier.
func (i Issuer) WeightForTier(tier int) int64 {
	if tier < 0 || tier >= len(i.Config.Tiers.Weights) {
		return 0
	}
	return i.Config.Tiers.Weights[tier]
}

// VotingWeight is the highest tier weight among holder's credentials; zero
// means holder is not eligible to vote.
func (i Issuer) VotingWeight(ctx context.Context, tx *sql.Tx, holder string) (int64, error) {
	creds, err := i.Repo.ListCredentials(ctx, tx, holder)
	if err != nil {
		return 0, err
	}
	var weight int64
	for _, c := range creds {
		if w := i.WeightForTier(c.Tier); w > weight {
			weight = w
		}
	}
	return weight, nil
}

// TotalWeight sums the weight of every minted credential.
func (i Issuer) TotalWeight(ctx context.Context, tx *sql.Tx) (int64, error) {
	counts, err := i.Repo.CountCredentialsByTier(ctx, tx)
	if err != nil {
		return 0, err
	}
	var total int64
	for tier, n := range counts {
		total += n * i.WeightForTier(tier)
	}
	return total, nil
}

// CredentialCount returns how many credentials holder owns.
func (i Issuer) CredentialCount(ctx context.Context, tx *sql.Tx, holder string) (int64, error) {
	creds, err := i.Repo.ListCredentials(ctx, tx, holder)
	if err != nil {
		return 0, err
	}
	return int64(len(creds)), nil
}

func (i Issuer) Credentials(ctx context.Context, owner string) ([]domain.Credential, error) {
	return i.Repo.ListCredentials(ctx, nil, owner)
}

func (i Issuer) Request(ctx context.Context, requestID string) (domain.RandomnessRequest, error) {
	return i.Repo.GetRandomnessRequest(ctx, nil, requestID)
}

// WithdrawFees sweeps collected mint fees to recipient. Governance only.
func (i Issuer) WithdrawFees(ctx context.Context, tx *sql.Tx, caller, recipient string) (*big.Int, error) {
	if err := i.Auth.RequireOwner(caller); err != nil {
		return nil, err
	}
	if recipient == "" {
		return nil, errors.New("recipient required")
	}
	bal, err := i.Ledger.Balance(ctx, tx, i.Config.Addresses.Issuer)
	if err != nil {
		return nil, err
	}
	if err := i.Ledger.Transfer(ctx, tx, i.Config.Addresses.Issuer, recipient, bal); err != nil {
		return nil, err
	}
	if err := i.Events.Append(ctx, tx, events.FeesWithdrawn, "issuer", i.Config.Addresses.Issuer, caller, events.EventPayload{
		"recipient": recipient,
		"amount":    bal.String(),
	}); err != nil {
		return nil, err
	}
	return bal, nil
}

// Invoke dispatches a governance call to the issuer.
func (i Issuer) Invoke(ctx context.Context, tx *sql.Tx, caller string, call domain.Call) error {
	switch call.Method {
	case domain.MethodWithdrawFees:
		var args domain.RecipientArgs
		if err := call.DecodeArgs(&args); err != nil {
			return err
		}
		_, err := i.WithdrawFees(ctx, tx, caller, args.Recipient)
		return err
	default:
		return fmt.Errorf("issuer: unknown method %q", call.Method)
	}
}
