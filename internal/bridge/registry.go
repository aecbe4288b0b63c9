package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"freelanco/internal/config"
	"freelanco/internal/domain"
	"freelanco/internal/engine/auth"
	"freelanco/internal/events"
	"freelanco/internal/ledger"
	"freelanco/internal/metrics"
	"freelanco/internal/repo"
)

// Outcome is what a consumer did with a fulfillment. Status is the final
// request status to record: fulfilled, or timed out when the result arrived
// too late to count.
type Outcome struct {
	Status string
	// Vote is set when the result was counted.
	Vote *domain.Vote
}

// Consumer receives fulfillments for the requests it sent.
type Consumer interface {
	FulfillRequest(ctx context.Context, tx *sql.Tx, req domain.ComputeRequest, result, errBlob []byte) (Outcome, error)
	// RequestExpired is called instead when the registry drops a report that
	// arrived after the request timeout.
	RequestExpired(ctx context.Context, tx *sql.Tx, req domain.ComputeRequest) error
}

// Registry is the oracle network's on-ledger endpoint: it validates billing
// subscriptions on send and forwards transmitter reports to consumers.
type Registry struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Ledger    ledger.Ledger
	Auth      auth.Service
	Config    *config.Config
	Consumers map[string]Consumer
	Metrics   *metrics.Collectors
	Logger    *slog.Logger
}

func (r Registry) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r Registry) checkSubscription(consumer string, id uint64) error {
	for _, sub := range r.Config.Compute.Subscriptions {
		if sub.ID != id {
			continue
		}
		for _, c := range sub.Consumers {
			if c == consumer {
				return nil
			}
		}
		return fmt.Errorf("consumer %s not on subscription %d: %w", consumer, id, domain.ErrInvalidSubscription)
	}
	return fmt.Errorf("subscription %d: %w", id, domain.ErrInvalidSubscription)
}

// Send records a compute request for consumer on behalf of proposalID.
func (r Registry) Send(ctx context.Context, tx *sql.Tx, consumer, proposalID string, env Envelope) (domain.ComputeRequest, error) {
	if err := r.checkSubscription(consumer, env.SubscriptionID); err != nil {
		return domain.ComputeRequest{}, err
	}
	if env.GasLimit > r.Config.Compute.MaxGasLimit {
		return domain.ComputeRequest{}, fmt.Errorf("gas limit %d above %d: %w", env.GasLimit, r.Config.Compute.MaxGasLimit, domain.ErrGasLimitTooBig)
	}
	head, err := r.Ledger.Head(ctx, tx)
	if err != nil {
		return domain.ComputeRequest{}, err
	}
	req := domain.ComputeRequest{
		ID:             uuid.NewString(),
		ProposalID:     proposalID,
		Consumer:       consumer,
		Source:         env.Source,
		Secrets:        env.Secrets,
		Args:           env.Args,
		SubscriptionID: env.SubscriptionID,
		GasLimit:       env.GasLimit,
		Status:         domain.RequestSent,
		RequestedAt:    head.Time,
	}
	if err := r.Repo.InsertComputeRequest(ctx, tx, req); err != nil {
		return domain.ComputeRequest{}, err
	}
	if err := r.Events.Append(ctx, tx, events.ComputeRequested, "compute_request", req.ID, consumer, events.EventPayload{
		"proposal_id":     proposalID,
		"subscription_id": env.SubscriptionID,
		"gas_limit":       env.GasLimit,
		"args":            env.Args,
	}); err != nil {
		return domain.ComputeRequest{}, err
	}
	return req, nil
}

// FulfillAndBill delivers a transmitter's report. Requests older than the
// configured timeout are closed as timed out without reaching the consumer.
func (r Registry) FulfillAndBill(ctx context.Context, transmitter, requestID string, result, errBlob []byte) (domain.ComputeRequest, error) {
	if err := r.Auth.RequireTransmitter(transmitter); err != nil {
		return domain.ComputeRequest{}, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ComputeRequest{}, err
	}
	defer tx.Rollback()

	req, err := r.Repo.GetComputeRequest(ctx, tx, requestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ComputeRequest{}, fmt.Errorf("compute request %s: %w", requestID, domain.ErrRequestNotPending)
		}
		return domain.ComputeRequest{}, err
	}
	if req.Status != domain.RequestSent {
		return domain.ComputeRequest{}, fmt.Errorf("compute request %s is %s: %w", requestID, req.Status, domain.ErrRequestNotPending)
	}
	head, err := r.Ledger.Head(ctx, tx)
	if err != nil {
		return domain.ComputeRequest{}, err
	}
	now := head.Time
	req.FulfilledAt = &now
	req.Result = HexBytes(result)
	req.Error = string(errBlob)

	consumer, ok := r.Consumers[req.Consumer]
	if !ok {
		return domain.ComputeRequest{}, fmt.Errorf("no consumer registered at %s", req.Consumer)
	}
	var outcome Outcome
	timeout := r.Config.Compute.RequestTimeoutSeconds
	if timeout > 0 && head.Time-req.RequestedAt > timeout {
		if err := consumer.RequestExpired(ctx, tx, req); err != nil {
			return domain.ComputeRequest{}, err
		}
		outcome.Status = domain.RequestTimedOut
	} else {
		outcome, err = consumer.FulfillRequest(ctx, tx, req, result, errBlob)
		if err != nil {
			return domain.ComputeRequest{}, err
		}
	}
	req.Status = outcome.Status
	if err := r.Repo.CloseComputeRequest(ctx, tx, req); err != nil {
		return domain.ComputeRequest{}, err
	}
	evtType := events.ComputeFulfilled
	if req.Status == domain.RequestTimedOut {
		evtType = events.ComputeTimedOut
	}
	if err := r.Events.Append(ctx, tx, evtType, "compute_request", req.ID, transmitter, events.EventPayload{
		"proposal_id": req.ProposalID,
		"result":      req.Result,
		"error":       req.Error,
	}); err != nil {
		return domain.ComputeRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ComputeRequest{}, err
	}
	r.Metrics.ComputeFulfillment(req.Status)
	if v := outcome.Vote; v != nil {
		r.Metrics.VoteCast(v.Source, v.Support)
	}
	r.logger().Info("compute request closed", "request_id", req.ID, "proposal_id", req.ProposalID, "status", req.Status)
	return req, nil
}

func (r Registry) Request(ctx context.Context, id string) (domain.ComputeRequest, error) {
	return r.Repo.GetComputeRequest(ctx, nil, id)
}
