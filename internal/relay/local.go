package relay

import (
	"context"
	"log/slog"

	"freelanco/internal/bridge"
	"freelanco/internal/domain"
	"freelanco/internal/events"
)

// RandomnessFulfiller answers a randomness request as the coordinator.
type RandomnessFulfiller interface {
	FulfillRandomness(ctx context.Context, requestID string) (domain.Credential, error)
}

// LocalVRF stands in for the randomness coordinator.
type LocalVRF struct {
	Fulfiller RandomnessFulfiller
	Logger    *slog.Logger
}

func (LocalVRF) Name() string { return "local-vrf" }

func (LocalVRF) Accept(eventType string) bool { return eventType == events.RandomnessRequested }

func (LocalVRF) Replay() bool { return true }

func (v LocalVRF) Deliver(ctx context.Context, evt domain.Event) error {
	cred, err := v.Fulfiller.FulfillRandomness(ctx, evt.EntityID)
	if domain.IsState(err) {
		return nil
	}
	if err != nil {
		return err
	}
	logger(v.Logger).Info("randomness fulfilled", "request_id", evt.EntityID, "credential_id", cred.ID, "tier", cred.Tier)
	return nil
}

// ComputeRegistry is the registry surface the local oracle drives.
type ComputeRegistry interface {
	Request(ctx context.Context, id string) (domain.ComputeRequest, error)
	FulfillAndBill(ctx context.Context, transmitter, requestID string, result, errBlob []byte) (domain.ComputeRequest, error)
}

// LocalOracle stands in for the oracle network: it runs each request on a
// node and reports back as a transmitter.
type LocalOracle struct {
	Registry    ComputeRegistry
	Node        bridge.Node
	Transmitter string
	Logger      *slog.Logger
}

func (LocalOracle) Name() string { return "local-oracle" }

func (LocalOracle) Accept(eventType string) bool { return eventType == events.ComputeRequested }

func (LocalOracle) Replay() bool { return true }

func (o LocalOracle) Deliver(ctx context.Context, evt domain.Event) error {
	req, err := o.Registry.Request(ctx, evt.EntityID)
	if err != nil {
		return err
	}
	if req.Status != domain.RequestSent {
		return nil
	}
	result, errBlob := o.Node.Run(ctx, req)
	closed, err := o.Registry.FulfillAndBill(ctx, o.Transmitter, req.ID, result, errBlob)
	if domain.IsState(err) {
		return nil
	}
	if err != nil {
		return err
	}
	logger(o.Logger).Info("compute request fulfilled", "request_id", closed.ID, "status", closed.Status, "error", closed.Error)
	return nil
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
