// Package reputation keeps the non-transferable participant scores. Scores
// change only through governance execution and never drop below zero.
package reputation

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"freelanco/internal/config"
	"freelanco/internal/domain"
	"freelanco/internal/engine/auth"
	"freelanco/internal/events"
	"freelanco/internal/metrics"
	"freelanco/internal/repo"
)

type Ledger struct {
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Service
	Config  *config.Config
	Metrics *metrics.Collectors
	Logger  *slog.Logger
	Now     func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

func (l Ledger) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

// Score returns the current score of holder.
func (l Ledger) Score(ctx context.Context, tx *sql.Tx, holder string) (int64, error) {
	return l.Repo.GetReputation(ctx, tx, holder)
}

func (l Ledger) checkDelta(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("invalid reputation delta %d", amount)
	}
	if l.Config != nil && amount > l.Config.Reputation.MaxDelta {
		return fmt.Errorf("invalid reputation delta %d: exceeds max %d", amount, l.Config.Reputation.MaxDelta)
	}
	return nil
}

// Credit adds amount to holder's score. Only the governance executor may call it.
func (l Ledger) Credit(ctx context.Context, tx *sql.Tx, caller, holder string, amount int64) (int64, error) {
	if err := l.Auth.RequireOwner(caller); err != nil {
		return 0, err
	}
	if err := l.checkDelta(amount); err != nil {
		return 0, err
	}
	score, err := l.Repo.GetReputation(ctx, tx, holder)
	if err != nil {
		return 0, err
	}
	next := score + amount
	if err := l.Repo.SetReputation(ctx, tx, holder, next, l.now().UTC().Format(time.RFC3339)); err != nil {
		return 0, err
	}
	if err := l.Events.Append(ctx, tx, events.ReputationCredited, "reputation", holder, caller, events.EventPayload{
		"amount": amount,
		"score":  next,
	}); err != nil {
		return 0, err
	}
	l.Metrics.ReputationChanged("credit")
	return next, nil
}

// Debit subtracts amount from holder's score. The score clamps at zero unless
// strict debit is configured, in which case an overdraft fails.
func (l Ledger) Debit(ctx context.Context, tx *sql.Tx, caller, holder string, amount int64) (int64, error) {
	strict := l.Config != nil && l.Config.Reputation.StrictDebit
	return l.debit(ctx, tx, caller, holder, amount, strict)
}

// Penalize debits at most holder's current score. Dispute outcomes use it so
// a loser with little reputation cannot block the resolution.
func (l Ledger) Penalize(ctx context.Context, tx *sql.Tx, caller, holder string, amount int64) (int64, error) {
	return l.debit(ctx, tx, caller, holder, amount, false)
}

func (l Ledger) debit(ctx context.Context, tx *sql.Tx, caller, holder string, amount int64, strict bool) (int64, error) {
	if err := l.Auth.RequireOwner(caller); err != nil {
		return 0, err
	}
	if err := l.checkDelta(amount); err != nil {
		return 0, err
	}
	score, err := l.Repo.GetReputation(ctx, tx, holder)
	if err != nil {
		return 0, err
	}
	next := score - amount
	if next < 0 {
		if strict {
			return 0, fmt.Errorf("debit %d from %s with score %d: %w", amount, holder, score, domain.ErrInsufficientReputation)
		}
		l.logger().Info("reputation debit clamped", "holder", holder, "score", score, "amount", amount)
		next = 0
	}
	if err := l.Repo.SetReputation(ctx, tx, holder, next, l.now().UTC().Format(time.RFC3339)); err != nil {
		return 0, err
	}
	if err := l.Events.Append(ctx, tx, events.ReputationDebited, "reputation", holder, caller, events.EventPayload{
		"amount":  amount,
		"applied": score - next,
		"score":   next,
	}); err != nil {
		return 0, err
	}
	l.Metrics.ReputationChanged("debit")
	return next, nil
}

// Invoke dispatches a governance call to the ledger.
func (l Ledger) Invoke(ctx context.Context, tx *sql.Tx, caller string, call domain.Call) error {
	var args domain.ReputationArgs
	switch call.Method {
	case domain.MethodCredit:
		if err := call.DecodeArgs(&args); err != nil {
			return err
		}
		_, err := l.Credit(ctx, tx, caller, args.Holder, args.Amount)
		return err
	case domain.MethodDebit:
		if err := call.DecodeArgs(&args); err != nil {
			return err
		}
		_, err := l.Debit(ctx, tx, caller, args.Holder, args.Amount)
		return err
	case domain.MethodPenalize:
		if err := call.DecodeArgs(&args); err != nil {
			return err
		}
		_, err := l.Penalize(ctx, tx, caller, args.Holder, args.Amount)
		return err
	default:
		return fmt.Errorf("reputation: unknown method %q", call.Method)
	}
}
