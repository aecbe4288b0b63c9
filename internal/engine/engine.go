// Package engine wires the protocol components over one database and exposes
// the chain and wallet operations shared by the CLI and the HTTP server.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"freelanco/internal/bridge"
	"freelanco/internal/config"
	"freelanco/internal/credential"
	"freelanco/internal/domain"
	"freelanco/internal/engine/auth"
	"freelanco/internal/escrow"
	"freelanco/internal/events"
	"freelanco/internal/governance"
	"freelanco/internal/ledger"
	"freelanco/internal/metrics"
	"freelanco/internal/policy"
	"freelanco/internal/randomness"
	"freelanco/internal/repo"
	"freelanco/internal/reputation"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *slog.Logger

	Ledger     ledger.Ledger
	Auth       auth.Service
	Reputation reputation.Ledger
	Issuer     credential.Issuer
	Escrow     escrow.Engine
	Governor   governance.Governor
	Registry   bridge.Registry
	Metrics    *metrics.Collectors
}

// Options override the defaults used by New.
type Options struct {
	Logger      *slog.Logger
	Metrics     *metrics.Collectors
	Coordinator randomness.Coordinator
	Now         func() time.Time
}

// New builds every component against db and cfg. Components refer to each
// other through the shared target and consumer maps, filled last.
func New(db *sql.DB, cfg *config.Config, opts Options) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	coordinator := opts.Coordinator
	if coordinator == nil {
		coordinator = randomness.LocalCoordinator{}
	}
	grants, err := policy.NewGrantEvaluator()
	if err != nil {
		return Engine{}, err
	}
	if err := grants.Check(cfg.Grants.Policy); err != nil {
		return Engine{}, fmt.Errorf("config.grants.policy: %w", err)
	}

	r := repo.Repo{DB: db}
	w := events.Writer{DB: db, Now: now}
	l := ledger.Ledger{Repo: r, Now: now, BlockTime: cfg.Protocol.BlockTimeSeconds}
	a := auth.Service{Config: cfg}
	m := opts.Metrics

	rep := reputation.Ledger{Repo: r, Events: w, Auth: a, Config: cfg, Metrics: m, Logger: logger.With("component", "reputation"), Now: now}
	issuer := credential.Issuer{
		DB: db, Repo: r, Events: w, Ledger: l, Auth: a, Config: cfg,
		Coordinator: coordinator, Metrics: m, Logger: logger.With("component", "issuer"), Now: now,
	}
	targets := map[string]governance.Target{}
	consumers := map[string]bridge.Consumer{}
	registry := bridge.Registry{
		DB: db, Repo: r, Events: w, Ledger: l, Auth: a, Config: cfg,
		Consumers: consumers, Metrics: m, Logger: logger.With("component", "registry"),
	}
	gov := governance.Governor{
		DB: db, Repo: r, Events: w, Ledger: l, Auth: a, Config: cfg,
		Power: issuer, Reputation: rep, Policy: grants, Compute: registry, Targets: targets,
		Metrics: m, Logger: logger.With("component", "governor"), Now: now,
	}
	esc := escrow.Engine{
		DB: db, Repo: r, Events: w, Ledger: l, Auth: a, Config: cfg,
		Proposer: gov, Metrics: m, Logger: logger.With("component", "escrow"), Now: now,
	}
	targets[cfg.Addresses.Escrow] = esc
	targets[cfg.Addresses.Reputation] = rep
	targets[cfg.Addresses.Issuer] = issuer
	consumers[cfg.Addresses.Governor] = gov

	return Engine{
		DB:         db,
		Repo:       r,
		Events:     w,
		Config:     cfg,
		Now:        now,
		Logger:     logger,
		Ledger:     l,
		Auth:       a,
		Reputation: rep,
		Issuer:     issuer,
		Escrow:     esc,
		Governor:   gov,
		Registry:   registry,
		Metrics:    m,
	}, nil
}

func (e Engine) Head(ctx context.Context) (domain.Head, error) {
	return e.Ledger.Head(ctx, nil)
}

// Mine produces blocks, advancing chain time by the block time for each.
func (e Engine) Mine(ctx context.Context, actorID string, blocks int64) (domain.Head, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Head{}, err
	}
	defer tx.Rollback()
	head, err := e.Ledger.Mine(ctx, tx, blocks)
	if err != nil {
		return domain.Head{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ChainMined, "chain", strconv.FormatInt(head.Block, 10), actorID, events.EventPayload{
		"blocks": blocks,
		"time":   head.Time,
	}); err != nil {
		return domain.Head{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Head{}, err
	}
	return head, nil
}

// AdvanceTime moves chain time without mining, e.g. to pass a timelock.
func (e Engine) AdvanceTime(ctx context.Context, actorID string, seconds int64) (domain.Head, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Head{}, err
	}
	defer tx.Rollback()
	head, err := e.Ledger.AdvanceTime(ctx, tx, seconds)
	if err != nil {
		return domain.Head{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ChainMined, "chain", strconv.FormatInt(head.Block, 10), actorID, events.EventPayload{
		"seconds": seconds,
		"time":    head.Time,
	}); err != nil {
		return domain.Head{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Head{}, err
	}
	return head, nil
}

// Fund credits a wallet from the development faucet.
func (e Engine) Fund(ctx context.Context, actorID, address string, amount *big.Int) (domain.Wallet, error) {
	if address == "" {
		return domain.Wallet{}, errors.New("address required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Wallet{}, err
	}
	defer tx.Rollback()
	if err := e.Ledger.Mint(ctx, tx, address, amount); err != nil {
		return domain.Wallet{}, err
	}
	bal, err := e.Ledger.Balance(ctx, tx, address)
	if err != nil {
		return domain.Wallet{}, err
	}
	if err := e.Events.Append(ctx, tx, events.WalletFunded, "wallet", address, actorID, events.EventPayload{
		"amount":  amount.String(),
		"balance": bal.String(),
	}); err != nil {
		return domain.Wallet{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Wallet{}, err
	}
	return domain.Wallet{Address: address, Balance: bal.String()}, nil
}

func (e Engine) Wallet(ctx context.Context, address string) (domain.Wallet, error) {
	bal, err := e.Ledger.Balance(ctx, nil, address)
	if err != nil {
		return domain.Wallet{}, err
	}
	return domain.Wallet{Address: address, Balance: bal.String()}, nil
}

func (e Engine) Wallets(ctx context.Context) ([]domain.Wallet, error) {
	return e.Repo.ListBalances(ctx)
}

func (e Engine) ReputationOf(ctx context.Context, holder string) (domain.Reputation, error) {
	score, err := e.Reputation.Score(ctx, nil, holder)
	if err != nil {
		return domain.Reputation{}, err
	}
	return domain.Reputation{Holder: holder, Score: score}, nil
}

// FulfillRandomness draws fresh words and fulfills requestID as the
// configured coordinator. It backs the local VRF stand-in.
func (e Engine) FulfillRandomness(ctx context.Context, requestID string) (domain.Credential, error) {
	words, err := randomness.Words(1)
	if err != nil {
		return domain.Credential{}, err
	}
	return e.Issuer.FulfillRandomWords(ctx, e.Config.Addresses.VRFCoordinator, requestID, words)
}
