package app

import (
	"context"
	"errors"
	"fmt"

	"freelanco/internal/bridge"
	"freelanco/internal/config"
	"freelanco/internal/repo"
)

// ResolveConfig returns the protocol config stored in the DB, seeding it on
// first use from freelanco.yml in the workspace or the built-in defaults.
// A config without DON keys gets a fresh pair before it is stored.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if seed == nil {
		seed = config.Default()
	}
	if err := StoreConfig(ctx, r, seed); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return seed, nil
}

// StoreConfig validates cfg, fills missing DON keys and makes it the active
// config.
func StoreConfig(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	if cfg.Compute.DONPublicKey == "" || cfg.Compute.DONPrivateKey == "" {
		pub, priv, err := bridge.GenerateKeys()
		if err != nil {
			return fmt.Errorf("generate DON keys: %w", err)
		}
		cfg.Compute.DONPublicKey, cfg.Compute.DONPrivateKey = pub, priv
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return r.UpsertConfig(ctx, nil, cfg)
}
