package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"freelanco/internal/domain"
	"freelanco/internal/repo"
)

const apiKeyPrefix = "flk_"

// CreateAPIKey issues a key acting as address. Only the hash is stored; the
// plaintext is returned once.
func (e Engine) CreateAPIKey(ctx context.Context, address, name string) (domain.APIKey, string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return domain.APIKey{}, "", errors.New("address required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   address,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.Now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	e.Logger.Info("api key created", "id", key.ID, "address", address)
	return key, plain, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, address string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, address)
}

func (e Engine) RevokeAPIKey(ctx context.Context, id string) error {
	if err := e.Repo.DeleteAPIKey(ctx, id); err != nil {
		return err
	}
	e.Logger.Info("api key revoked", "id", id)
	return nil
}
