package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"freelanco/internal/domain"
	"freelanco/internal/llm"
)

// SecretAPIKey is the secrets entry holding the LLM API key.
const SecretAPIKey = "openaiKey"

// Completer is the LLM call made by the node.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// Node is the off-chain executor: it opens the request secrets, asks the LLM
// to classify the dispute transcript in args[0] and encodes the verdict.
type Node struct {
	PublicKey  string
	PrivateKey string
	LLM        Completer
	Logger     *slog.Logger
}

// Classify maps a completion onto a vote: 0 when it sides with the client,
// 1 otherwise.
func Classify(completion string) int64 {
	if strings.Contains(strings.ToLower(completion), "client") {
		return domain.VoteAgainst
	}
	return domain.VoteFor
}

// Run executes req and returns exactly one of result or errBlob.
func (n Node) Run(ctx context.Context, req domain.ComputeRequest) (result, errBlob []byte) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	verdict, err := n.run(ctx, req)
	if err != nil {
		logger.Warn("compute request failed", "request_id", req.ID, "error", err)
		return nil, []byte(err.Error())
	}
	encoded, err := EncodeUint256(big.NewInt(verdict))
	if err != nil {
		return nil, []byte(err.Error())
	}
	logger.Info("compute request executed", "request_id", req.ID, "verdict", verdict)
	return encoded, nil
}

func (n Node) run(ctx context.Context, req domain.ComputeRequest) (int64, error) {
	if n.LLM == nil {
		return 0, errors.New("no LLM configured")
	}
	if len(req.Args) == 0 || strings.TrimSpace(req.Args[0]) == "" {
		return 0, errors.New("prompt argument missing")
	}
	secrets, err := OpenSecrets(req.Secrets, n.PublicKey, n.PrivateKey)
	if err != nil {
		return 0, err
	}
	text, err := n.LLM.Complete(ctx, llm.Request{
		Prompt:      req.Args[0],
		APIKey:      secrets[SecretAPIKey],
		MaxTokens:   2,
		Temperature: 1,
	})
	if err != nil {
		return 0, fmt.Errorf("llm: %w", err)
	}
	return Classify(text), nil
}
