// Package randomness is the boundary to the verifiable randomness service.
package randomness

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// Coordinator accepts randomness requests and later fulfills them out of band.
type Coordinator interface {
	RequestRandomWords(ctx context.Context, consumer string, numWords uint32) (string, error)
}

// LocalCoordinator issues request ids for a coordinator running in-process
// or behind the event relay. It never fulfills synchronously.
type LocalCoordinator struct{}

func (LocalCoordinator) RequestRandomWords(_ context.Context, consumer string, numWords uint32) (string, error) {
	if consumer == "" || numWords == 0 {
		return "", fmt.Errorf("invalid randomness request")
	}
	return uuid.NewString(), nil
}

var wordBound = new(big.Int).Lsh(big.NewInt(1), 256)

// Words draws n uniform 256-bit words.
func Words(n int) ([]*big.Int, error) {
	words := make([]*big.Int, 0, n)
	for i := 0; i < n; i++ {
		w, err := rand.Int(rand.Reader, wordBound)
		if err != nil {
			return nil, fmt.Errorf("draw random word: %w", err)
		}
		words = append(words, w)
	}
	return words, nil
}
