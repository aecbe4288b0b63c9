package governance

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/sha3"

	"freelanco/internal/domain"
)

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// DescriptionHash is the 0x-prefixed keccak256 of a proposal description.
func DescriptionHash(description string) string {
	return "0x" + hex.EncodeToString(keccak256([]byte(description)))
}

// HashProposal derives the proposal id from the canonical JSON of the
// bundle's calls and description hash.
func HashProposal(b domain.Bundle) (string, error) {
	if err := b.Validate(); err != nil {
		return "", fmt.Errorf("%s: %w", err, domain.ErrInvalidProposal)
	}
	data, err := json.Marshal(struct {
		Targets         []string `json:"targets"`
		Values          []string `json:"values"`
		Calldatas       []string `json:"calldatas"`
		DescriptionHash string   `json:"descriptionHash"`
	}{b.Targets, b.Values, b.Calldatas, DescriptionHash(b.Description)})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize proposal: %w", err)
	}
	return "0x" + hex.EncodeToString(keccak256(canonical)), nil
}

// DeriveState computes a proposal's state at block. It is never stored.
func DeriveState(p domain.Proposal, block int64) string {
	switch {
	case p.Canceled:
		return domain.ProposalCanceled
	case p.Executed:
		return domain.ProposalExecuted
	case block <= p.VotingDelayEnds:
		return domain.ProposalPending
	case block <= p.VotingPeriodEnds:
		return domain.ProposalActive
	case p.Tally.For+p.Tally.Abstain < p.Quorum, p.Tally.Against >= p.Tally.For:
		return domain.ProposalDefeated
	case p.Queued:
		return domain.ProposalQueued
	default:
		return domain.ProposalSucceeded
	}
}

func quorumFor(totalWeight, percentage int64) int64 {
	n := totalWeight * percentage
	return (n + 99) / 100
}
