package domain

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Privileged methods reachable through governance execution.
const (
	MethodHandleDispute    = "handleDispute"
	MethodGetDisputedFunds = "getDisputedFunds"
	MethodWithdraw         = "withdraw"
	MethodReopenDispute    = "reopenDispute"
	MethodCredit           = "credit"
	MethodDebit            = "debit"
	MethodPenalize         = "penalize"
	MethodWithdrawFees     = "withdrawFees"
)

// Call is the decoded form of one calldata entry.
type Call struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

type HandleDisputeArgs struct {
	OfferID int64  `json:"offer_id"`
	Winner  string `json:"winner"`
}

type OfferArgs struct {
	OfferID int64 `json:"offer_id"`
}

type WithdrawArgs struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type ReputationArgs struct {
	Holder string `json:"holder"`
	Amount int64  `json:"amount"`
}

type RecipientArgs struct {
	Recipient string `json:"recipient"`
}

// EncodeCall renders method and args as canonical JSON calldata.
func EncodeCall(method string, args any) (string, error) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode %s args: %w", method, err)
	}
	data, err := json.Marshal(Call{Method: method, Args: rawArgs})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize %s call: %w", method, err)
	}
	return string(canonical), nil
}

// DecodeCall parses calldata produced by EncodeCall.
func DecodeCall(calldata string) (Call, error) {
	var c Call
	if err := json.Unmarshal([]byte(calldata), &c); err != nil {
		return Call{}, fmt.Errorf("decode calldata: %w", err)
	}
	if c.Method == "" {
		return Call{}, fmt.Errorf("decode calldata: method missing")
	}
	return c, nil
}

// DecodeArgs unmarshals call arguments into dst.
func (c Call) DecodeArgs(dst any) error {
	if err := json.Unmarshal(c.Args, dst); err != nil {
		return fmt.Errorf("decode %s args: %w", c.Method, err)
	}
	return nil
}

// Bundle is the ordered call set a proposal executes.
type Bundle struct {
	Targets     []string `json:"targets"`
	Values      []string `json:"values"`
	Calldatas   []string `json:"calldatas"`
	Description string   `json:"description"`
}

// Validate checks that the parallel slices line up.
func (b Bundle) Validate() error {
	if len(b.Targets) == 0 {
		return fmt.Errorf("bundle requires at least one call")
	}
	if len(b.Targets) != len(b.Values) || len(b.Targets) != len(b.Calldatas) {
		return fmt.Errorf("bundle length mismatch: %d targets, %d values, %d calldatas", len(b.Targets), len(b.Values), len(b.Calldatas))
	}
	return nil
}

// Add appends one call with zero value.
func (b *Bundle) Add(target, method string, args any) error {
	data, err := EncodeCall(method, args)
	if err != nil {
		return err
	}
	b.Targets = append(b.Targets, target)
	b.Values = append(b.Values, "0")
	b.Calldatas = append(b.Calldatas, data)
	return nil
}

// ResolutionBundle builds the calls that settle a dispute in favour of
// winner: record the outcome, release the escrowed funds, then adjust
// reputation. The loser's penalty is capped at their score when executed.
// Zero reputation deltas are omitted.
func ResolutionBundle(escrow, reputation string, offerID int64, winner, loser string, reward, penalty int64) (Bundle, error) {
	var b Bundle
	if err := b.Add(escrow, MethodHandleDispute, HandleDisputeArgs{OfferID: offerID, Winner: winner}); err != nil {
		return Bundle{}, err
	}
	if err := b.Add(escrow, MethodGetDisputedFunds, OfferArgs{OfferID: offerID}); err != nil {
		return Bundle{}, err
	}
	if reward > 0 {
		if err := b.Add(reputation, MethodCredit, ReputationArgs{Holder: winner, Amount: reward}); err != nil {
			return Bundle{}, err
		}
	}
	if penalty > 0 {
		if err := b.Add(reputation, MethodPenalize, ReputationArgs{Holder: loser, Amount: penalty}); err != nil {
			return Bundle{}, err
		}
	}
	return b, nil
}
