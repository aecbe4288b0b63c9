// Package bridge carries off-chain compute requests from the governor to the
// oracle network and their results back.
package bridge

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/nacl/box"
)

// Envelope is the request payload handed to the oracle registry.
type Envelope struct {
	Source         string   `json:"source"`
	Secrets        string   `json:"secrets,omitempty" doc:"Hex sealed box of the JSON secrets map"`
	Args           []string `json:"args"`
	SubscriptionID uint64   `json:"subscription_id"`
	GasLimit       uint32   `json:"gas_limit"`
}

// GenerateKeys returns a hex encoded DON key pair.
func GenerateKeys() (public, private string, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate DON keys: %w", err)
	}
	return hex.EncodeToString(pub[:]), hex.EncodeToString(priv[:]), nil
}

func parseKey(raw string) (*[32]byte, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(data) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(data))
	}
	var key [32]byte
	copy(key[:], data)
	return &key, nil
}

// BuildRequest assembles an envelope, sealing secrets to the DON public key.
// Empty secrets are omitted.
func BuildRequest(source string, secrets map[string]string, args []string, subscriptionID uint64, gasLimit uint32, donPublicKey string) (Envelope, error) {
	if strings.TrimSpace(source) == "" {
		return Envelope{}, errors.New("request source required")
	}
	env := Envelope{
		Source:         source,
		Args:           append([]string{}, args...),
		SubscriptionID: subscriptionID,
		GasLimit:       gasLimit,
	}
	if len(secrets) == 0 {
		return env, nil
	}
	pub, err := parseKey(donPublicKey)
	if err != nil {
		return Envelope{}, fmt.Errorf("DON public key: %w", err)
	}
	plain, err := json.Marshal(secrets)
	if err != nil {
		return Envelope{}, err
	}
	sealed, err := box.SealAnonymous(nil, plain, pub, rand.Reader)
	if err != nil {
		return Envelope{}, fmt.Errorf("seal secrets: %w", err)
	}
	env.Secrets = "0x" + hex.EncodeToString(sealed)
	return env, nil
}

// OpenSecrets decrypts secrets sealed by BuildRequest.
func OpenSecrets(sealedHex, donPublicKey, donPrivateKey string) (map[string]string, error) {
	if sealedHex == "" {
		return map[string]string{}, nil
	}
	pub, err := parseKey(donPublicKey)
	if err != nil {
		return nil, fmt.Errorf("DON public key: %w", err)
	}
	priv, err := parseKey(donPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("DON private key: %w", err)
	}
	sealed, err := hex.DecodeString(strings.TrimPrefix(sealedHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode secrets: %w", err)
	}
	plain, ok := box.OpenAnonymous(nil, sealed, pub, priv)
	if !ok {
		return nil, errors.New("secrets were not sealed to this DON key")
	}
	var secrets map[string]string
	if err := json.Unmarshal(plain, &secrets); err != nil {
		return nil, fmt.Errorf("decode secrets: %w", err)
	}
	return secrets, nil
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// EncodeUint256 renders v as a 32-byte big-endian word.
func EncodeUint256(v *big.Int) ([]byte, error) {
	if v == nil || v.Sign() < 0 || v.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("value out of uint256 range")
	}
	return v.FillBytes(make([]byte, 32)), nil
}

// DecodeUint256 parses a 32-byte big-endian word.
func DecodeUint256(data []byte) (*big.Int, error) {
	if len(data) != 32 {
		return nil, fmt.Errorf("uint256 must be 32 bytes, got %d", len(data))
	}
	return new(big.Int).SetBytes(data), nil
}

// HexBytes renders data with a 0x prefix; empty input stays empty.
func HexBytes(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(data)
}

// ParseHexBytes accepts "", "0x" or 0x-prefixed hex.
func ParseHexBytes(raw string) ([]byte, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, nil
	}
	return hex.DecodeString(raw)
}
