package domain

import (
	"fmt"
	"math/big"
	"strings"
)

var unitDecimals = []struct {
	suffix   string
	decimals int
}{
	{"gwei", 9},
	{"wei", 0},
	{"eth", 18},
}

// ParseAmount parses a non-negative amount in wei. Values may carry an
// eth, gwei or wei suffix; eth and gwei accept a decimal fraction.
func ParseAmount(s string) (*big.Int, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	if raw == "" {
		return nil, fmt.Errorf("invalid amount: empty")
	}
	decimals := 0
	for _, u := range unitDecimals {
		if strings.HasSuffix(raw, u.suffix) {
			raw = strings.TrimSpace(strings.TrimSuffix(raw, u.suffix))
			decimals = u.decimals
			break
		}
	}
	whole, frac, hasFrac := strings.Cut(raw, ".")
	if hasFrac && len(frac) > decimals {
		return nil, fmt.Errorf("invalid amount %q: too many decimal places", s)
	}
	if whole == "" {
		whole = "0"
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q: negative", s)
	}
	return v, nil
}

// MustAmount is ParseAmount for constants and tests.
func MustAmount(s string) *big.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatEther renders wei as a trimmed ether decimal.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	r := new(big.Rat).SetFrac(wei, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	out := r.FloatString(18)
	out = strings.TrimRight(out, "0")
	return strings.TrimSuffix(out, ".")
}
