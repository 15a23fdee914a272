package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

var units = map[string]*big.Int{
	"wei":   big.NewInt(params.Wei),
	"gwei":  big.NewInt(params.GWei),
	"ether": big.NewInt(params.Ether),
	"eth":   big.NewInt(params.Ether),
}

// ParseAmount parses a decimal amount with an optional unit suffix, e.g.
// "10000", "1 gwei" or "0.01 ether". Bare numbers are wei. The result must
// be a whole number of wei.
func ParseAmount(s string) (*big.Int, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(s)))
	var number, unit string
	switch len(fields) {
	case 1:
		number, unit = fields[0], "wei"
	case 2:
		number, unit = fields[0], fields[1]
	default:
		return nil, fmt.Errorf("invalid amount %q", s)
	}

	multiplier, ok := units[unit]
	if !ok {
		return nil, fmt.Errorf("invalid amount %q: unknown unit %q", s, unit)
	}
	value, ok := new(big.Rat).SetString(number)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q: negative", s)
	}
	value.Mul(value, new(big.Rat).SetInt(multiplier))
	if !value.IsInt() {
		return nil, fmt.Errorf("invalid amount %q: not a whole number of wei", s)
	}
	return new(big.Int).Set(value.Num()), nil
}

// FormatAmount renders wei as ether with trailing zeros trimmed.
func FormatAmount(wei *big.Int) string {
	if wei == nil {
		return "0 ether"
	}
	r := new(big.Rat).SetFrac(wei, big.NewInt(params.Ether))
	s := r.FloatString(18)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s + " ether"
}
