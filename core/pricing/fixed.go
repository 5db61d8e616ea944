package pricing

import (
	"fmt"
	"math/big"
	"strings"
)

// RatToWad converts a rational rate into Wad fixed point, truncating toward
// zero. A nil rate yields nil.
func RatToWad(rate *big.Rat) *big.Int {
	if rate == nil {
		return nil
	}
	scaled := new(big.Int).Mul(rate.Num(), Wad)
	return scaled.Quo(scaled, rate.Denom())
}

// WadToRat converts a Wad fixed-point value back into a rational.
func WadToRat(wad *big.Int) *big.Rat {
	if wad == nil {
		return nil
	}
	return new(big.Rat).SetFrac(wad, Wad)
}

// ParseWad parses a decimal string such as "3.25" into Wad fixed point. Digits
// beyond the eighteenth decimal are truncated.
func ParseWad(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("pricing: empty decimal")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("pricing: invalid decimal %q", value)
	}
	return RatToWad(rat), nil
}

// MustParseWad is ParseWad for constants; it panics on malformed input.
func MustParseWad(value string) *big.Int {
	wad, err := ParseWad(value)
	if err != nil {
		panic(err)
	}
	return wad
}

// FormatWad renders a Wad value as a decimal string with trailing zeros removed.
func FormatWad(wad *big.Int) string {
	if wad == nil {
		return "0"
	}
	out := WadToRat(wad).FloatString(WadDecimals)
	if strings.Contains(out, ".") {
		out = strings.TrimRight(out, "0")
		out = strings.TrimSuffix(out, ".")
	}
	return out
}
