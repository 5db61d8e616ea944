package pricing

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// RateQuote captures a rational exchange rate reported by an upstream oracle.
type RateQuote struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// RateOracle resolves a rational exchange rate for a base/quote pair. It is the
// shape of most off-chain oracle clients, which report big.Rat rates rather than
// fixed-point integers.
type RateOracle interface {
	GetRate(base, quote string) (RateQuote, error)
}

// RateSource adapts a RateOracle to the fixed-point PriceSource contract. The
// in token is the oracle base and the out token is the oracle quote, so a rate
// of 3 means one unit of the in token is worth three units of the out token.
type RateSource struct {
	oracle RateOracle
}

// NewRateSource wraps oracle.
func NewRateSource(oracle RateOracle) (*RateSource, error) {
	if oracle == nil {
		return nil, fmt.Errorf("pricing: oracle required")
	}
	return &RateSource{oracle: oracle}, nil
}

// GetPrice implements PriceSource.
func (s *RateSource) GetPrice(tokenIn, tokenOut string) (Quote, error) {
	if s == nil || s.oracle == nil {
		return Quote{}, ErrNotConfigured
	}
	quote, err := s.oracle.GetRate(normaliseSymbol(tokenIn), normaliseSymbol(tokenOut))
	if err != nil {
		return Quote{}, err
	}
	source := strings.TrimSpace(quote.Source)
	if source == "" {
		source = "rate"
	}
	if quote.Rate == nil {
		return Quote{}, &DecodeError{Source: source, Reason: "missing rate"}
	}
	if quote.Rate.Sign() < 0 {
		return Quote{}, &DecodeError{Source: source, Reason: "negative rate"}
	}
	return Quote{Price: RatToWad(quote.Rate), PublishedAt: quote.Timestamp.UTC(), Source: source}, nil
}
