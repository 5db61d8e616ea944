package pricing

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// WadDecimals is the number of decimals carried by fixed-point prices.
const WadDecimals = 18

var (
	// Wad is the fixed-point scale (10^18) of every price handled by the core.
	Wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(WadDecimals), nil)

	// ErrThrottled indicates a source refused to query upstream because its
	// request budget was exhausted.
	ErrThrottled = errors.New("pricing: source throttled")
	// ErrQuoteNotFound indicates the source holds no quote for the pair.
	ErrQuoteNotFound = errors.New("pricing: quote not found")
	// ErrNotConfigured indicates the source was used before construction.
	ErrNotConfigured = errors.New("pricing: source not configured")
)

// Quote is a fixed-point price for a token pair. Price is expressed in units of
// the out token per unit of the in token, scaled by Wad.
type Quote struct {
	Price       *big.Int
	PublishedAt time.Time
	Source      string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q Quote) Clone() Quote {
	clone := Quote{PublishedAt: q.PublishedAt, Source: q.Source}
	if q.Price != nil {
		clone.Price = new(big.Int).Set(q.Price)
	}
	return clone
}

// PriceSource resolves the current reference price for a token pair. Calls are
// synchronous reads and must not have side effects visible to the caller.
type PriceSource interface {
	GetPrice(tokenIn, tokenOut string) (Quote, error)
}

// SourceFunc adapts a plain function to the PriceSource interface.
type SourceFunc func(tokenIn, tokenOut string) (Quote, error)

// GetPrice implements PriceSource.
func (f SourceFunc) GetPrice(tokenIn, tokenOut string) (Quote, error) {
	if f == nil {
		return Quote{}, ErrNotConfigured
	}
	return f(tokenIn, tokenOut)
}

// DecodeError reports a price-source response that could not be decoded into a
// valid quote.
type DecodeError struct {
	Source string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "pricing: malformed quote"
	}
	msg := fmt.Sprintf("pricing: malformed quote from %s: %s", e.Source, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsDecodeError reports whether err carries a DecodeError.
func IsDecodeError(err error) bool {
	var target *DecodeError
	return errors.As(err, &target)
}

func normaliseSymbol(sym string) string {
	return strings.ToUpper(strings.TrimSpace(sym))
}

func pairKey(tokenIn, tokenOut string) string {
	return normaliseSymbol(tokenIn) + "/" + normaliseSymbol(tokenOut)
}
