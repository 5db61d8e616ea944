package curve

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"

	"curvevm/core/pricing"
)

// CurveState is the per-position record driving the curve transformation.
// The X side is the "in" token and the Y side the "out" token of the swap
// consumer.
type CurveState struct {
	// ShiftX is subtracted from the in balance before swap math. May be negative.
	ShiftX *big.Int `json:"shiftX"`
	// ShiftY is subtracted from the out balance before swap math. May be negative.
	ShiftY *big.Int `json:"shiftY"`
	// ExcessX is the in-token amount made inaccessible by the last price increase.
	ExcessX *big.Int `json:"excessX"`
	// ExcessY is the out-token amount made inaccessible by the last price decrease.
	ExcessY *big.Int `json:"excessY"`
	// LastReferencePrice is the Wad price the current shifts were computed at.
	LastReferencePrice *big.Int `json:"lastReferencePrice"`
	// LastUpdateTime is the unix second of the last genesis or recompute.
	LastUpdateTime int64 `json:"lastUpdateTime"`
	Initialized    bool  `json:"initialized"`
}

// Clone returns a deep copy of the state with nil amounts replaced by zero.
func (s *CurveState) Clone() *CurveState {
	if s == nil {
		return nil
	}
	return &CurveState{
		ShiftX:             newBigInt(s.ShiftX),
		ShiftY:             newBigInt(s.ShiftY),
		ExcessX:            newBigInt(s.ExcessX),
		ExcessY:            newBigInt(s.ExcessY),
		LastReferencePrice: newBigInt(s.LastReferencePrice),
		LastUpdateTime:     s.LastUpdateTime,
		Initialized:        s.Initialized,
	}
}

// Config is the transformation configuration of a position. It is supplied on
// every call and must not change over the position's lifetime.
type Config struct {
	TokenIn  string
	TokenOut string
	Source   pricing.PriceSource
	// InitialReferencePrice seeds LastReferencePrice on the first call (Wad).
	InitialReferencePrice *big.Int
	// MinUpdateInterval is the minimum number of seconds between recomputes.
	MinUpdateInterval int64
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.TokenIn) == "" || strings.TrimSpace(c.TokenOut) == "" {
		return fmt.Errorf("%w: token pair required", ErrInvalidConfig)
	}
	if c.Source == nil {
		return fmt.Errorf("%w: price source required", ErrInvalidConfig)
	}
	if c.InitialReferencePrice == nil || c.InitialReferencePrice.Sign() <= 0 {
		return fmt.Errorf("%w: initial reference price must be positive", ErrInvalidConfig)
	}
	if c.MinUpdateInterval < 0 {
		return fmt.Errorf("%w: min update interval must not be negative", ErrInvalidConfig)
	}
	return nil
}

// PendingSwap carries the amounts of the trade this transformation precedes.
// Exactly one of them may already be known (the caller's exact-in or exact-out
// amount); the other must still be zero.
type PendingSwap struct {
	AmountIn  *uint256.Int
	AmountOut *uint256.Int
}

func (p PendingSwap) determined() bool {
	return p.AmountIn != nil && !p.AmountIn.IsZero() && p.AmountOut != nil && !p.AmountOut.IsZero()
}

// Request is a single transformation call.
type Request struct {
	PositionKey string
	BalanceIn   *uint256.Int
	BalanceOut  *uint256.Int
	Pending     PendingSwap
	Config      Config
}

// Outcome classifies which path a transformation call took.
type Outcome string

const (
	OutcomeInitialized Outcome = "initialized"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeUnchanged   Outcome = "unchanged"
	OutcomeRecomputed  Outcome = "recomputed"
)

// Mode distinguishes quotes from executions.
type Mode string

const (
	ModeQuote   Mode = "quote"
	ModeExecute Mode = "execute"
)

// Result is the output of a transformation call.
type Result struct {
	AdjustedIn  *uint256.Int
	AdjustedOut *uint256.Int
	Outcome     Outcome
	// State is the position state after the call. For quotes it is the state an
	// execution with the same inputs would have persisted.
	State *CurveState
	// Price is the reference price the returned balances reflect.
	Price *big.Int
}

func newBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
