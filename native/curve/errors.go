package curve

import "errors"

var (
	// ErrOrderingViolation is returned when the engine runs after both swap
	// amounts were already determined. It marks a caller bug and must not be
	// retried.
	ErrOrderingViolation = errors.New("curve: ordering violation: swap amounts already determined")
	// ErrInvalidPrice is returned when the price source reports a zero price.
	ErrInvalidPrice = errors.New("curve: invalid price")
	// ErrPriceSourceUnavailable is returned when the price source call fails or
	// its response cannot be decoded.
	ErrPriceSourceUnavailable = errors.New("curve: price source unavailable")
	// ErrInvalidConfig marks unusable transformation configuration.
	ErrInvalidConfig = errors.New("curve: invalid config")
	// ErrInvalidRequest marks malformed call arguments.
	ErrInvalidRequest = errors.New("curve: invalid request")
	// ErrBalanceUnderflow is returned when a shift exceeds the raw balance.
	ErrBalanceUnderflow = errors.New("curve: adjusted balance underflow")
	// ErrBalanceOverflow is returned when an adjusted balance exceeds 256 bits.
	ErrBalanceOverflow = errors.New("curve: adjusted balance overflow")
	// ErrExcessWithdrawalUnsupported is returned by WithdrawExcess; settlement of
	// excess reserves is not part of this engine.
	ErrExcessWithdrawalUnsupported = errors.New("curve: excess withdrawal not supported")

	errNilState = errors.New("curve engine: state not configured")
)

func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOrderingViolation):
		return "ordering_violation"
	case errors.Is(err, ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, ErrPriceSourceUnavailable):
		return "price_source_unavailable"
	case errors.Is(err, ErrBalanceUnderflow):
		return "balance_underflow"
	case errors.Is(err, ErrBalanceOverflow):
		return "balance_overflow"
	case errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return "state"
	}
}
