package curve

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"curvevm/core/events"
	"curvevm/core/pricing"
)

type engineState interface {
	CurveStateGet(position string) (*CurveState, bool, error)
	CurveStatePut(position string, st *CurveState) error
}

// Observer receives per-call outcomes, typically a metrics registry.
type Observer interface {
	ObserveTransform(mode, outcome string)
	ObserveTransformError(mode, kind string)
}

type noopObserver struct{}

func (noopObserver) ObserveTransform(string, string)      {}
func (noopObserver) ObserveTransformError(string, string) {}

// Engine transforms a position's curve ahead of swap math. It is the only
// writer of curve state. The host must serialise calls; the engine does no
// locking of its own.
type Engine struct {
	state    engineState
	emitter  events.Emitter
	observer Observer
	nowFn    func() int64
}

// NewEngine constructs a curve engine with default dependencies.
func NewEngine() *Engine {
	return &Engine{
		emitter:  events.NoopEmitter{},
		observer: noopObserver{},
		nowFn: func() int64 {
			return time.Now().Unix()
		},
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetObserver configures the outcome observer.
func (e *Engine) SetObserver(observer Observer) {
	if observer == nil {
		e.observer = noopObserver{}
		return
	}
	e.observer = observer
}

// SetNowFunc overrides the time source used for deterministic testing.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// committer is the side-effect capability handed to the shared transform path.
// Executions persist and emit; quotes discard.
type committer interface {
	persist(position string, st *CurveState) error
	record(evt events.CurveTransformed)
}

type executeCommitter struct{ e *Engine }

func (c executeCommitter) persist(position string, st *CurveState) error {
	return c.e.state.CurveStatePut(position, st)
}

func (c executeCommitter) record(evt events.CurveTransformed) {
	if c.e.emitter != nil {
		c.e.emitter.Emit(evt)
	}
}

type quoteCommitter struct{}

func (quoteCommitter) persist(string, *CurveState) error { return nil }
func (quoteCommitter) record(events.CurveTransformed)     {}

// Quote returns the balances an execution with the same inputs would produce
// without touching stored state.
func (e *Engine) Quote(req Request) (*Result, error) {
	return e.run(req, ModeQuote, quoteCommitter{})
}

// Execute transforms the curve and persists any state change.
func (e *Engine) Execute(req Request) (*Result, error) {
	return e.run(req, ModeExecute, executeCommitter{e: e})
}

// Transform dispatches to Quote when readOnly is set and to Execute otherwise.
func (e *Engine) Transform(req Request, readOnly bool) (*Result, error) {
	if readOnly {
		return e.Quote(req)
	}
	return e.Execute(req)
}

func (e *Engine) run(req Request, mode Mode, c committer) (*Result, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	res, err := e.transform(req, c)
	if err != nil {
		e.observer.ObserveTransformError(string(mode), errorKind(err))
		return nil, err
	}
	e.observer.ObserveTransform(string(mode), string(res.Outcome))
	return res, nil
}

func (e *Engine) transform(req Request, c committer) (*Result, error) {
	if req.Pending.determined() {
		return nil, ErrOrderingViolation
	}
	position, err := normalisePositionKey(req.PositionKey)
	if err != nil {
		return nil, err
	}
	if req.BalanceIn == nil || req.BalanceOut == nil {
		return nil, fmt.Errorf("%w: balances required", ErrInvalidRequest)
	}
	cfg := req.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	current, ok, err := e.state.CurveStateGet(position)
	if err != nil {
		return nil, err
	}
	now := e.now()

	if !ok || current == nil || !current.Initialized {
		genesis := &CurveState{
			ShiftX:             big.NewInt(0),
			ShiftY:             big.NewInt(0),
			ExcessX:            big.NewInt(0),
			ExcessY:            big.NewInt(0),
			LastReferencePrice: new(big.Int).Set(cfg.InitialReferencePrice),
			LastUpdateTime:     now,
			Initialized:        true,
		}
		if err := c.persist(position, genesis); err != nil {
			return nil, err
		}
		return &Result{
			AdjustedIn:  new(uint256.Int).Set(req.BalanceIn),
			AdjustedOut: new(uint256.Int).Set(req.BalanceOut),
			Outcome:     OutcomeInitialized,
			State:       genesis.Clone(),
			Price:       new(big.Int).Set(genesis.LastReferencePrice),
		}, nil
	}
	current = current.Clone()

	if now-current.LastUpdateTime < cfg.MinUpdateInterval {
		return applyStored(req, current, OutcomeRateLimited)
	}

	quote, err := lookupPrice(cfg)
	if err != nil {
		return nil, err
	}
	if quote.Price.Cmp(current.LastReferencePrice) == 0 {
		return applyStored(req, current, OutcomeUnchanged)
	}

	tr := ComputeTransformation(req.BalanceIn.ToBig(), req.BalanceOut.ToBig(), current.LastReferencePrice, quote.Price)
	if tr.ExcessX.Sign() == 0 && tr.ExcessY.Sign() == 0 {
		// the move is below integer resolution; keep the last reference price
		// so the delta keeps accruing against it
		return applyStored(req, current, OutcomeUnchanged)
	}
	next := &CurveState{
		ShiftX:             tr.ShiftX,
		ShiftY:             tr.ShiftY,
		ExcessX:            tr.ExcessX,
		ExcessY:            tr.ExcessY,
		LastReferencePrice: new(big.Int).Set(quote.Price),
		LastUpdateTime:     now,
		Initialized:        true,
	}
	adjustedIn, err := applyShift(req.BalanceIn, next.ShiftX)
	if err != nil {
		return nil, fmt.Errorf("%w: in side", err)
	}
	adjustedOut, err := applyShift(req.BalanceOut, next.ShiftY)
	if err != nil {
		return nil, fmt.Errorf("%w: out side", err)
	}
	if err := c.persist(position, next); err != nil {
		return nil, err
	}
	c.record(events.CurveTransformed{
		PositionKey: position,
		OldShiftX:   current.ShiftX,
		OldShiftY:   current.ShiftY,
		NewShiftX:   next.ShiftX,
		NewShiftY:   next.ShiftY,
		OldExcessX:  current.ExcessX,
		OldExcessY:  current.ExcessY,
		NewExcessX:  next.ExcessX,
		NewExcessY:  next.ExcessY,
		OldPrice:    current.LastReferencePrice,
		NewPrice:    next.LastReferencePrice,
		PublishedAt: publishedUnix(quote.PublishedAt),
		UpdatedAt:   now,
	})
	return &Result{
		AdjustedIn:  adjustedIn,
		AdjustedOut: adjustedOut,
		Outcome:     OutcomeRecomputed,
		State:       next.Clone(),
		Price:       new(big.Int).Set(next.LastReferencePrice),
	}, nil
}

func applyStored(req Request, st *CurveState, outcome Outcome) (*Result, error) {
	adjustedIn, err := applyShift(req.BalanceIn, st.ShiftX)
	if err != nil {
		return nil, fmt.Errorf("%w: in side", err)
	}
	adjustedOut, err := applyShift(req.BalanceOut, st.ShiftY)
	if err != nil {
		return nil, fmt.Errorf("%w: out side", err)
	}
	return &Result{
		AdjustedIn:  adjustedIn,
		AdjustedOut: adjustedOut,
		Outcome:     outcome,
		State:       st,
		Price:       new(big.Int).Set(st.LastReferencePrice),
	}, nil
}

func lookupPrice(cfg Config) (pricing.Quote, error) {
	tokenIn := strings.TrimSpace(cfg.TokenIn)
	tokenOut := strings.TrimSpace(cfg.TokenOut)
	quote, err := cfg.Source.GetPrice(tokenIn, tokenOut)
	if err != nil {
		return pricing.Quote{}, fmt.Errorf("%w: %s/%s: %w", ErrPriceSourceUnavailable, tokenIn, tokenOut, err)
	}
	if quote.Price == nil || quote.Price.Sign() < 0 {
		decodeErr := &pricing.DecodeError{Source: quote.Source, Reason: "price missing or negative"}
		return pricing.Quote{}, fmt.Errorf("%w: %w", ErrPriceSourceUnavailable, decodeErr)
	}
	if quote.Price.Sign() == 0 {
		return pricing.Quote{}, fmt.Errorf("%w: zero price for %s/%s", ErrInvalidPrice, tokenIn, tokenOut)
	}
	return quote, nil
}

func publishedUnix(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

// State returns the stored state for position.
func (e *Engine) State(position string) (*CurveState, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	return e.state.CurveStateGet(position)
}

// Excess returns the excess reserves currently attributed to position.
func (e *Engine) Excess(position string) (excessX, excessY *big.Int, err error) {
	st, ok, err := e.State(position)
	if err != nil {
		return nil, nil, err
	}
	if !ok || st == nil {
		return big.NewInt(0), big.NewInt(0), nil
	}
	return newBigInt(st.ExcessX), newBigInt(st.ExcessY), nil
}

// WithdrawExcess always fails: moving excess reserves to liquidity providers
// requires a settlement path this engine does not own.
func (e *Engine) WithdrawExcess(position string) error {
	if _, err := normalisePositionKey(position); err != nil {
		return err
	}
	return ErrExcessWithdrawalUnsupported
}
