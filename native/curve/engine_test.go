package curve

import (
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"curvevm/core/events"
	"curvevm/core/pricing"
)

type mockState struct {
	states map[string]*CurveState
	puts   int
	putErr error
}

func newMockState() *mockState {
	return &mockState{states: make(map[string]*CurveState)}
}

func (m *mockState) CurveStateGet(position string) (*CurveState, bool, error) {
	st, ok := m.states[position]
	if !ok {
		return nil, false, nil
	}
	return st.Clone(), true, nil
}

func (m *mockState) CurveStatePut(position string, st *CurveState) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.puts++
	m.states[position] = st.Clone()
	return nil
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

type countingObserver struct {
	outcomes map[string]int
	errors   map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{outcomes: make(map[string]int), errors: make(map[string]int)}
}

func (o *countingObserver) ObserveTransform(mode, outcome string) {
	o.outcomes[mode+"/"+outcome]++
}

func (o *countingObserver) ObserveTransformError(mode, kind string) {
	o.errors[mode+"/"+kind]++
}

type fixture struct {
	engine  *Engine
	state   *mockState
	emitter *captureEmitter
	source  *pricing.ManualSource
	now     int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		engine:  NewEngine(),
		state:   newMockState(),
		emitter: &captureEmitter{},
		source:  pricing.NewManualSource(),
		now:     1_700_000_000,
	}
	f.engine.SetState(f.state)
	f.engine.SetEmitter(f.emitter)
	f.engine.SetNowFunc(func() int64 { return f.now })
	return f
}

func (f *fixture) setPrice(t *testing.T, price string) {
	t.Helper()
	if err := f.source.SetDecimal("ETH", "USD", price, time.Unix(f.now, 0)); err != nil {
		t.Fatalf("set price: %v", err)
	}
}

func (f *fixture) request(in, out uint64) Request {
	return Request{
		PositionKey: "pool-1",
		BalanceIn:   uint256.NewInt(in),
		BalanceOut:  uint256.NewInt(out),
		Pending:     PendingSwap{AmountIn: uint256.NewInt(10)},
		Config: Config{
			TokenIn:               "ETH",
			TokenOut:              "USD",
			Source:                f.source,
			InitialReferencePrice: wad("3"),
			MinUpdateInterval:     60,
		},
	}
}

func requireBalances(t *testing.T, res *Result, in, out uint64) {
	t.Helper()
	if res.AdjustedIn.Uint64() != in || res.AdjustedOut.Uint64() != out {
		t.Fatalf("adjusted balances (%d, %d), want (%d, %d)", res.AdjustedIn.Uint64(), res.AdjustedOut.Uint64(), in, out)
	}
}

func TestExecuteInitializesOnFirstCall(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, "5")
	res, err := f.engine.Execute(f.request(1000, 3000))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != OutcomeInitialized {
		t.Fatalf("expected initialized, got %s", res.Outcome)
	}
	requireBalances(t, res, 1000, 3000)
	st, ok, _ := f.state.CurveStateGet("pool-1")
	if !ok || !st.Initialized {
		t.Fatalf("expected persisted state")
	}
	if st.LastReferencePrice.Cmp(wad("3")) != 0 {
		t.Fatalf("expected initial reference price, got %s", st.LastReferencePrice)
	}
	if st.ShiftX.Sign() != 0 || st.ShiftY.Sign() != 0 || st.ExcessX.Sign() != 0 || st.ExcessY.Sign() != 0 {
		t.Fatalf("expected zero shifts and excess: %+v", st)
	}
	if st.LastUpdateTime != f.now {
		t.Fatalf("expected update time %d, got %d", f.now, st.LastUpdateTime)
	}
	if len(f.emitter.events) != 0 {
		t.Fatalf("genesis must not emit, got %d events", len(f.emitter.events))
	}
}

func TestQuoteDoesNotPersistGenesis(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, "3")
	res, err := f.engine.Quote(f.request(1000, 3000))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if res.Outcome != OutcomeInitialized {
		t.Fatalf("expected initialized, got %s", res.Outcome)
	}
	requireBalances(t, res, 1000, 3000)
	if f.state.puts != 0 {
		t.Fatalf("quote persisted state")
	}
	if _, ok, _ := f.state.CurveStateGet("pool-1"); ok {
		t.Fatalf("quote created a record")
	}
}

func TestRateLimitReusesStoredShifts(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, "3")
	if _, err := f.engine.Execute(f.request(1000, 3000)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	f.now += 60
	f.setPrice(t, "4")
	if _, err := f.engine.Execute(f.request(1000, 3000)); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	puts := f.state.puts

	f.now += 59
	f.setPrice(t, "2")
	res, err := f.engine.Execute(f.request(1000, 3000))
	if err != nil {
		t.Fatalf("rate limited execute: %v", err)
	}
	if res.Outcome != OutcomeRateLimited {
		t.Fatalf("expected rate_limited, got %s", res.Outcome)
	}
	requireBalances(t, res, 1134, 2536)
	if f.state.puts != puts {
		t.Fatalf("rate-limited call wrote state")
	}
	if len(f.emitter.events) != 1 {
		t.Fatalf("expected one event, got %d", len(f.emitter.events))
	}
}

func TestRateLimitSkipsPriceSource(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, "3")
	if _, err := f.engine.Execute(f.request(1000, 3000)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	f.source.Fail("ETH", "USD", errors.New("offline"))
	res, err := f.engine.Execute(f.request(1000, 3000))
	if err != nil {
		t.Fatalf("expected rate limit to avoid the source, got %v", err)
	}
	if res.Outcome != OutcomeRateLimited {
		t.Fatalf("expected rate_limited, got %s", res.Outcome)
	}
}

func TestRateLimitHoldsForHugeInterval(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, "3")
	req := f.request(1000, 3000)
	req.Config.MinUpdateInterval = math.MaxInt64
	if _, err := f.engine.Execute(req); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	f.now += 10
	f.setPrice(t, "4")
	res, err := f.engine.Execute(req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != OutcomeRateLimited {
		t.Fatalf("expected rate_limited, got %s", res.Outcome)
	}
	requireBalances(t, res, 1000, 3000)
	if len(f.emitter.events) != 0 {
		t.Fatalf("rate-limited call emitted an event")
	}
}

func TestSubResolutionMoveIsUnchanged(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, "3")
	if _, err := f.engine.Execute(f.request(1, 1)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	puts := f.state.puts
	f.now += 60
	f.setPrice(t, "3.000000000000000001")
	res, err := f.engine.Execute(f.request(1, 1))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != OutcomeUnchanged {
		t.Fatalf("expected unchanged, got %s", res.Outcome)
	}
	if f.state.puts != puts || len(f.emitter.events) != 0 {
		t.Fatalf("sub-resolution move persisted state")
	}
	st, _, _ := f.state.CurveStateGet("pool-1")
	if st.LastReferencePrice.Cmp(wad("3")) != 0 {
		t.Fatalf("reference price moved to %s", st.LastReferencePrice)
	}
}

func TestUnchangedPriceIsNoop(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, "3")
	if _, err := f.engine.Execute(f.request(1000, 3000)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	before, _, _ := f.state.CurveStateGet("pool-1")
	f.now += 3600
	res, err := f.engine.Execute(f.request(1000, 3000))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != OutcomeUnchanged {
		t.Fatalf("expected unchanged, got %s", res.Outcome)
	}
	requireBalances(t, res, 1000, 3000)
	after, _, _ := f.state.CurveStateGet("pool-1")
	if after.LastUpdateTime != before.LastUpdateTime {
		t.Fatalf("unchanged price must not refresh update time")
	}
	if len(f.emitter.events) != 0 {
		t.Fatalf("unchanged price emitted an event")
	}
}

func TestPriceIncreaseShiftsTowardsOut(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, "3")
	if _, err := f.engine.Execute(f.request(1000, 3000)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	f.now += 60
	f.setPrice(t, "4")
	res, err := f.engine.Execute(f.request(1000, 3000))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != OutcomeRecomputed {
		t.Fatalf("expected recomputed, got %s", res.Outcome)
	}
	requireBalances(t, res, 1134, 2536)
	st, _, _ := f.state.CurveStateGet("pool-1")
	if st.ShiftX.Int64() != -134 || st.ShiftY.Int64() != 464 {
		t.Fatalf("shifts (%s, %s)", st.ShiftX, st.ShiftY)
	}
	if st.ExcessX.Int64() != 134 || st.ExcessY.Sign() != 0 {
		t.Fatalf("excess (%s, %s)", st.ExcessX, st.ExcessY)
	}
	if st.LastReferencePrice.Cmp(wad("4")) != 0 || st.LastUpdateTime != f.now {
		t.Fatalf("reference not refreshed: %+v", st)
	}
	if len(f.emitter.events) != 1 {
		t.Fatalf("expected one event, got %d", len(f.emitter.events))
	}
	transformed, ok := f.emitter.events[0].(events.CurveTransformed)
	if !ok {
		t.Fatalf("unexpected event %T", f.emitter.events[0])
	}
	evt := transformed.Event()
	if evt.Type != events.TypeCurveTransformed {
		t.Fatalf("unexpected event type %s", evt.Type)
	}
	if evt.Attributes["position"] != "pool-1" || evt.Attributes["newShiftX"] != "-134" || evt.Attributes["oldShiftX"] != "0" {
		t.Fatalf("unexpected attributes %v", evt.Attributes)
	}
}

func TestPriceDecreaseShiftsTowardsIn(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, "3")
	if _, err := f.engine.Execute(f.request(1000, 3000)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	f.now += 60
	f.setPrice(t, "2")
	res, err := f.engine.Execute(f.request(1000, 3000))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	requireBalances(t, res, 776, 3551)
	excessX, excessY, err := f.engine.Excess("pool-1")
	if err != nil {
		t.Fatalf("excess: %v", err)
	}
	if excessX.Sign() != 0 || excessY.Int64() != 551 {
		t.Fatalf("excess (%s, %s)", excessX, excessY)
	}
}

func TestExcessIsReplacedOnRecompute(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, "3")
	if _, err := f.engine.Execute(f.request(1000, 3000)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	f.now += 60
	f.setPrice(t, "4")
	if _, err := f.engine.Execute(f.request(1000, 3000)); err != nil {
		t.Fatalf("increase: %v", err)
	}
	f.now += 60
	f.setPrice(t, "3")
	if _, err := f.engine.Execute(f.request(1000, 3000)); err != nil {
		t.Fatalf("decrease: %v", err)
	}
	st, _, _ := f.state.CurveStateGet("pool-1")
	if st.ExcessX.Sign() != 0 || st.ExcessY.Int64() != 464 {
		t.Fatalf("excess (%s, %s)", st.ExcessX, st.ExcessY)
	}
	if st.ShiftX.Int64() != 134 || st.ShiftY.Int64() != -464 {
		t.Fatalf("shifts (%s, %s)", st.ShiftX, st.ShiftY)
	}
	if len(f.emitter.events) != 2 {
		t.Fatalf("expected two events, got %d", len(f.emitter.events))
	}
}

func TestQuoteMatchesExecute(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, "3")
	if _, err := f.engine.Execute(f.request(1000, 3000)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	f.now += 60
	f.setPrice(t, "4")

	quote, err := f.engine.Quote(f.request(1000, 3000))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	stored, _, _ := f.state.CurveStateGet("pool-1")
	if stored.LastReferencePrice.Cmp(wad("3")) != 0 {
		t.Fatalf("quote mutated state")
	}
	if len(f.emitter.events) != 0 {
		t.Fatalf("quote emitted an event")
	}

	exec, err := f.engine.Execute(f.request(1000, 3000))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if quote.AdjustedIn.Cmp(exec.AdjustedIn) != 0 || quote.AdjustedOut.Cmp(exec.AdjustedOut) != 0 {
		t.Fatalf("quote (%s, %s) differs from execute (%s, %s)", quote.AdjustedIn, quote.AdjustedOut, exec.AdjustedIn, exec.AdjustedOut)
	}
	if quote.Outcome != exec.Outcome {
		t.Fatalf("outcome mismatch %s vs %s", quote.Outcome, exec.Outcome)
	}
	if quote.State.ShiftX.Cmp(exec.State.ShiftX) != 0 || quote.State.ShiftY.Cmp(exec.State.ShiftY) != 0 {
		t.Fatalf("state mismatch")
	}
}

func TestTransformDispatchesByMode(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, "3")
	if _, err := f.engine.Transform(f.request(1000, 3000), true); err != nil {
		t.Fatalf("read-only transform: %v", err)
	}
	if f.state.puts != 0 {
		t.Fatalf("read-only transform persisted")
	}
	if _, err := f.engine.Transform(f.request(1000, 3000), false); err != nil {
		t.Fatalf("transform: %v", err)
	}
	if f.state.puts != 1 {
		t.Fatalf("expected one write, got %d", f.state.puts)
	}
}

func TestZeroPriceRejected(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, "3")
	if _, err := f.engine.Execute(f.request(1000, 3000)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	before, _, _ := f.state.CurveStateGet("pool-1")
	f.now += 60
	f.setPrice(t, "0")
	if _, err := f.engine.Execute(f.request(1000, 3000)); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
	after, _, _ := f.state.CurveStateGet("pool-1")
	if after.LastReferencePrice.Cmp(before.LastReferencePrice) != 0 || after.LastUpdateTime != before.LastUpdateTime {
		t.Fatalf("state changed after invalid price")
	}
}

func TestPriceSourceFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, "3")
	if _, err := f.engine.Execute(f.request(1000, 3000)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	f.now += 60
	offline := errors.New("offline")
	f.source.Fail("ETH", "USD", offline)
	_, err := f.engine.Execute(f.request(1000, 3000))
	if !errors.Is(err, ErrPriceSourceUnavailable) || !errors.Is(err, offline) {
		t.Fatalf("expected wrapped source failure, got %v", err)
	}
}

func TestMalformedQuoteIsUnavailable(t *testing.T) {
	f := newFixture(t)
	req := f.request(1000, 3000)
	req.Config.Source = pricing.SourceFunc(func(string, string) (pricing.Quote, error) {
		return pricing.Quote{Source: "broken"}, nil
	})
	if _, err := f.engine.Execute(req); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	f.now += 60
	_, err := f.engine.Execute(req)
	if !errors.Is(err, ErrPriceSourceUnavailable) || !pricing.IsDecodeError(err) {
		t.Fatalf("expected decode failure, got %v", err)
	}
}

func TestOrderingViolation(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, "3")
	req := f.request(1000, 3000)
	req.Pending = PendingSwap{AmountIn: uint256.NewInt(5), AmountOut: uint256.NewInt(7)}
	if _, err := f.engine.Execute(req); !errors.Is(err, ErrOrderingViolation) {
		t.Fatalf("expected ordering violation, got %v", err)
	}
	if f.state.puts != 0 {
		t.Fatalf("violating call wrote state")
	}

	req.Pending = PendingSwap{AmountOut: uint256.NewInt(7)}
	if _, err := f.engine.Execute(req); err != nil {
		t.Fatalf("exact-out call rejected: %v", err)
	}
}

func TestUnderflowLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, "3")
	if _, err := f.engine.Execute(f.request(1000, 3000)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	f.now += 60
	f.setPrice(t, "2")
	res, err := f.engine.Execute(f.request(1000, 3000))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	requireBalances(t, res, 776, 3551)
	puts := f.state.puts

	// stored in-side shift of 224 exceeds a balance of 100
	f.now++
	if _, err := f.engine.Execute(f.request(100, 3000)); !errors.Is(err, ErrBalanceUnderflow) {
		t.Fatalf("expected underflow, got %v", err)
	}
	if f.state.puts != puts {
		t.Fatalf("failed call wrote state")
	}
}

func TestPersistFailureSuppressesEvent(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, "3")
	if _, err := f.engine.Execute(f.request(1000, 3000)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	f.now += 60
	f.setPrice(t, "4")
	f.state.putErr = errors.New("disk full")
	if _, err := f.engine.Execute(f.request(1000, 3000)); err == nil {
		t.Fatalf("expected persist failure")
	}
	if len(f.emitter.events) != 0 {
		t.Fatalf("event emitted despite failed write")
	}
}

func TestInvalidRequests(t *testing.T) {
	f := newFixture(t)
	req := f.request(1000, 3000)
	req.PositionKey = "  "
	if _, err := f.engine.Execute(req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	req = f.request(1000, 3000)
	req.Config.Source = nil
	if _, err := f.engine.Execute(req); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
	req = f.request(1000, 3000)
	req.Config.InitialReferencePrice = big.NewInt(0)
	if _, err := f.engine.Execute(req); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
	var nilEngine *Engine
	if _, err := nilEngine.Execute(req); err == nil {
		t.Fatalf("expected error from nil engine")
	}
}

func TestWithdrawExcessUnsupported(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.WithdrawExcess("pool-1"); !errors.Is(err, ErrExcessWithdrawalUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
	x, y, err := f.engine.Excess("unknown")
	if err != nil || x.Sign() != 0 || y.Sign() != 0 {
		t.Fatalf("expected zero excess for unknown position")
	}
}

func TestObserverReceivesOutcomes(t *testing.T) {
	f := newFixture(t)
	obs := newCountingObserver()
	f.engine.SetObserver(obs)
	f.setPrice(t, "3")
	if _, err := f.engine.Execute(f.request(1000, 3000)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if _, err := f.engine.Quote(f.request(1000, 3000)); err != nil {
		t.Fatalf("quote: %v", err)
	}
	req := f.request(1000, 3000)
	req.Pending.AmountOut = uint256.NewInt(1)
	_, _ = f.engine.Execute(req)

	if obs.outcomes["execute/initialized"] != 1 || obs.outcomes["quote/rate_limited"] != 1 {
		t.Fatalf("unexpected outcomes %v", obs.outcomes)
	}
	if obs.errors["execute/ordering_violation"] != 1 {
		t.Fatalf("unexpected errors %v", obs.errors)
	}
}
