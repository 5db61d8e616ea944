package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"curvevm/core/events"
	"curvevm/core/pricing"
	"curvevm/core/state"
	"curvevm/native/curve"
	"curvevm/observability/metrics"
	auditstore "curvevm/services/curved/storage"
	"curvevm/storage"
)

// History exposes recorded transformations.
type History interface {
	Recent(ctx context.Context, position string, limit int) ([]auditstore.Transformation, error)
}

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress     string
	RequestsPerSecond float64
	Burst             int
	Auth              AuthConfig
	// IdempotencyTTL bounds how long execute responses are replayed.
	IdempotencyTTL time.Duration
}

// Runtime carries the collaborators the server drives.
type Runtime struct {
	// DB is the root curve state database. Each execution runs against a
	// cache layered on top and commits only on success.
	DB        storage.Database
	Positions map[string]curve.Config
	Emitter   events.Emitter
	History   History
	// Stream, when set, also receives committed events and serves websocket
	// subscribers.
	Stream *Hub
	// Idempotency, when set, replays execute responses for repeated
	// Idempotency-Key headers.
	Idempotency IdempotencyStore
	Metrics     *metrics.CurveMetrics
	Logger      *slog.Logger
	Now         func() int64
}

// Server hosts the curve transformation API.
type Server struct {
	cfg       Config
	mu        sync.Mutex
	db        storage.Database
	positions map[string]curve.Config
	emitter   events.Emitter
	history   History
	metrics   *metrics.CurveMetrics
	logger    *slog.Logger
	now       func() int64
	limiter   *rateLimiter
	auth      *authenticator
	hub       *Hub
	replay    *replayGuard
	tracer    trace.Tracer
}

// New constructs a new HTTP server.
func New(cfg Config, rt Runtime) (*Server, error) {
	if rt.DB == nil {
		return nil, fmt.Errorf("state database required")
	}
	if len(rt.Positions) == 0 {
		return nil, fmt.Errorf("at least one position required")
	}
	positions := make(map[string]curve.Config, len(rt.Positions))
	for key, pcfg := range rt.Positions {
		if err := pcfg.Validate(); err != nil {
			return nil, fmt.Errorf("position %s: %w", key, err)
		}
		positions[strings.TrimSpace(key)] = pcfg
	}
	if rt.Emitter == nil {
		rt.Emitter = events.NoopEmitter{}
	}
	if rt.Stream != nil {
		rt.Emitter = events.Multi{rt.Emitter, rt.Stream}
	}
	if rt.Logger == nil {
		rt.Logger = slog.Default()
	}
	if rt.Now == nil {
		rt.Now = func() int64 { return time.Now().Unix() }
	}
	return &Server{
		cfg:       cfg,
		db:        rt.DB,
		positions: positions,
		emitter:   rt.Emitter,
		history:   rt.History,
		metrics:   rt.Metrics,
		logger:    rt.Logger,
		now:       rt.Now,
		limiter:   newRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		auth:      newAuthenticator(cfg.Auth, rt.Logger),
		hub:       rt.Stream,
		replay:    newReplayGuard(rt.Idempotency, cfg.IdempotencyTTL, rt.Logger),
		tracer:    otel.Tracer("curved"),
	}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/positions/{key}", func(pr chi.Router) {
		pr.Use(s.limiter.middleware)
		pr.Get("/", s.handleState)
		pr.Post("/quote", s.handleTransform(curve.ModeQuote))
		pr.With(s.auth.middleware, s.replay.middleware).Post("/execute", s.handleTransform(curve.ModeExecute))
		pr.Get("/excess", s.handleExcess)
		pr.With(s.auth.middleware).Post("/excess/withdraw", s.handleWithdraw)
		pr.Get("/transformations", s.handleHistory)
		pr.Get("/stream", s.handleStream)
	})
	return otelhttp.NewHandler(r, "curved")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{Addr: s.cfg.ListenAddress, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("http server listening", "addr", s.cfg.ListenAddress)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveRequest(route, r.Method, strconv.Itoa(recorder.status), time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

type transformRequest struct {
	BalanceIn  string `json:"balanceIn"`
	BalanceOut string `json:"balanceOut"`
	AmountIn   string `json:"amountIn"`
	AmountOut  string `json:"amountOut"`
}

type stateView struct {
	ShiftX             string `json:"shiftX"`
	ShiftY             string `json:"shiftY"`
	ExcessX            string `json:"excessX"`
	ExcessY            string `json:"excessY"`
	LastReferencePrice string `json:"lastReferencePrice"`
	LastUpdateTime     int64  `json:"lastUpdateTime"`
	Initialized        bool   `json:"initialized"`
}

type transformResponse struct {
	Position    string     `json:"position"`
	Mode        curve.Mode `json:"mode"`
	Outcome     string     `json:"outcome"`
	AdjustedIn  string     `json:"adjustedIn"`
	AdjustedOut string     `json:"adjustedOut"`
	Price       string     `json:"price"`
	State       stateView  `json:"state"`
}

func newStateView(st *curve.CurveState) stateView {
	if st == nil {
		return stateView{ShiftX: "0", ShiftY: "0", ExcessX: "0", ExcessY: "0", LastReferencePrice: "0"}
	}
	return stateView{
		ShiftX:             st.ShiftX.String(),
		ShiftY:             st.ShiftY.String(),
		ExcessX:            st.ExcessX.String(),
		ExcessY:            st.ExcessY.String(),
		LastReferencePrice: pricing.FormatWad(st.LastReferencePrice),
		LastUpdateTime:     st.LastUpdateTime,
		Initialized:        st.Initialized,
	}
}

func (s *Server) position(w http.ResponseWriter, r *http.Request) (string, curve.Config, bool) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	cfg, ok := s.positions[key]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_position", fmt.Sprintf("position %q not configured", key))
		return "", curve.Config{}, false
	}
	return key, cfg, true
}

func (s *Server) handleTransform(mode curve.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, pcfg, ok := s.position(w, r)
		if !ok {
			return
		}
		var body transformRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
			return
		}
		req, err := buildRequest(key, pcfg, body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		_, span := s.tracer.Start(r.Context(), "curve."+string(mode), trace.WithAttributes(
			attribute.String("curve.position", key),
		))
		defer span.End()

		res, err := s.transform(mode, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			status, kind := classify(err)
			if status >= http.StatusInternalServerError {
				s.logger.Error("curve transform failed", "position", key, "mode", string(mode), "error", err)
			}
			writeError(w, status, kind, err.Error())
			return
		}
		span.SetAttributes(attribute.String("curve.outcome", string(res.Outcome)))
		writeJSON(w, http.StatusOK, transformResponse{
			Position:    key,
			Mode:        mode,
			Outcome:     string(res.Outcome),
			AdjustedIn:  res.AdjustedIn.Dec(),
			AdjustedOut: res.AdjustedOut.Dec(),
			Price:       pricing.FormatWad(res.Price),
			State:       newStateView(res.State),
		})
	}
}

// transform runs one engine call. Executions see a cache over the root
// database; the cache commits and buffered events flush only when the call
// succeeds, so a failed call leaves no trace.
func (s *Server) transform(mode curve.Mode, req curve.Request) (*curve.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cache := storage.NewCacheDB(s.db)
	buffer := events.NewBuffer(s.emitter)
	engine := curve.NewEngine()
	engine.SetState(curve.NewStore(state.NewManager(cache)))
	engine.SetEmitter(buffer)
	engine.SetNowFunc(s.now)
	if s.metrics != nil {
		engine.SetObserver(s.metrics)
	}

	var (
		res *curve.Result
		err error
	)
	if mode == curve.ModeQuote {
		res, err = engine.Quote(req)
	} else {
		res, err = engine.Execute(req)
	}
	if err != nil || mode == curve.ModeQuote {
		cache.Discard()
		buffer.Reset()
		return res, err
	}
	if err := cache.Commit(); err != nil {
		buffer.Reset()
		return nil, fmt.Errorf("commit curve state: %w", err)
	}
	buffer.Flush()
	if res.Outcome == curve.OutcomeInitialized || res.Outcome == curve.OutcomeRecomputed {
		price, _ := pricing.WadToRat(res.Price).Float64()
		s.metrics.SetReferencePrice(req.PositionKey, price)
		s.logger.Info("curve state updated", "position", req.PositionKey, "outcome", string(res.Outcome), "price", pricing.FormatWad(res.Price))
	}
	return res, nil
}

func buildRequest(key string, pcfg curve.Config, body transformRequest) (curve.Request, error) {
	balanceIn, err := parseAmount("balanceIn", body.BalanceIn, true)
	if err != nil {
		return curve.Request{}, err
	}
	balanceOut, err := parseAmount("balanceOut", body.BalanceOut, true)
	if err != nil {
		return curve.Request{}, err
	}
	amountIn, err := parseAmount("amountIn", body.AmountIn, false)
	if err != nil {
		return curve.Request{}, err
	}
	amountOut, err := parseAmount("amountOut", body.AmountOut, false)
	if err != nil {
		return curve.Request{}, err
	}
	return curve.Request{
		PositionKey: key,
		BalanceIn:   balanceIn,
		BalanceOut:  balanceOut,
		Pending:     curve.PendingSwap{AmountIn: amountIn, AmountOut: amountOut},
		Config:      pcfg,
	}, nil
}

func parseAmount(field, raw string, required bool) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		if required {
			return nil, fmt.Errorf("%s required", field)
		}
		return new(uint256.Int), nil
	}
	value, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return value, nil
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	key, _, ok := s.position(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	engine := curve.NewEngine()
	engine.SetState(curve.NewStore(state.NewManager(s.db)))
	st, found, err := engine.State(key)
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("load curve state", "position", key, "error", err)
		writeError(w, http.StatusInternalServerError, "state", "failed to load state")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_initialized", fmt.Sprintf("position %q has no state yet", key))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"position": key, "state": newStateView(st)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	key, _, ok := s.position(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "history_disabled", "transformation history not configured")
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	recs, err := s.history.Recent(r.Context(), key, limit)
	if err != nil {
		s.logger.Error("query transformation history", "position", key, "error", err)
		writeError(w, http.StatusInternalServerError, "history", "failed to query history")
		return
	}
	if recs == nil {
		recs = []auditstore.Transformation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"position": key, "transformations": recs})
}

func (s *Server) handleExcess(w http.ResponseWriter, r *http.Request) {
	key, _, ok := s.position(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	engine := curve.NewEngine()
	engine.SetState(curve.NewStore(state.NewManager(s.db)))
	excessX, excessY, err := engine.Excess(key)
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("load curve excess", "position", key, "error", err)
		writeError(w, http.StatusInternalServerError, "state", "failed to load excess")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"position": key, "excessX": excessX.String(), "excessY": excessY.String()})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	key, _, ok := s.position(w, r)
	if !ok {
		return
	}
	err := curve.NewEngine().WithdrawExcess(key)
	status, kind := classify(err)
	writeError(w, status, kind, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, curve.ErrOrderingViolation):
		return http.StatusConflict, "ordering_violation"
	case errors.Is(err, curve.ErrInvalidPrice):
		return http.StatusUnprocessableEntity, "invalid_price"
	case errors.Is(err, curve.ErrPriceSourceUnavailable):
		return http.StatusServiceUnavailable, "price_source_unavailable"
	case errors.Is(err, curve.ErrBalanceUnderflow), errors.Is(err, curve.ErrBalanceOverflow):
		return http.StatusUnprocessableEntity, "balance_out_of_range"
	case errors.Is(err, curve.ErrInvalidRequest), errors.Is(err, curve.ErrInvalidConfig):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, curve.ErrExcessWithdrawalUnsupported):
		return http.StatusNotImplemented, "unsupported"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": message})
}
