package server

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"curvevm/services/curved/idempotency"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayHeader      = "Idempotent-Replay"
	defaultReplayTTL  = 24 * time.Hour
	maxIdempotencyKey = 128
)

// IdempotencyStore caches responses keyed by client supplied idempotency keys.
type IdempotencyStore interface {
	Get(key string, now time.Time) (idempotency.Record, bool, error)
	Put(key string, record idempotency.Record) error
}

type replayGuard struct {
	store  IdempotencyStore
	ttl    time.Duration
	logger *slog.Logger
	clock  func() time.Time
	// serialises keyed requests so a retry racing the original waits for it
	mu sync.Mutex
}

func newReplayGuard(store IdempotencyStore, ttl time.Duration, logger *slog.Logger) *replayGuard {
	if store == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultReplayTTL
	}
	return &replayGuard{store: store, ttl: ttl, logger: logger, clock: time.Now}
}

func (g *replayGuard) middleware(next http.Handler) http.Handler {
	if g == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKey {
			writeError(w, http.StatusBadRequest, "invalid_request", "idempotency key too long")
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)
		scoped := chi.URLParam(r, "key") + "|" + key

		g.mu.Lock()
		defer g.mu.Unlock()

		record, found, err := g.store.Get(scoped, g.clock())
		if err != nil {
			g.logger.Error("idempotency lookup failed", "position", chi.URLParam(r, "key"), "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "idempotency lookup failed")
			return
		}
		if found {
			if record.Fingerprint != fingerprint {
				writeError(w, http.StatusUnprocessableEntity, "idempotency_conflict", "idempotency key reused with a different request")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(replayHeader, "true")
			w.WriteHeader(record.StatusCode)
			_, _ = w.Write(record.Body)
			return
		}

		recorder := &bodyRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		// server faults are retryable and never cached
		if recorder.status >= http.StatusInternalServerError {
			return
		}
		now := g.clock()
		if err := g.store.Put(scoped, idempotency.Record{
			Fingerprint: fingerprint,
			StatusCode:  recorder.status,
			Body:        recorder.buf.Bytes(),
			StoredAt:    now,
			ExpiresAt:   now.Add(g.ttl),
		}); err != nil {
			g.logger.Warn("idempotency store failed", "position", chi.URLParam(r, "key"), "error", err)
		}
	})
}

type bodyRecorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (r *bodyRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *bodyRecorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}
