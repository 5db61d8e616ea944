package server

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"curvevm/services/curved/idempotency"
	"curvevm/storage"
)

func keyedExecute(h *harness, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/positions/pool-1/execute", bytes.NewBufferString(body))
	req.Header.Set(idempotencyHeader, key)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func withReplay(t *testing.T, h *harness) {
	t.Helper()
	store, err := idempotency.Open(filepath.Join(t.TempDir(), "replay.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	h.server.replay = newReplayGuard(store, 0, h.server.logger)
	h.handler = h.server.Handler()
}

func TestExecuteReplaysIdempotentRequests(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	withReplay(t, h)
	h.setPrice(t, "3")
	body := `{"balanceIn":"1000","balanceOut":"3000"}`

	first := keyedExecute(h, "k1", body)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	require.Empty(t, first.Header().Get(replayHeader))

	// the price moves, but a replay must not touch the engine again
	h.now += 60
	h.setPrice(t, "4")
	second := keyedExecute(h, "k1", body)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "true", second.Header().Get(replayHeader))
	require.JSONEq(t, first.Body.String(), second.Body.String())
	require.Empty(t, h.emitter.events)

	fresh := keyedExecute(h, "k2", body)
	require.Equal(t, http.StatusOK, fresh.Code)
	require.Len(t, h.emitter.events, 1)
}

func TestExecuteRejectsReusedKeyWithDifferentBody(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	withReplay(t, h)
	h.setPrice(t, "3")

	require.Equal(t, http.StatusOK, keyedExecute(h, "k1", `{"balanceIn":"1000","balanceOut":"3000"}`).Code)
	rec := keyedExecute(h, "k1", `{"balanceIn":"1000","balanceOut":"3001"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "idempotency_conflict")
}

func TestExecuteDoesNotCacheServerFaults(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	withReplay(t, h)
	h.setPrice(t, "3")
	body := `{"balanceIn":"1000","balanceOut":"3000"}`
	require.Equal(t, http.StatusOK, keyedExecute(h, "k0", body).Code)

	h.now += 60
	h.source.Fail("ETH", "USD", errors.New("offline"))
	failed := keyedExecute(h, "k1", body)
	require.Equal(t, http.StatusServiceUnavailable, failed.Code)

	h.setPrice(t, "4")
	retried := keyedExecute(h, "k1", body)
	require.Equal(t, http.StatusOK, retried.Code, retried.Body.String())
	require.Empty(t, retried.Header().Get(replayHeader))
	require.Contains(t, retried.Body.String(), "recomputed")
}

func TestNilReplayGuardPassesThrough(t *testing.T) {
	require.Nil(t, newReplayGuard(nil, 0, nil))
	called := false
	var guard *replayGuard
	guard.middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	require.True(t, called)
}
