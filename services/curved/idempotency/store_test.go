package idempotency

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "idempotency.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGet(t *testing.T) {
	store := openStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	rec := Record{Fingerprint: "abc", StatusCode: 200, Body: []byte(`{"ok":true}`), StoredAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, store.Put("pool-1|k1", rec))

	got, found, err := store.Get("pool-1|k1", now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rec.Fingerprint, got.Fingerprint)
	require.Equal(t, rec.StatusCode, got.StatusCode)
	require.Equal(t, rec.Body, got.Body)

	_, found, err = store.Get("pool-1|missing", now)
	require.NoError(t, err)
	require.False(t, found)
}

func TestGetExpiresRecords(t *testing.T) {
	store := openStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, store.Put("k", Record{StatusCode: 200, ExpiresAt: now}))

	_, found, err := store.Get("k", now.Add(time.Second))
	require.NoError(t, err)
	require.False(t, found)

	// the expired record is gone even when asked with an earlier clock
	_, found, err = store.Get("k", now.Add(-time.Hour))
	require.NoError(t, err)
	require.False(t, found)
}

func TestPrune(t *testing.T) {
	store := openStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, store.Put("old", Record{StatusCode: 200, ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, store.Put("fresh", Record{StatusCode: 200, ExpiresAt: now.Add(time.Minute)}))

	removed, err := store.Prune(now)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, found, err := store.Get("fresh", now)
	require.NoError(t, err)
	require.True(t, found)
}

func TestClosedStore(t *testing.T) {
	var store *Store
	_, _, err := store.Get("k", time.Now())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, store.Put("k", Record{}), ErrClosed)
	require.NoError(t, store.Close())
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("POST", "/positions/pool-1/execute", []byte(`{"balanceIn":"1"}`))
	require.Len(t, a, 64)
	require.Equal(t, a, Fingerprint("POST", "/positions/pool-1/execute", []byte(`{"balanceIn":"1"}`)))
	require.NotEqual(t, a, Fingerprint("POST", "/positions/pool-1/execute", []byte(`{"balanceIn":"2"}`)))
	require.NotEqual(t, a, Fingerprint("POST", "/positions/pool-2/execute", []byte(`{"balanceIn":"1"}`)))
}
