package state

import (
	"math/big"
	"testing"

	"curvevm/storage"
)

type record struct {
	Name   string
	Amount *big.Int
	Signed string
	Flag   bool
	At     uint64
}

func TestManagerKVRoundTrip(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	in := &record{Name: "pos", Amount: big.NewInt(42), Signed: "-17", Flag: true, At: 1_700_000_000}
	if err := mgr.KVPut([]byte("curve/state/pos"), in); err != nil {
		t.Fatalf("put: %v", err)
	}
	var out record
	ok, err := mgr.KVGet([]byte("curve/state/pos"), &out)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected record to exist")
	}
	if out.Name != "pos" || out.Amount.Cmp(big.NewInt(42)) != 0 || out.Signed != "-17" || !out.Flag || out.At != in.At {
		t.Fatalf("unexpected record: %+v", out)
	}
}

func TestManagerKVGetMissing(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	var out record
	ok, err := mgr.KVGet([]byte("absent"), &out)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected missing key")
	}
}

func TestManagerKVRejectsEmptyKey(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	if err := mgr.KVPut(nil, &record{}); err == nil {
		t.Fatalf("expected empty key error")
	}
	if _, err := mgr.KVGet(nil, nil); err == nil {
		t.Fatalf("expected empty key error")
	}
}

func TestManagerHashesKeys(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)
	if err := mgr.KVPut([]byte("plain"), "value"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := db.Get([]byte("plain")); err == nil {
		t.Fatalf("expected raw key to be absent from the database")
	}
	if _, err := db.Get(kvKey([]byte("plain"))); err != nil {
		t.Fatalf("expected hashed key in the database: %v", err)
	}
	if err := mgr.KVDelete([]byte("plain")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := mgr.KVGet([]byte("plain"), nil); ok {
		t.Fatalf("expected key to be deleted")
	}
}
