package curve

import (
	"fmt"
	"math"
	"math/big"
	"strings"
)

// kvStorage abstracts the subset of state manager functionality required by the
// curve state store.
type kvStorage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var curveStatePrefix = []byte("curve/state/")

func curveStateKey(position string) []byte {
	buf := make([]byte, len(curveStatePrefix)+len(position))
	copy(buf, curveStatePrefix)
	copy(buf[len(curveStatePrefix):], position)
	return buf
}

// storedCurveState is the RLP layout of a CurveState. RLP cannot carry signed
// integers so shifts are stored as decimal strings.
type storedCurveState struct {
	ShiftX             string
	ShiftY             string
	ExcessX            *big.Int
	ExcessY            *big.Int
	LastReferencePrice *big.Int
	LastUpdateTime     uint64
	Initialized        bool
}

// Store maps position keys to their CurveState records.
type Store struct {
	kv kvStorage
}

// NewStore constructs a store bound to the provided storage backend.
func NewStore(kv kvStorage) *Store {
	return &Store{kv: kv}
}

// CurveStateGet loads the state for position. The boolean reports whether a
// record exists.
func (s *Store) CurveStateGet(position string) (*CurveState, bool, error) {
	if s == nil || s.kv == nil {
		return nil, false, errNilState
	}
	key, err := normalisePositionKey(position)
	if err != nil {
		return nil, false, err
	}
	var stored storedCurveState
	ok, err := s.kv.KVGet(curveStateKey(key), &stored)
	if err != nil {
		return nil, false, fmt.Errorf("curve: load state %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	st, err := decodeCurveState(&stored)
	if err != nil {
		return nil, false, fmt.Errorf("curve: decode state %s: %w", key, err)
	}
	return st, true, nil
}

// CurveStatePut replaces the state for position.
func (s *Store) CurveStatePut(position string, st *CurveState) error {
	if s == nil || s.kv == nil {
		return errNilState
	}
	key, err := normalisePositionKey(position)
	if err != nil {
		return err
	}
	stored, err := encodeCurveState(st)
	if err != nil {
		return err
	}
	return s.kv.KVPut(curveStateKey(key), stored)
}

func encodeCurveState(st *CurveState) (*storedCurveState, error) {
	if st == nil {
		return nil, fmt.Errorf("curve: state required")
	}
	clone := st.Clone()
	if clone.ExcessX.Sign() < 0 || clone.ExcessY.Sign() < 0 {
		return nil, fmt.Errorf("curve: excess must not be negative")
	}
	if clone.LastReferencePrice.Sign() < 0 {
		return nil, fmt.Errorf("curve: reference price must not be negative")
	}
	if clone.LastUpdateTime < 0 {
		return nil, fmt.Errorf("curve: update time must not be negative")
	}
	return &storedCurveState{
		ShiftX:             clone.ShiftX.String(),
		ShiftY:             clone.ShiftY.String(),
		ExcessX:            clone.ExcessX,
		ExcessY:            clone.ExcessY,
		LastReferencePrice: clone.LastReferencePrice,
		LastUpdateTime:     uint64(clone.LastUpdateTime),
		Initialized:        clone.Initialized,
	}, nil
}

func decodeCurveState(stored *storedCurveState) (*CurveState, error) {
	shiftX, ok := new(big.Int).SetString(stored.ShiftX, 10)
	if !ok {
		return nil, fmt.Errorf("invalid shiftX %q", stored.ShiftX)
	}
	shiftY, ok := new(big.Int).SetString(stored.ShiftY, 10)
	if !ok {
		return nil, fmt.Errorf("invalid shiftY %q", stored.ShiftY)
	}
	if stored.LastUpdateTime > math.MaxInt64 {
		return nil, fmt.Errorf("update time out of range")
	}
	return &CurveState{
		ShiftX:             shiftX,
		ShiftY:             shiftY,
		ExcessX:            newBigInt(stored.ExcessX),
		ExcessY:            newBigInt(stored.ExcessY),
		LastReferencePrice: newBigInt(stored.LastReferencePrice),
		LastUpdateTime:     int64(stored.LastUpdateTime),
		Initialized:        stored.Initialized,
	}, nil
}

func normalisePositionKey(position string) (string, error) {
	trimmed := strings.TrimSpace(position)
	if trimmed == "" {
		return "", fmt.Errorf("%w: position key required", ErrInvalidRequest)
	}
	return trimmed, nil
}
