package events

import (
	"math/big"
	"strconv"
	"strings"

	"curvevm/core/types"
)

const (
	// TypeCurveTransformed is emitted whenever a position's curve shifts are
	// recomputed and persisted.
	TypeCurveTransformed = "curve.transformed"
)

// CurveTransformed is the audit record of a persisted curve transformation.
type CurveTransformed struct {
	PositionKey string
	OldShiftX   *big.Int
	OldShiftY   *big.Int
	NewShiftX   *big.Int
	NewShiftY   *big.Int
	OldExcessX  *big.Int
	OldExcessY  *big.Int
	NewExcessX  *big.Int
	NewExcessY  *big.Int
	OldPrice    *big.Int
	NewPrice    *big.Int
	PublishedAt int64
	UpdatedAt   int64
}

func (CurveTransformed) EventType() string { return TypeCurveTransformed }

func (e CurveTransformed) Event() *types.Event {
	return &types.Event{
		Type: TypeCurveTransformed,
		Attributes: map[string]string{
			"position":    strings.TrimSpace(e.PositionKey),
			"oldShiftX":   intString(e.OldShiftX),
			"oldShiftY":   intString(e.OldShiftY),
			"newShiftX":   intString(e.NewShiftX),
			"newShiftY":   intString(e.NewShiftY),
			"oldExcessX":  intString(e.OldExcessX),
			"oldExcessY":  intString(e.OldExcessY),
			"newExcessX":  intString(e.NewExcessX),
			"newExcessY":  intString(e.NewExcessY),
			"oldPrice":    intString(e.OldPrice),
			"newPrice":    intString(e.NewPrice),
			"publishedAt": strconv.FormatInt(e.PublishedAt, 10),
			"updatedAt":   strconv.FormatInt(e.UpdatedAt, 10),
		},
	}
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
