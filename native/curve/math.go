package curve

import (
	"math/big"

	"github.com/holiman/uint256"

	"curvevm/core/pricing"
)

var (
	one = big.NewInt(1)
	// sqrtWad is sqrt(10^18). Stable-point legs computed from a Wad-scaled
	// radicand are descaled by it.
	sqrtWad = big.NewInt(1_000_000_000)
)

// Sqrt returns floor(sqrt(n)) using Newton iteration from an initial guess
// above the root. Non-positive inputs yield zero.
func Sqrt(n *big.Int) *big.Int {
	if n == nil || n.Sign() <= 0 {
		return big.NewInt(0)
	}
	x := new(big.Int).Lsh(one, uint(n.BitLen()+1)/2)
	y := new(big.Int)
	for {
		// y = (x + n/x) / 2
		y.Quo(n, x)
		y.Add(y, x)
		y.Rsh(y, 1)
		if y.Cmp(x) >= 0 {
			return x
		}
		x.Set(y)
	}
}

// StablePoint returns the balance pair on the curve k = in*out whose implied
// price out/in equals price (Wad). Both legs round down.
func StablePoint(k, price *big.Int) (in, out *big.Int) {
	if k == nil || price == nil || k.Sign() <= 0 || price.Sign() <= 0 {
		return big.NewInt(0), big.NewInt(0)
	}
	radIn := new(big.Int).Mul(k, pricing.Wad)
	radIn.Quo(radIn, price)
	in = Sqrt(radIn)

	radOut := new(big.Int).Mul(k, price)
	out = Sqrt(radOut)
	out.Quo(out, sqrtWad)
	return in, out
}

// Transformation is the result of re-expressing a curve at a new price.
type Transformation struct {
	K            *big.Int
	OldStableIn  *big.Int
	OldStableOut *big.Int
	NewStableIn  *big.Int
	NewStableOut *big.Int
	ShiftX       *big.Int
	ShiftY       *big.Int
	ExcessX      *big.Int
	ExcessY      *big.Int
}

// ComputeTransformation derives shifts and excess for a move from oldPrice to
// newPrice given the raw balances. A price increase shifts X down, Y up and
// parks the X delta as excess; a decrease mirrors this on the Y side.
//
// Both stable-point deltas can round down to zero for small balances and
// small moves. The result then carries zero shifts and zero excess on both
// sides; Engine treats that as an unchanged price rather than persisting it.
func ComputeTransformation(balanceIn, balanceOut, oldPrice, newPrice *big.Int) Transformation {
	k := new(big.Int).Mul(balanceIn, balanceOut)
	oldIn, oldOut := StablePoint(k, oldPrice)
	newIn, newOut := StablePoint(k, newPrice)

	dIn := new(big.Int).Sub(newIn, oldIn)
	dIn.Abs(dIn)
	dOut := new(big.Int).Sub(newOut, oldOut)
	dOut.Abs(dOut)

	tr := Transformation{
		K:            k,
		OldStableIn:  oldIn,
		OldStableOut: oldOut,
		NewStableIn:  newIn,
		NewStableOut: newOut,
	}
	if newPrice.Cmp(oldPrice) > 0 {
		tr.ShiftX = new(big.Int).Neg(dIn)
		tr.ShiftY = new(big.Int).Set(dOut)
		tr.ExcessX = new(big.Int).Set(dIn)
		tr.ExcessY = big.NewInt(0)
	} else {
		tr.ShiftX = new(big.Int).Set(dIn)
		tr.ShiftY = new(big.Int).Neg(dOut)
		tr.ExcessX = big.NewInt(0)
		tr.ExcessY = new(big.Int).Set(dOut)
	}
	return tr
}

// applyShift returns balance - shift in the unsigned balance domain.
func applyShift(balance *uint256.Int, shift *big.Int) (*uint256.Int, error) {
	adjusted := balance.ToBig()
	if shift != nil {
		adjusted.Sub(adjusted, shift)
	}
	if adjusted.Sign() < 0 {
		return nil, ErrBalanceUnderflow
	}
	out, overflow := uint256.FromBig(adjusted)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return out, nil
}
