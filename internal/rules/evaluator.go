package rules

import (
	"math"

	"github.com/web3guy0/tradecore/internal/types"
)

// View is the point-in-time snapshot the evaluator reads from. offset
// 0 is the current (latest closed) bar, offset 1 is one bar back, and
// so on. ok is false when the value is unavailable (not enough
// history, unresolved feature, or NaN before warmup) and every
// operator treats an unavailable operand as a false comparison.
type View interface {
	OHLCV(source types.InputSource, offset int) (value float64, ok bool)
	Feature(featureID, field string, offset int) (value float64, ok bool)
	HasOffset(offset int) bool
}

// Eval evaluates node against view at the current index (offset 0).
// It is pure: no I/O, no mutation, identical output for identical
// inputs on every platform.
func Eval(view View, node Node) bool {
	switch n := node.(type) {
	case Atom:
		return evalAtom(view, n)
	case All:
		for _, c := range n.Children {
			if !Eval(view, c) {
				return false
			}
		}
		return true
	case Any:
		for _, c := range n.Children {
			if Eval(view, c) {
				return true
			}
		}
		return false
	case Not:
		return !Eval(view, n.Child)
	case Window:
		return evalWindow(view, n)
	default:
		return false
	}
}

// resolveOperand reports ok=false for any NaN value, not only view
// misses, so every operator fails closed on unwarmed data. Without
// this, != would be true for a NaN operand under IEEE-754.
func resolveOperand(v View, o Operand, offset int) (float64, bool) {
	var val float64
	var ok bool
	switch t := o.(type) {
	case OHLCVOperand:
		val, ok = v.OHLCV(t.Source, offset)
	case FeatureOperand:
		val, ok = v.Feature(t.FeatureID, t.Field, offset)
	case LiteralOperand:
		val, ok = t.Value, true
	default:
		return 0, false
	}
	if !ok || math.IsNaN(val) {
		return math.NaN(), false
	}
	return val, true
}

func evalAtom(v View, a Atom) bool {
	switch a.Op {
	case OpCrossAbove:
		aNow, okA0 := resolveOperand(v, a.LHS, 0)
		bNow, okB0 := resolveOperand(v, a.RHS, 0)
		aPrev, okA1 := resolveOperand(v, a.LHS, 1)
		bPrev, okB1 := resolveOperand(v, a.RHS, 1)
		if !okA0 || !okB0 || !okA1 || !okB1 {
			return false
		}
		return aNow > bNow && aPrev <= bPrev
	case OpCrossBelow:
		aNow, okA0 := resolveOperand(v, a.LHS, 0)
		bNow, okB0 := resolveOperand(v, a.RHS, 0)
		aPrev, okA1 := resolveOperand(v, a.LHS, 1)
		bPrev, okB1 := resolveOperand(v, a.RHS, 1)
		if !okA0 || !okB0 || !okA1 || !okB1 {
			return false
		}
		return aNow < bNow && aPrev >= bPrev
	}

	lhs, okL := resolveOperand(v, a.LHS, 0)
	rhs, okR := resolveOperand(v, a.RHS, 0)
	if !okL || !okR {
		return false
	}

	switch a.Op {
	case OpGT:
		return lhs > rhs
	case OpLT:
		return lhs < rhs
	case OpGTE:
		return lhs >= rhs
	case OpLTE:
		return lhs <= rhs
	case OpEQ:
		return lhs == rhs
	case OpNEQ:
		return lhs != rhs
	case OpBetween:
		upper, okU := resolveOperand(v, a.Upper, 0)
		if !okU {
			return false
		}
		return lhs >= rhs && lhs <= upper
	case OpNearAbs:
		return math.Abs(lhs-rhs) <= a.Tolerance
	case OpNearPct:
		return math.Abs(lhs-rhs) <= a.Tolerance/100*math.Abs(rhs)
	default:
		return false
	}
}

func evalWindow(v View, w Window) bool {
	if w.N <= 0 || !v.HasOffset(w.N-1) {
		return false
	}
	switch w.Kind {
	case WindowHoldsFor:
		for s := 0; s < w.N; s++ {
			if !Eval(shiftedView{v, s}, w.Predicate) {
				return false
			}
		}
		return true
	case WindowOccurredWithin:
		for s := 0; s < w.N; s++ {
			if Eval(shiftedView{v, s}, w.Predicate) {
				return true
			}
		}
		return false
	case WindowCountTrue:
		count := 0
		for s := 0; s < w.N; s++ {
			if Eval(shiftedView{v, s}, w.Predicate) {
				count++
			}
		}
		return compareCount(count, w.Cmp, w.K)
	default:
		return false
	}
}

func compareCount(count int, cmp CountCmp, k int) bool {
	switch cmp {
	case CountGT:
		return count > k
	case CountGTE:
		return count >= k
	case CountLT:
		return count < k
	case CountLTE:
		return count <= k
	case CountEQ:
		return count == k
	default:
		return false
	}
}

// shiftedView re-bases every read of the wrapped view by a constant
// number of bars, letting window predicates re-evaluate their inner
// node "as of n bars ago" without any mutable history buffer.
type shiftedView struct {
	base  View
	shift int
}

func (s shiftedView) OHLCV(source types.InputSource, offset int) (float64, bool) {
	return s.base.OHLCV(source, offset+s.shift)
}

func (s shiftedView) Feature(featureID, field string, offset int) (float64, bool) {
	return s.base.Feature(featureID, field, offset+s.shift)
}

func (s shiftedView) HasOffset(offset int) bool {
	return s.base.HasOffset(offset + s.shift)
}
