package rules

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/tradecore/internal/types"
)

// seriesView serves canned series keyed by feature id and OHLCV
// source. Index 0 of each slice is the oldest bar; offset 0 reads the
// newest.
type seriesView struct {
	ohlcv    map[types.InputSource][]float64
	features map[string][]float64
	length   int
}

func (v seriesView) at(s []float64, offset int) (float64, bool) {
	idx := len(s) - 1 - offset
	if idx < 0 || idx >= len(s) {
		return math.NaN(), false
	}
	val := s[idx]
	if math.IsNaN(val) {
		return val, false
	}
	return val, true
}

func (v seriesView) OHLCV(source types.InputSource, offset int) (float64, bool) {
	s, ok := v.ohlcv[source]
	if !ok {
		return math.NaN(), false
	}
	return v.at(s, offset)
}

func (v seriesView) Feature(featureID, _ string, offset int) (float64, bool) {
	s, ok := v.features[featureID]
	if !ok {
		return math.NaN(), false
	}
	return v.at(s, offset)
}

func (v seriesView) HasOffset(offset int) bool {
	return offset < v.length
}

func viewOf(close, ema []float64) seriesView {
	return seriesView{
		ohlcv:    map[types.InputSource][]float64{types.SourceClose: close},
		features: map[string][]float64{"ema": ema},
		length:   len(close),
	}
}

func crossAboveRule() Node {
	return Atom{
		LHS: OHLCVOperand{Source: types.SourceClose},
		Op:  OpCrossAbove,
		RHS: FeatureOperand{FeatureID: "ema"},
	}
}

func TestCrossAbove(t *testing.T) {
	// prev: close 99 <= ema 100; now: close 101 > ema 100 — a cross.
	v := viewOf([]float64{99, 101}, []float64{100, 100})
	assert.True(t, Eval(v, crossAboveRule()))

	// Already above on both bars: no cross.
	v = viewOf([]float64{101, 102}, []float64{100, 100})
	assert.False(t, Eval(v, crossAboveRule()))

	// Equality on the previous bar still arms the cross.
	v = viewOf([]float64{100, 101}, []float64{100, 100})
	assert.True(t, Eval(v, crossAboveRule()))

	// Equality on the current bar is not a cross.
	v = viewOf([]float64{99, 100}, []float64{100, 100})
	assert.False(t, Eval(v, crossAboveRule()))
}

func TestCrossBelow(t *testing.T) {
	rule := Atom{
		LHS: OHLCVOperand{Source: types.SourceClose},
		Op:  OpCrossBelow,
		RHS: FeatureOperand{FeatureID: "ema"},
	}
	v := viewOf([]float64{101, 99}, []float64{100, 100})
	assert.True(t, Eval(v, rule))
	v = viewOf([]float64{99, 98}, []float64{100, 100})
	assert.False(t, Eval(v, rule))
}

func TestCrossRequiresTwoBars(t *testing.T) {
	v := viewOf([]float64{101}, []float64{100})
	assert.False(t, Eval(v, crossAboveRule()), "single bar cannot cross")
}

// Any NaN operand makes the comparison false, never true and never a
// panic.
func TestNaNOperandIsFalse(t *testing.T) {
	v := viewOf([]float64{math.NaN(), 101}, []float64{100, math.NaN()})
	for _, op := range []Op{OpGT, OpLT, OpGTE, OpLTE, OpEQ, OpNEQ, OpCrossAbove, OpCrossBelow} {
		rule := Atom{
			LHS: OHLCVOperand{Source: types.SourceClose},
			Op:  op,
			RHS: FeatureOperand{FeatureID: "ema"},
		}
		assert.False(t, Eval(v, rule), string(op))
	}
}

// rawView hands NaN through with ok=true, the way a structure field
// read does before its detector warms. The evaluator must still treat
// the operand as unavailable: under bare IEEE-754, NaN != x is true.
type rawView struct{ seriesView }

func (v rawView) Feature(featureID, field string, offset int) (float64, bool) {
	s, ok := v.features[featureID]
	if !ok {
		return math.NaN(), false
	}
	idx := len(s) - 1 - offset
	if idx < 0 || idx >= len(s) {
		return math.NaN(), false
	}
	return s[idx], true
}

func TestNaNReportedAvailableStillFalse(t *testing.T) {
	v := rawView{viewOf([]float64{100, 101}, []float64{100, math.NaN()})}
	for _, op := range []Op{OpNEQ, OpEQ, OpGT, OpNearAbs, OpNearPct} {
		rule := Atom{
			LHS: FeatureOperand{FeatureID: "ema"},
			Op:  op,
			RHS: LiteralOperand{Value: 0},
		}
		assert.False(t, Eval(v, rule), "%s must fail closed on a NaN value the view calls ok", op)
	}
}

func TestComparisonOps(t *testing.T) {
	v := viewOf([]float64{100, 105}, []float64{100, 100})
	cases := []struct {
		op   Op
		want bool
	}{
		{OpGT, true}, {OpLT, false}, {OpGTE, true}, {OpLTE, false}, {OpEQ, false}, {OpNEQ, true},
	}
	for _, c := range cases {
		rule := Atom{
			LHS: OHLCVOperand{Source: types.SourceClose},
			Op:  c.op,
			RHS: FeatureOperand{FeatureID: "ema"},
		}
		assert.Equal(t, c.want, Eval(v, rule), string(c.op))
	}
}

func TestBetween(t *testing.T) {
	v := viewOf([]float64{100, 105}, []float64{100, 100})
	rule := Atom{
		LHS:   OHLCVOperand{Source: types.SourceClose},
		Op:    OpBetween,
		RHS:   LiteralOperand{Value: 100},
		Upper: LiteralOperand{Value: 110},
	}
	assert.True(t, Eval(v, rule))
	rule.Upper = LiteralOperand{Value: 104}
	assert.False(t, Eval(v, rule))
}

func TestNearAbsAndNearPct(t *testing.T) {
	v := viewOf([]float64{100, 100.4}, []float64{100, 100})
	nearAbs := Atom{
		LHS:       OHLCVOperand{Source: types.SourceClose},
		Op:        OpNearAbs,
		RHS:       FeatureOperand{FeatureID: "ema"},
		Tolerance: 0.5,
	}
	assert.True(t, Eval(v, nearAbs))
	nearAbs.Tolerance = 0.3
	assert.False(t, Eval(v, nearAbs))

	// near_pct: |a-b| <= tol%/100 * |b|. 0.4 away from 100 is 0.4%.
	nearPct := Atom{
		LHS:       OHLCVOperand{Source: types.SourceClose},
		Op:        OpNearPct,
		RHS:       FeatureOperand{FeatureID: "ema"},
		Tolerance: 0.5,
	}
	assert.True(t, Eval(v, nearPct))
	nearPct.Tolerance = 0.3
	assert.False(t, Eval(v, nearPct))
}

func TestBooleanNodes(t *testing.T) {
	v := viewOf([]float64{99, 101}, []float64{100, 100})
	truthy := Atom{LHS: OHLCVOperand{Source: types.SourceClose}, Op: OpGT, RHS: LiteralOperand{Value: 100}}
	falsy := Atom{LHS: OHLCVOperand{Source: types.SourceClose}, Op: OpLT, RHS: LiteralOperand{Value: 100}}

	assert.True(t, Eval(v, All{Children: []Node{truthy, truthy}}))
	assert.False(t, Eval(v, All{Children: []Node{truthy, falsy}}))
	assert.True(t, Eval(v, Any{Children: []Node{falsy, truthy}}))
	assert.False(t, Eval(v, Any{Children: []Node{falsy, falsy}}))
	assert.True(t, Eval(v, Not{Child: falsy}))
	assert.True(t, Eval(v, All{}), "empty all is vacuously true")
	assert.False(t, Eval(v, Any{}), "empty any is false")
}

func TestHoldsFor(t *testing.T) {
	above := Atom{LHS: OHLCVOperand{Source: types.SourceClose}, Op: OpGT, RHS: FeatureOperand{FeatureID: "ema"}}

	v := viewOf([]float64{101, 102, 103}, []float64{100, 100, 100})
	assert.True(t, Eval(v, Window{Kind: WindowHoldsFor, N: 3, Predicate: above}))

	v = viewOf([]float64{99, 102, 103}, []float64{100, 100, 100})
	assert.False(t, Eval(v, Window{Kind: WindowHoldsFor, N: 3, Predicate: above}))
	assert.True(t, Eval(v, Window{Kind: WindowHoldsFor, N: 2, Predicate: above}))
}

func TestOccurredWithin(t *testing.T) {
	above := Atom{LHS: OHLCVOperand{Source: types.SourceClose}, Op: OpGT, RHS: FeatureOperand{FeatureID: "ema"}}
	v := viewOf([]float64{101, 99, 98}, []float64{100, 100, 100})
	assert.True(t, Eval(v, Window{Kind: WindowOccurredWithin, N: 3, Predicate: above}))
	assert.False(t, Eval(v, Window{Kind: WindowOccurredWithin, N: 2, Predicate: above}))
}

func TestCountTrue(t *testing.T) {
	above := Atom{LHS: OHLCVOperand{Source: types.SourceClose}, Op: OpGT, RHS: FeatureOperand{FeatureID: "ema"}}
	v := viewOf([]float64{101, 99, 102, 103}, []float64{100, 100, 100, 100})

	assert.True(t, Eval(v, Window{Kind: WindowCountTrue, N: 4, Predicate: above, K: 3, Cmp: CountGTE}))
	assert.False(t, Eval(v, Window{Kind: WindowCountTrue, N: 4, Predicate: above, K: 3, Cmp: CountGT}))
	assert.True(t, Eval(v, Window{Kind: WindowCountTrue, N: 4, Predicate: above, K: 3, Cmp: CountEQ}))
	assert.True(t, Eval(v, Window{Kind: WindowCountTrue, N: 4, Predicate: above, K: 4, Cmp: CountLT}))
}

// Window nodes need n prior evaluations; before that they are false.
func TestWindowBeforeWarmupIsFalse(t *testing.T) {
	above := Atom{LHS: OHLCVOperand{Source: types.SourceClose}, Op: OpGT, RHS: FeatureOperand{FeatureID: "ema"}}
	v := viewOf([]float64{101, 102}, []float64{100, 100})
	assert.False(t, Eval(v, Window{Kind: WindowHoldsFor, N: 5, Predicate: above}))
}

// Same snapshot, same verdict, every time.
func TestDeterminism(t *testing.T) {
	v := viewOf([]float64{99, 101, 100.5, 102}, []float64{100, 100, 101, 101.5})
	rule := All{Children: []Node{
		crossAboveRule(),
		Window{Kind: WindowCountTrue, N: 3, Predicate: Atom{
			LHS: OHLCVOperand{Source: types.SourceClose}, Op: OpGT, RHS: LiteralOperand{Value: 100},
		}, K: 2, Cmp: CountGTE},
	}}
	first := Eval(v, rule)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Eval(v, rule))
	}
}

func TestCompileRejectsUnknownFeature(t *testing.T) {
	schema := stubSchema{fields: map[string][]string{"ema": {""}}}
	good := crossAboveRule()
	assert.NoError(t, Compile(good, schema))

	bad := Atom{LHS: FeatureOperand{FeatureID: "missing"}, Op: OpGT, RHS: LiteralOperand{Value: 0}}
	assert.Error(t, Compile(bad, schema))

	badField := Atom{LHS: FeatureOperand{FeatureID: "ema", Field: "upper"}, Op: OpGT, RHS: LiteralOperand{Value: 0}}
	assert.Error(t, Compile(badField, schema))
}

// An operator outside the closed alphabet refuses to compile rather
// than evaluating to false forever.
func TestCompileRejectsUnknownOperator(t *testing.T) {
	schema := stubSchema{fields: map[string][]string{}}
	for _, op := range []Op{"gt", "crossabove", "CROSS_ABOVE", ""} {
		bad := Atom{LHS: LiteralOperand{Value: 1}, Op: op, RHS: LiteralOperand{Value: 0}}
		assert.Error(t, Compile(bad, schema), string(op))
	}
	// The same typo nested under a boolean node is still caught.
	nested := All{Children: []Node{
		Atom{LHS: LiteralOperand{Value: 1}, Op: OpGT, RHS: LiteralOperand{Value: 0}},
		Not{Child: Atom{LHS: LiteralOperand{Value: 1}, Op: "lte", RHS: LiteralOperand{Value: 0}}},
	}}
	assert.Error(t, Compile(nested, schema))
}

func TestCompileRejectsUnknownWindowKind(t *testing.T) {
	schema := stubSchema{fields: map[string][]string{}}
	pred := Atom{LHS: LiteralOperand{Value: 1}, Op: OpGT, RHS: LiteralOperand{Value: 0}}

	w := Window{Kind: "holds", N: 3, Predicate: pred}
	assert.Error(t, Compile(w, schema))

	// count_true additionally requires a valid comparator.
	w = Window{Kind: WindowCountTrue, N: 3, Predicate: pred, K: 1, Cmp: "=>"}
	assert.Error(t, Compile(w, schema))
	w = Window{Kind: WindowCountTrue, N: 3, Predicate: pred, K: 1, Cmp: CountGTE}
	assert.NoError(t, Compile(w, schema))

	// holds_for/occurred_within ignore the comparator entirely.
	w = Window{Kind: WindowHoldsFor, N: 3, Predicate: pred}
	assert.NoError(t, Compile(w, schema))
}

func TestCompileRejectsBetweenWithoutUpper(t *testing.T) {
	schema := stubSchema{fields: map[string][]string{}}
	b := Atom{LHS: LiteralOperand{Value: 1}, Op: OpBetween, RHS: LiteralOperand{Value: 0}}
	assert.Error(t, Compile(b, schema))
}

func TestCompileRejectsNonPositiveWindow(t *testing.T) {
	schema := stubSchema{fields: map[string][]string{}}
	w := Window{Kind: WindowHoldsFor, N: 0, Predicate: Atom{
		LHS: LiteralOperand{Value: 1}, Op: OpGT, RHS: LiteralOperand{Value: 0},
	}}
	assert.Error(t, Compile(w, schema))
}

type stubSchema struct {
	fields map[string][]string
}

func (s stubSchema) Fields(featureID string) ([]string, bool) {
	f, ok := s.fields[featureID]
	return f, ok
}
