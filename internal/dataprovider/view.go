package dataprovider

import (
	"math"

	"github.com/web3guy0/tradecore/internal/rules"
	"github.com/web3guy0/tradecore/internal/types"
)

// featureBinding records which role and, for structures, which field
// a compiled rules.FeatureOperand resolves against.
type featureBinding struct {
	role       types.TFRole
	isStruct   bool
	structKey  string
}

// View implements rules.View against the exec role's candles plus a
// Play-provided feature→role binding table, so the evaluator never
// does a string lookup against the wrong TF.
type View struct {
	p        *Provider
	bindings map[string]featureBinding
}

// NewView builds a rules.View bound to the exec role with an empty
// binding table; callers populate it with BindIndicator/BindStructure
// before the view is handed to rules.Eval.
func NewView(p *Provider) *View {
	return &View{p: p, bindings: make(map[string]featureBinding)}
}

// BindIndicator registers featureID as an indicator spec id on role.
func (v *View) BindIndicator(featureID string, role types.TFRole) {
	v.bindings[featureID] = featureBinding{role: role}
}

// BindStructure registers featureID as a structure key on role.
func (v *View) BindStructure(featureID string, role types.TFRole, structKey string) {
	v.bindings[featureID] = featureBinding{role: role, isStruct: true, structKey: structKey}
}

func (v *View) OHLCV(source types.InputSource, offset int) (float64, bool) {
	bar, ok := v.p.GetCandle(v.p.execRole, -1-offset)
	if !ok {
		return math.NaN(), false
	}
	return types.Resolve(bar, source).InexactFloat64(), true
}

func (v *View) Feature(featureID, field string, offset int) (float64, bool) {
	b, ok := v.bindings[featureID]
	if !ok {
		return math.NaN(), false
	}
	if offset != 0 {
		// Structures are point-in-time mutated in place (no history
		// array); only the indicator cache supports look-back reads.
		if b.isStruct {
			return math.NaN(), false
		}
		return v.p.GetIndicator(b.role, featureID, -1-offset)
	}
	if b.isStruct {
		val, ok := v.p.GetStructure(b.role, b.structKey, field)
		if !ok {
			return math.NaN(), false
		}
		return toFloat(val)
	}
	return v.p.GetIndicator(b.role, featureID, -1)
}

func (v *View) HasOffset(offset int) bool {
	_, ok := v.p.GetCandle(v.p.execRole, -1-offset)
	return ok
}

func toFloat(val any) (float64, bool) {
	switch t := val.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

var _ rules.View = (*View)(nil)
