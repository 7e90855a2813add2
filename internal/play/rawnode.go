package play

import (
	"fmt"

	"github.com/web3guy0/tradecore/internal/rules"
	"github.com/web3guy0/tradecore/internal/types"
)

// RawNode is the YAML-unmarshalable shape of a rule tree node. Exactly
// one of its fields is populated; ToNode converts it into the
// compiled rules.Node the evaluator consumes.
type RawNode struct {
	All    []RawNode  `yaml:"all,omitempty"`
	Any    []RawNode  `yaml:"any,omitempty"`
	Not    *RawNode   `yaml:"not,omitempty"`
	Atom   *RawAtom   `yaml:"atom,omitempty"`
	Window *RawWindow `yaml:"window,omitempty"`
}

// RawOperand is the YAML shape of a rules.Operand.
type RawOperand struct {
	Source    string   `yaml:"source,omitempty"`
	FeatureID string   `yaml:"feature_id,omitempty"`
	Field     string   `yaml:"field,omitempty"`
	Literal   *float64 `yaml:"literal,omitempty"`
}

// RawAtom is the YAML shape of a rules.Atom.
type RawAtom struct {
	LHS       RawOperand  `yaml:"lhs"`
	Op        string      `yaml:"op"`
	RHS       RawOperand  `yaml:"rhs"`
	Upper     *RawOperand `yaml:"upper,omitempty"`
	Tolerance float64     `yaml:"tolerance,omitempty"`
}

// RawWindow is the YAML shape of a rules.Window.
type RawWindow struct {
	Kind      string  `yaml:"kind"`
	N         int     `yaml:"n"`
	Predicate RawNode `yaml:"predicate"`
	K         int     `yaml:"k"`
	Cmp       string  `yaml:"cmp"`
}

func (o RawOperand) toOperand() (rules.Operand, error) {
	switch {
	case o.Literal != nil:
		return rules.LiteralOperand{Value: *o.Literal}, nil
	case o.FeatureID != "":
		return rules.FeatureOperand{FeatureID: o.FeatureID, Field: o.Field}, nil
	case o.Source != "":
		return rules.OHLCVOperand{Source: types.InputSource(o.Source)}, nil
	default:
		return nil, fmt.Errorf("play: empty operand")
	}
}

// ToNode converts the raw YAML tree into a compiled rules.Node.
func (n RawNode) ToNode() (rules.Node, error) {
	switch {
	case n.Atom != nil:
		return n.Atom.toAtom()
	case len(n.All) > 0:
		children := make([]rules.Node, 0, len(n.All))
		for _, c := range n.All {
			node, err := c.ToNode()
			if err != nil {
				return nil, err
			}
			children = append(children, node)
		}
		return rules.All{Children: children}, nil
	case len(n.Any) > 0:
		children := make([]rules.Node, 0, len(n.Any))
		for _, c := range n.Any {
			node, err := c.ToNode()
			if err != nil {
				return nil, err
			}
			children = append(children, node)
		}
		return rules.Any{Children: children}, nil
	case n.Not != nil:
		child, err := n.Not.ToNode()
		if err != nil {
			return nil, err
		}
		return rules.Not{Child: child}, nil
	case n.Window != nil:
		return n.Window.toWindow()
	default:
		return nil, fmt.Errorf("play: empty rule node")
	}
}

func (a RawAtom) toAtom() (rules.Atom, error) {
	lhs, err := a.LHS.toOperand()
	if err != nil {
		return rules.Atom{}, err
	}
	rhs, err := a.RHS.toOperand()
	if err != nil {
		return rules.Atom{}, err
	}
	atom := rules.Atom{LHS: lhs, Op: rules.Op(a.Op), RHS: rhs, Tolerance: a.Tolerance}
	if a.Upper != nil {
		upper, err := a.Upper.toOperand()
		if err != nil {
			return rules.Atom{}, err
		}
		atom.Upper = upper
	}
	return atom, nil
}

func (w RawWindow) toWindow() (rules.Window, error) {
	predicate, err := w.Predicate.ToNode()
	if err != nil {
		return rules.Window{}, err
	}
	return rules.Window{
		Kind:      rules.WindowKind(w.Kind),
		N:         w.N,
		Predicate: predicate,
		K:         w.K,
		Cmp:       rules.CountCmp(w.Cmp),
	}, nil
}
