// Package rules implements C5: a pure, side-effect-free evaluator for
// compiled boolean rule trees over a point-in-time snapshot view.
package rules

import "github.com/web3guy0/tradecore/internal/types"

// Op is an atomic comparison/relation operator.
type Op string

const (
	OpGT         Op = ">"
	OpLT         Op = "<"
	OpGTE        Op = ">="
	OpLTE        Op = "<="
	OpEQ         Op = "=="
	OpNEQ        Op = "!="
	OpCrossAbove Op = "cross_above"
	OpCrossBelow Op = "cross_below"
	OpBetween    Op = "between"
	OpNearAbs    Op = "near_abs"
	OpNearPct    Op = "near_pct"
)

// Operand is one side of an Atom: an OHLCV source, a feature
// reference, or a literal.
type Operand interface {
	isOperand()
}

// OHLCVOperand reads a candle-level source off the current TF role.
type OHLCVOperand struct {
	Source types.InputSource
}

func (OHLCVOperand) isOperand() {}

// FeatureOperand references a declared Play feature by id, and
// optionally a named output field for multi-valued features
// (structures). Field is empty for single-valued indicators.
type FeatureOperand struct {
	FeatureID string
	Field     string
}

func (FeatureOperand) isOperand() {}

// LiteralOperand is a constant value baked into the rule.
type LiteralOperand struct {
	Value float64
}

func (LiteralOperand) isOperand() {}

// Node is any evaluable rule-tree node.
type Node interface {
	isNode()
}

// Atom is a single comparison between two operands. Tolerance is used
// by near_abs/near_pct; Upper is used by between (Operand is the
// lower bound in that case).
type Atom struct {
	LHS       Operand
	Op        Op
	RHS       Operand
	Upper     Operand // between only
	Tolerance float64 // near_abs/near_pct only
}

func (Atom) isNode() {}

// All is true iff every child is true (vacuously true if empty).
type All struct{ Children []Node }

func (All) isNode() {}

// Any is true iff at least one child is true.
type Any struct{ Children []Node }

func (Any) isNode() {}

// Not negates its single child.
type Not struct{ Child Node }

func (Not) isNode() {}

// WindowKind selects among the three window predicates.
type WindowKind string

const (
	WindowHoldsFor       WindowKind = "holds_for"
	WindowOccurredWithin WindowKind = "occurred_within"
	WindowCountTrue      WindowKind = "count_true"
)

// CountCmp is the comparison alphabet for count_true ⊲⊳ k (Open
// Question decision, SPEC_FULL.md §6.1).
type CountCmp string

const (
	CountGT  CountCmp = ">"
	CountGTE CountCmp = ">="
	CountLT  CountCmp = "<"
	CountLTE CountCmp = "<="
	CountEQ  CountCmp = "=="
)

// Window evaluates Predicate over the last N bars. K and Cmp are only
// used by count_true.
type Window struct {
	Kind      WindowKind
	N         int
	Predicate Node
	K         int
	Cmp       CountCmp
}

func (Window) isNode() {}
