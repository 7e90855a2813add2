package rules

import "fmt"

// Schema answers whether a feature id/field pair is declared, letting
// Compile turn "feature not found" into a load-time Play error
// instead of a hot-path string lookup miss (dynamic feature
// references are resolved at compile time).
type Schema interface {
	// Fields returns the declared output field names for featureID.
	// A scalar indicator declares a single empty-string field.
	Fields(featureID string) (fields []string, ok bool)
}

// Compile walks node and verifies every FeatureOperand resolves
// against schema and every operator, window kind, and count
// comparator is drawn from its closed alphabet — an unknown value is
// a refused Play, never a silently-false rule. It does not mutate
// node; the AST itself is already the "compiled" representation Eval
// consumes directly.
func Compile(node Node, schema Schema) error {
	switch n := node.(type) {
	case Atom:
		if !knownOp(n.Op) {
			return fmt.Errorf("rules: unknown operator %q", n.Op)
		}
		if err := compileOperand(n.LHS, schema); err != nil {
			return err
		}
		if err := compileOperand(n.RHS, schema); err != nil {
			return err
		}
		if n.Op == OpBetween {
			if n.Upper == nil {
				return fmt.Errorf("rules: between requires an upper operand")
			}
			if err := compileOperand(n.Upper, schema); err != nil {
				return err
			}
		}
		return nil
	case All:
		for _, c := range n.Children {
			if err := Compile(c, schema); err != nil {
				return err
			}
		}
		return nil
	case Any:
		for _, c := range n.Children {
			if err := Compile(c, schema); err != nil {
				return err
			}
		}
		return nil
	case Not:
		return Compile(n.Child, schema)
	case Window:
		if !knownWindowKind(n.Kind) {
			return fmt.Errorf("rules: unknown window kind %q", n.Kind)
		}
		if n.N <= 0 {
			return fmt.Errorf("rules: window predicate requires n > 0, got %d", n.N)
		}
		if n.Kind == WindowCountTrue && !knownCountCmp(n.Cmp) {
			return fmt.Errorf("rules: unknown count_true comparator %q", n.Cmp)
		}
		return Compile(n.Predicate, schema)
	default:
		return fmt.Errorf("rules: unknown node type %T", node)
	}
}

func knownOp(op Op) bool {
	switch op {
	case OpGT, OpLT, OpGTE, OpLTE, OpEQ, OpNEQ,
		OpCrossAbove, OpCrossBelow, OpBetween, OpNearAbs, OpNearPct:
		return true
	default:
		return false
	}
}

func knownWindowKind(k WindowKind) bool {
	switch k {
	case WindowHoldsFor, WindowOccurredWithin, WindowCountTrue:
		return true
	default:
		return false
	}
}

func knownCountCmp(c CountCmp) bool {
	switch c {
	case CountGT, CountGTE, CountLT, CountLTE, CountEQ:
		return true
	default:
		return false
	}
}

func compileOperand(o Operand, schema Schema) error {
	ref, ok := o.(FeatureOperand)
	if !ok {
		return nil
	}
	fields, found := schema.Fields(ref.FeatureID)
	if !found {
		return fmt.Errorf("rules: unknown feature id %q", ref.FeatureID)
	}
	if len(fields) == 1 && fields[0] == "" {
		if ref.Field != "" {
			return fmt.Errorf("rules: feature %q is scalar, field %q not allowed", ref.FeatureID, ref.Field)
		}
		return nil
	}
	for _, f := range fields {
		if f == ref.Field {
			return nil
		}
	}
	return fmt.Errorf("rules: feature %q has no field %q", ref.FeatureID, ref.Field)
}
