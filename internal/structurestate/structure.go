// Package structurestate implements C3: higher-level detectors
// (swings, trend, rolling window, fibonacci, derived zones) evaluated
// in topological order over a per-TF dependency DAG.
package structurestate

import (
	"fmt"

	"github.com/web3guy0/tradecore/internal/coreerr"
	"github.com/web3guy0/tradecore/internal/types"
)

// Kind names a supported structure detector family.
type Kind string

const (
	KindSwing        Kind = "swing"
	KindTrend        Kind = "trend"
	KindRollingWindow Kind = "rolling_window"
	KindFibonacci    Kind = "fibonacci"
	KindDerivedZone  Kind = "derived_zone"
)

// Spec declares one structure detector on a TF role.
type Spec struct {
	Key        string
	Kind       Kind
	Params     map[string]float64
	Source     types.InputSource
	DependsOn  []string // other struct_key values on the same TF
	FibLevels  []float64
	ZoneCount  int
}

// Fields is the fixed output-field alphabet per structure kind, used
// by internal/rules.Schema and by the Play compiler to reject
// unknown {feature_id, field} references at load time.
func (s Spec) Fields() []string {
	switch s.Kind {
	case KindSwing:
		return []string{"high_level", "high_idx", "low_level", "low_idx", "version"}
	case KindTrend:
		return []string{"direction", "strength", "bars_in_trend"}
	case KindRollingWindow:
		return []string{"value"}
	case KindFibonacci:
		fields := []string{"anchor_high", "anchor_low", "range"}
		for _, lvl := range s.FibLevels {
			fields = append(fields, fmt.Sprintf("level_%v", lvl))
		}
		return fields
	case KindDerivedZone:
		fields := []string{"active_count", "any_active", "any_touched", "any_inside", "closest_active_lower", "closest_active_upper", "bos", "choch"}
		for i := 0; i < s.ZoneCount; i++ {
			fields = append(fields, fmt.Sprintf("zone%d_lower", i), fmt.Sprintf("zone%d_upper", i), fmt.Sprintf("zone%d_state", i))
		}
		return fields
	default:
		return nil
	}
}

// State is a DAG of structure detectors for one TF role, evaluated in
// topological order on every closed bar.
type State struct {
	specs     map[string]Spec
	order     []string
	detectors map[string]detector
	fields    map[string]map[string]any
}

// New builds a State from specs, validating acyclicity. Cycles fail
// Play compilation per spec.md §4.3 invariant (i).
func New(specs []Spec) (*State, error) {
	order, err := topoSort(specs)
	if err != nil {
		return nil, err
	}
	st := &State{
		specs:     make(map[string]Spec, len(specs)),
		order:     order,
		detectors: make(map[string]detector, len(specs)),
		fields:    make(map[string]map[string]any, len(specs)),
	}
	for _, s := range specs {
		st.specs[s.Key] = s
		st.detectors[s.Key] = newDetector(s)
		st.fields[s.Key] = make(map[string]any)
	}
	return st, nil
}

// OnBarClosed fires every detector in topological order, so a
// structure that depends on another on the same TF always sees the
// dependency's already-updated fields for this bar.
func (st *State) OnBarClosed(bar types.Bar, index int, candleArray func(types.InputSource) []float64) {
	for _, key := range st.order {
		d := st.detectors[key]
		out := d.step(bar, index, candleArray, st.fields)
		st.fields[key] = out
	}
}

// Field returns a structure's named output field at the current bar.
func (st *State) Field(key, field string) (any, bool) {
	fields, ok := st.fields[key]
	if !ok {
		return nil, false
	}
	v, ok := fields[field]
	return v, ok
}

func topoSort(specs []Spec) ([]string, error) {
	indegree := make(map[string]int, len(specs))
	adj := make(map[string][]string, len(specs))
	known := make(map[string]bool, len(specs))
	for _, s := range specs {
		known[s.Key] = true
	}
	for _, s := range specs {
		indegree[s.Key] += 0
		for _, dep := range s.DependsOn {
			if !known[dep] {
				return nil, fmt.Errorf("structurestate: %q depends on undeclared %q: %w", s.Key, dep, coreerr.ErrCyclicDependency)
			}
			adj[dep] = append(adj[dep], s.Key)
			indegree[s.Key]++
		}
	}

	var queue []string
	for _, s := range specs {
		if indegree[s.Key] == 0 {
			queue = append(queue, s.Key)
		}
	}
	var order []string
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		order = append(order, key)
		for _, next := range adj[key] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(specs) {
		return nil, fmt.Errorf("structurestate: cyclic depends_on graph: %w", coreerr.ErrCyclicDependency)
	}
	return order, nil
}
