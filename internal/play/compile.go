package play

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/web3guy0/tradecore/internal/dataprovider"
	"github.com/web3guy0/tradecore/internal/indicatorcache"
	"github.com/web3guy0/tradecore/internal/rules"
	"github.com/web3guy0/tradecore/internal/structurestate"
	"github.com/web3guy0/tradecore/internal/types"
)

// FeatureBinding tells a caller wiring a dataprovider.View which role
// (and, for structures, which struct_key) a compiled feature id
// resolves against.
type FeatureBinding struct {
	Role      types.TFRole
	IsStruct  bool
	StructKey string
}

// Compiled is a Play that has passed load-time validation: its rule
// trees are built, every feature reference resolves, and the
// structure DAG on every role is acyclic.
type Compiled struct {
	Play      *Play
	EntryRule rules.Node
	ExitRule  rules.Node
	RoleSpecs []dataprovider.RoleSpec
	Bindings  map[string]FeatureBinding
}

// featureSchema implements rules.Schema over a Play's declared
// features, so Compile rejects an unknown {feature_id, field}
// reference before the engine ever runs a bar.
type featureSchema struct {
	fields map[string][]string
}

func (s featureSchema) Fields(featureID string) ([]string, bool) {
	f, ok := s.fields[featureID]
	return f, ok
}

// LoadFile reads and compiles a Play from a YAML file.
func LoadFile(path string) (*Compiled, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("play: reading %s: %w", path, err)
	}
	return LoadBytes(data)
}

// LoadBytes parses and compiles a Play from raw YAML.
func LoadBytes(data []byte) (*Compiled, error) {
	var p Play
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("play: parsing yaml: %w", err)
	}
	return Compile(&p)
}

// Compile validates p and builds the structures the rest of the
// engine needs: the feature schema, the compiled entry/exit rule
// trees, and one dataprovider.RoleSpec per declared TF role.
func Compile(p *Play) (*Compiled, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("play: name is required")
	}
	if p.Symbol == "" {
		return nil, fmt.Errorf("play: symbol is required")
	}
	switch p.Direction {
	case types.Long, types.Short:
	case "":
		p.Direction = types.Long
	default:
		return nil, fmt.Errorf("play: direction must be LONG or SHORT, got %q", p.Direction)
	}
	if _, err := types.Minutes(p.Roles.Low); err != nil {
		return nil, fmt.Errorf("play: low_tf: %w", err)
	}
	if _, err := types.Minutes(p.Roles.Med); err != nil {
		return nil, fmt.Errorf("play: med_tf: %w", err)
	}
	if _, err := types.Minutes(p.Roles.High); err != nil {
		return nil, fmt.Errorf("play: high_tf: %w", err)
	}

	roleTFs := map[types.TFRole]types.Timeframe{
		types.RoleLow:  p.Roles.Low,
		types.RoleMed:  p.Roles.Med,
		types.RoleHigh: p.Roles.High,
	}
	if _, ok := roleTFs[p.Roles.Exec]; !ok {
		return nil, fmt.Errorf("play: exec role %q is not one of low_tf/med_tf/high_tf", p.Roles.Exec)
	}

	schemaFields := make(map[string][]string, len(p.Features))
	bindings := make(map[string]FeatureBinding, len(p.Features))
	indicatorsByRole := make(map[types.TFRole][]indicatorcache.Spec)
	structsByRole := make(map[types.TFRole][]structurestate.Spec)

	for _, f := range p.Features {
		if f.ID == "" {
			return nil, fmt.Errorf("play: feature with empty id")
		}
		if _, dup := schemaFields[f.ID]; dup {
			return nil, fmt.Errorf("play: duplicate feature id %q", f.ID)
		}
		if _, ok := roleTFs[f.TFRole]; !ok {
			return nil, fmt.Errorf("play: feature %q: unknown tf_role %q", f.ID, f.TFRole)
		}

		switch f.Kind {
		case FeatureIndicator:
			schemaFields[f.ID] = []string{""}
			bindings[f.ID] = FeatureBinding{Role: f.TFRole}
			indicatorsByRole[f.TFRole] = append(indicatorsByRole[f.TFRole], indicatorcache.Spec{
				ID:     f.ID,
				Type:   f.IndicatorType,
				Params: f.Params,
				Source: f.InputSource,
			})
		case FeatureStructure:
			sspec := structurestate.Spec{
				Key:       f.ID,
				Kind:      f.StructureType,
				Params:    f.Params,
				Source:    f.InputSource,
				DependsOn: f.DependsOn,
				FibLevels: f.FibLevels,
				ZoneCount: f.ZoneCount,
			}
			schemaFields[f.ID] = sspec.Fields()
			bindings[f.ID] = FeatureBinding{Role: f.TFRole, IsStruct: true, StructKey: f.ID}
			structsByRole[f.TFRole] = append(structsByRole[f.TFRole], sspec)
		default:
			return nil, fmt.Errorf("play: feature %q: unknown kind %q", f.ID, f.Kind)
		}
	}

	schema := featureSchema{fields: schemaFields}

	entryNode, err := p.EntryRules.ToNode()
	if err != nil {
		return nil, fmt.Errorf("play: entry_rules: %w", err)
	}
	if err := rules.Compile(entryNode, schema); err != nil {
		return nil, fmt.Errorf("play: entry_rules: %w", err)
	}
	exitNode, err := p.ExitRules.ToNode()
	if err != nil {
		return nil, fmt.Errorf("play: exit_rules: %w", err)
	}
	if err := rules.Compile(exitNode, schema); err != nil {
		return nil, fmt.Errorf("play: exit_rules: %w", err)
	}

	if err := validateSizing(p.Sizing); err != nil {
		return nil, fmt.Errorf("play: sizing: %w", err)
	}

	roleSpecs := make([]dataprovider.RoleSpec, 0, len(roleTFs))
	for role, tf := range roleTFs {
		// structurestate.New validates DAG acyclicity per role; a cycle
		// anywhere fails the whole Play load.
		if _, err := structurestate.New(structsByRole[role]); err != nil {
			return nil, fmt.Errorf("play: role %q: %w", role, err)
		}
		roleSpecs = append(roleSpecs, dataprovider.RoleSpec{
			Role:         role,
			TF:           tf,
			WarmupTarget: p.WarmupBars,
			Indicators:   indicatorsByRole[role],
			Structures:   structsByRole[role],
		})
	}

	return &Compiled{
		Play:      p,
		EntryRule: entryNode,
		ExitRule:  exitNode,
		RoleSpecs: roleSpecs,
		Bindings:  bindings,
	}, nil
}

func validateSizing(s Sizing) error {
	switch s.Model {
	case SizingFixedUSDT:
		if !s.FixedUSDT.IsPositive() {
			return fmt.Errorf("fixed_usdt requires fixed_usdt > 0")
		}
	case SizingPercentEquity:
		if !s.PercentEquity.IsPositive() {
			return fmt.Errorf("percent_equity requires percent_equity > 0")
		}
	case SizingPercentRisk:
		if !s.PercentRisk.IsPositive() {
			return fmt.Errorf("percent_risk requires percent_risk > 0")
		}
	case SizingKellyHalf:
		if !s.KellyWinRate.IsPositive() || !s.KellyWinLossRatio.IsPositive() {
			return fmt.Errorf("kelly_half requires kelly_win_rate and kelly_win_loss_ratio > 0")
		}
	default:
		return fmt.Errorf("unknown sizing model %q", s.Model)
	}
	return nil
}

// BindView populates v with every feature this Compiled Play
// declares, so rules.Eval can resolve FeatureOperand reads against it.
func (c *Compiled) BindView(v *dataprovider.View) {
	for id, b := range c.Bindings {
		if b.IsStruct {
			v.BindStructure(id, b.Role, b.StructKey)
		} else {
			v.BindIndicator(id, b.Role)
		}
	}
}
