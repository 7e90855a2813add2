// Package play implements the Play schema, its YAML loader, and the
// load-time validation (DAG acyclicity, rule-atom references resolve,
// timeframe roles known) that turns "feature not found" into a
// refuse-to-load error instead of a hot-path failure.
package play

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradecore/internal/indicatorcache"
	"github.com/web3guy0/tradecore/internal/structurestate"
	"github.com/web3guy0/tradecore/internal/types"
)

// SizingModel names a supported position-sizing algorithm.
type SizingModel string

const (
	SizingFixedUSDT     SizingModel = "fixed_usdt"
	SizingPercentEquity SizingModel = "percent_equity"
	SizingPercentRisk   SizingModel = "percent_risk"
	SizingKellyHalf     SizingModel = "kelly_half"
)

// Sizing configures C6's sizing step.
type Sizing struct {
	Model             SizingModel     `yaml:"model"`
	FixedUSDT         decimal.Decimal `yaml:"fixed_usdt"`
	PercentEquity     decimal.Decimal `yaml:"percent_equity"`
	PercentRisk       decimal.Decimal `yaml:"percent_risk"`
	MaxLeverage       decimal.Decimal `yaml:"max_leverage"`
	MaxPositionPct    decimal.Decimal `yaml:"max_position_pct"`
	MinTradeNotional  decimal.Decimal `yaml:"min_trade_notional_usdt"`
	MinBalanceUSDT    decimal.Decimal `yaml:"min_balance_usdt"`
	KellyWinRate      decimal.Decimal `yaml:"kelly_win_rate"`
	KellyWinLossRatio decimal.Decimal `yaml:"kelly_win_loss_ratio"`
}

// FeatureKind distinguishes an indicator feature from a structure
// feature within a single declared feature list.
type FeatureKind string

const (
	FeatureIndicator FeatureKind = "indicator"
	FeatureStructure FeatureKind = "structure"
)

// Feature is one declared Play feature — backed by either an
// indicator spec or a structure spec depending on Kind.
type Feature struct {
	ID            string                       `yaml:"id"`
	Kind          FeatureKind                  `yaml:"kind"`
	IndicatorType indicatorcache.IndicatorType `yaml:"indicator_type"`
	StructureType structurestate.Kind          `yaml:"structure_type"`
	Params        map[string]float64           `yaml:"params"`
	InputSource   types.InputSource            `yaml:"input_source"`
	TFRole        types.TFRole                 `yaml:"tf_role"`
	DependsOn     []string                     `yaml:"depends_on"`
	FibLevels     []float64                    `yaml:"fib_levels"`
	ZoneCount     int                          `yaml:"zone_count"`
}

// RoleMap is the Play's role → timeframe binding.
type RoleMap struct {
	Low  types.Timeframe `yaml:"low_tf"`
	Med  types.Timeframe `yaml:"med_tf"`
	High types.Timeframe `yaml:"high_tf"`
	Exec types.TFRole    `yaml:"exec"`
}

// Brackets configures the optional protective orders attached to an
// entry, as percentages of the entry price.
type Brackets struct {
	StopLossPct   decimal.Decimal `yaml:"stop_loss_pct"`
	TakeProfitPct decimal.Decimal `yaml:"take_profit_pct"`
}

// Play is the fully parsed declarative strategy: features, structures,
// rules, sizing, and the role/timeframe bindings.
type Play struct {
	Name              string          `yaml:"name"`
	Symbol            string          `yaml:"symbol"`
	Direction         types.Direction `yaml:"direction"`
	Roles             RoleMap         `yaml:"roles"`
	Features          []Feature       `yaml:"features"`
	EntryRules        RawNode         `yaml:"entry_rules"`
	ExitRules         RawNode         `yaml:"exit_rules"`
	Sizing            Sizing          `yaml:"sizing"`
	Brackets          Brackets        `yaml:"brackets"`
	PersistState      bool            `yaml:"persist_state"`
	StateSaveInterval int             `yaml:"state_save_interval"`
	WarmupBars        int             `yaml:"warmup_bars"`
	GlobalRiskView    bool            `yaml:"global_risk_view"`
}
