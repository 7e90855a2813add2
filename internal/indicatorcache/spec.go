// Package indicatorcache implements C2: a per-timeframe incremental
// indicator cache with a vectorized-recompute parity contract.
package indicatorcache

import "github.com/web3guy0/tradecore/internal/types"

// IndicatorType names a supported incremental indicator family.
// Unknown types are accepted at the API boundary — they simply
// produce NaN arrays and a one-time warning, never an error, per
// spec.md §4.2.
type IndicatorType string

const (
	EMA IndicatorType = "ema"
	SMA IndicatorType = "sma"
	RSI IndicatorType = "rsi"
	ATR IndicatorType = "atr"
)

// Spec declares one indicator to maintain against this cache's OHLCV
// buffer. Period is read from Params["period"]; indicators with no
// period parameter (none currently) would ignore it.
type Spec struct {
	ID     string
	Type   IndicatorType
	Params map[string]float64
	Source types.InputSource
}

func (s Spec) period() int {
	if p, ok := s.Params["period"]; ok && p >= 1 {
		return int(p)
	}
	return 14
}
