// Package risk implements C6: deterministic position sizing, pre-trade
// checks, and the global risk view with its fail-closed WS-health
// rule. Everything here is pure except the shared daily-loss tracker
// owned by internal/safety.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradecore/internal/play"
)

var (
	one     = decimal.NewFromInt(1)
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// SizeInput carries everything the sizing models may read. Sizing is
// deterministic: identical inputs produce identical output on every
// run.
type SizeInput struct {
	Equity     decimal.Decimal
	EntryPrice decimal.Decimal
	StopLoss   *decimal.Decimal
}

// ComputeSize returns the position notional in USDT for the Play's
// sizing model, before the manager's caps are applied. A zero return
// means the model could not produce a size (missing stop for
// percent_risk, zero equity) and the signal should be rejected.
func ComputeSize(s play.Sizing, in SizeInput) decimal.Decimal {
	switch s.Model {
	case play.SizingFixedUSDT:
		return s.FixedUSDT

	case play.SizingPercentEquity:
		return in.Equity.Mul(s.PercentEquity).Div(hundred)

	case play.SizingPercentRisk:
		// notional = (equity * risk%) / stop-distance%, so the dollar
		// loss at the stop equals the configured risk amount.
		if in.StopLoss == nil || in.EntryPrice.IsZero() {
			return decimal.Zero
		}
		stopDist := in.EntryPrice.Sub(*in.StopLoss).Abs()
		if stopDist.IsZero() {
			return decimal.Zero
		}
		riskAmount := in.Equity.Mul(s.PercentRisk).Div(hundred)
		return riskAmount.Mul(in.EntryPrice).Div(stopDist)

	case play.SizingKellyHalf:
		// Kelly % = W - (1-W)/R, halved for safety, floored at zero.
		if s.KellyWinLossRatio.IsZero() {
			return decimal.Zero
		}
		kelly := s.KellyWinRate.Sub(one.Sub(s.KellyWinRate).Div(s.KellyWinLossRatio))
		halfKelly := kelly.Div(two)
		if halfKelly.IsNegative() {
			return decimal.Zero
		}
		return in.Equity.Mul(halfKelly)

	default:
		return decimal.Zero
	}
}

// ApplyCaps clamps a model-produced notional by the Play's
// max_position_pct and the account-level maxPositionUSD hard cap.
func ApplyCaps(size decimal.Decimal, s play.Sizing, equity, maxPositionUSD decimal.Decimal) decimal.Decimal {
	if s.MaxPositionPct.IsPositive() {
		maxByPct := equity.Mul(s.MaxPositionPct).Div(hundred)
		if size.GreaterThan(maxByPct) {
			size = maxByPct
		}
	}
	if maxPositionUSD.IsPositive() && size.GreaterThan(maxPositionUSD) {
		size = maxPositionUSD
	}
	return size
}
