package risk

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradecore/internal/coreerr"
	"github.com/web3guy0/tradecore/internal/play"
	"github.com/web3guy0/tradecore/internal/safety"
	"github.com/web3guy0/tradecore/internal/types"
)

// Limits are the account-level risk caps from configuration, already
// clamped to the hard caps by config.Load.
type Limits struct {
	MaxLeverage    decimal.Decimal
	MaxPositionUSD decimal.Decimal
	MinBalanceUSD  decimal.Decimal
}

// Manager is the pre-trade gatekeeper. It sizes entry signals and
// rejects anything that violates the Play's sizing constraints, the
// account limits, the shared daily-loss budget, or (when enabled) the
// global risk view. Position-closing signals always pass.
type Manager struct {
	limits    Limits
	dailyLoss *safety.DailyLossTracker
	view      *GlobalView
}

// NewManager builds a Manager. view may be nil when the Play does not
// enable the global risk view.
func NewManager(limits Limits, dailyLoss *safety.DailyLossTracker, view *GlobalView) *Manager {
	return &Manager{limits: limits, dailyLoss: dailyLoss, view: view}
}

// Decision is the outcome of a pre-trade check: the (possibly
// adjusted) notional to trade, or a reason-carrying error.
type Decision struct {
	SizeUSDT decimal.Decimal
	Leverage decimal.Decimal
}

// CheckEntry sizes and validates an entry signal. balance is the
// available account balance; equity drives percentage models. The
// returned error wraps one of the coreerr sentinels so callers can
// surface a machine-readable reason.
func (m *Manager) CheckEntry(sig types.Signal, sizing play.Sizing, balance, equity decimal.Decimal, exposureUSDT decimal.Decimal) (Decision, error) {
	if sig.Direction == types.Flat {
		// Closes are not entries; nothing to size or deny here.
		return Decision{SizeUSDT: sig.SizeUSDT}, nil
	}

	if m.view != nil {
		if err := m.view.AllowEntry(sig.Symbol); err != nil {
			return Decision{}, err
		}
	}

	if m.dailyLoss != nil && m.dailyLoss.Exhausted() {
		return Decision{}, fmt.Errorf("risk: daily loss budget exhausted: %w", coreerr.ErrBlockedByRisk)
	}

	if m.limits.MinBalanceUSD.IsPositive() && balance.LessThan(m.limits.MinBalanceUSD) {
		return Decision{}, fmt.Errorf("risk: balance %s below floor %s: %w",
			balance.StringFixed(2), m.limits.MinBalanceUSD.StringFixed(2), coreerr.ErrInsufficientBalance)
	}
	if sizing.MinBalanceUSDT.IsPositive() && balance.LessThan(sizing.MinBalanceUSDT) {
		return Decision{}, fmt.Errorf("risk: balance %s below play floor %s: %w",
			balance.StringFixed(2), sizing.MinBalanceUSDT.StringFixed(2), coreerr.ErrInsufficientBalance)
	}

	in := SizeInput{Equity: equity}
	if sig.ReferencePrice != nil {
		in.EntryPrice = *sig.ReferencePrice
	}
	size := sig.SizeUSDT
	if size.IsZero() {
		size = ComputeSize(sizing, in)
	}
	size = ApplyCaps(size, sizing, equity, m.limits.MaxPositionUSD)

	// Global exposure: sized entry plus what is already deployed must
	// stay under the account position cap.
	if m.limits.MaxPositionUSD.IsPositive() && exposureUSDT.Add(size).GreaterThan(m.limits.MaxPositionUSD) {
		headroom := m.limits.MaxPositionUSD.Sub(exposureUSDT)
		if headroom.IsPositive() {
			size = headroom
		} else {
			return Decision{}, fmt.Errorf("risk: exposure cap reached: %w", coreerr.ErrBlockedByRisk)
		}
	}

	if size.LessThanOrEqual(decimal.Zero) {
		return Decision{}, fmt.Errorf("risk: sizing model produced no size: %w", coreerr.ErrBlockedByRisk)
	}
	if sizing.MinTradeNotional.IsPositive() && size.LessThan(sizing.MinTradeNotional) {
		return Decision{}, fmt.Errorf("risk: size %s below min notional %s: %w",
			size.StringFixed(2), sizing.MinTradeNotional.StringFixed(2), coreerr.ErrBlockedByRisk)
	}

	leverage := sizing.MaxLeverage
	if leverage.IsZero() || leverage.GreaterThan(m.limits.MaxLeverage) {
		leverage = m.limits.MaxLeverage
	}

	log.Debug().
		Str("symbol", sig.Symbol).
		Str("direction", string(sig.Direction)).
		Str("size_usdt", size.StringFixed(2)).
		Str("leverage", leverage.String()).
		Msg("risk: entry approved")

	return Decision{SizeUSDT: size, Leverage: leverage}, nil
}

// RecordTradeResult feeds a realized PnL into the daily-loss tracker
// and the per-symbol escalation in the global view.
func (m *Manager) RecordTradeResult(symbol string, pnl decimal.Decimal) {
	if m.dailyLoss != nil {
		m.dailyLoss.Record(pnl)
	}
	if m.view != nil {
		m.view.RecordTradeResult(symbol, pnl)
	}
}
