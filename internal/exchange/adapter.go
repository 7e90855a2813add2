// Package exchange defines the adapter surface the core consumes and
// ships two implementations: the Bybit v5 REST/WS adapter for demo and
// live, and a bar-driven simulator for backtests. Everything above
// this package is identical across modes.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradecore/internal/types"
)

// Balance is the account snapshot returned by GetBalance.
type Balance struct {
	Total     decimal.Decimal
	Available decimal.Decimal
}

// InstrumentInfo carries the per-symbol trading constraints used for
// quantity rounding and minimum-order checks.
type InstrumentInfo struct {
	Symbol      string
	TickSize    decimal.Decimal
	MinQty      decimal.Decimal
	QtyStep     decimal.Decimal
	MinNotional decimal.Decimal
}

// Adapter is the exchange surface C7-C9 consume. Implementations map
// their own credentials from the environment; the core never sees a
// key. All blocking calls take a context.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect() error

	GetBalance(ctx context.Context) (Balance, error)
	GetEquity(ctx context.Context) (decimal.Decimal, error)
	GetPosition(ctx context.Context, symbol string) (types.Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]types.PendingOrder, error)
	GetTicker(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetKlines(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Bar, error)
	GetInstrumentInfo(ctx context.Context, symbol string) (InstrumentInfo, error)

	// SubmitOrder covers the market/limit buy/sell primitives; TP/SL
	// ride along as conditional orders when set on the Order.
	SubmitOrder(ctx context.Context, order types.Order) (orderID string, err error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	ClosePosition(ctx context.Context, symbol string) error
	SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error
}

// RoundQty snaps a raw quantity down to the instrument's step and
// reports whether the result still clears the minimums.
func (i InstrumentInfo) RoundQty(qty, price decimal.Decimal) (decimal.Decimal, bool) {
	if i.QtyStep.IsPositive() {
		steps := qty.Div(i.QtyStep).Floor()
		qty = steps.Mul(i.QtyStep)
	}
	if i.MinQty.IsPositive() && qty.LessThan(i.MinQty) {
		return qty, false
	}
	if i.MinNotional.IsPositive() && qty.Mul(price).LessThan(i.MinNotional) {
		return qty, false
	}
	return qty, true
}
