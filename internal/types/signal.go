package types

import "github.com/shopspring/decimal"

// Direction is the normalized side of a Signal, Order, or Position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
	Flat  Direction = "FLAT"
)

// NormalizeDirection maps any exchange-lexicon side string
// (Buy/Sell/long/short/Long/Short) onto the closed Direction alphabet.
func NormalizeDirection(raw string) Direction {
	switch raw {
	case "Buy", "buy", "long", "Long", "LONG":
		return Long
	case "Sell", "sell", "short", "Short", "SHORT":
		return Short
	default:
		return Flat
	}
}

// Signal is the output of the rule evaluator, not yet sized or
// submitted.
type Signal struct {
	Symbol         string
	Direction      Direction
	SizeUSDT       decimal.Decimal
	Strategy       string
	Confidence     decimal.Decimal
	ReferencePrice *decimal.Decimal
	Metadata       map[string]any
}

// OrderType distinguishes market from limit submission.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// TimeInForce mirrors the exchange TIF vocabulary the adapter accepts.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

// Order is a sized, risk-checked request the executor submits to the
// exchange adapter.
type Order struct {
	Symbol         string
	Side           Direction
	SizeUSDT       decimal.Decimal
	OrderType      OrderType
	LimitPrice     *decimal.Decimal
	TIF            TimeInForce
	StopLoss       *decimal.Decimal
	TakeProfit     *decimal.Decimal
	TPOrderType    OrderType
	SLOrderType    OrderType
	ClientOrderID  string
	Metadata       map[string]any
}

// Position is the current exchange-reported or simulated exposure on
// a symbol. Side is always normalized regardless of the adapter's
// native lexicon.
type Position struct {
	Symbol           string
	Side             Direction
	SizeQty          decimal.Decimal
	SizeUSDT         decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	Leverage         decimal.Decimal
	StopLoss         *decimal.Decimal
	TakeProfit       *decimal.Decimal
	LiquidationPrice *decimal.Decimal
}

// IsFlat reports whether the position carries no exposure.
func (p Position) IsFlat() bool {
	return p.Side == Flat || p.SizeQty.IsZero()
}
