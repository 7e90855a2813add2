// Package types holds the domain structs shared across the trading
// core. It is deliberately dependency-free (besides decimal and coreerr)
// so every other package can import it without creating cycles.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is an immutable OHLCV candle. Values never mutate after
// construction; a new bar is always a new struct.
type Bar struct {
	TsOpen  time.Time
	TsClose time.Time
	Open    decimal.Decimal
	High    decimal.Decimal
	Low     decimal.Decimal
	Close   decimal.Decimal
	Volume  decimal.Decimal
}

// InputSource selects which scalar a feature reads off a Bar.
type InputSource string

const (
	SourceOpen   InputSource = "open"
	SourceHigh   InputSource = "high"
	SourceLow    InputSource = "low"
	SourceClose  InputSource = "close"
	SourceVolume InputSource = "volume"
	SourceHLC3   InputSource = "hlc3"
	SourceOHLC4  InputSource = "ohlc4"
)

// Resolve extracts the scalar named by src from bar. Both this
// candle-level resolver and the array-level resolver in
// internal/indicatorcache must agree bit-for-bit.
func Resolve(bar Bar, src InputSource) decimal.Decimal {
	switch src {
	case SourceOpen:
		return bar.Open
	case SourceHigh:
		return bar.High
	case SourceLow:
		return bar.Low
	case SourceClose:
		return bar.Close
	case SourceVolume:
		return bar.Volume
	case SourceHLC3:
		return bar.High.Add(bar.Low).Add(bar.Close).Div(decimal.NewFromInt(3))
	case SourceOHLC4:
		return bar.Open.Add(bar.High).Add(bar.Low).Add(bar.Close).Div(decimal.NewFromInt(4))
	default:
		return decimal.Decimal{}
	}
}
