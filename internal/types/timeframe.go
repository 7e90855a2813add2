package types

import "github.com/web3guy0/tradecore/internal/coreerr"

// Timeframe is an enumerated candle interval string. The canonical
// minute count backing it is used only for ordering and freshness
// checks, never for arithmetic on bar timestamps.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF2h  Timeframe = "2h"
	TF4h  Timeframe = "4h"
	TF6h  Timeframe = "6h"
	TF12h Timeframe = "12h"
	TFDay Timeframe = "D"
	TFWeek Timeframe = "W"
)

var timeframeMinutes = map[Timeframe]int{
	TF1m: 1, TF3m: 3, TF5m: 5, TF15m: 15, TF30m: 30,
	TF1h: 60, TF2h: 120, TF4h: 240, TF6h: 360, TF12h: 720,
	TFDay: 1440, TFWeek: 10080,
}

// Minutes returns the canonical minute count of tf, or an error if tf
// is not one of the recognized timeframes.
func Minutes(tf Timeframe) (int, error) {
	m, ok := timeframeMinutes[tf]
	if !ok {
		return 0, coreerr.ErrUnknownTimeframe
	}
	return m, nil
}

// TFRole is the abstract label a Play binds to a concrete Timeframe.
// Exec points at whichever of the three roles the Play designates as
// executable; it never names a fourth buffer.
type TFRole string

const (
	RoleLow  TFRole = "low_tf"
	RoleMed  TFRole = "med_tf"
	RoleHigh TFRole = "high_tf"
	RoleExec TFRole = "exec"
)
