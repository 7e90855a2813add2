package runner

import (
	"github.com/web3guy0/tradecore/internal/bus"
	"github.com/web3guy0/tradecore/internal/exchange"
	"github.com/web3guy0/tradecore/internal/playengine"
)

// NewShadow builds a runner identical to the live one except that the
// engine was constructed in shadow mode, so ExecuteSignal journals
// signals without ever reaching the executor. Live market data, zero
// order flow.
func NewShadow(cfg Config, engine *playengine.Engine, adapt exchange.Adapter, stream *exchange.BybitStream, b *bus.Bus, notify Notifier) *Runner {
	return New(cfg, engine, adapt, stream, b, notify)
}
