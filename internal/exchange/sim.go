package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradecore/internal/bus"
	"github.com/web3guy0/tradecore/internal/types"
)

// SimConfig tunes the backtest fill model.
type SimConfig struct {
	InitialEquity decimal.Decimal
	FeeBps        decimal.Decimal // taker fee, basis points
	SlippageBps   decimal.Decimal // applied against the trader on market fills
	TickSize      decimal.Decimal
	MinQty        decimal.Decimal
	MinNotional   decimal.Decimal
}

// DefaultSimConfig mirrors Bybit linear-perp taker fees.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		InitialEquity: decimal.NewFromInt(10000),
		FeeBps:        decimal.NewFromFloat(5.5),
		SlippageBps:   decimal.NewFromInt(1),
		TickSize:      decimal.NewFromFloat(0.1),
		MinQty:        decimal.NewFromFloat(0.001),
		MinNotional:   decimal.NewFromInt(5),
	}
}

type simOrder struct {
	order       types.Order
	orderID     string
	submittedAt time.Time
}

// Sim is the backtest exchange. Orders submitted during bar n fill at
// bar n+1's open (never same-bar), SL/TP conditionals are evaluated
// against each bar's range with SL checked before TP when one bar
// touches both, and fills are published on the bus so the executor's
// confirmation path is the same code that runs live.
type Sim struct {
	mu  sync.Mutex
	cfg SimConfig
	bus *bus.Bus

	balance     decimal.Decimal
	realizedPnL decimal.Decimal
	position    types.Position
	pending     []simOrder
	lastPrice   decimal.Decimal
	symbol      string
}

// NewSim builds a simulator publishing fills on b.
func NewSim(cfg SimConfig, b *bus.Bus, symbol string) *Sim {
	return &Sim{
		cfg:     cfg,
		bus:     b,
		balance: cfg.InitialEquity,
		symbol:  symbol,
		position: types.Position{
			Symbol: symbol,
			Side:   types.Flat,
		},
	}
}

func (s *Sim) Connect(context.Context) error { return nil }
func (s *Sim) Disconnect() error             { return nil }

func (s *Sim) GetBalance(context.Context) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Balance{Total: s.balance, Available: s.balance}, nil
}

func (s *Sim) GetEquity(context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance.Add(s.position.UnrealizedPnL), nil
}

func (s *Sim) GetPosition(_ context.Context, symbol string) (types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if symbol != s.symbol {
		return types.Position{Symbol: symbol, Side: types.Flat}, nil
	}
	return s.position, nil
}

func (s *Sim) GetOpenOrders(_ context.Context, symbol string) ([]types.PendingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.PendingOrder
	for _, p := range s.pending {
		out = append(out, types.PendingOrder{
			OrderID:       p.orderID,
			ClientOrderID: p.order.ClientOrderID,
			Symbol:        p.order.Symbol,
			Side:          p.order.Side,
			State:         types.OrderPending,
			SubmittedAt:   p.submittedAt,
		})
	}
	return out, nil
}

func (s *Sim) GetTicker(_ context.Context, _ string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPrice, nil
}

func (s *Sim) GetKlines(context.Context, string, types.Timeframe, int) ([]types.Bar, error) {
	return nil, fmt.Errorf("exchange: sim serves bars through the feed, not GetKlines")
}

func (s *Sim) GetInstrumentInfo(_ context.Context, symbol string) (InstrumentInfo, error) {
	return InstrumentInfo{
		Symbol:      symbol,
		TickSize:    s.cfg.TickSize,
		MinQty:      s.cfg.MinQty,
		QtyStep:     s.cfg.MinQty,
		MinNotional: s.cfg.MinNotional,
	}, nil
}

// SubmitOrder queues the order for the next bar. The returned id is
// immediately valid for cancellation.
func (s *Sim) SubmitOrder(_ context.Context, order types.Order) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := "sim-" + uuid.NewString()
	s.pending = append(s.pending, simOrder{order: order, orderID: id, submittedAt: time.Now()})
	return id, nil
}

func (s *Sim) CancelOrder(_ context.Context, _ string, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pending {
		if p.orderID == orderID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("exchange: unknown order %s", orderID)
}

func (s *Sim) CancelAllOrders(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	return nil
}

// ClosePosition flattens at the last seen price, immediately. Panic
// close must not wait a bar.
func (s *Sim) ClosePosition(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.position.IsFlat() {
		return nil
	}
	s.closeLocked(s.lastPrice, time.Time{})
	return nil
}

func (s *Sim) SetLeverage(context.Context, string, decimal.Decimal) error { return nil }

// Step advances the simulator by one closed bar: queued orders fill at
// this bar's open, then SL/TP conditionals are evaluated against the
// bar's range. The engine calls this before rule evaluation so fills
// for bar n-1 signals land at bar n.
func (s *Sim) Step(bar types.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPrice = bar.Close

	queued := s.pending
	s.pending = nil
	for _, p := range queued {
		s.fillLocked(p, bar)
	}

	s.applyStops(bar)
	s.markLocked(bar.Close)
}

func (s *Sim) fillLocked(p simOrder, bar types.Bar) {
	price := bar.Open
	if p.order.OrderType == types.OrderLimit && p.order.LimitPrice != nil {
		lp := *p.order.LimitPrice
		// A limit only fills if the bar trades through it.
		if p.order.Side == types.Long && bar.Low.GreaterThan(lp) {
			s.pending = append(s.pending, p)
			return
		}
		if p.order.Side == types.Short && bar.High.LessThan(lp) {
			s.pending = append(s.pending, p)
			return
		}
		price = lp
	} else {
		slip := price.Mul(s.cfg.SlippageBps).Div(decimal.NewFromInt(10000))
		if p.order.Side == types.Long {
			price = price.Add(slip)
		} else {
			price = price.Sub(slip)
		}
	}

	if p.order.Side == types.Flat {
		s.closeLocked(price, bar.TsClose)
		s.publishFill(p, price, decimal.Zero)
		return
	}

	qty := p.order.SizeUSDT.Div(price)
	fee := p.order.SizeUSDT.Mul(s.cfg.FeeBps).Div(decimal.NewFromInt(10000))
	s.balance = s.balance.Sub(fee)

	if !s.position.IsFlat() && s.position.Side != p.order.Side {
		// Opposite-side order flattens first; the remainder opens new.
		s.closeLocked(price, bar.TsClose)
	}

	if s.position.IsFlat() {
		s.position = types.Position{
			Symbol:     p.order.Symbol,
			Side:       p.order.Side,
			SizeQty:    qty,
			SizeUSDT:   p.order.SizeUSDT,
			EntryPrice: price,
			MarkPrice:  price,
			StopLoss:   p.order.StopLoss,
			TakeProfit: p.order.TakeProfit,
		}
	} else {
		// Same-side add: average the entry.
		totalQty := s.position.SizeQty.Add(qty)
		s.position.EntryPrice = s.position.EntryPrice.Mul(s.position.SizeQty).
			Add(price.Mul(qty)).Div(totalQty)
		s.position.SizeQty = totalQty
		s.position.SizeUSDT = s.position.SizeUSDT.Add(p.order.SizeUSDT)
	}

	s.publishFill(p, price, fee)
}

// applyStops checks the open position's SL/TP against the bar range.
// When a single bar touches both, SL fires first — the worst-case
// path convention for intrabar ambiguity.
func (s *Sim) applyStops(bar types.Bar) {
	if s.position.IsFlat() {
		return
	}
	sl, tp := s.position.StopLoss, s.position.TakeProfit

	if s.position.Side == types.Long {
		if sl != nil && bar.Low.LessThanOrEqual(*sl) {
			s.closeLocked(*sl, bar.TsClose)
			return
		}
		if tp != nil && bar.High.GreaterThanOrEqual(*tp) {
			s.closeLocked(*tp, bar.TsClose)
		}
		return
	}
	if sl != nil && bar.High.GreaterThanOrEqual(*sl) {
		s.closeLocked(*sl, bar.TsClose)
		return
	}
	if tp != nil && bar.Low.LessThanOrEqual(*tp) {
		s.closeLocked(*tp, bar.TsClose)
	}
}

func (s *Sim) closeLocked(price decimal.Decimal, ts time.Time) {
	if s.position.IsFlat() {
		return
	}
	diff := price.Sub(s.position.EntryPrice)
	if s.position.Side == types.Short {
		diff = diff.Neg()
	}
	pnl := diff.Mul(s.position.SizeQty)
	fee := price.Mul(s.position.SizeQty).Mul(s.cfg.FeeBps).Div(decimal.NewFromInt(10000))
	pnl = pnl.Sub(fee)

	s.balance = s.balance.Add(pnl)
	s.realizedPnL = s.realizedPnL.Add(pnl)

	log.Debug().
		Str("symbol", s.position.Symbol).
		Str("exit", price.String()).
		Str("pnl", pnl.StringFixed(4)).
		Msg("sim: position closed")

	if s.bus != nil {
		s.bus.PublishExecution(bus.Execution{
			OrderID:   "sim-close-" + uuid.NewString(),
			Symbol:    s.position.Symbol,
			Side:      types.Flat,
			Price:     price,
			Qty:       s.position.SizeQty,
			Fee:       fee,
			Timestamp: ts,
		})
	}
	s.position = types.Position{Symbol: s.position.Symbol, Side: types.Flat}
}

func (s *Sim) markLocked(price decimal.Decimal) {
	if s.position.IsFlat() {
		return
	}
	diff := price.Sub(s.position.EntryPrice)
	if s.position.Side == types.Short {
		diff = diff.Neg()
	}
	s.position.MarkPrice = price
	s.position.UnrealizedPnL = diff.Mul(s.position.SizeQty)
}

func (s *Sim) publishFill(p simOrder, price, fee decimal.Decimal) {
	if s.bus == nil {
		return
	}
	qty := p.order.SizeUSDT.Div(price)
	s.bus.PublishOrder(bus.OrderUpdate{
		OrderID:       p.orderID,
		ClientOrderID: p.order.ClientOrderID,
		Symbol:        p.order.Symbol,
		Status:        types.OrderFilled,
		FilledQty:     qty,
		AvgFillPrice:  price,
	})
	s.bus.PublishExecution(bus.Execution{
		OrderID: p.orderID,
		Symbol:  p.order.Symbol,
		Side:    p.order.Side,
		Price:   price,
		Qty:     qty,
		Fee:     fee,
	})
}

// RealizedPnL returns the cumulative realized PnL across the run.
func (s *Sim) RealizedPnL() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realizedPnL
}

var _ Adapter = (*Sim)(nil)
