// Package execution implements C7: the order executor. Its central
// contract is at most one submit per logical signal and at most one
// recorded trade per order id, enforced by the bounded idempotency
// LRU regardless of whether the WS confirmation or the REST fallback
// resolves first.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradecore/internal/bus"
	"github.com/web3guy0/tradecore/internal/coreerr"
	"github.com/web3guy0/tradecore/internal/exchange"
	"github.com/web3guy0/tradecore/internal/play"
	"github.com/web3guy0/tradecore/internal/risk"
	"github.com/web3guy0/tradecore/internal/safety"
	"github.com/web3guy0/tradecore/internal/types"
)

const (
	recordedOrdersCap = 10000
	pendingMaxAge     = 300 * time.Second

	// maxPriceDeviationPct blocks a submit whose reference price has
	// drifted more than this from the live price.
	maxPriceDeviationPct = 5.0
)

// Result is the caller-visible outcome of one Execute call. Reason is
// the machine-readable code on failure.
type Result struct {
	Success       bool
	BlockedByRisk bool
	Reason        string
	OrderID       string
	SizeUSDT      decimal.Decimal
	Err           error
}

// TradeRecorder receives confirmed fills. The executor calls it
// outside the recorded-orders lock; the recorder holds its own trade
// lock and the executor must never hold both simultaneously.
type TradeRecorder interface {
	RecordTrade(orderID, symbol string, side types.Direction, price, qty, fee decimal.Decimal)
}

// Config fixes the executor's mode dimensions at construction.
type Config struct {
	TradingMode types.TradingMode
	UseDemo     bool
	Sizing      play.Sizing
}

// Executor submits orders through the exchange adapter, tracks pending
// orders, awaits WS confirmation with a REST fallback, and guards
// every submit with the panic latch, mode-consistency, risk, and
// price-deviation checks.
type Executor struct {
	cfg      Config
	adapter  exchange.Adapter
	riskMgr  *risk.Manager
	panic    *safety.PanicState
	recorder TradeRecorder
	logger   zerolog.Logger

	recorded *orderLRU

	pendingMu sync.Mutex
	pending   map[string]*types.PendingOrder

	cbMu      sync.Mutex
	callbacks []func(Result)
}

// New wires an executor and subscribes it to the bus's private
// streams so WS order updates and executions resolve pending orders.
func New(cfg Config, adapter exchange.Adapter, riskMgr *risk.Manager, panicState *safety.PanicState, b *bus.Bus, recorder TradeRecorder) *Executor {
	e := &Executor{
		cfg:      cfg,
		adapter:  adapter,
		riskMgr:  riskMgr,
		panic:    panicState,
		recorder: recorder,
		logger:   log.With().Str("component", "executor").Logger(),
		recorded: newOrderLRU(recordedOrdersCap),
		pending:  make(map[string]*types.PendingOrder),
	}
	if b != nil {
		b.SubscribeOrder(e.onOrderUpdate)
		b.SubscribeExecution(e.onExecution)
	}
	return e
}

// RegisterCallback adds a subscriber for execution results. Fan-out
// copies the list under the lock and invokes outside it so a slow
// subscriber cannot deadlock with the executor.
func (e *Executor) RegisterCallback(fn func(Result)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.callbacks = append(e.callbacks, fn)
}

func (e *Executor) fireCallbacks(r Result) {
	e.cbMu.Lock()
	cbs := append([]func(Result){}, e.callbacks...)
	e.cbMu.Unlock()
	for _, fn := range cbs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					e.logger.Error().Interface("panic", rec).Msg("execution callback raised, isolated")
				}
			}()
			fn(r)
		}()
	}
}

// ValidateTradingModeConsistency returns true iff the configured
// (mode, demo) pair is (paper, demo) or (real, live).
func (e *Executor) ValidateTradingModeConsistency() bool {
	return (e.cfg.TradingMode == types.TradingPaper && e.cfg.UseDemo) ||
		(e.cfg.TradingMode == types.TradingReal && !e.cfg.UseDemo)
}

// Execute runs the full submit pipeline for one signal. At most one
// submit happens per call; every denial carries a reason code and has
// no side effects on the exchange.
func (e *Executor) Execute(ctx context.Context, sig types.Signal) Result {
	e.logger.Info().
		Str("symbol", sig.Symbol).
		Str("direction", string(sig.Direction)).
		Str("strategy", sig.Strategy).
		Msg("order execute start")

	res := e.execute(ctx, sig)

	ev := e.logger.Info()
	if !res.Success {
		ev = e.logger.Warn().Err(res.Err)
	}
	ev.Str("symbol", sig.Symbol).
		Str("direction", string(sig.Direction)).
		Bool("success", res.Success).
		Bool("blocked_by_risk", res.BlockedByRisk).
		Str("reason", res.Reason).
		Str("order_id", res.OrderID).
		Msg("order execute end")

	e.fireCallbacks(res)
	return res
}

func (e *Executor) execute(ctx context.Context, sig types.Signal) Result {
	isClose := sig.Direction == types.Flat

	// 1. Panic latch. Closes always pass.
	if !isClose {
		if err := e.panic.CheckPanicAndHalt(); err != nil {
			return failure(err)
		}
	}

	// 2. Trading-mode consistency.
	if !e.ValidateTradingModeConsistency() {
		return failure(fmt.Errorf("execution: mode %q with demo=%t: %w",
			e.cfg.TradingMode, e.cfg.UseDemo, coreerr.ErrModeMismatch))
	}

	// 3. Risk check (sizes or denies).
	sized := sig.SizeUSDT
	leverage := decimal.Zero
	if !isClose {
		balance, err := e.adapter.GetBalance(ctx)
		if err != nil {
			return failure(fmt.Errorf("execution: balance fetch: %w", err))
		}
		equity, err := e.adapter.GetEquity(ctx)
		if err != nil {
			return failure(fmt.Errorf("execution: equity fetch: %w", err))
		}
		pos, err := e.adapter.GetPosition(ctx, sig.Symbol)
		if err != nil {
			return failure(fmt.Errorf("execution: position fetch: %w", err))
		}
		decision, err := e.riskMgr.CheckEntry(sig, e.cfg.Sizing, balance.Available, equity, pos.SizeUSDT)
		if err != nil {
			return failure(err)
		}
		sized = decision.SizeUSDT
		leverage = decision.Leverage
	}

	// 4. Price-deviation guard.
	last, err := e.adapter.GetTicker(ctx, sig.Symbol)
	if err != nil {
		return failure(fmt.Errorf("execution: ticker fetch: %w", err))
	}
	if last.LessThanOrEqual(decimal.NewFromFloat(1e-9)) {
		return failure(fmt.Errorf("execution: last price %s near zero: %w", last, coreerr.ErrPriceDeviation))
	}
	if sig.ReferencePrice != nil && sig.ReferencePrice.IsPositive() {
		dev := last.Sub(*sig.ReferencePrice).Abs().Div(*sig.ReferencePrice).Mul(decimal.NewFromInt(100))
		if dev.GreaterThan(decimal.NewFromFloat(maxPriceDeviationPct)) {
			return failure(fmt.Errorf("execution: price moved %s%% from reference: %w",
				dev.StringFixed(2), coreerr.ErrPriceDeviation))
		}
	}

	// 5. Submit.
	order := types.Order{
		Symbol:        sig.Symbol,
		Side:          sig.Direction,
		SizeUSDT:      sized,
		OrderType:     types.OrderMarket,
		TIF:           types.TIFIOC,
		ClientOrderID: "tc-" + uuid.NewString(),
		Metadata:      sig.Metadata,
	}
	if sl, ok := sig.Metadata["stop_loss"].(decimal.Decimal); ok {
		order.StopLoss = &sl
	}
	if tp, ok := sig.Metadata["take_profit"].(decimal.Decimal); ok {
		order.TakeProfit = &tp
	}

	if leverage.IsPositive() {
		if err := e.adapter.SetLeverage(ctx, sig.Symbol, leverage); err != nil {
			// Leverage may already be set; Bybit rejects no-op changes.
			e.logger.Debug().Err(err).Msg("set leverage rejected, continuing")
		}
	}

	orderID, err := e.adapter.SubmitOrder(ctx, order)
	if err != nil {
		return failure(fmt.Errorf("execution: submit: %w", err))
	}

	if orderID != "" {
		e.trackPending(types.PendingOrder{
			OrderID:       orderID,
			ClientOrderID: order.ClientOrderID,
			Symbol:        order.Symbol,
			Side:          order.Side,
			State:         types.OrderPending,
			SubmittedAt:   time.Now(),
		})

		// 6. Market orders record immediately under the idempotency
		// LRU; the lock is released before the recorder runs. Limit
		// orders wait for the WS execution stream instead.
		if order.OrderType == types.OrderMarket && e.recorded.insert(orderID) {
			if e.recorder != nil && last.IsPositive() {
				e.recorder.RecordTrade(orderID, order.Symbol, order.Side, last, sized.Div(last), decimal.Zero)
			}
		}
	}

	return Result{Success: true, OrderID: orderID, SizeUSDT: sized}
}

func failure(err error) Result {
	reason := coreerr.Reason(err)
	return Result{
		Success:       false,
		BlockedByRisk: reason == coreerr.ErrBlockedByRisk.Error(),
		Reason:        reason,
		Err:           err,
	}
}

// ExecuteWithLeverage applies the requested leverage as given, then
// runs the normal pipeline. The leverage is not capped here, and a
// SetLeverage rejection is logged and does not stop the submit.
func (e *Executor) ExecuteWithLeverage(ctx context.Context, sig types.Signal, leverage decimal.Decimal) Result {
	if err := e.adapter.SetLeverage(ctx, sig.Symbol, leverage); err != nil {
		e.logger.Debug().Err(err).Str("leverage", leverage.String()).Msg("set leverage rejected, continuing")
	}
	return e.Execute(ctx, sig)
}

func (e *Executor) trackPending(p types.PendingOrder) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	e.pending[p.OrderID] = &p
}

// PendingOrders snapshots the in-flight order table.
func (e *Executor) PendingOrders() []types.PendingOrder {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	out := make([]types.PendingOrder, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, *p)
	}
	return out
}

// onOrderUpdate applies a private-stream order event: terminal states
// delete the pending entry.
func (e *Executor) onOrderUpdate(u bus.OrderUpdate) {
	e.pendingMu.Lock()
	p, ok := e.pending[u.OrderID]
	if ok {
		p.State = u.Status
		if u.Status == types.OrderFilled || u.Status == types.OrderCancelled || u.Status == types.OrderRejected {
			delete(e.pending, u.OrderID)
		}
	}
	e.pendingMu.Unlock()
}

// onExecution records a WS fill under the idempotency LRU. If the
// REST path already recorded this order id, the insert fails and the
// fill is a no-op: first writer wins.
func (e *Executor) onExecution(ex bus.Execution) {
	if ex.Price.LessThanOrEqual(decimal.Zero) {
		e.logger.Warn().Str("order_id", ex.OrderID).Str("price", ex.Price.String()).
			Msg("invalid fill price, deferring to later event")
		return
	}
	if !e.recorded.insert(ex.OrderID) {
		return
	}
	if e.recorder != nil {
		e.recorder.RecordTrade(ex.OrderID, ex.Symbol, ex.Side, ex.Price, ex.Qty, ex.Fee)
	}
}

// CleanupOldPendingOrders sweeps entries older than the pending max
// age and returns how many were dropped.
func (e *Executor) CleanupOldPendingOrders() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	dropped := 0
	cutoff := time.Now().Add(-pendingMaxAge)
	for id, p := range e.pending {
		if p.SubmittedAt.Before(cutoff) {
			delete(e.pending, id)
			dropped++
		}
	}
	if dropped > 0 {
		e.logger.Warn().Int("dropped", dropped).Msg("swept stale pending orders")
	}
	return dropped
}

// WaitForFill polls the pending table for orderID to resolve. On
// timeout it queries REST once as a fallback and returns whatever
// state the exchange reports; an unresolved order surfaces
// ErrWaitTimeout.
func (e *Executor) WaitForFill(ctx context.Context, orderID string, timeout, poll time.Duration) (types.PendingOrder, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e.pendingMu.Lock()
		p, ok := e.pending[orderID]
		var snapshot types.PendingOrder
		if ok {
			snapshot = *p
		}
		e.pendingMu.Unlock()

		if !ok {
			// Entry deleted means a terminal WS update arrived.
			if e.recorded.contains(orderID) {
				return types.PendingOrder{OrderID: orderID, State: types.OrderFilled}, nil
			}
			return types.PendingOrder{OrderID: orderID, State: types.OrderCancelled}, nil
		}
		if snapshot.State == types.OrderFilled {
			return snapshot, nil
		}

		select {
		case <-ctx.Done():
			return types.PendingOrder{}, ctx.Err()
		case <-time.After(poll):
		}
	}

	// REST fallback: ask the exchange directly.
	e.pendingMu.Lock()
	p, stillPending := e.pending[orderID]
	var symbol string
	if stillPending {
		symbol = p.Symbol
	}
	e.pendingMu.Unlock()

	if stillPending {
		open, err := e.adapter.GetOpenOrders(ctx, symbol)
		if err == nil {
			for _, o := range open {
				if o.OrderID == orderID {
					return o, fmt.Errorf("execution: order still open after %s: %w", timeout, coreerr.ErrWaitTimeout)
				}
			}
			// Not in the open set: it resolved while we slept.
			e.pendingMu.Lock()
			delete(e.pending, orderID)
			e.pendingMu.Unlock()
			return types.PendingOrder{OrderID: orderID, Symbol: symbol, State: types.OrderFilled}, nil
		}
	}
	return types.PendingOrder{OrderID: orderID}, fmt.Errorf("execution: no fill within %s: %w", timeout, coreerr.ErrWaitTimeout)
}

// RecordedOrderCount exposes the LRU size for stats surfaces.
func (e *Executor) RecordedOrderCount() int {
	return e.recorded.len()
}
