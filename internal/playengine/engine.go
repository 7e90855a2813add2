// Package playengine implements C8: the bar-driven PlayEngine. One
// engine drives one compiled Play through the data provider, rule
// evaluator, risk sizing, and order executor — the same code path in
// every mode, which is what makes signals bit-identical between
// backtest and live.
package playengine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradecore/internal/dataprovider"
	"github.com/web3guy0/tradecore/internal/exchange"
	"github.com/web3guy0/tradecore/internal/execution"
	"github.com/web3guy0/tradecore/internal/journal"
	"github.com/web3guy0/tradecore/internal/play"
	"github.com/web3guy0/tradecore/internal/risk"
	"github.com/web3guy0/tradecore/internal/rules"
	"github.com/web3guy0/tradecore/internal/statestore"
	"github.com/web3guy0/tradecore/internal/types"
)

// Config wires one engine.
type Config struct {
	Mode     types.Mode
	Compiled *play.Compiled
	Adapter  exchange.Adapter
	Executor *execution.Executor
	RiskMgr  *risk.Manager
	Store    statestore.Store
	Journal  *journal.Journal
	// Sim is set in backtest mode only; ProcessBar steps it so queued
	// orders and SL/TP conditionals resolve before rules run.
	Sim *exchange.Sim
	// Paused, when non-nil, is polled each bar; while it reports true
	// entries are suppressed but exits keep evaluating.
	Paused func() bool
}

// Engine is one running Play.
type Engine struct {
	id       string
	cfg      Config
	provider *dataprovider.Provider
	view     *dataprovider.View
	logger   zerolog.Logger

	equity        decimal.Decimal
	realizedPnL   decimal.Decimal
	totalTrades   int
	barsProcessed int
	signalCount   int
	lastBarTS     *time.Time
	lastSignalTS  *time.Time
}

// New builds an engine and its exclusively owned data provider.
func New(cfg Config) (*Engine, error) {
	provider, err := dataprovider.New(cfg.Compiled.RoleSpecs, cfg.Compiled.Play.Roles.Exec)
	if err != nil {
		return nil, err
	}
	view := dataprovider.NewView(provider)
	cfg.Compiled.BindView(view)

	id := fmt.Sprintf("%s_%s_%s", cfg.Compiled.Play.Name, cfg.Mode, uuid.NewString()[:8])
	e := &Engine{
		id:       id,
		cfg:      cfg,
		provider: provider,
		view:     view,
		logger:   log.With().Str("component", "engine").Str("engine_id", id).Logger(),
	}
	if ctx := context.Background(); cfg.Adapter != nil {
		if eq, err := cfg.Adapter.GetEquity(ctx); err == nil {
			e.equity = eq
		}
	}
	return e, nil
}

// ID returns the engine id.
func (e *Engine) ID() string { return e.id }

// SetExecutor wires the executor after construction. The engine is
// the executor's trade recorder, so the two are built engine-first
// and connected here.
func (e *Engine) SetExecutor(ex *execution.Executor) { e.cfg.Executor = ex }

// Provider exposes the engine's data provider to the runner for
// seeding and routing.
func (e *Engine) Provider() *dataprovider.Provider { return e.provider }

// Seed loads warmup history into a role's buffer.
func (e *Engine) Seed(role types.TFRole, bars []types.Bar) error {
	for _, rs := range e.cfg.Compiled.RoleSpecs {
		if rs.Role == role {
			return e.provider.Seed(role, bars, rs.Indicators)
		}
	}
	return fmt.Errorf("playengine: unknown role %q", role)
}

// OnBarClosed routes a closed bar into the provider and, when the bar
// advances the exec timeframe, runs one ProcessBar pass. This is the
// single entry point for both the backtest loop and the live runner.
func (e *Engine) OnBarClosed(ctx context.Context, bar types.Bar, tf types.Timeframe) (*types.Signal, error) {
	if err := e.provider.OnBarClosed(bar, tf); err != nil {
		return nil, err
	}
	execTF := e.execTF()
	if tf != execTF {
		return nil, nil
	}
	return e.ProcessBar(ctx, -1)
}

func (e *Engine) execTF() types.Timeframe {
	p := e.cfg.Compiled.Play
	switch p.Roles.Exec {
	case types.RoleLow:
		return p.Roles.Low
	case types.RoleMed:
		return p.Roles.Med
	default:
		return p.Roles.High
	}
}

// ProcessBar drives one bar through the spec'd sequence: step the
// simulated exchange, gate on readiness, fetch position, evaluate
// entry or exit, and checkpoint on the save interval. Index -1 is the
// latest closed bar (the only index the live runner uses).
func (e *Engine) ProcessBar(ctx context.Context, index int) (*types.Signal, error) {
	bar, ok := e.provider.GetExecCandle(index)
	if !ok {
		return nil, nil
	}
	ts := bar.TsClose
	e.lastBarTS = &ts
	e.barsProcessed++

	// Backtest only: resolve pending fills and SL/TP at this bar
	// before rules see it, so a signal at bar n fills at bar n+1 open.
	if e.cfg.Sim != nil {
		e.cfg.Sim.Step(bar)
	}

	defer e.maybeCheckpoint()

	if !e.provider.IsReady() {
		return nil, nil
	}

	pos, err := e.cfg.Adapter.GetPosition(ctx, e.cfg.Compiled.Play.Symbol)
	if err != nil {
		return nil, fmt.Errorf("playengine: position fetch: %w", err)
	}

	var sig *types.Signal
	if pos.IsFlat() {
		if e.cfg.Paused != nil && e.cfg.Paused() {
			return nil, nil
		}
		if rules.Eval(e.view, e.cfg.Compiled.EntryRule) {
			sig = e.buildSignal(e.cfg.Compiled.Play.Direction, bar)
		}
	} else {
		if rules.Eval(e.view, e.cfg.Compiled.ExitRule) {
			sig = e.buildSignal(types.Flat, bar)
		}
	}

	if sig != nil {
		e.signalCount++
		sigTS := bar.TsClose
		e.lastSignalTS = &sigTS
		e.journalSignal(*sig)
	}
	return sig, nil
}

func (e *Engine) buildSignal(dir types.Direction, bar types.Bar) *types.Signal {
	ref := bar.Close
	sig := &types.Signal{
		Symbol:         e.cfg.Compiled.Play.Symbol,
		Direction:      dir,
		Strategy:       e.cfg.Compiled.Play.Name,
		Confidence:     decimal.NewFromInt(1),
		ReferencePrice: &ref,
		Metadata:       map[string]any{},
	}
	if dir == types.Flat {
		return sig
	}
	br := e.cfg.Compiled.Play.Brackets
	hundred := decimal.NewFromInt(100)
	if br.StopLossPct.IsPositive() {
		pct := br.StopLossPct.Div(hundred)
		sl := ref.Mul(decimal.NewFromInt(1).Sub(pct))
		if dir == types.Short {
			sl = ref.Mul(decimal.NewFromInt(1).Add(pct))
		}
		sig.Metadata["stop_loss"] = sl
	}
	if br.TakeProfitPct.IsPositive() {
		pct := br.TakeProfitPct.Div(hundred)
		tp := ref.Mul(decimal.NewFromInt(1).Add(pct))
		if dir == types.Short {
			tp = ref.Mul(decimal.NewFromInt(1).Sub(pct))
		}
		sig.Metadata["take_profit"] = tp
	}
	return sig
}

// ExecuteSignal runs risk sizing and submission for a signal. Shadow
// mode journals the would-be order and stops there.
func (e *Engine) ExecuteSignal(ctx context.Context, sig types.Signal) execution.Result {
	if e.cfg.Mode == types.ModeShadow {
		e.logger.Info().
			Str("symbol", sig.Symbol).
			Str("direction", string(sig.Direction)).
			Msg("shadow mode, signal recorded but not executed")
		e.cfg.Journal.Append(journal.Event{
			Kind:      journal.KindSignal,
			Symbol:    sig.Symbol,
			Direction: string(sig.Direction),
			Reason:    "shadow",
		})
		return execution.Result{Success: true, Reason: "shadow"}
	}

	res := e.cfg.Executor.Execute(ctx, sig)
	if !res.Success {
		e.cfg.Journal.Append(journal.Event{
			Kind:      journal.KindError,
			Symbol:    sig.Symbol,
			Direction: string(sig.Direction),
			Reason:    res.Reason,
		})
	}
	return res
}

// RecordTrade implements execution.TradeRecorder: confirmed fills
// update the counters and the journal. It runs outside the executor's
// recorded-orders lock.
func (e *Engine) RecordTrade(orderID, symbol string, side types.Direction, price, qty, fee decimal.Decimal) {
	e.totalTrades++
	e.cfg.Journal.Append(journal.Event{
		Kind:      journal.KindFill,
		Symbol:    symbol,
		Direction: string(side),
		OrderID:   orderID,
		Price:     price.String(),
		SizeUSDT:  price.Mul(qty).StringFixed(2),
	})
}

func (e *Engine) maybeCheckpoint() {
	p := e.cfg.Compiled.Play
	if !p.PersistState || e.cfg.Store == nil {
		return
	}
	interval := p.StateSaveInterval
	if interval <= 0 {
		interval = 100
	}
	if e.barsProcessed%interval != 0 {
		return
	}
	if err := e.Checkpoint(context.Background()); err != nil {
		e.logger.Warn().Err(err).Msg("checkpoint failed")
	}
}

// Checkpoint persists the engine state through the store.
func (e *Engine) Checkpoint(ctx context.Context) error {
	st := types.EngineState{
		EngineID:     e.id,
		PlayID:       e.cfg.Compiled.Play.Name,
		Mode:         e.cfg.Mode,
		Symbol:       e.cfg.Compiled.Play.Symbol,
		EquityUSDT:   e.equity,
		RealizedPnL:  e.realizedPnL,
		TotalTrades:  e.totalTrades,
		LastBarTS:    e.lastBarTS,
		LastSignalTS: e.lastSignalTS,
	}
	if e.cfg.Adapter != nil {
		if pos, err := e.cfg.Adapter.GetPosition(ctx, st.Symbol); err == nil && !pos.IsFlat() {
			st.Position = &pos
		}
		if eq, err := e.cfg.Adapter.GetEquity(ctx); err == nil {
			st.EquityUSDT = eq
			e.equity = eq
		}
	}
	if e.cfg.Executor != nil {
		st.PendingOrders = e.cfg.Executor.PendingOrders()
	}
	return e.cfg.Store.Save(st)
}

func (e *Engine) journalSignal(sig types.Signal) {
	e.cfg.Journal.Append(journal.Event{
		Kind:      journal.KindSignal,
		Symbol:    sig.Symbol,
		Direction: string(sig.Direction),
		Fields:    map[string]any{"strategy": sig.Strategy},
	})
}

// Stats summarizes the engine for registry records and status
// surfaces.
func (e *Engine) Stats() map[string]any {
	return map[string]any{
		"bars_processed": e.barsProcessed,
		"signals":        e.signalCount,
		"total_trades":   e.totalTrades,
		"equity_usdt":    e.equity.String(),
	}
}
