package runner

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/tradecore/internal/bus"
	"github.com/web3guy0/tradecore/internal/exchange"
	"github.com/web3guy0/tradecore/internal/execution"
	"github.com/web3guy0/tradecore/internal/play"
	"github.com/web3guy0/tradecore/internal/playengine"
	"github.com/web3guy0/tradecore/internal/risk"
	"github.com/web3guy0/tradecore/internal/safety"
	"github.com/web3guy0/tradecore/internal/statestore"
	"github.com/web3guy0/tradecore/internal/types"
)

func testPlay() *play.Play {
	return &play.Play{
		Name:   "runner_test",
		Symbol: "BTCUSDT",
		Roles: play.RoleMap{
			Low: types.TF1m, Med: types.TF1m, High: types.TF1m, Exec: types.RoleLow,
		},
		WarmupBars: 5,
		Features: []play.Feature{{
			ID: "sma_3", Kind: play.FeatureIndicator, IndicatorType: "sma",
			Params: map[string]float64{"period": 3}, InputSource: types.SourceClose,
			TFRole: types.RoleLow,
		}},
		EntryRules: play.RawNode{Atom: &play.RawAtom{
			LHS: play.RawOperand{Source: "close"},
			Op:  ">",
			RHS: play.RawOperand{FeatureID: "sma_3"},
		}},
		ExitRules: play.RawNode{Atom: &play.RawAtom{
			LHS: play.RawOperand{Source: "close"},
			Op:  "<",
			RHS: play.RawOperand{FeatureID: "sma_3"},
		}},
		Sizing: play.Sizing{Model: play.SizingFixedUSDT, FixedUSDT: decimal.NewFromInt(50)},
	}
}

func testEngine(t *testing.T, b *bus.Bus) (*playengine.Engine, *exchange.Sim) {
	t.Helper()
	compiled, err := play.Compile(testPlay())
	require.NoError(t, err)

	simCfg := exchange.DefaultSimConfig()
	simCfg.FeeBps = decimal.Zero
	simCfg.SlippageBps = decimal.Zero
	sim := exchange.NewSim(simCfg, b, "BTCUSDT")
	riskMgr := risk.NewManager(risk.Limits{
		MaxLeverage: decimal.NewFromInt(10), MaxPositionUSD: decimal.NewFromInt(1000),
	}, nil, nil)
	engine, err := playengine.New(playengine.Config{
		Mode:     types.ModeDemo,
		Compiled: compiled,
		Adapter:  sim,
		RiskMgr:  riskMgr,
		Store:    statestore.NewMemory(),
		Sim:      sim,
	})
	require.NoError(t, err)
	executor := execution.New(execution.Config{
		TradingMode: types.TradingPaper, UseDemo: true, Sizing: testPlay().Sizing,
	}, sim, riskMgr, safety.NewPanicState(), b, engine)
	engine.SetExecutor(executor)
	return engine, sim
}

func runnerConfig() Config {
	cfg := DefaultConfig()
	cfg.Symbol = "BTCUSDT"
	cfg.TFs = []types.Timeframe{types.TF1m}
	cfg.ExecTF = types.TF1m
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func klineAt(i int, close float64) bus.Kline {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return bus.Kline{
		Symbol: "BTCUSDT",
		TF:     types.TF1m,
		Bar: types.Bar{
			TsOpen:  t0.Add(time.Duration(i) * time.Minute),
			TsClose: t0.Add(time.Duration(i+1) * time.Minute),
			Open:    decimal.NewFromFloat(close),
			High:    decimal.NewFromFloat(close + 1),
			Low:     decimal.NewFromFloat(close - 1),
			Close:   decimal.NewFromFloat(close),
			Volume:  decimal.NewFromInt(1),
		},
		IsClosed: true,
	}
}

func TestRunnerLifecycle(t *testing.T) {
	b := bus.New(types.EnvDemo)
	engine, _ := testEngine(t, b)
	r := New(runnerConfig(), engine, exchange.NewSim(exchange.DefaultSimConfig(), b, "BTCUSDT"), nil, b, nil)

	assert.Equal(t, StateStopped, r.State())
	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, StateRunning, r.State())

	// Double start from RUNNING is refused.
	assert.Error(t, r.Start(context.Background()))

	r.Stop()
	assert.Equal(t, StateStopped, r.State())
	// Stop is idempotent.
	r.Stop()
	assert.Equal(t, StateStopped, r.State())
}

func TestRunnerProcessesPublishedBars(t *testing.T) {
	b := bus.New(types.EnvDemo)
	engine, _ := testEngine(t, b)
	r := New(runnerConfig(), engine, exchange.NewSim(exchange.DefaultSimConfig(), b, "BTCUSDT"), nil, b, nil)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	for i := 0; i < 8; i++ {
		b.PublishKline(klineAt(i, 100+float64(i)))
	}

	time.Sleep(300 * time.Millisecond)
	r.Stop()
	assert.Equal(t, 8, engine.Stats()["bars_processed"].(int))
}

func TestRunnerFiltersUnclosedAndForeignBars(t *testing.T) {
	b := bus.New(types.EnvDemo)
	engine, _ := testEngine(t, b)
	r := New(runnerConfig(), engine, exchange.NewSim(exchange.DefaultSimConfig(), b, "BTCUSDT"), nil, b, nil)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	open := klineAt(0, 100)
	open.IsClosed = false
	b.PublishKline(open)

	foreign := klineAt(1, 100)
	foreign.Symbol = "ETHUSDT"
	b.PublishKline(foreign)

	wrongTF := klineAt(2, 100)
	wrongTF.TF = types.TF5m
	b.PublishKline(wrongTF)

	b.PublishKline(klineAt(3, 100))
	time.Sleep(300 * time.Millisecond)
	r.Stop()
	assert.Equal(t, 1, engine.Stats()["bars_processed"].(int))
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	b := bus.New(types.EnvDemo)
	engine, _ := testEngine(t, b)
	cfg := runnerConfig()
	cfg.QueueCapacity = 4
	r := New(cfg, engine, exchange.NewSim(exchange.DefaultSimConfig(), b, "BTCUSDT"), nil, b, nil)

	// Fill the queue directly without starting the drain loop.
	r.stopCh = make(chan struct{})
	r.barQueue = make(chan queuedBar, cfg.QueueCapacity)
	for i := 0; i < 6; i++ {
		r.enqueue(queuedBar{bar: klineAt(i, 100).Bar, tf: types.TF1m})
	}

	assert.Equal(t, 2, r.DroppedBars())
	assert.Len(t, r.barQueue, 4)
	// The oldest bars were dropped: the head of the queue is bar 2.
	first := <-r.barQueue
	assert.Equal(t, klineAt(2, 100).Bar.TsClose, first.bar.TsClose)
}

func TestMergeFeedsOrdersByCloseTime(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(openMin, closeMin int) types.Bar {
		return types.Bar{
			TsOpen:  t0.Add(time.Duration(openMin) * time.Minute),
			TsClose: t0.Add(time.Duration(closeMin) * time.Minute),
		}
	}
	feed := MergeFeeds(map[types.Timeframe][]types.Bar{
		types.TF1m:  {mk(0, 1), mk(1, 2), mk(2, 3), mk(3, 4), mk(4, 5)},
		types.TF5m:  {mk(0, 5)},
	})

	require.Len(t, feed.Bars, 6)
	for i := 1; i < len(feed.Bars); i++ {
		assert.False(t, feed.Bars[i].Bar.TsClose.Before(feed.Bars[i-1].Bar.TsClose))
	}
	// On the shared close at minute 5, the 5m bar precedes the 1m bar.
	assert.Equal(t, types.TF5m, feed.Bars[4].TF)
	assert.Equal(t, types.TF1m, feed.Bars[5].TF)
}

func TestBacktestLoopDrivesEngine(t *testing.T) {
	engine, sim := testEngine(t, bus.New(types.EnvDemo))

	var bars []BacktestBar
	for i := 0; i < 10; i++ {
		bars = append(bars, BacktestBar{Bar: klineAt(i, 100+float64(i)).Bar, TF: types.TF1m})
	}
	bt := NewBacktest(engine, BacktestFeed{Bars: bars})
	signals, err := bt.Run(context.Background())
	require.NoError(t, err)
	// Rising series: close > sma_3 once warm, so entries fire.
	assert.Greater(t, signals, 0)

	pos, _ := sim.GetPosition(context.Background(), "BTCUSDT")
	assert.False(t, pos.IsFlat())
}
