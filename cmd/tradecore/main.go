// Tradecore - declarative Play trading engine for Bybit v5 perpetuals
//
// One Play (a YAML strategy: features, rules, sizing) runs in four
// modes — backtest, demo, live, shadow — through the same execution
// core, so the signal stream is identical wherever it runs.
//
// Architecture: Data provider → Rules → Risk → Executor → Exchange
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradecore/internal/bus"
	"github.com/web3guy0/tradecore/internal/config"
	"github.com/web3guy0/tradecore/internal/dataenv"
	"github.com/web3guy0/tradecore/internal/exchange"
	"github.com/web3guy0/tradecore/internal/execution"
	"github.com/web3guy0/tradecore/internal/historystore"
	"github.com/web3guy0/tradecore/internal/journal"
	"github.com/web3guy0/tradecore/internal/manager"
	"github.com/web3guy0/tradecore/internal/notify"
	"github.com/web3guy0/tradecore/internal/play"
	"github.com/web3guy0/tradecore/internal/playengine"
	"github.com/web3guy0/tradecore/internal/risk"
	"github.com/web3guy0/tradecore/internal/runner"
	"github.com/web3guy0/tradecore/internal/safety"
	"github.com/web3guy0/tradecore/internal/statestore"
	"github.com/web3guy0/tradecore/internal/types"
)

const version = "1.0.0"

func main() {
	modeFlag := flag.String("mode", "backtest", "execution mode: backtest|demo|live|shadow")
	playPath := flag.String("play", "", "path to the Play YAML")
	warmup := flag.Int("warmup", 500, "backtest warmup+run bars to load per timeframe")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	mode := types.Mode(*modeFlag)
	switch mode {
	case types.ModeBacktest, types.ModeDemo, types.ModeLive, types.ModeShadow:
	default:
		log.Fatal().Str("mode", *modeFlag).Msg("Unknown mode")
	}
	if *playPath == "" {
		log.Fatal().Msg("-play is required")
	}

	compiled, err := play.LoadFile(*playPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load play")
	}

	log.Info().
		Str("version", version).
		Str("mode", string(mode)).
		Str("play", compiled.Play.Name).
		Str("symbol", compiled.Play.Symbol).
		Msg("🚀 Tradecore starting...")

	if mode == types.ModeBacktest {
		runBacktest(compiled, *warmup)
		return
	}
	runLive(mode, compiled)
}

func runBacktest(compiled *play.Compiled, warmup int) {
	ctx := context.Background()

	store, err := historystore.Open(envOr("DATABASE_URL", "data/tradecore.db"), true)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open history store")
	}

	perTF := make(map[types.Timeframe][]types.Bar)
	for _, rs := range compiled.RoleSpecs {
		if _, ok := perTF[rs.TF]; ok {
			continue
		}
		bars, err := store.GetLatestOHLCV(types.EnvDemo, compiled.Play.Symbol, rs.TF, warmup)
		if err != nil {
			log.Fatal().Err(err).Str("tf", string(rs.TF)).Msg("Failed to load bars")
		}
		if len(bars) == 0 {
			log.Fatal().Str("tf", string(rs.TF)).Msg("No stored bars for timeframe; fetch history first")
		}
		perTF[rs.TF] = bars
	}

	b := bus.New(types.EnvDemo)
	sim := exchange.NewSim(exchange.DefaultSimConfig(), b, compiled.Play.Symbol)
	panicState := safety.NewPanicState()
	dailyLoss := safety.NewDailyLossTracker(envDecimal("MAX_DAILY_LOSS_USD", 0))
	riskMgr := risk.NewManager(risk.Limits{
		MaxLeverage:    envDecimal("MAX_LEVERAGE", 10),
		MaxPositionUSD: envDecimal("MAX_POSITION_SIZE_USD", 1000),
	}, dailyLoss, nil)

	jr, err := journal.Open("data/backtests", compiled.Play.Name+"_backtest")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open journal")
	}
	defer jr.Close()

	engine, err := playengine.New(playengine.Config{
		Mode:     types.ModeBacktest,
		Compiled: compiled,
		Adapter:  sim,
		RiskMgr:  riskMgr,
		Store:    statestore.NewMemory(),
		Journal:  jr,
		Sim:      sim,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build engine")
	}
	executor := execution.New(execution.Config{
		TradingMode: types.TradingPaper,
		UseDemo:     true,
		Sizing:      compiled.Play.Sizing,
	}, sim, riskMgr, panicState, b, engine)
	engine.SetExecutor(executor)

	bt := runner.NewBacktest(engine, runner.MergeFeeds(perTF))
	signals, err := bt.Run(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Backtest failed")
	}

	equity, _ := sim.GetEquity(ctx)
	log.Info().
		Int("signals", signals).
		Str("realized_pnl", sim.RealizedPnL().StringFixed(2)).
		Str("final_equity", equity.StringFixed(2)).
		Msg("✅ Backtest complete")
}

func runLive(mode types.Mode, compiled *play.Compiled) {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	env := dataenv.EnvForMode(mode)
	registry := dataenv.New(cfg)
	creds, err := registry.CredsFor(env)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve credentials")
	}

	b := bus.New(env)
	tfs := declaredTFs(compiled)
	stream := exchange.NewBybitStream(exchange.StreamConfig{
		Env:      env,
		Creds:    creds,
		Symbol:   compiled.Play.Symbol,
		KlineTFs: tfs,
		Private:  mode != types.ModeShadow,
	}, b)
	adapter := exchange.NewBybit(exchange.BybitConfig{
		Env:        env,
		TradeCreds: creds,
		DataCreds:  registry.DataCreds(),
		Symbol:     compiled.Play.Symbol,
	}, stream)

	panicState := safety.NewPanicState()
	dailyLoss := safety.NewDailyLossTracker(cfg.MaxDailyLossUSD)
	var view *risk.GlobalView
	if compiled.Play.GlobalRiskView {
		gvCfg := risk.DefaultGlobalViewConfig()
		gvCfg.TickerStaleAfter = cfg.TickerStaleAfter
		gvCfg.WalletStaleAfter = cfg.WalletStaleAfter
		gvCfg.PositionStaleAfter = cfg.PositionStaleAfter
		view = risk.NewGlobalView(gvCfg, b, dailyLoss)
	}
	riskMgr := risk.NewManager(risk.Limits{
		MaxLeverage:    cfg.MaxLeverage,
		MaxPositionUSD: cfg.MaxPositionUSD,
		MinBalanceUSD:  cfg.MinBalanceUSD,
	}, dailyLoss, view)

	mgr, err := manager.New(manager.DefaultDir())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create instance manager")
	}
	instanceID := mgr.NewInstanceID(compiled.Play.Name, mode)

	jr, err := journal.Open("data/journal", instanceID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open journal")
	}
	defer jr.Close()

	fileStore, err := statestore.NewFile(statestore.DefaultDir())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create state store")
	}

	var tg *notify.Telegram
	if cfg.TelegramToken != "" {
		tg, err = notify.New(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram disabled")
			tg = nil
		}
	}
	panicState.OnTrigger(tg.NotifyPanic)

	engine, err := playengine.New(playengine.Config{
		Mode:     mode,
		Compiled: compiled,
		Adapter:  adapter,
		RiskMgr:  riskMgr,
		Store:    fileStore,
		Journal:  jr,
		Paused:   func() bool { return mgr.IsPaused(instanceID) },
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build engine")
	}
	executor := execution.New(execution.Config{
		TradingMode: cfg.TradingMode,
		UseDemo:     cfg.UseDemo,
		Sizing:      compiled.Play.Sizing,
	}, adapter, riskMgr, panicState, b, engine)
	engine.SetExecutor(executor)

	runCfg := runner.DefaultConfig()
	runCfg.Symbol = compiled.Play.Symbol
	runCfg.TFs = tfs
	runCfg.ExecTF = execTF(compiled)
	runCfg.QueueCapacity = cfg.BarQueueCapacity
	runCfg.ReconcileInterval = cfg.ReconcileInterval
	run := runner.New(runCfg, engine, adapter, stream, b, tg)

	inst := &manager.Instance{
		ID:        instanceID,
		PlayID:    compiled.Play.Name,
		Symbol:    compiled.Play.Symbol,
		Mode:      mode,
		StartedAt: time.Now().UTC(),
		Status:    types.InstanceStarting,
		Stats:     engine.Stats,
		Stop:      run.Stop,
	}
	if err := mgr.Register(inst); err != nil {
		log.Fatal().Err(err).Msg("Instance limit reached")
	}

	tg.SetControlCallbacks(
		func() {
			if err := mgr.Pause(instanceID); err != nil {
				log.Warn().Err(err).Msg("Pause failed")
			}
		},
		func() {
			if err := mgr.Resume(instanceID); err != nil {
				log.Warn().Err(err).Msg("Resume failed")
			}
		},
	)
	tg.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Seed warmup history over REST before the stream drives the
	// engine.
	for _, rs := range compiled.RoleSpecs {
		bars, err := adapter.GetKlines(ctx, compiled.Play.Symbol, rs.TF, compiled.Play.WarmupBars+1)
		if err != nil {
			mgr.Deregister(instanceID)
			log.Fatal().Err(err).Str("tf", string(rs.TF)).Msg("Failed to fetch warmup history")
		}
		if err := engine.Seed(rs.Role, bars); err != nil {
			mgr.Deregister(instanceID)
			log.Fatal().Err(err).Msg("Failed to seed history")
		}
	}

	if err := run.Start(ctx); err != nil {
		mgr.Deregister(instanceID)
		log.Fatal().Err(err).Msg("Runner failed to start")
	}
	mgr.UpdateStatus(instanceID, types.InstanceRunning)
	log.Info().Str("instance_id", instanceID).Msg("✅ All services started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("🛑 Shutting down...")
	mgr.UpdateStatus(instanceID, types.InstanceStopping)
	cancel()
	run.Stop()
	tg.Stop()
	if err := engine.Checkpoint(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Final checkpoint failed")
	}
	mgr.Deregister(instanceID)
	log.Info().Msg("👋 Goodbye!")
}

func declaredTFs(compiled *play.Compiled) []types.Timeframe {
	seen := make(map[types.Timeframe]bool)
	var out []types.Timeframe
	for _, rs := range compiled.RoleSpecs {
		if !seen[rs.TF] {
			seen[rs.TF] = true
			out = append(out, rs.TF)
		}
	}
	return out
}

func execTF(compiled *play.Compiled) types.Timeframe {
	p := compiled.Play
	switch p.Roles.Exec {
	case types.RoleLow:
		return p.Roles.Low
	case types.RoleMed:
		return p.Roles.Med
	default:
		return p.Roles.High
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDecimal(key string, fallback int64) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return decimal.NewFromInt(fallback)
}
