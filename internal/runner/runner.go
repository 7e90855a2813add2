// Package runner implements C9: the live runner state machine that
// bridges the asynchronous WS world onto the engine's synchronous
// bar loop, plus the shadow variant and the backtest index loop.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/tradecore/internal/bus"
	"github.com/web3guy0/tradecore/internal/exchange"
	"github.com/web3guy0/tradecore/internal/playengine"
	"github.com/web3guy0/tradecore/internal/types"
)

// State is the runner lifecycle state.
type State string

const (
	StateStopped      State = "STOPPED"
	StateStarting     State = "STARTING"
	StateRunning      State = "RUNNING"
	StateReconnecting State = "RECONNECTING"
	StateStopping     State = "STOPPING"
	StateError        State = "ERROR"
)

// Notifier receives health and lifecycle alerts. The Telegram adapter
// implements it; tests use a recorder.
type Notifier interface {
	Notify(level, message string)
}

// Config tunes one live runner.
type Config struct {
	Symbol string
	// TFs are every concrete timeframe the Play declares; the runner
	// subscribes to all of them and routes by bar timeframe.
	TFs    []types.Timeframe
	ExecTF types.Timeframe

	QueueCapacity     int
	ReconcileInterval time.Duration

	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxAttempts int

	ShutdownTimeout time.Duration
}

// DefaultConfig mirrors the spec defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:     200,
		ReconcileInterval: 5 * time.Minute,
		BackoffBase:       time.Second,
		BackoffMax:        60 * time.Second,
		MaxAttempts:       10,
		ShutdownTimeout:   10 * time.Second,
	}
}

type queuedBar struct {
	bar types.Bar
	tf  types.Timeframe
}

// Runner feeds one engine from the realtime bus. Bars arrive on a
// bounded queue (oldest dropped on overflow), the main loop processes
// them in order, and WS failures drive the reconnect state machine.
type Runner struct {
	mu     sync.Mutex
	cfg    Config
	engine *playengine.Engine
	adapt  exchange.Adapter
	stream *exchange.BybitStream
	bus    *bus.Bus
	notify Notifier
	logger zerolog.Logger

	state     State
	stopCh    chan struct{}
	barQueue  chan queuedBar
	wg        sync.WaitGroup
	stoppedAt time.Time

	lastBarAt     time.Time
	droppedBars   int
	lastReconcile time.Time
}

// New builds a runner. stream may be nil in tests; bars are then fed
// by publishing klines on the bus directly.
func New(cfg Config, engine *playengine.Engine, adapt exchange.Adapter, stream *exchange.BybitStream, b *bus.Bus, notify Notifier) *Runner {
	return &Runner{
		cfg:    cfg,
		engine: engine,
		adapt:  adapt,
		stream: stream,
		bus:    b,
		notify: notify,
		logger: log.With().Str("component", "runner").Str("symbol", cfg.Symbol).Logger(),
		state:  StateStopped,
	}
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	if prev != s {
		r.logger.Info().Str("from", string(prev)).Str("to", string(s)).Msg("state transition")
	}
}

// DroppedBars returns the overflow counter.
func (r *Runner) DroppedBars() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.droppedBars
}

// Start connects, syncs positions over REST, registers the kline
// callback, and spawns the main and health loops.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateStopped && r.state != StateError {
		r.mu.Unlock()
		return fmt.Errorf("runner: cannot start from state %s", r.state)
	}
	r.state = StateStarting
	r.stopCh = make(chan struct{})
	r.barQueue = make(chan queuedBar, r.cfg.QueueCapacity)
	r.mu.Unlock()

	if err := r.adapt.Connect(ctx); err != nil {
		r.setState(StateError)
		return fmt.Errorf("runner: connect: %w", err)
	}

	// Startup position sync: the engine must know about exposure that
	// predates this process.
	if pos, err := r.adapt.GetPosition(ctx, r.cfg.Symbol); err != nil {
		r.logger.Warn().Err(err).Msg("startup position sync failed")
	} else if !pos.IsFlat() {
		r.logger.Info().
			Str("side", string(pos.Side)).
			Str("size_qty", pos.SizeQty.String()).
			Msg("existing position found at startup")
	}

	declared := make(map[types.Timeframe]bool, len(r.cfg.TFs))
	for _, tf := range r.cfg.TFs {
		declared[tf] = true
	}
	r.bus.SubscribeKline(func(k bus.Kline) {
		if k.Symbol != r.cfg.Symbol || !k.IsClosed || !declared[k.TF] {
			return
		}
		r.enqueue(queuedBar{bar: k.Bar, tf: k.TF})
	})

	r.wg.Add(2)
	go r.loop(ctx)
	go r.healthLoop()
	if r.stream != nil {
		r.wg.Add(1)
		go r.reconnectLoop(ctx)
	}

	r.mu.Lock()
	r.lastBarAt = time.Now()
	r.mu.Unlock()
	r.setState(StateRunning)
	return nil
}

// enqueue pushes onto the bounded queue, dropping the oldest bar on
// overflow to preserve liveness.
func (r *Runner) enqueue(qb queuedBar) {
	select {
	case r.barQueue <- qb:
		return
	default:
	}
	select {
	case <-r.barQueue:
		r.mu.Lock()
		r.droppedBars++
		n := r.droppedBars
		r.mu.Unlock()
		r.logger.Warn().Int("dropped_total", n).Msg("bar queue full, dropped oldest")
		if r.notify != nil {
			r.notify.Notify("warning", fmt.Sprintf("%s: bar queue overflow, %d dropped", r.cfg.Symbol, n))
		}
	default:
	}
	select {
	case r.barQueue <- qb:
	default:
	}
}

// loop is the cooperative engine driver: pop a bar, process it at
// index -1, execute any signal, then reconcile at most once per
// interval.
func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case qb := <-r.barQueue:
			r.mu.Lock()
			r.lastBarAt = time.Now()
			r.mu.Unlock()

			sig, err := r.engine.OnBarClosed(ctx, qb.bar, qb.tf)
			if err != nil {
				// Out-of-order and unknown-TF bars are counted and
				// discarded; the runner never aborts on data errors.
				r.logger.Warn().Err(err).Msg("bar rejected")
				continue
			}
			if sig != nil {
				res := r.engine.ExecuteSignal(ctx, *sig)
				if !res.Success {
					r.logger.Warn().Str("reason", res.Reason).Msg("signal blocked")
				}
			}
			r.maybeReconcile(ctx)
		}
	}
}

// maybeReconcile runs REST position reconciliation at most once per
// configured interval.
func (r *Runner) maybeReconcile(ctx context.Context) {
	r.mu.Lock()
	due := time.Since(r.lastReconcile) >= r.cfg.ReconcileInterval
	if due {
		r.lastReconcile = time.Now()
	}
	r.mu.Unlock()
	if !due {
		return
	}
	pos, err := r.adapt.GetPosition(ctx, r.cfg.Symbol)
	if err != nil {
		r.logger.Warn().Err(err).Msg("position reconciliation failed")
		return
	}
	r.bus.PublishPosition(pos)
	r.logger.Debug().Str("side", string(pos.Side)).Msg("position reconciled")
}

// healthLoop warns when no bar has arrived within 2.5 exec-TF
// intervals. A warning never stops the runner.
func (r *Runner) healthLoop() {
	defer r.wg.Done()
	tfMin, err := types.Minutes(r.cfg.ExecTF)
	if err != nil {
		tfMin = 1
	}
	threshold := time.Duration(float64(tfMin)*2.5) * time.Minute
	ticker := time.NewTicker(threshold / 2)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.mu.Lock()
			silent := time.Since(r.lastBarAt)
			r.mu.Unlock()
			if silent > threshold && r.State() == StateRunning {
				r.logger.Warn().Dur("silent_for", silent).Msg("no bar received, feed may be stalled")
				if r.notify != nil {
					r.notify.Notify("warning", fmt.Sprintf("%s: no bar for %s", r.cfg.Symbol, silent.Truncate(time.Second)))
				}
			}
		}
	}
}

// reconnectLoop owns WS failure recovery: exponential backoff from
// base to max delay, attempt counter reset on success, ERROR state
// after the attempt budget is spent.
func (r *Runner) reconnectLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case err := <-r.stream.Errors():
			r.logger.Warn().Err(err).Msg("ws failure, reconnecting")
			r.setState(StateReconnecting)
			if !r.reconnect(ctx) {
				r.setState(StateError)
				if r.notify != nil {
					r.notify.Notify("error", fmt.Sprintf("%s: reconnect attempts exhausted, runner stopped", r.cfg.Symbol))
				}
				go r.Stop()
				return
			}
			r.setState(StateRunning)
		}
	}
}

func (r *Runner) reconnect(ctx context.Context) bool {
	delay := r.cfg.BackoffBase
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		select {
		case <-r.stopCh:
			return false
		case <-time.After(delay):
		}

		r.stream.Stop()
		if err := r.stream.Start(ctx); err == nil {
			r.logger.Info().Int("attempt", attempt).Msg("reconnected")
			return true
		} else {
			r.logger.Warn().Err(err).Int("attempt", attempt).Dur("next_delay", delay).Msg("reconnect attempt failed")
		}

		delay *= 2
		if delay > r.cfg.BackoffMax {
			delay = r.cfg.BackoffMax
		}
	}
	return false
}

// Stop is cooperative: set the stop event, disconnect, and join with
// the shutdown timeout. Tasks that do not return in time are logged
// and abandoned.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.state == StateStopped || r.state == StateStopping {
		r.mu.Unlock()
		return
	}
	r.state = StateStopping
	close(r.stopCh)
	r.mu.Unlock()

	if r.stream != nil {
		r.stream.Stop()
	}
	if err := r.adapt.Disconnect(); err != nil {
		r.logger.Warn().Err(err).Msg("disconnect failed")
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.cfg.ShutdownTimeout):
		r.logger.Warn().Dur("timeout", r.cfg.ShutdownTimeout).Msg("shutdown timeout, abandoning tasks")
	}

	r.mu.Lock()
	r.state = StateStopped
	r.stoppedAt = time.Now()
	r.mu.Unlock()
	r.logger.Info().Msg("runner stopped")
}
