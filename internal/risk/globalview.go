package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradecore/internal/bus"
	"github.com/web3guy0/tradecore/internal/coreerr"
	"github.com/web3guy0/tradecore/internal/safety"
)

// GlobalViewConfig tunes the fail-closed thresholds.
type GlobalViewConfig struct {
	// WSUnhealthyAfter is how long the bus may be silent on its
	// private topics before every new entry is denied. Default 30s.
	WSUnhealthyAfter time.Duration
	// WalletStaleAfter / PositionStaleAfter are per-topic staleness
	// thresholds; a topic counts as stale only once its age exceeds
	// both its own threshold and WSUnhealthyAfter. TickerStaleAfter is
	// not read: the ticker is checked against WSUnhealthyAfter alone.
	TickerStaleAfter   time.Duration
	WalletStaleAfter   time.Duration
	PositionStaleAfter time.Duration
	// MaxConsecutiveLosses disables a symbol after this many losing
	// trades in a row; zero disables the escalation.
	MaxConsecutiveLosses int
	// DisableCooldown is how long a disabled symbol stays disabled.
	DisableCooldown time.Duration
}

// DefaultGlobalViewConfig mirrors the spec's defaults.
func DefaultGlobalViewConfig() GlobalViewConfig {
	return GlobalViewConfig{
		WSUnhealthyAfter:     30 * time.Second,
		TickerStaleAfter:     5 * time.Second,
		WalletStaleAfter:     30 * time.Second,
		PositionStaleAfter:   10 * time.Second,
		MaxConsecutiveLosses: 3,
		DisableCooldown:      30 * time.Minute,
	}
}

type symbolState struct {
	consecutiveLosses int
	disabledUntil     time.Time
}

// GlobalView is the account-wide entry gate consulted before any
// per-play check. It reads WS health off the realtime bus under a
// cache TTL and fails closed: if the bus has been unhealthy for longer
// than the configured window, every new entry is denied. Closes are
// never routed through it.
type GlobalView struct {
	mu      sync.Mutex
	cfg     GlobalViewConfig
	bus     *bus.Bus
	daily   *safety.DailyLossTracker
	symbols map[string]*symbolState

	cachedVerdict error
	cachedAt      time.Time
	cacheTTL      time.Duration
}

// NewGlobalView builds a view over one environment's bus. daily is the
// same canonical tracker the manager holds.
func NewGlobalView(cfg GlobalViewConfig, b *bus.Bus, daily *safety.DailyLossTracker) *GlobalView {
	return &GlobalView{
		cfg:      cfg,
		bus:      b,
		daily:    daily,
		symbols:  make(map[string]*symbolState),
		cacheTTL: time.Second,
	}
}

// AllowEntry returns nil if a new entry on symbol is permitted, or a
// reason-carrying error. The WS-health verdict is cached for one
// second so a burst of signals does not hammer the bus lock.
func (g *GlobalView) AllowEntry(symbol string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if st, ok := g.symbols[symbol]; ok && time.Now().Before(st.disabledUntil) {
		return fmt.Errorf("risk: symbol %s disabled until %s: %w",
			symbol, st.disabledUntil.Format(time.RFC3339), coreerr.ErrBlockedByRisk)
	}

	if g.daily != nil && g.daily.Exhausted() {
		return fmt.Errorf("risk: daily loss budget exhausted: %w", coreerr.ErrBlockedByRisk)
	}

	if time.Since(g.cachedAt) < g.cacheTTL {
		return g.cachedVerdict
	}
	verdict := g.wsHealthVerdict()
	g.cachedVerdict = verdict
	g.cachedAt = time.Now()
	return verdict
}

func (g *GlobalView) wsHealthVerdict() error {
	if g.bus == nil {
		return nil
	}
	// Ticker is the heartbeat stream; if it has been silent past the
	// unhealthy window the whole WS side is considered down.
	if age := g.bus.Age(bus.TopicTicker); age > g.cfg.WSUnhealthyAfter {
		return fmt.Errorf("risk: ticker stream silent for %s: %w", age.Truncate(time.Second), coreerr.ErrWSUnhealthy)
	}
	if age := g.bus.Age(bus.TopicWallet); age > g.cfg.WalletStaleAfter && age > g.cfg.WSUnhealthyAfter {
		return fmt.Errorf("risk: wallet stream stale for %s: %w", age.Truncate(time.Second), coreerr.ErrWSUnhealthy)
	}
	if age := g.bus.Age(bus.TopicPosition); age > g.cfg.PositionStaleAfter && age > g.cfg.WSUnhealthyAfter {
		return fmt.Errorf("risk: position stream stale for %s: %w", age.Truncate(time.Second), coreerr.ErrWSUnhealthy)
	}
	return nil
}

// RecordTradeResult updates the per-symbol loss streak. A win resets
// the streak; hitting the configured maximum disables the symbol for
// the cooldown window.
func (g *GlobalView) RecordTradeResult(symbol string, pnl decimal.Decimal) {
	if g.cfg.MaxConsecutiveLosses <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.symbols[symbol]
	if !ok {
		st = &symbolState{}
		g.symbols[symbol] = st
	}
	if pnl.IsNegative() {
		st.consecutiveLosses++
		if st.consecutiveLosses >= g.cfg.MaxConsecutiveLosses {
			st.disabledUntil = time.Now().Add(g.cfg.DisableCooldown)
			st.consecutiveLosses = 0
			log.Warn().
				Str("symbol", symbol).
				Dur("cooldown", g.cfg.DisableCooldown).
				Msg("risk: symbol disabled after consecutive losses")
		}
	} else {
		st.consecutiveLosses = 0
	}
}

// SymbolDisabled reports whether symbol is currently in a disable
// cooldown.
func (g *GlobalView) SymbolDisabled(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.symbols[symbol]
	return ok && time.Now().Before(st.disabledUntil)
}
