package safety

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// DailyLossTracker accumulates realized losses for the current local
// day and answers whether the configured budget is exhausted. One
// canonical instance is shared between the risk manager and the global
// risk view. Rollover is midnight local time.
type DailyLossTracker struct {
	mu       sync.Mutex
	limitUSD decimal.Decimal
	lossUSD  decimal.Decimal
	day      int
	now      func() time.Time
}

// NewDailyLossTracker builds a tracker with the given daily budget.
// A zero or negative limit disables the check.
func NewDailyLossTracker(limitUSD decimal.Decimal) *DailyLossTracker {
	t := &DailyLossTracker{limitUSD: limitUSD, now: time.Now}
	t.day = t.now().YearDay()
	return t
}

// Record adds a realized trade PnL. Profits reduce the accumulated
// loss but never below zero, so a good morning does not widen the
// afternoon's budget past the configured limit.
func (t *DailyLossTracker) Record(pnl decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()

	if pnl.IsNegative() {
		t.lossUSD = t.lossUSD.Add(pnl.Neg())
	} else {
		t.lossUSD = t.lossUSD.Sub(pnl)
		if t.lossUSD.IsNegative() {
			t.lossUSD = decimal.Zero
		}
	}

	if t.limitUSD.IsPositive() && t.lossUSD.GreaterThanOrEqual(t.limitUSD) {
		log.Warn().
			Str("loss", t.lossUSD.StringFixed(2)).
			Str("limit", t.limitUSD.StringFixed(2)).
			Msg("safety: daily loss budget exhausted")
	}
}

// Exhausted reports whether today's loss budget is used up.
func (t *DailyLossTracker) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	if !t.limitUSD.IsPositive() {
		return false
	}
	return t.lossUSD.GreaterThanOrEqual(t.limitUSD)
}

// Remaining returns the unused budget for today (zero when exhausted
// or when the check is disabled).
func (t *DailyLossTracker) Remaining() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	if !t.limitUSD.IsPositive() {
		return decimal.Zero
	}
	rem := t.limitUSD.Sub(t.lossUSD)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// LossToday returns today's accumulated loss.
func (t *DailyLossTracker) LossToday() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return t.lossUSD
}

// rollover resets the accumulator when the local day changes. Caller
// holds t.mu.
func (t *DailyLossTracker) rollover() {
	today := t.now().YearDay()
	if t.day != today {
		t.day = today
		t.lossUSD = decimal.Zero
		log.Info().Msg("safety: daily loss tracker reset")
	}
}
