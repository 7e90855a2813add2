// Package safety implements C11: the process-global panic latch, the
// canonical daily-loss tracker, and panic-close-all. Both C6 and the
// global risk view consult the single DailyLossTracker instance
// constructed in main.
package safety

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/tradecore/internal/coreerr"
	"github.com/web3guy0/tradecore/internal/types"
)

// PanicState is the fail-closed latch every trading path checks before
// submitting an order. Once triggered, new orders are blocked until
// Reset; position-closing orders are always allowed.
type PanicState struct {
	mu          sync.Mutex
	triggered   bool
	reason      string
	triggeredAt time.Time
	callbacks   []func(reason string)
}

// NewPanicState returns an untriggered latch.
func NewPanicState() *PanicState {
	return &PanicState{}
}

// Trigger sets the latch and fans out callbacks in registration order.
// Each callback runs in its own recover island so a bad subscriber
// cannot prevent the others from firing. The mutex is released before
// dispatch.
func (p *PanicState) Trigger(reason string) {
	p.mu.Lock()
	if p.triggered {
		p.mu.Unlock()
		return
	}
	p.triggered = true
	p.reason = reason
	p.triggeredAt = time.Now()
	cbs := append([]func(string){}, p.callbacks...)
	p.mu.Unlock()

	log.Error().Str("reason", reason).Msg("safety: panic latch triggered")
	for _, cb := range cbs {
		invokeIsolated(cb, reason)
	}
}

func invokeIsolated(cb func(string), reason string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("safety: panic callback raised, isolated")
		}
	}()
	cb(reason)
}

// Reset clears the latch. Resetting an untriggered latch is a no-op.
func (p *PanicState) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.triggered {
		return
	}
	p.triggered = false
	p.reason = ""
	p.triggeredAt = time.Time{}
	log.Info().Msg("safety: panic latch reset")
}

// OnTrigger registers a callback invoked when the latch trips.
func (p *PanicState) OnTrigger(cb func(reason string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, cb)
}

// IsTriggered reports the latch state.
func (p *PanicState) IsTriggered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.triggered
}

// Reason returns the trigger reason and timestamp, if set.
func (p *PanicState) Reason() (string, time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason, p.triggeredAt, p.triggered
}

// CheckPanicAndHalt is the cheap read to call at the top of any
// trading path. It returns ErrPanicActive when the latch is set.
func (p *PanicState) CheckPanicAndHalt() error {
	if p.IsTriggered() {
		return coreerr.ErrPanicActive
	}
	return nil
}

// Flattener is the slice of the exchange adapter panic-close-all
// needs: cancel everything, then close every open position.
type Flattener interface {
	CancelAllOrders(ctx context.Context, symbol string) error
	GetPosition(ctx context.Context, symbol string) (types.Position, error)
	ClosePosition(ctx context.Context, symbol string) error
}

// PanicCloseAll cancels all orders and closes all positions for the
// given symbols, then sets the latch. Errors on individual symbols are
// logged and do not stop the sweep; the latch is set regardless so the
// system fails closed even on a partial flatten.
func PanicCloseAll(ctx context.Context, p *PanicState, ex Flattener, symbols []string, reason string) {
	for _, sym := range symbols {
		if err := ex.CancelAllOrders(ctx, sym); err != nil {
			log.Error().Err(err).Str("symbol", sym).Msg("safety: cancel-all failed during panic close")
		}
		pos, err := ex.GetPosition(ctx, sym)
		if err != nil {
			log.Error().Err(err).Str("symbol", sym).Msg("safety: position fetch failed during panic close")
			continue
		}
		if pos.IsFlat() {
			continue
		}
		if err := ex.ClosePosition(ctx, sym); err != nil {
			log.Error().Err(err).Str("symbol", sym).Msg("safety: close failed during panic close")
		}
	}
	p.Trigger(reason)
}
