// Package coreerr collects the fixed vocabulary of machine-readable
// failure reasons surfaced across the trading core.
package coreerr

import "errors"

// Sentinel errors for the reason codes the spec requires every
// caller-visible failure to carry. Use errors.Is against these, never
// string-matching error messages.
var (
	ErrBlockedByRisk       = errors.New("blocked_by_risk")
	ErrPanicActive         = errors.New("panic_active")
	ErrModeMismatch        = errors.New("mode_mismatch")
	ErrPriceDeviation      = errors.New("price_deviation")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrWaitTimeout         = errors.New("wait_timeout")
	ErrWSUnhealthy         = errors.New("ws_unhealthy")
	ErrConcurrencyLimit    = errors.New("concurrency_limit")
	ErrCyclicDependency    = errors.New("cyclic_dependency")
	ErrUnknownTimeframe    = errors.New("unknown_timeframe")
)

// Reason returns the short machine-readable reason code carried by err,
// or "" if err does not wrap one of the sentinels above.
func Reason(err error) string {
	for _, sentinel := range []error{
		ErrBlockedByRisk, ErrPanicActive, ErrModeMismatch, ErrPriceDeviation,
		ErrInsufficientBalance, ErrWaitTimeout, ErrWSUnhealthy,
		ErrConcurrencyLimit, ErrCyclicDependency, ErrUnknownTimeframe,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ""
}
