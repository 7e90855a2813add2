// Package dataenv implements C1: the data-environment registry. Live
// and demo are two isolated environments; every historical table, bar
// buffer, and ticker cache is keyed by Env so the two never share
// state.
package dataenv

import (
	"fmt"

	"github.com/web3guy0/tradecore/internal/config"
	"github.com/web3guy0/tradecore/internal/types"
)

// Registry resolves which credentials and category a given
// (mode, env) combination uses. It is constructed once at startup and
// handed down to the exchange adapter and historical store.
type Registry struct {
	cfg *config.Config
}

// New builds a Registry from the process configuration.
func New(cfg *config.Config) *Registry {
	return &Registry{cfg: cfg}
}

// CredsFor returns the trading API credentials for env. Data
// operations (klines, instrument info) always use the live-data
// credentials regardless of env, per SPEC_FULL.md's configuration
// surface.
func (r *Registry) CredsFor(env types.Env) (config.APICreds, error) {
	switch env {
	case types.EnvDemo:
		return r.cfg.DemoCreds, nil
	case types.EnvLive:
		return r.cfg.LiveCreds, nil
	default:
		return config.APICreds{}, fmt.Errorf("dataenv: unknown env %q", env)
	}
}

// DataCreds returns the always-required market-data credential pair.
func (r *Registry) DataCreds() config.APICreds {
	return r.cfg.LiveDataCreds
}

// EnvForMode maps the engine Mode dimension onto the C1 Env dimension.
// Backtest and shadow run against historical/demo data respectively
// and never touch the live environment's order books.
func EnvForMode(mode types.Mode) types.Env {
	switch mode {
	case types.ModeLive:
		return types.EnvLive
	default:
		return types.EnvDemo
	}
}

// Key namespaces a cache/table name by environment so demo and live
// callers can never collide on the same key.
func Key(env types.Env, name string) string {
	return string(env) + ":" + name
}
