package runner

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/tradecore/internal/playengine"
	"github.com/web3guy0/tradecore/internal/types"
)

// BacktestFeed is the precomputed bar sequence for one run: every
// declared timeframe's bars merged into one ascending ts_close stream.
type BacktestFeed struct {
	Bars []BacktestBar
}

// BacktestBar tags a bar with its concrete timeframe.
type BacktestBar struct {
	Bar types.Bar
	TF  types.Timeframe
}

// Backtest replaces the live runner with a linear index loop over the
// feed. Everything below the loop — provider, rules, sizing, executor,
// simulated exchange — is the same code that runs live.
type Backtest struct {
	engine *playengine.Engine
	feed   BacktestFeed
}

// NewBacktest builds the loop driver.
func NewBacktest(engine *playengine.Engine, feed BacktestFeed) *Backtest {
	return &Backtest{engine: engine, feed: feed}
}

// Run drives every bar in order and executes signals synchronously.
// It returns the number of signals produced.
func (b *Backtest) Run(ctx context.Context) (int, error) {
	signals := 0
	for i, fb := range b.feed.Bars {
		if err := ctx.Err(); err != nil {
			return signals, err
		}
		sig, err := b.engine.OnBarClosed(ctx, fb.Bar, fb.TF)
		if err != nil {
			return signals, fmt.Errorf("runner: backtest bar %d: %w", i, err)
		}
		if sig == nil {
			continue
		}
		signals++
		res := b.engine.ExecuteSignal(ctx, *sig)
		if !res.Success {
			log.Warn().Str("reason", res.Reason).Int("bar", i).Msg("backtest signal blocked")
		}
	}
	return signals, nil
}

// MergeFeeds interleaves per-TF bar slices into one ascending
// ts_close stream. Higher timeframes sort first on ties so the slower
// roles are updated before the exec bar drives rule evaluation.
func MergeFeeds(perTF map[types.Timeframe][]types.Bar) BacktestFeed {
	var feed BacktestFeed
	idx := make(map[types.Timeframe]int, len(perTF))
	order := make([]types.Timeframe, 0, len(perTF))
	for tf := range perTF {
		order = append(order, tf)
	}
	// Stable selection sort over the heads; feeds are small enough
	// that simplicity beats a heap here.
	for {
		var best types.Timeframe
		found := false
		for _, tf := range order {
			i := idx[tf]
			if i >= len(perTF[tf]) {
				continue
			}
			if !found {
				best, found = tf, true
				continue
			}
			bi, hi := perTF[best][idx[best]], perTF[tf][i]
			if hi.TsClose.Before(bi.TsClose) {
				best = tf
			} else if hi.TsClose.Equal(bi.TsClose) {
				bm, _ := types.Minutes(best)
				hm, _ := types.Minutes(tf)
				if hm > bm {
					best = tf
				}
			}
		}
		if !found {
			return feed
		}
		feed.Bars = append(feed.Bars, BacktestBar{Bar: perTF[best][idx[best]], TF: best})
		idx[best]++
	}
}
