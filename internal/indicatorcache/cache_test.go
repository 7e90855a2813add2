package indicatorcache

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/tradecore/internal/types"
)

// syntheticBars builds a deterministic wavy price series.
func syntheticBars(n int) []types.Bar {
	bars := make([]types.Bar, n)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		base := 100.0 + 10.0*math.Sin(float64(i)/7.0) + 0.05*float64(i)
		open := base
		close := base + 0.6*math.Sin(float64(i)/3.0)
		high := math.Max(open, close) + 0.4
		low := math.Min(open, close) - 0.4
		bars[i] = types.Bar{
			TsOpen:  t0.Add(time.Duration(i) * time.Minute),
			TsClose: t0.Add(time.Duration(i+1) * time.Minute),
			Open:    decimal.NewFromFloat(open),
			High:    decimal.NewFromFloat(high),
			Low:     decimal.NewFromFloat(low),
			Close:   decimal.NewFromFloat(close),
			Volume:  decimal.NewFromFloat(1000 + float64(i%13)),
		}
	}
	return bars
}

func warmupSpecs() []Spec {
	return []Spec{
		{ID: "ema_21", Type: EMA, Params: map[string]float64{"period": 21}, Source: types.SourceClose},
		{ID: "ema_50", Type: EMA, Params: map[string]float64{"period": 50}, Source: types.SourceClose},
		{ID: "rsi_14", Type: RSI, Params: map[string]float64{"period": 14}, Source: types.SourceClose},
		{ID: "sma_20", Type: SMA, Params: map[string]float64{"period": 20}, Source: types.SourceClose},
	}
}

func TestParityAuditPasses(t *testing.T) {
	bars := syntheticBars(250)
	c := New()
	c.InitializeFromHistory(bars[:100], warmupSpecs())
	for _, b := range bars[100:] {
		c.OnBarClosed(b)
	}

	results := c.AuditIncrementalParity()
	require.Len(t, results, 4)
	for id, res := range results {
		assert.True(t, res.Pass, "spec %s: max_diff=%g mismatches=%d", id, res.MaxDiff, res.NumMismatches)
		assert.Zero(t, res.NumMismatches, "spec %s", id)
	}
}

func TestParityAuditWithATRAndAlternateSources(t *testing.T) {
	bars := syntheticBars(200)
	specs := []Spec{
		{ID: "atr_14", Type: ATR, Params: map[string]float64{"period": 14}, Source: types.SourceClose},
		{ID: "ema_hlc3", Type: EMA, Params: map[string]float64{"period": 10}, Source: types.SourceHLC3},
		{ID: "sma_vol", Type: SMA, Params: map[string]float64{"period": 5}, Source: types.SourceVolume},
	}
	c := New()
	c.InitializeFromHistory(bars[:60], specs)
	for _, b := range bars[60:] {
		c.OnBarClosed(b)
	}
	for id, res := range c.AuditIncrementalParity() {
		assert.True(t, res.Pass, "spec %s: max_diff=%g", id, res.MaxDiff)
	}
}

// Point-in-time: the value at index i must not change when more bars
// are appended after i.
func TestPointInTimeNoLookahead(t *testing.T) {
	bars := syntheticBars(150)
	specs := warmupSpecs()

	short := New()
	short.InitializeFromHistory(bars[:100], specs)

	long := New()
	long.InitializeFromHistory(bars[:100], specs)
	for _, b := range bars[100:] {
		long.OnBarClosed(b)
	}

	for _, spec := range specs {
		for i := 0; i < 100; i++ {
			a, okA := short.Get(spec.ID, i)
			b, okB := long.Get(spec.ID, i)
			require.Equal(t, okA, okB)
			if math.IsNaN(a) {
				assert.True(t, math.IsNaN(b), "%s[%d]", spec.ID, i)
				continue
			}
			assert.Equal(t, a, b, "%s[%d] changed after extension", spec.ID, i)
		}
	}
}

func TestArrayLengthInvariant(t *testing.T) {
	bars := syntheticBars(80)
	c := New()
	c.InitializeFromHistory(bars[:40], warmupSpecs())
	for _, b := range bars[40:] {
		c.OnBarClosed(b)
	}
	require.Equal(t, 80, c.Len())
	for _, spec := range warmupSpecs() {
		_, ok := c.Get(spec.ID, 79)
		assert.True(t, ok)
		_, ok = c.Get(spec.ID, 80)
		assert.False(t, ok)
	}
}

func TestUnknownIndicatorYieldsNaN(t *testing.T) {
	bars := syntheticBars(30)
	c := New()
	c.InitializeFromHistory(bars, []Spec{
		{ID: "mystery", Type: IndicatorType("supertrend"), Source: types.SourceClose},
	})
	v, ok := c.Get("mystery", -1)
	require.True(t, ok)
	assert.True(t, math.IsNaN(v))

	res := c.AuditIncrementalParity()
	assert.True(t, res["mystery"].Pass)
}

func TestReseedIdempotent(t *testing.T) {
	bars := syntheticBars(100)
	specs := warmupSpecs()
	c := New()
	c.InitializeFromHistory(bars, specs)
	first := make(map[string]float64)
	for _, s := range specs {
		v, _ := c.GetLatest(s.ID)
		first[s.ID] = v
	}

	c.InitializeFromHistory(bars, specs)
	require.Equal(t, 100, c.Len())
	for _, s := range specs {
		v, _ := c.GetLatest(s.ID)
		assert.Equal(t, first[s.ID], v, s.ID)
	}
}

// Incremental continuation after a seed must match a pure replay of
// the same bars.
func TestSeedThenAppendMatchesFullReplay(t *testing.T) {
	bars := syntheticBars(120)
	specs := warmupSpecs()

	seeded := New()
	seeded.InitializeFromHistory(bars[:80], specs)
	for _, b := range bars[80:] {
		seeded.OnBarClosed(b)
	}

	full := New()
	full.InitializeFromHistory(bars, specs)

	for _, s := range specs {
		a, _ := seeded.GetLatest(s.ID)
		b, _ := full.GetLatest(s.ID)
		assert.InDelta(t, b, a, 1e-9, s.ID)
	}
}

func TestNegativeIndexing(t *testing.T) {
	bars := syntheticBars(60)
	c := New()
	c.InitializeFromHistory(bars, warmupSpecs())
	last, ok1 := c.Get("sma_20", -1)
	direct, ok2 := c.Get("sma_20", 59)
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, direct, last)
}

// The candle-level resolver and the array-level resolver must agree
// on every source.
func TestInputSourceResolversAgree(t *testing.T) {
	bar := types.Bar{
		Open:   decimal.NewFromFloat(10.5),
		High:   decimal.NewFromFloat(12.25),
		Low:    decimal.NewFromFloat(9.75),
		Close:  decimal.NewFromFloat(11.5),
		Volume: decimal.NewFromFloat(345.5),
	}
	for _, src := range []types.InputSource{
		types.SourceOpen, types.SourceHigh, types.SourceLow, types.SourceClose,
		types.SourceVolume, types.SourceHLC3, types.SourceOHLC4,
	} {
		candle := types.Resolve(bar, src).InexactFloat64()
		array := resolveScalar(bar, src)
		assert.InDelta(t, candle, array, 1e-12, string(src))
	}
}

func TestAllReady(t *testing.T) {
	specs := []Spec{{ID: "sma_5", Type: SMA, Params: map[string]float64{"period": 5}, Source: types.SourceClose}}
	bars := syntheticBars(10)

	c := New()
	c.InitializeFromHistory(bars[:3], specs)
	assert.False(t, c.AllReady(), "warmup incomplete")

	for _, b := range bars[3:] {
		c.OnBarClosed(b)
	}
	assert.True(t, c.AllReady())
}
