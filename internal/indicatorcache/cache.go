package indicatorcache

import (
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/tradecore/internal/types"
)

// ParityResult is the per-spec outcome of audit_incremental_parity.
type ParityResult struct {
	MaxDiff        float64
	NumMismatches  int
	Pass           bool
}

const (
	priceTolAbs = 1e-9
	ratioTolRel = 1e-6
)

var priceLike = map[IndicatorType]bool{EMA: true, SMA: true, ATR: true}

type seriesState struct {
	spec    Spec
	values  []float64
	rt      *runtimeState
	unknown bool
	warned  bool
}

// Cache is the per-TF incremental indicator cache. A per-cache RWMutex
// guards the bulk-reader (audit) path; the single-writer bar-close
// path is implicit via the cooperative engine, matching spec.md's
// concurrency model.
type Cache struct {
	mu sync.RWMutex

	opens, highs, lows, closes, volumes []float64
	series                              map[string]*seriesState
	order                               []string
}

// New creates an empty cache; specs are registered by
// InitializeFromHistory.
func New() *Cache {
	return &Cache{series: make(map[string]*seriesState)}
}

// InitializeFromHistory vector-computes every spec from a warmup
// slice. Reseeding (calling this twice) with identical bars and specs
// is idempotent.
func (c *Cache) InitializeFromHistory(bars []types.Bar, specs []Spec) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.opens = c.opens[:0]
	c.highs = c.highs[:0]
	c.lows = c.lows[:0]
	c.closes = c.closes[:0]
	c.volumes = c.volumes[:0]
	for _, b := range bars {
		c.opens = append(c.opens, f64(b.Open))
		c.highs = append(c.highs, f64(b.High))
		c.lows = append(c.lows, f64(b.Low))
		c.closes = append(c.closes, f64(b.Close))
		c.volumes = append(c.volumes, f64(b.Volume))
	}

	c.series = make(map[string]*seriesState, len(specs))
	c.order = c.order[:0]
	for _, spec := range specs {
		c.order = append(c.order, spec.ID)
		if !isKnown(spec.Type) {
			log.Warn().Str("indicator_id", spec.ID).Str("indicator_type", string(spec.Type)).
				Msg("indicatorcache: unknown indicator type, emitting NaN array")
			c.series[spec.ID] = &seriesState{spec: spec, values: nanArray(len(bars)), unknown: true, warned: true}
			continue
		}
		inputs := c.resolveInputArray(spec.Source)
		values := vectorRecompute(spec.Type, spec.period(), inputs, c.highs, c.lows)
		rt := newRuntimeState(spec.period())
		replaySteppedState(spec.Type, spec.period(), rt, inputs, c.highs, c.lows)
		c.series[spec.ID] = &seriesState{spec: spec, values: values, rt: rt}
	}
}

// replaySteppedState advances a fresh runtimeState through the full
// history so the first OnBarClosed after InitializeFromHistory
// continues the same incremental sequence the vectorized values imply.
func replaySteppedState(typ IndicatorType, period int, rt *runtimeState, inputs, highs, lows []float64) {
	var prevClose float64
	for i := range inputs {
		var h, l float64
		if highs != nil {
			h = highs[i]
		}
		if lows != nil {
			l = lows[i]
		}
		stepIncremental(typ, period, rt, inputs[i], h, l, prevClose)
		prevClose = inputs[i]
	}
}

// OnBarClosed appends OHLCV arrays, then for each spec calls its
// incremental update with the new bar's resolved input source. The
// new bar must close after the last stored bar; misaligned bars are
// rejected by the caller (internal/dataprovider enforces monotonic
// ts_close before calling this).
func (c *Cache) OnBarClosed(bar types.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.opens = append(c.opens, f64(bar.Open))
	c.highs = append(c.highs, f64(bar.High))
	c.lows = append(c.lows, f64(bar.Low))
	c.closes = append(c.closes, f64(bar.Close))
	c.volumes = append(c.volumes, f64(bar.Volume))

	for _, id := range c.order {
		st := c.series[id]
		if st.unknown {
			st.values = append(st.values, math.NaN())
			continue
		}
		input := resolveScalar(bar, st.spec.Source)
		// The previous bar's resolved input, matching what the replay
		// and vectorized paths feed, so parity holds for every source.
		var prevInput float64
		if n := len(c.closes); n >= 2 {
			prevInput = resolveScalarArrays(st.spec.Source, c.opens[n-2], c.highs[n-2], c.lows[n-2], c.closes[n-2], c.volumes[n-2])
		}
		v := stepIncremental(st.spec.Type, st.spec.period(), st.rt, input, f64(bar.High), f64(bar.Low), prevInput)
		st.values = append(st.values, v)
	}
}

// Get returns the value at index for spec_id. Negative indices count
// from the end. Returns NaN, false if the spec or index is unknown.
func (c *Cache) Get(specID string, index int) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.series[specID]
	if !ok {
		return math.NaN(), false
	}
	idx := index
	if idx < 0 {
		idx = len(st.values) + idx
	}
	if idx < 0 || idx >= len(st.values) {
		return math.NaN(), false
	}
	return st.values[idx], true
}

// GetLatest returns the most recent value for spec_id.
func (c *Cache) GetLatest(specID string) (float64, bool) {
	return c.Get(specID, -1)
}

// Len returns the number of bars stored.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.closes)
}

// AllReady reports whether every registered spec has a non-NaN value
// at the latest index. A cache with no specs is vacuously ready (the
// provider gates separately on warmup bar counts); a cache with specs
// but no bars is not.
func (c *Cache) AllReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.order) == 0 {
		return true
	}
	if len(c.closes) == 0 {
		return false
	}
	for _, id := range c.order {
		st := c.series[id]
		if len(st.values) == 0 || math.IsNaN(st.values[len(st.values)-1]) {
			return false
		}
	}
	return true
}

// AuditIncrementalParity recomputes every spec vectorially from the
// stored OHLCV and compares against the incremental array.
func (c *Cache) AuditIncrementalParity() map[string]ParityResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make(map[string]ParityResult, len(c.series))
	for id, st := range c.series {
		if st.unknown {
			results[id] = ParityResult{Pass: true}
			continue
		}
		inputs := c.resolveInputArray(st.spec.Source)
		recomputed := vectorRecompute(st.spec.Type, st.spec.period(), inputs, c.highs, c.lows)

		tol := ratioTolRel
		relative := !priceLike[st.spec.Type]
		maxDiff, mismatches := 0.0, 0
		for i := range recomputed {
			a, b := recomputed[i], st.values[i]
			if math.IsNaN(a) && math.IsNaN(b) {
				continue
			}
			if math.IsNaN(a) != math.IsNaN(b) {
				mismatches++
				continue
			}
			diff := math.Abs(a - b)
			threshold := priceTolAbs
			if relative {
				threshold = tol * math.Abs(b)
			}
			if diff > maxDiff {
				maxDiff = diff
			}
			if diff > threshold {
				mismatches++
			}
		}
		results[id] = ParityResult{MaxDiff: maxDiff, NumMismatches: mismatches, Pass: mismatches == 0}
	}
	return results
}

func (c *Cache) resolveInputArray(src types.InputSource) []float64 {
	n := len(c.closes)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = resolveScalarArrays(src, c.opens[i], c.highs[i], c.lows[i], c.closes[i], c.volumes[i])
	}
	return out
}

func resolveScalar(bar types.Bar, src types.InputSource) float64 {
	return resolveScalarArrays(src, f64(bar.Open), f64(bar.High), f64(bar.Low), f64(bar.Close), f64(bar.Volume))
}

// resolveScalarArrays must produce numerically identical values to
// types.Resolve's candle-level resolver for the overlapping sources.
func resolveScalarArrays(src types.InputSource, o, h, l, c, v float64) float64 {
	switch src {
	case types.SourceOpen:
		return o
	case types.SourceHigh:
		return h
	case types.SourceLow:
		return l
	case types.SourceClose:
		return c
	case types.SourceVolume:
		return v
	case types.SourceHLC3:
		return (h + l + c) / 3
	case types.SourceOHLC4:
		return (o + h + l + c) / 4
	default:
		return math.NaN()
	}
}

func isKnown(t IndicatorType) bool {
	switch t {
	case EMA, SMA, RSI, ATR:
		return true
	default:
		return false
	}
}

func nanArray(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func f64(d interface{ InexactFloat64() float64 }) float64 {
	return d.InexactFloat64()
}
