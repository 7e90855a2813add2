package structurestate

import (
	"fmt"
	"math"

	"github.com/web3guy0/tradecore/internal/types"
)

type detector interface {
	step(bar types.Bar, index int, candleArray func(types.InputSource) []float64, all map[string]map[string]any) map[string]any
}

func newDetector(s Spec) detector {
	switch s.Kind {
	case KindSwing:
		return &swingDetector{spec: s, lookback: intParam(s.Params, "lookback", 5)}
	case KindTrend:
		return &trendDetector{spec: s, period: intParam(s.Params, "period", 20)}
	case KindRollingWindow:
		return &rollingWindowDetector{spec: s, size: intParam(s.Params, "size", 20), useMax: s.Params["mode_max"] != 0}
	case KindFibonacci:
		return &fibonacciDetector{spec: s, lookback: intParam(s.Params, "lookback", 50)}
	case KindDerivedZone:
		return &derivedZoneDetector{spec: s, lookback: intParam(s.Params, "lookback", 50)}
	default:
		return &noopDetector{}
	}
}

func intParam(params map[string]float64, key string, fallback int) int {
	if v, ok := params[key]; ok && v >= 1 {
		return int(v)
	}
	return fallback
}

func source(bar types.Bar, src types.InputSource) float64 {
	return types.Resolve(bar, src).InexactFloat64()
}

type noopDetector struct{}

func (noopDetector) step(types.Bar, int, func(types.InputSource) []float64, map[string]map[string]any) map[string]any {
	return map[string]any{}
}

// swingDetector tracks the highest high / lowest low over a trailing
// lookback window. version increments only when a new extreme is set,
// so it is monotonic non-decreasing per spec.md §4.3 invariant (iv).
type swingDetector struct {
	spec      Spec
	lookback  int
	highs     []float64
	lows      []float64
	highLevel float64
	highIdx   int
	lowLevel  float64
	lowIdx    int
	version   int
	seen      bool
}

func (d *swingDetector) step(bar types.Bar, index int, _ func(types.InputSource) []float64, _ map[string]map[string]any) map[string]any {
	h, l := source(bar, types.SourceHigh), source(bar, types.SourceLow)
	d.highs = append(d.highs, h)
	d.lows = append(d.lows, l)
	if len(d.highs) > d.lookback {
		d.highs = d.highs[1:]
		d.lows = d.lows[1:]
	}

	newHigh, newLow := d.highs[0], d.lows[0]
	newHighIdx, newLowIdx := index-len(d.highs)+1, index-len(d.lows)+1
	for i, v := range d.highs {
		if v > newHigh {
			newHigh = v
			newHighIdx = index - len(d.highs) + 1 + i
		}
	}
	for i, v := range d.lows {
		if v < newLow {
			newLow = v
			newLowIdx = index - len(d.lows) + 1 + i
		}
	}

	if !d.seen || newHigh != d.highLevel || newLow != d.lowLevel {
		d.version++
		d.seen = true
	}
	d.highLevel, d.highIdx = newHigh, newHighIdx
	d.lowLevel, d.lowIdx = newLow, newLowIdx

	return map[string]any{
		"high_level": d.highLevel, "high_idx": d.highIdx,
		"low_level": d.lowLevel, "low_idx": d.lowIdx,
		"version": d.version,
	}
}

// trendDetector compares the source value against its own SMA to
// classify direction ∈ {-1,0,1}.
type trendDetector struct {
	spec        Spec
	period      int
	window      []float64
	sum         float64
	direction   int
	barsInTrend int
}

func (d *trendDetector) step(bar types.Bar, _ int, _ func(types.InputSource) []float64, _ map[string]map[string]any) map[string]any {
	v := source(bar, d.spec.Source)
	d.window = append(d.window, v)
	d.sum += v
	if len(d.window) > d.period {
		d.sum -= d.window[0]
		d.window = d.window[1:]
	}
	if len(d.window) < d.period {
		return map[string]any{"direction": 0, "strength": math.NaN(), "bars_in_trend": 0}
	}
	mean := d.sum / float64(d.period)
	newDir := 0
	if v > mean {
		newDir = 1
	} else if v < mean {
		newDir = -1
	}
	if newDir == d.direction {
		d.barsInTrend++
	} else {
		d.barsInTrend = 1
		d.direction = newDir
	}
	strength := 0.0
	if mean != 0 {
		strength = math.Abs(v-mean) / math.Abs(mean)
	}
	return map[string]any{"direction": d.direction, "strength": strength, "bars_in_trend": d.barsInTrend}
}

// rollingWindowDetector is the min or max of source over the last
// size bars.
type rollingWindowDetector struct {
	spec   Spec
	size   int
	useMax bool
	window []float64
}

func (d *rollingWindowDetector) step(bar types.Bar, _ int, _ func(types.InputSource) []float64, _ map[string]map[string]any) map[string]any {
	v := source(bar, d.spec.Source)
	d.window = append(d.window, v)
	if len(d.window) > d.size {
		d.window = d.window[1:]
	}
	if len(d.window) == 0 {
		return map[string]any{"value": math.NaN()}
	}
	best := d.window[0]
	for _, x := range d.window[1:] {
		if (d.useMax && x > best) || (!d.useMax && x < best) {
			best = x
		}
	}
	return map[string]any{"value": best}
}

// fibonacciDetector anchors to the high/low of the last lookback bars
// and exposes the configured retracement levels.
type fibonacciDetector struct {
	spec     Spec
	lookback int
	highs    []float64
	lows     []float64
}

func (d *fibonacciDetector) step(bar types.Bar, _ int, _ func(types.InputSource) []float64, _ map[string]map[string]any) map[string]any {
	h, l := source(bar, types.SourceHigh), source(bar, types.SourceLow)
	d.highs = append(d.highs, h)
	d.lows = append(d.lows, l)
	if len(d.highs) > d.lookback {
		d.highs = d.highs[1:]
		d.lows = d.lows[1:]
	}
	anchorHigh, anchorLow := d.highs[0], d.lows[0]
	for _, v := range d.highs {
		if v > anchorHigh {
			anchorHigh = v
		}
	}
	for _, v := range d.lows {
		if v < anchorLow {
			anchorLow = v
		}
	}
	rng := anchorHigh - anchorLow

	out := map[string]any{"anchor_high": anchorHigh, "anchor_low": anchorLow, "range": rng}
	for _, lvl := range d.spec.FibLevels {
		out[fmt.Sprintf("level_%v", lvl)] = anchorHigh - rng*lvl
	}
	return out
}

// derivedZoneDetector keeps a fixed number of zones bracketing the
// rolling high/low range and reports touch/inside/active aggregates.
type derivedZoneDetector struct {
	spec     Spec
	lookback int
	highs    []float64
	lows     []float64
	bos      bool
	choch    bool
	lastDir  int
}

func (d *derivedZoneDetector) step(bar types.Bar, _ int, _ func(types.InputSource) []float64, _ map[string]map[string]any) map[string]any {
	h, l, c := source(bar, types.SourceHigh), source(bar, types.SourceLow), source(bar, types.SourceClose)
	d.highs = append(d.highs, h)
	d.lows = append(d.lows, l)
	if len(d.highs) > d.lookback {
		d.highs = d.highs[1:]
		d.lows = d.lows[1:]
	}
	rangeHigh, rangeLow := d.highs[0], d.lows[0]
	for _, v := range d.highs {
		if v > rangeHigh {
			rangeHigh = v
		}
	}
	for _, v := range d.lows {
		if v < rangeLow {
			rangeLow = v
		}
	}
	zoneCount := d.spec.ZoneCount
	if zoneCount <= 0 {
		zoneCount = 3
	}
	step := (rangeHigh - rangeLow) / float64(zoneCount)

	out := map[string]any{}
	activeCount, anyTouched, anyInside := 0, false, false
	var closestLower, closestUpper float64
	haveClosest := false

	for i := 0; i < zoneCount; i++ {
		lower := rangeLow + step*float64(i)
		upper := lower + step
		inside := c >= lower && c <= upper
		touched := l <= upper && h >= lower
		state := "inactive"
		if inside {
			state = "inside"
			anyInside = true
			activeCount++
		} else if touched {
			state = "touched"
			anyTouched = true
		}
		out[zoneKey(i, "lower")] = lower
		out[zoneKey(i, "upper")] = upper
		out[zoneKey(i, "state")] = state

		if state != "inactive" {
			if !haveClosest || math.Abs(c-lower) < math.Abs(c-closestLower) {
				closestLower, closestUpper = lower, upper
				haveClosest = true
			}
		}
	}

	dir := 0
	if c > rangeHigh-step {
		dir = 1
	} else if c < rangeLow+step {
		dir = -1
	}
	d.bos = dir != 0 && dir == d.lastDir
	d.choch = dir != 0 && d.lastDir != 0 && dir != d.lastDir
	if dir != 0 {
		d.lastDir = dir
	}

	out["active_count"] = activeCount
	out["any_active"] = activeCount > 0
	out["any_touched"] = anyTouched
	out["any_inside"] = anyInside
	out["closest_active_lower"] = closestLower
	out["closest_active_upper"] = closestUpper
	out["bos"] = d.bos
	out["choch"] = d.choch
	return out
}

func zoneKey(i int, suffix string) string {
	return fmt.Sprintf("zone%d_%s", i, suffix)
}
