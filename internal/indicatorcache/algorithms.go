package indicatorcache

import "math"

// runtimeState carries the mutable per-spec incremental state needed
// so on_bar_closed can append one value in O(1) without rescanning
// history. vectorRecompute (used by initialize_from_history and the
// parity audit) never touches this state — it always derives its
// answer purely from the stored OHLCV/source arrays, which is what
// makes the parity check meaningful.
type runtimeState struct {
	warmed    bool
	count     int
	emaPrev   float64
	smaSum    float64
	smaWindow []float64
	avgGain   float64
	avgLoss   float64
	prevInput float64
	atrPrev   float64
	hasPrev   bool
}

func newRuntimeState(period int) *runtimeState {
	return &runtimeState{smaWindow: make([]float64, 0, period)}
}

// stepIncremental advances state by one input value (close/hlc3/etc.
// for EMA/SMA/RSI, or the raw bar for ATR) and returns the new cache
// value, NaN if still warming up.
func stepIncremental(typ IndicatorType, period int, st *runtimeState, input float64, high, low, prevClose float64) float64 {
	switch typ {
	case EMA:
		return stepEMA(period, st, input)
	case SMA:
		return stepSMA(period, st, input)
	case RSI:
		return stepRSI(period, st, input)
	case ATR:
		return stepATR(period, st, high, low, prevClose)
	default:
		return math.NaN()
	}
}

func stepEMA(period int, st *runtimeState, input float64) float64 {
	if math.IsNaN(input) {
		return math.NaN()
	}
	if !st.warmed {
		st.smaWindow = append(st.smaWindow, input)
		if len(st.smaWindow) < period {
			return math.NaN()
		}
		sum := 0.0
		for _, v := range st.smaWindow {
			sum += v
		}
		st.emaPrev = sum / float64(period)
		st.warmed = true
		return st.emaPrev
	}
	alpha := 2.0 / (float64(period) + 1.0)
	st.emaPrev = alpha*input + (1-alpha)*st.emaPrev
	return st.emaPrev
}

func stepSMA(period int, st *runtimeState, input float64) float64 {
	if math.IsNaN(input) {
		return math.NaN()
	}
	st.smaWindow = append(st.smaWindow, input)
	st.smaSum += input
	if len(st.smaWindow) > period {
		st.smaSum -= st.smaWindow[0]
		st.smaWindow = st.smaWindow[1:]
	}
	if len(st.smaWindow) < period {
		return math.NaN()
	}
	return st.smaSum / float64(period)
}

func stepRSI(period int, st *runtimeState, input float64) float64 {
	if math.IsNaN(input) {
		return math.NaN()
	}
	if !st.hasPrev {
		st.prevInput = input
		st.hasPrev = true
		return math.NaN()
	}
	change := input - st.prevInput
	st.prevInput = input
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	if !st.warmed {
		st.smaWindow = append(st.smaWindow, 0) // used only as a warmup counter here
		st.avgGain += gain
		st.avgLoss += loss
		if len(st.smaWindow) < period {
			return math.NaN()
		}
		st.avgGain /= float64(period)
		st.avgLoss /= float64(period)
		st.warmed = true
	} else {
		st.avgGain = (st.avgGain*float64(period-1) + gain) / float64(period)
		st.avgLoss = (st.avgLoss*float64(period-1) + loss) / float64(period)
	}

	if st.avgLoss == 0 {
		return 100
	}
	rs := st.avgGain / st.avgLoss
	return 100 - (100 / (1 + rs))
}

func stepATR(period int, st *runtimeState, high, low, prevClose float64) float64 {
	if math.IsNaN(high) || math.IsNaN(low) {
		return math.NaN()
	}
	tr := high - low
	if st.hasPrev {
		tr = math.Max(tr, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
	}
	st.hasPrev = true

	if !st.warmed {
		st.smaWindow = append(st.smaWindow, tr)
		st.smaSum += tr
		if len(st.smaWindow) < period {
			return math.NaN()
		}
		st.atrPrev = st.smaSum / float64(period)
		st.warmed = true
		return st.atrPrev
	}
	st.atrPrev = (st.atrPrev*float64(period-1) + tr) / float64(period)
	return st.atrPrev
}

// vectorRecompute independently recomputes the full output array from
// scratch given the stored source/high/low arrays. It is written as
// whole-array passes, deliberately not sharing code with
// stepIncremental, so audit_incremental_parity compares two separate
// realizations of each indicator.
func vectorRecompute(typ IndicatorType, period int, inputs, highs, lows []float64) []float64 {
	switch typ {
	case EMA:
		return vectorEMA(period, inputs)
	case SMA:
		return vectorSMA(period, inputs)
	case RSI:
		return vectorRSI(period, inputs)
	case ATR:
		return vectorATR(period, inputs, highs, lows)
	default:
		return nanArray(len(inputs))
	}
}

func vectorSMA(period int, inputs []float64) []float64 {
	out := nanArray(len(inputs))
	sum := 0.0
	for i, v := range inputs {
		sum += v
		if i >= period {
			sum -= inputs[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

func vectorEMA(period int, inputs []float64) []float64 {
	out := nanArray(len(inputs))
	if len(inputs) < period {
		return out
	}
	seed := 0.0
	for _, v := range inputs[:period] {
		seed += v
	}
	out[period-1] = seed / float64(period)
	alpha := 2.0 / (float64(period) + 1.0)
	for i := period; i < len(inputs); i++ {
		out[i] = alpha*inputs[i] + (1-alpha)*out[i-1]
	}
	return out
}

func vectorRSI(period int, inputs []float64) []float64 {
	out := nanArray(len(inputs))
	if len(inputs) <= period {
		return out
	}
	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := inputs[i] - inputs[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiFrom(avgGain, avgLoss)
	for i := period + 1; i < len(inputs); i++ {
		change := inputs[i] - inputs[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiFrom(avgGain, avgLoss)
	}
	return out
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

func vectorATR(period int, inputs, highs, lows []float64) []float64 {
	out := nanArray(len(inputs))
	if len(inputs) < period {
		return out
	}
	trs := make([]float64, len(inputs))
	for i := range inputs {
		tr := highs[i] - lows[i]
		if i > 0 {
			prevClose := inputs[i-1]
			tr = math.Max(tr, math.Max(math.Abs(highs[i]-prevClose), math.Abs(lows[i]-prevClose)))
		}
		trs[i] = tr
	}
	seed := 0.0
	for _, tr := range trs[:period] {
		seed += tr
	}
	out[period-1] = seed / float64(period)
	for i := period; i < len(inputs); i++ {
		out[i] = (out[i-1]*float64(period-1) + trs[i]) / float64(period)
	}
	return out
}
