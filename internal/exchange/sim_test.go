package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/tradecore/internal/bus"
	"github.com/web3guy0/tradecore/internal/types"
)

func simBar(i int, o, h, l, c float64) types.Bar {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return types.Bar{
		TsOpen:  t0.Add(time.Duration(i) * time.Minute),
		TsClose: t0.Add(time.Duration(i+1) * time.Minute),
		Open:    decimal.NewFromFloat(o),
		High:    decimal.NewFromFloat(h),
		Low:     decimal.NewFromFloat(l),
		Close:   decimal.NewFromFloat(c),
		Volume:  decimal.NewFromInt(1),
	}
}

func frictionlessSim(b *bus.Bus) *Sim {
	cfg := DefaultSimConfig()
	cfg.FeeBps = decimal.Zero
	cfg.SlippageBps = decimal.Zero
	return NewSim(cfg, b, "BTCUSDT")
}

func TestMarketOrderFillsAtNextBarOpen(t *testing.T) {
	s := frictionlessSim(nil)
	ctx := context.Background()

	_, err := s.SubmitOrder(ctx, types.Order{
		Symbol:    "BTCUSDT",
		Side:      types.Long,
		SizeUSDT:  decimal.NewFromInt(100),
		OrderType: types.OrderMarket,
	})
	require.NoError(t, err)

	// The order must not fill until a bar is stepped.
	pos, _ := s.GetPosition(ctx, "BTCUSDT")
	assert.True(t, pos.IsFlat(), "no same-bar fill")

	s.Step(simBar(1, 105, 106, 104, 105))
	pos, _ = s.GetPosition(ctx, "BTCUSDT")
	require.False(t, pos.IsFlat())
	assert.Equal(t, "105", pos.EntryPrice.String(), "fill at next bar open")
}

func TestSlippageAppliedAgainstTrader(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.FeeBps = decimal.Zero
	cfg.SlippageBps = decimal.NewFromInt(10) // 10 bps
	s := NewSim(cfg, nil, "BTCUSDT")
	ctx := context.Background()

	_, err := s.SubmitOrder(ctx, types.Order{
		Symbol: "BTCUSDT", Side: types.Long,
		SizeUSDT: decimal.NewFromInt(100), OrderType: types.OrderMarket,
	})
	require.NoError(t, err)
	s.Step(simBar(1, 100, 101, 99, 100))

	pos, _ := s.GetPosition(ctx, "BTCUSDT")
	assert.Equal(t, "100.1", pos.EntryPrice.String(), "long pays up by 10 bps")
}

// Scenario: market LONG at 100 with SL=95, TP=110. Price path
// [100, 104, 97, 95, 112]: SL triggers on the bar that touches 95,
// exit at the stop level, loss ≈ -5% of notional.
func TestStopLossExecution(t *testing.T) {
	s := frictionlessSim(nil)
	ctx := context.Background()

	sl := decimal.NewFromInt(95)
	tp := decimal.NewFromInt(110)
	_, err := s.SubmitOrder(ctx, types.Order{
		Symbol:     "BTCUSDT",
		Side:       types.Long,
		SizeUSDT:   decimal.NewFromInt(100),
		OrderType:  types.OrderMarket,
		StopLoss:   &sl,
		TakeProfit: &tp,
	})
	require.NoError(t, err)

	path := [][4]float64{
		{100, 101, 99, 100}, // fills here at open 100
		{104, 105, 103, 104},
		{97, 98, 96, 97},
		{95, 96, 94, 95}, // low touches 95: SL fires
		{112, 113, 111, 112},
	}
	for i, p := range path {
		s.Step(simBar(i+1, p[0], p[1], p[2], p[3]))
	}

	pos, _ := s.GetPosition(ctx, "BTCUSDT")
	assert.True(t, pos.IsFlat(), "stopped out")
	// Entry 100, exit 95 on $100 notional = -$5.
	assert.Equal(t, "-5", s.RealizedPnL().String())
}

// When one bar's range touches both SL and TP, SL fires first — the
// worst-case-path convention.
func TestSLBeforeTPOnAmbiguousBar(t *testing.T) {
	s := frictionlessSim(nil)
	ctx := context.Background()

	sl := decimal.NewFromInt(95)
	tp := decimal.NewFromInt(105)
	_, err := s.SubmitOrder(ctx, types.Order{
		Symbol: "BTCUSDT", Side: types.Long,
		SizeUSDT: decimal.NewFromInt(100), OrderType: types.OrderMarket,
		StopLoss: &sl, TakeProfit: &tp,
	})
	require.NoError(t, err)

	s.Step(simBar(1, 100, 100, 100, 100))
	// One wide bar spans both brackets.
	s.Step(simBar(2, 100, 106, 94, 101))

	pos, _ := s.GetPosition(ctx, "BTCUSDT")
	assert.True(t, pos.IsFlat())
	assert.Equal(t, "-5", s.RealizedPnL().String(), "SL exit, not TP")
}

func TestTakeProfitExecution(t *testing.T) {
	s := frictionlessSim(nil)
	ctx := context.Background()

	tp := decimal.NewFromInt(110)
	_, err := s.SubmitOrder(ctx, types.Order{
		Symbol: "BTCUSDT", Side: types.Long,
		SizeUSDT: decimal.NewFromInt(100), OrderType: types.OrderMarket,
		TakeProfit: &tp,
	})
	require.NoError(t, err)

	s.Step(simBar(1, 100, 101, 99, 100))
	s.Step(simBar(2, 104, 111, 103, 108)) // high touches 110

	pos, _ := s.GetPosition(ctx, "BTCUSDT")
	assert.True(t, pos.IsFlat())
	assert.Equal(t, "10", s.RealizedPnL().String())
}

func TestShortStops(t *testing.T) {
	s := frictionlessSim(nil)
	ctx := context.Background()

	sl := decimal.NewFromInt(105)
	_, err := s.SubmitOrder(ctx, types.Order{
		Symbol: "BTCUSDT", Side: types.Short,
		SizeUSDT: decimal.NewFromInt(100), OrderType: types.OrderMarket,
		StopLoss: &sl,
	})
	require.NoError(t, err)

	s.Step(simBar(1, 100, 101, 99, 100))
	s.Step(simBar(2, 104, 106, 103, 105)) // high breaches the short stop

	pos, _ := s.GetPosition(ctx, "BTCUSDT")
	assert.True(t, pos.IsFlat())
	assert.Equal(t, "-5", s.RealizedPnL().String())
}

func TestFlatOrderClosesPosition(t *testing.T) {
	s := frictionlessSim(nil)
	ctx := context.Background()

	_, err := s.SubmitOrder(ctx, types.Order{
		Symbol: "BTCUSDT", Side: types.Long,
		SizeUSDT: decimal.NewFromInt(100), OrderType: types.OrderMarket,
	})
	require.NoError(t, err)
	s.Step(simBar(1, 100, 101, 99, 100))

	_, err = s.SubmitOrder(ctx, types.Order{
		Symbol: "BTCUSDT", Side: types.Flat, OrderType: types.OrderMarket,
	})
	require.NoError(t, err)
	s.Step(simBar(2, 103, 104, 102, 103))

	pos, _ := s.GetPosition(ctx, "BTCUSDT")
	assert.True(t, pos.IsFlat())
	assert.Equal(t, "3", s.RealizedPnL().String(), "closed at bar 2 open")
}

func TestLimitOrderWaitsForTouch(t *testing.T) {
	s := frictionlessSim(nil)
	ctx := context.Background()

	lp := decimal.NewFromInt(98)
	_, err := s.SubmitOrder(ctx, types.Order{
		Symbol: "BTCUSDT", Side: types.Long,
		SizeUSDT: decimal.NewFromInt(100), OrderType: types.OrderLimit, LimitPrice: &lp,
	})
	require.NoError(t, err)

	s.Step(simBar(1, 100, 101, 99, 100)) // low 99 > 98: no fill
	pos, _ := s.GetPosition(ctx, "BTCUSDT")
	assert.True(t, pos.IsFlat())

	s.Step(simBar(2, 100, 100, 97, 98)) // trades through 98
	pos, _ = s.GetPosition(ctx, "BTCUSDT")
	require.False(t, pos.IsFlat())
	assert.Equal(t, "98", pos.EntryPrice.String())
}

func TestFillsPublishedOnBus(t *testing.T) {
	b := bus.New(types.EnvDemo)
	var fills []bus.Execution
	b.SubscribeExecution(func(e bus.Execution) { fills = append(fills, e) })

	s := frictionlessSim(b)
	_, err := s.SubmitOrder(context.Background(), types.Order{
		Symbol: "BTCUSDT", Side: types.Long,
		SizeUSDT: decimal.NewFromInt(100), OrderType: types.OrderMarket,
	})
	require.NoError(t, err)
	s.Step(simBar(1, 100, 101, 99, 100))

	require.Len(t, fills, 1)
	assert.Equal(t, types.Long, fills[0].Side)
	assert.Equal(t, "100", fills[0].Price.String())
}

func TestCancelOrder(t *testing.T) {
	s := frictionlessSim(nil)
	ctx := context.Background()

	id, err := s.SubmitOrder(ctx, types.Order{
		Symbol: "BTCUSDT", Side: types.Long,
		SizeUSDT: decimal.NewFromInt(100), OrderType: types.OrderMarket,
	})
	require.NoError(t, err)
	require.NoError(t, s.CancelOrder(ctx, "BTCUSDT", id))

	s.Step(simBar(1, 100, 101, 99, 100))
	pos, _ := s.GetPosition(ctx, "BTCUSDT")
	assert.True(t, pos.IsFlat(), "cancelled order never fills")
	assert.Error(t, s.CancelOrder(ctx, "BTCUSDT", id), "already gone")
}
