package safety

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/tradecore/internal/coreerr"
	"github.com/web3guy0/tradecore/internal/types"
)

func TestPanicLatchBlocksAfterTrigger(t *testing.T) {
	p := NewPanicState()
	require.NoError(t, p.CheckPanicAndHalt())

	p.Trigger("test reason")
	err := p.CheckPanicAndHalt()
	require.Error(t, err)
	assert.ErrorIs(t, err, coreerr.ErrPanicActive)

	reason, at, ok := p.Reason()
	assert.True(t, ok)
	assert.Equal(t, "test reason", reason)
	assert.False(t, at.IsZero())
}

func TestPanicResetClearsLatch(t *testing.T) {
	p := NewPanicState()
	p.Trigger("x")
	p.Reset()
	assert.NoError(t, p.CheckPanicAndHalt())

	// Reset on an untriggered latch is a no-op.
	p.Reset()
	assert.NoError(t, p.CheckPanicAndHalt())
}

func TestTriggerIsIdempotent(t *testing.T) {
	p := NewPanicState()
	calls := 0
	p.OnTrigger(func(string) { calls++ })
	p.Trigger("first")
	p.Trigger("second")
	assert.Equal(t, 1, calls, "second trigger on a set latch must not re-fire callbacks")
}

// A panicking callback must not prevent later callbacks from firing.
func TestCallbackIsolationAndOrder(t *testing.T) {
	p := NewPanicState()
	var order []string
	p.OnTrigger(func(string) { order = append(order, "first") })
	p.OnTrigger(func(string) { panic("bad subscriber") })
	p.OnTrigger(func(string) { order = append(order, "third") })

	p.Trigger("boom")
	assert.Equal(t, []string{"first", "third"}, order)
	assert.True(t, p.IsTriggered())
}

type fakeFlattener struct {
	cancelled []string
	closed    []string
	pos       map[string]types.Position
}

func (f *fakeFlattener) CancelAllOrders(_ context.Context, symbol string) error {
	f.cancelled = append(f.cancelled, symbol)
	return nil
}

func (f *fakeFlattener) GetPosition(_ context.Context, symbol string) (types.Position, error) {
	if p, ok := f.pos[symbol]; ok {
		return p, nil
	}
	return types.Position{Symbol: symbol, Side: types.Flat}, nil
}

func (f *fakeFlattener) ClosePosition(_ context.Context, symbol string) error {
	f.closed = append(f.closed, symbol)
	return nil
}

func TestPanicCloseAllFlattensAndLatches(t *testing.T) {
	p := NewPanicState()
	ex := &fakeFlattener{pos: map[string]types.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Side: types.Long, SizeQty: decimal.NewFromFloat(0.5)},
	}}

	PanicCloseAll(context.Background(), p, ex, []string{"BTCUSDT", "ETHUSDT"}, "manual")

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, ex.cancelled)
	assert.Equal(t, []string{"BTCUSDT"}, ex.closed, "flat symbols are not closed")
	assert.True(t, p.IsTriggered())
}

func TestDailyLossBudget(t *testing.T) {
	tr := NewDailyLossTracker(decimal.NewFromInt(100))
	assert.False(t, tr.Exhausted())

	tr.Record(decimal.NewFromInt(-60))
	assert.False(t, tr.Exhausted())
	assert.Equal(t, "40", tr.Remaining().String())

	tr.Record(decimal.NewFromInt(-40))
	assert.True(t, tr.Exhausted())
	assert.Equal(t, "0", tr.Remaining().String())
}

func TestDailyLossProfitsDoNotGoNegative(t *testing.T) {
	tr := NewDailyLossTracker(decimal.NewFromInt(100))
	tr.Record(decimal.NewFromInt(500))
	assert.Equal(t, "0", tr.LossToday().String())
	tr.Record(decimal.NewFromInt(-100))
	assert.True(t, tr.Exhausted())
}

func TestDailyLossMidnightRollover(t *testing.T) {
	tr := NewDailyLossTracker(decimal.NewFromInt(100))
	day := time.Date(2024, 3, 1, 23, 0, 0, 0, time.Local)
	tr.now = func() time.Time { return day }
	tr.day = day.YearDay()

	tr.Record(decimal.NewFromInt(-100))
	assert.True(t, tr.Exhausted())

	tr.now = func() time.Time { return day.Add(2 * time.Hour) }
	assert.False(t, tr.Exhausted(), "budget resets at local midnight")
	assert.Equal(t, "0", tr.LossToday().String())
}

func TestZeroLimitDisablesCheck(t *testing.T) {
	tr := NewDailyLossTracker(decimal.Zero)
	tr.Record(decimal.NewFromInt(-1000000))
	assert.False(t, tr.Exhausted())
}
