package execution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/tradecore/internal/bus"
	"github.com/web3guy0/tradecore/internal/coreerr"
	"github.com/web3guy0/tradecore/internal/exchange"
	"github.com/web3guy0/tradecore/internal/play"
	"github.com/web3guy0/tradecore/internal/risk"
	"github.com/web3guy0/tradecore/internal/safety"
	"github.com/web3guy0/tradecore/internal/types"
)

// stubAdapter is a scripted exchange for executor tests.
type stubAdapter struct {
	mu         sync.Mutex
	balance    exchange.Balance
	equity     decimal.Decimal
	ticker     decimal.Decimal
	position   types.Position
	submits    []types.Order
	submitErr  error
	openOrders []types.PendingOrder
}

func newStubAdapter() *stubAdapter {
	return &stubAdapter{
		balance:  exchange.Balance{Total: decimal.NewFromInt(5000), Available: decimal.NewFromInt(5000)},
		equity:   decimal.NewFromInt(5000),
		ticker:   decimal.NewFromInt(100),
		position: types.Position{Symbol: "BTCUSDT", Side: types.Flat},
	}
}

func (s *stubAdapter) Connect(context.Context) error { return nil }
func (s *stubAdapter) Disconnect() error             { return nil }
func (s *stubAdapter) GetBalance(context.Context) (exchange.Balance, error) {
	return s.balance, nil
}
func (s *stubAdapter) GetEquity(context.Context) (decimal.Decimal, error) { return s.equity, nil }
func (s *stubAdapter) GetPosition(_ context.Context, symbol string) (types.Position, error) {
	return s.position, nil
}
func (s *stubAdapter) GetOpenOrders(context.Context, string) ([]types.PendingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openOrders, nil
}
func (s *stubAdapter) GetTicker(context.Context, string) (decimal.Decimal, error) {
	return s.ticker, nil
}
func (s *stubAdapter) GetKlines(context.Context, string, types.Timeframe, int) ([]types.Bar, error) {
	return nil, nil
}
func (s *stubAdapter) GetInstrumentInfo(context.Context, string) (exchange.InstrumentInfo, error) {
	return exchange.InstrumentInfo{}, nil
}
func (s *stubAdapter) SubmitOrder(_ context.Context, order types.Order) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return "", s.submitErr
	}
	s.submits = append(s.submits, order)
	return fmt.Sprintf("ord-%d", len(s.submits)), nil
}
func (s *stubAdapter) CancelOrder(context.Context, string, string) error  { return nil }
func (s *stubAdapter) CancelAllOrders(context.Context, string) error     { return nil }
func (s *stubAdapter) ClosePosition(context.Context, string) error       { return nil }
func (s *stubAdapter) SetLeverage(context.Context, string, decimal.Decimal) error {
	return nil
}

type recordedTrade struct {
	orderID string
	side    types.Direction
}

type stubRecorder struct {
	mu     sync.Mutex
	trades []recordedTrade
}

func (r *stubRecorder) RecordTrade(orderID, _ string, side types.Direction, _, _, _ decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, recordedTrade{orderID: orderID, side: side})
}

func (r *stubRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trades)
}

func sizing() play.Sizing {
	return play.Sizing{Model: play.SizingFixedUSDT, FixedUSDT: decimal.NewFromInt(100)}
}

func testExecutor(t *testing.T, adapter exchange.Adapter, b *bus.Bus) (*Executor, *safety.PanicState, *stubRecorder) {
	t.Helper()
	panicState := safety.NewPanicState()
	riskMgr := risk.NewManager(risk.Limits{
		MaxLeverage:    decimal.NewFromInt(10),
		MaxPositionUSD: decimal.NewFromInt(1000),
	}, nil, nil)
	rec := &stubRecorder{}
	e := New(Config{TradingMode: types.TradingPaper, UseDemo: true, Sizing: sizing()},
		adapter, riskMgr, panicState, b, rec)
	return e, panicState, rec
}

func longSig() types.Signal {
	ref := decimal.NewFromInt(100)
	return types.Signal{
		Symbol:         "BTCUSDT",
		Direction:      types.Long,
		Strategy:       "test",
		ReferencePrice: &ref,
		Metadata:       map[string]any{},
	}
}

func TestExecuteSubmitsAndRecordsOnce(t *testing.T) {
	adapter := newStubAdapter()
	e, _, rec := testExecutor(t, adapter, nil)

	res := e.Execute(context.Background(), longSig())
	require.True(t, res.Success)
	assert.Equal(t, "ord-1", res.OrderID)
	assert.Equal(t, "100", res.SizeUSDT.String())
	assert.Len(t, adapter.submits, 1)
	assert.Equal(t, 1, rec.count())
}

func TestPanicBlocksEntriesButNotCloses(t *testing.T) {
	adapter := newStubAdapter()
	e, panicState, _ := testExecutor(t, adapter, nil)
	panicState.Trigger("test")

	res := e.Execute(context.Background(), longSig())
	require.False(t, res.Success)
	assert.Equal(t, coreerr.ErrPanicActive.Error(), res.Reason)
	assert.Empty(t, adapter.submits, "no order may reach the adapter")

	flat := types.Signal{Symbol: "BTCUSDT", Direction: types.Flat}
	res = e.Execute(context.Background(), flat)
	assert.True(t, res.Success, "closes always pass the latch")
}

func TestModeMismatchBlocksBeforeAdapter(t *testing.T) {
	adapter := newStubAdapter()
	panicState := safety.NewPanicState()
	riskMgr := risk.NewManager(risk.Limits{MaxLeverage: decimal.NewFromInt(10)}, nil, nil)
	e := New(Config{TradingMode: types.TradingReal, UseDemo: true, Sizing: sizing()},
		adapter, riskMgr, panicState, nil, nil)

	assert.False(t, e.ValidateTradingModeConsistency())
	res := e.Execute(context.Background(), longSig())
	require.False(t, res.Success)
	assert.Equal(t, coreerr.ErrModeMismatch.Error(), res.Reason)
	assert.Empty(t, adapter.submits)
}

func TestModeConsistencyTable(t *testing.T) {
	cases := []struct {
		mode types.TradingMode
		demo bool
		ok   bool
	}{
		{types.TradingPaper, true, true},
		{types.TradingPaper, false, false},
		{types.TradingReal, true, false},
		{types.TradingReal, false, true},
	}
	for _, c := range cases {
		e := New(Config{TradingMode: c.mode, UseDemo: c.demo}, newStubAdapter(), nil, safety.NewPanicState(), nil, nil)
		assert.Equal(t, c.ok, e.ValidateTradingModeConsistency(), "%s demo=%t", c.mode, c.demo)
	}
}

func TestPriceDeviationGuard(t *testing.T) {
	adapter := newStubAdapter()
	adapter.ticker = decimal.NewFromInt(110) // 10% above the reference
	e, _, _ := testExecutor(t, adapter, nil)

	res := e.Execute(context.Background(), longSig())
	require.False(t, res.Success)
	assert.Equal(t, coreerr.ErrPriceDeviation.Error(), res.Reason)
	assert.Empty(t, adapter.submits)
}

func TestNearZeroPriceBlocked(t *testing.T) {
	adapter := newStubAdapter()
	adapter.ticker = decimal.Zero
	e, _, _ := testExecutor(t, adapter, nil)

	res := e.Execute(context.Background(), longSig())
	require.False(t, res.Success)
	assert.Equal(t, coreerr.ErrPriceDeviation.Error(), res.Reason)
}

func TestRiskDenialSetsBlockedByRisk(t *testing.T) {
	adapter := newStubAdapter()
	panicState := safety.NewPanicState()
	tracker := safety.NewDailyLossTracker(decimal.NewFromInt(10))
	tracker.Record(decimal.NewFromInt(-20))
	riskMgr := risk.NewManager(risk.Limits{MaxLeverage: decimal.NewFromInt(10)}, tracker, nil)
	e := New(Config{TradingMode: types.TradingPaper, UseDemo: true, Sizing: sizing()},
		adapter, riskMgr, panicState, nil, nil)

	res := e.Execute(context.Background(), longSig())
	require.False(t, res.Success)
	assert.True(t, res.BlockedByRisk)
	assert.Equal(t, coreerr.ErrBlockedByRisk.Error(), res.Reason)
	assert.Empty(t, adapter.submits)
}

// Recording the same order id twice results in a single trade entry,
// whichever path writes second.
func TestIdempotentRecordingFirstWriterWins(t *testing.T) {
	adapter := newStubAdapter()
	b := bus.New(types.EnvDemo)
	e, _, rec := testExecutor(t, adapter, b)

	res := e.Execute(context.Background(), longSig())
	require.True(t, res.Success)
	require.Equal(t, 1, rec.count(), "REST path recorded")

	// The WS execution stream confirms the same order id later.
	b.PublishExecution(bus.Execution{
		OrderID: res.OrderID,
		Symbol:  "BTCUSDT",
		Side:    types.Long,
		Price:   decimal.NewFromInt(100),
		Qty:     decimal.NewFromInt(1),
	})
	assert.Equal(t, 1, rec.count(), "WS duplicate must be a no-op")
}

func TestWSOnlyFillRecordsOnce(t *testing.T) {
	adapter := newStubAdapter()
	b := bus.New(types.EnvDemo)
	_, _, rec := testExecutor(t, adapter, b)

	ex := bus.Execution{
		OrderID: "ws-1",
		Symbol:  "BTCUSDT",
		Side:    types.Long,
		Price:   decimal.NewFromInt(100),
		Qty:     decimal.NewFromInt(1),
	}
	b.PublishExecution(ex)
	b.PublishExecution(ex)
	assert.Equal(t, 1, rec.count())
}

func TestInvalidFillPriceDeferred(t *testing.T) {
	adapter := newStubAdapter()
	b := bus.New(types.EnvDemo)
	_, _, rec := testExecutor(t, adapter, b)

	b.PublishExecution(bus.Execution{OrderID: "bad-1", Symbol: "BTCUSDT", Price: decimal.Zero})
	assert.Zero(t, rec.count(), "zero-price fill must not record")

	b.PublishExecution(bus.Execution{OrderID: "bad-1", Symbol: "BTCUSDT",
		Price: decimal.NewFromInt(100), Qty: decimal.NewFromInt(1), Side: types.Long})
	assert.Equal(t, 1, rec.count(), "the later valid event records")
}

func TestLRUEvictionBound(t *testing.T) {
	l := newOrderLRU(3)
	require.True(t, l.insert("a"))
	require.True(t, l.insert("b"))
	require.True(t, l.insert("c"))
	require.True(t, l.insert("d"), "capacity exceeded, oldest evicted")
	assert.Equal(t, 3, l.len())
	assert.False(t, l.contains("a"), "oldest evicted")
	assert.True(t, l.contains("d"))
	assert.False(t, l.insert("d"), "duplicate insert reports existing")
}

func TestPendingOrderLifecycleViaWS(t *testing.T) {
	adapter := newStubAdapter()
	b := bus.New(types.EnvDemo)
	e, _, _ := testExecutor(t, adapter, b)

	res := e.Execute(context.Background(), longSig())
	require.True(t, res.Success)
	require.Len(t, e.PendingOrders(), 1)

	b.PublishOrder(bus.OrderUpdate{OrderID: res.OrderID, Status: types.OrderFilled})
	assert.Empty(t, e.PendingOrders(), "terminal state deletes the entry")
}

func TestCleanupOldPendingOrders(t *testing.T) {
	adapter := newStubAdapter()
	e, _, _ := testExecutor(t, adapter, nil)

	e.trackPending(types.PendingOrder{OrderID: "old", SubmittedAt: time.Now().Add(-10 * time.Minute)})
	e.trackPending(types.PendingOrder{OrderID: "fresh", SubmittedAt: time.Now()})

	dropped := e.CleanupOldPendingOrders()
	assert.Equal(t, 1, dropped)
	require.Len(t, e.PendingOrders(), 1)
	assert.Equal(t, "fresh", e.PendingOrders()[0].OrderID)
}

func TestWaitForFillResolvesOnWSConfirm(t *testing.T) {
	adapter := newStubAdapter()
	b := bus.New(types.EnvDemo)
	e, _, _ := testExecutor(t, adapter, b)

	res := e.Execute(context.Background(), longSig())
	require.True(t, res.Success)

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.PublishOrder(bus.OrderUpdate{OrderID: res.OrderID, Status: types.OrderFilled})
	}()
	p, err := e.WaitForFill(context.Background(), res.OrderID, time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, p.State)
}

func TestWaitForFillRESTFallback(t *testing.T) {
	adapter := newStubAdapter()
	e, _, _ := testExecutor(t, adapter, nil)

	res := e.Execute(context.Background(), longSig())
	require.True(t, res.Success)

	// The exchange reports the order no longer open: resolved.
	p, err := e.WaitForFill(context.Background(), res.OrderID, 30*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, p.State)
}

func TestWaitForFillTimeout(t *testing.T) {
	adapter := newStubAdapter()
	e, _, _ := testExecutor(t, adapter, nil)

	res := e.Execute(context.Background(), longSig())
	require.True(t, res.Success)
	adapter.mu.Lock()
	adapter.openOrders = []types.PendingOrder{{OrderID: res.OrderID, Symbol: "BTCUSDT", State: types.OrderPending}}
	adapter.mu.Unlock()

	_, err := e.WaitForFill(context.Background(), res.OrderID, 30*time.Millisecond, 10*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, coreerr.ErrWaitTimeout)
}

func TestCallbackIsolation(t *testing.T) {
	adapter := newStubAdapter()
	e, _, _ := testExecutor(t, adapter, nil)

	var order []string
	e.RegisterCallback(func(Result) { order = append(order, "first") })
	e.RegisterCallback(func(Result) { panic("bad subscriber") })
	e.RegisterCallback(func(Result) { order = append(order, "third") })

	e.Execute(context.Background(), longSig())
	assert.Equal(t, []string{"first", "third"}, order, "fan-out preserves order and isolates panics")
}
