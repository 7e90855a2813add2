// Package bus implements the in-memory realtime bus: a single-process,
// thread-safe pub/sub surface for ticker, kline, position, order,
// execution, and wallet events. The bus never invokes a callback while
// holding its internal lock.
package bus

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradecore/internal/types"
)

// Topic names one event stream published on the bus.
type Topic string

const (
	TopicTicker    Topic = "ticker"
	TopicOrderbook Topic = "orderbook"
	TopicTrades    Topic = "trades"
	TopicKline     Topic = "kline"
	TopicPosition  Topic = "position"
	TopicOrder     Topic = "order"
	TopicExecution Topic = "execution"
	TopicWallet    Topic = "wallet"
	TopicAccount   Topic = "account"
)

// Ticker is the per-symbol last-price snapshot.
type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}

// Kline carries one bar-close event for a concrete timeframe.
type Kline struct {
	Symbol   string
	TF       types.Timeframe
	Bar      types.Bar
	IsClosed bool
}

// OrderUpdate is a private-stream order lifecycle event.
type OrderUpdate struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Status        types.OrderLifecycleState
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Timestamp     time.Time
}

// Execution is a private-stream fill event.
type Execution struct {
	OrderID   string
	Symbol    string
	Side      types.Direction
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Fee       decimal.Decimal
	Timestamp time.Time
}

// WalletUpdate is a private-stream balance event.
type WalletUpdate struct {
	TotalUSDT     decimal.Decimal
	AvailableUSDT decimal.Decimal
	Timestamp     time.Time
}

// Bus is the process-wide realtime state carrier. Each engine and the
// global risk view share one Bus read-only; only the exchange adapter
// publishes. Env keying keeps demo and live buses fully separate —
// construct one Bus per environment.
type Bus struct {
	mu sync.RWMutex

	env types.Env

	tickerSubs    []func(Ticker)
	klineSubs     []func(Kline)
	positionSubs  []func(types.Position)
	orderSubs     []func(OrderUpdate)
	executionSubs []func(Execution)
	walletSubs    []func(WalletUpdate)

	tickers    map[string]Ticker
	wallet     WalletUpdate
	lastUpdate map[Topic]time.Time
}

// New creates an empty bus for one data environment.
func New(env types.Env) *Bus {
	return &Bus{
		env:        env,
		tickers:    make(map[string]Ticker),
		lastUpdate: make(map[Topic]time.Time),
	}
}

// Env returns the data environment this bus carries.
func (b *Bus) Env() types.Env { return b.env }

// SubscribeTicker registers a ticker callback. Fan-out preserves
// registration order.
func (b *Bus) SubscribeTicker(fn func(Ticker)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tickerSubs = append(b.tickerSubs, fn)
}

// SubscribeKline registers a kline callback.
func (b *Bus) SubscribeKline(fn func(Kline)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.klineSubs = append(b.klineSubs, fn)
}

// SubscribePosition registers a position callback.
func (b *Bus) SubscribePosition(fn func(types.Position)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positionSubs = append(b.positionSubs, fn)
}

// SubscribeOrder registers an order-update callback.
func (b *Bus) SubscribeOrder(fn func(OrderUpdate)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orderSubs = append(b.orderSubs, fn)
}

// SubscribeExecution registers an execution callback.
func (b *Bus) SubscribeExecution(fn func(Execution)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executionSubs = append(b.executionSubs, fn)
}

// SubscribeWallet registers a wallet callback.
func (b *Bus) SubscribeWallet(fn func(WalletUpdate)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.walletSubs = append(b.walletSubs, fn)
}

// PublishTicker updates the ticker cache and fans out to subscribers
// outside the lock.
func (b *Bus) PublishTicker(t Ticker) {
	b.mu.Lock()
	b.tickers[t.Symbol] = t
	b.lastUpdate[TopicTicker] = time.Now()
	subs := append([]func(Ticker){}, b.tickerSubs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(t)
	}
}

// PublishKline fans out a kline event.
func (b *Bus) PublishKline(k Kline) {
	b.mu.Lock()
	b.lastUpdate[TopicKline] = time.Now()
	subs := append([]func(Kline){}, b.klineSubs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(k)
	}
}

// PublishPosition fans out a position event.
func (b *Bus) PublishPosition(p types.Position) {
	b.mu.Lock()
	b.lastUpdate[TopicPosition] = time.Now()
	subs := append([]func(types.Position){}, b.positionSubs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(p)
	}
}

// PublishOrder fans out an order-update event.
func (b *Bus) PublishOrder(o OrderUpdate) {
	b.mu.Lock()
	b.lastUpdate[TopicOrder] = time.Now()
	subs := append([]func(OrderUpdate){}, b.orderSubs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(o)
	}
}

// PublishExecution fans out an execution event.
func (b *Bus) PublishExecution(e Execution) {
	b.mu.Lock()
	b.lastUpdate[TopicExecution] = time.Now()
	subs := append([]func(Execution){}, b.executionSubs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

// PublishWallet updates the wallet cache and fans out.
func (b *Bus) PublishWallet(w WalletUpdate) {
	b.mu.Lock()
	b.wallet = w
	b.lastUpdate[TopicWallet] = time.Now()
	subs := append([]func(WalletUpdate){}, b.walletSubs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(w)
	}
}

// LastTicker returns the cached ticker for symbol.
func (b *Bus) LastTicker(symbol string) (Ticker, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tickers[symbol]
	return t, ok
}

// LastWallet returns the cached wallet snapshot.
func (b *Bus) LastWallet() WalletUpdate {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.wallet
}

// Age returns how long ago topic last published, or a very large
// duration if it never has. The global risk view uses this for its
// stale-data fail-closed checks.
func (b *Bus) Age(topic Topic) time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ts, ok := b.lastUpdate[topic]
	if !ok {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(ts)
}

// Touch stamps topic as freshly updated without publishing an event.
// The WS layer calls it on heartbeats so silence on a quiet stream is
// not mistaken for staleness.
func (b *Bus) Touch(topic Topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUpdate[topic] = time.Now()
}
