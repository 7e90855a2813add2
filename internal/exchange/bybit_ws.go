package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradecore/internal/bus"
	"github.com/web3guy0/tradecore/internal/config"
	"github.com/web3guy0/tradecore/internal/types"
)

const (
	bybitPublicWSURL  = "wss://stream.bybit.com/v5/public/linear"
	bybitPrivateWSURL = "wss://stream.bybit.com/v5/private"
	bybitDemoWSURL    = "wss://stream-demo.bybit.com/v5/private"

	wsPingInterval = 20 * time.Second
	wsReadTimeout  = 60 * time.Second
)

// StreamConfig declares the subscriptions one stream carries.
type StreamConfig struct {
	Env       types.Env
	Creds     config.APICreds
	Symbol    string
	KlineTFs  []types.Timeframe
	Private   bool // position/order/execution/wallet streams
}

// BybitStream is one WS connection pair (public + optional private)
// publishing everything it receives onto the bus. A failure surfaces
// on Errors(); the caller (live runner) owns reconnect policy.
type BybitStream struct {
	mu      sync.Mutex
	cfg     StreamConfig
	bus     *bus.Bus
	pub     *websocket.Conn
	priv    *websocket.Conn
	running bool
	stopCh  chan struct{}
	errCh   chan error
	wg      sync.WaitGroup
}

// NewBybitStream builds a stream publishing on b.
func NewBybitStream(cfg StreamConfig, b *bus.Bus) *BybitStream {
	return &BybitStream{cfg: cfg, bus: b, errCh: make(chan error, 8)}
}

// Errors surfaces connection failures to the reconnect owner.
func (s *BybitStream) Errors() <-chan error { return s.errCh }

// Start dials, authenticates, subscribes, and spawns the read and
// ping loops. It is a single connection attempt: any later failure is
// reported on Errors and the caller decides when to Start again.
func (s *BybitStream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.stopCh = make(chan struct{})

	pub, _, err := websocket.DefaultDialer.DialContext(ctx, bybitPublicWSURL, nil)
	if err != nil {
		return fmt.Errorf("exchange: dialing public ws: %w", err)
	}
	s.pub = pub

	var topics []string
	interval := func(tf types.Timeframe) string {
		iv, _ := bybitInterval(tf)
		return iv
	}
	for _, tf := range s.cfg.KlineTFs {
		topics = append(topics, fmt.Sprintf("kline.%s.%s", interval(tf), s.cfg.Symbol))
	}
	topics = append(topics, "tickers."+s.cfg.Symbol)
	if err := pub.WriteJSON(map[string]interface{}{"op": "subscribe", "args": topics}); err != nil {
		pub.Close()
		return fmt.Errorf("exchange: subscribing public topics: %w", err)
	}

	if s.cfg.Private {
		if err := s.connectPrivate(ctx); err != nil {
			pub.Close()
			return err
		}
	}

	s.running = true
	s.wg.Add(2)
	go s.readLoop(s.pub, false)
	go s.pingLoop(s.pub)
	if s.priv != nil {
		s.wg.Add(2)
		go s.readLoop(s.priv, true)
		go s.pingLoop(s.priv)
	}
	log.Info().Str("symbol", s.cfg.Symbol).Strs("topics", topics).Msg("exchange: ws connected")
	return nil
}

// connectPrivate dials and authenticates the private stream with the
// v5 HMAC handshake: sign "GET/realtime" + expires with the API
// secret.
func (s *BybitStream) connectPrivate(ctx context.Context) error {
	url := bybitPrivateWSURL
	if s.cfg.Env == types.EnvDemo {
		url = bybitDemoWSURL
	}
	priv, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("exchange: dialing private ws: %w", err)
	}

	expires := time.Now().Add(10 * time.Second).UnixMilli()
	mac := hmac.New(sha256.New, []byte(s.cfg.Creds.Secret))
	mac.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
	sig := hex.EncodeToString(mac.Sum(nil))

	if err := priv.WriteJSON(map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{s.cfg.Creds.Key, expires, sig},
	}); err != nil {
		priv.Close()
		return fmt.Errorf("exchange: ws auth: %w", err)
	}
	if err := priv.WriteJSON(map[string]interface{}{
		"op":   "subscribe",
		"args": []string{"position", "order", "execution", "wallet"},
	}); err != nil {
		priv.Close()
		return fmt.Errorf("exchange: subscribing private topics: %w", err)
	}
	s.priv = priv
	return nil
}

// Stop closes both connections and joins the loops.
func (s *BybitStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	if s.pub != nil {
		s.pub.Close()
	}
	if s.priv != nil {
		s.priv.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	log.Info().Msg("exchange: ws disconnected")
}

func (s *BybitStream) pingLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			err := conn.WriteJSON(map[string]string{"op": "ping"})
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *BybitStream) readLoop(conn *websocket.Conn, private bool) {
	defer s.wg.Done()
	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				select {
				case s.errCh <- fmt.Errorf("exchange: ws read: %w", err):
				default:
				}
			}
			return
		}
		s.dispatch(raw, private)
	}
}

type wsEnvelope struct {
	Topic string          `json:"topic"`
	Op    string          `json:"op"`
	Data  json.RawMessage `json:"data"`
}

func (s *BybitStream) dispatch(raw []byte, private bool) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	if env.Op == "pong" || env.Op == "ping" {
		return
	}
	switch {
	case len(env.Topic) > 6 && env.Topic[:6] == "kline.":
		s.handleKline(env)
	case len(env.Topic) > 8 && env.Topic[:8] == "tickers.":
		s.handleTicker(env)
	case env.Topic == "position":
		s.handlePosition(env)
	case env.Topic == "order":
		s.handleOrder(env)
	case env.Topic == "execution":
		s.handleExecution(env)
	case env.Topic == "wallet":
		s.handleWallet(env)
	}
}

func (s *BybitStream) handleKline(env wsEnvelope) {
	var rows []struct {
		Start   int64  `json:"start"`
		End     int64  `json:"end"`
		Open    string `json:"open"`
		High    string `json:"high"`
		Low     string `json:"low"`
		Close   string `json:"close"`
		Volume  string `json:"volume"`
		Confirm bool   `json:"confirm"`
		Interval string `json:"interval"`
	}
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return
	}
	for _, row := range rows {
		tf, ok := tfForInterval(row.Interval)
		if !ok {
			continue
		}
		bar := types.Bar{
			TsOpen:  time.UnixMilli(row.Start).UTC(),
			TsClose: time.UnixMilli(row.End).UTC(),
		}
		bar.Open, _ = decimal.NewFromString(row.Open)
		bar.High, _ = decimal.NewFromString(row.High)
		bar.Low, _ = decimal.NewFromString(row.Low)
		bar.Close, _ = decimal.NewFromString(row.Close)
		bar.Volume, _ = decimal.NewFromString(row.Volume)
		s.bus.PublishKline(bus.Kline{
			Symbol:   s.cfg.Symbol,
			TF:       tf,
			Bar:      bar,
			IsClosed: row.Confirm,
		})
	}
}

func tfForInterval(iv string) (types.Timeframe, bool) {
	for _, tf := range []types.Timeframe{
		types.TF1m, types.TF3m, types.TF5m, types.TF15m, types.TF30m,
		types.TF1h, types.TF2h, types.TF4h, types.TF6h, types.TF12h,
		types.TFDay, types.TFWeek,
	} {
		if got, err := bybitInterval(tf); err == nil && got == iv {
			return tf, true
		}
	}
	return "", false
}

func (s *BybitStream) handleTicker(env wsEnvelope) {
	var row struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
		Bid1Price string `json:"bid1Price"`
		Ask1Price string `json:"ask1Price"`
	}
	if err := json.Unmarshal(env.Data, &row); err != nil {
		return
	}
	t := bus.Ticker{Symbol: row.Symbol, Timestamp: time.Now()}
	t.LastPrice, _ = decimal.NewFromString(row.LastPrice)
	t.Bid, _ = decimal.NewFromString(row.Bid1Price)
	t.Ask, _ = decimal.NewFromString(row.Ask1Price)
	if t.LastPrice.IsPositive() {
		s.bus.PublishTicker(t)
	}
}

func (s *BybitStream) handlePosition(env wsEnvelope) {
	var rows []struct {
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Size          string `json:"size"`
		EntryPrice    string `json:"entryPrice"`
		MarkPrice     string `json:"markPrice"`
		UnrealisedPnl string `json:"unrealisedPnl"`
	}
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return
	}
	for _, row := range rows {
		p := types.Position{Symbol: row.Symbol, Side: types.NormalizeDirection(row.Side)}
		p.SizeQty, _ = decimal.NewFromString(row.Size)
		p.EntryPrice, _ = decimal.NewFromString(row.EntryPrice)
		p.MarkPrice, _ = decimal.NewFromString(row.MarkPrice)
		p.UnrealizedPnL, _ = decimal.NewFromString(row.UnrealisedPnl)
		if p.SizeQty.IsZero() {
			p.Side = types.Flat
		}
		s.bus.PublishPosition(p)
	}
}

func (s *BybitStream) handleOrder(env wsEnvelope) {
	var rows []struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
		Symbol      string `json:"symbol"`
		OrderStatus string `json:"orderStatus"`
		CumExecQty  string `json:"cumExecQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return
	}
	for _, row := range rows {
		u := bus.OrderUpdate{
			OrderID:       row.OrderID,
			ClientOrderID: row.OrderLinkID,
			Symbol:        row.Symbol,
			Status:        mapOrderStatus(row.OrderStatus),
			Timestamp:     time.Now(),
		}
		u.FilledQty, _ = decimal.NewFromString(row.CumExecQty)
		u.AvgFillPrice, _ = decimal.NewFromString(row.AvgPrice)
		s.bus.PublishOrder(u)
	}
}

func (s *BybitStream) handleExecution(env wsEnvelope) {
	var rows []struct {
		OrderID   string `json:"orderId"`
		Symbol    string `json:"symbol"`
		Side      string `json:"side"`
		ExecPrice string `json:"execPrice"`
		ExecQty   string `json:"execQty"`
		ExecFee   string `json:"execFee"`
		ExecTime  string `json:"execTime"`
	}
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return
	}
	for _, row := range rows {
		e := bus.Execution{
			OrderID: row.OrderID,
			Symbol:  row.Symbol,
			Side:    types.NormalizeDirection(row.Side),
		}
		e.Price, _ = decimal.NewFromString(row.ExecPrice)
		e.Qty, _ = decimal.NewFromString(row.ExecQty)
		e.Fee, _ = decimal.NewFromString(row.ExecFee)
		if ms, err := strconv.ParseInt(row.ExecTime, 10, 64); err == nil {
			e.Timestamp = time.UnixMilli(ms).UTC()
		}
		s.bus.PublishExecution(e)
	}
}

func (s *BybitStream) handleWallet(env wsEnvelope) {
	var rows []struct {
		TotalWalletBalance    string `json:"totalWalletBalance"`
		TotalAvailableBalance string `json:"totalAvailableBalance"`
	}
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return
	}
	for _, row := range rows {
		w := bus.WalletUpdate{Timestamp: time.Now()}
		w.TotalUSDT, _ = decimal.NewFromString(row.TotalWalletBalance)
		w.AvailableUSDT, _ = decimal.NewFromString(row.TotalAvailableBalance)
		s.bus.PublishWallet(w)
	}
}
