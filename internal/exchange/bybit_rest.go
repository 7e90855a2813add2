package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bybitapi "github.com/bybit-exchange/bybit.go.api"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradecore/internal/config"
	"github.com/web3guy0/tradecore/internal/types"
)

const (
	bybitMainnetURL = "https://api.bybit.com"
	bybitDemoURL    = "https://api-demo.bybit.com"

	// Bybit v5 unified account, USDT linear perpetuals.
	category = "linear"
)

// BybitConfig selects credentials and environment for one adapter.
type BybitConfig struct {
	Env        types.Env
	TradeCreds config.APICreds
	// DataCreds back kline/instrument reads; these are always the live
	// data keys regardless of env, per the configuration surface.
	DataCreds config.APICreds
	Symbol    string
	DryRun    bool
}

// Bybit is the concrete v5 adapter: REST through the official SDK,
// WS through the companion stream type in bybit_ws.go.
type Bybit struct {
	cfg    BybitConfig
	trade  *bybitapi.Client
	data   *bybitapi.Client
	stream *BybitStream
}

// NewBybit builds the adapter. Demo env routes trading calls at the
// demo host; market data always reads mainnet.
func NewBybit(cfg BybitConfig, stream *BybitStream) *Bybit {
	tradeURL := bybitMainnetURL
	if cfg.Env == types.EnvDemo {
		tradeURL = bybitDemoURL
	}
	return &Bybit{
		cfg:    cfg,
		trade:  bybitapi.NewBybitHttpClient(cfg.TradeCreds.Key, cfg.TradeCreds.Secret, bybitapi.WithBaseURL(tradeURL)),
		data:   bybitapi.NewBybitHttpClient(cfg.DataCreds.Key, cfg.DataCreds.Secret, bybitapi.WithBaseURL(bybitMainnetURL)),
		stream: stream,
	}
}

func (b *Bybit) Connect(ctx context.Context) error {
	if b.stream != nil {
		return b.stream.Start(ctx)
	}
	return nil
}

func (b *Bybit) Disconnect() error {
	if b.stream != nil {
		b.stream.Stop()
	}
	return nil
}

// call runs one SDK request and decodes its Result into out.
func call(ctx context.Context, c *bybitapi.Client, params map[string]interface{}, fn func(*bybitapi.BybitClientRequest, context.Context) (*bybitapi.ServerResponse, error), out interface{}) error {
	resp, err := fn(c.NewUtaBybitServiceWithParams(params), ctx)
	if err != nil {
		return err
	}
	if resp.RetCode != 0 {
		return fmt.Errorf("exchange: bybit retCode %d: %s", resp.RetCode, resp.RetMsg)
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("exchange: re-encoding result: %w", err)
	}
	return json.Unmarshal(raw, out)
}

func (b *Bybit) GetBalance(ctx context.Context) (Balance, error) {
	var res struct {
		List []struct {
			TotalEquity     string `json:"totalEquity"`
			TotalAvailable  string `json:"totalAvailableBalance"`
			TotalWalletBal  string `json:"totalWalletBalance"`
		} `json:"list"`
	}
	err := call(ctx, b.trade, map[string]interface{}{"accountType": "UNIFIED"},
		func(r *bybitapi.BybitClientRequest, ctx context.Context) (*bybitapi.ServerResponse, error) {
			return r.GetAccountWallet(ctx)
		}, &res)
	if err != nil {
		return Balance{}, err
	}
	if len(res.List) == 0 {
		return Balance{}, fmt.Errorf("exchange: empty wallet response")
	}
	total, _ := decimal.NewFromString(res.List[0].TotalWalletBal)
	avail, _ := decimal.NewFromString(res.List[0].TotalAvailable)
	return Balance{Total: total, Available: avail}, nil
}

func (b *Bybit) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	var res struct {
		List []struct {
			TotalEquity string `json:"totalEquity"`
		} `json:"list"`
	}
	err := call(ctx, b.trade, map[string]interface{}{"accountType": "UNIFIED"},
		func(r *bybitapi.BybitClientRequest, ctx context.Context) (*bybitapi.ServerResponse, error) {
			return r.GetAccountWallet(ctx)
		}, &res)
	if err != nil {
		return decimal.Zero, err
	}
	if len(res.List) == 0 {
		return decimal.Zero, fmt.Errorf("exchange: empty wallet response")
	}
	eq, _ := decimal.NewFromString(res.List[0].TotalEquity)
	return eq, nil
}

func (b *Bybit) GetPosition(ctx context.Context, symbol string) (types.Position, error) {
	var res struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			PositionValue string `json:"positionValue"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			Leverage      string `json:"leverage"`
			StopLoss      string `json:"stopLoss"`
			TakeProfit    string `json:"takeProfit"`
			LiqPrice      string `json:"liqPrice"`
		} `json:"list"`
	}
	err := call(ctx, b.trade, map[string]interface{}{"category": category, "symbol": symbol},
		func(r *bybitapi.BybitClientRequest, ctx context.Context) (*bybitapi.ServerResponse, error) {
			return r.GetPositionList(ctx)
		}, &res)
	if err != nil {
		return types.Position{}, err
	}
	for _, p := range res.List {
		size, _ := decimal.NewFromString(p.Size)
		if size.IsZero() {
			continue
		}
		pos := types.Position{
			Symbol:  p.Symbol,
			Side:    types.NormalizeDirection(p.Side),
			SizeQty: size,
		}
		pos.SizeUSDT, _ = decimal.NewFromString(p.PositionValue)
		pos.EntryPrice, _ = decimal.NewFromString(p.AvgPrice)
		pos.MarkPrice, _ = decimal.NewFromString(p.MarkPrice)
		pos.UnrealizedPnL, _ = decimal.NewFromString(p.UnrealisedPnl)
		pos.Leverage, _ = decimal.NewFromString(p.Leverage)
		pos.StopLoss = parseOptional(p.StopLoss)
		pos.TakeProfit = parseOptional(p.TakeProfit)
		pos.LiquidationPrice = parseOptional(p.LiqPrice)
		return pos, nil
	}
	return types.Position{Symbol: symbol, Side: types.Flat}, nil
}

func parseOptional(s string) *decimal.Decimal {
	if s == "" || s == "0" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsZero() {
		return nil
	}
	return &d
}

func (b *Bybit) GetOpenOrders(ctx context.Context, symbol string) ([]types.PendingOrder, error) {
	params := map[string]interface{}{"category": category}
	if symbol != "" {
		params["symbol"] = symbol
	}
	var res struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			OrderStatus string `json:"orderStatus"`
			CreatedTime string `json:"createdTime"`
		} `json:"list"`
	}
	err := call(ctx, b.trade, params,
		func(r *bybitapi.BybitClientRequest, ctx context.Context) (*bybitapi.ServerResponse, error) {
			return r.GetOpenOrders(ctx)
		}, &res)
	if err != nil {
		return nil, err
	}
	var out []types.PendingOrder
	for _, o := range res.List {
		ms, _ := strconv.ParseInt(o.CreatedTime, 10, 64)
		out = append(out, types.PendingOrder{
			OrderID:       o.OrderID,
			ClientOrderID: o.OrderLinkID,
			Symbol:        o.Symbol,
			Side:          types.NormalizeDirection(o.Side),
			State:         mapOrderStatus(o.OrderStatus),
			SubmittedAt:   time.UnixMilli(ms).UTC(),
		})
	}
	return out, nil
}

func mapOrderStatus(s string) types.OrderLifecycleState {
	switch s {
	case "Filled":
		return types.OrderFilled
	case "Cancelled", "Deactivated":
		return types.OrderCancelled
	case "Rejected":
		return types.OrderRejected
	default:
		return types.OrderPending
	}
}

func (b *Bybit) GetTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var res struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	err := call(ctx, b.data, map[string]interface{}{"category": category, "symbol": symbol},
		func(r *bybitapi.BybitClientRequest, ctx context.Context) (*bybitapi.ServerResponse, error) {
			return r.GetMarketTickers(ctx)
		}, &res)
	if err != nil {
		return decimal.Zero, err
	}
	if len(res.List) == 0 {
		return decimal.Zero, fmt.Errorf("exchange: empty ticker response for %s", symbol)
	}
	last, err := decimal.NewFromString(res.List[0].LastPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("exchange: bad lastPrice: %w", err)
	}
	return last, nil
}

// bybitInterval maps internal timeframes to the v5 kline interval
// alphabet.
func bybitInterval(tf types.Timeframe) (string, error) {
	switch tf {
	case types.TF1m:
		return "1", nil
	case types.TF3m:
		return "3", nil
	case types.TF5m:
		return "5", nil
	case types.TF15m:
		return "15", nil
	case types.TF30m:
		return "30", nil
	case types.TF1h:
		return "60", nil
	case types.TF2h:
		return "120", nil
	case types.TF4h:
		return "240", nil
	case types.TF6h:
		return "360", nil
	case types.TF12h:
		return "720", nil
	case types.TFDay:
		return "D", nil
	case types.TFWeek:
		return "W", nil
	default:
		return "", fmt.Errorf("exchange: no bybit interval for %q", tf)
	}
}

func (b *Bybit) GetKlines(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Bar, error) {
	interval, err := bybitInterval(tf)
	if err != nil {
		return nil, err
	}
	var res struct {
		List [][]string `json:"list"`
	}
	err = call(ctx, b.data, map[string]interface{}{
		"category": category, "symbol": symbol, "interval": interval, "limit": limit,
	}, func(r *bybitapi.BybitClientRequest, ctx context.Context) (*bybitapi.ServerResponse, error) {
		return r.GetMarketKline(ctx)
	}, &res)
	if err != nil {
		return nil, err
	}

	// v5 returns newest-first rows of [start, open, high, low, close,
	// volume, turnover]; internal buffers want oldest-first.
	tfMin, err := types.Minutes(tf)
	if err != nil {
		return nil, err
	}
	bars := make([]types.Bar, 0, len(res.List))
	for i := len(res.List) - 1; i >= 0; i-- {
		row := res.List[i]
		if len(row) < 6 {
			continue
		}
		startMs, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		bar := types.Bar{
			TsOpen:  time.UnixMilli(startMs).UTC(),
			TsClose: time.UnixMilli(startMs).UTC().Add(time.Duration(tfMin) * time.Minute),
		}
		bar.Open, _ = decimal.NewFromString(row[1])
		bar.High, _ = decimal.NewFromString(row[2])
		bar.Low, _ = decimal.NewFromString(row[3])
		bar.Close, _ = decimal.NewFromString(row[4])
		bar.Volume, _ = decimal.NewFromString(row[5])
		bars = append(bars, bar)
	}
	return bars, nil
}

func (b *Bybit) GetInstrumentInfo(ctx context.Context, symbol string) (InstrumentInfo, error) {
	var res struct {
		List []struct {
			Symbol      string `json:"symbol"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				MinOrderQty string `json:"minOrderQty"`
				QtyStep     string `json:"qtyStep"`
				MinNotional string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	err := call(ctx, b.data, map[string]interface{}{"category": category, "symbol": symbol},
		func(r *bybitapi.BybitClientRequest, ctx context.Context) (*bybitapi.ServerResponse, error) {
			return r.GetInstrumentInfo(ctx)
		}, &res)
	if err != nil {
		return InstrumentInfo{}, err
	}
	if len(res.List) == 0 {
		return InstrumentInfo{}, fmt.Errorf("exchange: no instrument info for %s", symbol)
	}
	row := res.List[0]
	info := InstrumentInfo{Symbol: row.Symbol}
	info.TickSize, _ = decimal.NewFromString(row.PriceFilter.TickSize)
	info.MinQty, _ = decimal.NewFromString(row.LotSizeFilter.MinOrderQty)
	info.QtyStep, _ = decimal.NewFromString(row.LotSizeFilter.QtyStep)
	info.MinNotional, _ = decimal.NewFromString(row.LotSizeFilter.MinNotional)
	return info, nil
}

func (b *Bybit) SubmitOrder(ctx context.Context, order types.Order) (string, error) {
	if b.cfg.DryRun {
		log.Info().Str("symbol", order.Symbol).Str("side", string(order.Side)).
			Str("size_usdt", order.SizeUSDT.StringFixed(2)).Msg("exchange: dry run, order not sent")
		return "dry-" + strconv.FormatInt(time.Now().UnixNano(), 36), nil
	}

	price := order.LimitPrice
	if price == nil {
		last, err := b.GetTicker(ctx, order.Symbol)
		if err != nil {
			return "", fmt.Errorf("exchange: sizing market order: %w", err)
		}
		price = &last
	}
	info, err := b.GetInstrumentInfo(ctx, order.Symbol)
	if err != nil {
		return "", err
	}
	qty, ok := info.RoundQty(order.SizeUSDT.Div(*price), *price)
	if !ok && order.Side != types.Flat {
		return "", fmt.Errorf("exchange: size %s below instrument minimums", order.SizeUSDT.StringFixed(2))
	}

	side := "Buy"
	if order.Side == types.Short {
		side = "Sell"
	}
	params := map[string]interface{}{
		"category":  category,
		"symbol":    order.Symbol,
		"side":      side,
		"orderType": "Market",
		"qty":       qty.String(),
	}
	if order.OrderType == types.OrderLimit && order.LimitPrice != nil {
		params["orderType"] = "Limit"
		params["price"] = order.LimitPrice.String()
		params["timeInForce"] = string(order.TIF)
	}
	if order.Side == types.Flat {
		// Flat submits a reduce-only market order against the open side.
		pos, err := b.GetPosition(ctx, order.Symbol)
		if err != nil {
			return "", err
		}
		if pos.IsFlat() {
			return "", nil
		}
		if pos.Side == types.Long {
			params["side"] = "Sell"
		} else {
			params["side"] = "Buy"
		}
		params["qty"] = pos.SizeQty.String()
		params["reduceOnly"] = true
	}
	if order.StopLoss != nil {
		params["stopLoss"] = order.StopLoss.String()
		params["slTriggerBy"] = "MarkPrice"
	}
	if order.TakeProfit != nil {
		params["takeProfit"] = order.TakeProfit.String()
		params["tpTriggerBy"] = "MarkPrice"
	}
	if order.ClientOrderID != "" {
		params["orderLinkId"] = order.ClientOrderID
	}

	var res struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	err = call(ctx, b.trade, params,
		func(r *bybitapi.BybitClientRequest, ctx context.Context) (*bybitapi.ServerResponse, error) {
			return r.PlaceOrder(ctx)
		}, &res)
	if err != nil {
		return "", err
	}
	log.Info().
		Str("symbol", order.Symbol).
		Str("side", side).
		Str("qty", qty.String()).
		Str("order_id", res.OrderID).
		Msg("exchange: order placed")
	return res.OrderID, nil
}

func (b *Bybit) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return call(ctx, b.trade, map[string]interface{}{
		"category": category, "symbol": symbol, "orderId": orderID,
	}, func(r *bybitapi.BybitClientRequest, ctx context.Context) (*bybitapi.ServerResponse, error) {
		return r.CancelOrder(ctx)
	}, nil)
}

func (b *Bybit) CancelAllOrders(ctx context.Context, symbol string) error {
	params := map[string]interface{}{"category": category}
	if symbol != "" {
		params["symbol"] = symbol
	}
	return call(ctx, b.trade, params,
		func(r *bybitapi.BybitClientRequest, ctx context.Context) (*bybitapi.ServerResponse, error) {
			return r.CancelAllOrders(ctx)
		}, nil)
}

func (b *Bybit) ClosePosition(ctx context.Context, symbol string) error {
	_, err := b.SubmitOrder(ctx, types.Order{
		Symbol:    symbol,
		Side:      types.Flat,
		OrderType: types.OrderMarket,
	})
	return err
}

func (b *Bybit) SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error {
	return call(ctx, b.trade, map[string]interface{}{
		"category":     category,
		"symbol":       symbol,
		"buyLeverage":  leverage.String(),
		"sellLeverage": leverage.String(),
	}, func(r *bybitapi.BybitClientRequest, ctx context.Context) (*bybitapi.ServerResponse, error) {
		return r.SetPositionLeverage(ctx)
	}, nil)
}

var _ Adapter = (*Bybit)(nil)
