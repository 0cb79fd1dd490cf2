package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"tradegate/internal/ratelimit"
	"tradegate/logger"
	"tradegate/models"
)

//////////////////////////////////////////////////////////////////////////////
///////////////////////////////// ENDPOINTS //////////////////////////////////
//////////////////////////////////////////////////////////////////////////////

var (
	EndpointServerTime   = Endpoint{Name: "server_time", Method: http.MethodGet, Path: "/api/v3/time", Weight: 1, Idempotent: true}
	EndpointExchangeInfo = Endpoint{Name: "exchange_info", Method: http.MethodGet, Path: "/api/v3/exchangeInfo", Weight: 20, Idempotent: true}
	EndpointPrice        = Endpoint{Name: "ticker_price", Method: http.MethodGet, Path: "/api/v3/ticker/price", Weight: 2, Idempotent: true}
	EndpointPrices       = Endpoint{Name: "ticker_prices", Method: http.MethodGet, Path: "/api/v3/ticker/price", Weight: 4, Idempotent: true}
	EndpointAccount      = Endpoint{Name: "account", Method: http.MethodGet, Path: "/api/v3/account", Security: SecuritySigned, Weight: 20, Idempotent: true}
	EndpointPlaceOrder   = Endpoint{Name: "place_order", Method: http.MethodPost, Path: "/api/v3/order", Security: SecuritySigned, Weight: 1, Orders: true}
	EndpointQueryOrder   = Endpoint{Name: "query_order", Method: http.MethodGet, Path: "/api/v3/order", Security: SecuritySigned, Weight: 4, Idempotent: true}
	EndpointCancelOrder  = Endpoint{Name: "cancel_order", Method: http.MethodDelete, Path: "/api/v3/order", Security: SecuritySigned, Weight: 1}
	EndpointOpenOrders   = Endpoint{Name: "open_orders", Method: http.MethodGet, Path: "/api/v3/openOrders", Security: SecuritySigned, Weight: 6, Idempotent: true}
	EndpointAllOpen      = Endpoint{Name: "open_orders_all", Method: http.MethodGet, Path: "/api/v3/openOrders", Security: SecuritySigned, Weight: 80, Idempotent: true}
	EndpointAllOrders    = Endpoint{Name: "all_orders", Method: http.MethodGet, Path: "/api/v3/allOrders", Security: SecuritySigned, Weight: 20, Idempotent: true}
	EndpointTestOrder    = Endpoint{Name: "test_order", Method: http.MethodPost, Path: "/api/v3/order/test", Security: SecuritySigned, Weight: 1, Idempotent: true}

	EndpointDepth        = Endpoint{Name: "depth", Method: http.MethodGet, Path: "/api/v3/depth", Weight: 5, Idempotent: true}
	EndpointRecentTrades = Endpoint{Name: "recent_trades", Method: http.MethodGet, Path: "/api/v3/trades", Weight: 25, Idempotent: true}
	EndpointKlines       = Endpoint{Name: "klines", Method: http.MethodGet, Path: "/api/v3/klines", Weight: 2, Idempotent: true}
	EndpointTicker24h    = Endpoint{Name: "ticker_24h", Method: http.MethodGet, Path: "/api/v3/ticker/24hr", Weight: 2, Idempotent: true}

	EndpointStartUserStream     = Endpoint{Name: "user_stream_start", Method: http.MethodPost, Path: "/api/v3/userDataStream", Security: SecurityAPIKey, Weight: 2, Idempotent: true}
	EndpointKeepAliveUserStream = Endpoint{Name: "user_stream_keepalive", Method: http.MethodPut, Path: "/api/v3/userDataStream", Security: SecurityAPIKey, Weight: 2, Idempotent: true}
	EndpointCloseUserStream     = Endpoint{Name: "user_stream_close", Method: http.MethodDelete, Path: "/api/v3/userDataStream", Security: SecurityAPIKey, Weight: 2, Idempotent: true}
)

//////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// TIME /////////////////////////////////////
//////////////////////////////////////////////////////////////////////////////

// ServerTime returns the exchange clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	resp, err := c.Do(ctx, EndpointServerTime, nil)
	if err != nil {
		return time.Time{}, err
	}
	var body struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := Decode(EndpointServerTime, resp, &body); err != nil {
		return time.Time{}, err
	}
	if body.ServerTime <= 0 {
		return time.Time{}, &ProtocolError{Endpoint: EndpointServerTime.Name, HTTPStatus: resp.StatusCode, Body: string(resp.Body), Err: errors.New("missing serverTime")}
	}
	return time.UnixMilli(body.ServerTime), nil
}

// SyncTime measures the offset between the exchange and local clocks,
// assuming a symmetric round trip, and applies it to signed timestamps.
func (c *Client) SyncTime(ctx context.Context) error {
	start := c.clock.Now()
	server, err := c.ServerTime(ctx)
	if err != nil {
		return fmt.Errorf("server time sync failed: %w", err)
	}
	end := c.clock.Now()
	mid := start.Add(end.Sub(start) / 2)
	offset := server.Sub(mid)
	c.offset.Store(int64(offset))

	c.log.WithComponent("rest_client").WithFields(logger.Fields{
		"offset_ms": offset.Milliseconds(),
		"rtt_ms":    end.Sub(start).Milliseconds(),
	}).Info("synchronized server time")
	return nil
}

//////////////////////////////////////////////////////////////////////////////
/////////////////////////////// EXCHANGE INFO ////////////////////////////////
//////////////////////////////////////////////////////////////////////////////

// RateLimitRule is a limit the exchange declares in exchangeInfo.
type RateLimitRule struct {
	Type        string `json:"rateLimitType"`
	Interval    string `json:"interval"`
	IntervalNum int    `json:"intervalNum"`
	Limit       int    `json:"limit"`
}

// Period converts the rule's interval into a duration.
func (r RateLimitRule) Period() time.Duration {
	n := r.IntervalNum
	if n <= 0 {
		n = 1
	}
	var unit time.Duration
	switch r.Interval {
	case "SECOND":
		unit = time.Second
	case "MINUTE":
		unit = time.Minute
	case "HOUR":
		unit = time.Hour
	case "DAY":
		unit = 24 * time.Hour
	}
	return time.Duration(n) * unit
}

// Window maps the rule onto a local limiter window, if one tracks it.
func (r RateLimitRule) Window() (ratelimit.WindowID, bool) {
	switch {
	case r.Type == "REQUEST_WEIGHT" && r.Period() == time.Minute:
		return ratelimit.RequestWeight, true
	case r.Type == "ORDERS" && r.Period() == 10*time.Second:
		return ratelimit.Orders10s, true
	case r.Type == "ORDERS" && r.Period() == 24*time.Hour:
		return ratelimit.Orders24h, true
	}
	return "", false
}

// ExchangeInfo holds trading rules per symbol and the declared rate limits.
type ExchangeInfo struct {
	Symbols    map[string]models.SymbolRules
	RateLimits []RateLimitRule
}

// ApplyTo lowers the limiter's capacities where the exchange is stricter
// than the configuration. It returns the windows that changed.
func (info *ExchangeInfo) ApplyTo(l *ratelimit.Limiter) []ratelimit.WindowID {
	var changed []ratelimit.WindowID
	for _, rule := range info.RateLimits {
		id, ok := rule.Window()
		if !ok || rule.Limit <= 0 {
			continue
		}
		if current := l.Capacity(id); current == 0 || rule.Limit < current {
			if err := l.SetCapacity(id, rule.Limit); err == nil {
				changed = append(changed, id)
			}
		}
	}
	return changed
}

// ExchangeInfo loads trading rules for symbols, or for every symbol when
// none are given.
func (c *Client) ExchangeInfo(ctx context.Context, symbols ...string) (*ExchangeInfo, error) {
	params := url.Values{}
	if len(symbols) == 1 {
		params.Set("symbol", symbols[0])
	} else if len(symbols) > 1 {
		params.Set("symbols", `["`+strings.Join(symbols, `","`)+`"]`)
	}
	resp, err := c.Do(ctx, EndpointExchangeInfo, params)
	if err != nil {
		return nil, err
	}

	var wire struct {
		binance.ExchangeInfo
		RateLimits []RateLimitRule `json:"rateLimits"`
	}
	if err := Decode(EndpointExchangeInfo, resp, &wire); err != nil {
		return nil, err
	}

	info := &ExchangeInfo{
		Symbols:    make(map[string]models.SymbolRules, len(wire.Symbols)),
		RateLimits: wire.RateLimits,
	}
	for _, s := range wire.Symbols {
		rules, err := symbolRules(s)
		if err != nil {
			return nil, &ProtocolError{Endpoint: EndpointExchangeInfo.Name, HTTPStatus: resp.StatusCode, Err: err}
		}
		info.Symbols[rules.Symbol] = rules
	}
	return info, nil
}

func symbolRules(s binance.Symbol) (models.SymbolRules, error) {
	rules := models.SymbolRules{
		Symbol:     s.Symbol,
		Status:     s.Status,
		BaseAsset:  s.BaseAsset,
		QuoteAsset: s.QuoteAsset,
	}
	for _, f := range s.Filters {
		filterType, _ := f["filterType"].(string)
		var err error
		switch filterType {
		case "PRICE_FILTER":
			rules.MinPrice, err = filterDecimal(f, "minPrice")
			if err == nil {
				rules.MaxPrice, err = filterDecimal(f, "maxPrice")
			}
			if err == nil {
				rules.TickSize, err = filterDecimal(f, "tickSize")
			}
		case "LOT_SIZE":
			rules.MinQty, err = filterDecimal(f, "minQty")
			if err == nil {
				rules.MaxQty, err = filterDecimal(f, "maxQty")
			}
			if err == nil {
				rules.StepSize, err = filterDecimal(f, "stepSize")
			}
		case "MIN_NOTIONAL", "NOTIONAL":
			var v decimal.Decimal
			v, err = filterDecimal(f, "minNotional")
			if err == nil && v.GreaterThan(rules.MinNotional) {
				rules.MinNotional = v
			}
		}
		if err != nil {
			return models.SymbolRules{}, fmt.Errorf("%s %s: %w", s.Symbol, filterType, err)
		}
	}
	return rules, nil
}

func filterDecimal(f map[string]interface{}, key string) (decimal.Decimal, error) {
	raw, ok := f[key]
	if !ok {
		return decimal.Zero, nil
	}
	switch v := raw.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	default:
		return decimal.Zero, fmt.Errorf("field %s has unexpected type %T", key, raw)
	}
}

//////////////////////////////////////////////////////////////////////////////
////////////////////////////// MARKET & ACCOUNT //////////////////////////////
//////////////////////////////////////////////////////////////////////////////

// Price returns the latest price of symbol.
func (c *Client) Price(ctx context.Context, symbol string) (models.Ticker, error) {
	resp, err := c.Do(ctx, EndpointPrice, url.Values{"symbol": {symbol}})
	if err != nil {
		return models.Ticker{}, err
	}
	var wire binance.SymbolPrice
	if err := Decode(EndpointPrice, resp, &wire); err != nil {
		return models.Ticker{}, err
	}
	return c.ticker(EndpointPrice, resp, wire)
}

// Prices returns the latest price of every symbol.
func (c *Client) Prices(ctx context.Context) ([]models.Ticker, error) {
	resp, err := c.Do(ctx, EndpointPrices, nil)
	if err != nil {
		return nil, err
	}
	var wire []*binance.SymbolPrice
	if err := Decode(EndpointPrices, resp, &wire); err != nil {
		return nil, err
	}
	out := make([]models.Ticker, 0, len(wire))
	for _, w := range wire {
		if w == nil {
			continue
		}
		t, err := c.ticker(EndpointPrices, resp, *w)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (c *Client) ticker(ep Endpoint, resp *Response, wire binance.SymbolPrice) (models.Ticker, error) {
	price, err := decimal.NewFromString(wire.Price)
	if err != nil || wire.Symbol == "" {
		if err == nil {
			err = errors.New("missing symbol")
		}
		return models.Ticker{}, &ProtocolError{Endpoint: ep.Name, HTTPStatus: resp.StatusCode, Body: string(resp.Body), Err: err}
	}
	return models.Ticker{Symbol: wire.Symbol, Price: price, Time: c.clock.Now()}, nil
}

// Account returns balances and trading permission.
func (c *Client) Account(ctx context.Context) (models.Account, error) {
	resp, err := c.Do(ctx, EndpointAccount, url.Values{"omitZeroBalances": {"true"}})
	if err != nil {
		return models.Account{}, err
	}
	var wire binance.Account
	if err := Decode(EndpointAccount, resp, &wire); err != nil {
		return models.Account{}, err
	}
	acct := models.Account{CanTrade: wire.CanTrade, Balances: make([]models.Balance, 0, len(wire.Balances))}
	for _, b := range wire.Balances {
		free, err1 := decimal.NewFromString(b.Free)
		locked, err2 := decimal.NewFromString(b.Locked)
		if err := errors.Join(err1, err2); err != nil {
			return models.Account{}, &ProtocolError{Endpoint: EndpointAccount.Name, HTTPStatus: resp.StatusCode, Err: fmt.Errorf("balance %s: %w", b.Asset, err)}
		}
		acct.Balances = append(acct.Balances, models.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return acct, nil
}

//////////////////////////////////////////////////////////////////////////////
////////////////////////////////// ORDERS ////////////////////////////////////
//////////////////////////////////////////////////////////////////////////////

// PlaceOrder submits req. When the outcome is ambiguous the order is looked
// up by client id; it is re-sent once, with the same client id, only if the
// exchange confirms it does not exist.
func (c *Client) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderAck, error) {
	if req.ClientOrderID == "" {
		return models.OrderAck{}, errors.New("place order: client order id is required")
	}
	ack, err := c.placeOnce(ctx, req)
	if err == nil || !errors.Is(err, ErrAmbiguous) {
		return ack, err
	}

	log := c.log.WithComponent("rest_client").WithFields(logger.Fields{
		"symbol":          req.Symbol,
		"client_order_id": req.ClientOrderID,
	})
	existing, qerr := c.QueryOrder(ctx, req.Symbol, req.ClientOrderID)
	switch {
	case qerr == nil:
		log.Info("ambiguous placement resolved: order exists")
		return existing, nil
	case IsAPIErrorCode(qerr, CodeNoSuchOrder):
		log.Warn("ambiguous placement resolved: order absent, retrying once")
		return c.placeOnce(ctx, req)
	default:
		log.WithError(qerr).Error("ambiguous placement could not be resolved")
		return models.OrderAck{}, err
	}
}

func orderParams(req models.OrderRequest) url.Values {
	params := url.Values{
		"symbol":           {req.Symbol},
		"side":             {string(req.Side)},
		"type":             {string(req.Type)},
		"quantity":         {req.Quantity.String()},
		"newClientOrderId": {req.ClientOrderID},
		"newOrderRespType": {"FULL"},
	}
	if req.Type == models.OrderTypeLimit {
		tif := req.TimeInForce
		if tif == "" {
			tif = models.TimeInForceGTC
		}
		params.Set("timeInForce", string(tif))
		params.Set("price", req.Price.String())
	}
	return params
}

func (c *Client) placeOnce(ctx context.Context, req models.OrderRequest) (models.OrderAck, error) {
	resp, err := c.Do(ctx, EndpointPlaceOrder, orderParams(req))
	if err != nil {
		return models.OrderAck{}, err
	}
	var wire binance.CreateOrderResponse
	if err := Decode(EndpointPlaceOrder, resp, &wire); err != nil {
		return models.OrderAck{}, &AmbiguousError{Endpoint: EndpointPlaceOrder.Name, Err: err}
	}
	fills := make([]models.Fill, 0, len(wire.Fills))
	for _, f := range wire.Fills {
		if f == nil {
			continue
		}
		fills = append(fills, models.Fill{
			Price:           decimalOrZero(f.Price),
			Quantity:        decimalOrZero(f.Quantity),
			Commission:      decimalOrZero(f.Commission),
			CommissionAsset: f.CommissionAsset,
		})
	}
	return models.OrderAck{
		Symbol:          wire.Symbol,
		ClientOrderID:   wire.ClientOrderID,
		OrderID:         wire.OrderID,
		Status:          wire.Status,
		Price:           decimalOrZero(wire.Price),
		OrigQty:         decimalOrZero(wire.OrigQuantity),
		ExecutedQty:     decimalOrZero(wire.ExecutedQuantity),
		CumulativeQuote: decimalOrZero(wire.CummulativeQuoteQuantity),
		Fills:           fills,
		TransactTime:    time.UnixMilli(wire.TransactTime),
	}, nil
}

// QueryOrder looks an order up by client id. A missing order fails with an
// APIError carrying CodeNoSuchOrder.
func (c *Client) QueryOrder(ctx context.Context, symbol, clientOrderID string) (models.OrderAck, error) {
	resp, err := c.Do(ctx, EndpointQueryOrder, url.Values{
		"symbol":            {symbol},
		"origClientOrderId": {clientOrderID},
	})
	if err != nil {
		return models.OrderAck{}, err
	}
	var wire binance.Order
	if err := Decode(EndpointQueryOrder, resp, &wire); err != nil {
		return models.OrderAck{}, err
	}
	return ackFromOrder(&wire), nil
}

// CancelOrder cancels an open order by client id.
func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) (models.OrderAck, error) {
	resp, err := c.Do(ctx, EndpointCancelOrder, url.Values{
		"symbol":            {symbol},
		"origClientOrderId": {clientOrderID},
	})
	if err != nil {
		return models.OrderAck{}, err
	}
	var wire binance.CancelOrderResponse
	if err := Decode(EndpointCancelOrder, resp, &wire); err != nil {
		return models.OrderAck{}, err
	}
	return models.OrderAck{
		Symbol:          wire.Symbol,
		ClientOrderID:   wire.OrigClientOrderID,
		OrderID:         wire.OrderID,
		Status:          wire.Status,
		Price:           decimalOrZero(wire.Price),
		OrigQty:         decimalOrZero(wire.OrigQuantity),
		ExecutedQty:     decimalOrZero(wire.ExecutedQuantity),
		CumulativeQuote: decimalOrZero(wire.CummulativeQuoteQuantity),
		TransactTime:    time.UnixMilli(wire.TransactTime),
	}, nil
}

// OpenOrders lists open orders on symbol, or on every symbol when empty.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]models.OrderAck, error) {
	ep, params := EndpointAllOpen, url.Values{}
	if symbol != "" {
		ep = EndpointOpenOrders
		params.Set("symbol", symbol)
	}
	resp, err := c.Do(ctx, ep, params)
	if err != nil {
		return nil, err
	}
	var wire []*binance.Order
	if err := Decode(ep, resp, &wire); err != nil {
		return nil, err
	}
	out := make([]models.OrderAck, 0, len(wire))
	for _, o := range wire {
		if o != nil {
			out = append(out, ackFromOrder(o))
		}
	}
	return out, nil
}

func ackFromOrder(o *binance.Order) models.OrderAck {
	return models.OrderAck{
		Symbol:          o.Symbol,
		ClientOrderID:   o.ClientOrderID,
		OrderID:         o.OrderID,
		Status:          o.Status,
		Price:           decimalOrZero(o.Price),
		OrigQty:         decimalOrZero(o.OrigQuantity),
		ExecutedQty:     decimalOrZero(o.ExecutedQuantity),
		CumulativeQuote: decimalOrZero(o.CummulativeQuoteQuantity),
		TransactTime:    time.UnixMilli(o.UpdateTime),
	}
}

func decimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

//////////////////////////////////////////////////////////////////////////////
//////////////////////////////// USER STREAM /////////////////////////////////
//////////////////////////////////////////////////////////////////////////////

// StartUserStream creates (or returns the existing) listen key.
func (c *Client) StartUserStream(ctx context.Context) (string, error) {
	resp, err := c.Do(ctx, EndpointStartUserStream, nil)
	if err != nil {
		return "", err
	}
	var body struct {
		ListenKey string `json:"listenKey"`
	}
	if err := Decode(EndpointStartUserStream, resp, &body); err != nil {
		return "", err
	}
	if body.ListenKey == "" {
		return "", &ProtocolError{Endpoint: EndpointStartUserStream.Name, HTTPStatus: resp.StatusCode, Body: string(resp.Body), Err: errors.New("missing listenKey")}
	}
	return body.ListenKey, nil
}

// KeepAliveUserStream extends the listen key's validity by 60 minutes.
func (c *Client) KeepAliveUserStream(ctx context.Context, listenKey string) error {
	_, err := c.Do(ctx, EndpointKeepAliveUserStream, url.Values{"listenKey": {listenKey}})
	return err
}

// CloseUserStream invalidates the listen key.
func (c *Client) CloseUserStream(ctx context.Context, listenKey string) error {
	_, err := c.Do(ctx, EndpointCloseUserStream, url.Values{"listenKey": {listenKey}})
	return err
}
