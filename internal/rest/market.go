package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"tradegate/models"
)

// TestOrder sends req to the order test endpoint. The exchange validates it
// like a real order, including signature and filters, but never books it.
func (c *Client) TestOrder(ctx context.Context, req models.OrderRequest) error {
	if req.ClientOrderID == "" {
		return errors.New("test order: client order id is required")
	}
	_, err := c.Do(ctx, EndpointTestOrder, orderParams(req))
	return err
}

// depthWeight follows the exchange's tiered weight for the depth endpoint.
func depthWeight(limit int) int {
	switch {
	case limit <= 100:
		return 5
	case limit <= 500:
		return 25
	case limit <= 1000:
		return 50
	default:
		return 250
	}
}

// OrderBook returns the top limit levels of symbol. A limit of 0 asks for
// the exchange default of 100.
func (c *Client) OrderBook(ctx context.Context, symbol string, limit int) (models.OrderBook, error) {
	if limit <= 0 {
		limit = 100
	}
	ep := EndpointDepth
	ep.Weight = depthWeight(limit)
	resp, err := c.Do(ctx, ep, url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(limit)}})
	if err != nil {
		return models.OrderBook{}, err
	}
	var wire struct {
		LastUpdateID int64       `json:"lastUpdateId"`
		Bids         [][2]string `json:"bids"`
		Asks         [][2]string `json:"asks"`
	}
	if err := Decode(ep, resp, &wire); err != nil {
		return models.OrderBook{}, err
	}
	book := models.OrderBook{Symbol: symbol, LastUpdateID: wire.LastUpdateID}
	if book.Bids, err = priceLevels(wire.Bids); err == nil {
		book.Asks, err = priceLevels(wire.Asks)
	}
	if err != nil {
		return models.OrderBook{}, &ProtocolError{Endpoint: ep.Name, HTTPStatus: resp.StatusCode, Err: err}
	}
	return book, nil
}

func priceLevels(raw [][2]string) ([]models.PriceLevel, error) {
	out := make([]models.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		price, err := decimal.NewFromString(lvl[0])
		if err != nil {
			return nil, fmt.Errorf("price level %q: %w", lvl[0], err)
		}
		qty, err := decimal.NewFromString(lvl[1])
		if err != nil {
			return nil, fmt.Errorf("price level quantity %q: %w", lvl[1], err)
		}
		out = append(out, models.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

// RecentTrades returns up to limit of the latest public trades on symbol.
func (c *Client) RecentTrades(ctx context.Context, symbol string, limit int) ([]models.PublicTrade, error) {
	params := url.Values{"symbol": {symbol}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	resp, err := c.Do(ctx, EndpointRecentTrades, params)
	if err != nil {
		return nil, err
	}
	var wire []binance.Trade
	if err := Decode(EndpointRecentTrades, resp, &wire); err != nil {
		return nil, err
	}
	out := make([]models.PublicTrade, 0, len(wire))
	for _, t := range wire {
		out = append(out, models.PublicTrade{
			ID:           t.ID,
			Price:        decimalOrZero(t.Price),
			Quantity:     decimalOrZero(t.Quantity),
			QuoteQty:     decimalOrZero(t.QuoteQuantity),
			Time:         time.UnixMilli(t.Time),
			IsBuyerMaker: t.IsBuyerMaker,
		})
	}
	return out, nil
}

// KlineQuery selects candlesticks. Zero times and limit are omitted.
type KlineQuery struct {
	Symbol   string
	Interval string
	Start    time.Time
	End      time.Time
	Limit    int
}

// Klines returns candlesticks oldest first.
func (c *Client) Klines(ctx context.Context, q KlineQuery) ([]models.Kline, error) {
	if q.Symbol == "" || q.Interval == "" {
		return nil, errors.New("klines: symbol and interval are required")
	}
	params := url.Values{"symbol": {q.Symbol}, "interval": {q.Interval}}
	if !q.Start.IsZero() {
		params.Set("startTime", strconv.FormatInt(q.Start.UnixMilli(), 10))
	}
	if !q.End.IsZero() {
		params.Set("endTime", strconv.FormatInt(q.End.UnixMilli(), 10))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	resp, err := c.Do(ctx, EndpointKlines, params)
	if err != nil {
		return nil, err
	}
	var wire [][]json.RawMessage
	if err := Decode(EndpointKlines, resp, &wire); err != nil {
		return nil, err
	}
	out := make([]models.Kline, 0, len(wire))
	for i, row := range wire {
		k, err := klineFromRow(row)
		if err != nil {
			return nil, &ProtocolError{Endpoint: EndpointKlines.Name, HTTPStatus: resp.StatusCode, Err: fmt.Errorf("kline %d: %w", i, err)}
		}
		out = append(out, k)
	}
	return out, nil
}

// klineFromRow decodes [openTime, open, high, low, close, volume,
// closeTime, quoteVolume, trades, ...].
func klineFromRow(row []json.RawMessage) (models.Kline, error) {
	if len(row) < 9 {
		return models.Kline{}, fmt.Errorf("expected at least 9 fields, got %d", len(row))
	}
	var (
		openTime, closeTime, trades             int64
		open, high, low, closePx, volume, quote string
	)
	targets := []interface{}{&openTime, &open, &high, &low, &closePx, &volume, &closeTime, &quote, &trades}
	for i, dst := range targets {
		if err := json.Unmarshal(row[i], dst); err != nil {
			return models.Kline{}, fmt.Errorf("field %d: %w", i, err)
		}
	}
	k := models.Kline{
		OpenTime:  time.UnixMilli(openTime),
		CloseTime: time.UnixMilli(closeTime),
		Trades:    trades,
	}
	for _, f := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{open, &k.Open}, {high, &k.High}, {low, &k.Low}, {closePx, &k.Close},
		{volume, &k.Volume}, {quote, &k.QuoteVolume},
	} {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return models.Kline{}, err
		}
		*f.dst = v
	}
	return k, nil
}

// Ticker24h returns the rolling 24 hour statistics of symbol.
func (c *Client) Ticker24h(ctx context.Context, symbol string) (models.Ticker24h, error) {
	resp, err := c.Do(ctx, EndpointTicker24h, url.Values{"symbol": {symbol}})
	if err != nil {
		return models.Ticker24h{}, err
	}
	var w binance.PriceChangeStats
	if err := Decode(EndpointTicker24h, resp, &w); err != nil {
		return models.Ticker24h{}, err
	}
	if w.Symbol == "" {
		return models.Ticker24h{}, &ProtocolError{Endpoint: EndpointTicker24h.Name, HTTPStatus: resp.StatusCode, Body: string(resp.Body), Err: errors.New("missing symbol")}
	}
	return models.Ticker24h{
		Symbol:             w.Symbol,
		PriceChange:        decimalOrZero(w.PriceChange),
		PriceChangePercent: decimalOrZero(w.PriceChangePercent),
		WeightedAvgPrice:   decimalOrZero(w.WeightedAvgPrice),
		LastPrice:          decimalOrZero(w.LastPrice),
		OpenPrice:          decimalOrZero(w.OpenPrice),
		HighPrice:          decimalOrZero(w.HighPrice),
		LowPrice:           decimalOrZero(w.LowPrice),
		Volume:             decimalOrZero(w.Volume),
		QuoteVolume:        decimalOrZero(w.QuoteVolume),
		OpenTime:           time.UnixMilli(w.OpenTime),
		CloseTime:          time.UnixMilli(w.CloseTime),
		Count:              w.Count,
	}, nil
}

// AllOrders returns the account's order history on symbol, newest last.
func (c *Client) AllOrders(ctx context.Context, symbol string, limit int) ([]models.OrderAck, error) {
	params := url.Values{"symbol": {symbol}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	resp, err := c.Do(ctx, EndpointAllOrders, params)
	if err != nil {
		return nil, err
	}
	var wire []*binance.Order
	if err := Decode(EndpointAllOrders, resp, &wire); err != nil {
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
