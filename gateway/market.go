package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tradegate/internal/order"
	"tradegate/internal/rest"
	"tradegate/logger"
	"tradegate/models"
)

// resolver loads prices and filters of symbols outside the configured set
// on first use.
type resolver struct{ g *Gateway }

func (r resolver) ResolvePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	t, err := r.g.GetPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return t.Price, nil
}

func (r resolver) ResolveRules(ctx context.Context, symbol string) (models.SymbolRules, error) {
	info, err := r.g.client.ExchangeInfo(ctx, symbol)
	if err != nil {
		return models.SymbolRules{}, err
	}
	r.g.rules.Load(info.Symbols)
	rules, ok := r.g.rules.Rules(symbol)
	if !ok {
		return models.SymbolRules{}, fmt.Errorf("symbol %s not listed by the exchange", symbol)
	}
	r.g.log.WithComponent("gateway").WithFields(logger.Fields{"symbol": symbol}).Info("loaded filters for unconfigured symbol")
	return rules, nil
}

func (g *Gateway) live() (*rest.Client, error) {
	if g.client == nil {
		return nil, ErrLiveOnly
	}
	return g.client, nil
}

// OrderBook returns a depth snapshot of symbol. A limit of 0 uses the
// exchange default.
func (g *Gateway) OrderBook(ctx context.Context, symbol string, limit int) (models.OrderBook, error) {
	c, err := g.live()
	if err != nil {
		return models.OrderBook{}, err
	}
	return c.OrderBook(ctx, strings.ToUpper(strings.TrimSpace(symbol)), limit)
}

// RecentTrades returns the latest public trades of symbol.
func (g *Gateway) RecentTrades(ctx context.Context, symbol string, limit int) ([]models.PublicTrade, error) {
	c, err := g.live()
	if err != nil {
		return nil, err
	}
	return c.RecentTrades(ctx, strings.ToUpper(strings.TrimSpace(symbol)), limit)
}

// Klines returns candlesticks for q.
func (g *Gateway) Klines(ctx context.Context, q rest.KlineQuery) ([]models.Kline, error) {
	c, err := g.live()
	if err != nil {
		return nil, err
	}
	q.Symbol = strings.ToUpper(strings.TrimSpace(q.Symbol))
	return c.Klines(ctx, q)
}

// Ticker24h returns rolling 24 hour statistics of symbol.
func (g *Gateway) Ticker24h(ctx context.Context, symbol string) (models.Ticker24h, error) {
	c, err := g.live()
	if err != nil {
		return models.Ticker24h{}, err
	}
	return c.Ticker24h(ctx, strings.ToUpper(strings.TrimSpace(symbol)))
}

// AllOrders returns the account's order history on symbol as the exchange
// knows it, including orders placed outside this gateway.
func (g *Gateway) AllOrders(ctx context.Context, symbol string, limit int) ([]models.OrderAck, error) {
	c, err := g.live()
	if err != nil {
		return nil, err
	}
	return c.AllOrders(ctx, strings.ToUpper(strings.TrimSpace(symbol)), limit)
}

// TestOrder runs req through every local check and the exchange's test
// endpoint without placing it. Paper mode checks against the simulated
// balances. The returned request carries the assigned client order id.
func (g *Gateway) TestOrder(ctx context.Context, req models.OrderRequest) (models.OrderRequest, error) {
	return g.engine.Test(ctx, req)
}

// TradingStats summarizes the session's orders and remaining risk budget.
func (g *Gateway) TradingStats() order.Stats {
	return g.engine.Stats()
}
