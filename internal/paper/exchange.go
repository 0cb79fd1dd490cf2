// Package paper simulates the exchange in memory. Orders fill against the
// locally known last price; nothing is signed, rate limited or sent.
package paper

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"tradegate/internal/clock"
	"tradegate/internal/market"
	"tradegate/internal/rest"
	"tradegate/logger"
	"tradegate/models"
)

const (
	msgInsufficient = "Account has insufficient balance for requested action."
	msgNoPrice      = "No price available for symbol."
	msgDuplicate    = "Duplicate order sent."
	msgUnknownOrder = "Unknown order sent."
	msgNoSuchOrder  = "Order does not exist."
)

var defaultQuoteAssets = []string{"USDT", "FDUSD", "USDC", "TUSD", "BUSD", "BTC", "ETH", "BNB"}

// ExecutionListener receives simulated user data pushes.
type ExecutionListener func(models.ExecutionReport)

// Options configures an Exchange.
type Options struct {
	Balances    map[string]decimal.Decimal
	Prices      *market.PriceBook
	QuoteAssets []string
	Clock       clock.Clock
	Log         *logger.Log
}

type paperOrder struct {
	ack  models.OrderAck
	side models.Side
	typ  models.OrderType
	base string
	qte  string
}

// Exchange is safe for concurrent use.
type Exchange struct {
	prices *market.PriceBook
	quotes []string
	clock  clock.Clock
	log    *logger.Log

	mu        sync.Mutex
	balances  map[string]*models.Balance
	orders    map[string]*paperOrder
	nextID    int64
	listeners []ExecutionListener
}

// New builds an Exchange funded with opts.Balances.
func New(opts Options) *Exchange {
	if opts.Prices == nil {
		opts.Prices = market.NewPriceBook()
	}
	if len(opts.QuoteAssets) == 0 {
		opts.QuoteAssets = defaultQuoteAssets
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Log == nil {
		opts.Log = logger.GetLogger()
	}
	quotes := append([]string(nil), opts.QuoteAssets...)
	// Longest suffix first.
	sort.SliceStable(quotes, func(i, j int) bool { return len(quotes[i]) > len(quotes[j]) })

	e := &Exchange{
		prices:   opts.Prices,
		quotes:   quotes,
		clock:    opts.Clock,
		log:      opts.Log,
		balances: make(map[string]*models.Balance),
		orders:   make(map[string]*paperOrder),
	}
	for asset, amount := range opts.Balances {
		asset = strings.ToUpper(asset)
		e.balances[asset] = &models.Balance{Asset: asset, Free: amount}
	}
	return e
}

// OnExecution registers a listener for simulated execution reports.
func (e *Exchange) OnExecution(l ExecutionListener) {
	if l == nil {
		return
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

// Prices exposes the book orders are filled against.
func (e *Exchange) Prices() *market.PriceBook { return e.prices }

// Price returns the last known price of symbol.
func (e *Exchange) Price(_ context.Context, symbol string) (models.Ticker, error) {
	t, ok := e.prices.Ticker(symbol)
	if !ok {
		return models.Ticker{}, &rest.APIError{HTTPStatus: 400, Code: -1121, Message: "Invalid symbol."}
	}
	return t, nil
}

// Account returns the simulated balances.
func (e *Exchange) Account(context.Context) (models.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	acct := models.Account{CanTrade: true, Paper: true}
	for _, b := range e.balances {
		if b.Total().IsZero() {
			continue
		}
		acct.Balances = append(acct.Balances, *b)
	}
	sort.Slice(acct.Balances, func(i, j int) bool { return acct.Balances[i].Asset < acct.Balances[j].Asset })
	return acct, nil
}

// PlaceOrder fills market and marketable limit orders at the last price and
// rests the others until UpdatePrice crosses them.
func (e *Exchange) PlaceOrder(_ context.Context, req models.OrderRequest) (models.OrderAck, error) {
	if err := req.Validate(); err != nil {
		return models.OrderAck{}, &rest.APIError{HTTPStatus: 400, Code: -1013, Message: err.Error()}
	}
	base, quote, ok := e.split(req.Symbol)
	if !ok {
		return models.OrderAck{}, &rest.APIError{HTTPStatus: 400, Code: -1121, Message: "Invalid symbol."}
	}
	last, hasPrice := e.prices.LastPrice(req.Symbol)

	e.mu.Lock()
	if _, dup := e.orders[req.ClientOrderID]; dup {
		e.mu.Unlock()
		return models.OrderAck{}, reject(msgDuplicate)
	}

	var fillPrice decimal.Decimal
	resting := false
	switch req.Type {
	case models.OrderTypeMarket:
		if !hasPrice {
			e.mu.Unlock()
			return models.OrderAck{}, reject(msgNoPrice)
		}
		fillPrice = last
	default:
		marketable := hasPrice && ((req.Side == models.SideBuy && req.Price.GreaterThanOrEqual(last)) ||
			(req.Side == models.SideSell && req.Price.LessThanOrEqual(last)))
		if marketable {
			fillPrice = last
		} else {
			resting = true
		}
	}

	// Funds are reserved at the limit price for resting orders.
	reservePrice := fillPrice
	if resting {
		reservePrice = req.Price
	}
	if err := e.reserveLocked(req.Side, base, quote, req.Quantity, reservePrice); err != nil {
		e.mu.Unlock()
		return models.OrderAck{}, err
	}

	e.nextID++
	po := &paperOrder{
		side: req.Side,
		typ:  req.Type,
		base: base,
		qte:  quote,
		ack: models.OrderAck{
			Symbol:        req.Symbol,
			ClientOrderID: req.ClientOrderID,
			OrderID:       e.nextID,
			Status:        binance.OrderStatusTypeNew,
			Price:         req.Price,
			OrigQty:       req.Quantity,
			TransactTime:  e.clock.Now(),
		},
	}
	e.orders[req.ClientOrderID] = po

	var report models.ExecutionReport
	if !resting {
		e.fillLocked(po, reservePrice, fillPrice)
		report = e.reportLocked(po, "TRADE", po.ack.ExecutedQty, fillPrice)
	} else {
		report = e.reportLocked(po, "NEW", decimal.Zero, decimal.Zero)
	}
	ack := po.ack
	listeners := e.listeners
	e.mu.Unlock()

	e.log.WithComponent("paper_exchange").WithFields(logger.Fields{
		"symbol":          req.Symbol,
		"client_order_id": req.ClientOrderID,
		"side":            string(req.Side),
		"type":            string(req.Type),
		"quantity":        req.Quantity.String(),
		"price":           fillPrice.String(),
		"status":          string(ack.Status),
	}).Info("paper order placed")
	notify(listeners, report)
	return ack, nil
}

// TestOrder runs the admission checks of PlaceOrder without booking the
// order or reserving funds.
func (e *Exchange) TestOrder(_ context.Context, req models.OrderRequest) error {
	if err := req.Validate(); err != nil {
		return &rest.APIError{HTTPStatus: 400, Code: -1013, Message: err.Error()}
	}
	base, quote, ok := e.split(req.Symbol)
	if !ok {
		return &rest.APIError{HTTPStatus: 400, Code: -1121, Message: "Invalid symbol."}
	}
	price := req.Price
	if req.Type == models.OrderTypeMarket {
		last, hasPrice := e.prices.LastPrice(req.Symbol)
		if !hasPrice {
			return reject(msgNoPrice)
		}
		price = last
	}
	asset, amount := base, req.Quantity
	if req.Side == models.SideBuy {
		asset, amount = quote, req.Quantity.Mul(price)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.orders[req.ClientOrderID]; dup {
		return reject(msgDuplicate)
	}
	if b, ok := e.balances[asset]; !ok || b.Free.LessThan(amount) {
		return reject(msgInsufficient)
	}
	return nil
}

// QueryOrder returns the simulated order.
func (e *Exchange) QueryOrder(_ context.Context, _ string, clientOrderID string) (models.OrderAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	po, ok := e.orders[clientOrderID]
	if !ok {
		return models.OrderAck{}, &rest.APIError{HTTPStatus: 400, Code: rest.CodeNoSuchOrder, Message: msgNoSuchOrder}
	}
	return po.ack, nil
}

// CancelOrder cancels a resting order and releases its reserved funds.
func (e *Exchange) CancelOrder(_ context.Context, _ string, clientOrderID string) (models.OrderAck, error) {
	e.mu.Lock()
	po, ok := e.orders[clientOrderID]
	if !ok || po.ack.Status != binance.OrderStatusTypeNew {
		e.mu.Unlock()
		return models.OrderAck{}, &rest.APIError{HTTPStatus: 400, Code: rest.CodeCancelRejected, Message: msgUnknownOrder}
	}
	e.releaseLocked(po, po.ack.Price)
	po.ack.Status = binance.OrderStatusTypeCanceled
	po.ack.TransactTime = e.clock.Now()
	report := e.reportLocked(po, "CANCELED", decimal.Zero, decimal.Zero)
	ack := po.ack
	listeners := e.listeners
	e.mu.Unlock()

	notify(listeners, report)
	return ack, nil
}

// OpenOrders lists resting orders, on symbol when it is not empty.
func (e *Exchange) OpenOrders(_ context.Context, symbol string) ([]models.OrderAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.OrderAck
	for _, po := range e.orders {
		if po.ack.Status == binance.OrderStatusTypeNew && (symbol == "" || po.ack.Symbol == symbol) {
			out = append(out, po.ack)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// UpdatePrice records a new last price and fills every resting order it
// crosses, at the order's limit price.
func (e *Exchange) UpdatePrice(symbol string, price decimal.Decimal) {
	symbol = strings.ToUpper(symbol)
	if !e.prices.Update(models.Ticker{Symbol: symbol, Price: price, Time: e.clock.Now()}) {
		return
	}

	e.mu.Lock()
	var crossed []*paperOrder
	for _, po := range e.orders {
		if po.ack.Symbol != symbol || po.ack.Status != binance.OrderStatusTypeNew {
			continue
		}
		if (po.side == models.SideBuy && price.LessThanOrEqual(po.ack.Price)) ||
			(po.side == models.SideSell && price.GreaterThanOrEqual(po.ack.Price)) {
			crossed = append(crossed, po)
		}
	}
	sort.Slice(crossed, func(i, j int) bool { return crossed[i].ack.OrderID < crossed[j].ack.OrderID })
	reports := make([]models.ExecutionReport, 0, len(crossed))
	for _, po := range crossed {
		e.fillLocked(po, po.ack.Price, po.ack.Price)
		reports = append(reports, e.reportLocked(po, "TRADE", po.ack.ExecutedQty, po.ack.Price))
	}
	listeners := e.listeners
	e.mu.Unlock()

	for _, r := range reports {
		e.log.WithComponent("paper_exchange").WithFields(logger.Fields{
			"symbol":          r.Symbol,
			"client_order_id": r.ClientOrderID,
			"price":           r.LastPrice.String(),
		}).Info("paper limit order filled")
		notify(listeners, r)
	}
}

// split maps BTCUSDT onto BTC and USDT.
func (e *Exchange) split(symbol string) (string, string, bool) {
	for _, q := range e.quotes {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return symbol[:len(symbol)-len(q)], q, true
		}
	}
	return "", "", false
}

func (e *Exchange) balanceLocked(asset string) *models.Balance {
	b, ok := e.balances[asset]
	if !ok {
		b = &models.Balance{Asset: asset}
		e.balances[asset] = b
	}
	return b
}

// reserveLocked moves the funds an order needs from free to locked.
func (e *Exchange) reserveLocked(side models.Side, base, quote string, qty, price decimal.Decimal) error {
	asset, amount := base, qty
	if side == models.SideBuy {
		asset, amount = quote, qty.Mul(price)
	}
	b := e.balanceLocked(asset)
	if b.Free.LessThan(amount) {
		return reject(msgInsufficient)
	}
	b.Free = b.Free.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return nil
}

func (e *Exchange) releaseLocked(po *paperOrder, reservePrice decimal.Decimal) {
	asset, amount := po.base, po.ack.OrigQty
	if po.side == models.SideBuy {
		asset, amount = po.qte, po.ack.OrigQty.Mul(reservePrice)
	}
	b := e.balanceLocked(asset)
	b.Locked = b.Locked.Sub(amount)
	b.Free = b.Free.Add(amount)
}

// fillLocked settles the whole order at price against funds reserved at
// reservePrice.
func (e *Exchange) fillLocked(po *paperOrder, reservePrice, price decimal.Decimal) {
	qty := po.ack.OrigQty
	notional := qty.Mul(price)
	baseBal, quoteBal := e.balanceLocked(po.base), e.balanceLocked(po.qte)
	if po.side == models.SideBuy {
		reserved := qty.Mul(reservePrice)
		quoteBal.Locked = quoteBal.Locked.Sub(reserved)
		quoteBal.Free = quoteBal.Free.Add(reserved.Sub(notional))
		baseBal.Free = baseBal.Free.Add(qty)
	} else {
		baseBal.Locked = baseBal.Locked.Sub(qty)
		quoteBal.Free = quoteBal.Free.Add(notional)
	}
	po.ack.Status = binance.OrderStatusTypeFilled
	po.ack.ExecutedQty = qty
	po.ack.CumulativeQuote = notional
	po.ack.Fills = []models.Fill{{Price: price, Quantity: qty, CommissionAsset: po.base}}
	po.ack.TransactTime = e.clock.Now()
}

func (e *Exchange) reportLocked(po *paperOrder, execType string, lastQty, lastPrice decimal.Decimal) models.ExecutionReport {
	return models.ExecutionReport{
		Symbol:          po.ack.Symbol,
		ClientOrderID:   po.ack.ClientOrderID,
		Side:            po.side,
		Type:            po.typ,
		ExecutionType:   execType,
		Status:          po.ack.Status,
		OrderID:         po.ack.OrderID,
		LastQty:         lastQty,
		LastPrice:       lastPrice,
		CumulativeQty:   po.ack.ExecutedQty,
		CumulativeQuote: po.ack.CumulativeQuote,
		TransactTime:    po.ack.TransactTime,
	}
}

func notify(listeners []ExecutionListener, r models.ExecutionReport) {
	for _, l := range listeners {
		l(r)
	}
}

func reject(msg string) error {
	return &rest.APIError{HTTPStatus: 400, Code: rest.CodeNewOrderRejected, Message: msg}
}
