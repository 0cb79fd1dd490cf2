// Package order drives the local order lifecycle: pre-trade checks,
// submission, fill accounting and reconciliation with the exchange.
package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradegate/internal/clock"
	"tradegate/internal/metrics"
	"tradegate/internal/ratelimit"
	"tradegate/internal/rest"
	"tradegate/internal/risk"
	"tradegate/logger"
	"tradegate/models"
)

// Exchange places and inspects orders. *rest.Client and the paper exchange
// implement it.
type Exchange interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderAck, error)
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (models.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) (models.OrderAck, error)
}

// PriceSource supplies reference prices for market orders.
type PriceSource interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// RulesSource supplies exchange filters.
type RulesSource interface {
	Rules(symbol string) (models.SymbolRules, bool)
}

// Resolver fetches what the local sources lack, typically from the REST
// API. It lets orders on symbols outside the configured set be checked
// against live prices and exchange filters.
type Resolver interface {
	ResolvePrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	ResolveRules(ctx context.Context, symbol string) (models.SymbolRules, error)
}

// Journal receives every lifecycle change.
type Journal interface {
	Record(ev models.OrderEvent)
}

// Listener observes order updates. It must not block.
type Listener func(models.Order)

// Options configures an Engine.
type Options struct {
	Exchange Exchange
	Prices   PriceSource
	Rules    RulesSource
	Resolver Resolver
	Risk     *risk.Policy
	// ReserveOpen counts the unfilled remainder of other open orders on
	// the same symbol toward the position limit.
	ReserveOpen bool
	Journal     Journal
	Environment string
	Paper       bool
	IDPrefix    string
	Clock       clock.Clock
	Log         *logger.Log
}

type tracked struct {
	mu    sync.Mutex
	order models.Order
	// unresolved is set while a FAILED order may exist on the exchange.
	unresolved bool
}

// Engine is safe for concurrent use. Each order is serialized by its own
// lock, which is never held across a network call.
type Engine struct {
	opts Options
	log  *logger.Log

	mu     sync.RWMutex
	orders map[string]*tracked

	lmu       sync.RWMutex
	listeners []Listener
}

// NewEngine validates opts and builds an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Exchange == nil {
		return nil, errors.New("order: exchange is required")
	}
	if opts.Risk == nil {
		return nil, errors.New("order: risk policy is required")
	}
	if opts.IDPrefix == "" {
		opts.IDPrefix = "tg"
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Log == nil {
		opts.Log = logger.GetLogger()
	}
	return &Engine{
		opts:   opts,
		log:    opts.Log,
		orders: make(map[string]*tracked),
	}, nil
}

// OnUpdate registers a listener for every later order change.
func (e *Engine) OnUpdate(l Listener) {
	if l == nil {
		return
	}
	e.lmu.Lock()
	e.listeners = append(e.listeners, l)
	e.lmu.Unlock()
}

// NewClientOrderID returns an id within the exchange's 36 character limit.
func (e *Engine) NewClientOrderID() string {
	id := e.opts.IDPrefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > 36 {
		id = id[:36]
	}
	return id
}

// Submit validates req, checks it against the risk policy and places it.
// Validation failures never reach the exchange. The returned order is the
// local view after placement; a non-nil error is an *OrderError.
func (e *Engine) Submit(ctx context.Context, req models.OrderRequest) (models.Order, error) {
	req = e.normalize(req)

	t := &tracked{order: models.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Status:        models.StatusPendingValidation,
		Paper:         e.opts.Paper,
	}}
	t.order.Transitions = []models.Transition{{Status: models.StatusPendingValidation, At: e.opts.Clock.Now()}}

	e.mu.Lock()
	if _, dup := e.orders[req.ClientOrderID]; dup {
		e.mu.Unlock()
		return models.Order{}, &OrderError{Order: t.order, Err: fmt.Errorf("%w: %s", ErrDuplicateOrder, req.ClientOrderID)}
	}
	e.orders[req.ClientOrderID] = t
	e.mu.Unlock()
	e.publish(t.order)

	if err := e.validate(ctx, req); err != nil {
		t.mu.Lock()
		e.transitionLocked(t, models.StatusFailed, err.Error())
		out := t.order.Clone()
		t.mu.Unlock()
		logger.IncrementOrderFailed()
		return out, &OrderError{Order: out, Err: err}
	}

	t.mu.Lock()
	e.transitionLocked(t, models.StatusSubmitted, "")
	t.mu.Unlock()
	logger.IncrementOrderSubmitted()

	start := time.Now()
	ack, err := e.opts.Exchange.PlaceOrder(ctx, req)
	logger.LogPerformanceEntry(e.log.WithComponent("order_engine"), "order_engine", "place_order", time.Since(start), logger.Fields{
		"symbol":          req.Symbol,
		"client_order_id": req.ClientOrderID,
	})
	if err == nil {
		t.mu.Lock()
		e.applyAckLocked(t, ack)
		out := t.order.Clone()
		t.mu.Unlock()
		return out, nil
	}
	return e.placementFailed(ctx, t, req, err)
}

func (e *Engine) normalize(req models.OrderRequest) models.OrderRequest {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.ClientOrderID == "" {
		req.ClientOrderID = e.NewClientOrderID()
	}
	if req.Type == models.OrderTypeLimit && req.TimeInForce == "" {
		req.TimeInForce = models.TimeInForceGTC
	}
	return req
}

// validate runs the pre-trade checks. Rules and market prices missing from
// the local sources are fetched through the Resolver when one is set.
func (e *Engine) validate(ctx context.Context, req models.OrderRequest) error {
	check := risk.Check{Request: req, Price: req.Price}
	if e.opts.Rules != nil {
		if r, ok := e.opts.Rules.Rules(req.Symbol); ok {
			check.Rules = &r
		}
	}
	if check.Rules == nil && e.opts.Resolver != nil {
		r, err := e.opts.Resolver.ResolveRules(ctx, req.Symbol)
		if err != nil {
			return fmt.Errorf("load exchange filters for %s: %w", req.Symbol, err)
		}
		check.Rules = &r
	}

	if req.Type == models.OrderTypeMarket {
		var ok bool
		if e.opts.Prices != nil {
			check.Price, ok = e.opts.Prices.LastPrice(req.Symbol)
		}
		if !ok && e.opts.Resolver != nil {
			price, err := e.opts.Resolver.ResolvePrice(ctx, req.Symbol)
			if err != nil {
				return fmt.Errorf("%w for %s: %w", ErrNoReferencePrice, req.Symbol, err)
			}
			check.Price, ok = price, price.IsPositive()
		}
		if !ok {
			return fmt.Errorf("%w for %s", ErrNoReferencePrice, req.Symbol)
		}
	}

	if e.opts.ReserveOpen {
		check.Working = e.working(req.Symbol, req.ClientOrderID)
	}
	return e.opts.Risk.Evaluate(check)
}

// working sums the unfilled remainder of the open orders on symbol, buys
// positive, leaving out the order named by exclude. Orders whose placement
// is unresolved count as open.
func (e *Engine) working(symbol, exclude string) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range e.pending() {
		t.mu.Lock()
		o := t.order
		open := o.Symbol == symbol && o.ClientOrderID != exclude
		t.mu.Unlock()
		if !open {
			continue
		}
		left := o.Quantity.Sub(o.ExecutedQty)
		if !left.IsPositive() {
			continue
		}
		if o.Side == models.SideSell {
			left = left.Neg()
		}
		sum = sum.Add(left)
	}
	return sum
}

// placementFailed settles an order whose PlaceOrder call returned err.
func (e *Engine) placementFailed(ctx context.Context, t *tracked, req models.OrderRequest, err error) (models.Order, error) {
	log := e.log.WithComponent("order_engine").WithFields(logger.Fields{
		"symbol":          req.Symbol,
		"client_order_id": req.ClientOrderID,
	})

	var apiErr *rest.APIError
	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		t.mu.Lock()
		e.transitionLocked(t, models.StatusFailed, err.Error())
		out := t.order.Clone()
		t.mu.Unlock()
		logger.IncrementOrderFailed()
		log.WithError(err).Warn("order not placed, rate limited")
		return out, &OrderError{Order: out, Err: err}

	case errors.As(err, &apiErr) && !errors.Is(err, rest.ErrAmbiguous):
		t.mu.Lock()
		e.transitionLocked(t, models.StatusRejected, apiErr.Message)
		out := t.order.Clone()
		t.mu.Unlock()
		logger.IncrementOrderRejected()
		log.WithFields(logger.Fields{"code": apiErr.Code}).Warn("order rejected by exchange")
		return out, &OrderError{Order: out, Err: err}

	case errors.Is(err, rest.ErrAmbiguous):
		ack, qerr := e.opts.Exchange.QueryOrder(ctx, req.Symbol, req.ClientOrderID)
		t.mu.Lock()
		defer t.mu.Unlock()
		switch {
		case qerr == nil:
			log.Info("ambiguous placement reconciled")
			e.applyAckLocked(t, ack)
			return t.order.Clone(), nil
		case rest.IsAPIErrorCode(qerr, rest.CodeNoSuchOrder):
			e.transitionLocked(t, models.StatusFailed, err.Error())
			logger.IncrementOrderFailed()
			out := t.order.Clone()
			return out, &OrderError{Order: out, Err: err}
		default:
			amb := &AmbiguousOrderError{
				ClientOrderID: req.ClientOrderID,
				Symbol:        req.Symbol,
				Quantity:      req.Quantity,
				LastStatus:    t.order.Status,
				Err:           err,
			}
			t.unresolved = true
			e.transitionLocked(t, models.StatusFailed, amb.Error())
			logger.IncrementOrderFailed()
			log.WithError(qerr).Error("order outcome unknown, kept for reconciliation")
			out := t.order.Clone()
			return out, &OrderError{Order: out, Err: amb}
		}

	default:
		t.mu.Lock()
		e.transitionLocked(t, models.StatusFailed, err.Error())
		out := t.order.Clone()
		t.mu.Unlock()
		logger.IncrementOrderFailed()
		log.WithError(err).Warn("order placement failed")
		return out, &OrderError{Order: out, Err: err}
	}
}

// Cancel asks the exchange to cancel an open order.
func (e *Engine) Cancel(ctx context.Context, clientOrderID string) (models.Order, error) {
	t, ok := e.lookup(clientOrderID)
	if !ok {
		return models.Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, clientOrderID)
	}
	t.mu.Lock()
	symbol, status := t.order.Symbol, t.order.Status
	t.mu.Unlock()
	if status.Terminal() {
		return e.snapshot(t), fmt.Errorf("cancel %s: order already %s", clientOrderID, status)
	}

	ack, err := e.opts.Exchange.CancelOrder(ctx, symbol, clientOrderID)
	if err != nil {
		return e.snapshot(t), fmt.Errorf("cancel %s: %w", clientOrderID, err)
	}
	t.mu.Lock()
	e.applyAckLocked(t, ack)
	out := t.order.Clone()
	t.mu.Unlock()
	return out, nil
}

// Refresh polls the exchange for the order's current state.
func (e *Engine) Refresh(ctx context.Context, clientOrderID string) (models.Order, error) {
	t, ok := e.lookup(clientOrderID)
	if !ok {
		return models.Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, clientOrderID)
	}
	if err := e.refresh(ctx, t); err != nil {
		return e.snapshot(t), err
	}
	return e.snapshot(t), nil
}

func (e *Engine) refresh(ctx context.Context, t *tracked) error {
	t.mu.Lock()
	symbol, id := t.order.Symbol, t.order.ClientOrderID
	t.mu.Unlock()

	ack, err := e.opts.Exchange.QueryOrder(ctx, symbol, id)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		if t.unresolved && rest.IsAPIErrorCode(err, rest.CodeNoSuchOrder) {
			t.unresolved = false
			e.log.WithComponent("order_engine").WithFields(logger.Fields{"client_order_id": id}).Info("ambiguous order confirmed absent")
			return nil
		}
		return fmt.Errorf("refresh %s: %w", id, err)
	}
	e.applyAckLocked(t, ack)
	return nil
}

// Reconcile refreshes every open or unresolved order and returns the
// first error met. It keeps going after errors.
func (e *Engine) Reconcile(ctx context.Context) error {
	var first error
	for _, t := range e.pending() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.refresh(ctx, t); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Unresolved lists FAILED orders whose placement outcome is still unknown.
func (e *Engine) Unresolved() []models.Order {
	var out []models.Order
	for _, t := range e.pending() {
		t.mu.Lock()
		if t.unresolved {
			out = append(out, t.order.Clone())
		}
		t.mu.Unlock()
	}
	return out
}

func (e *Engine) pending() []*tracked {
	e.mu.RLock()
	all := make([]*tracked, 0, len(e.orders))
	for _, t := range e.orders {
		all = append(all, t)
	}
	e.mu.RUnlock()

	var out []*tracked
	for _, t := range all {
		t.mu.Lock()
		open := t.unresolved || (t.order.Status != models.StatusPendingValidation && !t.order.Status.Terminal())
		t.mu.Unlock()
		if open {
			out = append(out, t)
		}
	}
	return out
}

// ApplyExecution merges a user data executionReport. Reports for unknown
// orders are ignored.
func (e *Engine) ApplyExecution(r models.ExecutionReport) bool {
	t, ok := e.lookup(r.OrderKey())
	if !ok {
		e.log.WithComponent("order_engine").WithFields(logger.Fields{
			"client_order_id": r.OrderKey(),
			"symbol":          r.Symbol,
		}).Debug("execution report for unknown order")
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.order.ExchangeOrderID == 0 {
		t.order.ExchangeOrderID = r.OrderID
	}
	if r.CumulativeQty.GreaterThan(t.order.ExecutedQty) {
		fill := models.Fill{
			Price:           r.LastPrice,
			Quantity:        r.CumulativeQty.Sub(t.order.ExecutedQty),
			Commission:      r.Commission,
			CommissionAsset: r.CommissionAsset,
		}
		t.order.Fills = append(t.order.Fills, fill)
		t.order.ExecutedQty = r.CumulativeQty
		t.order.CumulativeQuote = r.CumulativeQuote
		e.bookLocked(t, fill.Quantity, fill.Price)
	}
	if next, ok := models.StatusFromExchange(r.Status); ok {
		reason := ""
		if next == models.StatusRejected {
			reason = r.RejectReason
		}
		e.advanceLocked(t, next, reason)
	}
	return true
}

// Order returns the local view of an order.
func (e *Engine) Order(clientOrderID string) (models.Order, bool) {
	t, ok := e.lookup(clientOrderID)
	if !ok {
		return models.Order{}, false
	}
	return e.snapshot(t), true
}

// Orders lists every tracked order by client id.
func (e *Engine) Orders() []models.Order {
	e.mu.RLock()
	all := make([]*tracked, 0, len(e.orders))
	for _, t := range e.orders {
		all = append(all, t)
	}
	e.mu.RUnlock()
	out := make([]models.Order, 0, len(all))
	for _, t := range all {
		out = append(out, e.snapshot(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientOrderID < out[j].ClientOrderID })
	return out
}

func (e *Engine) lookup(id string) (*tracked, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.orders[id]
	return t, ok
}

func (e *Engine) snapshot(t *tracked) models.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Clone()
}

// applyAckLocked merges an exchange view of the order.
func (e *Engine) applyAckLocked(t *tracked, ack models.OrderAck) {
	if ack.OrderID != 0 {
		t.order.ExchangeOrderID = ack.OrderID
	}
	if ack.ExecutedQty.GreaterThan(t.order.ExecutedQty) {
		delta := ack.ExecutedQty.Sub(t.order.ExecutedQty)
		quote := ack.CumulativeQuote.Sub(t.order.CumulativeQuote)
		if t.order.ExecutedQty.IsZero() && len(ack.Fills) > 0 {
			t.order.Fills = append(t.order.Fills, ack.Fills...)
		} else {
			price := decimal.Zero
			if quote.IsPositive() {
				price = quote.Div(delta)
			}
			t.order.Fills = append(t.order.Fills, models.Fill{Price: price, Quantity: delta})
		}
		price := ack.Price
		if quote.IsPositive() {
			price = quote.Div(delta)
		}
		t.order.ExecutedQty = ack.ExecutedQty
		if ack.CumulativeQuote.GreaterThan(t.order.CumulativeQuote) {
			t.order.CumulativeQuote = ack.CumulativeQuote
		}
		e.bookLocked(t, delta, price)
	}
	if next, ok := models.StatusFromExchange(ack.Status); ok {
		e.advanceLocked(t, next, "")
	}
}

// bookLocked records newly executed quantity into the risk policy once.
func (e *Engine) bookLocked(t *tracked, qty, price decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	e.opts.Risk.RecordFill(t.order.Symbol, t.order.Side, qty, price)
}

// advanceLocked moves the order forward. An unresolved FAILED order is
// corrected to whatever the exchange reports.
func (e *Engine) advanceLocked(t *tracked, next models.OrderStatus, reason string) {
	cur := t.order.Status
	if t.unresolved && cur == models.StatusFailed {
		t.unresolved = false
		if next == models.StatusFailed {
			return
		}
		e.log.WithComponent("order_engine").WithFields(logger.Fields{
			"client_order_id": t.order.ClientOrderID,
			"status":          next.String(),
		}).Warn("ambiguous order found on exchange")
		e.recordLocked(t, next, "reconciled")
		return
	}
	if cur == next || !cur.CanAdvanceTo(next) {
		if cur == models.StatusPartiallyFilled && next == models.StatusPartiallyFilled {
			e.publish(t.order)
		}
		return
	}
	e.recordLocked(t, next, reason)
}

// transitionLocked is advanceLocked for locally decided transitions.
func (e *Engine) transitionLocked(t *tracked, next models.OrderStatus, reason string) {
	if !t.order.Status.CanAdvanceTo(next) {
		return
	}
	e.recordLocked(t, next, reason)
}

func (e *Engine) recordLocked(t *tracked, next models.OrderStatus, reason string) {
	prev := t.order.Status
	now := e.opts.Clock.Now()
	t.order.Status = next
	if reason != "" {
		t.order.Reason = reason
	}
	t.order.Transitions = append(t.order.Transitions, models.Transition{Status: next, At: now})

	logger.LogOrderFlowEntry(e.log.WithComponent("order_engine"), t.order.ClientOrderID, t.order.Symbol, prev.String(), next.String(), reason)
	metrics.IncrementOrderStatus(next.String())
	e.publish(t.order)
}

func (e *Engine) publish(o models.Order) {
	if e.opts.Journal != nil {
		e.opts.Journal.Record(models.EventFor(o, e.opts.Environment, e.opts.Clock.Now()))
	}
	e.lmu.RLock()
	listeners := e.listeners
	e.lmu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	snap := o.Clone()
	for _, l := range listeners {
		l(snap)
	}
}
