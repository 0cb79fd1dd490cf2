// Package risk holds the pre-trade limits and the position book they are
// checked against.
package risk

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/config"
	"tradegate/internal/clock"
	"tradegate/models"
)

// ErrRiskLimitExceeded is wrapped by every *LimitError.
var ErrRiskLimitExceeded = errors.New("risk limit exceeded")

// Limit names the rule an order violated.
type Limit string

const (
	LimitInvalidOrder Limit = "invalid_order"
	LimitSymbolFilter Limit = "symbol_filter"
	LimitMinNotional  Limit = "exchange_min_notional"
	LimitMinOrder     Limit = "min_order_usd"
	LimitMaxPosition  Limit = "max_position_usd"
	LimitDailyLoss    Limit = "max_daily_loss_usd"
	LimitMaxOrder     Limit = "max_order_usd"
	LimitDailyVolume  Limit = "max_daily_volume_usd"
)

// LimitError describes a rejected order. Value and Threshold are zero for
// shape and filter violations.
type LimitError struct {
	Limit     Limit
	Symbol    string
	Value     decimal.Decimal
	Threshold decimal.Decimal
	Reason    string
}

func (e *LimitError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("risk limit %s on %s: %s", e.Limit, e.Symbol, e.Reason)
	}
	return fmt.Sprintf("risk limit %s on %s: %s exceeds threshold %s", e.Limit, e.Symbol, e.Value, e.Threshold)
}

func (e *LimitError) Unwrap() error { return ErrRiskLimitExceeded }

// Limits are fixed for the lifetime of a Policy. Zero disables a limit.
type Limits struct {
	MaxPositionUSD    decimal.Decimal
	MaxDailyLossUSD   decimal.Decimal
	MinOrderUSD       decimal.Decimal
	MaxOrderUSD       decimal.Decimal
	MaxDailyVolumeUSD decimal.Decimal
}

// LimitsFromConfig converts the configured float limits. An unset maximum
// order size is half the maximum position.
func LimitsFromConfig(cfg config.RiskConfig) Limits {
	l := Limits{
		MaxPositionUSD:    decimal.NewFromFloat(cfg.MaxPositionUSD),
		MaxDailyLossUSD:   decimal.NewFromFloat(cfg.MaxDailyLossUSD),
		MinOrderUSD:       decimal.NewFromFloat(cfg.MinOrderUSD),
		MaxOrderUSD:       decimal.NewFromFloat(cfg.MaxOrderUSD),
		MaxDailyVolumeUSD: decimal.NewFromFloat(cfg.MaxDailyVolumeUSD),
	}
	if !l.MaxOrderUSD.IsPositive() {
		l.MaxOrderUSD = l.MaxPositionUSD.Div(decimal.NewFromInt(2))
	}
	return l
}

// Position is the net holding of one symbol at average cost.
type Position struct {
	Symbol   string
	Quantity decimal.Decimal
	AvgCost  decimal.Decimal
}

// Notional values the position at price.
func (p Position) Notional(price decimal.Decimal) decimal.Decimal {
	return p.Quantity.Abs().Mul(price)
}

// Check is the input of one pre-trade evaluation.
type Check struct {
	Request models.OrderRequest
	// Price is the limit price, or the reference price for market orders.
	Price decimal.Decimal
	// Rules may be nil when exchange filters are unknown.
	Rules *models.SymbolRules
	// Working is the signed unfilled quantity of other open orders on the
	// symbol, buys positive. It counts toward the projected position.
	Working decimal.Decimal
}

// Policy is safe for concurrent use.
type Policy struct {
	limits Limits
	clock  clock.Clock

	mu          sync.Mutex
	positions   map[string]*Position
	dailyPnL    decimal.Decimal
	dailyVolume decimal.Decimal
	day         time.Time
}

// NewPolicy builds a Policy with an empty book.
func NewPolicy(limits Limits, clk clock.Clock) *Policy {
	if clk == nil {
		clk = clock.Real()
	}
	return &Policy{
		limits:    limits,
		clock:     clk,
		positions: make(map[string]*Position),
		day:       utcDay(clk.Now()),
	}
}

// Limits returns the configured limits.
func (p *Policy) Limits() Limits { return p.limits }

// Evaluate runs every pre-trade rule and returns the first violation as a
// *LimitError, or nil.
func (p *Policy) Evaluate(c Check) error {
	req := c.Request
	if err := req.Validate(); err != nil {
		return &LimitError{Limit: LimitInvalidOrder, Symbol: req.Symbol, Reason: err.Error()}
	}
	if !c.Price.IsPositive() {
		return &LimitError{Limit: LimitInvalidOrder, Symbol: req.Symbol, Reason: "no positive reference price"}
	}

	notional := req.Quantity.Mul(c.Price)
	if r := c.Rules; r != nil {
		if err := r.CheckQuantity(req.Quantity); err != nil {
			return &LimitError{Limit: LimitSymbolFilter, Symbol: req.Symbol, Reason: err.Error()}
		}
		if req.Type == models.OrderTypeLimit {
			if err := r.CheckPrice(req.Price); err != nil {
				return &LimitError{Limit: LimitSymbolFilter, Symbol: req.Symbol, Reason: err.Error()}
			}
		}
		if r.MinNotional.IsPositive() && notional.LessThan(r.MinNotional) {
			return &LimitError{Limit: LimitMinNotional, Symbol: req.Symbol, Value: notional, Threshold: r.MinNotional,
				Reason: fmt.Sprintf("notional %s below exchange minimum %s", notional, r.MinNotional)}
		}
	}

	if p.limits.MinOrderUSD.IsPositive() && notional.LessThan(p.limits.MinOrderUSD) {
		return &LimitError{Limit: LimitMinOrder, Symbol: req.Symbol, Value: notional, Threshold: p.limits.MinOrderUSD,
			Reason: fmt.Sprintf("notional %s below minimum order size %s", notional, p.limits.MinOrderUSD)}
	}
	if p.limits.MaxOrderUSD.IsPositive() && notional.GreaterThan(p.limits.MaxOrderUSD) {
		return &LimitError{Limit: LimitMaxOrder, Symbol: req.Symbol, Value: notional, Threshold: p.limits.MaxOrderUSD}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollLocked()

	pos := p.positionLocked(req.Symbol)
	current := pos.Quantity.Add(c.Working)
	projected := current
	if req.Side == models.SideBuy {
		projected = projected.Add(req.Quantity)
	} else {
		projected = projected.Sub(req.Quantity)
	}
	exposure := projected.Abs().Mul(c.Price)
	if p.limits.MaxPositionUSD.IsPositive() && exposure.GreaterThan(p.limits.MaxPositionUSD) &&
		exposure.GreaterThan(current.Abs().Mul(c.Price)) {
		return &LimitError{Limit: LimitMaxPosition, Symbol: req.Symbol, Value: exposure, Threshold: p.limits.MaxPositionUSD}
	}

	if p.limits.MaxDailyVolumeUSD.IsPositive() {
		if volume := p.dailyVolume.Add(notional); volume.GreaterThan(p.limits.MaxDailyVolumeUSD) {
			return &LimitError{Limit: LimitDailyVolume, Symbol: req.Symbol, Value: volume, Threshold: p.limits.MaxDailyVolumeUSD}
		}
	}

	if req.Side == models.SideSell && p.limits.MaxDailyLossUSD.IsPositive() {
		loss := realizedLoss(pos, req.Quantity, c.Price)
		if loss.IsPositive() {
			projectedLoss := loss.Sub(p.dailyPnL)
			if projectedLoss.GreaterThan(p.limits.MaxDailyLossUSD) {
				return &LimitError{Limit: LimitDailyLoss, Symbol: req.Symbol, Value: projectedLoss, Threshold: p.limits.MaxDailyLossUSD}
			}
		}
	}
	return nil
}

// RecordFill applies one execution to the book. Buys move the average
// cost; sells realize PnL against it.
func (p *Policy) RecordFill(symbol string, side models.Side, qty, price decimal.Decimal) {
	if !qty.IsPositive() || !price.IsPositive() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollLocked()

	p.dailyVolume = p.dailyVolume.Add(qty.Mul(price))
	pos := p.positionLocked(symbol)
	if side == models.SideBuy {
		cost := pos.Quantity.Mul(pos.AvgCost).Add(qty.Mul(price))
		pos.Quantity = pos.Quantity.Add(qty)
		pos.AvgCost = cost.Div(pos.Quantity)
		return
	}

	closed := decimal.Min(qty, pos.Quantity)
	if closed.IsPositive() {
		p.dailyPnL = p.dailyPnL.Add(price.Sub(pos.AvgCost).Mul(closed))
	}
	pos.Quantity = pos.Quantity.Sub(qty)
	if !pos.Quantity.IsPositive() {
		// Spot sells beyond the tracked holding close the book at zero.
		pos.Quantity = decimal.Zero
		pos.AvgCost = decimal.Zero
	}
}

// Position returns the current holding of symbol.
func (p *Policy) Position(symbol string) Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.positions[symbol]; ok {
		return *pos
	}
	return Position{Symbol: symbol}
}

// Positions lists non-empty holdings sorted by symbol.
func (p *Policy) Positions() []Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if !pos.Quantity.IsZero() {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// DailyPnL is the realized PnL since the last UTC midnight.
func (p *Policy) DailyPnL() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollLocked()
	return p.dailyPnL
}

// DailyVolume is the filled notional since the last UTC midnight.
func (p *Policy) DailyVolume() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollLocked()
	return p.dailyVolume
}

// Seed sets a starting holding, for example from account balances.
func (p *Policy) Seed(symbol string, qty, avgCost decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[symbol] = &Position{Symbol: symbol, Quantity: qty, AvgCost: avgCost}
}

func (p *Policy) positionLocked(symbol string) *Position {
	pos, ok := p.positions[symbol]
	if !ok {
		pos = &Position{Symbol: symbol}
		p.positions[symbol] = pos
	}
	return pos
}

func (p *Policy) rollLocked() {
	if today := utcDay(p.clock.Now()); today.After(p.day) {
		p.day = today
		p.dailyPnL = decimal.Zero
		p.dailyVolume = decimal.Zero
	}
}

func realizedLoss(pos *Position, qty, price decimal.Decimal) decimal.Decimal {
	closed := decimal.Min(qty, pos.Quantity)
	if !closed.IsPositive() || !price.LessThan(pos.AvgCost) {
		return decimal.Zero
	}
	return pos.AvgCost.Sub(price).Mul(closed)
}

func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
