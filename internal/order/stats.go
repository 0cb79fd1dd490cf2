package order

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/risk"
	"tradegate/logger"
	"tradegate/models"
)

// OrderTester validates an order on the exchange without booking it.
type OrderTester interface {
	TestOrder(ctx context.Context, req models.OrderRequest) error
}

// Test runs req through the same checks as Submit and then through the
// exchange's test endpoint. Nothing is tracked, booked or journaled. The
// normalized request is returned so callers can see the assigned id.
func (e *Engine) Test(ctx context.Context, req models.OrderRequest) (models.OrderRequest, error) {
	req = e.normalize(req)
	if err := e.validate(ctx, req); err != nil {
		return req, err
	}
	tester, ok := e.opts.Exchange.(OrderTester)
	if !ok {
		return req, ErrTestUnsupported
	}
	start := time.Now()
	err := tester.TestOrder(ctx, req)
	logger.LogPerformanceEntry(e.log.WithComponent("order_engine"), "order_engine", "test_order", time.Since(start), logger.Fields{
		"symbol":          req.Symbol,
		"client_order_id": req.ClientOrderID,
	})
	if err != nil {
		return req, fmt.Errorf("test order %s: %w", req.ClientOrderID, err)
	}
	return req, nil
}

// Stats summarizes the session's orders and the risk budget left.
type Stats struct {
	Total      int
	Successful int
	Filled     int
	Active     int
	Canceled   int
	Rejected   int
	Failed     int
	// SuccessRate is Successful over Total, zero when nothing was sent.
	SuccessRate float64
	// TotalVolume is the executed quote notional of every tracked order.
	TotalVolume decimal.Decimal
	DailyVolume decimal.Decimal
	DailyPnL    decimal.Decimal
	// RemainingDailyVolume is zero when the daily volume cap is off.
	RemainingDailyVolume decimal.Decimal
	Limits               risk.Limits
	Paper                bool
}

// Stats counts tracked orders by outcome. An order is successful once the
// exchange accepted it, whatever happened to it afterwards.
func (e *Engine) Stats() Stats {
	s := Stats{TotalVolume: decimal.Zero, Paper: e.opts.Paper}
	for _, o := range e.Orders() {
		s.Total++
		s.TotalVolume = s.TotalVolume.Add(o.CumulativeQuote)
		switch o.Status {
		case models.StatusSubmitted, models.StatusPartiallyFilled:
			s.Successful++
			s.Active++
		case models.StatusFilled:
			s.Successful++
			s.Filled++
		case models.StatusCanceled:
			s.Successful++
			s.Canceled++
		case models.StatusRejected:
			s.Rejected++
		case models.StatusFailed:
			s.Failed++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.Total)
	}

	pol := e.opts.Risk
	s.Limits = pol.Limits()
	s.DailyVolume = pol.DailyVolume()
	s.DailyPnL = pol.DailyPnL()
	if s.Limits.MaxDailyVolumeUSD.IsPositive() {
		s.RemainingDailyVolume = decimal.Max(decimal.Zero, s.Limits.MaxDailyVolumeUSD.Sub(s.DailyVolume))
	}
	return s
}
