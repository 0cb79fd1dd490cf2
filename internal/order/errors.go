package order

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tradegate/models"
)

var (
	// ErrNoReferencePrice rejects a market order on a symbol whose price is
	// neither known locally nor resolvable.
	ErrNoReferencePrice = errors.New("no reference price")
	ErrUnknownOrder     = errors.New("unknown order")
	ErrDuplicateOrder   = errors.New("duplicate client order id")
	ErrTestUnsupported  = errors.New("exchange cannot test orders")
)

// OrderError reports an order that ended REJECTED or FAILED. Order is the
// final local view; Err is the cause.
type OrderError struct {
	Order models.Order
	Err   error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order %s %s on %s: %v", e.Order.ClientOrderID, e.Order.Status, e.Order.Symbol, e.Err)
}

func (e *OrderError) Unwrap() error { return e.Err }

// AmbiguousOrderError is the cause of a FAILED order whose placement may
// have reached the exchange. The order stays tracked so Reconcile can
// settle it later.
type AmbiguousOrderError struct {
	ClientOrderID string
	Symbol        string
	Quantity      decimal.Decimal
	LastStatus    models.OrderStatus
	Err           error
}

func (e *AmbiguousOrderError) Error() string {
	return fmt.Sprintf("order %s on %s (qty %s, last status %s) may have been placed: %v",
		e.ClientOrderID, e.Symbol, e.Quantity, e.LastStatus, e.Err)
}

func (e *AmbiguousOrderError) Unwrap() error { return e.Err }
