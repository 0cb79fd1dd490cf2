package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// ORDERS ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Side and OrderType reuse the exchange's wire enums so requests can be
// rendered without translation.
type (
	Side        = binance.SideType
	OrderType   = binance.OrderType
	TimeInForce = binance.TimeInForceType
)

const (
	SideBuy  = binance.SideTypeBuy
	SideSell = binance.SideTypeSell

	OrderTypeMarket = binance.OrderTypeMarket
	OrderTypeLimit  = binance.OrderTypeLimit

	TimeInForceGTC = binance.TimeInForceTypeGTC
)

// OrderStatus is the local lifecycle state of an order.
type OrderStatus uint8

const (
	StatusPendingValidation OrderStatus = iota
	StatusSubmitted
	StatusPartiallyFilled
	StatusFilled
	StatusRejected
	StatusCanceled
	StatusFailed
)

var statusNames = [...]string{
	StatusPendingValidation: "PENDING_VALIDATION",
	StatusSubmitted:         "SUBMITTED",
	StatusPartiallyFilled:   "PARTIALLY_FILLED",
	StatusFilled:            "FILLED",
	StatusRejected:          "REJECTED",
	StatusCanceled:          "CANCELED",
	StatusFailed:            "FAILED",
}

func (s OrderStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("OrderStatus(%d)", uint8(s))
}

func (s OrderStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCanceled, StatusFailed:
		return true
	}
	return false
}

// CanAdvanceTo reports whether moving from s to next is a forward step.
// PARTIALLY_FILLED to PARTIALLY_FILLED is not a transition; callers compare
// executed quantity for that case.
func (s OrderStatus) CanAdvanceTo(next OrderStatus) bool {
	switch s {
	case StatusPendingValidation:
		return next == StatusSubmitted || next == StatusFailed
	case StatusSubmitted:
		return next != StatusPendingValidation && next != StatusSubmitted
	case StatusPartiallyFilled:
		return next == StatusFilled || next == StatusCanceled
	default:
		return false
	}
}

// StatusFromExchange maps a Binance order status onto the local lifecycle.
func StatusFromExchange(s binance.OrderStatusType) (OrderStatus, bool) {
	switch s {
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePendingCancel:
		return StatusSubmitted, true
	case binance.OrderStatusTypePartiallyFilled:
		return StatusPartiallyFilled, true
	case binance.OrderStatusTypeFilled:
		return StatusFilled, true
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired, "EXPIRED_IN_MATCH":
		return StatusCanceled, true
	case binance.OrderStatusTypeRejected:
		return StatusRejected, true
	}
	return StatusSubmitted, false
}

// OrderRequest is what a caller asks to trade.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // limit orders only
	TimeInForce   TimeInForce
	ClientOrderID string // generated when empty
}

// Validate checks the request shape. Exchange precision and risk limits are
// checked elsewhere.
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return errors.New("symbol is required")
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("unsupported side %q", r.Side)
	}
	if !r.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive, got %s", r.Quantity)
	}
	switch r.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if !r.Price.IsPositive() {
			return fmt.Errorf("limit price must be positive, got %s", r.Price)
		}
	default:
		return fmt.Errorf("unsupported order type %q", r.Type)
	}
	return nil
}

// Fill is one execution against an order.
type Fill struct {
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commission_asset"`
}

// Transition records when an order entered a status.
type Transition struct {
	Status OrderStatus `json:"status"`
	At     time.Time   `json:"at"`
}

// Order is the locally tracked state of one order.
type Order struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID int64           `json:"exchange_order_id,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Type            OrderType       `json:"type"`
	TimeInForce     TimeInForce     `json:"time_in_force,omitempty"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	Status          OrderStatus     `json:"status"`
	ExecutedQty     decimal.Decimal `json:"executed_qty"`
	CumulativeQuote decimal.Decimal `json:"cumulative_quote"`
	Fills           []Fill          `json:"fills,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Transitions     []Transition    `json:"transitions"`
	Paper           bool            `json:"paper,omitempty"`
}

// AvgPrice returns the volume weighted execution price, or zero.
func (o Order) AvgPrice() decimal.Decimal {
	if !o.ExecutedQty.IsPositive() {
		return decimal.Zero
	}
	return o.CumulativeQuote.Div(o.ExecutedQty)
}

// Clone returns a deep copy that is safe to hand to callers.
func (o Order) Clone() Order {
	out := o
	out.Fills = append([]Fill(nil), o.Fills...)
	out.Transitions = append([]Transition(nil), o.Transitions...)
	return out
}

// OrderAck is the exchange's view of an order, normalized from the
// placement, query and cancel endpoints.
type OrderAck struct {
	Symbol          string
	ClientOrderID   string
	OrderID         int64
	Status          binance.OrderStatusType
	Price           decimal.Decimal
	OrigQty         decimal.Decimal
	ExecutedQty     decimal.Decimal
	CumulativeQuote decimal.Decimal
	Fills           []Fill
	TransactTime    time.Time
}

// OrderEvent is one lifecycle change, as written to the order journal.
type OrderEvent struct {
	At            time.Time
	Environment   string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Status        OrderStatus
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	ExecutedQty   decimal.Decimal
	Reason        string
}

// EventFor builds the journal event for the order's current status.
func EventFor(o Order, env string, at time.Time) OrderEvent {
	return OrderEvent{
		At:            at,
		Environment:   env,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Status:        o.Status,
		Quantity:      o.Quantity,
		Price:         o.Price,
		ExecutedQty:   o.ExecutedQty,
		Reason:        o.Reason,
	}
}
