package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// STREAMS //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// StreamMessage is one routed push frame.
type StreamMessage struct {
	Topic    string
	Data     json.RawMessage
	Received time.Time
}

// TradeEvent is a trade or aggTrade push.
type TradeEvent struct {
	Symbol     string
	TradeID    int64
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Time       time.Time
	BuyerMaker bool
}

// Binance frames use single-letter keys that differ only by case, and
// encoding/json matches keys case-insensitively when no exact field exists.
// Every colliding key is therefore declared, even when unused.
type tradeWire struct {
	EventType  string          `json:"e"`
	EventTime  int64           `json:"E"`
	Symbol     string          `json:"s"`
	TradeID    int64           `json:"t"`
	AggID      json.RawMessage `json:"a"`
	Price      decimal.Decimal `json:"p"`
	Quantity   decimal.Decimal `json:"q"`
	TradeTime  int64           `json:"T"`
	BuyerMaker bool            `json:"m"`
	Ignore     json.RawMessage `json:"M"`
}

// DecodeTrade parses a trade or aggTrade payload.
func DecodeTrade(data []byte) (TradeEvent, error) {
	var w tradeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return TradeEvent{}, fmt.Errorf("decode trade: %w", err)
	}
	if w.Symbol == "" || !w.Price.IsPositive() {
		return TradeEvent{}, fmt.Errorf("decode trade: missing symbol or price")
	}
	id := w.TradeID
	if w.EventType == "aggTrade" {
		if err := json.Unmarshal(w.AggID, &id); err != nil {
			return TradeEvent{}, fmt.Errorf("decode trade: aggregate id: %w", err)
		}
	}
	return TradeEvent{
		Symbol:     w.Symbol,
		TradeID:    id,
		Price:      w.Price,
		Quantity:   w.Quantity,
		Time:       time.UnixMilli(w.TradeTime),
		BuyerMaker: w.BuyerMaker,
	}, nil
}

// ExecutionReport is the user-data push describing an order update.
type ExecutionReport struct {
	Symbol            string
	ClientOrderID     string
	OrigClientOrderID string
	Side              Side
	Type              OrderType
	ExecutionType     string
	Status            binance.OrderStatusType
	OrderID           int64
	LastQty           decimal.Decimal
	LastPrice         decimal.Decimal
	CumulativeQty     decimal.Decimal
	CumulativeQuote   decimal.Decimal
	Commission        decimal.Decimal
	CommissionAsset   string
	RejectReason      string
	TransactTime      time.Time
}

// OrderKey returns the client id that identifies the order locally. Cancel
// reports carry the original id in C.
func (r ExecutionReport) OrderKey() string {
	if r.OrigClientOrderID != "" {
		return r.OrigClientOrderID
	}
	return r.ClientOrderID
}

type executionWire struct {
	EventType       string          `json:"e"`
	EventTime       int64           `json:"E"`
	Symbol          string          `json:"s"`
	Side            string          `json:"S"`
	ClientOrderID   string          `json:"c"`
	OrigClientID    string          `json:"C"`
	Type            string          `json:"o"`
	CreationTime    json.RawMessage `json:"O"`
	TimeInForce     json.RawMessage `json:"f"`
	IcebergQty      json.RawMessage `json:"F"`
	Price           json.RawMessage `json:"p"`
	StopPrice       json.RawMessage `json:"P"`
	Quantity        json.RawMessage `json:"q"`
	QuoteQty        json.RawMessage `json:"Q"`
	ExecutionType   string          `json:"x"`
	Status          string          `json:"X"`
	RejectReason    string          `json:"r"`
	OrderID         int64           `json:"i"`
	Ignore          json.RawMessage `json:"I"`
	LastQty         decimal.Decimal `json:"l"`
	LastPrice       decimal.Decimal `json:"L"`
	CumulativeQty   decimal.Decimal `json:"z"`
	CumulativeQuote decimal.Decimal `json:"Z"`
	Commission      decimal.Decimal `json:"n"`
	CommissionAsset *string         `json:"N"`
	TradeID         json.RawMessage `json:"t"`
	TransactTime    int64           `json:"T"`
	Maker           json.RawMessage `json:"m"`
	IgnoreM         json.RawMessage `json:"M"`
	Working         json.RawMessage `json:"w"`
	WorkingTime     json.RawMessage `json:"W"`
}

// DecodeExecutionReport parses an executionReport payload.
func DecodeExecutionReport(data []byte) (ExecutionReport, error) {
	var w executionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return ExecutionReport{}, fmt.Errorf("decode execution report: %w", err)
	}
	if w.EventType != "executionReport" {
		return ExecutionReport{}, fmt.Errorf("decode execution report: unexpected event %q", w.EventType)
	}
	if w.Symbol == "" || w.ClientOrderID == "" {
		return ExecutionReport{}, fmt.Errorf("decode execution report: missing symbol or client order id")
	}
	r := ExecutionReport{
		Symbol:            w.Symbol,
		ClientOrderID:     w.ClientOrderID,
		OrigClientOrderID: w.OrigClientID,
		Side:              Side(w.Side),
		Type:              OrderType(w.Type),
		ExecutionType:     w.ExecutionType,
		Status:            binance.OrderStatusType(w.Status),
		OrderID:           w.OrderID,
		LastQty:           w.LastQty,
		LastPrice:         w.LastPrice,
		CumulativeQty:     w.CumulativeQty,
		CumulativeQuote:   w.CumulativeQuote,
		Commission:        w.Commission,
		RejectReason:      w.RejectReason,
		TransactTime:      time.UnixMilli(w.TransactTime),
	}
	if w.CommissionAsset != nil {
		r.CommissionAsset = *w.CommissionAsset
	}
	if r.RejectReason == "NONE" {
		r.RejectReason = ""
	}
	return r, nil
}
