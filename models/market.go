package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Ticker is the latest traded price of a symbol.
type Ticker struct {
	Symbol string
	Price  decimal.Decimal
	Time   time.Time
}

// Balance is one asset's holdings.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Total returns free plus locked.
func (b Balance) Total() decimal.Decimal { return b.Free.Add(b.Locked) }

// Account is the balance sheet returned by getAccount.
type Account struct {
	CanTrade bool
	Balances []Balance
	Paper    bool
}

// Balance returns the holdings of asset.
func (a Account) Balance(asset string) (Balance, bool) {
	for _, b := range a.Balances {
		if b.Asset == asset {
			return b, true
		}
	}
	return Balance{Asset: asset}, false
}

// SymbolRules carries the exchange filters that constrain orders on one
// symbol. Zero values disable the corresponding check.
type SymbolRules struct {
	Symbol      string
	Status      string
	BaseAsset   string
	QuoteAsset  string
	TickSize    decimal.Decimal
	MinPrice    decimal.Decimal
	MaxPrice    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// CheckQuantity validates q against LOT_SIZE.
func (r SymbolRules) CheckQuantity(q decimal.Decimal) error {
	if r.MinQty.IsPositive() && q.LessThan(r.MinQty) {
		return fmt.Errorf("quantity %s below minimum %s", q, r.MinQty)
	}
	if r.MaxQty.IsPositive() && q.GreaterThan(r.MaxQty) {
		return fmt.Errorf("quantity %s above maximum %s", q, r.MaxQty)
	}
	if r.StepSize.IsPositive() && !q.Sub(r.MinQty).Mod(r.StepSize).IsZero() {
		return fmt.Errorf("quantity %s is not a multiple of step size %s", q, r.StepSize)
	}
	return nil
}

// CheckPrice validates p against PRICE_FILTER.
func (r SymbolRules) CheckPrice(p decimal.Decimal) error {
	if r.MinPrice.IsPositive() && p.LessThan(r.MinPrice) {
		return fmt.Errorf("price %s below minimum %s", p, r.MinPrice)
	}
	if r.MaxPrice.IsPositive() && p.GreaterThan(r.MaxPrice) {
		return fmt.Errorf("price %s above maximum %s", p, r.MaxPrice)
	}
	if r.TickSize.IsPositive() && !p.Sub(r.MinPrice).Mod(r.TickSize).IsZero() {
		return fmt.Errorf("price %s is not a multiple of tick size %s", p, r.TickSize)
	}
	return nil
}

// PriceLevel is one side entry of an order book.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBook is a depth snapshot, best prices first.
type OrderBook struct {
	Symbol       string
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// Spread returns best ask minus best bid, or false when a side is empty.
func (b OrderBook) Spread() (decimal.Decimal, bool) {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return decimal.Zero, false
	}
	return b.Asks[0].Price.Sub(b.Bids[0].Price), true
}

// PublicTrade is one trade from the recent trades list.
type PublicTrade struct {
	ID           int64
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	QuoteQty     decimal.Decimal
	Time         time.Time
	IsBuyerMaker bool
}

// Kline is one candlestick.
type Kline struct {
	OpenTime    time.Time
	CloseTime   time.Time
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	QuoteVolume decimal.Decimal
	Trades      int64
}

// Ticker24h is the rolling 24 hour statistics of a symbol.
type Ticker24h struct {
	Symbol             string
	PriceChange        decimal.Decimal
	PriceChangePercent decimal.Decimal
	WeightedAvgPrice   decimal.Decimal
	LastPrice          decimal.Decimal
	OpenPrice          decimal.Decimal
	HighPrice          decimal.Decimal
	LowPrice           decimal.Decimal
	Volume             decimal.Decimal
	QuoteVolume        decimal.Decimal
	OpenTime           time.Time
	CloseTime          time.Time
	Count              int64
}
