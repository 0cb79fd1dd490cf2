package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/models"
)

func TestPriceBookKeepsNewest(t *testing.T) {
	b := NewPriceBook()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if !b.Update(models.Ticker{Symbol: "BTCUSDT", Price: decimal.NewFromInt(50000), Time: now}) {
		t.Fatal("first update rejected")
	}
	if b.Update(models.Ticker{Symbol: "BTCUSDT", Price: decimal.NewFromInt(49000), Time: now.Add(-time.Second)}) {
		t.Fatal("stale update accepted")
	}
	if b.Update(models.Ticker{Symbol: "ETHUSDT", Price: decimal.Zero, Time: now}) {
		t.Fatal("zero price accepted")
	}

	p, ok := b.LastPrice("BTCUSDT")
	if !ok || !p.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("unexpected price %s (%v)", p, ok)
	}
	if _, ok := b.LastPrice("ETHUSDT"); ok {
		t.Fatal("unknown symbol reported a price")
	}
	if syms := b.Symbols(); len(syms) != 1 || syms[0] != "BTCUSDT" {
		t.Fatalf("unexpected symbols %v", syms)
	}
}

func TestRuleBook(t *testing.T) {
	b := NewRuleBook()
	b.Load(map[string]models.SymbolRules{"BTCUSDT": {Symbol: "BTCUSDT", StepSize: decimal.RequireFromString("0.00001")}})
	r, ok := b.Rules("BTCUSDT")
	if !ok || r.Symbol != "BTCUSDT" || b.Len() != 1 {
		t.Fatalf("unexpected rules %+v", r)
	}
}
