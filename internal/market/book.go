// Package market keeps the locally known prices and symbol rules that
// orders are validated against without a network call.
package market

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"tradegate/models"
)

// PriceBook holds the latest ticker per symbol.
type PriceBook struct {
	mu     sync.RWMutex
	prices map[string]models.Ticker
}

func NewPriceBook() *PriceBook {
	return &PriceBook{prices: make(map[string]models.Ticker)}
}

// Update stores t unless a newer price for the symbol is already known.
// It reports whether the book changed.
func (b *PriceBook) Update(t models.Ticker) bool {
	if t.Symbol == "" || !t.Price.IsPositive() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.prices[t.Symbol]; ok && t.Time.Before(cur.Time) {
		return false
	}
	b.prices[t.Symbol] = t
	return true
}

// Ticker returns the latest ticker of symbol.
func (b *PriceBook) Ticker(symbol string) (models.Ticker, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.prices[symbol]
	return t, ok
}

// LastPrice returns the latest price of symbol.
func (b *PriceBook) LastPrice(symbol string) (decimal.Decimal, bool) {
	t, ok := b.Ticker(symbol)
	return t.Price, ok
}

// Symbols lists known symbols in sorted order.
func (b *PriceBook) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.prices))
	for s := range b.prices {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// RuleBook holds exchange filters per symbol.
type RuleBook struct {
	mu    sync.RWMutex
	rules map[string]models.SymbolRules
}

func NewRuleBook() *RuleBook {
	return &RuleBook{rules: make(map[string]models.SymbolRules)}
}

// Load replaces the rules of every symbol in rules.
func (b *RuleBook) Load(rules map[string]models.SymbolRules) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s, r := range rules {
		b.rules[s] = r
	}
}

// Rules returns the filters of symbol.
func (b *RuleBook) Rules(symbol string) (models.SymbolRules, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rules[symbol]
	return r, ok
}

// Len reports how many symbols are loaded.
func (b *RuleBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rules)
}
