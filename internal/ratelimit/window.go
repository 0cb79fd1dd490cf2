package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// WindowID names a single rate-limit accounting dimension.
type WindowID string

const (
	RequestWeight WindowID = "request-weight"
	Orders10s     WindowID = "order-count-10s"
	Orders24h     WindowID = "order-count-24h"
	WSConnections WindowID = "ws-connections-5m"
)

// Accounting selects how a window releases consumed capacity.
type Accounting int

const (
	// Fixed windows reset to zero at epoch-aligned period boundaries.
	Fixed Accounting = iota
	// Sliding windows release each charge one period after it was made.
	Sliding
)

func (a Accounting) String() string {
	if a == Sliding {
		return "sliding"
	}
	return "fixed"
}

// ParseAccounting maps a configuration string onto an Accounting mode.
func ParseAccounting(s string) (Accounting, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fixed":
		return Fixed, nil
	case "sliding":
		return Sliding, nil
	default:
		return Fixed, fmt.Errorf("unknown accounting mode %q", s)
	}
}

// WindowConfig describes one window.
type WindowConfig struct {
	ID         WindowID
	Capacity   int
	Period     time.Duration
	Accounting Accounting
}

// DefaultWindows returns the documented Binance spot limits.
func DefaultWindows() []WindowConfig {
	return []WindowConfig{
		{ID: RequestWeight, Capacity: 1200, Period: time.Minute, Accounting: Sliding},
		{ID: Orders10s, Capacity: 50, Period: 10 * time.Second, Accounting: Fixed},
		{ID: Orders24h, Capacity: 160000, Period: 24 * time.Hour, Accounting: Fixed},
		{ID: WSConnections, Capacity: 300, Period: 5 * time.Minute, Accounting: Sliding},
	}
}

type charge struct {
	at   time.Time
	cost int
}

// window holds the mutable counters of one WindowConfig. It is not safe for
// concurrent use; Limiter serializes access.
type window struct {
	cfg WindowConfig

	// fixed accounting
	start time.Time

	// sliding accounting
	charges []charge

	used int
}

func newWindow(cfg WindowConfig) *window {
	return &window{cfg: cfg}
}

// advance expires consumption that is older than the period relative to now.
func (w *window) advance(now time.Time) {
	switch w.cfg.Accounting {
	case Sliding:
		cutoff := now.Add(-w.cfg.Period)
		n := 0
		for n < len(w.charges) && !w.charges[n].at.After(cutoff) {
			w.used -= w.charges[n].cost
			n++
		}
		if n > 0 {
			w.charges = append(w.charges[:0], w.charges[n:]...)
		}
	default:
		boundary := now.Truncate(w.cfg.Period)
		if boundary.After(w.start) {
			w.start = boundary
			w.used = 0
		}
	}
}

// waitFor reports how long until cost fits. Callers must advance first.
func (w *window) waitFor(now time.Time, cost int) time.Duration {
	need := w.used + cost - w.cfg.Capacity
	if need <= 0 {
		return 0
	}
	switch w.cfg.Accounting {
	case Sliding:
		freed := 0
		for _, c := range w.charges {
			freed += c.cost
			if freed >= need {
				return c.at.Add(w.cfg.Period).Sub(now)
			}
		}
		// cost <= capacity is validated by Acquire, so the loop returns.
		return w.cfg.Period
	default:
		return w.start.Add(w.cfg.Period).Sub(now)
	}
}

func (w *window) charge(now time.Time, cost int) {
	w.used += cost
	if w.cfg.Accounting != Sliding {
		return
	}
	if n := len(w.charges); n > 0 && w.charges[n-1].at.Equal(now) {
		w.charges[n-1].cost += cost
		return
	}
	w.charges = append(w.charges, charge{at: now, cost: cost})
}

// observe raises consumption to an externally reported value.
func (w *window) observe(now time.Time, used int) {
	if used > w.cfg.Capacity {
		used = w.cfg.Capacity
	}
	if used <= w.used {
		return
	}
	w.charge(now, used-w.used)
}
