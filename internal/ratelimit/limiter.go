// Package ratelimit admits requests against several concurrent quota
// windows. Acquire never blocks: it either charges every requested window
// or reports how long the caller should wait, leaving all windows untouched.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tradegate/internal/clock"
)

var (
	// ErrRateLimited reports that capacity could not be obtained within the
	// caller's retry budget, or that the exchange is throttling us.
	ErrRateLimited = errors.New("rate limited")

	ErrUnknownWindow = errors.New("unknown rate limit window")
	ErrInvalidCost   = errors.New("invalid rate limit cost")
	ErrTicketUsed    = errors.New("ticket already admitted")
)

// BanPolicy decides how an exchange cool-down combines with local accounting.
type BanPolicy int

const (
	// BanOverrides reports only the cool-down remainder while it lasts.
	BanOverrides BanPolicy = iota
	// BanLongest reports the larger of the cool-down and the local wait.
	BanLongest
)

// ParseBanPolicy maps a configuration string onto a BanPolicy.
func ParseBanPolicy(s string) (BanPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "override":
		return BanOverrides, nil
	case "longest":
		return BanLongest, nil
	default:
		return BanOverrides, fmt.Errorf("unknown ban policy %q", s)
	}
}

// Ticket is one caller's request for capacity. A ticket keeps its place in
// the admission queue across retries, so reuse the same ticket until it is
// admitted or released.
type Ticket struct {
	windows  []WindowID
	cost     int
	seq      uint64
	retryAt  time.Time
	deadline time.Time
	admitted bool
}

// NewTicket asks for cost units on every listed window.
func NewTicket(cost int, windows ...WindowID) *Ticket {
	return &Ticket{cost: cost, windows: append([]WindowID(nil), windows...)}
}

func (t *Ticket) Cost() int           { return t.cost }
func (t *Ticket) Windows() []WindowID { return append([]WindowID(nil), t.windows...) }
func (t *Ticket) Admitted() bool      { return t.admitted }

func (t *Ticket) overlaps(o *Ticket) bool {
	for _, a := range t.windows {
		for _, b := range o.windows {
			if a == b {
				return true
			}
		}
	}
	return false
}

// Usage is a point-in-time view of one window.
type Usage struct {
	ID       WindowID
	Used     int
	Capacity int
	Period   time.Duration
}

// Options configures a Limiter.
type Options struct {
	Windows   []WindowConfig
	BanPolicy BanPolicy
	// TicketTTL drops a queued ticket whose owner has not retried within
	// this long after its reported wait.
	TicketTTL time.Duration
	// PollInterval is reported to queued tickets that are eligible but
	// behind an older ticket that has not come back yet.
	PollInterval time.Duration
	Clock        clock.Clock
}

// Limiter is safe for concurrent use. A single mutex guards the counters and
// is held only while accounting.
type Limiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	windows  map[WindowID]*window
	order    []WindowID
	policy   BanPolicy
	ttl      time.Duration
	poll     time.Duration
	banUntil time.Time
	queue    []*Ticket
	nextSeq  uint64
}

// New builds a Limiter. Missing options fall back to DefaultWindows, a 5s
// ticket TTL, a 50ms poll interval and the real clock.
func New(opts Options) *Limiter {
	if len(opts.Windows) == 0 {
		opts.Windows = DefaultWindows()
	}
	if opts.TicketTTL <= 0 {
		opts.TicketTTL = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	l := &Limiter{
		clock:   opts.Clock,
		windows: make(map[WindowID]*window, len(opts.Windows)),
		policy:  opts.BanPolicy,
		ttl:     opts.TicketTTL,
		poll:    opts.PollInterval,
	}
	for _, cfg := range opts.Windows {
		if _, dup := l.windows[cfg.ID]; !dup {
			l.order = append(l.order, cfg.ID)
		}
		l.windows[cfg.ID] = newWindow(cfg)
	}
	return l
}

// Acquire tries to admit t. A zero wait means every window was charged.
// A positive wait means nothing was charged and t holds its queue position.
func (l *Limiter) Acquire(t *Ticket) (time.Duration, error) {
	if t == nil || len(t.windows) == 0 || t.cost <= 0 {
		return 0, ErrInvalidCost
	}
	if t.admitted {
		return 0, ErrTicketUsed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	wins := make([]*window, 0, len(t.windows))
	for _, id := range t.windows {
		w, ok := l.windows[id]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownWindow, id)
		}
		if t.cost > w.cfg.Capacity {
			return 0, fmt.Errorf("%w: cost %d exceeds %s capacity %d", ErrInvalidCost, t.cost, id, w.cfg.Capacity)
		}
		wins = append(wins, w)
	}

	l.expireLocked(now)

	var local time.Duration
	for _, w := range wins {
		w.advance(now)
		if d := w.waitFor(now, t.cost); d > local {
			local = d
		}
	}

	wait := local
	if ban := l.banUntil.Sub(now); ban > 0 {
		if l.policy == BanLongest && local > ban {
			wait = local
		} else {
			wait = ban
		}
	} else if head := l.aheadLocked(t); head != nil {
		behind := head.retryAt.Sub(now)
		if behind < l.poll {
			behind = l.poll
		}
		if behind > wait {
			wait = behind
		}
	}

	if wait <= 0 {
		for _, w := range wins {
			w.charge(now, t.cost)
		}
		l.dequeueLocked(t)
		t.admitted = true
		return 0, nil
	}

	if t.seq == 0 {
		l.nextSeq++
		t.seq = l.nextSeq
		l.queue = append(l.queue, t)
	}
	t.retryAt = now.Add(wait)
	t.deadline = t.retryAt.Add(l.ttl)
	return wait, nil
}

// Release removes t from the admission queue. It is a no-op for admitted
// or unknown tickets.
func (l *Limiter) Release(t *Ticket) {
	if t == nil {
		return
	}
	l.mu.Lock()
	l.dequeueLocked(t)
	l.mu.Unlock()
}

// Wait loops on Acquire, sleeping the reported delay, for at most attempts
// tries. A single reported wait longer than maxWait fails immediately.
// The ticket is released on every failure path.
func (l *Limiter) Wait(ctx context.Context, t *Ticket, sleep clock.Sleeper, attempts int, maxWait time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		wait, err := l.Acquire(t)
		if err != nil {
			l.Release(t)
			return err
		}
		if wait == 0 {
			return nil
		}
		if maxWait > 0 && wait > maxWait {
			l.Release(t)
			return fmt.Errorf("%w: wait %s exceeds budget %s", ErrRateLimited, wait, maxWait)
		}
		if i == attempts-1 {
			break
		}
		if err := sleep(ctx, wait); err != nil {
			l.Release(t)
			return err
		}
	}
	l.Release(t)
	return fmt.Errorf("%w: no capacity after %d attempts", ErrRateLimited, attempts)
}

// Cooldown rejects every acquisition until until. An earlier deadline never
// shortens an active cool-down.
func (l *Limiter) Cooldown(until time.Time) {
	l.mu.Lock()
	if until.After(l.banUntil) {
		l.banUntil = until
	}
	l.mu.Unlock()
}

// CooldownRemaining reports how long the active cool-down still lasts.
func (l *Limiter) CooldownRemaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d := l.banUntil.Sub(l.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Observe raises a window's consumption to a server-reported value. Unknown
// windows are ignored.
func (l *Limiter) Observe(id WindowID, used int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[id]
	if !ok {
		return
	}
	now := l.clock.Now()
	w.advance(now)
	w.observe(now, used)
}

// SetCapacity changes a window's capacity, typically to match the limits the
// exchange declares.
func (l *Limiter) SetCapacity(id WindowID, capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("%w: capacity %d", ErrInvalidCost, capacity)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWindow, id)
	}
	w.cfg.Capacity = capacity
	return nil
}

// Capacity returns the configured capacity of a window, or zero.
func (l *Limiter) Capacity(id WindowID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[id]; ok {
		return w.cfg.Capacity
	}
	return 0
}

// Usage returns a snapshot of every window in configuration order.
func (l *Limiter) Usage() []Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	out := make([]Usage, 0, len(l.order))
	for _, id := range l.order {
		w := l.windows[id]
		w.advance(now)
		out = append(out, Usage{ID: id, Used: w.used, Capacity: w.cfg.Capacity, Period: w.cfg.Period})
	}
	return out
}

// QueueLen reports how many tickets are waiting.
func (l *Limiter) QueueLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Limiter) aheadLocked(t *Ticket) *Ticket {
	for _, q := range l.queue {
		if q == t {
			return nil
		}
		if q.overlaps(t) {
			return q
		}
	}
	return nil
}

func (l *Limiter) dequeueLocked(t *Ticket) {
	for i, q := range l.queue {
		if q == t {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			t.seq = 0
			return
		}
	}
}

func (l *Limiter) expireLocked(now time.Time) {
	kept := l.queue[:0]
	for _, q := range l.queue {
		if now.After(q.deadline) {
			q.seq = 0
			continue
		}
		kept = append(kept, q)
	}
	for i := len(kept); i < len(l.queue); i++ {
		l.queue[i] = nil
	}
	l.queue = kept
}
