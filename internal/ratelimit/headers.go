package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// usageHeaders maps Binance usage headers onto local windows. Header names
// are matched case-insensitively by http.Header.Get.
var usageHeaders = []struct {
	header string
	window WindowID
}{
	{"X-MBX-USED-WEIGHT-1M", RequestWeight},
	{"X-MBX-ORDER-COUNT-10S", Orders10s},
	{"X-MBX-ORDER-COUNT-1D", Orders24h},
}

// ObserveHeaders syncs windows with the usage the exchange reported on a
// response and returns the parsed values.
func (l *Limiter) ObserveHeaders(h http.Header) map[WindowID]int {
	seen := make(map[WindowID]int)
	for _, uh := range usageHeaders {
		v := strings.TrimSpace(h.Get(uh.header))
		if v == "" {
			continue
		}
		used, err := strconv.Atoi(v)
		if err != nil || used < 0 {
			continue
		}
		l.Observe(uh.window, used)
		seen[uh.window] = used
	}
	return seen
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP
// date. fallback is returned when the header is missing or unusable.
func RetryAfter(h http.Header, now time.Time, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}
