package metrics

import (
	"tradegate/logger"
)

// WindowUsage is one rate limit window's consumption as reported to metrics.
type WindowUsage struct {
	Window   string
	Used     int
	Capacity int
}

// ReportUsedWeight publishes the exchange-reported usage parsed from a
// response's X-MBX-* headers. It returns whether anything was recorded.
func ReportUsedWeight(log *logger.Log, endpoint string, reported map[string]int) bool {
	if len(reported) == 0 {
		return false
	}
	for window, used := range reported {
		EmitMetric(log, "rest_client", "used_weight", used, "gauge", logger.Fields{
			"exchange": "binance",
			"endpoint": endpoint,
			"window":   window,
		})
	}
	return true
}

// ReportWindowUsage mirrors the local limiter's view into Prometheus gauges.
func ReportWindowUsage(usage []WindowUsage) {
	for _, u := range usage {
		SetWindowUsage(u.Window, u.Used, u.Capacity)
	}
}
