package metrics

import (
	"strings"

	"tradegate/logger"
)

// ReportRateLimitExceeded counts an HTTP 429 from the exchange and logs it
// with the endpoint that triggered it.
func ReportRateLimitExceeded(log *logger.Log, endpoint string, retryAfterMs int64) {
	fields := logger.Fields{
		"exchange":       "binance",
		"endpoint":       endpoint,
		"retry_after_ms": retryAfterMs,
	}
	EmitMetric(log, "rest_client", "rate_limit_exceeded", int64(1), "counter", fields)
	logOrDefault(log).WithComponent("rest_client").WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan counts an HTTP 418 from the exchange.
func ReportIPBan(log *logger.Log, endpoint string, retryAfterMs int64) {
	fields := logger.Fields{
		"exchange":       "binance",
		"endpoint":       endpoint,
		"retry_after_ms": retryAfterMs,
	}
	EmitMetric(log, "rest_client", "ip_ban", int64(1), "counter", fields)
	logOrDefault(log).WithComponent("rest_client").WithFields(fields).Error("ip banned")
}

// detectLimit classifies an exchange error message as a rate limit or an
// IP ban by Binance's wording.
func detectLimit(msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	rateLimit = !ipBan && (strings.Contains(lowerMsg, "too many requests") ||
		strings.Contains(lowerMsg, "too much request weight") ||
		strings.Contains(lowerMsg, "rate limit"))
	return
}

// ReportLimitFromMessage records a rate limit or ban metric when msg uses the
// exchange's wording for either. Other messages are ignored.
func ReportLimitFromMessage(log *logger.Log, endpoint, msg string) {
	rateLimit, ipBan := detectLimit(msg)
	if rateLimit {
		ReportRateLimitExceeded(log, endpoint, 0)
	}
	if ipBan {
		ReportIPBan(log, endpoint, 0)
	}
}

func logOrDefault(log *logger.Log) *logger.Log {
	if log == nil {
		return logger.GetLogger()
	}
	return log
}
