package stream

import (
	"fmt"
	"strings"
)

// User data event types, used as topics on a user data stream.
const (
	TopicExecutionReport = "executionReport"
	TopicAccountPosition = "outboundAccountPosition"
	TopicBalanceUpdate   = "balanceUpdate"
	TopicListenKeyExpiry = "listenKeyExpired"
)

// TradeTopic is the raw trade stream of symbol.
func TradeTopic(symbol string) string { return strings.ToLower(symbol) + "@trade" }

// AggTradeTopic is the aggregated trade stream of symbol.
func AggTradeTopic(symbol string) string { return strings.ToLower(symbol) + "@aggTrade" }

// TickerTopic is the rolling 24h ticker of symbol.
func TickerTopic(symbol string) string { return strings.ToLower(symbol) + "@ticker" }

// MiniTickerTopic is the compact rolling 24h ticker of symbol.
func MiniTickerTopic(symbol string) string { return strings.ToLower(symbol) + "@miniTicker" }

// BookTickerTopic streams best bid and ask updates of symbol.
func BookTickerTopic(symbol string) string { return strings.ToLower(symbol) + "@bookTicker" }

// KlineTopic streams candles of symbol at interval, e.g. "1m".
func KlineTopic(symbol, interval string) string {
	return fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
}

// DepthTopic streams partial book depth of 5, 10 or 20 levels, or the diff
// stream when levels is zero. fast selects the 100ms update speed.
func DepthTopic(symbol string, levels int, fast bool) string {
	t := strings.ToLower(symbol) + "@depth"
	if levels > 0 {
		t += fmt.Sprint(levels)
	}
	if fast {
		t += "@100ms"
	}
	return t
}

// SymbolOf returns the upper-case symbol a market topic refers to.
func SymbolOf(topic string) string {
	i := strings.IndexByte(topic, '@')
	if i <= 0 {
		return ""
	}
	return strings.ToUpper(topic[:i])
}

// IsTradeTopic reports whether topic carries trade or aggTrade events.
func IsTradeTopic(topic string) bool {
	return strings.HasSuffix(topic, "@trade") || strings.HasSuffix(topic, "@aggTrade")
}

// NormalizeTopic lower-cases the symbol part of a market topic. Stream
// names are case sensitive after the '@' (aggTrade, miniTicker).
func NormalizeTopic(topic string) string {
	topic = strings.TrimSpace(topic)
	i := strings.IndexByte(topic, '@')
	if i <= 0 {
		return topic
	}
	return strings.ToLower(topic[:i]) + topic[i:]
}
