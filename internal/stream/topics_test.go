package stream

import "testing"

func TestTopicBuilders(t *testing.T) {
	cases := []struct{ got, want string }{
		{TradeTopic("BTCUSDT"), "btcusdt@trade"},
		{AggTradeTopic("ETHUSDT"), "ethusdt@aggTrade"},
		{MiniTickerTopic("BNBUSDT"), "bnbusdt@miniTicker"},
		{KlineTopic("BTCUSDT", "1m"), "btcusdt@kline_1m"},
		{DepthTopic("BTCUSDT", 10, true), "btcusdt@depth10@100ms"},
		{DepthTopic("BTCUSDT", 0, false), "btcusdt@depth"},
		{NormalizeTopic(" BTCUSDT@aggTrade "), "btcusdt@aggTrade"},
		{NormalizeTopic("executionReport"), "executionReport"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("got %q, want %q", c.got, c.want)
		}
	}
}

func TestSymbolOf(t *testing.T) {
	if s := SymbolOf("btcusdt@trade"); s != "BTCUSDT" {
		t.Fatalf("unexpected symbol %q", s)
	}
	if s := SymbolOf("executionReport"); s != "" {
		t.Fatalf("expected no symbol, got %q", s)
	}
	if !IsTradeTopic("btcusdt@aggTrade") || IsTradeTopic("btcusdt@depth") {
		t.Fatal("IsTradeTopic misclassified")
	}
}

func TestStateString(t *testing.T) {
	if StateDegraded.String() != "DEGRADED" || State(42).String() != "State(42)" {
		t.Fatal("unexpected state names")
	}
}
