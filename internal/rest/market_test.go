package rest

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/ratelimit"
	"tradegate/models"
)

func used(l *ratelimit.Limiter, id ratelimit.WindowID) int {
	for _, u := range l.Usage() {
		if u.ID == id {
			return u.Used
		}
	}
	return -1
}

func TestTestOrderIsSignedAndNotCountedAsOrder(t *testing.T) {
	var path string
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.Method + " " + r.URL.Path
		if err := verifySignature(r); err != nil {
			writeJSON(w, 401, `{"code":-1022,"msg":"bad signature"}`)
			return
		}
		if r.URL.Query().Get("timeInForce") != "GTC" || r.URL.Query().Get("price") != "50000" {
			t.Errorf("unexpected params %s", r.URL.RawQuery)
		}
		writeJSON(w, 200, `{}`)
	})

	req := models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeLimit,
		Quantity: decimal.RequireFromString("0.001"), Price: decimal.RequireFromString("50000"),
		ClientOrderID: "dry-1",
	}
	if err := env.client.TestOrder(context.Background(), req); err != nil {
		t.Fatalf("TestOrder: %v", err)
	}
	if path != "POST /api/v3/order/test" {
		t.Fatalf("unexpected request %s", path)
	}
	if got := used(env.limiter, ratelimit.Orders10s); got != 0 {
		t.Fatalf("test order charged the order window: %d", got)
	}

	req.ClientOrderID = ""
	if err := env.client.TestOrder(context.Background(), req); err == nil {
		t.Fatal("expected error without client order id")
	}
}

func TestTestOrderRejection(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 400, `{"code":-1013,"msg":"Filter failure: LOT_SIZE"}`)
	})
	err := env.client.TestOrder(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideSell, Type: models.OrderTypeMarket,
		Quantity: decimal.RequireFromString("0.0000001"), ClientOrderID: "dry-2",
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != -1013 {
		t.Fatalf("expected filter rejection, got %v", err)
	}
}

func TestOrderBookWeightFollowsLimit(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/depth" || r.URL.Query().Get("limit") != "500" {
			t.Errorf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		writeJSON(w, 200, `{"lastUpdateId":1027024,"bids":[["4.00000000","431.00000000"]],"asks":[["4.00000200","12.00000000"]]}`)
	})

	book, err := env.client.OrderBook(context.Background(), "BNBBTC", 500)
	if err != nil {
		t.Fatalf("OrderBook: %v", err)
	}
	if book.LastUpdateID != 1027024 || len(book.Bids) != 1 || len(book.Asks) != 1 {
		t.Fatalf("unexpected book %+v", book)
	}
	if spread, ok := book.Spread(); !ok || !spread.Equal(decimal.RequireFromString("0.000002")) {
		t.Fatalf("unexpected spread %s, %v", spread, ok)
	}
	if got := used(env.limiter, ratelimit.RequestWeight); got != 25 {
		t.Fatalf("expected weight 25 for 500 levels, got %d", got)
	}
	if depthWeight(0) != 5 || depthWeight(1000) != 50 || depthWeight(5000) != 250 {
		t.Fatal("unexpected depth weight tiers")
	}
}

func TestOrderBookMalformedLevel(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"lastUpdateId":1,"bids":[["x","1"]],"asks":[]}`)
	})
	_, err := env.client.OrderBook(context.Background(), "BNBBTC", 0)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestRecentTradesAndTicker24h(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/trades":
			writeJSON(w, 200, `[{"id":28457,"price":"4.00000100","qty":"12.00000000","quoteQty":"48.000012","time":1499865549590,"isBuyerMaker":true,"isBestMatch":true}]`)
		case "/api/v3/ticker/24hr":
			writeJSON(w, 200, `{"symbol":"BNBBTC","priceChange":"-94.99999800","priceChangePercent":"-95.960","weightedAvgPrice":"0.29628482","prevClosePrice":"0.10002000","lastPrice":"4.00000200","lastQty":"200.00000000","bidPrice":"4.00000000","bidQty":"100.00000000","askPrice":"4.00000200","askQty":"100.00000000","openPrice":"99.00000000","highPrice":"100.00000000","lowPrice":"0.10000000","volume":"8913.30000000","quoteVolume":"15.30000000","openTime":1499783499040,"closeTime":1499869899040,"firstId":28385,"lastId":28460,"count":76}`)
		default:
			writeJSON(w, 404, `{"code":-1,"msg":"not found"}`)
		}
	})

	trades, err := env.client.RecentTrades(context.Background(), "BNBBTC", 1)
	if err != nil {
		t.Fatalf("RecentTrades: %v", err)
	}
	if len(trades) != 1 || trades[0].ID != 28457 || !trades[0].IsBuyerMaker || !trades[0].QuoteQty.Equal(decimal.RequireFromString("48.000012")) {
		t.Fatalf("unexpected trades %+v", trades)
	}

	tk, err := env.client.Ticker24h(context.Background(), "BNBBTC")
	if err != nil {
		t.Fatalf("Ticker24h: %v", err)
	}
	if tk.Symbol != "BNBBTC" || !tk.PriceChangePercent.Equal(decimal.RequireFromString("-95.96")) || tk.Count != 76 {
		t.Fatalf("unexpected ticker %+v", tk)
	}
	if !tk.CloseTime.Equal(time.UnixMilli(1499869899040)) {
		t.Fatalf("unexpected close time %s", tk.CloseTime)
	}
}

func TestKlines(t *testing.T) {
	start := time.UnixMilli(1499040000000)
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("interval") != "1m" || q.Get("startTime") != "1499040000000" || q.Get("endTime") != "" || q.Get("limit") != "2" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		writeJSON(w, 200, `[[1499040000000,"0.01634790","0.80000000","0.01575800","0.01577100","148976.11427815",1499644799999,"2434.19055334",308,"1756.87402397","28.46694368","0"]]`)
	})

	klines, err := env.client.Klines(context.Background(), KlineQuery{Symbol: "BNBBTC", Interval: "1m", Start: start, Limit: 2})
	if err != nil {
		t.Fatalf("Klines: %v", err)
	}
	if len(klines) != 1 {
		t.Fatalf("expected one kline, got %d", len(klines))
	}
	k := klines[0]
	if !k.OpenTime.Equal(start) || !k.High.Equal(decimal.RequireFromString("0.8")) || k.Trades != 308 {
		t.Fatalf("unexpected kline %+v", k)
	}
	if _, err := env.client.Klines(context.Background(), KlineQuery{Symbol: "BNBBTC"}); err == nil {
		t.Fatal("expected error without interval")
	}
}

func TestKlineRowTooShort(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `[[1499040000000,"1"]]`)
	})
	_, err := env.client.Klines(context.Background(), KlineQuery{Symbol: "BNBBTC", Interval: "1h"})
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestAllOrders(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if err := verifySignature(r); err != nil || r.URL.Path != "/api/v3/allOrders" {
			writeJSON(w, 401, `{"code":-1022,"msg":"bad request"}`)
			return
		}
		writeJSON(w, 200, `[{"symbol":"BTCUSDT","orderId":1,"clientOrderId":"a","price":"50000","origQty":"0.001","executedQty":"0.001","cummulativeQuoteQty":"50","status":"FILLED","type":"LIMIT","side":"BUY","updateTime":1709294400000},
{"symbol":"BTCUSDT","orderId":2,"clientOrderId":"b","price":"51000","origQty":"0.001","executedQty":"0","cummulativeQuoteQty":"0","status":"CANCELED","type":"LIMIT","side":"SELL","updateTime":1709294500000}]`)
	})
	orders, err := env.client.AllOrders(context.Background(), "BTCUSDT", 10)
	if err != nil {
		t.Fatalf("AllOrders: %v", err)
	}
	if len(orders) != 2 || orders[0].ClientOrderID != "a" || orders[1].OrderID != 2 {
		t.Fatalf("unexpected orders %+v", orders)
	}
}
