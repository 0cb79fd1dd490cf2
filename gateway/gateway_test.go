package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"tradegate/config"
	"tradegate/internal/ratelimit"
	"tradegate/internal/stream"
	"tradegate/logger"
	"tradegate/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quietLog() *logger.Log {
	log := logger.Logger()
	log.SetOutput(io.Discard)
	return log
}

// parseConfig keeps the host environment out of the parsed configuration.
func parseConfig(t *testing.T, content string) *config.Config {
	t.Helper()
	for _, k := range []string{
		"BINANCE_ENVIRONMENT", "BINANCE_API_KEY", "BINANCE_API_SECRET",
		"BINANCE_PRIVATE_KEY_PATH", "BINANCE_MAX_POSITION_SIZE_USD",
		"BINANCE_MAX_DAILY_LOSS_USD", "BINANCE_MIN_ORDER_SIZE_USD",
		"BINANCE_MAX_ORDER_SIZE_USD", "BINANCE_MAX_DAILY_VOLUME_USD",
		"BINANCE_RATE_LIMIT_REQUESTS_PER_MIN", "JOURNAL_S3_BUCKET",
	} {
		t.Setenv(k, "")
	}
	cfg, err := config.Parse([]byte(content))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

const paperConfig = `environment: paper
paper:
  balances: {USDT: 10000}
  prices: {BTCUSDT: 50000}
`

func newPaperGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := New(parseConfig(t, paperConfig), WithLogger(quietLog()))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(g.Stop)
	return g
}

func TestPaperMarketBuyFills(t *testing.T) {
	g := newPaperGateway(t)
	if g.Environment() != config.EnvPaper {
		t.Fatalf("unexpected environment %s", g.Environment())
	}

	o, err := g.SubmitOrder(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: d("0.001"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if o.Status != models.StatusFilled || !o.Paper {
		t.Fatalf("expected filled paper order, got %s paper=%v", o.Status, o.Paper)
	}
	if !o.AvgPrice().Equal(d("50000")) {
		t.Errorf("unexpected fill price %s", o.AvgPrice())
	}

	acct, err := g.GetAccount(context.Background())
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	usdt, _ := acct.Balance("USDT")
	btc, _ := acct.Balance("BTC")
	if !usdt.Free.Equal(d("9950")) || !btc.Free.Equal(d("0.001")) {
		t.Errorf("unexpected balances usdt=%s btc=%s", usdt.Free, btc.Free)
	}
	if pos := g.Positions(); len(pos) != 1 || !pos[0].Quantity.Equal(d("0.001")) {
		t.Errorf("unexpected positions %+v", pos)
	}
	if g.RateLimitUsage() != nil {
		t.Error("paper mode should not rate limit")
	}
	if got, ok := g.Order(o.ClientOrderID); !ok || got.Status != models.StatusFilled {
		t.Errorf("order lookup returned %+v, %v", got, ok)
	}
}

func TestPaperRiskRejectsSmallOrder(t *testing.T) {
	g := newPaperGateway(t)

	o, err := g.SubmitOrder(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeLimit, Quantity: d("0.0001"), Price: d("50000"),
	})
	if !errors.Is(err, ErrRiskLimitExceeded) {
		t.Fatalf("expected risk limit error, got %v", err)
	}
	var limitErr *RiskLimitError
	if !errors.As(err, &limitErr) || !limitErr.Value.Equal(d("5")) {
		t.Fatalf("expected min order violation, got %v", err)
	}
	var orderErr *OrderError
	if !errors.As(err, &orderErr) {
		t.Fatalf("expected order error, got %T", err)
	}
	if o.Status != models.StatusFailed {
		t.Errorf("expected FAILED, got %s", o.Status)
	}
	acct, _ := g.GetAccount(context.Background())
	if usdt, _ := acct.Balance("USDT"); !usdt.Free.Equal(d("10000")) {
		t.Errorf("balance changed: %s", usdt.Free)
	}
}

func TestPaperPriceUpdatesReachSubscribers(t *testing.T) {
	g := newPaperGateway(t)

	got := make(chan models.TradeEvent, 2)
	if err := g.Subscribe("BTCUSDT@aggTrade", func(msg models.StreamMessage) {
		ev, err := models.DecodeTrade(msg.Data)
		if err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		got <- ev
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	resting, err := g.SubmitOrder(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeLimit, Quantity: d("0.001"), Price: d("49000"),
	})
	if err != nil || resting.Status != models.StatusSubmitted {
		t.Fatalf("expected resting order, got %s, %v", resting.Status, err)
	}

	if err := g.UpdatePrice("btcusdt", d("48900")); err != nil {
		t.Fatalf("update price: %v", err)
	}
	ev := <-got
	if ev.Symbol != "BTCUSDT" || !ev.Price.Equal(d("48900")) {
		t.Errorf("unexpected trade %+v", ev)
	}
	if o, _ := g.Order(resting.ClientOrderID); o.Status != models.StatusFilled {
		t.Errorf("expected crossed order to fill, got %s", o.Status)
	}
	if ticker, err := g.GetPrice(context.Background(), "BTCUSDT"); err != nil || !ticker.Price.Equal(d("48900")) {
		t.Errorf("unexpected price %v, %v", ticker.Price, err)
	}

	if err := g.Unsubscribe("btcusdt@aggTrade"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := g.UpdatePrice("BTCUSDT", d("48800")); err != nil {
		t.Fatalf("update price: %v", err)
	}
	select {
	case ev := <-got:
		t.Fatalf("unexpected delivery after unsubscribe: %+v", ev)
	default:
	}
}

func TestStopIsIdempotent(t *testing.T) {
	g := newPaperGateway(t)
	g.Stop()
	g.Stop()
	if err := g.Subscribe("btcusdt@trade", func(models.StreamMessage) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := g.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on restart, got %v", err)
	}
}

func TestUpdatePriceRequiresPaper(t *testing.T) {
	srv := newExchangeServer(t)
	g, err := New(parseConfig(t, srv.config("")), WithLogger(quietLog()))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if err := g.UpdatePrice("BTCUSDT", d("1")); !errors.Is(err, ErrNotPaper) {
		t.Fatalf("expected ErrNotPaper, got %v", err)
	}
}

func TestInvalidPrivateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	cfg := parseConfig(t, fmt.Sprintf("environment: testnet\ncredentials: {api_key: k, private_key_path: %q}\n", path))
	if _, err := New(cfg, WithLogger(quietLog())); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

//////////////////////////////////////////////////////////////////////////////
////////////////////////////////// TESTNET ///////////////////////////////////
//////////////////////////////////////////////////////////////////////////////

const exchangeInfoBody = `{
  "timezone":"UTC","serverTime":1709294400000,
  "rateLimits":[
    {"rateLimitType":"REQUEST_WEIGHT","interval":"MINUTE","intervalNum":1,"limit":6000},
    {"rateLimitType":"ORDERS","interval":"SECOND","intervalNum":10,"limit":40}
  ],
  "exchangeFilters":[],
  "symbols":[{
    "symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT",
    "filters":[
      {"filterType":"PRICE_FILTER","minPrice":"0.01000000","maxPrice":"1000000.00000000","tickSize":"0.01000000"},
      {"filterType":"LOT_SIZE","minQty":"0.00001000","maxQty":"9000.00000000","stepSize":"0.00001000"},
      {"filterType":"NOTIONAL","minNotional":"5.00000000","applyMinToMarket":true,"maxNotional":"9000000.00000000","applyMaxToMarket":false,"avgPriceMins":5}
    ]
  }]
}`

const ethInfoBody = `{
  "timezone":"UTC","serverTime":1709294400000,"rateLimits":[],"exchangeFilters":[],
  "symbols":[{
    "symbol":"ETHUSDT","status":"TRADING","baseAsset":"ETH","quoteAsset":"USDT",
    "filters":[
      {"filterType":"PRICE_FILTER","minPrice":"0.01000000","maxPrice":"1000000.00000000","tickSize":"0.01000000"},
      {"filterType":"LOT_SIZE","minQty":"0.00010000","maxQty":"9000.00000000","stepSize":"0.00010000"},
      {"filterType":"NOTIONAL","minNotional":"5.00000000","applyMinToMarket":true,"maxNotional":"9000000.00000000","applyMaxToMarket":false,"avgPriceMins":5}
    ]
  }]
}`

var serverPrices = map[string]string{"BTCUSDT": "50000.00", "ETHUSDT": "3000.00"}

// exchangeServer answers the REST calls a gateway makes and accepts stream
// connections on /stream and /ws/<listenKey>.
type exchangeServer struct {
	*httptest.Server
	mu       sync.Mutex
	calls    map[string]int
	closed   []string
	market   chan *websocket.Conn
	userConn chan *websocket.Conn
}

func newExchangeServer(t *testing.T) *exchangeServer {
	t.Helper()
	s := &exchangeServer{
		calls:    make(map[string]int),
		market:   make(chan *websocket.Conn, 4),
		userConn: make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()

		if r.URL.Path == "/stream" || strings.HasPrefix(r.URL.Path, "/ws/") {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			ch := s.market
			if r.URL.Path != "/stream" {
				ch = s.userConn
			}
			select {
			case ch <- ws:
			default:
				ws.Close()
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch r.Method + " " + r.URL.Path {
		case "GET /api/v3/time":
			fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().UnixMilli())
		case "GET /api/v3/exchangeInfo":
			if r.URL.Query().Get("symbol") == "ETHUSDT" {
				io.WriteString(w, ethInfoBody)
				return
			}
			io.WriteString(w, exchangeInfoBody)
		case "GET /api/v3/ticker/price":
			sym := r.URL.Query().Get("symbol")
			price, ok := serverPrices[sym]
			if !ok {
				w.WriteHeader(http.StatusBadRequest)
				io.WriteString(w, `{"code":-1121,"msg":"Invalid symbol."}`)
				return
			}
			fmt.Fprintf(w, `{"symbol":%q,"price":%q}`, sym, price)
		case "GET /api/v3/depth":
			io.WriteString(w, `{"lastUpdateId":9,"bids":[["49999.99","1.5"]],"asks":[["50000.01","0.7"]]}`)
		case "POST /api/v3/order/test":
			io.WriteString(w, `{}`)
		case "GET /api/v3/account":
			io.WriteString(w, `{"canTrade":true,"balances":[{"asset":"BTC","free":"0.002","locked":"0"},{"asset":"USDT","free":"1000","locked":"0"}]}`)
		case "POST /api/v3/order":
			q := r.URL.Query()
			fmt.Fprintf(w, `{"symbol":%q,"orderId":7,"clientOrderId":%q,"transactTime":%d,"price":"0","origQty":%q,"executedQty":%q,"cummulativeQuoteQty":"50.00","status":"FILLED","type":"MARKET","side":"BUY","fills":[{"price":"50000.00","qty":%q,"commission":"0","commissionAsset":"BNB"}]}`,
				q.Get("symbol"), q.Get("newClientOrderId"), time.Now().UnixMilli(), q.Get("quantity"), q.Get("quantity"), q.Get("quantity"))
		case "POST /api/v3/userDataStream":
			io.WriteString(w, `{"listenKey":"key1"}`)
		case "PUT /api/v3/userDataStream":
			io.WriteString(w, `{}`)
		case "DELETE /api/v3/userDataStream":
			s.mu.Lock()
			s.closed = append(s.closed, r.URL.Query().Get("listenKey"))
			s.mu.Unlock()
			io.WriteString(w, `{}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"code":-1,"msg":"not found"}`)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *exchangeServer) count(call string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[call]
}

func (s *exchangeServer) config(extra string) string {
	ws := "ws" + strings.TrimPrefix(s.URL, "http")
	return fmt.Sprintf(`environment: testnet
credentials: {api_key: key, api_secret: secret}
exchange:
  symbols: [BTCUSDT]
  endpoints:
    testnet: {rest_url: %q, stream_url: %q}
stream:
  ping_interval: 2s
  pong_timeout: 2s
  reconnect: {min: 10ms, max: 50ms, factor: 2}
  control_messages_per_second: 100
%s`, s.URL, ws, extra)
}

func accept(t *testing.T, ch chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-ch:
		t.Cleanup(func() { ws.Close() })
		return ws
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream connection")
		return nil
	}
}

func TestTestnetStartAndTrade(t *testing.T) {
	srv := newExchangeServer(t)
	g, err := New(parseConfig(t, srv.config("")), WithLogger(quietLog()))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	trades := make(chan models.StreamMessage, 1)
	if err := g.Subscribe("BTCUSDT@trade", func(msg models.StreamMessage) { trades <- msg }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(g.Stop)

	if srv.count("GET /api/v3/time") != 1 || srv.count("GET /api/v3/exchangeInfo") != 1 {
		t.Fatal("bootstrap did not sync time and load exchange info")
	}
	for _, u := range g.RateLimitUsage() {
		if u.ID == ratelimit.Orders10s && u.Capacity != 40 {
			t.Errorf("order window not lowered to exchange limit: %d", u.Capacity)
		}
	}
	if price, ok := g.prices.LastPrice("BTCUSDT"); !ok || !price.Equal(d("50000")) {
		t.Fatalf("price book not seeded: %s, %v", price, ok)
	}
	if pos := g.Positions(); len(pos) != 1 || !pos[0].Quantity.Equal(d("0.002")) || !pos[0].AvgCost.Equal(d("50000")) {
		t.Fatalf("positions not seeded from account: %+v", pos)
	}

	ws := accept(t, srv.market)
	var sub struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
	}
	if err := ws.ReadJSON(&sub); err != nil {
		t.Fatalf("read subscribe: %v", err)
	}
	if sub.Method != "SUBSCRIBE" || len(sub.Params) != 1 || sub.Params[0] != "btcusdt@trade" {
		t.Fatalf("unexpected subscribe frame %+v", sub)
	}
	at := time.Now().Add(time.Second).UnixMilli()
	frame := fmt.Sprintf(`{"stream":"btcusdt@trade","data":{"e":"trade","E":%d,"s":"BTCUSDT","t":1,"p":"51000.00","q":"0.1","T":%d,"m":false,"M":true}}`, at, at)
	if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("push trade: %v", err)
	}
	select {
	case msg := <-trades:
		if msg.Topic != "btcusdt@trade" {
			t.Errorf("unexpected topic %s", msg.Topic)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("trade not delivered")
	}
	if price, _ := g.prices.LastPrice("BTCUSDT"); !price.Equal(d("51000")) {
		t.Errorf("trade did not update price book: %s", price)
	}

	o, err := g.SubmitOrder(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: d("0.001"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if o.Status != models.StatusFilled || o.Paper {
		t.Fatalf("unexpected order %s paper=%v", o.Status, o.Paper)
	}
	if g.StreamState() != stream.StateConnected {
		t.Errorf("unexpected stream state %s", g.StreamState())
	}
}

func TestTestnetRiskRejectionSkipsExchange(t *testing.T) {
	srv := newExchangeServer(t)
	g, err := New(parseConfig(t, srv.config("")), WithLogger(quietLog()))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(g.Stop)

	_, err = g.SubmitOrder(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeLimit, Quantity: d("0.0001"), Price: d("50000"),
	})
	if !errors.Is(err, ErrRiskLimitExceeded) {
		t.Fatalf("expected risk limit error, got %v", err)
	}
	if n := srv.count("POST /api/v3/order"); n != 0 {
		t.Fatalf("expected no order calls, got %d", n)
	}
}

func TestUserDataStreamLifecycle(t *testing.T) {
	srv := newExchangeServer(t)
	g, err := New(parseConfig(t, srv.config("  user_data: true\n")), WithLogger(quietLog()))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	accept(t, srv.userConn)
	if srv.count("POST /api/v3/userDataStream") != 1 {
		t.Fatalf("listen key not created")
	}
	g.Stop()

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.closed) != 1 || srv.closed[0] != "key1" {
		t.Fatalf("listen key not closed on stop: %v", srv.closed)
	}
}

func startTestnet(t *testing.T, srv *exchangeServer, extra string) *Gateway {
	t.Helper()
	g, err := New(parseConfig(t, srv.config(extra)), WithLogger(quietLog()))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(g.Stop)
	return g
}

func TestMarketOrderOnUnconfiguredSymbol(t *testing.T) {
	srv := newExchangeServer(t)
	g := startTestnet(t, srv, "")
	infoCalls := srv.count("GET /api/v3/exchangeInfo")
	priceCalls := srv.count("GET /api/v3/ticker/price")

	o, err := g.SubmitOrder(context.Background(), models.OrderRequest{
		Symbol: "ethusdt", Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: d("0.01"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if o.Status != models.StatusFilled || o.Symbol != "ETHUSDT" {
		t.Fatalf("unexpected order %s %s", o.Symbol, o.Status)
	}
	if n := srv.count("GET /api/v3/exchangeInfo") - infoCalls; n != 1 {
		t.Fatalf("expected one exchangeInfo load, got %d", n)
	}
	if n := srv.count("GET /api/v3/ticker/price") - priceCalls; n != 1 {
		t.Fatalf("expected one price lookup, got %d", n)
	}
	if _, ok := g.rules.Rules("ETHUSDT"); !ok {
		t.Fatal("filters of ETHUSDT not cached")
	}

	if _, err := g.SubmitOrder(context.Background(), models.OrderRequest{
		Symbol: "ETHUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: d("0.01"),
	}); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if n := srv.count("GET /api/v3/exchangeInfo") - infoCalls; n != 1 {
		t.Fatalf("filters reloaded: %d loads", n)
	}
}

func TestLimitOrderOnUnconfiguredSymbolChecksFilters(t *testing.T) {
	srv := newExchangeServer(t)
	g := startTestnet(t, srv, "")

	_, err := g.SubmitOrder(context.Background(), models.OrderRequest{
		Symbol: "ETHUSDT", Side: models.SideBuy, Type: models.OrderTypeLimit, Quantity: d("0.01"), Price: d("3000.005"),
	})
	var limitErr *RiskLimitError
	if !errors.As(err, &limitErr) || limitErr.Limit != "symbol_filter" {
		t.Fatalf("expected symbol filter rejection, got %v", err)
	}
	if n := srv.count("POST /api/v3/order"); n != 0 {
		t.Fatalf("expected no order calls, got %d", n)
	}

	_, err = g.SubmitOrder(context.Background(), models.OrderRequest{
		Symbol: "DOGEUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: d("100"),
	})
	var orderErr *OrderError
	if !errors.As(err, &orderErr) || orderErr.Order.Status != models.StatusFailed {
		t.Fatalf("expected failed order for unlisted symbol, got %v", err)
	}
}

func TestTestnetDryRunAndStats(t *testing.T) {
	srv := newExchangeServer(t)
	g := startTestnet(t, srv, "")

	req, err := g.TestOrder(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: d("0.001"),
	})
	if err != nil {
		t.Fatalf("test order: %v", err)
	}
	if req.ClientOrderID == "" || srv.count("POST /api/v3/order/test") != 1 || srv.count("POST /api/v3/order") != 0 {
		t.Fatalf("dry run did not go through the test endpoint only")
	}
	if len(g.Orders()) != 0 {
		t.Fatal("dry run was tracked")
	}

	if _, err := g.SubmitOrder(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: d("0.001"),
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	stats := g.TradingStats()
	if stats.Total != 1 || stats.Filled != 1 || stats.Paper {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if !stats.DailyVolume.Equal(d("50")) || !stats.RemainingDailyVolume.Equal(d("49950")) {
		t.Fatalf("unexpected volume %s remaining %s", stats.DailyVolume, stats.RemainingDailyVolume)
	}

	book, err := g.OrderBook(context.Background(), "btcusdt", 5)
	if err != nil {
		t.Fatalf("order book: %v", err)
	}
	if spread, ok := book.Spread(); !ok || !spread.Equal(d("0.02")) || book.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected book %+v", book)
	}
}

func TestMarketDataRequiresLiveEnvironment(t *testing.T) {
	g := newPaperGateway(t)
	if _, err := g.OrderBook(context.Background(), "BTCUSDT", 0); !errors.Is(err, ErrLiveOnly) {
		t.Fatalf("expected ErrLiveOnly, got %v", err)
	}
	if _, err := g.AllOrders(context.Background(), "BTCUSDT", 0); !errors.Is(err, ErrLiveOnly) {
		t.Fatalf("expected ErrLiveOnly, got %v", err)
	}

	req, err := g.TestOrder(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: d("0.001"),
	})
	if err != nil || req.ClientOrderID == "" {
		t.Fatalf("paper dry run: %v", err)
	}
	acct, _ := g.GetAccount(context.Background())
	if usdt, _ := acct.Balance("USDT"); !usdt.Free.Equal(d("10000")) {
		t.Fatalf("dry run moved funds: %s", usdt.Free)
	}
	if s := g.TradingStats(); s.Total != 0 || !s.Paper {
		t.Fatalf("unexpected stats %+v", s)
	}
}
