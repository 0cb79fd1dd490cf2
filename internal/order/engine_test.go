package order

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"tradegate/config"
	"tradegate/internal/clock"
	"tradegate/internal/market"
	"tradegate/internal/ratelimit"
	"tradegate/internal/rest"
	"tradegate/internal/risk"
	"tradegate/internal/signing"
	"tradegate/logger"
	"tradegate/models"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quietLog() *logger.Log {
	log := logger.Logger()
	log.SetOutput(io.Discard)
	return log
}

type fakeExchange struct {
	mu      sync.Mutex
	place   func(req models.OrderRequest) (models.OrderAck, error)
	query   func(symbol, id string) (models.OrderAck, error)
	cancel  func(symbol, id string) (models.OrderAck, error)
	placed  int
	queried int
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req models.OrderRequest) (models.OrderAck, error) {
	f.mu.Lock()
	f.placed++
	f.mu.Unlock()
	return f.place(req)
}

func (f *fakeExchange) QueryOrder(_ context.Context, symbol, id string) (models.OrderAck, error) {
	f.mu.Lock()
	f.queried++
	f.mu.Unlock()
	if f.query == nil {
		return models.OrderAck{}, &rest.APIError{HTTPStatus: 400, Code: rest.CodeNoSuchOrder, Message: "Order does not exist."}
	}
	return f.query(symbol, id)
}

func (f *fakeExchange) CancelOrder(_ context.Context, symbol, id string) (models.OrderAck, error) {
	return f.cancel(symbol, id)
}

func (f *fakeExchange) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placed, f.queried
}

type memJournal struct {
	mu     sync.Mutex
	events []models.OrderEvent
}

func (j *memJournal) Record(ev models.OrderEvent) {
	j.mu.Lock()
	j.events = append(j.events, ev)
	j.mu.Unlock()
}

type testEngine struct {
	*Engine
	prices  *market.PriceBook
	policy  *risk.Policy
	journal *memJournal
}

func newTestEngine(t *testing.T, ex Exchange) *testEngine {
	t.Helper()
	fc := clock.NewFake(epoch)
	prices := market.NewPriceBook()
	prices.Update(models.Ticker{Symbol: "BTCUSDT", Price: d("50000"), Time: epoch})
	policy := risk.NewPolicy(risk.Limits{
		MaxPositionUSD:  d("10000"),
		MaxDailyLossUSD: d("1000"),
		MinOrderUSD:     d("10"),
	}, fc)
	journal := &memJournal{}
	e, err := NewEngine(Options{
		Exchange:    ex,
		Prices:      prices,
		Risk:        policy,
		Journal:     journal,
		Environment: "testnet",
		Clock:       fc,
		Log:         quietLog(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &testEngine{Engine: e, prices: prices, policy: policy, journal: journal}
}

func buy(qty string) models.OrderRequest {
	return models.OrderRequest{Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: d(qty)}
}

func filledAck(req models.OrderRequest, price string) models.OrderAck {
	return models.OrderAck{
		Symbol:          req.Symbol,
		ClientOrderID:   req.ClientOrderID,
		OrderID:         42,
		Status:          binance.OrderStatusTypeFilled,
		OrigQty:         req.Quantity,
		ExecutedQty:     req.Quantity,
		CumulativeQuote: req.Quantity.Mul(d(price)),
		Fills:           []models.Fill{{Price: d(price), Quantity: req.Quantity}},
	}
}

func statuses(o models.Order) []models.OrderStatus {
	out := make([]models.OrderStatus, len(o.Transitions))
	for i, tr := range o.Transitions {
		out[i] = tr.Status
	}
	return out
}

// restExchange wires a real REST client to handler, with the documented
// Binance windows on a fake clock.
func restExchange(t *testing.T, handler http.HandlerFunc) (*rest.Client, *clock.Fake) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	fc := clock.NewFake(epoch)
	limiter := ratelimit.New(ratelimit.Options{Windows: ratelimit.DefaultWindows(), Clock: fc})
	creds, err := signing.NewCredentials("key", "secret", nil)
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	signer, err := signing.NewSigner(creds, 5*time.Second)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	client, err := rest.New(rest.Options{
		BaseURL:            srv.URL,
		Signer:             signer,
		Limiter:            limiter,
		MaxAttempts:        3,
		MaxAcquireAttempts: 3,
		MaxWait:            time.Minute,
		Backoff:            config.BackoffConfig{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2},
		Clock:              fc,
		Sleep:              fc.Sleep,
		Log:                quietLog(),
	})
	if err != nil {
		t.Fatalf("rest client: %v", err)
	}
	return client, fc
}

func TestFiftyOneOrdersOneDelayed(t *testing.T) {
	var mu sync.Mutex
	var arrivals []time.Time
	var fc *clock.Fake
	client, fc := restExchange(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v3/order" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		arrivals = append(arrivals, fc.Now())
		mu.Unlock()
		q := r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"symbol":"BTCUSDT","orderId":1,"clientOrderId":%q,"status":"NEW","origQty":%q,"executedQty":"0","cummulativeQuoteQty":"0","price":"50000"}`,
			q.Get("newClientOrderId"), q.Get("quantity"))
	})

	e := newTestEngine(t, client)
	for i := 0; i < 51; i++ {
		req := models.OrderRequest{Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeLimit, Quantity: d("0.0003"), Price: d("50000")}
		o, err := e.Submit(context.Background(), req)
		if err != nil {
			t.Fatalf("order %d: %v", i, err)
		}
		if o.Status != models.StatusSubmitted {
			t.Fatalf("order %d: unexpected status %s", i, o.Status)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(arrivals) != 51 {
		t.Fatalf("expected 51 placements, got %d", len(arrivals))
	}
	immediate := 0
	for _, at := range arrivals {
		if at.Equal(epoch) {
			immediate++
		}
	}
	if immediate != 50 {
		t.Fatalf("expected 50 orders inside the first window, got %d", immediate)
	}
	if delay := arrivals[50].Sub(epoch); delay != 10*time.Second {
		t.Fatalf("expected the 51st order to wait for the next window, waited %v", delay)
	}
	if slept := fc.Slept(); len(slept) != 1 || slept[0] != 10*time.Second {
		t.Fatalf("expected a single 10s wait, got %v", slept)
	}
}

func TestBelowMinimumOrderNeverReachesExchange(t *testing.T) {
	var calls atomic.Int32
	client, _ := restExchange(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	e := newTestEngine(t, client)

	o, err := e.Submit(context.Background(), buy("0.0001")) // $5 at 50000
	if !errors.Is(err, risk.ErrRiskLimitExceeded) {
		t.Fatalf("expected ErrRiskLimitExceeded, got %v", err)
	}
	var le *risk.LimitError
	if !errors.As(err, &le) || le.Limit != risk.LimitMinOrder {
		t.Fatalf("expected min order violation, got %v", err)
	}
	var oe *OrderError
	if !errors.As(err, &oe) || oe.Order.Status != models.StatusFailed {
		t.Fatalf("expected FAILED order error, got %v", err)
	}
	if o.Status != models.StatusFailed {
		t.Fatalf("unexpected status %s", o.Status)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("expected zero REST calls, got %d", n)
	}
	if used := client.Limiter().Usage(); used[0].Used != 0 {
		t.Fatalf("risk rejection consumed rate limit: %+v", used)
	}
}

func TestMarketOrderWithoutReferencePrice(t *testing.T) {
	ex := &fakeExchange{}
	e := newTestEngine(t, ex)

	_, err := e.Submit(context.Background(), models.OrderRequest{Symbol: "ethusdt", Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: d("1")})
	if !errors.Is(err, ErrNoReferencePrice) {
		t.Fatalf("expected ErrNoReferencePrice, got %v", err)
	}
	if placed, _ := ex.counts(); placed != 0 {
		t.Fatalf("order reached exchange %d times", placed)
	}
}

func TestMarketOrderFilled(t *testing.T) {
	ex := &fakeExchange{place: func(req models.OrderRequest) (models.OrderAck, error) {
		if req.ClientOrderID == "" || len(req.ClientOrderID) > 36 {
			return models.OrderAck{}, fmt.Errorf("bad client id %q", req.ClientOrderID)
		}
		return filledAck(req, "50010"), nil
	}}
	e := newTestEngine(t, ex)

	o, err := e.Submit(context.Background(), buy("0.01"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	want := []models.OrderStatus{models.StatusPendingValidation, models.StatusSubmitted, models.StatusFilled}
	if got := statuses(o); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected transitions %v", got)
	}
	if !o.ExecutedQty.Equal(d("0.01")) || !o.AvgPrice().Equal(d("50010")) || o.ExchangeOrderID != 42 {
		t.Fatalf("unexpected order %+v", o)
	}
	if pos := e.policy.Position("BTCUSDT"); !pos.Quantity.Equal(d("0.01")) || !pos.AvgCost.Equal(d("50010")) {
		t.Fatalf("fill not booked: %+v", pos)
	}
	if got, ok := e.Order(o.ClientOrderID); !ok || got.Status != models.StatusFilled {
		t.Fatalf("order not tracked: %+v", got)
	}
	if n := len(e.journal.events); n != 3 {
		t.Fatalf("expected 3 journal events, got %d", n)
	}
}

func TestRejectionKeepsExchangeMessage(t *testing.T) {
	msg := "Account has insufficient balance for requested action."
	ex := &fakeExchange{place: func(models.OrderRequest) (models.OrderAck, error) {
		return models.OrderAck{}, &rest.APIError{HTTPStatus: 400, Code: rest.CodeNewOrderRejected, Message: msg}
	}}
	e := newTestEngine(t, ex)

	o, err := e.Submit(context.Background(), buy("0.01"))
	var apiErr *rest.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != rest.CodeNewOrderRejected {
		t.Fatalf("expected APIError, got %v", err)
	}
	if o.Status != models.StatusRejected || o.Reason != msg {
		t.Fatalf("unexpected order %s %q", o.Status, o.Reason)
	}
}

func TestRateLimitedOrderFails(t *testing.T) {
	ex := &fakeExchange{place: func(models.OrderRequest) (models.OrderAck, error) {
		return models.OrderAck{}, &rest.RateLimitedError{Endpoint: "order", HTTPStatus: 429, RetryAfter: time.Second,
			Err: &rest.APIError{HTTPStatus: 429, Code: rest.CodeTooManyRequests, Message: "Too many requests."}}
	}}
	e := newTestEngine(t, ex)

	o, err := e.Submit(context.Background(), buy("0.01"))
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if o.Status != models.StatusFailed {
		t.Fatalf("expected FAILED, got %s", o.Status)
	}
}

func TestAmbiguousPlacementReconciled(t *testing.T) {
	ex := &fakeExchange{
		place: func(models.OrderRequest) (models.OrderAck, error) {
			return models.OrderAck{}, &rest.AmbiguousError{Endpoint: "order", Err: errors.New("connection reset")}
		},
	}
	ex.query = func(symbol, id string) (models.OrderAck, error) {
		return filledAck(models.OrderRequest{Symbol: symbol, ClientOrderID: id, Quantity: d("0.01")}, "50000"), nil
	}
	e := newTestEngine(t, ex)

	o, err := e.Submit(context.Background(), buy("0.01"))
	if err != nil {
		t.Fatalf("expected reconciliation to succeed, got %v", err)
	}
	if o.Status != models.StatusFilled {
		t.Fatalf("expected FILLED, got %s", o.Status)
	}
	if placed, queried := ex.counts(); placed != 1 || queried != 1 {
		t.Fatalf("unexpected calls: placed=%d queried=%d", placed, queried)
	}
}

func TestAmbiguousPlacementConfirmedAbsent(t *testing.T) {
	ex := &fakeExchange{place: func(models.OrderRequest) (models.OrderAck, error) {
		return models.OrderAck{}, &rest.AmbiguousError{Endpoint: "order", Err: errors.New("timeout")}
	}}
	e := newTestEngine(t, ex)

	o, err := e.Submit(context.Background(), buy("0.01"))
	var amb *AmbiguousOrderError
	if err == nil || errors.As(err, &amb) {
		t.Fatalf("expected a plain failure, got %v", err)
	}
	if o.Status != models.StatusFailed || len(e.Unresolved()) != 0 {
		t.Fatalf("unexpected state %s, unresolved %d", o.Status, len(e.Unresolved()))
	}
}

func TestUnresolvedOrderSettledByReconcile(t *testing.T) {
	var exists atomic.Bool
	ex := &fakeExchange{place: func(models.OrderRequest) (models.OrderAck, error) {
		return models.OrderAck{}, &rest.AmbiguousError{Endpoint: "order", Err: errors.New("timeout")}
	}}
	ex.query = func(symbol, id string) (models.OrderAck, error) {
		if !exists.Load() {
			return models.OrderAck{}, errors.New("network unreachable")
		}
		return filledAck(models.OrderRequest{Symbol: symbol, ClientOrderID: id, Quantity: d("0.01")}, "50000"), nil
	}
	e := newTestEngine(t, ex)

	o, err := e.Submit(context.Background(), buy("0.01"))
	var amb *AmbiguousOrderError
	if !errors.As(err, &amb) {
		t.Fatalf("expected AmbiguousOrderError, got %v", err)
	}
	if amb.Symbol != "BTCUSDT" || !amb.Quantity.Equal(d("0.01")) || amb.LastStatus != models.StatusSubmitted {
		t.Fatalf("unexpected ambiguity details %+v", amb)
	}
	if o.Status != models.StatusFailed || len(e.Unresolved()) != 1 {
		t.Fatalf("expected one unresolved FAILED order, got %s / %d", o.Status, len(e.Unresolved()))
	}

	exists.Store(true)
	if err := e.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got, _ := e.Order(o.ClientOrderID)
	if got.Status != models.StatusFilled || got.Reason != "reconciled" {
		t.Fatalf("expected reconciled FILLED, got %s %q", got.Status, got.Reason)
	}
	if len(e.Unresolved()) != 0 {
		t.Fatal("order still unresolved")
	}
	if pos := e.policy.Position("BTCUSDT"); !pos.Quantity.Equal(d("0.01")) {
		t.Fatalf("reconciled fill not booked: %+v", pos)
	}
}

func TestExecutionReportsAreMonotonic(t *testing.T) {
	ex := &fakeExchange{place: func(req models.OrderRequest) (models.OrderAck, error) {
		return models.OrderAck{Symbol: req.Symbol, ClientOrderID: req.ClientOrderID, OrderID: 7, Status: binance.OrderStatusTypeNew}, nil
	}}
	e := newTestEngine(t, ex)

	req := models.OrderRequest{Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeLimit, Quantity: d("0.1"), Price: d("49000")}
	o, err := e.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	report := func(status binance.OrderStatusType, last, cum string) models.ExecutionReport {
		return models.ExecutionReport{
			Symbol:          "BTCUSDT",
			ClientOrderID:   o.ClientOrderID,
			Status:          status,
			OrderID:         7,
			LastQty:         d(last),
			LastPrice:       d("49000"),
			CumulativeQty:   d(cum),
			CumulativeQuote: d(cum).Mul(d("49000")),
		}
	}

	e.ApplyExecution(report(binance.OrderStatusTypePartiallyFilled, "0.04", "0.04"))
	e.ApplyExecution(report(binance.OrderStatusTypePartiallyFilled, "0.02", "0.02")) // stale
	e.ApplyExecution(report(binance.OrderStatusTypeFilled, "0.06", "0.1"))
	e.ApplyExecution(report(binance.OrderStatusTypeNew, "0", "0")) // late duplicate

	got, _ := e.Order(o.ClientOrderID)
	want := []models.OrderStatus{models.StatusPendingValidation, models.StatusSubmitted, models.StatusPartiallyFilled, models.StatusFilled}
	if fmt.Sprint(statuses(got)) != fmt.Sprint(want) {
		t.Fatalf("unexpected transitions %v", statuses(got))
	}
	if !got.ExecutedQty.Equal(d("0.1")) || len(got.Fills) != 2 {
		t.Fatalf("unexpected fills %+v", got.Fills)
	}
	if pos := e.policy.Position("BTCUSDT"); !pos.Quantity.Equal(d("0.1")) {
		t.Fatalf("fills booked more than once: %+v", pos)
	}
	if e.ApplyExecution(models.ExecutionReport{ClientOrderID: "someone-else"}) {
		t.Fatal("report for unknown order applied")
	}
}

func TestCancel(t *testing.T) {
	ex := &fakeExchange{
		place: func(req models.OrderRequest) (models.OrderAck, error) {
			return models.OrderAck{Symbol: req.Symbol, ClientOrderID: req.ClientOrderID, Status: binance.OrderStatusTypeNew}, nil
		},
		cancel: func(symbol, id string) (models.OrderAck, error) {
			return models.OrderAck{Symbol: symbol, ClientOrderID: id, Status: binance.OrderStatusTypeCanceled}, nil
		},
	}
	e := newTestEngine(t, ex)

	req := models.OrderRequest{Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeLimit, Quantity: d("0.1"), Price: d("40000")}
	o, err := e.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	o, err = e.Cancel(context.Background(), o.ClientOrderID)
	if err != nil || o.Status != models.StatusCanceled {
		t.Fatalf("cancel: %s %v", o.Status, err)
	}
	if _, err := e.Cancel(context.Background(), o.ClientOrderID); err == nil {
		t.Fatal("expected error cancelling a terminal order")
	}
	if _, err := e.Cancel(context.Background(), "missing"); !errors.Is(err, ErrUnknownOrder) {
		t.Fatalf("expected ErrUnknownOrder, got %v", err)
	}
}

func TestDuplicateClientOrderID(t *testing.T) {
	ex := &fakeExchange{place: func(req models.OrderRequest) (models.OrderAck, error) { return filledAck(req, "50000"), nil }}
	e := newTestEngine(t, ex)

	req := buy("0.001")
	req.ClientOrderID = "fixed-id"
	if _, err := e.Submit(context.Background(), req); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := e.Submit(context.Background(), req); !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
	if placed, _ := ex.counts(); placed != 1 {
		t.Fatalf("duplicate reached exchange: %d placements", placed)
	}
}

func TestOnUpdateSeesEveryTransition(t *testing.T) {
	ex := &fakeExchange{place: func(req models.OrderRequest) (models.OrderAck, error) { return filledAck(req, "50000"), nil }}
	e := newTestEngine(t, ex)

	var seen []models.OrderStatus
	e.OnUpdate(func(o models.Order) { seen = append(seen, o.Status) })
	if _, err := e.Submit(context.Background(), buy("0.001")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(seen) != 3 || seen[2] != models.StatusFilled {
		t.Fatalf("unexpected updates %v", seen)
	}
}
