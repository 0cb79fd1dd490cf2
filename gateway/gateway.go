// Package gateway is the consumer-facing entry point. A Gateway wires
// signing, rate limiting, the REST client, market and user data streams,
// risk checks and the order engine for exactly one environment, chosen when
// it is built.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/config"
	"tradegate/internal/clock"
	"tradegate/internal/journal"
	"tradegate/internal/market"
	"tradegate/internal/order"
	"tradegate/internal/paper"
	"tradegate/internal/ratelimit"
	"tradegate/internal/rest"
	"tradegate/internal/risk"
	"tradegate/internal/signing"
	"tradegate/internal/stream"
	"tradegate/logger"
	"tradegate/models"
)

// Option customizes New.
type Option func(*settings)

type settings struct {
	clock     clock.Clock
	sleep     clock.Sleeper
	log       *logger.Log
	transport http.RoundTripper
	uploader  journal.Uploader
}

// WithClock replaces the wall clock and the sleeper used by retry loops.
func WithClock(c clock.Clock, sleep clock.Sleeper) Option {
	return func(s *settings) {
		if c != nil {
			s.clock = c
		}
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithLogger routes every component's logs to log.
func WithLogger(log *logger.Log) Option {
	return func(s *settings) {
		if log != nil {
			s.log = log
		}
	}
}

// WithTransport replaces the pooled HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(s *settings) { s.transport = rt }
}

// WithJournalUploader sends journal batches through u instead of an S3
// client built from the journal configuration.
func WithJournalUploader(u journal.Uploader) Option {
	return func(s *settings) { s.uploader = u }
}

// Gateway is safe for concurrent use.
type Gateway struct {
	cfg     *config.Config
	env     config.Environment
	symbols []string
	clock   clock.Clock
	log     *logger.Log

	limiter *ratelimit.Limiter
	client  *rest.Client
	paper   *paper.Exchange
	prices  *market.PriceBook
	rules   *market.RuleBook
	risk    *risk.Policy
	engine  *order.Engine
	journal *journal.Journal

	market *stream.Manager
	user   *stream.Manager
	keys   *stream.ListenKeys

	mu       sync.Mutex
	handlers map[string]stream.Handler
	feeds    map[string]bool
	running  bool
	stopped  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	tradeID atomic.Int64
}

// New builds a Gateway for cfg's environment. Production and testnet
// validate credentials here; paper needs none and never touches the network
// unless live prices are enabled.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("gateway: config is required")
	}
	env := cfg.Env()
	if env == "" {
		return nil, errors.New("gateway: environment not resolved, load the config with config.Parse")
	}
	s := settings{clock: clock.Real(), sleep: clock.Sleep, log: logger.GetLogger()}
	for _, o := range opts {
		o(&s)
	}

	g := &Gateway{
		cfg:      cfg,
		env:      env,
		clock:    s.clock,
		log:      s.log,
		prices:   market.NewPriceBook(),
		rules:    market.NewRuleBook(),
		risk:     risk.NewPolicy(risk.LimitsFromConfig(cfg.Risk), s.clock),
		handlers: make(map[string]stream.Handler),
		feeds:    make(map[string]bool),
	}
	for _, sym := range cfg.Exchange.Symbols {
		if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
			g.symbols = append(g.symbols, sym)
		}
	}

	var exchange order.Exchange
	if env.IsPaper() {
		g.paper = newPaperExchange(cfg.Paper, g.prices, s)
		exchange = g.paper
	} else {
		limiter, err := newLimiter(cfg.RateLimits, s.clock)
		if err != nil {
			return nil, err
		}
		client, err := newRESTClient(cfg, limiter, s)
		if err != nil {
			return nil, err
		}
		g.limiter = limiter
		g.client = client
		exchange = client
	}

	var sink order.Journal
	if cfg.Journal.Enabled {
		uploader := s.uploader
		if uploader == nil {
			s3Client, err := journal.NewS3Client(context.Background(), cfg.Journal)
			if err != nil {
				return nil, err
			}
			uploader = s3Client
		}
		g.journal = journal.New(cfg.Journal, uploader, cfg.App.Version, s.clock, s.log)
		sink = g.journal
	}

	var resolve order.Resolver
	if g.client != nil {
		resolve = resolver{g}
	}
	engine, err := order.NewEngine(order.Options{
		Exchange:    exchange,
		Prices:      g.prices,
		Rules:       g.rules,
		Resolver:    resolve,
		Risk:        g.risk,
		ReserveOpen: cfg.Risk.ReserveOpenOrders,
		Journal:     sink,
		Environment: string(env),
		Paper:       env.IsPaper(),
		Clock:       s.clock,
		Log:         s.log,
	})
	if err != nil {
		return nil, err
	}
	g.engine = engine
	if g.paper != nil {
		g.paper.OnExecution(func(r models.ExecutionReport) { g.engine.ApplyExecution(r) })
	}

	endpoints := cfg.Exchange.EndpointsFor(env)
	if !env.IsPaper() || cfg.Paper.LivePrices {
		g.market, err = stream.New(g.streamOptions("market", stream.StaticURL(stream.CombinedURL(endpoints.StreamURL)), stream.ModeCombined, s))
		if err != nil {
			return nil, err
		}
	}
	if g.client != nil && cfg.Stream.UserData {
		g.keys = stream.NewListenKeys(endpoints.StreamURL, g.client)
		g.user, err = stream.New(g.streamOptions("user", g.keys.URL, stream.ModeUserData, s))
		if err != nil {
			return nil, err
		}
	}

	g.log.WithComponent("gateway").WithFields(logger.Fields{
		"environment": env,
		"symbols":     g.symbols,
		"journal":     g.journal != nil,
		"user_data":   g.user != nil,
	}).Info("gateway created")
	return g, nil
}

func newLimiter(cfg config.RateLimitConfig, clk clock.Clock) (*ratelimit.Limiter, error) {
	weight, err := ratelimit.ParseAccounting(cfg.WeightAccounting)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	policy, err := ratelimit.ParseBanPolicy(cfg.BanPolicy)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	windows := ratelimit.DefaultWindows()
	for i := range windows {
		switch windows[i].ID {
		case ratelimit.RequestWeight:
			windows[i].Capacity = cfg.RequestWeightPerMinute
			windows[i].Accounting = weight
		case ratelimit.Orders10s:
			windows[i].Capacity = cfg.OrdersPer10s
		case ratelimit.Orders24h:
			windows[i].Capacity = cfg.OrdersPerDay
		case ratelimit.WSConnections:
			windows[i].Capacity = cfg.WSConnectionsPer5m
		}
	}
	return ratelimit.New(ratelimit.Options{
		Windows:   windows,
		BanPolicy: policy,
		TicketTTL: cfg.TicketTTL,
		Clock:     clk,
	}), nil
}

func newRESTClient(cfg *config.Config, limiter *ratelimit.Limiter, s settings) (*rest.Client, error) {
	pem, err := cfg.PrivateKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", signing.ErrInvalidCredentials, err)
	}
	creds, err := signing.NewCredentials(cfg.Credentials.APIKey, cfg.Credentials.APISecret, pem)
	if err != nil {
		return nil, err
	}
	signer, err := signing.NewSigner(creds, cfg.Exchange.RecvWindow)
	if err != nil {
		return nil, err
	}
	transport := s.transport
	if transport == nil {
		transport = rest.NewTransport(cfg.Exchange.ConnectionPool, cfg.Exchange.LocalIP)
	}
	return rest.New(rest.Options{
		BaseURL:            cfg.Exchange.EndpointsFor(cfg.Env()).RestURL,
		Signer:             signer,
		Limiter:            limiter,
		Transport:          transport,
		Timeout:            cfg.Rest.Timeout,
		MaxAttempts:        cfg.Rest.MaxAttempts,
		MaxAcquireAttempts: cfg.Rest.MaxAcquireAttempts,
		MaxWait:            cfg.Rest.MaxWait,
		Backoff:            cfg.Rest.Backoff,
		DefaultBan:         cfg.RateLimits.DefaultBan,
		UserAgent:          cfg.App.Name + "/" + cfg.App.Version,
		Clock:              s.clock,
		Sleep:              s.sleep,
		Log:                s.log,
	})
}

func newPaperExchange(cfg config.PaperConfig, prices *market.PriceBook, s settings) *paper.Exchange {
	balances := make(map[string]decimal.Decimal, len(cfg.Balances))
	for asset, amount := range cfg.Balances {
		balances[asset] = decimal.NewFromFloat(amount)
	}
	ex := paper.New(paper.Options{
		Balances:    balances,
		Prices:      prices,
		QuoteAssets: cfg.QuoteAssets,
		Clock:       s.clock,
		Log:         s.log,
	})
	for sym, price := range cfg.Prices {
		ex.UpdatePrice(sym, decimal.NewFromFloat(price))
	}
	return ex
}

func (g *Gateway) streamOptions(name string, url stream.URLFunc, mode stream.Mode, s settings) stream.Options {
	sc := g.cfg.Stream
	return stream.Options{
		Name:             name,
		URL:              url,
		Mode:             mode,
		Limiter:          g.limiter,
		PingInterval:     sc.PingInterval,
		PongTimeout:      sc.PongTimeout,
		HandshakeTimeout: sc.HandshakeTimeout,
		WriteTimeout:     sc.WriteTimeout,
		Reconnect:        sc.Reconnect,
		DispatchBudget:   sc.DispatchBudget,
		MailboxSize:      sc.MailboxSize,
		ControlPerSecond: sc.ControlMessagesPerSecond,
		LocalIP:          g.cfg.Exchange.LocalIP,
		Clock:            s.clock,
		Sleep:            s.sleep,
		Log:              s.log,
	}
}

// Environment reports which environment the gateway trades in.
func (g *Gateway) Environment() config.Environment { return g.env }

// Start loads exchange metadata, then starts the streams and background
// loops. Background work stops when ctx is cancelled or Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return ErrClosed
	}
	if g.running {
		g.mu.Unlock()
		return errors.New("gateway: already started")
	}
	g.running = true
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.mu.Unlock()

	if err := g.start(ctx, runCtx); err != nil {
		g.mu.Lock()
		g.running = false
		g.cancel = nil
		g.mu.Unlock()
		cancel()
		return err
	}
	g.log.WithComponent("gateway").WithFields(logger.Fields{"environment": g.env}).Info("gateway started")
	return nil
}

func (g *Gateway) start(ctx, runCtx context.Context) error {
	if g.client != nil {
		if err := g.bootstrap(ctx); err != nil {
			return err
		}
	}
	if g.journal != nil {
		if err := g.journal.Start(runCtx); err != nil {
			return err
		}
	}
	if g.market != nil {
		for _, sym := range g.symbols {
			if err := g.feed(stream.TradeTopic(sym)); err != nil {
				return err
			}
		}
		if err := g.market.Start(runCtx); err != nil {
			return err
		}
	}
	if g.user != nil {
		if err := g.user.Subscribe(stream.TopicExecutionReport, g.onExecution); err != nil {
			return err
		}
		if err := g.user.Subscribe(stream.TopicListenKeyExpiry, g.onListenKeyExpired); err != nil {
			return err
		}
		if err := g.user.Start(runCtx); err != nil {
			return err
		}
		if g.cfg.Stream.ListenKeyKeepAlive > 0 {
			g.every(runCtx, g.cfg.Stream.ListenKeyKeepAlive, g.keepAlive)
		}
	}
	if g.client != nil && g.cfg.Rest.ReconcileInterval > 0 {
		g.every(runCtx, g.cfg.Rest.ReconcileInterval, g.reconcile)
	}
	return nil
}

// bootstrap syncs the clock offset, loads symbol filters and the
// exchange's declared limits, and seeds the price book.
func (g *Gateway) bootstrap(ctx context.Context) error {
	log := g.log.WithComponent("gateway")
	if err := g.client.SyncTime(ctx); err != nil {
		return fmt.Errorf("sync server time: %w", err)
	}
	info, err := g.client.ExchangeInfo(ctx, g.symbols...)
	if err != nil {
		return fmt.Errorf("load exchange info: %w", err)
	}
	g.rules.Load(info.Symbols)
	if g.cfg.RateLimits.SyncFromExchange {
		if changed := info.ApplyTo(g.limiter); len(changed) > 0 {
			log.WithFields(logger.Fields{"windows": changed}).Info("rate limit capacities lowered to exchange limits")
		}
	}
	for _, sym := range g.symbols {
		if _, err := g.GetPrice(ctx, sym); err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": sym}).Warn("failed to seed price")
		}
	}
	if err := g.seedPositions(ctx); err != nil {
		log.WithError(err).Warn("failed to seed positions from account")
	}
	log.WithFields(logger.Fields{
		"symbols":     g.rules.Len(),
		"time_offset": g.client.TimeOffset().String(),
	}).Info("exchange metadata loaded")
	return nil
}

// seedPositions books existing base asset holdings of the configured
// symbols at the current price, so position limits see them.
func (g *Gateway) seedPositions(ctx context.Context) error {
	if len(g.symbols) == 0 {
		return nil
	}
	acct, err := g.client.Account(ctx)
	if err != nil {
		return err
	}
	for _, sym := range g.symbols {
		rules, ok := g.rules.Rules(sym)
		if !ok || rules.BaseAsset == "" {
			continue
		}
		bal, ok := acct.Balance(rules.BaseAsset)
		price, priced := g.prices.LastPrice(sym)
		if !ok || !bal.Total().IsPositive() || !priced {
			continue
		}
		g.risk.Seed(sym, bal.Total(), price)
	}
	return nil
}

func (g *Gateway) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (g *Gateway) keepAlive(ctx context.Context) {
	key := g.keys.Current()
	if key == "" {
		return
	}
	if err := g.client.KeepAliveUserStream(ctx, key); err != nil {
		g.log.WithComponent("gateway").WithError(err).Warn("listen key keepalive failed")
	}
}

func (g *Gateway) reconcile(ctx context.Context) {
	if err := g.engine.Reconcile(ctx); err != nil && ctx.Err() == nil {
		g.log.WithComponent("gateway").WithError(err).Warn("order reconciliation failed")
	}
}

// Stop tears everything down and flushes the journal. It is idempotent.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	cancel := g.cancel
	g.mu.Unlock()

	if g.market != nil {
		g.market.Stop()
	}
	if g.user != nil {
		g.user.Stop()
	}
	if cancel != nil {
		cancel()
	}
	g.wg.Wait()

	if g.keys != nil {
		if key := g.keys.Current(); key != "" {
			ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
			if err := g.client.CloseUserStream(ctx, key); err != nil {
				g.log.WithComponent("gateway").WithError(err).Warn("failed to close listen key")
			}
			done()
		}
	}
	if g.journal != nil {
		g.journal.Stop()
	}
	g.log.WithComponent("gateway").Info("gateway stopped")
}

//////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// MARKET ///////////////////////////////////
//////////////////////////////////////////////////////////////////////////////

// GetPrice returns the latest price of symbol. Live environments ask the
// exchange and refresh the local price book; paper reads the simulated book.
func (g *Gateway) GetPrice(ctx context.Context, symbol string) (models.Ticker, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if g.paper != nil {
		return g.paper.Price(ctx, symbol)
	}
	t, err := g.client.Price(ctx, symbol)
	if err != nil {
		return models.Ticker{}, err
	}
	g.prices.Update(t)
	return t, nil
}

// GetAccount returns the account balances.
func (g *Gateway) GetAccount(ctx context.Context) (models.Account, error) {
	if g.paper != nil {
		return g.paper.Account(ctx)
	}
	return g.client.Account(ctx)
}

// UpdatePrice sets the simulated last price of symbol, fills the resting
// paper orders it crosses and, without a live market stream, delivers a
// synthetic trade to the symbol's trade subscriptions.
func (g *Gateway) UpdatePrice(symbol string, price decimal.Decimal) error {
	if g.paper == nil {
		return ErrNotPaper
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	g.paper.UpdatePrice(symbol, price)
	if g.market == nil {
		g.dispatchLocal(symbol, price)
	}
	return nil
}

// Subscribe registers handler for topic, replacing an earlier handler.
// Trade topics also feed the price book used for market order checks.
func (g *Gateway) Subscribe(topic string, handler stream.Handler) error {
	if handler == nil {
		return errors.New("gateway: nil handler")
	}
	topic = stream.NormalizeTopic(topic)
	if topic == "" {
		return errors.New("gateway: empty topic")
	}
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return ErrClosed
	}
	_, existed := g.handlers[topic]
	g.handlers[topic] = handler
	feeding := g.feeds[topic]
	g.mu.Unlock()

	if g.market == nil || existed || feeding {
		return nil
	}
	return g.market.Subscribe(topic, g.dispatcher(topic))
}

// Unsubscribe removes the handler for topic. Trade topics of configured
// symbols stay subscribed to keep the price book current.
func (g *Gateway) Unsubscribe(topic string) error {
	topic = stream.NormalizeTopic(topic)
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return ErrClosed
	}
	_, existed := g.handlers[topic]
	delete(g.handlers, topic)
	feeding := g.feeds[topic]
	g.mu.Unlock()

	if g.market == nil || !existed || feeding {
		return nil
	}
	return g.market.Unsubscribe(topic)
}

// Topics lists the topics with a registered handler.
func (g *Gateway) Topics() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.handlers))
	for topic := range g.handlers {
		out = append(out, topic)
	}
	return out
}

// StreamState reports the market stream's connection state.
func (g *Gateway) StreamState() stream.State {
	if g.market == nil {
		return stream.StateDisconnected
	}
	return g.market.State()
}

// OnStreamStateChange observes transitions of every stream the gateway owns.
func (g *Gateway) OnStreamStateChange(l stream.StateListener) {
	if g.market != nil {
		g.market.OnStateChange(l)
	}
	if g.user != nil {
		g.user.OnStateChange(l)
	}
}

func (g *Gateway) feed(topic string) error {
	topic = stream.NormalizeTopic(topic)
	g.mu.Lock()
	_, subscribed := g.handlers[topic]
	g.feeds[topic] = true
	g.mu.Unlock()
	if subscribed {
		return nil
	}
	return g.market.Subscribe(topic, g.dispatcher(topic))
}

// dispatcher looks the consumer handler up per message so that a topic can
// switch between feed-only and consumer-facing without resubscribing.
func (g *Gateway) dispatcher(topic string) stream.Handler {
	trade := stream.IsTradeTopic(topic)
	return func(msg models.StreamMessage) {
		if trade {
			g.observeTrade(msg)
		}
		g.mu.Lock()
		h := g.handlers[topic]
		g.mu.Unlock()
		if h != nil {
			h(msg)
		}
	}
}

func (g *Gateway) observeTrade(msg models.StreamMessage) {
	ev, err := models.DecodeTrade(msg.Data)
	if err != nil {
		g.log.WithComponent("gateway").WithError(err).WithFields(logger.Fields{"topic": msg.Topic}).Debug("skipping undecodable trade")
		return
	}
	if g.paper != nil {
		g.paper.UpdatePrice(ev.Symbol, ev.Price)
		return
	}
	g.prices.Update(models.Ticker{Symbol: ev.Symbol, Price: ev.Price, Time: ev.Time})
}

type syntheticTrade struct {
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
	Symbol    string          `json:"s"`
	TradeID   int64           `json:"t"`
	AggID     *int64          `json:"a,omitempty"`
	Price     decimal.Decimal `json:"p"`
	Quantity  decimal.Decimal `json:"q"`
	TradeTime int64           `json:"T"`
}

func (g *Gateway) dispatchLocal(symbol string, price decimal.Decimal) {
	g.mu.Lock()
	targets := make(map[string]stream.Handler)
	for topic, h := range g.handlers {
		if stream.IsTradeTopic(topic) && stream.SymbolOf(topic) == symbol {
			targets[topic] = h
		}
	}
	g.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	now := g.clock.Now()
	id := g.tradeID.Add(1)
	for topic, h := range targets {
		frame := syntheticTrade{
			Event:     "trade",
			EventTime: now.UnixMilli(),
			Symbol:    symbol,
			TradeID:   id,
			Price:     price,
			Quantity:  decimal.Zero,
			TradeTime: now.UnixMilli(),
		}
		if strings.HasSuffix(topic, "@aggTrade") {
			frame.Event = "aggTrade"
			frame.AggID = &id
		}
		data, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		g.invoke(h, models.StreamMessage{Topic: topic, Data: data, Received: now})
	}
}

func (g *Gateway) invoke(h stream.Handler, msg models.StreamMessage) {
	defer func() {
		if r := recover(); r != nil {
			g.log.WithComponent("gateway").WithFields(logger.Fields{
				"topic": msg.Topic,
				"panic": fmt.Sprint(r),
			}).Error("subscription handler panicked")
		}
	}()
	h(msg)
}

func (g *Gateway) onExecution(msg models.StreamMessage) {
	r, err := models.DecodeExecutionReport(msg.Data)
	if err != nil {
		g.log.WithComponent("gateway").WithError(err).Warn("skipping undecodable execution report")
		return
	}
	if !g.engine.ApplyExecution(r) {
		g.log.WithComponent("gateway").WithFields(logger.Fields{
			"client_order_id": r.OrderKey(),
			"status":          r.Status,
		}).Debug("execution report not applied")
	}
}

func (g *Gateway) onListenKeyExpired(models.StreamMessage) {
	g.log.WithComponent("gateway").Warn("listen key expired, user data stream reconnecting")
}

//////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// ORDERS ///////////////////////////////////
//////////////////////////////////////////////////////////////////////////////

// SubmitOrder validates, risk-checks and places req. Rejections come back
// both as the returned order's status and as a typed error.
func (g *Gateway) SubmitOrder(ctx context.Context, req models.OrderRequest) (models.Order, error) {
	return g.engine.Submit(ctx, req)
}

// CancelOrder cancels an open order by its client order id.
func (g *Gateway) CancelOrder(ctx context.Context, clientOrderID string) (models.Order, error) {
	return g.engine.Cancel(ctx, clientOrderID)
}

// RefreshOrder queries the exchange for the order's current state.
func (g *Gateway) RefreshOrder(ctx context.Context, clientOrderID string) (models.Order, error) {
	return g.engine.Refresh(ctx, clientOrderID)
}

// Order returns a snapshot of one order.
func (g *Gateway) Order(clientOrderID string) (models.Order, bool) {
	return g.engine.Order(clientOrderID)
}

// Orders returns snapshots of every order submitted through the gateway.
func (g *Gateway) Orders() []models.Order { return g.engine.Orders() }

// OnOrderUpdate registers l for every order change.
func (g *Gateway) OnOrderUpdate(l order.Listener) { g.engine.OnUpdate(l) }

// Positions returns the positions booked from fills.
func (g *Gateway) Positions() []risk.Position { return g.risk.Positions() }

// DailyPnL returns today's realized profit and loss.
func (g *Gateway) DailyPnL() decimal.Decimal { return g.risk.DailyPnL() }

// RateLimitUsage returns the limiter's window usage. Paper mode has no
// limiter and returns nil.
func (g *Gateway) RateLimitUsage() []ratelimit.Usage {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Usage()
}
