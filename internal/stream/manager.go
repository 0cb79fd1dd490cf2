// Package stream keeps push subscriptions alive over a single WebSocket
// connection, reconnecting with backoff and re-subscribing every registered
// topic whenever a new connection comes up.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"tradegate/config"
	"tradegate/internal/clock"
	"tradegate/internal/metrics"
	"tradegate/internal/ratelimit"
	"tradegate/logger"
	"tradegate/models"
)

// Mode selects how frames are addressed.
type Mode int

const (
	// ModeCombined uses SUBSCRIBE/UNSUBSCRIBE frames and the
	// {"stream":...,"data":...} envelope.
	ModeCombined Mode = iota
	// ModeUserData routes raw events by their "e" field; topics are event
	// types and no control frames are sent.
	ModeUserData
)

// subscribeBatch bounds the number of topics in one SUBSCRIBE frame.
const subscribeBatch = 100

// URLFunc resolves the endpoint for one connection attempt.
type URLFunc func(ctx context.Context) (string, error)

// StaticURL always connects to u.
func StaticURL(u string) URLFunc {
	return func(context.Context) (string, error) { return u, nil }
}

// Options configures a Manager.
type Options struct {
	Name             string
	URL              URLFunc
	Mode             Mode
	Limiter          *ratelimit.Limiter
	PingInterval     time.Duration
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Reconnect        config.BackoffConfig
	DispatchBudget   time.Duration
	MailboxSize      int
	ControlPerSecond float64
	LocalIP          string
	Clock            clock.Clock
	Sleep            clock.Sleeper
	Log              *logger.Log
}

type controlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// envelope covers both combined-stream and raw user data frames. Keys that
// collide case-insensitively with "e" are declared explicitly.
type envelope struct {
	Stream    string          `json:"stream"`
	Data      json.RawMessage `json:"data"`
	Event     string          `json:"e"`
	EventTime json.RawMessage `json:"E"`
	ID        *int64          `json:"id"`
	Result    json.RawMessage `json:"result"`
	Error     *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

type controlOp struct {
	method string
	topics []string
}

// connection queues control operations for its writer. The queue is
// unbounded so a registered topic always reaches the live connection;
// consecutive operations with the same method merge up to subscribeBatch
// topics per frame.
type connection struct {
	ws *websocket.Conn

	mu      sync.Mutex
	pending []controlOp
	wake    chan struct{}
}

func newConnection(ws *websocket.Conn) *connection {
	return &connection{ws: ws, wake: make(chan struct{}, 1)}
}

func (c *connection) push(method string, topics []string) {
	c.mu.Lock()
	for len(topics) > 0 {
		n := len(c.pending)
		if n > 0 && c.pending[n-1].method == method && len(c.pending[n-1].topics) < subscribeBatch {
			room := min(subscribeBatch-len(c.pending[n-1].topics), len(topics))
			c.pending[n-1].topics = append(c.pending[n-1].topics, topics[:room]...)
			topics = topics[room:]
			continue
		}
		room := min(subscribeBatch, len(topics))
		c.pending = append(c.pending, controlOp{method: method, topics: append([]string(nil), topics[:room]...)})
		topics = topics[room:]
	}
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *connection) pop() (controlOp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return controlOp{}, false
	}
	op := c.pending[0]
	c.pending = c.pending[1:]
	return op, true
}

// Manager owns one logical stream. All methods are safe for concurrent use.
type Manager struct {
	opts   Options
	dialer *websocket.Dialer
	log    *logger.Log

	mu        sync.RWMutex
	state     State
	subs      map[string]*subscription
	conn      *connection
	listeners []StateListener
	running   bool
	closed    bool
	cancel    context.CancelFunc

	frameID     atomic.Int64
	connections atomic.Int64
	wg          sync.WaitGroup // run loop
	workers     sync.WaitGroup // subscription goroutines
}

// New builds a Manager. It does not connect until Start.
func New(opts Options) (*Manager, error) {
	if opts.URL == nil {
		return nil, errors.New("stream: url is required")
	}
	if opts.Name == "" {
		opts.Name = "market"
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 10 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Reconnect.Min <= 0 {
		opts.Reconnect.Min = time.Second
	}
	if opts.Reconnect.Max <= 0 {
		opts.Reconnect.Max = time.Minute
	}
	if opts.Reconnect.Factor <= 0 {
		opts.Reconnect.Factor = 2
	}
	if opts.DispatchBudget <= 0 {
		opts.DispatchBudget = 50 * time.Millisecond
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 256
	}
	if opts.ControlPerSecond <= 0 {
		opts.ControlPerSecond = 5
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Sleep == nil {
		opts.Sleep = clock.Sleep
	}
	if opts.Log == nil {
		opts.Log = logger.GetLogger()
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	if opts.LocalIP != "" {
		if ip := net.ParseIP(opts.LocalIP); ip != nil {
			dialer.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
		}
	}

	return &Manager{
		opts:   opts,
		dialer: dialer,
		log:    opts.Log,
		subs:   make(map[string]*subscription),
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// OnStateChange registers a listener for every later transition.
func (m *Manager) OnStateChange(l StateListener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Topics lists registered topics in sorted order.
func (m *Manager) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topicsLocked()
}

// Connections reports how many connections have been established.
func (m *Manager) Connections() int64 { return m.connections.Load() }

// Dropped reports messages dropped for topic because its mailbox stayed full.
func (m *Manager) Dropped(topic string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.subs[NormalizeTopic(topic)]; ok {
		return s.dropped.Load()
	}
	return 0
}

// Start launches the connection loop. It returns immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("stream %s already running", m.opts.Name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.WithComponent("stream_manager").WithFields(logger.Fields{
		"stream": m.opts.Name,
		"topics": len(m.Topics()),
	}).Info("starting stream manager")

	go m.run(runCtx)
	return nil
}

// Stop clears every subscription, closes the connection and stops
// reconnecting. It is idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	for topic, s := range m.subs {
		s.close()
		delete(m.subs, topic)
	}
	m.running = false
	m.mu.Unlock()
	m.workers.Wait()

	m.setState(StateClosed, nil)
	m.log.WithComponent("stream_manager").WithFields(logger.Fields{"stream": m.opts.Name}).Info("stream manager stopped")
}

// Subscribe registers handler for topic, replacing any previous handler.
// When connected the SUBSCRIBE frame is queued at once; otherwise the topic
// is subscribed on the next connection.
func (m *Manager) Subscribe(topic string, handler Handler) error {
	if handler == nil {
		return errors.New("stream: nil handler")
	}
	topic = NormalizeTopic(topic)
	if topic == "" {
		return errors.New("stream: empty topic")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	old, existed := m.subs[topic]
	sub := newSubscription(topic, handler, m.opts.MailboxSize)
	m.subs[topic] = sub
	conn := m.conn
	if !existed && conn != nil {
		m.enqueue(conn, "SUBSCRIBE", []string{topic})
	}
	m.workers.Add(1)
	m.mu.Unlock()

	if existed {
		old.close()
	}
	go sub.run(&m.workers, m.log, m.opts.Name)

	m.log.WithComponent("stream_manager").WithFields(logger.Fields{
		"stream":    m.opts.Name,
		"topic":     topic,
		"connected": conn != nil,
	}).Debug("subscribed")
	return nil
}

// Unsubscribe removes topic. Unknown topics are ignored.
func (m *Manager) Unsubscribe(topic string) error {
	topic = NormalizeTopic(topic)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	sub, ok := m.subs[topic]
	if ok {
		delete(m.subs, topic)
		if m.conn != nil {
			m.enqueue(m.conn, "UNSUBSCRIBE", []string{topic})
		}
	}
	m.mu.Unlock()

	if ok {
		sub.close()
	}
	return nil
}

// enqueue must be called with m.mu held so control operations reach the
// connection in registry order.
func (m *Manager) enqueue(conn *connection, method string, topics []string) {
	if m.opts.Mode != ModeCombined || len(topics) == 0 {
		return
	}
	conn.push(method, topics)
}

func (m *Manager) topicsLocked() []string {
	out := make([]string, 0, len(m.subs))
	for t := range m.subs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) setState(next State, err error) {
	m.mu.Lock()
	prev := m.state
	if prev == next || (prev == StateClosed && next != StateClosed) {
		m.mu.Unlock()
		return
	}
	m.state = next
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.Unlock()

	metrics.SetStreamState(int(next))
	entry := m.log.WithComponent("stream_manager").WithFields(logger.Fields{
		"stream": m.opts.Name,
		"from":   prev.String(),
		"to":     next.String(),
	})
	if err != nil {
		entry.WithError(err).Warn("stream state changed")
	} else {
		entry.Info("stream state changed")
	}
	change := StateChange{Stream: m.opts.Name, From: prev, To: next, Err: err}
	for _, l := range listeners {
		l(change)
	}
}

// run connects, serves and reconnects until ctx is cancelled.
func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	bo := &backoff.Backoff{
		Min:    m.opts.Reconnect.Min,
		Max:    m.opts.Reconnect.Max,
		Factor: m.opts.Reconnect.Factor,
		Jitter: m.opts.Reconnect.Jitter,
	}
	log := m.log.WithComponent("stream_manager").WithFields(logger.Fields{"stream": m.opts.Name})

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if attempt == 0 {
			m.setState(StateConnecting, nil)
		} else {
			m.setState(StateReconnecting, nil)
			metrics.IncrementReconnect()
		}

		conn, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := bo.Duration()
			if errors.Is(err, ratelimit.ErrRateLimited) && m.opts.Limiter != nil {
				if cd := m.opts.Limiter.CooldownRemaining(); cd > delay {
					delay = cd
				}
			}
			log.WithError(err).WithFields(logger.Fields{"delay_ms": delay.Milliseconds()}).Warn("stream connect failed")
			if err := m.opts.Sleep(ctx, delay); err != nil {
				return
			}
			continue
		}

		started := m.opts.Clock.Now()
		err = m.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		if m.opts.Clock.Now().Sub(started) >= m.opts.PingInterval {
			bo.Reset()
		}
		m.setState(StateDegraded, fmt.Errorf("%w: %v", ErrConnectionLost, err))
		delay := bo.Duration()
		if err := m.opts.Sleep(ctx, delay); err != nil {
			return
		}
	}
}

// connect passes the connection window, resolves the URL and dials.
func (m *Manager) connect(ctx context.Context) (*websocket.Conn, error) {
	if m.opts.Limiter != nil {
		ticket := ratelimit.NewTicket(1, ratelimit.WSConnections)
		if err := m.opts.Limiter.Wait(ctx, ticket, m.opts.Sleep, 3, 5*time.Minute); err != nil {
			return nil, err
		}
	}
	target, err := m.opts.URL(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve stream url: %w", err)
	}
	conn, resp, err := m.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", m.opts.Name, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", m.opts.Name, err)
	}
	return conn, nil
}

// serve runs one connection until it fails or ctx is cancelled.
func (m *Manager) serve(ctx context.Context, ws *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn := newConnection(ws)
	var connWG sync.WaitGroup
	defer func() {
		cancel()
		_ = ws.Close()
		connWG.Wait()
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
	}()

	deadline := m.opts.PingInterval + m.opts.PongTimeout
	extend := func() { _ = ws.SetReadDeadline(time.Now().Add(deadline)) }
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	ws.SetPingHandler(func(data string) error {
		extend()
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(m.opts.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})

	m.mu.Lock()
	m.conn = conn
	m.enqueue(conn, "SUBSCRIBE", m.topicsLocked())
	m.mu.Unlock()
	m.connections.Add(1)
	m.setState(StateConnected, nil)

	writeErr := make(chan error, 1)
	connWG.Add(2)
	go func() {
		defer connWG.Done()
		if err := m.writeLoop(connCtx, conn); err != nil {
			writeErr <- err
			_ = ws.Close()
		}
	}()
	go func() {
		defer connWG.Done()
		m.heartbeat(connCtx, ws)
	}()
	go func() {
		<-connCtx.Done()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case werr := <-writeErr:
				return werr
			default:
			}
			return err
		}
		extend()
		if expired := m.route(data); expired {
			return errors.New("listen key expired")
		}
	}
}

// writeLoop drains the control queue at ControlPerSecond frames per second.
func (m *Manager) writeLoop(ctx context.Context, conn *connection) error {
	limiter := rate.NewLimiter(rate.Limit(m.opts.ControlPerSecond), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		op, ok := conn.pop()
		for !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-conn.wake:
			}
			op, ok = conn.pop()
		}
		frame := controlFrame{Method: op.method, Params: op.topics, ID: m.frameID.Add(1)}
		_ = conn.ws.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
		if err := conn.ws.WriteJSON(frame); err != nil {
			return fmt.Errorf("write %s: %w", frame.Method, err)
		}
	}
}

func (m *Manager) heartbeat(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.opts.WriteTimeout)); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}

// route dispatches one frame. It reports whether the frame signals that the
// user data listen key expired.
func (m *Manager) route(data []byte) bool {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.log.WithComponent("stream_manager").WithError(err).WithFields(logger.Fields{"stream": m.opts.Name}).Debug("failed to decode frame")
		return false
	}

	var topic string
	var payload json.RawMessage
	switch {
	case env.ID != nil && env.Stream == "":
		if env.Error != nil {
			m.log.WithComponent("stream_manager").WithFields(logger.Fields{
				"stream": m.opts.Name,
				"id":     *env.ID,
				"code":   env.Error.Code,
				"msg":    env.Error.Msg,
			}).Warn("control frame rejected")
		}
		return false
	case env.Stream != "":
		topic, payload = env.Stream, env.Data
		if m.opts.Mode == ModeUserData {
			var inner envelope
			if json.Unmarshal(env.Data, &inner) == nil && inner.Event != "" {
				topic = inner.Event
			}
		}
	case env.Event != "":
		topic, payload = env.Event, json.RawMessage(data)
	default:
		return false
	}

	m.mu.RLock()
	sub, ok := m.subs[topic]
	m.mu.RUnlock()

	if !ok {
		metrics.EmitDropMetric(m.log, metrics.DropMetricUnrouted, topic)
	} else {
		msg := models.StreamMessage{Topic: topic, Data: payload, Received: m.opts.Clock.Now()}
		if sub.deliver(msg, m.opts.DispatchBudget) {
			metrics.IncrementStreamMessage(topic, len(payload))
		} else {
			select {
			case <-sub.done:
			default:
				metrics.EmitDropMetric(m.log, metrics.DropMetricMailboxFull, topic)
			}
		}
	}
	return m.opts.Mode == ModeUserData && topic == TopicListenKeyExpiry
}
