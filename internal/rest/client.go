// Package rest is the signed, rate limited HTTP client for the exchange's
// REST API. Every request passes the shared limiter before it is sent and is
// classified into a typed error afterwards.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/go-resty/resty/v2"
	"github.com/jpillora/backoff"

	"tradegate/config"
	"tradegate/internal/clock"
	"tradegate/internal/metrics"
	"tradegate/internal/ratelimit"
	"tradegate/internal/signing"
	"tradegate/logger"
)

// Security is the authentication an endpoint requires.
type Security int

const (
	SecurityNone Security = iota
	SecurityAPIKey
	SecuritySigned
)

// Endpoint describes one REST operation.
type Endpoint struct {
	Name       string
	Method     string
	Path       string
	Security   Security
	Weight     int
	Orders     bool // also counts against the order windows
	Idempotent bool
}

// Ticket returns a fresh limiter ticket for one attempt at e.
func (e Endpoint) Ticket() *ratelimit.Ticket {
	weight := e.Weight
	if weight <= 0 {
		weight = 1
	}
	windows := []ratelimit.WindowID{ratelimit.RequestWeight}
	if e.Orders {
		windows = append(windows, ratelimit.Orders10s, ratelimit.Orders24h)
	}
	return ratelimit.NewTicket(weight, windows...)
}

// Response is a successful exchange response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// Options configures a Client.
type Options struct {
	BaseURL            string
	Signer             *signing.Signer
	Limiter            *ratelimit.Limiter
	Transport          http.RoundTripper
	Timeout            time.Duration
	MaxAttempts        int
	MaxAcquireAttempts int
	MaxWait            time.Duration
	Backoff            config.BackoffConfig
	DefaultBan         time.Duration
	UserAgent          string
	Clock              clock.Clock
	Sleep              clock.Sleeper
	Log                *logger.Log
}

// Client sends REST requests. It is safe for concurrent use.
type Client struct {
	http    *resty.Client
	signer  *signing.Signer
	limiter *ratelimit.Limiter
	opts    Options
	clock   clock.Clock
	sleep   clock.Sleeper
	log     *logger.Log
	offset  atomic.Int64 // server time minus local time, in nanoseconds
}

// New builds a Client. Signer may be nil when only public endpoints are used.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("rest: base url is required")
	}
	if opts.Limiter == nil {
		return nil, errors.New("rest: limiter is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.MaxAcquireAttempts <= 0 {
		opts.MaxAcquireAttempts = 5
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 30 * time.Second
	}
	if opts.Backoff.Min <= 0 {
		opts.Backoff.Min = 200 * time.Millisecond
	}
	if opts.Backoff.Max <= 0 {
		opts.Backoff.Max = 5 * time.Second
	}
	if opts.Backoff.Factor <= 0 {
		opts.Backoff.Factor = 2
	}
	if opts.DefaultBan <= 0 {
		opts.DefaultBan = 2 * time.Minute
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "tradegate/1.0"
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
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	rc := resty.New().
		SetBaseURL(strings.TrimSuffix(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetTransport(userAgentTransport{agent: opts.UserAgent, base: base})

	return &Client{
		http:    rc,
		signer:  opts.Signer,
		limiter: opts.Limiter,
		opts:    opts,
		clock:   opts.Clock,
		sleep:   opts.Sleep,
		log:     opts.Log,
	}, nil
}

// NewTransport builds the pooled transport used for exchange traffic,
// optionally bound to a local source address.
func NewTransport(pool config.ConnectionPoolConfig, localIP string) *http.Transport {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdleConns,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if localIP != "" {
		if ip := net.ParseIP(localIP); ip != nil {
			dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}, Timeout: 10 * time.Second}
			transport.DialContext = dialer.DialContext
		}
	}
	return transport
}

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}

// ServerNow is the local clock corrected by the last server time sync.
func (c *Client) ServerNow() time.Time {
	return c.clock.Now().Add(time.Duration(c.offset.Load()))
}

// TimeOffset reports the last measured server minus local time.
func (c *Client) TimeOffset() time.Duration {
	return time.Duration(c.offset.Load())
}

// Limiter returns the limiter shared by every request.
func (c *Client) Limiter() *ratelimit.Limiter { return c.limiter }

// Do runs the request pipeline for ep: acquire capacity, sign with a fresh
// timestamp, send, classify. Idempotent endpoints are retried on transport
// errors and 5xx responses with exponential backoff. A non-idempotent
// endpoint that may have reached the exchange fails with *AmbiguousError.
func (c *Client) Do(ctx context.Context, ep Endpoint, params url.Values) (*Response, error) {
	if ep.Security != SecurityNone && c.signer == nil {
		return nil, fmt.Errorf("%s: %w", ep.Name, signing.ErrInvalidCredentials)
	}
	log := c.log.WithComponent("rest_client").WithFields(logger.Fields{
		"endpoint": ep.Name,
		"method":   ep.Method,
	})

	bo := &backoff.Backoff{
		Min:    c.opts.Backoff.Min,
		Max:    c.opts.Backoff.Max,
		Factor: c.opts.Backoff.Factor,
		Jitter: c.opts.Backoff.Jitter,
	}
	resynced := false

	for attempt := 1; ; attempt++ {
		if err := c.acquire(ctx, ep); err != nil {
			return nil, err
		}

		start := c.clock.Now()
		resp, err := c.send(ctx, ep, params)
		elapsed := c.clock.Now().Sub(start)
		logger.IncrementRestRequest()

		if err != nil {
			metrics.ObserveRequest(ep.Name, 0, elapsed)
			if ctxErr := ctx.Err(); ctxErr != nil {
				if !ep.Idempotent {
					return nil, &AmbiguousError{Endpoint: ep.Name, Err: ctxErr}
				}
				return nil, ctxErr
			}
			if !ep.Idempotent {
				log.WithError(err).Warn("request outcome unknown after transport error")
				return nil, &AmbiguousError{Endpoint: ep.Name, Err: err}
			}
			if attempt >= c.opts.MaxAttempts {
				return nil, fmt.Errorf("%s failed after %d attempts: %w", ep.Name, attempt, err)
			}
			if err := c.retryAfter(ctx, log, bo, attempt, err); err != nil {
				return nil, err
			}
			continue
		}

		status := resp.StatusCode()
		metrics.ObserveRequest(ep.Name, status, elapsed)
		c.observeUsage(ep, resp.Header())

		switch {
		case status >= 200 && status < 300:
			return &Response{StatusCode: status, Header: resp.Header(), Body: resp.Body(), Attempts: attempt}, nil

		case status == http.StatusTooManyRequests || status == http.StatusTeapot:
			return nil, c.throttled(ep, status, resp.Header())

		case status >= 500:
			classified := c.classify(ep, status, resp.Body())
			if !ep.Idempotent {
				log.WithError(classified).Warn("request outcome unknown after server error")
				return nil, &AmbiguousError{Endpoint: ep.Name, Err: classified}
			}
			if attempt >= c.opts.MaxAttempts {
				return nil, classified
			}
			if err := c.retryAfter(ctx, log, bo, attempt, classified); err != nil {
				return nil, err
			}

		default:
			classified := c.classify(ep, status, resp.Body())
			if IsAPIErrorCode(classified, CodeTimestamp) && !resynced && ep.Security == SecuritySigned {
				resynced = true
				log.WithError(classified).Warn("timestamp rejected, resyncing server time")
				if err := c.SyncTime(ctx); err != nil {
					return nil, classified
				}
				continue
			}
			if !ep.Idempotent && (IsAPIErrorCode(classified, CodeExecutionUnknown) || IsAPIErrorCode(classified, CodeDisconnected)) {
				return nil, &AmbiguousError{Endpoint: ep.Name, Err: classified}
			}
			var apiErr *APIError
			if errors.As(classified, &apiErr) {
				metrics.ReportLimitFromMessage(c.log, ep.Name, apiErr.Message)
			}
			return nil, classified
		}
	}
}

func (c *Client) acquire(ctx context.Context, ep Endpoint) error {
	ticket := ep.Ticket()
	waited := false
	sleep := func(ctx context.Context, d time.Duration) error {
		if !waited {
			waited = true
			for _, id := range ticket.Windows() {
				metrics.IncrementRateLimitWait(string(id))
			}
		}
		return c.sleep(ctx, d)
	}
	err := c.limiter.Wait(ctx, ticket, sleep, c.opts.MaxAcquireAttempts, c.opts.MaxWait)
	if err == nil {
		return nil
	}
	if errors.Is(err, ratelimit.ErrRateLimited) {
		return &RateLimitedError{Endpoint: ep.Name, RetryAfter: c.limiter.CooldownRemaining(), Err: err}
	}
	return err
}

func (c *Client) send(ctx context.Context, ep Endpoint, params url.Values) (*resty.Response, error) {
	var query string
	switch ep.Security {
	case SecuritySigned:
		q, sig, err := c.signer.Sign(params, c.ServerNow())
		if err != nil {
			return nil, err
		}
		query = q + "&signature=" + url.QueryEscape(sig)
	default:
		query = signing.Canonical(params)
	}

	target := ep.Path
	if query != "" {
		target += "?" + query
	}

	req := c.http.R().SetContext(ctx)
	if ep.Security != SecurityNone {
		req.SetHeader("X-MBX-APIKEY", c.signer.APIKey())
	}
	return req.Execute(ep.Method, target)
}

func (c *Client) retryAfter(ctx context.Context, log *logger.Entry, bo *backoff.Backoff, attempt int, cause error) error {
	delay := bo.Duration()
	logger.IncrementRestRetry()
	log.WithError(cause).WithFields(logger.Fields{
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
	}).Warn("retrying request")
	return c.sleep(ctx, delay)
}

func (c *Client) throttled(ep Endpoint, status int, h http.Header) error {
	now := c.clock.Now()
	wait := ratelimit.RetryAfter(h, now, c.opts.DefaultBan)
	c.limiter.Cooldown(now.Add(wait))
	if status == http.StatusTeapot {
		metrics.ReportIPBan(c.log, ep.Name, wait.Milliseconds())
	} else {
		metrics.ReportRateLimitExceeded(c.log, ep.Name, wait.Milliseconds())
	}
	return &RateLimitedError{Endpoint: ep.Name, HTTPStatus: status, RetryAfter: wait}
}

func (c *Client) observeUsage(ep Endpoint, h http.Header) {
	seen := c.limiter.ObserveHeaders(h)
	if len(seen) > 0 {
		reported := make(map[string]int, len(seen))
		for id, used := range seen {
			reported[string(id)] = used
		}
		metrics.ReportUsedWeight(c.log, ep.Name, reported)
	}
	usage := c.limiter.Usage()
	out := make([]metrics.WindowUsage, 0, len(usage))
	for _, u := range usage {
		out = append(out, metrics.WindowUsage{Window: string(u.ID), Used: u.Used, Capacity: u.Capacity})
	}
	metrics.ReportWindowUsage(out)
}

// classify turns a non-2xx body into *APIError, or *ProtocolError when the
// body is not the exchange's {"code","msg"} shape.
func (c *Client) classify(ep Endpoint, status int, body []byte) error {
	var wire common.APIError
	if err := json.Unmarshal(body, &wire); err != nil {
		return &ProtocolError{Endpoint: ep.Name, HTTPStatus: status, Body: string(body), Err: err}
	}
	if wire.Code == 0 && wire.Message == "" {
		return &ProtocolError{Endpoint: ep.Name, HTTPStatus: status, Body: string(body), Err: errors.New("missing code and msg")}
	}
	return &APIError{HTTPStatus: status, Code: wire.Code, Message: wire.Message}
}

// Decode unmarshals a successful response body into v.
func Decode(ep Endpoint, resp *Response, v interface{}) error {
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return &ProtocolError{Endpoint: ep.Name, HTTPStatus: resp.StatusCode, Body: string(resp.Body), Err: err}
	}
	return nil
}
