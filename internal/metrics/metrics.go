// Registers:
//
//	#tradegate_rest_requests_total{endpoint,status}
//	#tradegate_rest_request_seconds{endpoint}
//	#tradegate_rate_limit_used{window} / _capacity{window}
//	#tradegate_rate_limit_waits_total{window}
//	#tradegate_orders_total{status}
//	#tradegate_stream_messages_total / _dropped_total{topic}
//	#tradegate_stream_state / _reconnects_total
//	#go_* and process_* system metrics
//
// Exposes them on /metrics using the Prometheus HTTP handler.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradegate/logger"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	restRequests   *prometheus.CounterVec
	restLatency    *prometheus.HistogramVec
	limitUsed      *prometheus.GaugeVec
	limitCapacity  *prometheus.GaugeVec
	limitWaits     *prometheus.CounterVec
	ordersTotal    *prometheus.CounterVec
	streamMessages *prometheus.CounterVec
	streamDropped  *prometheus.CounterVec
	streamState    prometheus.Gauge
	reconnects     prometheus.Counter
	handlerPanics  *prometheus.CounterVec
)

// Init creates and registers the collectors. Recording functions are no-ops
// until Init has run.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		restRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradegate_rest_requests_total",
			Help: "REST requests sent to the exchange by endpoint and HTTP status",
		}, []string{"endpoint", "status"})
		restLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradegate_rest_request_seconds",
			Help:    "REST round trip latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"})
		limitUsed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradegate_rate_limit_used",
			Help: "Units consumed in each rate limit window",
		}, []string{"window"})
		limitCapacity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradegate_rate_limit_capacity",
			Help: "Capacity of each rate limit window",
		}, []string{"window"})
		limitWaits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradegate_rate_limit_waits_total",
			Help: "Requests that had to wait for rate limit capacity",
		}, []string{"window"})
		ordersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradegate_orders_total",
			Help: "Orders reaching each lifecycle status",
		}, []string{"status"})
		streamMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradegate_stream_messages_total",
			Help: "Stream messages delivered to subscribers",
		}, []string{"topic"})
		streamDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradegate_stream_dropped_total",
			Help: "Stream messages dropped because a subscriber mailbox stayed full",
		}, []string{"topic"})
		streamState = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradegate_stream_state",
			Help: "Current stream connection state",
		})
		reconnects = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradegate_stream_reconnects_total",
			Help: "Stream reconnect attempts",
		})
		handlerPanics = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradegate_stream_handler_panics_total",
			Help: "Subscriber handler panics recovered",
		}, []string{"topic"})

		registry.MustRegister(
			restRequests, restLatency, limitUsed, limitCapacity, limitWaits,
			ordersTotal, streamMessages, streamDropped, streamState, reconnects,
			handlerPanics,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, log *logger.Log) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithComponent("metrics").WithFields(logger.Fields{"addr": addr}).Info("serving prometheus metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ObserveRequest records one REST round trip. status is zero for transport
// failures.
func ObserveRequest(endpoint string, status int, elapsed time.Duration) {
	if restRequests == nil {
		return
	}
	restRequests.WithLabelValues(endpoint, statusLabel(status)).Inc()
	restLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// SetWindowUsage publishes a rate limit window's consumption.
func SetWindowUsage(window string, used, capacity int) {
	if limitUsed == nil {
		return
	}
	limitUsed.WithLabelValues(window).Set(float64(used))
	limitCapacity.WithLabelValues(window).Set(float64(capacity))
}

// IncrementRateLimitWait counts a request that was told to wait.
func IncrementRateLimitWait(window string) {
	if limitWaits != nil {
		limitWaits.WithLabelValues(window).Inc()
	}
	logger.IncrementRateLimitWait()
}

// IncrementOrderStatus counts an order entering status.
func IncrementOrderStatus(status string) {
	if ordersTotal != nil {
		ordersTotal.WithLabelValues(status).Inc()
	}
}

// IncrementStreamMessage counts a delivered stream message.
func IncrementStreamMessage(topic string, size int) {
	if streamMessages != nil {
		streamMessages.WithLabelValues(topic).Inc()
	}
	logger.RecordStreamMessage(topic, size)
}

// SetStreamState publishes the connection state ordinal.
func SetStreamState(state int) {
	if streamState != nil {
		streamState.Set(float64(state))
	}
}

// IncrementReconnect counts a reconnect attempt.
func IncrementReconnect() {
	if reconnects != nil {
		reconnects.Inc()
	}
	logger.IncrementReconnect()
}

// IncrementHandlerPanic counts a recovered subscriber panic.
func IncrementHandlerPanic(topic string) {
	if handlerPanics != nil {
		handlerPanics.WithLabelValues(topic).Inc()
	}
}

func statusLabel(status int) string {
	switch {
	case status == 0:
		return "error"
	case status == 429 || status == 418:
		return strconv.Itoa(status)
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
