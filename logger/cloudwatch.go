package logger

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// PutMetricData accepts at most 1000 datums per call.
const cwBatchLimit = 1000

type cloudWatchSink struct {
	client    *cloudwatch.Client
	namespace string
	dashboard string
}

var (
	cwMu   sync.RWMutex
	cwSink *cloudWatchSink
)

func currentSink() *cloudWatchSink {
	cwMu.RLock()
	defer cwMu.RUnlock()
	return cwSink
}

// InitCloudWatch enables metric publishing. An empty region falls back to
// AWS_REGION. Failures leave publishing disabled and are only logged.
func InitCloudWatch(region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if namespace == "" {
		namespace = "TradeGate"
	}
	if dashboard == "" {
		dashboard = namespace
	}

	ctx := context.Background()
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).WithEnv("AWS_REGION").Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	sink := &cloudWatchSink{client: cloudwatch.NewFromConfig(awsCfg), namespace: namespace, dashboard: dashboard}
	cwMu.Lock()
	cwSink = sink
	cwMu.Unlock()

	log.WithFields(Fields{"region": region, "namespace": namespace}).Info("initialized CloudWatch client")
	sink.putDashboard(ctx)
}

var (
	// cloudWatchPublishInterval is the shortest gap between two counter
	// batches.
	cloudWatchPublishInterval = time.Minute
	timeNow                   = time.Now
	publishMetricsFunc        = publishMetrics
)

type counterKey struct {
	component string
	name      string
	dims      string
}

type counterSum struct {
	dimensions []cwtypes.Dimension
	value      float64
}

var counters = struct {
	sync.Mutex
	pending   map[counterKey]*counterSum
	lastFlush time.Time
}{pending: make(map[counterKey]*counterSum)}

// AddCounter adds value to a counter with string dimensions. Counters are
// summed locally and sent as one PutMetricData batch at most once per
// publish interval, by the call that finds the interval elapsed.
// It does nothing until InitCloudWatch succeeded.
func AddCounter(ctx context.Context, component, name string, value float64, dims map[string]string) {
	if currentSink() == nil || name == "" {
		return
	}
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var encoded strings.Builder
	for _, k := range keys {
		encoded.WriteString(k + "=" + dims[k] + ";")
	}
	key := counterKey{component: component, name: name, dims: encoded.String()}

	counters.Lock()
	sum, ok := counters.pending[key]
	if !ok {
		dimensions := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(component)}}
		for _, k := range keys {
			dimensions = append(dimensions, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(dims[k])})
		}
		sum = &counterSum{dimensions: dimensions}
		counters.pending[key] = sum
	}
	sum.value += value
	var batch []cwtypes.MetricDatum
	if now := timeNow(); now.Sub(counters.lastFlush) >= cloudWatchPublishInterval {
		batch = drainCountersLocked(now)
	}
	counters.Unlock()

	publishMetricsFunc(ctx, batch)
}

// FlushCounters sends every pending counter now.
func FlushCounters(ctx context.Context) {
	counters.Lock()
	batch := drainCountersLocked(timeNow())
	counters.Unlock()
	publishMetricsFunc(ctx, batch)
}

// RunCounterFlush flushes pending counters every publish interval until ctx
// is done, then once more.
func RunCounterFlush(ctx context.Context) {
	ticker := time.NewTicker(cloudWatchPublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			FlushCounters(final)
			cancel()
			return
		case <-ticker.C:
			FlushCounters(ctx)
		}
	}
}

func drainCountersLocked(now time.Time) []cwtypes.MetricDatum {
	counters.lastFlush = now
	if len(counters.pending) == 0 {
		return nil
	}
	keys := make([]counterKey, 0, len(counters.pending))
	for k := range counters.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.component != b.component {
			return a.component < b.component
		}
		if a.name != b.name {
			return a.name < b.name
		}
		return a.dims < b.dims
	})
	data := make([]cwtypes.MetricDatum, 0, len(keys))
	for _, k := range keys {
		sum := counters.pending[k]
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(k.name),
			Dimensions: sum.dimensions,
			Timestamp:  aws.Time(now),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(sum.value),
		})
	}
	counters.pending = make(map[counterKey]*counterSum)
	return data
}

func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	sink := currentSink()
	if sink == nil || len(data) == 0 {
		return
	}
	for start := 0; start < len(data); start += cwBatchLimit {
		end := min(start+cwBatchLimit, len(data))
		if _, err := sink.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(sink.namespace),
			MetricData: data[start:end],
		}); err != nil {
			GetLogger().WithComponent("cloudwatch").WithError(err).WithFields(Fields{"count": end - start}).Warn("failed to publish CloudWatch metrics")
			return
		}
	}
}

// putDashboard creates or replaces the order flow dashboard.
func (s *cloudWatchSink) putDashboard(ctx context.Context) {
	widget := func(title string, metrics ...string) string {
		rows := ""
		for i, m := range metrics {
			if i > 0 {
				rows += ","
			}
			rows += fmt.Sprintf(`[%q,%q]`, s.namespace, m)
		}
		return fmt.Sprintf(`{"type":"metric","width":12,"height":6,"properties":{"metrics":[%s],"period":60,"stat":"Sum","title":%q}}`, rows, title)
	}
	body := fmt.Sprintf(`{"widgets":[%s,%s]}`,
		widget("Orders", "OrdersSubmitted", "OrdersRejected", "OrdersFailed"),
		widget("Transport", "RestRequests", "RestRetries", "RateLimitWaits", "StreamReconnects"),
	)
	if _, err := s.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(s.dashboard),
		DashboardBody: aws.String(body),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
