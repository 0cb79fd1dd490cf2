package logger

import (
	"context"
	"testing"
	"time"

	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

func resetCounters() {
	counters.Lock()
	counters.pending = make(map[counterKey]*counterSum)
	counters.lastFlush = time.Time{}
	counters.Unlock()
}

func captureBatches(t *testing.T) *[][]cwtypes.MetricDatum {
	t.Helper()
	cwMu.Lock()
	prevSink := cwSink
	cwSink = &cloudWatchSink{namespace: "test"}
	cwMu.Unlock()
	t.Cleanup(func() {
		cwMu.Lock()
		cwSink = prevSink
		cwMu.Unlock()
	})

	resetCounters()
	t.Cleanup(resetCounters)

	originalInterval := cloudWatchPublishInterval
	cloudWatchPublishInterval = 50 * time.Millisecond
	t.Cleanup(func() { cloudWatchPublishInterval = originalInterval })

	batches := make([][]cwtypes.MetricDatum, 0)
	publishMetricsFunc = func(ctx context.Context, data []cwtypes.MetricDatum) {
		if len(data) == 0 {
			return
		}
		copyData := make([]cwtypes.MetricDatum, len(data))
		copy(copyData, data)
		batches = append(batches, copyData)
	}
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })
	t.Cleanup(func() { timeNow = time.Now })
	return &batches
}

func TestAddCounterThrottlesToInterval(t *testing.T) {
	batches := captureBatches(t)
	ctx := context.Background()

	baseTime := time.Now()
	timeNow = func() time.Time { return baseTime }
	AddCounter(ctx, "order_engine", "OrdersSubmitted", 1, nil)

	timeNow = func() time.Time { return baseTime.Add(25 * time.Millisecond) }
	AddCounter(ctx, "order_engine", "OrdersSubmitted", 2, nil)
	AddCounter(ctx, "rest_client", "RestRetries", 1, map[string]string{"endpoint": "place_order"})
	AddCounter(ctx, "order_engine", "OrdersSubmitted", 3, nil)

	if len(*batches) != 1 {
		t.Fatalf("expected 1 publish within the interval, got %d", len(*batches))
	}
	if first := (*batches)[0]; len(first) != 1 || *first[0].Value != 1 {
		t.Fatalf("unexpected first batch %+v", first)
	}

	timeNow = func() time.Time { return baseTime.Add(75 * time.Millisecond) }
	AddCounter(ctx, "stream", "StreamReconnects", 1, nil)

	if len(*batches) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(*batches))
	}
	second := (*batches)[1]
	if len(second) != 3 {
		t.Fatalf("expected three counters in one batch, got %d", len(second))
	}
	want := []struct {
		name  string
		value float64
		dims  int
	}{
		{"OrdersSubmitted", 5, 1},
		{"RestRetries", 1, 2},
		{"StreamReconnects", 1, 1},
	}
	for i, w := range want {
		datum := second[i]
		if datum.MetricName == nil || *datum.MetricName != w.name {
			t.Fatalf("datum %d: unexpected metric name %v", i, datum.MetricName)
		}
		if datum.Value == nil || *datum.Value != w.value {
			t.Fatalf("datum %d: unexpected value %v", i, datum.Value)
		}
		if len(datum.Dimensions) != w.dims {
			t.Fatalf("datum %d: unexpected dimensions %+v", i, datum.Dimensions)
		}
	}
}

func TestFlushCountersSendsPending(t *testing.T) {
	batches := captureBatches(t)
	ctx := context.Background()

	baseTime := time.Now()
	timeNow = func() time.Time { return baseTime }
	AddCounter(ctx, "order_engine", "OrdersFailed", 1, nil)
	AddCounter(ctx, "order_engine", "OrdersFailed", 1, nil)

	FlushCounters(ctx)
	if len(*batches) != 2 || *(*batches)[1][0].Value != 1 {
		t.Fatalf("expected the held counter to flush, got %+v", *batches)
	}
	FlushCounters(ctx)
	if len(*batches) != 2 {
		t.Fatalf("empty flush published: %d", len(*batches))
	}
}

func TestAddCounterWithoutCloudWatch(t *testing.T) {
	batches := captureBatches(t)
	cwMu.Lock()
	cwSink = nil
	cwMu.Unlock()

	AddCounter(context.Background(), "order_engine", "OrdersSubmitted", 1, nil)
	if len(*batches) != 0 || len(counters.pending) != 0 {
		t.Fatal("counter recorded without a CloudWatch sink")
	}
}
