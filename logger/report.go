package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type streamStat struct {
	messages int64
	bytes    int64
	dropped  int64
}

type componentStat struct {
	warns  int64
	errors int64
}

var (
	ordersSubmitted int64
	ordersRejected  int64
	ordersFailed    int64
	restRequests    int64
	restRetries     int64
	rateLimitWaits  int64
	reconnects      int64
	journalWrites   int64
	components      sync.Map // map[string]*componentStat
	streams         sync.Map // map[string]*streamStat
)

func componentCounters(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentCounters(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentCounters(component).errors, 1)
}

func IncrementOrderSubmitted() { atomic.AddInt64(&ordersSubmitted, 1) }
func IncrementOrderRejected()  { atomic.AddInt64(&ordersRejected, 1) }
func IncrementOrderFailed()    { atomic.AddInt64(&ordersFailed, 1) }
func IncrementRestRequest()    { atomic.AddInt64(&restRequests, 1) }
func IncrementRestRetry()      { atomic.AddInt64(&restRetries, 1) }
func IncrementRateLimitWait()  { atomic.AddInt64(&rateLimitWaits, 1) }
func IncrementReconnect()      { atomic.AddInt64(&reconnects, 1) }

func IncrementJournalWrite(size int64) {
	atomic.AddInt64(&journalWrites, 1)
	recordStream("journal_s3", int(size))
}

// RecordStreamMessage counts a frame received on topic.
func RecordStreamMessage(topic string, size int) {
	recordStream(topic, size)
}

// RecordStreamDrop counts a message discarded because a mailbox was full.
func RecordStreamDrop(topic string) {
	atomic.AddInt64(&streamCounters(topic).dropped, 1)
}

func streamCounters(name string) *streamStat {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	return v.(*streamStat)
}

func recordStream(name string, size int) {
	ss := streamCounters(name)
	atomic.AddInt64(&ss.messages, 1)
	atomic.AddInt64(&ss.bytes, int64(size))
}

// ReportSnapshot is a point-in-time copy of the process counters.
type ReportSnapshot struct {
	OrdersSubmitted int64
	OrdersRejected  int64
	OrdersFailed    int64
	RestRequests    int64
	RestRetries     int64
	RateLimitWaits  int64
	Reconnects      int64
	JournalWrites   int64
	Warns           int64
	Errors          int64
	Streams         map[string]map[string]int64
}

// Snapshot returns the current counter values.
func Snapshot() ReportSnapshot {
	snap := ReportSnapshot{
		OrdersSubmitted: atomic.LoadInt64(&ordersSubmitted),
		OrdersRejected:  atomic.LoadInt64(&ordersRejected),
		OrdersFailed:    atomic.LoadInt64(&ordersFailed),
		RestRequests:    atomic.LoadInt64(&restRequests),
		RestRetries:     atomic.LoadInt64(&restRetries),
		RateLimitWaits:  atomic.LoadInt64(&rateLimitWaits),
		Reconnects:      atomic.LoadInt64(&reconnects),
		JournalWrites:   atomic.LoadInt64(&journalWrites),
		Streams:         map[string]map[string]int64{},
	}
	components.Range(func(_, v any) bool {
		cs := v.(*componentStat)
		snap.Warns += atomic.LoadInt64(&cs.warns)
		snap.Errors += atomic.LoadInt64(&cs.errors)
		return true
	})
	streams.Range(func(k, v any) bool {
		ss := v.(*streamStat)
		snap.Streams[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&ss.messages),
			"bytes":    atomic.LoadInt64(&ss.bytes),
			"dropped":  atomic.LoadInt64(&ss.dropped),
		}
		return true
	})
	return snap
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and trading statistics until
// ctx is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	netStats, _ := gnet.IOCounters(false)

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	var memUsed, diskUsed uint64
	if memStats, err := mem.VirtualMemory(); err == nil {
		memUsed = memStats.Used
	}
	if diskStats, err := disk.Usage("/"); err == nil {
		diskUsed = diskStats.Used
	}
	var bytesSent, bytesRecv uint64
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	snap := Snapshot()
	log.WithComponent("report").WithFields(Fields{
		"orders_submitted": snap.OrdersSubmitted,
		"orders_rejected":  snap.OrdersRejected,
		"orders_failed":    snap.OrdersFailed,
		"rest_requests":    snap.RestRequests,
		"rest_retries":     snap.RestRetries,
		"rate_limit_waits": snap.RateLimitWaits,
		"reconnects":       snap.Reconnects,
		"journal_writes":   snap.JournalWrites,
		"warns":            snap.Warns,
		"errors":           snap.Errors,
		"streams":          snap.Streams,
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memUsed) / 1024 / 1024,
		"disk_mb":          int64(diskUsed) / 1024 / 1024,
		"net_bytes_sent":   int64(bytesSent),
		"net_bytes_recv":   int64(bytesRecv),
	}).Info("runtime report")

	count := func(name string, v int64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(v))}
	}
	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
		{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
		count("OrdersSubmitted", snap.OrdersSubmitted),
		count("OrdersRejected", snap.OrdersRejected),
		count("OrdersFailed", snap.OrdersFailed),
		count("RestRequests", snap.RestRequests),
		count("RestRetries", snap.RestRetries),
		count("RateLimitWaits", snap.RateLimitWaits),
		count("StreamReconnects", snap.Reconnects),
		count("JournalWrites", snap.JournalWrites),
		count("Errors", snap.Errors),
		count("Warnings", snap.Warns),
	}
	for name, stats := range snap.Streams {
		dims := []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("StreamMessages"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["messages"]))},
			cwtypes.MetricDatum{MetricName: aws.String("StreamDropped"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["dropped"]))},
		)
	}

	publishMetrics(ctx, data)
}
