package metrics

import "tradegate/logger"

// DropMetric identifies the metric name emitted when stream messages are dropped.
type DropMetric string

const (
	// DropMetricMailboxFull records messages discarded after the dispatch budget.
	DropMetricMailboxFull DropMetric = "stream_messages_dropped"
	// DropMetricUnrouted records frames that matched no subscription.
	DropMetricUnrouted DropMetric = "stream_messages_unrouted"
)

// EmitDropMetric logs and emits a metric for one dropped stream message.
// Callers invoke it once per message.
func EmitDropMetric(log *logger.Log, metric DropMetric, topic string) {
	fields := logger.Fields{}
	if topic != "" {
		fields["topic"] = topic
	}
	if metric == DropMetricMailboxFull {
		if streamDropped != nil {
			streamDropped.WithLabelValues(topic).Inc()
		}
		logger.RecordStreamDrop(topic)
	}
	EmitMetric(log, "stream", string(metric), 1, "counter", fields)
}
