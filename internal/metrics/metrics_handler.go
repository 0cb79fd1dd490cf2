package metrics

import (
	"maps"
	"sync"
	"time"

	"tradegate/logger"
)

// Metric is one structured event emitted alongside the Prometheus series,
// for sinks such as CloudWatch that want individual observations.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// Float returns Value as a float64 when it is numeric.
func (m Metric) Float() (float64, bool) {
	switch v := m.Value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

// MetricHandler receives every emitted Metric. Handlers run on the emitting
// goroutine and should return quickly.
type MetricHandler func(Metric)

// MetricHandlerID identifies a registration; zero means none.
type MetricHandlerID uint64

var handlers = struct {
	sync.RWMutex
	next MetricHandlerID
	set  map[MetricHandlerID]MetricHandler
}{set: make(map[MetricHandlerID]MetricHandler)}

func RegisterMetricHandler(h MetricHandler) MetricHandlerID {
	if h == nil {
		return 0
	}
	handlers.Lock()
	defer handlers.Unlock()
	handlers.next++
	handlers.set[handlers.next] = h
	return handlers.next
}

func UnregisterMetricHandler(id MetricHandlerID) {
	handlers.Lock()
	delete(handlers.set, id)
	handlers.Unlock()
}

// EmitMetric logs a metric line and fans it out to the registered handlers.
// Unnamed metrics are dropped. An empty metricType means counter.
func EmitMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}
	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    logger.Fields{},
	}
	maps.Copy(m.Fields, fields)

	line := maps.Clone(m.Fields)
	line["metric"] = name
	line["metric_type"] = metricType
	line["value"] = value
	log.WithComponent(component).WithFields(line).Info("metric")

	handlers.RLock()
	targets := make([]MetricHandler, 0, len(handlers.set))
	for _, h := range handlers.set {
		targets = append(targets, h)
	}
	handlers.RUnlock()
	for _, h := range targets {
		h(m)
	}
}
