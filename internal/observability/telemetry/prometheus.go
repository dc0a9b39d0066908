package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metricKind int

const (
	kindCounter metricKind = iota
	kindHistogram
)

type metricSpec struct {
	kind    metricKind
	help    string
	labels  []string
	buckets []float64
}

var metricSpecs = map[string]metricSpec{
	MetricSessionsStarted: {kind: kindCounter, help: "Sessions started", labels: []string{"channel"}},
	MetricSessionsEnded:   {kind: kindCounter, help: "Sessions that reached a terminal state", labels: []string{"status", "reason"}},
	MetricSessionDurationSeconds: {
		kind: kindHistogram, help: "Session duration in seconds", labels: []string{"status"},
		buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	},
	MetricSessionCostUSD: {
		kind: kindHistogram, help: "Total session cost in USD", labels: []string{"status"},
		buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	},
	MetricStateTransitions: {kind: kindCounter, help: "Applied session state transitions", labels: []string{"from", "to"}},
	MetricBargeIns:         {kind: kindCounter, help: "Accepted barge-in interruptions", labels: []string{"channel"}},
	MetricProviderAttempts: {kind: kindCounter, help: "Provider invocation attempts", labels: []string{"modality", "provider", "outcome"}},
	MetricProviderLatencySeconds: {
		kind: kindHistogram, help: "Provider attempt latency in seconds", labels: []string{"modality", "provider"},
		buckets: prometheus.DefBuckets,
	},
	MetricToolCalls: {kind: kindCounter, help: "Tool executions", labels: []string{"tool", "outcome"}},
	MetricToolLatencySeconds: {
		kind: kindHistogram, help: "Tool execution latency in seconds", labels: []string{"tool"},
		buckets: prometheus.DefBuckets,
	},
}

// PrometheusEmitter maps runtime metric emissions onto Prometheus collectors.
type PrometheusEmitter struct {
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusEmitter registers the runtime collectors on reg under namespace.
func NewPrometheusEmitter(namespace string, reg prometheus.Registerer) *PrometheusEmitter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	p := &PrometheusEmitter{
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	for name, spec := range metricSpecs {
		switch spec.kind {
		case kindCounter:
			p.counters[name] = factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      name,
				Help:      spec.help,
			}, spec.labels)
		case kindHistogram:
			p.histograms[name] = factory.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      name,
				Help:      spec.help,
				Buckets:   spec.buckets,
			}, spec.labels)
		}
	}
	return p
}

// EmitMetric updates the collector registered for name. Unknown names and
// negative counter increments are ignored.
func (p *PrometheusEmitter) EmitMetric(name string, value float64, attributes map[string]string, _ Correlation) {
	spec, ok := metricSpecs[name]
	if !ok {
		return
	}
	values := make([]string, len(spec.labels))
	for i, label := range spec.labels {
		values[i] = attributes[label]
	}
	switch spec.kind {
	case kindCounter:
		if value < 0 {
			return
		}
		p.counters[name].WithLabelValues(values...).Add(value)
	case kindHistogram:
		p.histograms[name].WithLabelValues(values...).Observe(value)
	}
}
