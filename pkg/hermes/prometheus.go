package hermes

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// appendBuckets cover a single fsync'd append, from page cache to a slow disk.
var appendBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}

var help = map[string]string{
	MetricAppends:         "Audit entries durably appended, by channel.",
	MetricAppendSeconds:   "Latency of chain hashing plus durable append, by channel.",
	MetricFailures:        "Failed audit log calls, by channel and error kind.",
	MetricEscalations:     "Audit failures handed to the escalator, by channel and error kind.",
	MetricSidecarMismatch: "Chains whose state sidecar disagreed with the log tail on open.",
	MetricPartialTails:    "Partial trailing lines quarantined on open.",
	MetricVerify:          "Chain verifications, by result.",
	MetricDeadLetters:     "Queued entries that could not be committed, by channel.",
	MetricQueueDepth:      "Pending entries per ingestion channel.",
}

// PrometheusMetrics implements Metrics on a Prometheus registerer.
// Vectors are created lazily on first use with the label keys of that call.
type PrometheusMetrics struct {
	registerer prometheus.Registerer
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	mu         sync.RWMutex
}

// NewPrometheusMetrics creates a PrometheusMetrics registering on reg.
// A nil reg selects prometheus.DefaultRegisterer.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusMetrics{
		registerer: reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func splitLabels(labels []Label) (keys, values []string) {
	keys = make([]string, len(labels))
	values = make([]string, len(labels))
	for i, l := range labels {
		keys[i] = l.Key
		values[i] = l.Value
	}
	return keys, values
}

func helpFor(name string) string {
	if h, ok := help[name]; ok {
		return h
	}
	return name
}

// vector returns vecs[name], registering the result of build on first use.
func vector[V prometheus.Collector](m *PrometheusMetrics, vecs map[string]V, name string, build func() V) V {
	m.mu.RLock()
	vec, ok := vecs[name]
	m.mu.RUnlock()
	if ok {
		return vec
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if vec, ok = vecs[name]; !ok {
		vec = build()
		m.registerer.MustRegister(vec)
		vecs[name] = vec
	}
	return vec
}

func (m *PrometheusMetrics) IncCounter(name string, value float64, labels ...Label) {
	keys, values := splitLabels(labels)
	vec := vector(m, m.counters, name, func() *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: helpFor(name)}, keys)
	})
	vec.WithLabelValues(values...).Add(value)
}

func (m *PrometheusMetrics) ObserveHistogram(name string, value float64, labels ...Label) {
	keys, values := splitLabels(labels)
	vec := vector(m, m.histograms, name, func() *prometheus.HistogramVec {
		opts := prometheus.HistogramOpts{Name: name, Help: helpFor(name)}
		if name == MetricAppendSeconds {
			opts.Buckets = appendBuckets
		}
		return prometheus.NewHistogramVec(opts, keys)
	})
	vec.WithLabelValues(values...).Observe(value)
}

func (m *PrometheusMetrics) SetGauge(name string, value float64, labels ...Label) {
	keys, values := splitLabels(labels)
	vec := vector(m, m.gauges, name, func() *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: helpFor(name)}, keys)
	})
	vec.WithLabelValues(values...).Set(value)
}
