// Package metrics exposes pipeline activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ecoskeleton/sensorflow/agent/internal/filter"
	"github.com/ecoskeleton/sensorflow/agent/internal/pipeline"
)

const namespace = "sensorflow"

// DefaultMaxLabels bounds the distinct module and field label values.
const DefaultMaxLabels = 64

// OtherLabel replaces module and field names seen after the limit is reached.
const OtherLabel = "other"

// labelSet admits the first limit distinct values; later ones map to
// OtherLabel.
type labelSet struct {
	mu    sync.Mutex
	limit int
	seen  map[string]struct{}
}

func newLabelSet(limit int) *labelSet {
	return &labelSet{limit: limit, seen: make(map[string]struct{})}
}

func (l *labelSet) value(v string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[v]; ok {
		return v
	}
	if len(l.seen) >= l.limit {
		return OtherLabel
	}
	l.seen[v] = struct{}{}
	return v
}

// Option configures Metrics.
type Option func(*Metrics)

// WithMaxLabels sets how many distinct modules, and separately fields, get
// their own label value. Non-positive n is ignored.
func WithMaxLabels(n int) Option {
	return func(m *Metrics) {
		if n > 0 {
			m.modules = newLabelSet(n)
			m.fields = newLabelSet(n)
		}
	}
}

// Metrics holds the collectors for one agent. It implements
// pipeline.Listener and pipeline.Observer.
type Metrics struct {
	reg *prometheus.Registry

	readingsTotal   *prometheus.CounterVec
	resultsTotal    *prometheus.CounterVec
	lastConfidence  *prometheus.GaugeVec
	lastProcessed   *prometheus.GaugeVec
	outliersTotal   *prometheus.CounterVec
	skippedTotal    *prometheus.CounterVec
	failedTotal     *prometheus.CounterVec
	storageFailures prometheus.Counter

	// modules and fields bound the label values taken from readings.
	modules *labelSet
	fields  *labelSet
}

// New creates the collectors on a private registry together with the Go
// runtime and process collectors.
func New(opts ...Option) *Metrics {
	m := &Metrics{
		reg:     prometheus.NewRegistry(),
		modules: newLabelSet(DefaultMaxLabels),
		fields:  newLabelSet(DefaultMaxLabels),

		readingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "readings_total",
				Help:      "Readings received per module.",
			},
			[]string{"module"},
		),
		resultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "results_total",
				Help:      "Successful algorithm results per algorithm.",
			},
			[]string{"algorithm"},
		),
		lastConfidence: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_confidence",
				Help:      "Confidence of the most recent result.",
			},
			[]string{"algorithm", "module", "field"},
		),
		lastProcessed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_processed_value",
				Help:      "Processed value of the most recent result.",
			},
			[]string{"algorithm", "module", "field"},
		),
		outliersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outliers_total",
				Help:      "Values flagged as outliers.",
			},
			[]string{"module", "field"},
		),
		skippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skipped_total",
				Help:      "Invocations skipped because the algorithm was removed or disabled.",
			},
			[]string{"algorithm"},
		),
		failedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "algorithm_errors_total",
				Help:      "Invocations that returned an error.",
			},
			[]string{"algorithm"},
		),
		storageFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_failures_total",
				Help:      "Storage writes that failed outright or were abandoned after the last retry.",
			},
		),
	}

	for _, o := range opts {
		o(m)
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.readingsTotal,
		m.resultsTotal,
		m.lastConfidence,
		m.lastProcessed,
		m.outliersTotal,
		m.skippedTotal,
		m.failedTotal,
		m.storageFailures,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// RegisterGaugeFunc exposes fn as an unlabelled gauge, for values owned
// elsewhere such as queue depth.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
		fn,
	))
}

// OnResult implements pipeline.Listener.
func (m *Metrics) OnResult(ev pipeline.Event) {
	module, field := m.modules.value(ev.Module), m.fields.value(ev.Field)
	m.resultsTotal.WithLabelValues(ev.Algorithm).Inc()
	m.lastConfidence.WithLabelValues(ev.Algorithm, module, field).Set(ev.Result.Confidence)
	m.lastProcessed.WithLabelValues(ev.Algorithm, module, field).Set(ev.Result.Processed)
	if flagged, _ := ev.Result.Attributes[filter.AttrIsOutlier].(bool); flagged {
		m.outliersTotal.WithLabelValues(module, field).Inc()
	}
}

// ReadingReceived implements pipeline.Observer.
func (m *Metrics) ReadingReceived(module string) {
	m.readingsTotal.WithLabelValues(m.modules.value(module)).Inc()
}

// AlgorithmSkipped implements pipeline.Observer.
func (m *Metrics) AlgorithmSkipped(algorithm string) {
	m.skippedTotal.WithLabelValues(algorithm).Inc()
}

// AlgorithmFailed implements pipeline.Observer.
func (m *Metrics) AlgorithmFailed(algorithm string) {
	m.failedTotal.WithLabelValues(algorithm).Inc()
}

// StorageFailed implements pipeline.Observer.
func (m *Metrics) StorageFailed() {
	m.storageFailures.Inc()
}
