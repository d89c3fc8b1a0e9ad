// Package promsink adapts rotorpool.MetricsSink to Prometheus, grounded on
// the request-metrics registrar pattern (NewRequestMetrics/MustRegister)
// seen elsewhere in the retrieved corpus: each metric is a CounterVec,
// GaugeVec, or HistogramVec registered once against a prometheus.Registry.
//
// rotorpool's sink interface takes a metric name and an arbitrary label map
// per call rather than the corpus's fixed, hand-enumerated label lists, so
// this package lazily creates a *Vec the first time a name is seen, using
// that call's map keys (sorted) as the permanent label set. Every
// subsequent call for that name must use the same key set; mismatches are
// dropped rather than panicking, since a metrics sink must never be the
// reason a request fails.
package promsink

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink implements rotorpool.MetricsSink. The zero value is not usable;
// construct with New.
type Sink struct {
	registry  *prometheus.Registry
	namespace string
	subsystem string

	mu         sync.Mutex
	counters   map[string]*counterEntry
	gauges     map[string]*gaugeEntry
	histograms map[string]*histogramEntry
}

type counterEntry struct {
	vec    *prometheus.CounterVec
	labels []string
}

type gaugeEntry struct {
	vec    *prometheus.GaugeVec
	labels []string
}

type histogramEntry struct {
	vec    *prometheus.HistogramVec
	labels []string
}

// New constructs a Sink that registers every metric it creates against
// registry, namespaced the way the corpus's telemetry package does.
func New(registry *prometheus.Registry, namespace, subsystem string) *Sink {
	return &Sink{
		registry:   registry,
		namespace:  namespace,
		subsystem:  subsystem,
		counters:   make(map[string]*counterEntry),
		gauges:     make(map[string]*gaugeEntry),
		histograms: make(map[string]*histogramEntry),
	}
}

func sortedKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func values(keys []string, labels map[string]string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = labels[k]
	}
	return out
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Sink) IncCounter(name string, labels map[string]string) {
	keys := sortedKeys(labels)

	s.mu.Lock()
	e, ok := s.counters[name]
	if !ok {
		e = &counterEntry{
			vec: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: s.namespace,
				Subsystem: s.subsystem,
				Name:      name,
				Help:      "rotorpool counter " + name,
			}, keys),
			labels: keys,
		}
		s.registry.MustRegister(e.vec)
		s.counters[name] = e
	}
	s.mu.Unlock()

	if !sameKeys(e.labels, keys) {
		return
	}
	e.vec.WithLabelValues(values(keys, labels)...).Inc()
}

func (s *Sink) SetGauge(name string, value float64, labels map[string]string) {
	keys := sortedKeys(labels)

	s.mu.Lock()
	e, ok := s.gauges[name]
	if !ok {
		e = &gaugeEntry{
			vec: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: s.namespace,
				Subsystem: s.subsystem,
				Name:      name,
				Help:      "rotorpool gauge " + name,
			}, keys),
			labels: keys,
		}
		s.registry.MustRegister(e.vec)
		s.gauges[name] = e
	}
	s.mu.Unlock()

	if !sameKeys(e.labels, keys) {
		return
	}
	e.vec.WithLabelValues(values(keys, labels)...).Set(value)
}

func (s *Sink) ObserveHistogram(name string, value float64, labels map[string]string) {
	keys := sortedKeys(labels)

	s.mu.Lock()
	e, ok := s.histograms[name]
	if !ok {
		e = &histogramEntry{
			vec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: s.namespace,
				Subsystem: s.subsystem,
				Name:      name,
				Help:      "rotorpool histogram " + name,
				Buckets:   prometheus.DefBuckets,
			}, keys),
			labels: keys,
		}
		s.registry.MustRegister(e.vec)
		s.histograms[name] = e
	}
	s.mu.Unlock()

	if !sameKeys(e.labels, keys) {
		return
	}
	e.vec.WithLabelValues(values(keys, labels)...).Observe(value)
}
