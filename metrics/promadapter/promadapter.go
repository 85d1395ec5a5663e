// Package promadapter adapts github.com/prometheus/client_golang to the
// metrics.Sink port, grounded on common/metrics/metrics.go's
// NewBusinessMetrics pattern: one CounterVec and one HistogramVec per
// distinct metric name, created lazily and cached by name since resilientmq
// components (unlike the teacher's fixed business metrics) emit metric
// names it doesn't know ahead of time.
package promadapter

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink implements metrics.Sink against a prometheus.Registerer.
type Sink struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// New builds a Sink registering metrics on reg (use prometheus.DefaultRegisterer
// for the process-wide default registry).
func New(reg prometheus.Registerer) *Sink {
	return &Sink{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (s *Sink) IncCounter(name string, labels map[string]string) {
	keys, values := splitLabels(labels)
	s.mu.Lock()
	c, ok := s.counters[name]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name,
			Help: name,
		}, keys)
		s.reg.MustRegister(c)
		s.counters[name] = c
	}
	s.mu.Unlock()
	c.WithLabelValues(values...).Inc()
}

func (s *Sink) ObserveHistogram(name string, seconds float64, labels map[string]string) {
	keys, values := splitLabels(labels)
	s.mu.Lock()
	h, ok := s.histograms[name]
	if !ok {
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    name,
			Buckets: prometheus.DefBuckets,
		}, keys)
		s.reg.MustRegister(h)
		s.histograms[name] = h
	}
	s.mu.Unlock()
	h.WithLabelValues(values...).Observe(seconds)
}

func splitLabels(labels map[string]string) (keys, values []string) {
	keys = make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	values = make([]string, len(keys))
	for i, k := range keys {
		values[i] = labels[k]
	}
	return keys, values
}
