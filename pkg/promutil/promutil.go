package promutil

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Factory creates collectors pre-registered on a private registry with a
// common name prefix, so every component gets conflict-free metric names.
type Factory struct {
	registry *prometheus.Registry
	prefix   string
}

// NewFactory creates a Factory with its own registry.
func NewFactory(prefix string) *Factory {
	return &Factory{
		registry: prometheus.NewRegistry(),
		prefix:   prefix,
	}
}

func (f *Factory) name(name string) string {
	if f.prefix == "" {
		return name
	}
	return f.prefix + "_" + name
}

// NewCounter creates and registers a counter.
func (f *Factory) NewCounter(name string, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: f.name(name), Help: help})
	f.registry.MustRegister(c)
	return c
}

// NewCounterVec creates and registers a counter vector.
func (f *Factory) NewCounterVec(name string, help string, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: f.name(name), Help: help}, labels)
	f.registry.MustRegister(c)
	return c
}

// NewGaugeVec creates and registers a gauge vector.
func (f *Factory) NewGaugeVec(name string, help string, labels []string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: f.name(name), Help: help}, labels)
	f.registry.MustRegister(g)
	return g
}

// NewHistogram creates and registers a histogram.
func (f *Factory) NewHistogram(name string, help string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: f.name(name), Help: help, Buckets: buckets})
	f.registry.MustRegister(h)
	return h
}

// HTTPHandler exposes the factory's registry in text format.
func (f *Factory) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(f.registry, promhttp.HandlerOpts{})
}
