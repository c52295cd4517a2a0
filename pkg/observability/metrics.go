package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsClient defines the interface for recording metrics
type MetricsClient interface {
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordDuration(name string, duration time.Duration)

	Close() error
}

// PrometheusMetricsClient implements MetricsClient using Prometheus
type PrometheusMetricsClient struct {
	namespace string

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	mu sync.RWMutex
}

// NewPrometheusMetricsClient creates a new Prometheus metrics client
func NewPrometheusMetricsClient(namespace string) *PrometheusMetricsClient {
	return &PrometheusMetricsClient{
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// IncrementCounterWithLabels increments a counter with labels
func (c *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	counter := c.getOrCreateCounter(name, labelNames(labels))
	counter.With(prometheus.Labels(labels)).Add(value)
}

// RecordGauge sets a gauge value
func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	gauge, ok := c.gauges[name]
	if !ok {
		gauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Name:      name,
		}, labelNames(labels))
		c.gauges[name] = gauge
	}
	c.mu.Unlock()

	gauge.With(prometheus.Labels(labels)).Set(value)
}

// RecordDuration records an operation duration as a histogram observation
func (c *PrometheusMetricsClient) RecordDuration(name string, duration time.Duration) {
	c.mu.Lock()
	hist, ok := c.histograms[name]
	if !ok {
		hist = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: c.namespace,
			Name:      name,
			Buckets:   prometheus.DefBuckets,
		}, nil)
		c.histograms[name] = hist
	}
	c.mu.Unlock()

	hist.With(nil).Observe(duration.Seconds())
}

// Close implements MetricsClient.Close
func (c *PrometheusMetricsClient) Close() error {
	return nil
}

func (c *PrometheusMetricsClient) getOrCreateCounter(name string, labels []string) *prometheus.CounterVec {
	c.mu.Lock()
	defer c.mu.Unlock()

	if counter, ok := c.counters[name]; ok {
		return counter
	}

	counter := promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Name:      name,
	}, labels)
	c.counters[name] = counter
	return counter
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}

// NoopMetricsClient is a metrics client that does nothing
type NoopMetricsClient struct{}

// NewMetricsClient creates a new NoopMetricsClient
func NewMetricsClient() MetricsClient {
	return &NoopMetricsClient{}
}

// IncrementCounterWithLabels implements MetricsClient
func (c *NoopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}

// RecordGauge implements MetricsClient
func (c *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}

// RecordDuration implements MetricsClient
func (c *NoopMetricsClient) RecordDuration(name string, duration time.Duration) {}

// Close implements MetricsClient
func (c *NoopMetricsClient) Close() error { return nil }
