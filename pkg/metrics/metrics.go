package metrics

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestDuration tracks the duration of resumable session protocol requests.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upload_http_request_duration_seconds",
			Help:    "Time spent processing resumable session HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)

	// ActiveRequests tracks the number of in-flight HTTP requests.
	ActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "upload_http_active_requests",
			Help: "Number of active resumable session HTTP requests",
		},
	)

	// PipelineStageDuration tracks per-stage pipeline processing time.
	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upload_pipeline_stage_duration_seconds",
			Help:    "Time spent processing a pipeline stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "outcome"},
	)

	// PipelineQueueDepth tracks the number of leases pending per stage.
	PipelineQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "upload_pipeline_queue_depth",
			Help: "Number of sessions queued for a pipeline stage",
		},
		[]string{"stage"},
	)
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
)

// Metric represents a metric
type Metric struct {
	Name      string
	Type      MetricType
	Value     float64
	Labels    map[string]string
	Timestamp time.Time
}

// MetricsCollector manages metrics collection
type MetricsCollector struct {
	metrics []Metric
	mu      sync.RWMutex
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics: make([]Metric, 0),
	}
}

// Record records a new metric
func (mc *MetricsCollector) Record(metric Metric) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics = append(mc.metrics, metric)
}

// GetMetrics returns all recorded metrics
func (mc *MetricsCollector) GetMetrics() []Metric {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.metrics
}

// CounterMetric represents a counter metric
type CounterMetric struct {
	name   string
	value  float64
	labels map[string]string
}

func NewCounterMetric(name string, value float64, labels map[string]string) *CounterMetric {
	return &CounterMetric{
		name:   name,
		value:  value,
		labels: labels,
	}
}

func (c *CounterMetric) Record(collector *MetricsCollector) {
	collector.Record(Metric{
		Name:      c.name,
		Type:      Counter,
		Value:     c.value,
		Labels:    c.labels,
		Timestamp: time.Now(),
	})
}

// GaugeMetric represents a gauge metric
type GaugeMetric struct {
	name   string
	value  float64
	labels map[string]string
}

func NewGaugeMetric(name string, value float64, labels map[string]string) *GaugeMetric {
	return &GaugeMetric{
		name:   name,
		value:  value,
		labels: labels,
	}
}

func (g *GaugeMetric) Record(collector *MetricsCollector) {
	collector.Record(Metric{
		Name:      g.name,
		Type:      Gauge,
		Value:     g.value,
		Labels:    g.labels,
		Timestamp: time.Now(),
	})
}

// HistogramMetric represents a histogram metric
type HistogramMetric struct {
	name   string
	value  float64
	labels map[string]string
}

func NewHistogramMetric(name string, value float64, labels map[string]string) *HistogramMetric {
	return &HistogramMetric{
		name:   name,
		value:  value,
		labels: labels,
	}
}

func (h *HistogramMetric) Record(collector *MetricsCollector) {
	collector.Record(Metric{
		Name:      h.name,
		Type:      Histogram,
		Value:     h.value,
		Labels:    h.labels,
		Timestamp: time.Now(),
	})
}

// MetricsExporter exports metrics to a monitoring system
type MetricsExporter interface {
	Export(ctx context.Context, metrics []Metric) error
}

// PrometheusExporter exports metrics to Prometheus
type PrometheusExporter struct {
	// Add Prometheus client configuration
}

func NewPrometheusExporter() *PrometheusExporter {
	return &PrometheusExporter{}
}

func (p *PrometheusExporter) Export(ctx context.Context, metrics []Metric) error {
	// Implement Prometheus export logic
	return nil
}

// StatsDExporter exports metrics to StatsD
type StatsDExporter struct {
	// Add StatsD client configuration
}

func NewStatsDExporter() *StatsDExporter {
	return &StatsDExporter{}
}

func (s *StatsDExporter) Export(ctx context.Context, metrics []Metric) error {
	// Implement StatsD export logic
	return nil
}

// Init registers the core collectors and starts the /metrics listener on addr.
func Init(addr string) {
	prometheus.MustRegister(RequestDuration, ActiveRequests, PipelineStageDuration, PipelineQueueDepth)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("metrics server exited: %v", err)
		}
	}()
}
