package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Storage operation metrics
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Access oracle call metrics
	AccessCheckTotal    *prometheus.CounterVec
	AccessCheckDuration *prometheus.HistogramVec

	// Event consumption metrics
	EventConsumeTotal    *prometheus.CounterVec
	EventConsumeDuration *prometheus.HistogramVec

	// Token issuance metrics
	TokensIssuedTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total number of storage operations",
		}, []string{"operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		AccessCheckTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "access_oracle_calls_total",
			Help: "Total number of calls to the access oracle",
		}, []string{"operation", "status"}),

		AccessCheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "access_oracle_call_duration_seconds",
			Help:    "Access oracle call duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		EventConsumeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_consume_total",
			Help: "Total number of consumed dataset events",
		}, []string{"event_type", "status"}),

		EventConsumeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "event_consume_duration_seconds",
			Help:    "Dataset event handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "status"}),

		TokensIssuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokens_issued_total",
			Help: "Total number of issued tokens by kind",
		}, []string{"kind"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.StorageOperationTotal)
	registerOrGet(m.StorageOperationDuration)
	registerOrGet(m.AccessCheckTotal)
	registerOrGet(m.AccessCheckDuration)
	registerOrGet(m.EventConsumeTotal)
	registerOrGet(m.EventConsumeDuration)
	registerOrGet(m.TokensIssuedTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
