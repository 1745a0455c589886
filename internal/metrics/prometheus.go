package metrics

import (
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Singleton instance
	instance *PrometheusMetrics
	once     sync.Once
)

// PrometheusMetrics handles all metrics collection for the config server
type PrometheusMetrics struct {
	// Cluster metrics
	ClusterNodesTotal  prometheus.Gauge
	ClusterNodesActive prometheus.Gauge
	NodesDisabled      prometheus.Counter
	NodeLife           *prometheus.GaugeVec

	// Replication metrics
	Heartbeats    *prometheus.CounterVec
	Syncs         *prometheus.CounterVec
	LogApplied    *prometheus.CounterVec
	SelfLastLogID prometheus.Gauge

	// Tenant metrics
	TenantChanges  *prometheus.CounterVec
	HashCacheTotal *prometheus.CounterVec

	// Operation metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
}

// NewPrometheusMetrics creates a new PrometheusMetrics instance
func NewPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		instance = &PrometheusMetrics{
			ClusterNodesTotal: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "cluster_nodes_total",
				Help: "The number of nodes known to this node, self included",
			}),
			ClusterNodesActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "cluster_nodes_active",
				Help: "The number of nodes currently considered active",
			}),
			NodesDisabled: promauto.NewCounter(prometheus.CounterOpts{
				Name: "cluster_nodes_disabled_total",
				Help: "The number of nodes disabled after running out of life",
			}),
			NodeLife: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "cluster_node_life",
					Help: "Remaining cool-down cycles before a node is disabled",
				},
				[]string{"node"},
			),

			Heartbeats: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "heartbeats_total",
					Help: "Heartbeat exchanges initiated by this node",
				},
				[]string{"node", "result"},
			),
			Syncs: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "syncs_total",
					Help: "Sync exchanges initiated by this node",
				},
				[]string{"node", "kind", "result"},
			),
			LogApplied: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "log_entries_applied_total",
					Help: "Replicated log entries applied to local storage",
				},
				[]string{"kind"},
			),
			SelfLastLogID: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "self_last_log_id",
				Help: "The highest log id in the local change log",
			}),

			TenantChanges: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tenant_changes_total",
					Help: "Local configuration changes published per tenant",
				},
				[]string{"tenant"},
			),
			HashCacheTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tenant_hash_cache_total",
					Help: "Data hash lookups by cache outcome",
				},
				[]string{"outcome"},
			),

			RequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "requests_total",
					Help: "The total number of processed requests",
				},
				[]string{"method", "endpoint", "status"},
			),
			RequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "request_duration_seconds",
					Help:    "The request latencies in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "endpoint"},
			),
			RequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "requests_in_flight",
				Help: "The number of requests currently being processed",
			}),
		}
	})

	return instance
}

// GetMetrics returns the singleton PrometheusMetrics instance
func GetMetrics() *PrometheusMetrics {
	if instance == nil {
		return NewPrometheusMetrics()
	}
	return instance
}

// RegisterMetricsHandler registers the Prometheus metrics handler with the router
func RegisterMetricsHandler(r *mux.Router) {
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// SetClusterNodesTotal updates the total number of nodes in the cluster
func (pm *PrometheusMetrics) SetClusterNodesTotal(count int) {
	pm.ClusterNodesTotal.Set(float64(count))
}

// SetClusterNodesActive updates the number of active nodes
func (pm *PrometheusMetrics) SetClusterNodesActive(count int) {
	pm.ClusterNodesActive.Set(float64(count))
}

// IncNodesDisabled counts a node disabled by the circuit breaker
func (pm *PrometheusMetrics) IncNodesDisabled() {
	pm.NodesDisabled.Inc()
}

// SetNodeLife records the remaining life of a node
func (pm *PrometheusMetrics) SetNodeLife(node string, life int) {
	pm.NodeLife.WithLabelValues(node).Set(float64(life))
}

// RecordHeartbeat counts a heartbeat exchange with its outcome
func (pm *PrometheusMetrics) RecordHeartbeat(node, result string) {
	pm.Heartbeats.WithLabelValues(node, result).Inc()
}

// RecordSync counts a sync exchange of the given kind with its outcome
func (pm *PrometheusMetrics) RecordSync(node, kind, result string) {
	pm.Syncs.WithLabelValues(node, kind, result).Inc()
}

// IncLogApplied counts an applied replicated entry
func (pm *PrometheusMetrics) IncLogApplied(kind string) {
	pm.LogApplied.WithLabelValues(kind).Inc()
}

// SetSelfLastLogID records the local log head
func (pm *PrometheusMetrics) SetSelfLastLogID(id int64) {
	pm.SelfLastLogID.Set(float64(id))
}

// IncTenantChange counts a published local change
func (pm *PrometheusMetrics) IncTenantChange(tenant string) {
	pm.TenantChanges.WithLabelValues(tenant).Inc()
}

// RecordHashCache counts a data hash lookup
func (pm *PrometheusMetrics) RecordHashCache(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	pm.HashCacheTotal.WithLabelValues(outcome).Inc()
}

// RecordRequest records a request with its method, endpoint, and status
func (pm *PrometheusMetrics) RecordRequest(method, endpoint, status string) {
	pm.RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
}

// ObserveRequestDuration records the duration of a request
func (pm *PrometheusMetrics) ObserveRequestDuration(method, endpoint string, duration float64) {
	pm.RequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// IncRequestsInFlight increments the number of requests in flight
func (pm *PrometheusMetrics) IncRequestsInFlight() {
	pm.RequestsInFlight.Inc()
}

// DecRequestsInFlight decrements the number of requests in flight
func (pm *PrometheusMetrics) DecRequestsInFlight() {
	pm.RequestsInFlight.Dec()
}
