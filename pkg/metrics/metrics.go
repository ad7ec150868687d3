package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "berth_containers_total",
			Help: "Total number of tracked containers by engine and phase",
		},
		[]string{"engine", "phase"},
	)

	NetworksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "berth_networks_total",
			Help: "Total number of tracked networks by engine",
		},
		[]string{"engine"},
	)

	EngineUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "berth_engine_up",
			Help: "Whether the engine answered its last ping (1 = up, 0 = down)",
		},
		[]string{"engine"},
	)

	// Quota metrics
	QuotaUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "berth_quota_usage",
			Help: "Committed quota usage by owner and dimension",
		},
		[]string{"owner", "dimension"},
	)

	QuotaLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "berth_quota_limit",
			Help: "Quota limit by owner and dimension",
		},
		[]string{"owner", "dimension"},
	)

	QuotaRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "berth_quota_rejections_total",
			Help: "Total number of reservations rejected by the first exceeded dimension",
		},
		[]string{"dimension"},
	)

	ReservationsHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "berth_quota_reservations_held",
			Help: "Number of reservations neither committed nor released",
		},
	)

	// Lifecycle metrics
	LifecycleOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "berth_lifecycle_operations_total",
			Help: "Total number of lifecycle operations by operation and error kind (ok on success)",
		},
		[]string{"operation", "result"},
	)

	LifecycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "berth_lifecycle_operation_duration_seconds",
			Help:    "Lifecycle operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	RemovalQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "berth_removal_queue_depth",
			Help: "Containers queued for removal after a cancelled create",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "berth_reconciliation_duration_seconds",
			Help:    "Time taken to reconcile one engine in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"engine"},
	)

	ReconciliationCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "berth_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ReconcileDrift = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "berth_reconcile_drift_total",
			Help: "Total number of corrections applied by the reconciler by engine and kind",
		},
		[]string{"engine", "kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "berth_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "berth_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(NetworksTotal)
	prometheus.MustRegister(EngineUp)
	prometheus.MustRegister(QuotaUsage)
	prometheus.MustRegister(QuotaLimit)
	prometheus.MustRegister(QuotaRejections)
	prometheus.MustRegister(ReservationsHeld)
	prometheus.MustRegister(LifecycleOperations)
	prometheus.MustRegister(LifecycleDuration)
	prometheus.MustRegister(RemovalQueueDepth)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCycles)
	prometheus.MustRegister(ReconcileDrift)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds on h
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on the labelled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
