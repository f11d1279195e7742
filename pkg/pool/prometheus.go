package pool

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetrics is a MetricsCollector backed by standard Prometheus
// client_golang vectors.
type PrometheusMetrics struct {
	workersSpawned   *prometheus.CounterVec
	workersStopped   *prometheus.CounterVec
	leaseWaitSeconds *prometheus.HistogramVec
	leasesActive     *prometheus.GaugeVec
	compileResults   *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers the pool's metric vectors
// against reg. Passing prometheus.DefaultRegisterer matches the package
// default used by most Prometheus-instrumented Go services.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		workersSpawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compilepool",
			Name:      "workers_spawned_total",
			Help:      "Number of worker subprocesses started successfully during pool Start.",
		}, []string{"pool"}),
		workersStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compilepool",
			Name:      "workers_stopped_total",
			Help:      "Number of worker subprocesses stopped, labeled by reason.",
		}, []string{"pool", "reason"}),
		leaseWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "compilepool",
			Name:      "lease_wait_seconds",
			Help:      "Time callers spent blocked waiting for a free worker slot.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pool"}),
		leasesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "compilepool",
			Name:      "leases_active",
			Help:      "Number of worker slots currently checked out.",
		}, []string{"pool"}),
		compileResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compilepool",
			Name:      "compile_results_total",
			Help:      "Compile calls labeled by outcome: success, compile_error, transport_error, bad_compiler.",
		}, []string{"pool", "outcome"}),
	}
	reg.MustRegister(m.workersSpawned, m.workersStopped, m.leaseWaitSeconds, m.leasesActive, m.compileResults)
	return m
}

func (m *PrometheusMetrics) WorkerSpawned(poolName string, _ int) {
	m.workersSpawned.WithLabelValues(poolName).Inc()
}

func (m *PrometheusMetrics) WorkerStopped(poolName string, _ int, reason string) {
	m.workersStopped.WithLabelValues(poolName, reason).Inc()
}

func (m *PrometheusMetrics) LeaseAcquired(poolName string, _ int, waitSeconds float64) {
	m.leaseWaitSeconds.WithLabelValues(poolName).Observe(waitSeconds)
	m.leasesActive.WithLabelValues(poolName).Inc()
}

func (m *PrometheusMetrics) LeaseReleased(poolName string, _ int) {
	m.leasesActive.WithLabelValues(poolName).Dec()
}

func (m *PrometheusMetrics) CompileResult(poolName string, outcome string) {
	m.compileResults.WithLabelValues(poolName, outcome).Inc()
}
