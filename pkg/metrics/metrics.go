package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeploymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployd_deployments_total",
			Help: "Completed deployment runs by outcome",
		},
		[]string{"outcome"},
	)

	DeploymentsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deployd_deployments_active",
			Help: "Deployment runs currently in flight",
		},
	)

	DeploymentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deployd_deployment_duration_seconds",
			Help:    "Wall-clock duration of a full deployment run",
			Buckets: prometheus.ExponentialBuckets(30, 2, 8),
		},
	)

	AttemptsPerRun = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deployd_attempts_per_run",
			Help:    "Launch attempts used before a run terminated",
			Buckets: []float64{1, 2, 3, 4},
		},
	)

	GPUUtilNegotiated = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deployd_gpu_util_negotiated",
			Help: "GPU memory utilization fraction of the last successful launch",
		},
		[]string{"model"},
	)

	KVCacheTokens = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deployd_kv_cache_tokens",
			Help: "KV cache capacity in tokens reported by the server",
		},
		[]string{"model"},
	)

	RemoteCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployd_remote_commands_total",
			Help: "Remote command invocations by result",
		},
		[]string{"result"},
	)
)

// RecordRun updates run-level metrics when a deployment terminates
func RecordRun(outcome string, attempts int, elapsed time.Duration) {
	DeploymentsTotal.WithLabelValues(outcome).Inc()
	AttemptsPerRun.Observe(float64(attempts))
	DeploymentDuration.Observe(elapsed.Seconds())
}

// RecordLaunch updates per-model gauges after a successful launch
func RecordLaunch(model string, gpuUtil float64, kvTokens int64) {
	GPUUtilNegotiated.WithLabelValues(model).Set(gpuUtil)
	if kvTokens > 0 {
		KVCacheTokens.WithLabelValues(model).Set(float64(kvTokens))
	}
}
