package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RefreshCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletsync_refresh_count",
			Help: "Wallet refresh attempts by network and outcome",
		},
		[]string{"network", "outcome"},
	)
	RefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "walletsync_refresh_duration_seconds",
			Help:    "Time spent refreshing a single wallet",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"network"},
	)
	TrackedWallets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "walletsync_tracked_wallets",
			Help: "Number of wallets currently tracked",
		},
	)
	OracleErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "walletsync_oracle_error_count",
			Help: "Price oracle requests that failed",
		},
	)
	SchedulerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletsync_scheduler_run_count",
			Help: "Scheduler cycles by result (ran or skipped)",
		},
		[]string{"result"},
	)
	RequestsCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletsync_requests_count",
			Help: "Total number of requests to various endpoints",
		},
		[]string{"method", "endpoint"},
	)
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"

	RunRan     = "ran"
	RunSkipped = "skipped"
)

func init() {
	prometheus.MustRegister(RefreshCount)
	prometheus.MustRegister(RefreshDuration)
	prometheus.MustRegister(TrackedWallets)
	prometheus.MustRegister(OracleErrors)
	prometheus.MustRegister(SchedulerRuns)
	prometheus.MustRegister(RequestsCount)
}
