package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent pool metrics
	AgentsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_agents_running",
			Help: "Number of running agent instances by role",
		},
		[]string{"role"},
	)

	AgentsSpawnedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_agents_spawned_total",
			Help: "Total number of agent instances spawned by role",
		},
		[]string{"role"},
	)

	AgentExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_agent_exits_total",
			Help: "Total number of agent process exits by role",
		},
		[]string{"role"},
	)

	// Health monitor metrics
	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_restarts_total",
			Help: "Total number of agent restarts by role",
		},
		[]string{"role"},
	)

	RestartFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_restart_failures_total",
			Help: "Total number of agents abandoned after exhausting restart attempts",
		},
		[]string{"role"},
	)

	StaleHeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_stale_heartbeats_total",
			Help: "Total number of stale heartbeats detected",
		},
	)

	// Scaler metrics
	ScaleUpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_scale_ups_total",
			Help: "Total number of instances spawned by the scaler",
		},
		[]string{"role"},
	)

	ScaleDownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_scale_downs_total",
			Help: "Total number of instances stopped by the scaler",
		},
		[]string{"role"},
	)

	QueueBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_queue_backlog",
			Help: "Queue backlog by role and kind (pending or lag)",
		},
		[]string{"role", "kind"},
	)

	// Orphan detector metrics
	ReclaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_reclaimed_total",
			Help: "Total number of orphaned queue entries reclaimed by role",
		},
		[]string{"role"},
	)

	// Control loop metrics
	LoopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foreman_loop_duration_seconds",
			Help:    "Duration of one control loop tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"loop"},
	)

	LoopErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_loop_errors_total",
			Help: "Total number of control loop ticks that hit a transient error",
		},
		[]string{"loop"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(AgentsRunning)
	prometheus.MustRegister(AgentsSpawnedTotal)
	prometheus.MustRegister(AgentExitsTotal)
	prometheus.MustRegister(RestartsTotal)
	prometheus.MustRegister(RestartFailuresTotal)
	prometheus.MustRegister(StaleHeartbeatsTotal)
	prometheus.MustRegister(ScaleUpsTotal)
	prometheus.MustRegister(ScaleDownsTotal)
	prometheus.MustRegister(QueueBacklog)
	prometheus.MustRegister(ReclaimedTotal)
	prometheus.MustRegister(LoopDuration)
	prometheus.MustRegister(LoopErrorsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
