package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mangle_tasks_total",
			Help: "Total number of tasks by type and current status",
		},
		[]string{"type", "status"},
	)

	TaskTriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mangle_task_triggers_total",
			Help: "Total number of task attempts dispatched by task type",
		},
		[]string{"type"},
	)

	TaskOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mangle_task_outcomes_total",
			Help: "Total number of finished task attempts by status",
		},
		[]string{"status"},
	)

	TaskReruns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mangle_task_reruns_total",
			Help: "Total number of fault reruns",
		},
	)

	RemediationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mangle_remediations_total",
			Help: "Total number of remediation tasks created",
		},
	)

	TaskExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mangle_task_execution_duration_seconds",
			Help:    "Time spent in fault handlers by fault kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	StaleTasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mangle_stale_tasks_failed_total",
			Help: "Total number of stuck in-progress tasks failed by the sweep",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mangle_reconciliation_duration_seconds",
			Help:    "Time taken for one reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mangle_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	// Scheduler metrics
	SchedulesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mangle_schedules_total",
			Help: "Total number of schedules by status",
		},
		[]string{"status"},
	)

	ScheduleFirings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mangle_schedule_firings_total",
			Help: "Total number of schedule firings by outcome (fired, suppressed, skipped, failed)",
		},
		[]string{"outcome"},
	)

	// Cluster metrics
	QuorumPresent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mangle_quorum_present",
			Help: "Whether the cluster quorum is met (1 = PRESENT, 0 = NOT_PRESENT)",
		},
	)

	ClusterLiveMembers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mangle_cluster_live_members",
			Help: "Number of live cluster members seen by this node",
		},
	)

	ClusterQuorum = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mangle_cluster_quorum",
			Help: "Configured quorum threshold",
		},
	)

	QuorumTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mangle_quorum_transitions_total",
			Help: "Total number of quorum status transitions by new status",
		},
		[]string{"status"},
	)

	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mangle_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	// Plugin metrics
	PluginBreakerOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mangle_plugin_breaker_open",
			Help: "Whether the circuit breaker of a fault extension is open",
		},
		[]string{"extension"},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TaskTriggersTotal)
	prometheus.MustRegister(TaskOutcomesTotal)
	prometheus.MustRegister(TaskReruns)
	prometheus.MustRegister(RemediationsTotal)
	prometheus.MustRegister(TaskExecutionDuration)
	prometheus.MustRegister(StaleTasksFailed)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(SchedulesTotal)
	prometheus.MustRegister(ScheduleFirings)
	prometheus.MustRegister(QuorumPresent)
	prometheus.MustRegister(ClusterLiveMembers)
	prometheus.MustRegister(ClusterQuorum)
	prometheus.MustRegister(QuorumTransitions)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(PluginBreakerOpen)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// BoolGauge converts a flag into a gauge value
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
