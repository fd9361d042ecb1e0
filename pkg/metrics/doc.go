/*
Package metrics exposes Prometheus metrics and component health for Mangle.

# Metrics

All metrics are package level collectors registered with the default registry
in init and served by Handler on /metrics.

	mangle_tasks_total{type,status}            gauge, sampled by Collector
	mangle_schedules_total{status}             gauge, sampled by Collector
	mangle_task_triggers_total{type}           counter, attempts dispatched
	mangle_task_outcomes_total{status}         counter, attempts finished
	mangle_task_reruns_total                   counter
	mangle_remediations_total                  counter
	mangle_task_execution_duration_seconds     histogram by fault kind
	mangle_stale_tasks_failed_total            counter, in-progress sweep
	mangle_schedule_firings_total{outcome}     counter: fired, suppressed, skipped, failed
	mangle_quorum_present                      gauge, 1 when PRESENT
	mangle_quorum_transitions_total{status}    counter
	mangle_cluster_live_members                gauge
	mangle_cluster_quorum                      gauge
	mangle_raft_is_leader                      gauge
	mangle_plugin_breaker_open{extension}      gauge

Event counters are incremented where the event happens. Gauges describing
stored state are refreshed by Collector, which polls the store every interval
(15s by default):

	collector := metrics.NewCollector(store, coordinator, 0)
	collector.Start()
	defer collector.Stop()

Timer wraps the start/observe pattern for histograms:

	timer := metrics.NewTimer()
	result, err := handler.Execute(ctx, task)
	timer.ObserveDurationVec(metrics.TaskExecutionDuration, string(task.Data.Kind))

# Health

Components report their health with RegisterComponent and UpdateComponent.
GetHealth is unhealthy when any registered component is; GetReadiness
additionally requires every critical component (storage, cluster and
scheduler by default) to be registered and healthy. HealthHandler,
ReadyHandler and LivenessHandler serve these as JSON.
*/
package metrics
