/*
Package types defines the core data model shared by every Mangle component.

# Faults and tasks

A FaultSpec describes a disruptive action against a named endpoint. Variants
(process kill, CPU, network, database, Kubernetes, cloud, plugin contributed)
share one struct and are told apart by FaultSpec.Kind; the variant specific
argument blocks are optional pointers.

A Task wraps a FaultSpec with its execution history:

	Task
	 ├── Data      *FaultSpec
	 └── Triggers  []*TaskTrigger   (append-only, last = current)

The effective status of a task is the status of its last trigger. Reruns append
a trigger; remediation creates a new REMEDIATION task that refers back to the
injection task by ID.

# Schedules and cluster state

SchedulerSpec records a recurring (cron) or delayed (fixed delay) job for a
scheduled task and moves through INITIALIZING, SCHEDULED, PAUSED and the
terminal CANCELLED state.

ClusterConfig is the persisted cluster configuration; ClusterState is the
coordinator's in-memory view, including the PRESENT/NOT_PRESENT quorum gate.
*/
package types
