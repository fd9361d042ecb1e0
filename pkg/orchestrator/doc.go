/*
Package orchestrator runs the fault workflow from spec to finished attempt.

GetTask resolves the endpoint and credentials named by a spec, validates it,
builds the task through the factory, stores it and dispatches it to the
handler registered for its type key. Scheduled specs are handed to the
scheduler instead; every firing comes back through RunScheduledTask, which
refuses to run while the cluster quorum gate is closed.

# Attempts

A task keeps every execution attempt as an append-only list of triggers, the
last one being current. Handlers run on their own goroutine and their outcome
is written back with CompleteTrigger. Each trigger records the node that
dispatched it, so attempts of a departed member can be found and taken over
(HandleMemberRemoved) and a restarted node can settle its own
(RecoverOnBoot).

Mutations of one task are serialized by a per-id lock. RerunFault appends a
trigger only when the current one is finished, so two reruns of the same task
never run together.

# Sweep

CleanupInprogressTasks fails attempts that have been running for longer than
a threshold. The reconciler calls it periodically.
*/
package orchestrator
