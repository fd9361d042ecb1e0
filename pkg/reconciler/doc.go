/*
Package reconciler runs the periodic housekeeping of a Mangle node.

Every cycle it resyncs the cluster quorum gate, so membership changes missed
by callbacks still close or open the gate, and then sweeps tasks whose current
attempt has been IN_PROGRESS for longer than the configured threshold. Those
attempts belong to handlers that crashed or to nodes that never reported back,
and are marked FAILED.

	┌──────────────────────────────┐
	│     every Interval           │
	└──────────────┬───────────────┘
	               ▼
	      Resync("periodic")
	               │
	     PRESENT and master?  ── no ──▶ done
	               │ yes
	               ▼
	 CleanupInprogressTasks(threshold)

Only the master of a cluster holding quorum sweeps. The default threshold is
30 minutes and the default interval one minute.

	rec := reconciler.NewReconciler(orch, coordinator, reconciler.Config{
		Interval:         time.Minute,
		ThresholdMinutes: 30,
	})
	rec.Start()
	defer rec.Stop()
*/
package reconciler
