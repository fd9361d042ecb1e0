/*
Package scheduler keeps the records of recurring and delayed fault runs and
arms their triggers.

Every scheduled task owns one SchedulerSpec, keyed by the task ID. Cron
expressions use the 6-field grammar with a leading seconds field and are
driven by robfig/cron. Fixed-delay jobs fire once, after TimeInMilliseconds,
through a timer.

# States

	INITIALIZING ──arm──▶ SCHEDULED ◀──resume── PAUSED
	      │                   │  └────pause────▶  │
	      └───────────────────┴──cancel──▶ CANCELLED ◀┘

CANCELLED is terminal. Cancelling stops future firings only; a run already in
progress finishes normally.

# Quorum

Jobs are armed only while the cluster quorum is present. When quorum is
lost every trigger is disarmed and new schedules stay INITIALIZING; when it
returns, RearmActive arms them again. A firing that races a quorum loss is
suppressed, and only the cluster master fires, so one partition never runs a
job twice.

A reconcile loop runs every ReconcileInterval to pick up status changes made
on other nodes.
*/
package scheduler
