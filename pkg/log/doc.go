/*
Package log provides structured logging for Mangle using zerolog.

A single package level Logger is configured once by Init and shared by every
component. Components derive child loggers that carry identifying fields:

	logger := log.WithComponent("scheduler")
	logger.Info().Str("schedule_id", id).Msg("schedule armed")

	taskLog := log.WithTaskID(task.ID)
	taskLog.Warn().Err(err).Msg("handler execution failed")

# Output

JSON output is meant for production and log shippers. Console output renders
the same events for humans and is the default for the CLI:

	{"level":"info","component":"quorum","status":"PRESENT","time":"..."}
	10:30AM INF quorum status changed component=quorum status=PRESENT

When Config.NodeID is set every event carries node_id, which keeps logs from
different cluster members apart after aggregation.

# Levels

debug, info, warn and error. ParseLevel accepts the names case insensitively
and falls back to info. Until Init is called Logger discards everything, so
packages can log from tests without configuring output.
*/
package log
