package scheduler

import (
	"slices"

	"github.com/vmware/mangle-sub000/pkg/types"
)

// transitions lists the statuses a schedule record may move to.
// CANCELLED is terminal.
var transitions = map[types.SchedulerStatus][]types.SchedulerStatus{
	types.SchedulerStatusInitializing: {types.SchedulerStatusScheduled, types.SchedulerStatusPaused, types.SchedulerStatusCancelled},
	types.SchedulerStatusScheduled:    {types.SchedulerStatusPaused, types.SchedulerStatusCancelled},
	types.SchedulerStatusPaused:       {types.SchedulerStatusScheduled, types.SchedulerStatusCancelled},
	types.SchedulerStatusCancelled:    nil,
}

// CanTransition reports whether a record in from may move to to
func CanTransition(from, to types.SchedulerStatus) bool {
	return slices.Contains(transitions[from], to)
}
