package orchestrator

import (
	"context"
	"strings"

	"github.com/vmware/mangle-sub000/pkg/errcode"
	"github.com/vmware/mangle-sub000/pkg/events"
	"github.com/vmware/mangle-sub000/pkg/metrics"
	"github.com/vmware/mangle-sub000/pkg/types"
)

// rerunnableStates are the states a task may be rerun from
var rerunnableStates = []types.TaskStatus{
	types.TaskStatusCompleted,
	types.TaskStatusFailed,
	types.TaskStatusSkipped,
}

// TriggerRemediation creates and dispatches the REMEDIATION task of a
// completed injection task, looked up by id or name
func (o *Orchestrator) TriggerRemediation(idOrName string) (*types.Task, error) {
	found, err := o.FindTask(idOrName)
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(found.ID)
	defer unlock()

	task, err := o.loadTask(found.ID)
	if err != nil {
		return nil, err
	}
	if status := task.Status(); status != types.TaskStatusCompleted {
		return nil, errcode.New(errcode.ErrCannotRerunFault, task.ID, status, []types.TaskStatus{types.TaskStatusCompleted})
	}
	if meta := task.Data.Target().PluginMetaInfo; meta != nil && !o.plugins.IsPluginAvailable(meta) {
		return nil, errcode.New(errcode.ErrExecutionPluginUnavailable, task.ID, meta.PluginID)
	}

	remediation, err := o.factory.GetRemediationTask(task, "")
	if err != nil {
		return nil, err
	}
	if err := o.UpdateFaultSpec(remediation.Data); err != nil {
		return nil, err
	}
	o.markDispatched(remediation.CurrentTrigger())
	if err := o.tasks.CreateTask(remediation); err != nil {
		return nil, errcode.Wrap(errcode.ErrDBError, err)
	}

	metrics.RemediationsTotal.Inc()
	metrics.TaskTriggersTotal.WithLabelValues(string(remediation.Type)).Inc()
	o.publish(events.New(events.EventTaskRemediationCreated, "remediation task created",
		"task_id", remediation.ID, "injection_task_id", task.ID))
	o.logger.Info().
		Str("task_id", remediation.ID).
		Str("injection_task_id", task.ID).
		Msg("remediation dispatched")

	o.execute(remediation)
	return remediation, nil
}

// RerunFault appends a new attempt to a finished task and dispatches it.
// Reruns of one task are serialized; a rerun while an attempt is running is
// refused.
func (o *Orchestrator) RerunFault(idOrName string) (*types.Task, error) {
	found, err := o.FindTask(idOrName)
	if err != nil {
		return nil, err
	}

	task, _, err := o.mutate(found.ID, func(t *types.Task) (bool, error) {
		if meta := t.Data.Target().PluginMetaInfo; meta != nil && !o.plugins.IsPluginAvailable(meta) {
			return false, errcode.New(errcode.ErrRerunPluginUnavailable, t.ID, meta.PluginID)
		}
		if status := t.Status(); !status.IsTerminal() {
			return false, errcode.New(errcode.ErrCannotRerunFault, t.ID, status, rerunnableStates)
		}
		if err := o.UpdateFaultSpec(t.Data); err != nil {
			return false, err
		}

		tr := &types.TaskTrigger{TaskStatus: types.TaskStatusInProgress}
		o.markDispatched(tr)
		t.AppendTrigger(tr)
		t.TaskRetriggered = true
		t.IsRemediated = false
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TaskReruns.Inc()
	metrics.TaskTriggersTotal.WithLabelValues(string(task.Type)).Inc()
	o.publish(events.New(events.EventTaskRetriggered, "task rerun",
		"task_id", task.ID, "task_name", task.Name))
	o.logger.Info().
		Str("task_id", task.ID).
		Int("attempt", len(task.Triggers)).
		Msg("fault rerun dispatched")

	o.execute(task)
	return task, nil
}

// RunScheduledTask runs one firing of a scheduled task. The first firing
// takes over the attempt created with the task; later firings append one.
// A firing while the previous attempt still runs is skipped.
func (o *Orchestrator) RunScheduledTask(ctx context.Context, taskID string) error {
	if !o.gate.IsQuorumPresent() {
		return errcode.New(errcode.ErrClusterQuorumNotMet)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var refreshErr error
	running := false
	task, changed, err := o.mutate(taskID, func(t *types.Task) (bool, error) {
		if meta := t.Data.Target().PluginMetaInfo; meta != nil && !o.plugins.IsPluginAvailable(meta) {
			return false, errcode.New(errcode.ErrExecutionPluginUnavailable, t.ID, meta.PluginID)
		}

		tr := t.CurrentTrigger()
		if tr != nil && tr.TaskStatus == types.TaskStatusInProgress && tr.Dispatched() {
			running = true
			return false, nil
		}
		if tr == nil || tr.TaskStatus != types.TaskStatusInProgress {
			tr = &types.TaskTrigger{TaskStatus: types.TaskStatusInProgress}
			t.AppendTrigger(tr)
		}
		o.markDispatched(tr)

		if err := o.UpdateFaultSpec(t.Data); err != nil {
			refreshErr = err
			tr.TaskStatus = types.TaskStatusFailed
			tr.EndTime = tr.StartTime
			tr.FailureReason = err.Error()
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if running {
		o.logger.Warn().Str("task_id", taskID).Msg("previous attempt still running, firing skipped")
		return nil
	}
	if !changed {
		return nil
	}

	metrics.TaskTriggersTotal.WithLabelValues(string(task.Type)).Inc()
	if refreshErr != nil {
		metrics.TaskOutcomesTotal.WithLabelValues(string(types.TaskStatusFailed)).Inc()
		o.publish(statusEvent(task))
		return refreshErr
	}

	o.publish(events.New(events.EventTaskUpdated, "scheduled attempt started",
		"task_id", task.ID, "task_name", task.Name))
	o.execute(task)
	return nil
}

// DeleteTasks removes tasks and cancels the schedules of scheduled ones.
// Nothing is removed if any task is unknown or has an attempt running.
func (o *Orchestrator) DeleteTasks(ids []string) error {
	if len(ids) == 0 {
		return errcode.New(errcode.ErrFieldValueEmpty, "taskIds")
	}

	unlock := o.locks.LockAll(ids)
	defer unlock()

	tasks, err := o.tasks.ListTasksByIDs(ids)
	if err != nil {
		return errcode.Wrap(errcode.ErrDBError, err)
	}
	found := make(map[string]*types.Task, len(tasks))
	for _, t := range tasks {
		found[t.ID] = t
	}

	var missing, running, scheduled []string
	for _, id := range ids {
		t, ok := found[id]
		switch {
		case !ok:
			missing = append(missing, id)
		case isExecuting(t):
			running = append(running, t.ID)
		case t.IsScheduledTask:
			scheduled = append(scheduled, t.ID)
		}
	}
	if len(missing) > 0 {
		return errcode.New(errcode.ErrNoTaskFound, strings.Join(missing, ","))
	}
	if len(running) > 0 {
		return errcode.New(errcode.ErrInprogressTaskDeletion, running)
	}

	if len(scheduled) > 0 {
		active, err := o.scheduler.GetActiveSchedulesForIds(scheduled)
		if err != nil {
			return err
		}
		activeIDs := make([]string, 0, len(active))
		for _, spec := range active {
			activeIDs = append(activeIDs, spec.ID)
		}
		if len(activeIDs) > 0 {
			if _, err := o.scheduler.CancelSchedules(activeIDs); err != nil {
				return err
			}
		}
	}

	for id, t := range found {
		if err := o.tasks.DeleteTask(id); err != nil {
			return errcode.Wrap(errcode.ErrDBError, err)
		}
		o.publish(events.New(events.EventTaskDeleted, "task deleted", "task_id", id, "task_name", t.Name))
	}
	o.logger.Info().Int("count", len(found)).Msg("tasks deleted")
	return nil
}

// awaitingSchedule reports whether the current attempt of t is the
// placeholder of a scheduled task that has not fired yet
func awaitingSchedule(t *types.Task) bool {
	tr := t.CurrentTrigger()
	return t.IsScheduledTask && tr != nil && tr.TaskStatus == types.TaskStatusInProgress && !tr.Dispatched()
}

// isExecuting reports whether a handler may be working on t
func isExecuting(t *types.Task) bool {
	return t.Status() == types.TaskStatusInProgress && t.CurrentTrigger() != nil && !awaitingSchedule(t)
}
