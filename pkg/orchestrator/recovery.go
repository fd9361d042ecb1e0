package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vmware/mangle-sub000/pkg/errcode"
	"github.com/vmware/mangle-sub000/pkg/events"
	"github.com/vmware/mangle-sub000/pkg/metrics"
	"github.com/vmware/mangle-sub000/pkg/types"
)

// Recovery counts what RecoverOnBoot did
type Recovery struct {
	Failed       int
	Redispatched int
	Skipped      int
}

// CleanupInprogressTasks fails every running attempt that started more than
// thresholdMinutes ago and returns how many were failed. Scheduled tasks
// waiting for their first firing are not running and are left alone.
func (o *Orchestrator) CleanupInprogressTasks(ctx context.Context, thresholdMinutes int) (int, error) {
	if thresholdMinutes < 1 {
		return 0, errcode.New(errcode.ErrBadRequest, "threshold must be at least one minute")
	}
	all, err := o.tasks.ListTasks()
	if err != nil {
		return 0, errcode.Wrap(errcode.ErrDBError, err)
	}

	cutoff := o.now().Add(-time.Duration(thresholdMinutes) * time.Minute)
	stale := func(t *types.Task) bool {
		return isExecuting(t) && t.CurrentTrigger().StartTime.Before(cutoff)
	}
	reason := fmt.Sprintf("task did not complete within %d minutes", thresholdMinutes)

	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.sweepLimit)
	for _, t := range all {
		if !stale(t) {
			continue
		}
		id := t.ID
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			task, changed, err := o.mutate(id, func(t *types.Task) (bool, error) {
				if !stale(t) {
					return false, nil
				}
				tr := t.CurrentTrigger()
				tr.TaskStatus = types.TaskStatusFailed
				tr.EndTime = o.now().UTC()
				tr.FailureReason = reason
				return true, nil
			})
			if errors.Is(err, errcode.ErrNoTaskFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if changed {
				failed.Add(1)
				metrics.StaleTasksFailed.Inc()
				metrics.TaskOutcomesTotal.WithLabelValues(string(types.TaskStatusFailed)).Inc()
				o.publish(statusEvent(task))
				o.logger.Warn().Str("task_id", id).Msg("stuck task failed")
			}
			return nil
		})
	}
	err = g.Wait()
	return int(failed.Load()), err
}

type recoveryAction int

const (
	recoverNone recoveryAction = iota
	recoverFail
	recoverSkip
	recoverRedispatch
)

// RecoverOnBoot settles the attempts this node left behind when it stopped.
// Attempts without a trigger and attempts older than thresholdMinutes are
// failed, interrupted scheduled firings are skipped and the rest are
// dispatched again. Attempts owned by other nodes are not touched.
func (o *Orchestrator) RecoverOnBoot(ctx context.Context, thresholdMinutes int) (Recovery, error) {
	var rec Recovery
	all, err := o.tasks.ListTasks()
	if err != nil {
		return rec, errcode.Wrap(errcode.ErrDBError, err)
	}
	cutoff := o.now().Add(-time.Duration(thresholdMinutes) * time.Minute)

	var errs []error
	for _, candidate := range all {
		if err := ctx.Err(); err != nil {
			return rec, err
		}
		if !o.needsRecovery(candidate) {
			continue
		}

		action := recoverNone
		task, _, err := o.mutate(candidate.ID, func(t *types.Task) (bool, error) {
			if !o.needsRecovery(t) {
				return false, nil
			}
			now := o.now().UTC()
			tr := t.CurrentTrigger()
			switch {
			case tr == nil:
				t.AppendTrigger(&types.TaskTrigger{
					TaskStatus:    types.TaskStatusFailed,
					StartTime:     now,
					EndTime:       now,
					Node:          o.nodeID,
					FailureReason: "no attempt was recorded before restart",
				})
				action = recoverFail
			case t.IsScheduledTask:
				tr.TaskStatus = types.TaskStatusSkipped
				tr.EndTime = now
				tr.FailureReason = "scheduled run interrupted by restart"
				action = recoverSkip
			case tr.StartTime.Before(cutoff):
				tr.TaskStatus = types.TaskStatusFailed
				tr.EndTime = now
				tr.FailureReason = fmt.Sprintf("task did not complete within %d minutes before restart", thresholdMinutes)
				action = recoverFail
			default:
				tr.Node = o.nodeID
				action = recoverRedispatch
			}
			return true, nil
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}

		switch action {
		case recoverFail:
			rec.Failed++
			metrics.TaskOutcomesTotal.WithLabelValues(string(types.TaskStatusFailed)).Inc()
			o.publish(statusEvent(task))
		case recoverSkip:
			rec.Skipped++
			metrics.TaskOutcomesTotal.WithLabelValues(string(types.TaskStatusSkipped)).Inc()
			o.publish(statusEvent(task))
		case recoverRedispatch:
			rec.Redispatched++
			metrics.TaskTriggersTotal.WithLabelValues(string(task.Type)).Inc()
			o.publish(events.New(events.EventTaskUpdated, "task re-dispatched after restart", "task_id", task.ID))
			o.execute(task)
		}
	}

	o.logger.Info().
		Int("failed", rec.Failed).
		Int("redispatched", rec.Redispatched).
		Int("skipped", rec.Skipped).
		Msg("boot recovery finished")
	return rec, errors.Join(errs...)
}

// needsRecovery reports whether t is an unfinished attempt of this node
func (o *Orchestrator) needsRecovery(t *types.Task) bool {
	tr := t.CurrentTrigger()
	if tr == nil {
		return true
	}
	if tr.TaskStatus != types.TaskStatusInProgress || awaitingSchedule(t) {
		return false
	}
	return tr.Node == "" || tr.Node == o.nodeID
}

// HandleMemberRemoved re-dispatches the running attempts of a departed
// member, scheduled firings included. Only the master of a cluster holding quorum does this, so
// an attempt is taken over once.
func (o *Orchestrator) HandleMemberRemoved(member string) (int, error) {
	if member == "" || member == o.nodeID {
		return 0, nil
	}
	if !o.gate.IsQuorumPresent() || !o.gate.IsMaster() {
		return 0, nil
	}

	all, err := o.tasks.ListTasks()
	if err != nil {
		return 0, errcode.Wrap(errcode.ErrDBError, err)
	}
	owned := func(t *types.Task) bool {
		tr := t.CurrentTrigger()
		return tr != nil && tr.TaskStatus == types.TaskStatusInProgress && tr.Node == member
	}

	count := 0
	var errs []error
	for _, candidate := range all {
		if !owned(candidate) {
			continue
		}
		task, changed, err := o.mutate(candidate.ID, func(t *types.Task) (bool, error) {
			if !owned(t) {
				return false, nil
			}
			t.CurrentTrigger().Node = o.nodeID
			return true, nil
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !changed {
			continue
		}
		count++
		metrics.TaskTriggersTotal.WithLabelValues(string(task.Type)).Inc()
		o.publish(events.New(events.EventTaskUpdated, "task taken over from departed member",
			"task_id", task.ID, "member", member))
		o.execute(task)
	}

	if count > 0 {
		o.logger.Info().Str("member", member).Int("tasks", count).Msg("took over tasks of departed member")
	}
	return count, errors.Join(errs...)
}
