package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmware/mangle-sub000/pkg/cluster"
	"github.com/vmware/mangle-sub000/pkg/errcode"
	"github.com/vmware/mangle-sub000/pkg/storage"
	"github.com/vmware/mangle-sub000/pkg/types"
)

type fakeGate struct {
	present atomic.Bool
	master  atomic.Bool
}

func newGate(present bool) *fakeGate {
	g := &fakeGate{}
	g.present.Store(present)
	g.master.Store(true)
	return g
}

func (g *fakeGate) IsQuorumPresent() bool { return g.present.Load() }
func (g *fakeGate) IsMaster() bool        { return g.master.Load() }

type recordingRunner struct {
	mu   sync.Mutex
	runs []string
}

func (r *recordingRunner) RunScheduledTask(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, taskID)
	return nil
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func newScheduler(t *testing.T, gate Gate) (*Scheduler, storage.Store, *recordingRunner) {
	t.Helper()
	store, err := storage.Open(storage.DriverBolt, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	s := New(store, gate, nil, Config{ReconcileInterval: time.Hour})
	runner := &recordingRunner{}
	s.SetRunner(runner)
	s.Start()
	t.Cleanup(s.Stop)
	return s, store, runner
}

func ptr[T any](v T) *T { return &v }

func scheduledTask(id string, sched *types.Schedule) *types.Task {
	return &types.Task{
		ID:              id,
		Type:            types.TaskTypeInjection,
		IsScheduledTask: true,
		Data:            &types.FaultSpec{Kind: types.FaultKindCPU, Schedule: sched},
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to types.SchedulerStatus
		want     bool
	}{
		{types.SchedulerStatusInitializing, types.SchedulerStatusScheduled, true},
		{types.SchedulerStatusScheduled, types.SchedulerStatusPaused, true},
		{types.SchedulerStatusPaused, types.SchedulerStatusScheduled, true},
		{types.SchedulerStatusScheduled, types.SchedulerStatusCancelled, true},
		{types.SchedulerStatusPaused, types.SchedulerStatusCancelled, true},
		{types.SchedulerStatusScheduled, types.SchedulerStatusInitializing, false},
		{types.SchedulerStatusCancelled, types.SchedulerStatusScheduled, false},
		{types.SchedulerStatusCancelled, types.SchedulerStatusPaused, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestScheduleTaskArmsCronWhenQuorumPresent(t *testing.T) {
	s, store, runner := newScheduler(t, newGate(true))

	spec, err := s.ScheduleTask(scheduledTask("task-1", &types.Schedule{CronExpression: "* * * * * *"}))
	require.NoError(t, err)
	assert.Equal(t, types.SchedulerStatusScheduled, spec.Status)
	assert.True(t, s.IsArmed("task-1"))

	stored, err := store.GetSchedule("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.SchedulerStatusScheduled, stored.Status)

	require.Eventually(t, func() bool { return runner.count() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestScheduleTaskValidation(t *testing.T) {
	s, _, _ := newScheduler(t, newGate(true))

	_, err := s.ScheduleTask(scheduledTask("bad", &types.Schedule{CronExpression: "*/5 * * * *"}))
	assert.ErrorIs(t, err, errcode.ErrInvalidCronExpression)

	_, err = s.ScheduleTask(scheduledTask("none", nil))
	assert.ErrorIs(t, err, errcode.ErrFieldValueEmpty)
}

// failingUpdates rejects every schedule update
type failingUpdates struct {
	storage.Store
}

func (failingUpdates) UpdateSchedule(*types.SchedulerSpec) error {
	return errors.New("disk full")
}

func TestScheduleTaskRemovesRecordWhenActivationFails(t *testing.T) {
	store, err := storage.Open(storage.DriverBolt, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	s := New(failingUpdates{store}, newGate(true), nil, Config{ReconcileInterval: time.Hour})
	s.SetRunner(&recordingRunner{})
	s.Start()
	t.Cleanup(s.Stop)

	_, err = s.ScheduleTask(scheduledTask("task-1", &types.Schedule{CronExpression: "0 0 * * * *"}))
	assert.ErrorIs(t, err, errcode.ErrDBError)
	assert.False(t, s.IsArmed("task-1"))

	_, err = store.GetSchedule("task-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.ScheduleTask(scheduledTask("task-1", &types.Schedule{CronExpression: "0 0 * * * *"}))
	assert.ErrorIs(t, err, errcode.ErrDBError, "a retry must not collide with a leftover record")
}

func TestScheduleTaskWaitsForQuorum(t *testing.T) {
	gate := newGate(false)
	s, store, runner := newScheduler(t, gate)

	spec, err := s.ScheduleTask(scheduledTask("task-1", &types.Schedule{TimeInMilliseconds: ptr(int64(20))}))
	require.NoError(t, err)
	assert.Equal(t, types.SchedulerStatusInitializing, spec.Status)
	assert.False(t, s.IsArmed("task-1"))

	gate.present.Store(true)
	s.HandleQuorumChange(types.QuorumPresent)

	stored, err := store.GetSchedule("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.SchedulerStatusScheduled, stored.Status)
	require.Eventually(t, func() bool { return runner.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestFixedDelayFiresOnce(t *testing.T) {
	s, store, runner := newScheduler(t, newGate(true))

	_, err := s.ScheduleTask(scheduledTask("task-1", &types.Schedule{TimeInMilliseconds: ptr(int64(30))}))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return runner.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, s.IsArmed("task-1"))

	stored, err := store.GetSchedule("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.SchedulerStatusScheduled, stored.Status)
	assert.False(t, stored.LastFiredAt.IsZero())

	// A fired delay is not armed again
	require.NoError(t, s.RearmActive())
	assert.False(t, s.IsArmed("task-1"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, runner.count())
}

func TestFireGatedByQuorumAndMaster(t *testing.T) {
	gate := newGate(true)
	s, store, runner := newScheduler(t, gate)
	require.NoError(t, store.CreateSchedule(&types.SchedulerSpec{
		ID:             "task-1",
		Status:         types.SchedulerStatusScheduled,
		CronExpression: "0 0 0 1 1 *",
	}))

	gate.present.Store(false)
	s.fire("task-1")
	assert.Zero(t, runner.count())

	gate.present.Store(true)
	gate.master.Store(false)
	s.fire("task-1")
	assert.Zero(t, runner.count())

	gate.master.Store(true)
	s.fire("task-1")
	assert.Equal(t, 1, runner.count())
}

func TestQuorumLossDisarms(t *testing.T) {
	gate := newGate(true)
	s, _, _ := newScheduler(t, gate)

	_, err := s.ScheduleTask(scheduledTask("task-1", &types.Schedule{CronExpression: "0 0 * * * *"}))
	require.NoError(t, err)
	require.True(t, s.IsArmed("task-1"))

	gate.present.Store(false)
	s.HandleQuorumChange(types.QuorumNotPresent)
	assert.False(t, s.IsArmed("task-1"))

	gate.present.Store(true)
	s.HandleQuorumChange(types.QuorumPresent)
	assert.True(t, s.IsArmed("task-1"))
}

func TestUpdateSchedulerStatus(t *testing.T) {
	s, _, _ := newScheduler(t, newGate(true))

	spec, err := s.UpdateSchedulerStatus("absent", types.SchedulerStatusPaused)
	assert.NoError(t, err)
	assert.Nil(t, spec)

	_, err = s.ScheduleTask(scheduledTask("task-1", &types.Schedule{CronExpression: "0 0 * * * *"}))
	require.NoError(t, err)

	spec, err = s.UpdateSchedulerStatus("task-1", types.SchedulerStatusPaused)
	require.NoError(t, err)
	assert.Equal(t, types.SchedulerStatusPaused, spec.Status)
	assert.False(t, s.IsArmed("task-1"))

	spec, err = s.UpdateSchedulerStatus("task-1", types.SchedulerStatusScheduled)
	require.NoError(t, err)
	assert.Equal(t, types.SchedulerStatusScheduled, spec.Status)
	assert.True(t, s.IsArmed("task-1"))

	_, err = s.UpdateSchedulerStatus("task-1", types.SchedulerStatusCancelled)
	require.NoError(t, err)
	assert.False(t, s.IsArmed("task-1"))

	// Cancelled is terminal
	_, err = s.UpdateSchedulerStatus("task-1", types.SchedulerStatusScheduled)
	assert.ErrorIs(t, err, errcode.ErrInvalidStateScheduledJobIDs)
}

func seedSchedules(t *testing.T, store storage.Store) {
	t.Helper()
	for id, status := range map[string]types.SchedulerStatus{
		"scheduled":    types.SchedulerStatusScheduled,
		"paused":       types.SchedulerStatusPaused,
		"initializing": types.SchedulerStatusInitializing,
		"cancelled":    types.SchedulerStatusCancelled,
	} {
		require.NoError(t, store.CreateSchedule(&types.SchedulerSpec{
			ID:             id,
			Status:         status,
			CronExpression: "0 0 * * * *",
		}))
	}
}

func ids(specs []*types.SchedulerSpec) []string {
	out := make([]string, 0, len(specs))
	for _, spec := range specs {
		out = append(out, spec.ID)
	}
	return out
}

func TestGetActiveSchedulesForIds(t *testing.T) {
	s, store, _ := newScheduler(t, newGate(false))
	seedSchedules(t, store)

	active, err := s.GetActiveSchedulesForIds([]string{"scheduled", "paused", "initializing", "cancelled", "missing"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"scheduled", "paused", "initializing"}, ids(active))

	all, err := s.GetSchedulesForIds([]string{"cancelled", "missing"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cancelled"}, ids(all))

	jobs, err := s.GetActiveScheduleJobs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"scheduled", "paused", "initializing"}, ids(jobs))

	cancelled, err := s.GetAllScheduledJobByStatus(types.SchedulerStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, []string{"cancelled"}, ids(cancelled))
}

func TestBulkOperations(t *testing.T) {
	s, store, _ := newScheduler(t, newGate(false))
	seedSchedules(t, store)

	_, err := s.PauseSchedules([]string{"scheduled", "missing"})
	assert.ErrorIs(t, err, errcode.ErrScheduledJobIDsNotFound)

	_, err = s.PauseSchedules([]string{"scheduled", "cancelled"})
	assert.ErrorIs(t, err, errcode.ErrInvalidStateScheduledJobIDs)

	// Validation failures change nothing
	stored, err := store.GetSchedule("scheduled")
	require.NoError(t, err)
	assert.Equal(t, types.SchedulerStatusScheduled, stored.Status)

	paused, err := s.PauseSchedules([]string{"scheduled", "paused"})
	require.NoError(t, err)
	assert.Len(t, paused, 2)

	resumed, err := s.ResumeSchedules([]string{"scheduled"})
	require.NoError(t, err)
	require.Len(t, resumed, 1)
	assert.Equal(t, types.SchedulerStatusScheduled, resumed[0].Status)

	cancelled, err := s.CancelSchedules([]string{"scheduled", "paused", "initializing"})
	require.NoError(t, err)
	for _, spec := range cancelled {
		assert.Equal(t, types.SchedulerStatusCancelled, spec.Status)
	}

	active, err := s.GetActiveScheduleJobs()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestReconcilePicksUpRemoteChanges(t *testing.T) {
	s, store, _ := newScheduler(t, newGate(true))
	seedSchedules(t, store)

	require.NoError(t, s.reconcile())
	assert.True(t, s.IsArmed("scheduled"))
	assert.False(t, s.IsArmed("paused"))

	// Another node paused the job
	stored, err := store.GetSchedule("scheduled")
	require.NoError(t, err)
	stored.Status = types.SchedulerStatusPaused
	require.NoError(t, store.UpdateSchedule(stored))

	require.NoError(t, s.reconcile())
	assert.False(t, s.IsArmed("scheduled"))
}

func TestSyncFollowsOneRecord(t *testing.T) {
	s, store, _ := newScheduler(t, newGate(true))
	seedSchedules(t, store)

	s.Sync("scheduled")
	assert.True(t, s.IsArmed("scheduled"))
	assert.False(t, s.IsArmed("paused"), "only the named record is synced")

	require.NoError(t, store.DeleteSchedule("scheduled"))
	s.Sync("scheduled")
	assert.False(t, s.IsArmed("scheduled"))
}

// clusterNode is one member of an in-process cluster with its own store
type clusterNode struct {
	sched  *Scheduler
	local  storage.Store
	runner *recordingRunner
}

func joinNode(t *testing.T, hub *cluster.Hub, name string, gate Gate) *clusterNode {
	t.Helper()
	local, err := storage.Open(storage.DriverBolt, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	layer := hub.Join(name)
	replica := cluster.NewStoreReplica(local)
	layer.OnReplicate(cluster.StoreTopic, replica)

	n := &clusterNode{local: local, runner: &recordingRunner{}}
	n.sched = New(cluster.NewReplicatedStore(local, layer), gate, nil, Config{ReconcileInterval: time.Hour})
	n.sched.SetRunner(n.runner)
	replica.OnScheduleChange(n.sched.Sync)
	n.sched.Start()
	t.Cleanup(n.sched.Stop)
	return n
}

func TestScheduleCreatedOnFollowerFiresOnMaster(t *testing.T) {
	hub := cluster.NewHub()
	master := joinNode(t, hub, "a", newGate(true))
	followerGate := newGate(true)
	followerGate.master.Store(false)
	follower := joinNode(t, hub, "b", followerGate)

	_, err := follower.sched.ScheduleTask(scheduledTask("task-1", &types.Schedule{TimeInMilliseconds: ptr(int64(50))}))
	require.NoError(t, err)

	stored, err := master.local.GetSchedule("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.SchedulerStatusScheduled, stored.Status)

	require.Eventually(t, func() bool { return master.runner.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, follower.runner.count())

	require.Eventually(t, func() bool {
		spec, err := follower.local.GetSchedule("task-1")
		return err == nil && !spec.LastFiredAt.IsZero()
	}, time.Second, 10*time.Millisecond, "the firing is recorded on every member")
}
