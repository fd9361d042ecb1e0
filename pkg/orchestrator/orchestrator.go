package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vmware/mangle-sub000/pkg/errcode"
	"github.com/vmware/mangle-sub000/pkg/events"
	"github.com/vmware/mangle-sub000/pkg/log"
	"github.com/vmware/mangle-sub000/pkg/metrics"
	"github.com/vmware/mangle-sub000/pkg/plugin"
	"github.com/vmware/mangle-sub000/pkg/storage"
	"github.com/vmware/mangle-sub000/pkg/types"
)

// Endpoints resolves endpoints by name
type Endpoints interface {
	GetEndpointByName(name string) (*types.Endpoint, error)
}

// Credentials resolves credentials by name
type Credentials interface {
	GetCredentialsByName(name string) (*types.Credentials, error)
}

// SpecValidator checks specs before a task is built
type SpecValidator interface {
	ValidateSpec(spec *types.FaultSpec) error
	ValidateEndpointTypeSpecificArguments(spec *types.FaultSpec) error
	ValidateKillProcessFaultSpec(spec *types.FaultSpec) error
}

// TaskFactory builds injection and remediation tasks
type TaskFactory interface {
	GetTask(spec *types.FaultSpec, taskID string) (*types.Task, error)
	GetRemediationTask(injected *types.Task, taskID string) (*types.Task, error)
}

// Plugins resolves handlers and plugin state
type Plugins interface {
	IsPluginAvailable(meta *types.PluginMetaInfo) bool
	GetExtension(key string) plugin.Handler
}

// Publisher receives task lifecycle events
type Publisher interface {
	Publish(event *events.Event)
}

// Gate is the cluster quorum gate
type Gate interface {
	IsQuorumPresent() bool
	IsMaster() bool
}

// Scheduler arms and cancels schedules of scheduled tasks
type Scheduler interface {
	ScheduleTask(task *types.Task) (*types.SchedulerSpec, error)
	GetActiveSchedulesForIds(ids []string) ([]*types.SchedulerSpec, error)
	CancelSchedules(ids []string) ([]*types.SchedulerSpec, error)
}

// Config wires an orchestrator to its collaborators
type Config struct {
	NodeID      string
	Tasks       storage.TaskStore
	Endpoints   Endpoints
	Credentials Credentials
	Validator   SpecValidator
	Factory     TaskFactory
	Plugins     Plugins
	Events      Publisher
	Gate        Gate
	Scheduler   Scheduler

	// SweepConcurrency bounds parallel updates of CleanupInprogressTasks
	SweepConcurrency int
}

// Orchestrator runs the fault workflow: resolve, validate, build, persist,
// publish and hand off to a handler. It never waits for a fault to finish;
// handlers report back through CompleteTrigger.
type Orchestrator struct {
	nodeID      string
	tasks       storage.TaskStore
	endpoints   Endpoints
	credentials Credentials
	validator   SpecValidator
	factory     TaskFactory
	plugins     Plugins
	events      Publisher
	gate        Gate
	scheduler   Scheduler
	sweepLimit  int

	locks  *taskLocks
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
	logger zerolog.Logger
}

// New creates an orchestrator
func New(cfg Config) *Orchestrator {
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		nodeID:      cfg.NodeID,
		tasks:       cfg.Tasks,
		endpoints:   cfg.Endpoints,
		credentials: cfg.Credentials,
		validator:   cfg.Validator,
		factory:     cfg.Factory,
		plugins:     cfg.Plugins,
		events:      cfg.Events,
		gate:        cfg.Gate,
		scheduler:   cfg.Scheduler,
		sweepLimit:  cfg.SweepConcurrency,
		locks:       newTaskLocks(),
		ctx:         ctx,
		cancel:      cancel,
		now:         time.Now,
		logger:      log.WithComponent("orchestrator"),
	}
}

// Close cancels running handlers and waits for them to return. Attempts
// interrupted this way stay IN_PROGRESS for boot recovery or re-dispatch.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Wait blocks until every dispatched handler has returned
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// GetTask turns spec into a task. Immediate faults are dispatched before
// GetTask returns; scheduled faults are handed to the scheduler.
func (o *Orchestrator) GetTask(spec *types.FaultSpec) (*types.Task, error) {
	if spec == nil {
		return nil, errcode.New(errcode.ErrFieldValueEmpty, "faultSpec")
	}
	if err := o.UpdateFaultSpec(spec); err != nil {
		return nil, err
	}
	if meta := spec.PluginMetaInfo; meta != nil && !o.plugins.IsPluginAvailable(meta) {
		return nil, errcode.New(errcode.ErrExecutionPluginUnavailable, spec.FaultName, meta.PluginID)
	}
	if err := o.validate(spec); err != nil {
		return nil, err
	}

	task, err := o.factory.GetTask(spec, "")
	if err != nil {
		return nil, err
	}
	if !task.IsScheduledTask {
		o.markDispatched(task.CurrentTrigger())
	}
	if err := o.tasks.CreateTask(task); err != nil {
		return nil, errcode.Wrap(errcode.ErrDBError, err)
	}

	if task.IsScheduledTask {
		if _, err := o.scheduler.ScheduleTask(task); err != nil {
			if delErr := o.tasks.DeleteTask(task.ID); delErr != nil {
				o.logger.Error().Err(delErr).Str("task_id", task.ID).Msg("failed to remove unscheduled task")
			}
			return nil, fmt.Errorf("failed to schedule task %s: %w", task.ID, err)
		}
	}

	o.publish(events.New(events.EventTaskCreated, "task created",
		"task_id", task.ID, "task_name", task.Name, "type", string(task.Type)))
	o.logger.Info().
		Str("task_id", task.ID).
		Str("extension", task.ExtensionName).
		Bool("scheduled", task.IsScheduledTask).
		Msg("task created")

	if !task.IsScheduledTask {
		metrics.TaskTriggersTotal.WithLabelValues(string(task.Type)).Inc()
		o.execute(task)
	}
	return task, nil
}

func (o *Orchestrator) validate(spec *types.FaultSpec) error {
	var err error
	if spec.Kind == types.FaultKindKillProcess {
		err = o.validator.ValidateKillProcessFaultSpec(spec)
	} else {
		err = o.validator.ValidateSpec(spec)
	}
	if err != nil {
		return err
	}
	return o.validator.ValidateEndpointTypeSpecificArguments(spec)
}

// UpdateFaultSpec refreshes the endpoint and credentials of spec from the
// registries, and those of its child spec when it has one
func (o *Orchestrator) UpdateFaultSpec(spec *types.FaultSpec) error {
	if spec == nil {
		return errcode.New(errcode.ErrFieldValueEmpty, "faultSpec")
	}
	if err := o.resolve(spec); err != nil {
		return err
	}
	if spec.ChildSpec != nil {
		return o.resolve(spec.ChildSpec)
	}
	return nil
}

func (o *Orchestrator) resolve(spec *types.FaultSpec) error {
	if strings.TrimSpace(spec.EndpointName) == "" {
		return errcode.New(errcode.ErrFieldValueEmpty, "endpointName")
	}
	endpoint, err := o.endpoints.GetEndpointByName(spec.EndpointName)
	if err != nil {
		return lookupError("endpointName", spec.EndpointName, err)
	}
	spec.Endpoint = endpoint

	// Docker hosts are reached through the endpoint's connection properties
	if endpoint.EndpointType == types.EndpointTypeDocker {
		spec.Credentials = nil
		return nil
	}
	name := spec.CredentialsName
	if name == "" {
		name = endpoint.CredentialsName
	}
	if name == "" {
		return nil
	}
	creds, err := o.credentials.GetCredentialsByName(name)
	if err != nil {
		return lookupError("credentialsName", name, err)
	}
	spec.Credentials = creds
	return nil
}

func lookupError(field, value string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return errcode.New(errcode.ErrNoRecordFound, field, value)
	}
	return errcode.Wrap(errcode.ErrDBError, err)
}

// markDispatched records this node as the owner of tr
func (o *Orchestrator) markDispatched(tr *types.TaskTrigger) {
	tr.Node = o.nodeID
	tr.StartTime = o.now().UTC()
}

// execute hands the current attempt of task to its handler
func (o *Orchestrator) execute(task *types.Task) {
	snapshot := *task
	snapshot.Triggers = slices.Clone(task.Triggers)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		result, err := o.run(&snapshot)
		o.finish(snapshot.ID, result, err)
	}()
}

func (o *Orchestrator) run(task *types.Task) (*plugin.Result, error) {
	handler := o.plugins.GetExtension(task.ExtensionName)
	if handler == nil {
		return nil, errcode.New(errcode.ErrExtensionNotFound, task.ExtensionName)
	}
	kind := ""
	if task.Data != nil {
		kind = string(task.Data.Kind)
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskExecutionDuration, kind)
	return handler.Execute(o.ctx, task)
}

// finish records the outcome of an attempt
func (o *Orchestrator) finish(taskID string, result *plugin.Result, execErr error) {
	logger := log.WithTaskID(taskID)
	if execErr != nil && o.ctx.Err() != nil {
		logger.Warn().Err(execErr).Msg("shutting down, attempt left in progress")
		return
	}

	var err error
	switch {
	case execErr != nil:
		err = o.complete(taskID, types.TaskStatusFailed, "", execErr.Error(), nil)
	case result == nil:
		err = o.complete(taskID, types.TaskStatusCompleted, "", "", nil)
	default:
		children, spawnErr := o.spawnChildren(result.ChildSpecs)
		if spawnErr != nil {
			err = o.complete(taskID, types.TaskStatusFailed, result.Output, spawnErr.Error(), children)
		} else {
			err = o.complete(taskID, types.TaskStatusCompleted, result.Output, "", children)
		}
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to record attempt outcome")
	}
}

// spawnChildren creates and dispatches one task per fanned-out spec
func (o *Orchestrator) spawnChildren(specs []*types.FaultSpec) ([]string, error) {
	var ids []string
	var errs []error
	for _, spec := range specs {
		child, err := o.factory.GetTask(spec, "")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		child.IsScheduledTask = false
		o.markDispatched(child.CurrentTrigger())
		if err := o.tasks.CreateTask(child); err != nil {
			errs = append(errs, fmt.Errorf("failed to save child task: %w", err))
			continue
		}
		ids = append(ids, child.ID)
		metrics.TaskTriggersTotal.WithLabelValues(string(child.Type)).Inc()
		o.publish(events.New(events.EventTaskCreated, "child task created",
			"task_id", child.ID, "task_name", child.Name, "type", string(child.Type)))
		o.execute(child)
	}
	return ids, errors.Join(errs...)
}

// CompleteTrigger finishes the current attempt of a task. Completion of an
// attempt that is no longer IN_PROGRESS, for instance one failed by the
// sweep, is ignored.
func (o *Orchestrator) CompleteTrigger(taskID string, status types.TaskStatus, output, failureReason string) error {
	if !status.IsTerminal() {
		return errcode.New(errcode.ErrBadRequest, fmt.Sprintf("status %s is not terminal", status))
	}
	return o.complete(taskID, status, output, failureReason, nil)
}

func (o *Orchestrator) complete(taskID string, status types.TaskStatus, output, failureReason string, children []string) error {
	task, changed, err := o.mutate(taskID, func(t *types.Task) (bool, error) {
		tr := t.CurrentTrigger()
		if tr == nil || tr.TaskStatus != types.TaskStatusInProgress {
			return false, nil
		}
		tr.TaskStatus = status
		tr.EndTime = o.now().UTC()
		tr.Output = output
		tr.FailureReason = failureReason
		if len(children) > 0 {
			tr.ChildTaskIDs = append(tr.ChildTaskIDs, children...)
			t.ChildTaskIDs = append(t.ChildTaskIDs, children...)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if !changed {
		o.logger.Debug().Str("task_id", taskID).Msg("attempt already finished, outcome ignored")
		return nil
	}

	metrics.TaskOutcomesTotal.WithLabelValues(string(status)).Inc()
	o.publish(statusEvent(task))
	o.logger.Info().
		Str("task_id", task.ID).
		Str("status", string(status)).
		Str("reason", failureReason).
		Msg("attempt finished")

	if status == types.TaskStatusCompleted && task.Type == types.TaskTypeRemediation && task.InjectionTaskID != "" {
		return o.markRemediated(task.InjectionTaskID)
	}
	return nil
}

func (o *Orchestrator) markRemediated(injectionID string) error {
	_, _, err := o.mutate(injectionID, func(t *types.Task) (bool, error) {
		if t.IsRemediated {
			return false, nil
		}
		t.IsRemediated = true
		return true, nil
	})
	if errors.Is(err, errcode.ErrNoTaskFound) {
		o.logger.Warn().Str("task_id", injectionID).Msg("remediated task no longer exists")
		return nil
	}
	return err
}

// mutate loads task id under its lock, applies fn and saves the task when fn
// reports a change
func (o *Orchestrator) mutate(id string, fn func(t *types.Task) (bool, error)) (*types.Task, bool, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	task, err := o.loadTask(id)
	if err != nil {
		return nil, false, err
	}
	changed, err := fn(task)
	if err != nil || !changed {
		return task, false, err
	}
	task.LastUpdated = o.now().UTC()
	if err := o.tasks.UpdateTask(task); err != nil {
		return nil, false, errcode.Wrap(errcode.ErrDBError, err)
	}
	return task, true, nil
}

func (o *Orchestrator) loadTask(id string) (*types.Task, error) {
	task, err := o.tasks.GetTask(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errcode.New(errcode.ErrNoTaskFound, id)
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.ErrDBError, err)
	}
	return task, nil
}

// FindTask resolves a task by id, falling back to its name
func (o *Orchestrator) FindTask(idOrName string) (*types.Task, error) {
	if strings.TrimSpace(idOrName) == "" {
		return nil, errcode.New(errcode.ErrFieldValueEmpty, "taskId")
	}
	task, err := o.tasks.GetTask(idOrName)
	if errors.Is(err, storage.ErrNotFound) {
		task, err = o.tasks.GetTaskByName(idOrName)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errcode.New(errcode.ErrNoTaskFound, idOrName)
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.ErrDBError, err)
	}
	return task, nil
}

func statusEvent(task *types.Task) *events.Event {
	t := events.EventTaskUpdated
	switch task.Status() {
	case types.TaskStatusCompleted:
		t = events.EventTaskCompleted
	case types.TaskStatusFailed:
		t = events.EventTaskFailed
	case types.TaskStatusSkipped:
		t = events.EventTaskSkipped
	}
	return events.New(t, "task "+strings.ToLower(string(task.Status())),
		"task_id", task.ID, "task_name", task.Name, "status", string(task.Status()))
}

func (o *Orchestrator) publish(ev *events.Event) {
	if o.events != nil {
		o.events.Publish(ev)
	}
}
