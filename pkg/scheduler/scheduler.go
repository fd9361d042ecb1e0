package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/vmware/mangle-sub000/pkg/errcode"
	"github.com/vmware/mangle-sub000/pkg/events"
	"github.com/vmware/mangle-sub000/pkg/log"
	"github.com/vmware/mangle-sub000/pkg/metrics"
	"github.com/vmware/mangle-sub000/pkg/storage"
	"github.com/vmware/mangle-sub000/pkg/types"
	"github.com/vmware/mangle-sub000/pkg/validator"
)

// Runner executes one firing of a scheduled task
type Runner interface {
	RunScheduledTask(ctx context.Context, taskID string) error
}

// Gate tells the scheduler whether this node may fire jobs
type Gate interface {
	IsQuorumPresent() bool
	IsMaster() bool
}

// Publisher receives schedule events
type Publisher interface {
	Publish(event *events.Event)
}

// Config tunes the scheduler
type Config struct {
	ReconcileInterval time.Duration
}

// armed is a job registered with the cron engine or a delay timer
type armed struct {
	entry cron.EntryID
	timer *time.Timer
}

// Scheduler keeps SchedulerSpec records and arms their triggers while
// quorum is present
type Scheduler struct {
	store  storage.ScheduleStore
	gate   Gate
	events Publisher
	runner Runner

	cron     *cron.Cron
	mu       sync.Mutex
	syncMu   sync.Mutex
	jobs     map[string]armed
	interval time.Duration
	now      func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// New creates a scheduler. SetRunner must be called before jobs fire.
func New(store storage.ScheduleStore, gate Gate, publisher Publisher, cfg Config) *Scheduler {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    store,
		gate:     gate,
		events:   publisher,
		cron:     cron.New(cron.WithParser(validator.CronParser)),
		jobs:     make(map[string]armed),
		interval: cfg.ReconcileInterval,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("scheduler"),
	}
}

// SetRunner sets the executor of fired jobs
func (s *Scheduler) SetRunner(r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner = r
}

// Start begins the cron engine and the reconcile loop
func (s *Scheduler) Start() {
	s.cron.Start()
	go s.run()
}

// Stop disarms every job and stops the scheduler
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()
		s.DisarmAll()
		<-s.cron.Stop().Done()
	})
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.reconcile(); err != nil {
				s.logger.Error().Err(err).Msg("schedule reconciliation failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// reconcile aligns armed jobs with the stored records, which other nodes may
// have changed
func (s *Scheduler) reconcile() error {
	if !s.gate.IsQuorumPresent() {
		s.DisarmAll()
		return nil
	}

	specs, err := s.store.ListSchedules()
	if err != nil {
		return fmt.Errorf("failed to list schedules: %w", err)
	}

	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	for _, spec := range specs {
		s.syncLocked(spec)
	}
	return nil
}

// Sync aligns the trigger of one schedule with its stored record. It runs
// whenever any member writes the record.
func (s *Scheduler) Sync(id string) {
	select {
	case <-s.stopCh:
		return
	default:
	}
	if !s.gate.IsQuorumPresent() {
		return
	}

	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	spec, err := s.store.GetSchedule(id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.disarm(id)
	case err != nil:
		s.logger.Warn().Err(err).Str("schedule_id", id).Msg("failed to load schedule")
	default:
		s.syncLocked(spec)
	}
}

func (s *Scheduler) syncLocked(spec *types.SchedulerSpec) {
	isArmed := s.IsArmed(spec.ID)
	switch {
	case spec.Status == types.SchedulerStatusScheduled && !isArmed:
		if err := s.arm(spec); err != nil {
			s.logger.Warn().Err(err).Str("schedule_id", spec.ID).Msg("failed to arm schedule")
		}
	case spec.Status != types.SchedulerStatusScheduled && isArmed:
		s.disarm(spec.ID)
	}
}

// ScheduleTask records the schedule of a scheduled task. The job is armed
// and moves to SCHEDULED right away when quorum is present; otherwise it
// stays INITIALIZING until quorum returns.
func (s *Scheduler) ScheduleTask(task *types.Task) (*types.SchedulerSpec, error) {
	if task == nil || task.Data == nil || task.Data.Schedule == nil {
		return nil, errcode.New(errcode.ErrFieldValueEmpty, "schedule")
	}
	sched := task.Data.Schedule
	if err := validator.ValidateSchedule(sched); err != nil {
		return nil, err
	}

	now := s.now()
	spec := &types.SchedulerSpec{
		ID:                 task.ID,
		Status:             types.SchedulerStatusInitializing,
		CronExpression:     sched.CronExpression,
		TimeInMilliseconds: sched.TimeInMilliseconds,
		Description:        sched.Description,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateSchedule(spec); err != nil {
		return nil, errcode.Wrap(errcode.ErrDBError, fmt.Errorf("failed to create schedule: %w", err))
	}

	if s.gate.IsQuorumPresent() {
		if err := s.activate(spec); err != nil {
			if delErr := s.store.DeleteSchedule(spec.ID); delErr != nil {
				s.logger.Error().Err(delErr).Str("schedule_id", spec.ID).Msg("failed to remove schedule that could not be armed")
			}
			return nil, err
		}
	}

	s.publish(events.New(events.EventScheduleCreated, "schedule created",
		"schedule_id", spec.ID, "status", string(spec.Status)))
	logger := log.WithScheduleID(spec.ID)
	logger.Info().
		Str("status", string(spec.Status)).
		Str("cron", spec.CronExpression).
		Msg("schedule created")
	return spec, nil
}

// activate arms an INITIALIZING or SCHEDULED record and stores it as SCHEDULED
func (s *Scheduler) activate(spec *types.SchedulerSpec) error {
	if err := s.arm(spec); err != nil {
		return err
	}
	if spec.Status == types.SchedulerStatusScheduled {
		return nil
	}
	spec.Status = types.SchedulerStatusScheduled
	spec.UpdatedAt = s.now()
	if err := s.store.UpdateSchedule(spec); err != nil {
		s.disarm(spec.ID)
		return errcode.Wrap(errcode.ErrDBError, fmt.Errorf("failed to update schedule: %w", err))
	}
	return nil
}

// arm registers the trigger of spec. A fixed-delay job that already fired is
// not armed again.
func (s *Scheduler) arm(spec *types.SchedulerSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disarmLocked(spec.ID)
	id := spec.ID

	if spec.IsFixedDelay() {
		if !spec.LastFiredAt.IsZero() {
			return nil
		}
		delay := time.Duration(*spec.TimeInMilliseconds) * time.Millisecond
		remaining := max(spec.CreatedAt.Add(delay).Sub(s.now()), 0)
		s.jobs[id] = armed{timer: time.AfterFunc(remaining, func() { s.fire(id) })}
		return nil
	}

	schedule, err := validator.CronParser.Parse(spec.CronExpression)
	if err != nil {
		return errcode.Wrap(errcode.ErrInvalidCronExpression, err, spec.CronExpression)
	}
	entry := s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(id) }))
	s.jobs[id] = armed{entry: entry}
	return nil
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked(id)
}

func (s *Scheduler) disarmLocked(id string) {
	job, ok := s.jobs[id]
	if !ok {
		return
	}
	if job.timer != nil {
		job.timer.Stop()
	} else {
		s.cron.Remove(job.entry)
	}
	delete(s.jobs, id)
}

// IsArmed reports whether a trigger is registered for id
func (s *Scheduler) IsArmed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// fire runs one firing of a job if this node may run scheduled work
func (s *Scheduler) fire(id string) {
	logger := log.WithScheduleID(id)

	if !s.gate.IsQuorumPresent() {
		metrics.ScheduleFirings.WithLabelValues("suppressed").Inc()
		logger.Warn().Msg("quorum not present, firing suppressed")
		return
	}
	if !s.gate.IsMaster() {
		metrics.ScheduleFirings.WithLabelValues("skipped").Inc()
		logger.Debug().Msg("not the cluster master, firing skipped")
		return
	}

	spec, err := s.store.GetSchedule(id)
	if err != nil {
		metrics.ScheduleFirings.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Msg("failed to load schedule")
		return
	}
	if spec.Status != types.SchedulerStatusScheduled {
		metrics.ScheduleFirings.WithLabelValues("skipped").Inc()
		s.disarm(id)
		return
	}

	if spec.IsFixedDelay() {
		s.mu.Lock()
		delete(s.jobs, id)
		s.mu.Unlock()
	}
	spec.LastFiredAt = s.now()
	if err := s.store.UpdateSchedule(spec); err != nil {
		logger.Error().Err(err).Msg("failed to record firing")
	}

	s.mu.Lock()
	runner := s.runner
	s.mu.Unlock()
	if runner == nil {
		metrics.ScheduleFirings.WithLabelValues("failed").Inc()
		logger.Error().Msg("no runner configured")
		return
	}

	if err := runner.RunScheduledTask(s.ctx, id); err != nil {
		outcome := "failed"
		if errors.Is(err, errcode.ErrClusterQuorumNotMet) {
			outcome = "suppressed"
		}
		metrics.ScheduleFirings.WithLabelValues(outcome).Inc()
		logger.Warn().Err(err).Msg("scheduled run did not start")
		return
	}
	metrics.ScheduleFirings.WithLabelValues("fired").Inc()
	logger.Info().Msg("schedule fired")
}

// UpdateSchedulerStatus moves a record to status and arms or disarms its
// trigger. It returns nil and no error when id is unknown.
func (s *Scheduler) UpdateSchedulerStatus(id string, status types.SchedulerStatus) (*types.SchedulerSpec, error) {
	spec, err := s.store.GetSchedule(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.ErrDBError, fmt.Errorf("failed to load schedule: %w", err))
	}
	if spec.Status == status {
		return spec, nil
	}
	if !CanTransition(spec.Status, status) {
		return nil, errcode.New(errcode.ErrInvalidStateScheduledJobIDs, []string{id}, status)
	}

	prev := spec.Status
	spec.Status = status
	spec.UpdatedAt = s.now()

	if status == types.SchedulerStatusScheduled && s.gate.IsQuorumPresent() {
		if err := s.arm(spec); err != nil {
			return nil, err
		}
	} else if status != types.SchedulerStatusScheduled {
		s.disarm(id)
	}

	if err := s.store.UpdateSchedule(spec); err != nil {
		return nil, errcode.Wrap(errcode.ErrDBError, fmt.Errorf("failed to update schedule: %w", err))
	}

	s.publish(events.New(events.EventScheduleUpdated, "schedule updated",
		"schedule_id", id, "from", string(prev), "to", string(status)))
	logger := log.WithScheduleID(id)
	logger.Info().
		Str("from", string(prev)).
		Str("to", string(status)).
		Msg("schedule status updated")
	return spec, nil
}

// PauseSchedules pauses every id. Nothing changes unless every id exists and
// may be paused.
func (s *Scheduler) PauseSchedules(ids []string) ([]*types.SchedulerSpec, error) {
	return s.bulk(ids, types.SchedulerStatusPaused)
}

// ResumeSchedules moves paused ids back to SCHEDULED
func (s *Scheduler) ResumeSchedules(ids []string) ([]*types.SchedulerSpec, error) {
	return s.bulk(ids, types.SchedulerStatusScheduled)
}

// CancelSchedules cancels every id. Cancelled jobs never fire again; tasks
// already in progress are not touched.
func (s *Scheduler) CancelSchedules(ids []string) ([]*types.SchedulerSpec, error) {
	return s.bulk(ids, types.SchedulerStatusCancelled)
}

func (s *Scheduler) bulk(ids []string, status types.SchedulerStatus) ([]*types.SchedulerSpec, error) {
	var missing, invalid []string
	for _, id := range ids {
		spec, err := s.store.GetSchedule(id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			missing = append(missing, id)
		case err != nil:
			return nil, errcode.Wrap(errcode.ErrDBError, fmt.Errorf("failed to load schedule: %w", err))
		case spec.Status != status && !CanTransition(spec.Status, status):
			invalid = append(invalid, id)
		}
	}
	if len(missing) > 0 {
		return nil, errcode.New(errcode.ErrScheduledJobIDsNotFound, missing)
	}
	if len(invalid) > 0 {
		return nil, errcode.New(errcode.ErrInvalidStateScheduledJobIDs, invalid, status)
	}

	out := make([]*types.SchedulerSpec, 0, len(ids))
	for _, id := range ids {
		spec, err := s.UpdateSchedulerStatus(id, status)
		if err != nil {
			return out, err
		}
		if spec != nil {
			out = append(out, spec)
		}
	}
	return out, nil
}

// GetActiveSchedulesForIds returns the records of ids that are SCHEDULED,
// PAUSED or INITIALIZING. Unknown and CANCELLED ids are left out.
func (s *Scheduler) GetActiveSchedulesForIds(ids []string) ([]*types.SchedulerSpec, error) {
	specs, err := s.GetSchedulesForIds(ids)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(specs, func(spec *types.SchedulerSpec) bool {
		return !spec.Status.IsActive()
	}), nil
}

// GetSchedulesForIds returns the records of ids that exist
func (s *Scheduler) GetSchedulesForIds(ids []string) ([]*types.SchedulerSpec, error) {
	out := make([]*types.SchedulerSpec, 0, len(ids))
	for _, id := range ids {
		spec, err := s.store.GetSchedule(id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, errcode.Wrap(errcode.ErrDBError, fmt.Errorf("failed to load schedule: %w", err))
		}
		out = append(out, spec)
	}
	return out, nil
}

// GetActiveScheduleJobs returns every record that may still fire or resume
func (s *Scheduler) GetActiveScheduleJobs() ([]*types.SchedulerSpec, error) {
	return s.GetAllScheduledJobByStatus(
		types.SchedulerStatusScheduled,
		types.SchedulerStatusPaused,
		types.SchedulerStatusInitializing,
	)
}

// GetAllScheduledJobByStatus returns every record in one of statuses
func (s *Scheduler) GetAllScheduledJobByStatus(statuses ...types.SchedulerStatus) ([]*types.SchedulerSpec, error) {
	specs, err := s.store.ListSchedulesByStatus(statuses...)
	if err != nil {
		return nil, errcode.Wrap(errcode.ErrDBError, fmt.Errorf("failed to list schedules: %w", err))
	}
	return specs, nil
}

// RearmActive arms every INITIALIZING and SCHEDULED record, promoting the
// INITIALIZING ones. It runs when quorum becomes present.
func (s *Scheduler) RearmActive() error {
	specs, err := s.GetAllScheduledJobByStatus(types.SchedulerStatusInitializing, types.SchedulerStatusScheduled)
	if err != nil {
		return err
	}

	var errs []error
	for _, spec := range specs {
		if err := s.activate(spec); err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", spec.ID, err))
		}
	}
	s.logger.Info().Int("schedules", len(specs)).Msg("schedules re-armed")
	return errors.Join(errs...)
}

// DisarmAll removes every registered trigger. Records are left untouched.
func (s *Scheduler) DisarmAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.jobs {
		s.disarmLocked(id)
	}
}

// HandleQuorumChange arms jobs when quorum appears and disarms them when it
// is lost
func (s *Scheduler) HandleQuorumChange(status types.QuorumStatus) {
	if status == types.QuorumPresent {
		if err := s.RearmActive(); err != nil {
			s.logger.Error().Err(err).Msg("failed to re-arm schedules")
		}
		return
	}
	s.DisarmAll()
	s.logger.Warn().Msg("quorum lost, schedules disarmed")
}

func (s *Scheduler) publish(ev *events.Event) {
	if s.events != nil {
		s.events.Publish(ev)
	}
}
