package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/vmware/mangle-sub000/pkg/storage"
	"github.com/vmware/mangle-sub000/pkg/types"
)

// StoreTopic carries the writes of a ReplicatedStore
const StoreTopic = "mangle-store"

const (
	opPutTask           = "put_task"
	opDeleteTask        = "delete_task"
	opPutSchedule       = "put_schedule"
	opDeleteSchedule    = "delete_schedule"
	opPutEndpoint       = "put_endpoint"
	opDeleteEndpoint    = "delete_endpoint"
	opPutCredentials    = "put_credentials"
	opDeleteCredentials = "delete_credentials"
)

// storeCommand is one replicated write
type storeCommand struct {
	Op          string               `json:"op"`
	Key         string               `json:"key,omitempty"`
	Task        *types.Task          `json:"task,omitempty"`
	Schedule    *types.SchedulerSpec `json:"schedule,omitempty"`
	Endpoint    *types.Endpoint      `json:"endpoint,omitempty"`
	Credentials *types.Credentials   `json:"credentials,omitempty"`
}

// storeState is the replicated part of a store
type storeState struct {
	Tasks       []*types.Task
	Schedules   []*types.SchedulerSpec
	Endpoints   []*types.Endpoint
	Credentials []*types.Credentials
}

// StoreReplica applies replicated writes to a member's local store
type StoreReplica struct {
	store storage.Store

	mu         sync.RWMutex
	onSchedule []func(id string)
}

var _ Replica = (*StoreReplica)(nil)

// NewStoreReplica wraps the local store of a member
func NewStoreReplica(store storage.Store) *StoreReplica {
	return &StoreReplica{store: store}
}

// OnScheduleChange registers fn to run after a schedule record is written or
// removed by any member. fn runs on its own goroutine.
func (r *StoreReplica) OnScheduleChange(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSchedule = append(r.onSchedule, fn)
}

func (r *StoreReplica) Apply(data []byte) error {
	var cmd storeCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal store command: %w", err)
	}

	switch cmd.Op {
	case opPutTask:
		if cmd.Task == nil {
			return errors.New("put_task without task")
		}
		return r.store.UpdateTask(cmd.Task)
	case opDeleteTask:
		return r.store.DeleteTask(cmd.Key)
	case opPutSchedule:
		if cmd.Schedule == nil {
			return errors.New("put_schedule without schedule")
		}
		if err := r.store.UpdateSchedule(cmd.Schedule); err != nil {
			return err
		}
		r.scheduleChanged(cmd.Schedule.ID)
		return nil
	case opDeleteSchedule:
		if err := r.store.DeleteSchedule(cmd.Key); err != nil {
			return err
		}
		r.scheduleChanged(cmd.Key)
		return nil
	case opPutEndpoint:
		if cmd.Endpoint == nil {
			return errors.New("put_endpoint without endpoint")
		}
		return r.store.CreateEndpoint(cmd.Endpoint)
	case opDeleteEndpoint:
		return r.store.DeleteEndpoint(cmd.Key)
	case opPutCredentials:
		if cmd.Credentials == nil {
			return errors.New("put_credentials without credentials")
		}
		return r.store.CreateCredentials(cmd.Credentials)
	case opDeleteCredentials:
		return r.store.DeleteCredentials(cmd.Key)
	default:
		return fmt.Errorf("unknown store command: %s", cmd.Op)
	}
}

func (r *StoreReplica) scheduleChanged(ids ...string) {
	r.mu.RLock()
	fns := r.onSchedule
	r.mu.RUnlock()
	for _, fn := range fns {
		for _, id := range ids {
			go fn(id)
		}
	}
}

// Dump encodes every replicated record
func (r *StoreReplica) Dump() ([]byte, error) {
	var state storeState
	var err error
	if state.Tasks, err = r.store.ListTasks(); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	if state.Schedules, err = r.store.ListSchedules(); err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	if state.Endpoints, err = r.store.ListEndpoints(); err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	if state.Credentials, err = r.store.ListCredentials(); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return json.Marshal(state)
}

// Load makes the local store hold exactly the records of a dump
func (r *StoreReplica) Load(data []byte) error {
	var state storeState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal store state: %w", err)
	}

	var errs []error
	errs = append(errs, replace(r.store.ListTasks, state.Tasks,
		func(t *types.Task) string { return t.ID }, r.store.UpdateTask, r.store.DeleteTask))
	errs = append(errs, replace(r.store.ListEndpoints, state.Endpoints,
		func(e *types.Endpoint) string { return e.Name }, r.store.CreateEndpoint, r.store.DeleteEndpoint))
	errs = append(errs, replace(r.store.ListCredentials, state.Credentials,
		func(c *types.Credentials) string { return c.Name }, r.store.CreateCredentials, r.store.DeleteCredentials))

	before, err := r.store.ListSchedules()
	if err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, replace(r.store.ListSchedules, state.Schedules,
		func(s *types.SchedulerSpec) string { return s.ID }, r.store.UpdateSchedule, r.store.DeleteSchedule))

	changed := make(map[string]bool)
	for _, spec := range before {
		changed[spec.ID] = true
	}
	for _, spec := range state.Schedules {
		changed[spec.ID] = true
	}
	ids := make([]string, 0, len(changed))
	for id := range changed {
		ids = append(ids, id)
	}
	r.scheduleChanged(ids...)

	return errors.Join(errs...)
}

// replace deletes the local records missing from want and writes the rest
func replace[T any](list func() ([]*T, error), want []*T, key func(*T) string,
	put func(*T) error, del func(string) error) error {
	have, err := list()
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(want))
	for _, item := range want {
		keep[key(item)] = true
	}

	var errs []error
	for _, item := range have {
		if !keep[key(item)] {
			errs = append(errs, del(key(item)))
		}
	}
	for _, item := range want {
		errs = append(errs, put(item))
	}
	return errors.Join(errs...)
}

// ReplicatedStore is a storage.Store whose task, schedule, endpoint and
// credential writes are committed on every member through a Replicator.
// Reads and the cluster configuration stay local.
type ReplicatedStore struct {
	storage.Store
	repl Replicator
}

// NewReplicatedStore wraps local. The member's StoreReplica over the same
// local store must be registered with repl under StoreTopic.
func NewReplicatedStore(local storage.Store, repl Replicator) *ReplicatedStore {
	return &ReplicatedStore{Store: local, repl: repl}
}

func (s *ReplicatedStore) replicate(cmd storeCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", cmd.Op, err)
	}
	return s.repl.Replicate(StoreTopic, data)
}

func (s *ReplicatedStore) CreateTask(task *types.Task) error {
	return s.replicate(storeCommand{Op: opPutTask, Task: task})
}

func (s *ReplicatedStore) UpdateTask(task *types.Task) error {
	return s.replicate(storeCommand{Op: opPutTask, Task: task})
}

func (s *ReplicatedStore) DeleteTask(id string) error {
	return s.replicate(storeCommand{Op: opDeleteTask, Key: id})
}

func (s *ReplicatedStore) CreateSchedule(spec *types.SchedulerSpec) error {
	return s.replicate(storeCommand{Op: opPutSchedule, Schedule: spec})
}

func (s *ReplicatedStore) UpdateSchedule(spec *types.SchedulerSpec) error {
	return s.replicate(storeCommand{Op: opPutSchedule, Schedule: spec})
}

func (s *ReplicatedStore) DeleteSchedule(id string) error {
	return s.replicate(storeCommand{Op: opDeleteSchedule, Key: id})
}

func (s *ReplicatedStore) CreateEndpoint(endpoint *types.Endpoint) error {
	return s.replicate(storeCommand{Op: opPutEndpoint, Endpoint: endpoint})
}

func (s *ReplicatedStore) DeleteEndpoint(name string) error {
	return s.replicate(storeCommand{Op: opDeleteEndpoint, Key: name})
}

func (s *ReplicatedStore) CreateCredentials(creds *types.Credentials) error {
	return s.replicate(storeCommand{Op: opPutCredentials, Credentials: creds})
}

func (s *ReplicatedStore) DeleteCredentials(name string) error {
	return s.replicate(storeCommand{Op: opDeleteCredentials, Key: name})
}
