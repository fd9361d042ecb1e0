package storage

import (
	"errors"
	"fmt"

	"github.com/vmware/mangle-sub000/pkg/types"
)

// ErrNotFound is wrapped by every lookup that finds no record
var ErrNotFound = errors.New("record not found")

// Driver names accepted by Open
const (
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
)

// TaskStore persists tasks. Create and Update are both upserts.
type TaskStore interface {
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	GetTaskByName(name string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	ListTasksByIDs(ids []string) ([]*types.Task, error)
	UpdateTask(task *types.Task) error
	DeleteTask(id string) error
}

// ScheduleStore persists scheduler records keyed by task ID
type ScheduleStore interface {
	CreateSchedule(spec *types.SchedulerSpec) error
	GetSchedule(id string) (*types.SchedulerSpec, error)
	ListSchedules() ([]*types.SchedulerSpec, error)
	ListSchedulesByStatus(statuses ...types.SchedulerStatus) ([]*types.SchedulerSpec, error)
	UpdateSchedule(spec *types.SchedulerSpec) error
	DeleteSchedule(id string) error
}

// EndpointStore persists endpoints keyed by name
type EndpointStore interface {
	CreateEndpoint(endpoint *types.Endpoint) error
	GetEndpointByName(name string) (*types.Endpoint, error)
	ListEndpoints() ([]*types.Endpoint, error)
	DeleteEndpoint(name string) error
}

// CredentialStore persists credentials keyed by name
type CredentialStore interface {
	CreateCredentials(creds *types.Credentials) error
	GetCredentialsByName(name string) (*types.Credentials, error)
	ListCredentials() ([]*types.Credentials, error)
	DeleteCredentials(name string) error
}

// ClusterConfigStore persists the single cluster configuration record
type ClusterConfigStore interface {
	GetClusterConfig() (*types.ClusterConfig, error)
	SaveClusterConfig(cfg *types.ClusterConfig) error
}

// Store defines the interface for engine state storage
type Store interface {
	TaskStore
	ScheduleStore
	EndpointStore
	CredentialStore
	ClusterConfigStore

	// Ping verifies the backing database is usable
	Ping() error
	Close() error
}

// Open creates a store for the configured driver under dataDir
func Open(driver, dataDir string) (Store, error) {
	switch driver {
	case DriverBolt, "":
		return NewBoltStore(dataDir)
	case DriverSQLite:
		return NewSQLiteStore(dataDir)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

func notFound(kind, key string) error {
	return fmt.Errorf("%s %s: %w", kind, key, ErrNotFound)
}
