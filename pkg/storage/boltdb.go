package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/vmware/mangle-sub000/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTasks         = []byte("tasks")
	bucketSchedules     = []byte("schedules")
	bucketEndpoints     = []byte("endpoints")
	bucketCredentials   = []byte("credentials")
	bucketClusterConfig = []byte("cluster_config")

	clusterConfigKey = []byte("cluster")
)

var _ Store = (*BoltStore)(nil)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "mangle.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTasks,
			bucketSchedules,
			bucketEndpoints,
			bucketCredentials,
			bucketClusterConfig,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping checks that every bucket is readable
func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTasks) == nil {
			return fmt.Errorf("bucket %s missing", bucketTasks)
		}
		return nil
	})
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func boltGet[T any](s *BoltStore, bucket []byte, kind, key string) (*T, error) {
	var out T
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return notFound(kind, key)
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func boltList[T any](s *BoltStore, bucket []byte, keep func(*T) bool) ([]*T, error) {
	var items []*T
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if keep == nil || keep(&item) {
				items = append(items, &item)
			}
			return nil
		})
	})
	return items, err
}

// Task operations
func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.put(bucketTasks, task.ID, task)
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	return boltGet[types.Task](s, bucketTasks, "task", id)
}

func (s *BoltStore) GetTaskByName(name string) (*types.Task, error) {
	tasks, err := boltList(s, bucketTasks, func(t *types.Task) bool { return t.Name == name })
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, notFound("task", name)
	}
	return tasks[0], nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	return boltList[types.Task](s, bucketTasks, nil)
}

func (s *BoltStore) ListTasksByIDs(ids []string) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		for _, id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var task types.Task
			if err := json.Unmarshal(data, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
		}
		return nil
	})
	return tasks, err
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.CreateTask(task) // Same as create (upsert)
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.delete(bucketTasks, id)
}

// Schedule operations
func (s *BoltStore) CreateSchedule(spec *types.SchedulerSpec) error {
	return s.put(bucketSchedules, spec.ID, spec)
}

func (s *BoltStore) GetSchedule(id string) (*types.SchedulerSpec, error) {
	return boltGet[types.SchedulerSpec](s, bucketSchedules, "schedule", id)
}

func (s *BoltStore) ListSchedules() ([]*types.SchedulerSpec, error) {
	return boltList[types.SchedulerSpec](s, bucketSchedules, nil)
}

func (s *BoltStore) ListSchedulesByStatus(statuses ...types.SchedulerStatus) ([]*types.SchedulerSpec, error) {
	return boltList(s, bucketSchedules, func(spec *types.SchedulerSpec) bool {
		return slices.Contains(statuses, spec.Status)
	})
}

func (s *BoltStore) UpdateSchedule(spec *types.SchedulerSpec) error {
	return s.CreateSchedule(spec)
}

func (s *BoltStore) DeleteSchedule(id string) error {
	return s.delete(bucketSchedules, id)
}

// Endpoint operations
func (s *BoltStore) CreateEndpoint(endpoint *types.Endpoint) error {
	return s.put(bucketEndpoints, endpoint.Name, endpoint)
}

func (s *BoltStore) GetEndpointByName(name string) (*types.Endpoint, error) {
	return boltGet[types.Endpoint](s, bucketEndpoints, "endpoint", name)
}

func (s *BoltStore) ListEndpoints() ([]*types.Endpoint, error) {
	return boltList[types.Endpoint](s, bucketEndpoints, nil)
}

func (s *BoltStore) DeleteEndpoint(name string) error {
	return s.delete(bucketEndpoints, name)
}

// Credential operations
func (s *BoltStore) CreateCredentials(creds *types.Credentials) error {
	return s.put(bucketCredentials, creds.Name, creds)
}

func (s *BoltStore) GetCredentialsByName(name string) (*types.Credentials, error) {
	return boltGet[types.Credentials](s, bucketCredentials, "credentials", name)
}

func (s *BoltStore) ListCredentials() ([]*types.Credentials, error) {
	return boltList[types.Credentials](s, bucketCredentials, nil)
}

func (s *BoltStore) DeleteCredentials(name string) error {
	return s.delete(bucketCredentials, name)
}

// Cluster config operations
func (s *BoltStore) GetClusterConfig() (*types.ClusterConfig, error) {
	return boltGet[types.ClusterConfig](s, bucketClusterConfig, "cluster config", string(clusterConfigKey))
}

func (s *BoltStore) SaveClusterConfig(cfg *types.ClusterConfig) error {
	return s.put(bucketClusterConfig, string(clusterConfigKey), cfg)
}
