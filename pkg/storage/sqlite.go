package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/vmware/mangle-sub000/pkg/types"
	_ "modernc.org/sqlite"
)

// Every record is stored as a JSON document next to the columns used for
// lookups, mirroring the bucket layout of BoltStore.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id   TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_name ON tasks(name)`,
	`CREATE TABLE IF NOT EXISTS schedules (
		id     TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		data   TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS endpoints (
		name TEXT PRIMARY KEY,
		data TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS credentials (
		name TEXT PRIMARY KEY,
		data TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cluster_config (
		id   TEXT PRIMARY KEY,
		data TEXT NOT NULL
	)`,
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store under dataDir.
// Enables WAL mode and a busy timeout.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "mangle.sqlite")

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

func (s *SQLiteStore) upsert(query string, v any, keys ...any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	args := append(keys, string(data))
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

func sqliteGet[T any](s *SQLiteStore, query, kind, key string) (*T, error) {
	var data string
	err := s.db.QueryRow(query, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(kind, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", kind, key, err)
	}
	var out T
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func sqliteList[T any](s *SQLiteStore, query string, args ...any) ([]*T, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var items []*T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var item T
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return nil, err
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) exec(query string, args ...any) error {
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to execute statement: %w", err)
	}
	return nil
}

// Task operations
func (s *SQLiteStore) CreateTask(task *types.Task) error {
	return s.upsert(`INSERT INTO tasks (id, name, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, data = excluded.data`,
		task, task.ID, task.Name)
}

func (s *SQLiteStore) GetTask(id string) (*types.Task, error) {
	return sqliteGet[types.Task](s, `SELECT data FROM tasks WHERE id = ?`, "task", id)
}

func (s *SQLiteStore) GetTaskByName(name string) (*types.Task, error) {
	return sqliteGet[types.Task](s, `SELECT data FROM tasks WHERE name = ? LIMIT 1`, "task", name)
}

func (s *SQLiteStore) ListTasks() ([]*types.Task, error) {
	return sqliteList[types.Task](s, `SELECT data FROM tasks ORDER BY id`)
}

func (s *SQLiteStore) ListTasksByIDs(ids []string) ([]*types.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return sqliteList[types.Task](s, `SELECT data FROM tasks WHERE id IN (`+placeholders+`)`, args...)
}

func (s *SQLiteStore) UpdateTask(task *types.Task) error {
	return s.CreateTask(task)
}

func (s *SQLiteStore) DeleteTask(id string) error {
	return s.exec(`DELETE FROM tasks WHERE id = ?`, id)
}

// Schedule operations
func (s *SQLiteStore) CreateSchedule(spec *types.SchedulerSpec) error {
	return s.upsert(`INSERT INTO schedules (id, status, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		spec, spec.ID, string(spec.Status))
}

func (s *SQLiteStore) GetSchedule(id string) (*types.SchedulerSpec, error) {
	return sqliteGet[types.SchedulerSpec](s, `SELECT data FROM schedules WHERE id = ?`, "schedule", id)
}

func (s *SQLiteStore) ListSchedules() ([]*types.SchedulerSpec, error) {
	return sqliteList[types.SchedulerSpec](s, `SELECT data FROM schedules ORDER BY id`)
}

func (s *SQLiteStore) ListSchedulesByStatus(statuses ...types.SchedulerStatus) ([]*types.SchedulerSpec, error) {
	all, err := s.ListSchedules()
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(spec *types.SchedulerSpec) bool {
		return !slices.Contains(statuses, spec.Status)
	}), nil
}

func (s *SQLiteStore) UpdateSchedule(spec *types.SchedulerSpec) error {
	return s.CreateSchedule(spec)
}

func (s *SQLiteStore) DeleteSchedule(id string) error {
	return s.exec(`DELETE FROM schedules WHERE id = ?`, id)
}

// Endpoint operations
func (s *SQLiteStore) CreateEndpoint(endpoint *types.Endpoint) error {
	return s.upsert(`INSERT INTO endpoints (name, data) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data`, endpoint, endpoint.Name)
}

func (s *SQLiteStore) GetEndpointByName(name string) (*types.Endpoint, error) {
	return sqliteGet[types.Endpoint](s, `SELECT data FROM endpoints WHERE name = ?`, "endpoint", name)
}

func (s *SQLiteStore) ListEndpoints() ([]*types.Endpoint, error) {
	return sqliteList[types.Endpoint](s, `SELECT data FROM endpoints ORDER BY name`)
}

func (s *SQLiteStore) DeleteEndpoint(name string) error {
	return s.exec(`DELETE FROM endpoints WHERE name = ?`, name)
}

// Credential operations
func (s *SQLiteStore) CreateCredentials(creds *types.Credentials) error {
	return s.upsert(`INSERT INTO credentials (name, data) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data`, creds, creds.Name)
}

func (s *SQLiteStore) GetCredentialsByName(name string) (*types.Credentials, error) {
	return sqliteGet[types.Credentials](s, `SELECT data FROM credentials WHERE name = ?`, "credentials", name)
}

func (s *SQLiteStore) ListCredentials() ([]*types.Credentials, error) {
	return sqliteList[types.Credentials](s, `SELECT data FROM credentials ORDER BY name`)
}

func (s *SQLiteStore) DeleteCredentials(name string) error {
	return s.exec(`DELETE FROM credentials WHERE name = ?`, name)
}

// Cluster config operations
func (s *SQLiteStore) GetClusterConfig() (*types.ClusterConfig, error) {
	return sqliteGet[types.ClusterConfig](s, `SELECT data FROM cluster_config WHERE id = ?`, "cluster config", string(clusterConfigKey))
}

func (s *SQLiteStore) SaveClusterConfig(cfg *types.ClusterConfig) error {
	return s.upsert(`INSERT INTO cluster_config (id, data) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, cfg, string(clusterConfigKey))
}
