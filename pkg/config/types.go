package config

import (
	"os"
	"time"

	"github.com/vmware/mangle-sub000/pkg/storage"
	"github.com/vmware/mangle-sub000/pkg/types"
)

// PeerConfig is another voter of the raft group
type PeerConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// ClusterConfig configures membership and quorum
type ClusterConfig struct {
	Name           string               `yaml:"name"`
	DeploymentMode types.DeploymentMode `yaml:"deployment_mode"`
	Quorum         int                  `yaml:"quorum"` // 0 means majority of the members
	BindAddr       string               `yaml:"bind_addr"`
	Peers          []PeerConfig         `yaml:"peers,omitempty"`
	Token          string               `yaml:"token,omitempty"` // shared secret checked on sync messages
}

// StorageConfig selects the store backend
type StorageConfig struct {
	Driver string `yaml:"driver"`
}

// APIConfig holds the listen addresses of the operational endpoints
type APIConfig struct {
	HealthAddr string `yaml:"health_addr"`
	GRPCAddr   string `yaml:"grpc_addr"`
}

// SchedulerConfig tunes the scheduler
type SchedulerConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// SweepConfig tunes the stuck task sweep and boot recovery
type SweepConfig struct {
	Interval         time.Duration `yaml:"interval"`
	ThresholdMinutes int           `yaml:"threshold_minutes"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the node configuration
type Config struct {
	NodeID    string          `yaml:"node_id"`
	DataDir   string          `yaml:"data_dir"`
	Storage   StorageConfig   `yaml:"storage"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	API       APIConfig       `yaml:"api"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the configuration of a standalone node storing its state
// under ./mangle-data
func Default() *Config {
	nodeID, err := os.Hostname()
	if err != nil || nodeID == "" {
		nodeID = "mangle-1"
	}
	return &Config{
		NodeID:  nodeID,
		DataDir: "./mangle-data",
		Storage: StorageConfig{Driver: storage.DriverBolt},
		Cluster: ClusterConfig{
			Name:           "mangle",
			DeploymentMode: types.DeploymentModeStandalone,
			BindAddr:       "127.0.0.1:7946",
		},
		API: APIConfig{
			HealthAddr: "127.0.0.1:8080",
			GRPCAddr:   "127.0.0.1:8081",
		},
		Scheduler: SchedulerConfig{ReconcileInterval: 30 * time.Second},
		Sweep: SweepConfig{
			Interval:         time.Minute,
			ThresholdMinutes: 30,
		},
		Log: LogConfig{Level: "info"},
	}
}
