// Package config loads the YAML configuration of a Mangle node.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vmware/mangle-sub000/pkg/storage"
	"github.com/vmware/mangle-sub000/pkg/types"
)

// Load reads the file at path over Default. A missing file or an empty path
// yields the defaults; unknown keys and malformed YAML are errors.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations a node cannot start with
func (c *Config) Validate() error {
	var errs []error
	if c.NodeID == "" {
		errs = append(errs, errors.New("node_id must be set"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must be set"))
	}
	switch c.Storage.Driver {
	case storage.DriverBolt, storage.DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}

	switch c.Cluster.DeploymentMode {
	case types.DeploymentModeStandalone:
	case types.DeploymentModeCluster:
		if c.Cluster.BindAddr == "" {
			errs = append(errs, errors.New("cluster.bind_addr must be set in CLUSTER mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown deployment mode %q", c.Cluster.DeploymentMode))
	}
	if c.Cluster.Quorum < 0 {
		errs = append(errs, errors.New("cluster.quorum must not be negative"))
	}
	if members := len(c.Cluster.Peers) + 1; c.Cluster.Quorum > members {
		errs = append(errs, fmt.Errorf("cluster.quorum %d exceeds the %d configured members", c.Cluster.Quorum, members))
	}

	seen := map[string]bool{c.NodeID: true}
	for _, p := range c.Cluster.Peers {
		if p.ID == "" || p.Addr == "" {
			errs = append(errs, errors.New("cluster.peers entries need id and addr"))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate member id %q", p.ID))
		}
		seen[p.ID] = true
	}

	if c.Sweep.ThresholdMinutes < 1 {
		errs = append(errs, errors.New("sweep.threshold_minutes must be at least 1"))
	}
	if c.Sweep.Interval <= 0 {
		errs = append(errs, errors.New("sweep.interval must be positive"))
	}
	if c.Scheduler.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("scheduler.reconcile_interval must be positive"))
	}
	return errors.Join(errs...)
}
