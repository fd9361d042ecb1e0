package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmware/mangle-sub000/pkg/config"
	"github.com/vmware/mangle-sub000/pkg/types"
)

func TestParsePeer(t *testing.T) {
	assert.Equal(t, config.PeerConfig{ID: "node-2", Addr: "10.0.0.2:7946"}, parsePeer("node-2=10.0.0.2:7946"))
	assert.Equal(t, config.PeerConfig{ID: "10.0.0.3:7946", Addr: "10.0.0.3:7946"}, parsePeer("10.0.0.3:7946"))
}

func TestApplyServerFlags(t *testing.T) {
	require.NoError(t, serverCmd.ParseFlags([]string{
		"--node-id", "node-1",
		"--mode", "CLUSTER",
		"--quorum", "2",
		"--peer", "node-2=10.0.0.2:7946",
		"--log-json",
	}))

	cfg := config.Default()
	cfg.Storage.Driver = "sqlite"
	applyServerFlags(serverCmd, cfg)

	assert.Equal(t, "node-1", cfg.NodeID)
	assert.Equal(t, types.DeploymentModeCluster, cfg.Cluster.DeploymentMode)
	assert.Equal(t, 2, cfg.Cluster.Quorum)
	assert.Equal(t, []config.PeerConfig{{ID: "node-2", Addr: "10.0.0.2:7946"}}, cfg.Cluster.Peers)
	assert.True(t, cfg.Log.JSON)

	// flags left unset keep the file values
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, config.Default().API, cfg.API)
	require.NoError(t, cfg.Validate())
}
