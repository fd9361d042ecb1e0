package api

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vmware/mangle-sub000/pkg/client"
	"github.com/vmware/mangle-sub000/pkg/types"
)

func TestGRPCHealthFollowsQuorum(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewGRPCServer()
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	c, err := client.NewClient(lis.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := c.HasQuorum(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	srv.SetQuorumStatus(types.QuorumPresent)
	status, err := c.Check(ctx, ServiceName)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)
	ok, err = c.HasQuorum(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	srv.SetQuorumStatus(types.QuorumNotPresent)
	status, err = c.Check(ctx, ServiceName)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)

	_, err = c.Check(ctx, "unknown.Service")
	assert.Error(t, err)
}
