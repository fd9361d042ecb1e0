package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client checks the health of a Mangle node over gRPC
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// NewClient creates a client for the node listening on addr. The connection
// is established lazily on the first call.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	return &Client{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
	}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Check returns the serving status of service. An empty service asks for the
// status of the node as a whole.
func (c *Client) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to check health: %w", err)
	}
	return resp.GetStatus(), nil
}

// HasQuorum reports whether the node holds quorum
func (c *Client) HasQuorum(ctx context.Context) (bool, error) {
	status, err := c.Check(ctx, "")
	if err != nil {
		return false, err
	}
	return status == healthpb.HealthCheckResponse_SERVING, nil
}
