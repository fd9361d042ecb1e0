/*
Package client talks to a running Mangle node over gRPC.

Nodes expose the standard grpc.health.v1 service. A node reports SERVING while
it holds cluster quorum and NOT_SERVING otherwise, so the client doubles as a
quorum probe for scripts and the `mangle status` command.

	c, err := client.NewClient("127.0.0.1:8081")
	if err != nil {
		return err
	}
	defer c.Close()

	ok, err := c.HasQuorum(ctx)
*/
package client
