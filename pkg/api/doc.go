/*
Package api exposes the operational surfaces of a Mangle node.

HealthServer serves HTTP probes:

	GET /health   liveness, always 200 while the process runs
	GET /ready    200 when the store answers and the node holds quorum
	GET /cluster  the coordinator's ClusterState as JSON
	GET /metrics  Prometheus metrics

	GET /health/components, /ready/components
	              the component registry of package metrics

GRPCServer serves the standard grpc.health.v1 service. Both the overall
status ("") and ServiceName report SERVING exactly while the quorum gate is
PRESENT; the server wires SetQuorumStatus to the coordinator's status
listener. Every call passes through LoggingInterceptor.
*/
package api
