/*
Package cluster tracks cluster membership and owns the quorum gate that
decides whether this node may run scheduled work.

A Coordinator sits on top of a Layer. Two layers exist: RaftLayer runs a
hashicorp/raft group and commits sync messages through its log, and Hub
provides an in-process layer for standalone deployments and tests.

# Quorum

In CLUSTER mode the gate is PRESENT while the live member count is at least
the configured quorum. The default quorum is Majority(N) = N/2+1. A node that
held quorum and loses sight of a majority closes its gate and leaves the
cluster, so a minority partition never runs scheduled faults. STANDALONE
deployments are always PRESENT.

Quorum and deployment mode changes are persisted and then broadcast on
SyncTopic; every node applies the broadcast and recomputes its own gate.
*/
package cluster
