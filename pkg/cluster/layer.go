package cluster

import (
	"errors"

	"github.com/vmware/mangle-sub000/pkg/types"
)

// SyncTopic carries quorum and deployment mode changes between nodes
const SyncTopic = "mangle-quorum-sync"

// ErrNotMember is returned by a layer whose node has left the cluster
var ErrNotMember = errors.New("node is not a cluster member")

// ErrNoLeader is returned while no reachable leader can order a command
var ErrNoLeader = errors.New("no cluster leader")

// MembershipEventType is the kind of membership change
type MembershipEventType string

const (
	MemberJoined MembershipEventType = "joined"
	MemberLeft   MembershipEventType = "left"
)

// MembershipEvent reports that a member became reachable or unreachable
type MembershipEvent struct {
	Type   MembershipEventType
	Member string
}

// Layer is the clustering substrate the coordinator runs on.
//
// Members returns the live members visible from this node, oldest first, and
// fails once the node has left. Subscribers and membership watchers may be
// called from any goroutine and must not assume they run on the caller's.
type Layer interface {
	Members() ([]string, error)
	LocalMember() string
	Leave() error
	Publish(topic string, payload []byte) error
	Subscribe(topic string, fn func(payload []byte))
	OnMembershipChange(fn func(MembershipEvent))
}

// Replica holds the local copy of replicated state. Apply runs on every
// member in commit order. Dump and Load carry the whole state in snapshots.
type Replica interface {
	Apply(cmd []byte) error
	Dump() ([]byte, error)
	Load(state []byte) error
}

// Replicator commits commands for the Replica registered under a topic on
// every member. Replicate returns once the command is applied locally.
type Replicator interface {
	Replicate(topic string, cmd []byte) error
}

// Majority returns the quorum threshold for n members. A standalone
// deployment needs only itself.
func Majority(mode types.DeploymentMode, n int) int {
	if mode == types.DeploymentModeStandalone || n <= 1 {
		return 1
	}
	return n/2 + 1
}

// Evaluate returns the quorum status for a live member count
func Evaluate(mode types.DeploymentMode, live, quorum int) types.QuorumStatus {
	if mode == types.DeploymentModeStandalone {
		return types.QuorumPresent
	}
	if live >= quorum && live > 0 {
		return types.QuorumPresent
	}
	return types.QuorumNotPresent
}
