package cluster

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmware/mangle-sub000/pkg/errcode"
	"github.com/vmware/mangle-sub000/pkg/types"
)

type memSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memSink) ID() string    { return "test" }
func (s *memSink) Close() error  { return nil }
func (s *memSink) Cancel() error { s.cancelled = true; return nil }

func applyPublish(t *testing.T, f *topicFSM, topic, payload string) {
	t.Helper()
	data, err := json.Marshal(Command{Op: opPublish, Topic: topic, Data: json.RawMessage(payload)})
	require.NoError(t, err)
	assert.Nil(t, f.Apply(&raft.Log{Data: data}))
}

func TestTopicFSMApplyAndSnapshot(t *testing.T) {
	f := newTopicFSM(nil)
	received := make(chan string, 4)
	f.subscribe("sync", func(p []byte) { received <- string(p) })

	applyPublish(t, f, "sync", `{"quorum":2}`)
	applyPublish(t, f, "sync", `{"quorum":3}`)

	latest, ok := f.lastPayload("sync")
	require.True(t, ok)
	assert.JSONEq(t, `{"quorum":3}`, string(latest))

	data, _ := json.Marshal(Command{Op: "drop_table"})
	assert.Error(t, f.Apply(&raft.Log{Data: data}).(error))
	assert.Error(t, f.Apply(&raft.Log{Data: []byte("not json")}).(error))

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))
	assert.False(t, sink.cancelled)

	restored := newTopicFSM(nil)
	replayed := make(chan string, 1)
	restored.subscribe("sync", func(p []byte) { replayed <- string(p) })
	require.NoError(t, restored.Restore(io.NopCloser(&sink.Buffer)))

	latest, ok = restored.lastPayload("sync")
	require.True(t, ok)
	assert.JSONEq(t, `{"quorum":3}`, string(latest))

	select {
	case p := <-replayed:
		assert.JSONEq(t, `{"quorum":3}`, p)
	case <-time.After(time.Second):
		t.Fatal("restore did not replay the latest payload")
	}
}

func TestRaftLayerSingleNode(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a raft node")
	}

	layer, err := NewRaftLayer(RaftConfig{
		NodeID:   "node-1",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	defer layer.Close()

	require.Eventually(t, layer.IsLeader, 10*time.Second, 50*time.Millisecond)

	members, err := layer.Members()
	require.NoError(t, err)
	assert.Equal(t, []string{"node-1"}, members)
	assert.Equal(t, "node-1", layer.LocalMember())

	received := make(chan []byte, 1)
	layer.Subscribe(SyncTopic, func(p []byte) { received <- p })
	require.NoError(t, layer.Publish(SyncTopic, []byte(`{"quorum":1}`)))

	select {
	case p := <-received:
		assert.JSONEq(t, `{"quorum":1}`, string(p))
	case <-time.After(5 * time.Second):
		t.Fatal("published message was not applied")
	}

	require.NoError(t, layer.Leave())
	_, err = layer.Members()
	assert.ErrorIs(t, err, ErrNotMember)
	assert.ErrorIs(t, layer.Publish(SyncTopic, nil), ErrNotMember)
}

func TestRaftLayerWithCoordinator(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a raft node")
	}

	layer, err := NewRaftLayer(RaftConfig{
		NodeID:   "node-1",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	defer layer.Close()
	require.Eventually(t, layer.IsLeader, 10*time.Second, 50*time.Millisecond)

	c := NewCoordinator(layer, &memConfigStore{}, nil)
	require.NoError(t, c.Boot(Options{DeploymentMode: "CLUSTER", Quorum: 1, Retry: fastRetry}))
	assert.True(t, c.IsQuorumPresent())

	assert.ErrorIs(t, c.UpdateMangleQuorum(2), errcode.ErrClusterConfigLesserQuorum)
	require.NoError(t, c.UpdateMangleQuorum(1))
}

// memReplica records the commands applied to it
type memReplica struct {
	mu      sync.Mutex
	applied []string
}

func (r *memReplica) Apply(cmd []byte) error {
	if string(cmd) == `"reject"` {
		return errors.New("rejected")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, string(cmd))
	return nil
}

func (r *memReplica) Dump() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.Marshal(r.applied)
}

func (r *memReplica) Load(state []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.Unmarshal(state, &r.applied)
}

func (r *memReplica) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.applied)
}

func TestTopicFSMReplicate(t *testing.T) {
	replica := &memReplica{}
	f := newTopicFSM(map[string]Replica{"store": replica})

	apply := func(topic, payload string) interface{} {
		data, err := json.Marshal(Command{Op: opReplicate, Topic: topic, Data: json.RawMessage(payload)})
		require.NoError(t, err)
		return f.Apply(&raft.Log{Data: data})
	}

	assert.Nil(t, apply("store", `"put a"`))
	assert.Nil(t, apply("store", `"put b"`))
	assert.EqualError(t, apply("store", `"reject"`).(error), "rejected")
	assert.Error(t, apply("other", `"put c"`).(error))
	assert.Equal(t, []string{`"put a"`, `"put b"`}, replica.commands())

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))

	restoredReplica := &memReplica{applied: []string{`"stale"`}}
	restored := newTopicFSM(map[string]Replica{"store": restoredReplica})
	require.NoError(t, restored.Restore(io.NopCloser(&sink.Buffer)))
	assert.Equal(t, []string{`"put a"`, `"put b"`}, restoredReplica.commands())
}

// freeAddrs reserves n loopback addresses for raft nodes that must know
// each other before they start
func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, 0, n)
	for range n {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addrs = append(addrs, ln.Addr().String())
		require.NoError(t, ln.Close())
	}
	return addrs
}

func TestRaftFollowerForwardsToLeader(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a raft cluster")
	}

	names := []string{"node-1", "node-2", "node-3"}
	addrs := freeAddrs(t, len(names))
	layers := make([]*RaftLayer, len(names))
	replicas := make([]*memReplica, len(names))
	for i, name := range names {
		var peers []Peer
		for j, other := range names {
			if j != i {
				peers = append(peers, Peer{ID: other, Addr: addrs[j]})
			}
		}
		replicas[i] = &memReplica{}
		layer, err := NewRaftLayer(RaftConfig{
			NodeID:   name,
			BindAddr: addrs[i],
			DataDir:  t.TempDir(),
			Peers:    peers,
			Replicas: map[string]Replica{"test": replicas[i]},
		})
		require.NoError(t, err)
		layers[i] = layer
		t.Cleanup(func() { layer.Close() })
	}

	var follower *RaftLayer
	var followerReplica *memReplica
	require.Eventually(t, func() bool {
		leaders := 0
		for i, l := range layers {
			if l.IsLeader() {
				leaders++
			} else {
				follower, followerReplica = l, replicas[i]
			}
		}
		return leaders == 1
	}, 10*time.Second, 50*time.Millisecond)

	received := make(chan []byte, len(layers))
	for _, l := range layers {
		l.Subscribe(SyncTopic, func(p []byte) { received <- p })
	}
	require.NoError(t, follower.Publish(SyncTopic, []byte(`{"quorum":3}`)))
	for range layers {
		select {
		case p := <-received:
			assert.JSONEq(t, `{"quorum":3}`, string(p))
		case <-time.After(5 * time.Second):
			t.Fatal("forwarded message was not applied on every node")
		}
	}

	require.NoError(t, follower.Replicate("test", []byte(`"put a"`)))
	assert.Equal(t, []string{`"put a"`}, followerReplica.commands(), "the write is visible on the writer once Replicate returns")
	assert.EqualError(t, follower.Replicate("test", []byte(`"reject"`)), "rejected")
	for _, r := range replicas {
		require.Eventually(t, func() bool { return len(r.commands()) == 1 }, 5*time.Second, 20*time.Millisecond)
	}

	c := NewCoordinator(follower, &memConfigStore{}, nil)
	require.NoError(t, c.Boot(Options{DeploymentMode: types.DeploymentModeCluster, Quorum: 2, Retry: fastRetry}))
	require.Eventually(t, c.IsQuorumPresent, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, c.UpdateMangleQuorum(3))
	assert.Equal(t, 3, c.Config().Quorum)
}
