package cluster

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmware/mangle-sub000/pkg/errcode"
	"github.com/vmware/mangle-sub000/pkg/events"
	"github.com/vmware/mangle-sub000/pkg/storage"
	"github.com/vmware/mangle-sub000/pkg/types"
)

type memConfigStore struct {
	mu      sync.Mutex
	cfg     *types.ClusterConfig
	saveErr error
}

func (s *memConfigStore) GetClusterConfig() (*types.ClusterConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return nil, storage.ErrNotFound
	}
	cfg := *s.cfg
	cfg.Members = slices.Clone(s.cfg.Members)
	return &cfg, nil
}

func (s *memConfigStore) SaveClusterConfig(cfg *types.ClusterConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	c := *cfg
	c.Members = slices.Clone(cfg.Members)
	s.cfg = &c
	return nil
}

func (s *memConfigStore) quorum() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return 0
	}
	return s.cfg.Quorum
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *recordingPublisher) Publish(ev *events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) count(t events.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// fakeLayer is a single node layer with injectable failures
type fakeLayer struct {
	mu         sync.Mutex
	members    []string
	membersErr error
	publishErr error
	published  int
	left       bool
}

func (f *fakeLayer) Members() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.membersErr != nil {
		return nil, f.membersErr
	}
	return slices.Clone(f.members), nil
}

func (f *fakeLayer) LocalMember() string { return "n1" }

func (f *fakeLayer) Leave() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = true
	return nil
}

func (f *fakeLayer) Publish(string, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published++
	return f.publishErr
}

func (f *fakeLayer) Subscribe(string, func([]byte)) {}

func (f *fakeLayer) OnMembershipChange(func(MembershipEvent)) {}

var fastRetry = RetryConfig{
	InitialInterval: 5 * time.Millisecond,
	MaxInterval:     10 * time.Millisecond,
	MaxElapsedTime:  50 * time.Millisecond,
}

type node struct {
	name  string
	layer *LocalLayer
	store *memConfigStore
	coord *Coordinator
}

// bootCluster joins every name to hub before booting, so each coordinator
// starts with the full membership
func bootCluster(t *testing.T, hub *Hub, quorum int, names ...string) []*node {
	t.Helper()
	nodes := make([]*node, 0, len(names))
	for _, name := range names {
		n := &node{name: name, layer: hub.Join(name), store: &memConfigStore{}}
		n.coord = NewCoordinator(n.layer, n.store, nil)
		nodes = append(nodes, n)
	}
	for _, n := range nodes {
		require.NoError(t, n.coord.Boot(Options{
			ClusterName:    "mangle",
			DeploymentMode: types.DeploymentModeCluster,
			Quorum:         quorum,
			Retry:          fastRetry,
		}))
	}
	return nodes
}

func TestMajority(t *testing.T) {
	tests := []struct {
		mode types.DeploymentMode
		n    int
		want int
	}{
		{types.DeploymentModeStandalone, 5, 1},
		{types.DeploymentModeCluster, 0, 1},
		{types.DeploymentModeCluster, 1, 1},
		{types.DeploymentModeCluster, 2, 2},
		{types.DeploymentModeCluster, 3, 2},
		{types.DeploymentModeCluster, 4, 3},
		{types.DeploymentModeCluster, 5, 3},
		{types.DeploymentModeCluster, 6, 4},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Majority(tt.mode, tt.n), "%s n=%d", tt.mode, tt.n)
	}
}

func TestEvaluate(t *testing.T) {
	assert.Equal(t, types.QuorumPresent, Evaluate(types.DeploymentModeStandalone, 0, 3))
	assert.Equal(t, types.QuorumPresent, Evaluate(types.DeploymentModeCluster, 2, 2))
	assert.Equal(t, types.QuorumPresent, Evaluate(types.DeploymentModeCluster, 3, 2))
	assert.Equal(t, types.QuorumNotPresent, Evaluate(types.DeploymentModeCluster, 1, 2))
	assert.Equal(t, types.QuorumNotPresent, Evaluate(types.DeploymentModeCluster, 0, 1))
}

func TestStandaloneAlwaysPresent(t *testing.T) {
	layer := &fakeLayer{membersErr: errors.New("unreachable")}
	store := &memConfigStore{}
	c := NewCoordinator(layer, store, nil)

	assert.False(t, c.IsQuorumPresent())
	require.NoError(t, c.Boot(Options{DeploymentMode: types.DeploymentModeStandalone}))

	assert.True(t, c.IsQuorumPresent())
	assert.Equal(t, types.QuorumPresent, c.Resync("periodic"))
	state := c.State()
	assert.Equal(t, 1, state.Quorum)
	assert.Equal(t, []string{"n1"}, state.LiveMembers)
	assert.False(t, layer.left)
}

func TestBootLoadsPersistedConfig(t *testing.T) {
	store := &memConfigStore{cfg: &types.ClusterConfig{
		ID:             "existing",
		DeploymentMode: types.DeploymentModeCluster,
		Quorum:         2,
		Members:        []string{"n1", "n2"},
	}}
	layer := &fakeLayer{members: []string{"n1", "n2", "n3"}}
	c := NewCoordinator(layer, store, nil)

	require.NoError(t, c.Boot(Options{DeploymentMode: types.DeploymentModeStandalone, Quorum: 1}))

	cfg := c.Config()
	assert.Equal(t, "existing", cfg.ID)
	assert.Equal(t, types.DeploymentModeCluster, cfg.DeploymentMode)
	assert.Equal(t, 2, cfg.Quorum)
	assert.Equal(t, []string{"n1", "n2", "n3"}, cfg.Members)
	assert.Equal(t, "n1", cfg.Master)
	assert.True(t, c.IsQuorumPresent())
}

func TestBootStoreFailure(t *testing.T) {
	store := &memConfigStore{saveErr: errors.New("disk full")}
	c := NewCoordinator(&fakeLayer{members: []string{"n1"}}, store, nil)

	err := c.Boot(Options{DeploymentMode: types.DeploymentModeCluster})
	assert.ErrorIs(t, err, errcode.ErrDBError)
	assert.False(t, c.IsQuorumPresent())
}

func TestQuorumPresentIffMajorityVisible(t *testing.T) {
	hub := NewHub()
	nodes := bootCluster(t, hub, 2, "n1", "n2", "n3")
	for _, n := range nodes {
		require.True(t, n.coord.IsQuorumPresent(), n.name)
	}
	assert.True(t, nodes[0].coord.IsMaster())
	assert.False(t, nodes[1].coord.IsMaster())

	var leftMu sync.Mutex
	var leftMembers []string
	nodes[1].coord.OnMemberLeft(func(member string) {
		leftMu.Lock()
		defer leftMu.Unlock()
		leftMembers = append(leftMembers, member)
	})

	hub.Partition([]string{"n1"})

	require.Eventually(t, func() bool {
		return !nodes[0].coord.IsQuorumPresent()
	}, 2*time.Second, 10*time.Millisecond)

	// The minority node leaves the cluster
	require.Eventually(t, func() bool {
		_, err := nodes[0].layer.Members()
		return errors.Is(err, ErrNotMember)
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, nodes[1].coord.IsQuorumPresent())
	assert.True(t, nodes[2].coord.IsQuorumPresent())
	require.Eventually(t, func() bool {
		leftMu.Lock()
		defer leftMu.Unlock()
		return slices.Contains(leftMembers, "n1")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"n2", "n3"}, nodes[1].coord.State().LiveMembers)
	assert.True(t, nodes[1].coord.IsMaster())
	assert.False(t, nodes[0].coord.IsMaster())
}

func TestBootingNodeWaitsForMembers(t *testing.T) {
	hub := NewHub()
	nodes := bootCluster(t, hub, 3, "n1", "n2")

	// Two of three required members: never held quorum, so nobody leaves
	for _, n := range nodes {
		assert.False(t, n.coord.IsQuorumPresent())
		_, err := n.layer.Members()
		assert.NoError(t, err)
	}

	hub.Join("n3")
	require.Eventually(t, func() bool {
		return nodes[0].coord.IsQuorumPresent() && nodes[1].coord.IsQuorumPresent()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUpdateMangleQuorum(t *testing.T) {
	hub := NewHub()
	nodes := bootCluster(t, hub, 2, "n1", "n2", "n3")
	n1 := nodes[0]

	tests := []struct {
		name    string
		quorum  int
		wantErr *errcode.Error
	}{
		{"below live count", 1, nil},
		{"equal to live count", 3, nil},
		{"above live count", 4, errcode.ErrClusterConfigLesserQuorum},
		{"zero", 0, errcode.ErrBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := n1.coord.Config().Quorum
			err := n1.coord.UpdateMangleQuorum(tt.quorum)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, before, n1.coord.Config().Quorum)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.quorum, n1.coord.Config().Quorum)
			assert.Equal(t, tt.quorum, n1.store.quorum())
		})
	}

	// Every node applies the broadcast
	for _, n := range nodes[1:] {
		require.Eventually(t, func() bool {
			return n.coord.Config().Quorum == 3
		}, 2*time.Second, 10*time.Millisecond, n.name)
	}
}

func TestUpdateMangleQuorumRollsBackOnBroadcastFailure(t *testing.T) {
	layer := &fakeLayer{members: []string{"n1", "n2", "n3"}}
	store := &memConfigStore{}
	c := NewCoordinator(layer, store, nil)
	require.NoError(t, c.Boot(Options{DeploymentMode: types.DeploymentModeCluster, Quorum: 2, Retry: fastRetry}))

	layer.mu.Lock()
	layer.publishErr = errors.New("no leader")
	layer.mu.Unlock()

	err := c.UpdateMangleQuorum(3)
	require.Error(t, err)
	assert.Equal(t, 2, c.Config().Quorum)
	assert.Equal(t, 2, store.quorum())

	layer.mu.Lock()
	assert.Greater(t, layer.published, 1)
	layer.mu.Unlock()
}

func TestGateReadableWhileBroadcastRetries(t *testing.T) {
	layer := &fakeLayer{members: []string{"n1", "n2", "n3"}}
	c := NewCoordinator(layer, &memConfigStore{}, nil)
	require.NoError(t, c.Boot(Options{
		DeploymentMode: types.DeploymentModeCluster,
		Quorum:         2,
		Retry:          RetryConfig{InitialInterval: 20 * time.Millisecond, MaxInterval: 50 * time.Millisecond, MaxElapsedTime: time.Second},
	}))

	layer.mu.Lock()
	layer.publishErr = errors.New("no leader")
	layer.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- c.UpdateMangleQuorum(3) }()
	require.Eventually(t, func() bool {
		layer.mu.Lock()
		defer layer.mu.Unlock()
		return layer.published > 0
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	assert.True(t, c.IsQuorumPresent())
	assert.True(t, c.IsMaster())
	assert.Len(t, c.State().LiveMembers, 3)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("quorum update did not give up")
	}
	assert.Equal(t, 2, c.Config().Quorum)
}

func TestMembersErrorClosesGate(t *testing.T) {
	layer := &fakeLayer{members: []string{"n1", "n2"}}
	c := NewCoordinator(layer, &memConfigStore{}, nil)
	require.NoError(t, c.Boot(Options{DeploymentMode: types.DeploymentModeCluster, Quorum: 2}))
	require.True(t, c.IsQuorumPresent())

	layer.mu.Lock()
	layer.membersErr = errors.New("clustering layer down")
	layer.mu.Unlock()

	assert.Equal(t, types.QuorumNotPresent, c.Resync("periodic"))
	assert.False(t, layer.left)
}

func TestHandleQuorumForNewNodeAddition(t *testing.T) {
	hub := NewHub()
	nodes := bootCluster(t, hub, 2, "n1", "n2", "n3")

	hub.Join("n4")
	hub.Join("n5")

	for _, n := range nodes {
		require.Eventually(t, func() bool {
			return n.coord.Config().Quorum == 3
		}, 2*time.Second, 10*time.Millisecond, n.name)
	}
}

func TestHandleQuorumForNewNodeAdditionNeverShrinks(t *testing.T) {
	layer := &fakeLayer{members: []string{"n1", "n2", "n3", "n4", "n5"}}
	c := NewCoordinator(layer, &memConfigStore{}, nil)
	require.NoError(t, c.Boot(Options{DeploymentMode: types.DeploymentModeCluster, Quorum: 5}))

	require.NoError(t, c.HandleQuorumForNewNodeAddition())
	assert.Equal(t, 5, c.Config().Quorum)
	layer.mu.Lock()
	assert.Zero(t, layer.published)
	layer.mu.Unlock()

	// Standalone ignores membership growth
	s := NewCoordinator(&fakeLayer{members: []string{"n1", "n2", "n3"}}, &memConfigStore{}, nil)
	require.NoError(t, s.Boot(Options{DeploymentMode: types.DeploymentModeStandalone}))
	require.NoError(t, s.HandleQuorumForNewNodeAddition())
	assert.Equal(t, 1, s.Config().Quorum)
}

func TestUpdateMangleDeploymentType(t *testing.T) {
	t.Run("already in state", func(t *testing.T) {
		c := NewCoordinator(&fakeLayer{members: []string{"n1"}}, &memConfigStore{}, nil)
		require.NoError(t, c.Boot(Options{DeploymentMode: types.DeploymentModeStandalone}))
		assert.ErrorIs(t, c.UpdateMangleDeploymentType(types.DeploymentModeStandalone), errcode.ErrClusterAlreadyInState)
	})

	t.Run("to cluster", func(t *testing.T) {
		pub := &recordingPublisher{}
		c := NewCoordinator(&fakeLayer{members: []string{"n1", "n2", "n3"}}, &memConfigStore{}, pub)
		require.NoError(t, c.Boot(Options{DeploymentMode: types.DeploymentModeStandalone, Retry: fastRetry}))

		require.NoError(t, c.UpdateMangleDeploymentType(types.DeploymentModeCluster))
		cfg := c.Config()
		assert.Equal(t, types.DeploymentModeCluster, cfg.DeploymentMode)
		assert.Equal(t, 2, cfg.Quorum)
		assert.True(t, c.IsQuorumPresent())
		assert.Equal(t, 1, pub.count(events.EventClusterDeploymentSwitch))
	})

	t.Run("persisted membership exceeds live", func(t *testing.T) {
		store := &memConfigStore{cfg: &types.ClusterConfig{
			DeploymentMode: types.DeploymentModeStandalone,
			Quorum:         1,
			Members:        []string{"n1", "n2", "n3", "n4", "n5", "n6", "n7"},
		}}
		c := NewCoordinator(&fakeLayer{members: []string{"n1", "n2", "n3"}}, store, nil)
		require.NoError(t, c.Boot(Options{}))

		err := c.UpdateMangleDeploymentType(types.DeploymentModeCluster)
		assert.ErrorIs(t, err, errcode.ErrClusterTypeConfigLesserQuorum)
		assert.Equal(t, types.DeploymentModeStandalone, c.Config().DeploymentMode)
	})

	t.Run("to standalone", func(t *testing.T) {
		c := NewCoordinator(&fakeLayer{members: []string{"n1", "n2", "n3"}}, &memConfigStore{}, nil)
		require.NoError(t, c.Boot(Options{DeploymentMode: types.DeploymentModeCluster, Quorum: 3, Retry: fastRetry}))

		require.NoError(t, c.UpdateMangleDeploymentType(types.DeploymentModeStandalone))
		assert.Equal(t, 1, c.Config().Quorum)
		assert.True(t, c.IsQuorumPresent())
	})

	t.Run("unknown mode", func(t *testing.T) {
		c := NewCoordinator(&fakeLayer{members: []string{"n1"}}, &memConfigStore{}, nil)
		require.NoError(t, c.Boot(Options{}))
		assert.ErrorIs(t, c.UpdateMangleDeploymentType("HYBRID"), errcode.ErrBadRequest)
	})
}

func TestStatusListenersAndEvents(t *testing.T) {
	pub := &recordingPublisher{}
	layer := &fakeLayer{members: []string{"n1", "n2"}}
	c := NewCoordinator(layer, &memConfigStore{}, pub)

	var mu sync.Mutex
	var seen []types.QuorumStatus
	c.OnStatusChange(func(s types.QuorumStatus) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	require.NoError(t, c.Boot(Options{DeploymentMode: types.DeploymentModeCluster, Quorum: 2}))
	c.Resync("periodic")

	layer.mu.Lock()
	layer.members = []string{"n1"}
	layer.mu.Unlock()
	c.Resync("periodic")

	mu.Lock()
	assert.Equal(t, []types.QuorumStatus{types.QuorumPresent, types.QuorumNotPresent}, seen)
	mu.Unlock()
	assert.Equal(t, 2, pub.count(events.EventQuorumChanged))
	assert.True(t, layer.left)
}

func TestSyncIgnoresForeignCluster(t *testing.T) {
	hub := NewHub()
	a := &node{name: "a", layer: hub.Join("a"), store: &memConfigStore{}}
	b := &node{name: "b", layer: hub.Join("b"), store: &memConfigStore{}}
	a.coord = NewCoordinator(a.layer, a.store, nil)
	b.coord = NewCoordinator(b.layer, b.store, nil)

	require.NoError(t, a.coord.Boot(Options{DeploymentMode: types.DeploymentModeCluster, Quorum: 1, ValidationToken: "alpha"}))
	require.NoError(t, b.coord.Boot(Options{DeploymentMode: types.DeploymentModeCluster, Quorum: 1, ValidationToken: "beta"}))

	require.NoError(t, a.coord.UpdateMangleQuorum(2))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, b.coord.Config().Quorum)
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	assert.True(t, tokenMatches("", a))
	assert.True(t, tokenMatches(a, a))
	assert.False(t, tokenMatches(a, b))
}
