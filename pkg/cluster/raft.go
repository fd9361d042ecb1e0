package cluster

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/vmware/mangle-sub000/pkg/log"
	"github.com/vmware/mangle-sub000/pkg/metrics"
)

// Peer is a statically configured cluster member
type Peer struct {
	ID   string
	Addr string
}

// RaftConfig configures a RaftLayer
type RaftConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
	Peers    []Peer

	// Replicas are registered before raft starts so no committed entry is
	// applied without them
	Replicas map[string]Replica
}

const (
	applyTimeout   = 5 * time.Second
	forwardTimeout = 5 * time.Second
)

// RaftLayer is a Layer over a hashicorp/raft group. Membership is the raft
// configuration filtered by heartbeat health, and sync topic messages are
// committed through the raft log so every member applies them in order.
// Followers forward their commands to the leader over the raft bind address.
type RaftLayer struct {
	nodeID string
	raft   *raft.Raft
	fsm    *topicFSM

	transport   *raft.NetworkTransport
	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore
	observer    *raft.Observer
	observerCh  chan raft.Observation

	heartbeatTimeout time.Duration

	mu       sync.RWMutex
	failed   map[raft.ServerID]bool
	watchers []func(MembershipEvent)
	left     bool

	ready    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

var (
	_ Layer      = (*RaftLayer)(nil)
	_ Replicator = (*RaftLayer)(nil)
)

// NewRaftLayer starts a raft node. On first start every node bootstraps the
// same configuration built from itself and its peers; later starts recover
// from the persisted raft state.
func NewRaftLayer(cfg RaftConfig) (*RaftLayer, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create raft data directory: %w", err)
	}
	logger := log.WithComponent("raft")

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(cfg.NodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	config.LogLevel = "WARN"

	l := &RaftLayer{
		nodeID:           cfg.NodeID,
		fsm:              newTopicFSM(cfg.Replicas),
		heartbeatTimeout: config.HeartbeatTimeout,
		failed:           make(map[raft.ServerID]bool),
		ready:            make(chan struct{}),
		stopCh:           make(chan struct{}),
		logger:           logger,
	}

	stream, err := newMuxStream(cfg.BindAddr, l.serveForward, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	transport := raft.NewNetworkTransport(stream, 3, 10*time.Second, logger)

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, logger)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}
	l.transport = transport
	l.logStore = logStore
	l.stableStore = stableStore

	existing, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
	if err != nil {
		l.closeStores()
		return nil, fmt.Errorf("failed to check raft state: %w", err)
	}

	r, err := raft.NewRaft(config, l.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		l.closeStores()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	l.raft = r
	close(l.ready)

	if !existing {
		self := transport.LocalAddr()
		var servers []raft.Server
		for _, p := range cfg.Peers {
			if p.ID == cfg.NodeID {
				if p.Addr != "" {
					self = raft.ServerAddress(p.Addr)
				}
				continue
			}
			servers = append(servers, raft.Server{ID: raft.ServerID(p.ID), Address: raft.ServerAddress(p.Addr)})
		}
		servers = append(servers, raft.Server{ID: config.LocalID, Address: self})
		slices.SortFunc(servers, func(a, b raft.Server) int {
			return cmp.Compare(a.ID, b.ID)
		})

		if err := r.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			l.Close()
			return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}

	l.observerCh = make(chan raft.Observation, 64)
	l.observer = raft.NewObserver(l.observerCh, false, func(o *raft.Observation) bool {
		switch o.Data.(type) {
		case raft.PeerObservation, raft.FailedHeartbeatObservation,
			raft.ResumedHeartbeatObservation, raft.LeaderObservation:
			return true
		}
		return false
	})
	r.RegisterObserver(l.observer)
	go l.watch()

	logger.Info().
		Str("node_id", cfg.NodeID).
		Str("addr", string(transport.LocalAddr())).
		Int("peers", len(cfg.Peers)).
		Bool("recovered", existing).
		Msg("raft layer started")

	return l, nil
}

func (l *RaftLayer) watch() {
	for {
		select {
		case o := <-l.observerCh:
			l.observe(o)
		case <-l.stopCh:
			return
		}
	}
}

func (l *RaftLayer) observe(o raft.Observation) {
	switch data := o.Data.(type) {
	case raft.LeaderObservation:
		metrics.RaftLeader.Set(metrics.BoolGauge(data.LeaderID == raft.ServerID(l.nodeID)))
		l.logger.Info().Str("leader", string(data.LeaderID)).Msg("raft leader changed")

	case raft.PeerObservation:
		if data.Removed {
			l.emit(MembershipEvent{Type: MemberLeft, Member: string(data.Peer.ID)})
		} else {
			l.emit(MembershipEvent{Type: MemberJoined, Member: string(data.Peer.ID)})
		}

	case raft.FailedHeartbeatObservation:
		l.mu.Lock()
		already := l.failed[data.PeerID]
		l.failed[data.PeerID] = true
		l.mu.Unlock()
		if !already {
			l.logger.Warn().
				Str("peer", string(data.PeerID)).
				Time("last_contact", data.LastContact).
				Msg("peer stopped answering heartbeats")
			l.emit(MembershipEvent{Type: MemberLeft, Member: string(data.PeerID)})
		}

	case raft.ResumedHeartbeatObservation:
		l.mu.Lock()
		was := l.failed[data.PeerID]
		delete(l.failed, data.PeerID)
		l.mu.Unlock()
		if was {
			l.logger.Info().Str("peer", string(data.PeerID)).Msg("peer resumed heartbeats")
			l.emit(MembershipEvent{Type: MemberJoined, Member: string(data.PeerID)})
		}
	}
}

func (l *RaftLayer) emit(ev MembershipEvent) {
	l.mu.RLock()
	fns := slices.Clone(l.watchers)
	l.mu.RUnlock()
	for _, fn := range fns {
		go fn(ev)
	}
}

// Members returns the members this node can currently vouch for. A leader
// counts itself and every peer answering heartbeats. A follower in recent
// contact with a leader counts the whole configuration. Otherwise the node
// only sees itself.
func (l *RaftLayer) Members() ([]string, error) {
	l.mu.RLock()
	left := l.left
	l.mu.RUnlock()
	if left {
		return nil, ErrNotMember
	}

	future := l.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	servers := future.Configuration().Servers

	switch l.raft.State() {
	case raft.Leader:
		l.mu.RLock()
		defer l.mu.RUnlock()
		var out []string
		for _, s := range servers {
			if s.ID == raft.ServerID(l.nodeID) || !l.failed[s.ID] {
				out = append(out, string(s.ID))
			}
		}
		return out, nil

	case raft.Follower:
		if time.Since(l.raft.LastContact()) <= 2*l.heartbeatTimeout {
			out := make([]string, 0, len(servers))
			for _, s := range servers {
				out = append(out, string(s.ID))
			}
			return out, nil
		}
	}
	return []string{l.nodeID}, nil
}

func (l *RaftLayer) LocalMember() string {
	return l.nodeID
}

// Leave shuts the raft node down. The node stops voting and serving until
// the process restarts.
func (l *RaftLayer) Leave() error {
	l.mu.Lock()
	if l.left {
		l.mu.Unlock()
		return nil
	}
	l.left = true
	l.mu.Unlock()

	metrics.RaftLeader.Set(0)
	if err := l.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("failed to shut down raft: %w", err)
	}
	return nil
}

// Publish commits payload to the raft log. A follower hands the command to
// the leader.
func (l *RaftLayer) Publish(topic string, payload []byte) error {
	_, err := l.submit(Command{Op: opPublish, Topic: topic, Data: payload})
	return err
}

// Replicate commits cmd for the replica of topic and waits until this node
// has applied it
func (l *RaftLayer) Replicate(topic string, cmd []byte) error {
	index, err := l.submit(Command{Op: opReplicate, Topic: topic, Data: cmd})
	if index > 0 {
		if waitErr := l.waitApplied(index, applyTimeout); waitErr != nil {
			return errors.Join(err, waitErr)
		}
	}
	return err
}

// submit commits cmd through the leader, retrying while there is none, and
// returns the log index it was committed at
func (l *RaftLayer) submit(cmd Command) (uint64, error) {
	l.mu.RLock()
	left := l.left
	l.mu.RUnlock()
	if left {
		return 0, ErrNotMember
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = applyTimeout

	var index uint64
	err := backoff.Retry(func() error {
		var err error
		if l.raft.State() == raft.Leader {
			index, err = l.apply(cmd)
		} else {
			index, err = l.forward(cmd)
		}
		if err != nil && !errors.Is(err, ErrNoLeader) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	return index, err
}

// apply commits cmd on the leader. The error of the state machine is
// returned together with the index the entry was committed at.
func (l *RaftLayer) apply(cmd Command) (uint64, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal command: %w", err)
	}

	future := l.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return 0, fmt.Errorf("%w: %v", ErrNoLeader, err)
		}
		return 0, fmt.Errorf("failed to apply command: %w", err)
	}
	if resp, ok := future.Response().(error); ok && resp != nil {
		return future.Index(), resp
	}
	return future.Index(), nil
}

// forwardResponse answers a forwarded command
type forwardResponse struct {
	Index     uint64 `json:"index"`
	Error     string `json:"error,omitempty"`
	NotLeader bool   `json:"notLeader,omitempty"`
}

// forward sends cmd to the current leader
func (l *RaftLayer) forward(cmd Command) (uint64, error) {
	addr, id := l.raft.LeaderWithID()
	if addr == "" || id == raft.ServerID(l.nodeID) {
		return 0, ErrNoLeader
	}

	conn, err := dialKind(string(addr), connForward, forwardTimeout)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to reach leader %s: %v", ErrNoLeader, id, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(forwardTimeout + applyTimeout))

	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return 0, fmt.Errorf("%w: failed to send command to leader %s: %v", ErrNoLeader, id, err)
	}
	var resp forwardResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return 0, fmt.Errorf("%w: no answer from leader %s: %v", ErrNoLeader, id, err)
	}

	switch {
	case resp.NotLeader:
		return 0, fmt.Errorf("%w: %s", ErrNoLeader, resp.Error)
	case resp.Error != "":
		return resp.Index, errors.New(resp.Error)
	}
	return resp.Index, nil
}

// serveForward applies one command forwarded by a follower
func (l *RaftLayer) serveForward(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(forwardTimeout + applyTimeout))

	var cmd Command
	if err := json.NewDecoder(conn).Decode(&cmd); err != nil {
		l.logger.Debug().Err(err).Msg("failed to decode forwarded command")
		return
	}

	var resp forwardResponse
	var err error
	select {
	case <-l.ready:
		if l.raft.State() == raft.Leader {
			resp.Index, err = l.apply(cmd)
		} else {
			err = ErrNoLeader
		}
	default:
		err = ErrNoLeader
	}
	if err != nil {
		resp.Error = err.Error()
		resp.NotLeader = errors.Is(err, ErrNoLeader)
	}
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		l.logger.Debug().Err(err).Msg("failed to answer forwarded command")
	}
}

// waitApplied blocks until the local state machine reached index
func (l *RaftLayer) waitApplied(index uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for l.raft.AppliedIndex() < index {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for entry %d to apply", index)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func (l *RaftLayer) Subscribe(topic string, fn func([]byte)) {
	l.fsm.subscribe(topic, fn)
}

func (l *RaftLayer) OnMembershipChange(fn func(MembershipEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchers = append(l.watchers, fn)
}

// IsLeader reports whether this node leads the raft group
func (l *RaftLayer) IsLeader() bool {
	return l.raft.State() == raft.Leader
}

// Close leaves the cluster and releases the transport and stores
func (l *RaftLayer) Close() error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		if l.observer != nil {
			l.raft.DeregisterObserver(l.observer)
		}
	})
	err := l.Leave()
	l.closeStores()
	return err
}

func (l *RaftLayer) closeStores() {
	if err := l.transport.Close(); err != nil {
		l.logger.Debug().Err(err).Msg("failed to close transport")
	}
	if err := l.logStore.Close(); err != nil {
		l.logger.Debug().Err(err).Msg("failed to close log store")
	}
	if err := l.stableStore.Close(); err != nil {
		l.logger.Debug().Err(err).Msg("failed to close stable store")
	}
}
