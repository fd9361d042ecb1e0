package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/hashicorp/raft"
)

const (
	opPublish   = "publish"
	opReplicate = "replicate"
)

// Command is one entry of the raft log
type Command struct {
	Op    string          `json:"op"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// topicFSM applies published messages in log order. It keeps the latest
// payload of each topic so a restarted or lagging node replays the current
// configuration from a snapshot. Replicated topics are applied to their
// Replica synchronously and snapshot as the replica's full state.
type topicFSM struct {
	mu       sync.RWMutex
	latest   map[string][]byte
	subs     map[string][]func([]byte)
	replicas map[string]Replica
}

func newTopicFSM(replicas map[string]Replica) *topicFSM {
	f := &topicFSM{
		latest:   make(map[string][]byte),
		subs:     make(map[string][]func([]byte)),
		replicas: maps.Clone(replicas),
	}
	if f.replicas == nil {
		f.replicas = make(map[string]Replica)
	}
	return f
}

func (f *topicFSM) subscribe(topic string, fn func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = append(f.subs[topic], fn)
}

// Apply is called by raft once an entry is committed
func (f *topicFSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	switch cmd.Op {
	case opPublish:
		f.mu.Lock()
		f.latest[cmd.Topic] = slices.Clone(cmd.Data)
		fns := slices.Clone(f.subs[cmd.Topic])
		f.mu.Unlock()

		f.deliver(fns, cmd.Data)
		return nil
	case opReplicate:
		f.mu.RLock()
		r, ok := f.replicas[cmd.Topic]
		f.mu.RUnlock()
		if !ok {
			return fmt.Errorf("no replica for topic %s", cmd.Topic)
		}
		if err := r.Apply(cmd.Data); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// deliver runs subscribers off the raft goroutine so they may call back
// into the layer
func (f *topicFSM) deliver(fns []func([]byte), data []byte) {
	for _, fn := range fns {
		go fn(slices.Clone(data))
	}
}

func (f *topicFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := &topicSnapshot{Latest: maps.Clone(f.latest)}
	for topic, r := range f.replicas {
		state, err := r.Dump()
		if err != nil {
			return nil, fmt.Errorf("failed to dump replica %s: %w", topic, err)
		}
		if snap.Replicas == nil {
			snap.Replicas = make(map[string][]byte)
		}
		snap.Replicas[topic] = state
	}
	return snap, nil
}

// Restore replaces the state with a snapshot, loads every replica and
// replays every topic's latest payload to subscribers
func (f *topicFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot topicSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snapshot.Latest == nil {
		snapshot.Latest = make(map[string][]byte)
	}

	f.mu.RLock()
	replicas := maps.Clone(f.replicas)
	f.mu.RUnlock()
	for topic, state := range snapshot.Replicas {
		r, ok := replicas[topic]
		if !ok {
			continue
		}
		if err := r.Load(state); err != nil {
			return fmt.Errorf("failed to load replica %s: %w", topic, err)
		}
	}

	f.mu.Lock()
	f.latest = snapshot.Latest
	replay := make(map[string][]func([]byte), len(snapshot.Latest))
	for topic := range snapshot.Latest {
		replay[topic] = slices.Clone(f.subs[topic])
	}
	f.mu.Unlock()

	for topic, fns := range replay {
		f.deliver(fns, snapshot.Latest[topic])
	}
	return nil
}

func (f *topicFSM) lastPayload(topic string) ([]byte, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, ok := f.latest[topic]
	return data, ok
}

// topicSnapshot is a point-in-time copy of the latest payload per topic and
// of every replica
type topicSnapshot struct {
	Latest   map[string][]byte
	Replicas map[string][]byte `json:",omitempty"`
}

func (s *topicSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *topicSnapshot) Release() {}
