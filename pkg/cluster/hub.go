package cluster

import (
	"fmt"
	"slices"
	"sync"
)

// Hub is an in-process cluster. Every node joins it through a LocalLayer.
// It backs standalone deployments and simulates partitions in tests.
type Hub struct {
	mu         sync.Mutex
	members    []string
	partitions map[string]int
	subs       map[string]map[string][]func([]byte)
	watchers   map[string][]func(MembershipEvent)
	mailboxes  map[string]*mailbox
	replicas   map[string]map[string]Replica

	// replMu orders replicated commands across members
	replMu sync.Mutex
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		partitions: make(map[string]int),
		subs:       make(map[string]map[string][]func([]byte)),
		watchers:   make(map[string][]func(MembershipEvent)),
		mailboxes:  make(map[string]*mailbox),
		replicas:   make(map[string]map[string]Replica),
	}
}

// Join adds a member and returns its layer. Members that can see the new
// member are told it joined.
func (h *Hub) Join(name string) *LocalLayer {
	h.mu.Lock()
	if !slices.Contains(h.members, name) {
		h.members = append(h.members, name)
		h.partitions[name] = 0
		h.subs[name] = make(map[string][]func([]byte))
		h.mailboxes[name] = newMailbox()
		h.replicas[name] = make(map[string]Replica)
		h.notifyLocked(name, MemberJoined)
	}
	h.mu.Unlock()
	return &LocalLayer{hub: h, name: name}
}

// Partition splits members into groups that cannot see each other. Members
// not listed keep partition 0.
func (h *Hub) Partition(groups ...[]string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	before := h.visibilityLocked()
	for i, group := range groups {
		for _, m := range group {
			if _, ok := h.partitions[m]; ok {
				h.partitions[m] = i + 1
			}
		}
	}
	h.diffLocked(before)
}

// Heal rejoins all partitions
func (h *Hub) Heal() {
	h.mu.Lock()
	defer h.mu.Unlock()

	before := h.visibilityLocked()
	for m := range h.partitions {
		h.partitions[m] = 0
	}
	h.diffLocked(before)
}

func (h *Hub) remove(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !slices.Contains(h.members, name) {
		return
	}
	h.notifyLocked(name, MemberLeft)
	h.members = slices.DeleteFunc(h.members, func(m string) bool { return m == name })
	delete(h.partitions, name)
	delete(h.subs, name)
	delete(h.watchers, name)
	delete(h.replicas, name)
	h.mailboxes[name].close()
	delete(h.mailboxes, name)
}

func (h *Hub) visibleLocked(from string) []string {
	p := h.partitions[from]
	var out []string
	for _, m := range h.members {
		if h.partitions[m] == p {
			out = append(out, m)
		}
	}
	return out
}

func (h *Hub) visibilityLocked() map[string][]string {
	v := make(map[string][]string, len(h.members))
	for _, m := range h.members {
		v[m] = h.visibleLocked(m)
	}
	return v
}

// diffLocked tells every watcher which members appeared or disappeared
func (h *Hub) diffLocked(before map[string][]string) {
	for _, m := range h.members {
		now := h.visibleLocked(m)
		for _, other := range before[m] {
			if !slices.Contains(now, other) {
				h.emitLocked(m, MembershipEvent{Type: MemberLeft, Member: other})
			}
		}
		for _, other := range now {
			if !slices.Contains(before[m], other) {
				h.emitLocked(m, MembershipEvent{Type: MemberJoined, Member: other})
			}
		}
	}
}

// notifyLocked tells every member that can see subject about its change
func (h *Hub) notifyLocked(subject string, t MembershipEventType) {
	for _, m := range h.visibleLocked(subject) {
		if m != subject {
			h.emitLocked(m, MembershipEvent{Type: t, Member: subject})
		}
	}
}

func (h *Hub) emitLocked(to string, ev MembershipEvent) {
	for _, fn := range h.watchers[to] {
		h.mailboxes[to].post(func() { fn(ev) })
	}
}

// mailbox runs a member's callbacks one at a time in posting order
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

func (m *mailbox) post(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.queue = append(m.queue, fn)
	m.cond.Signal()
}

// close drops pending callbacks
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.queue = nil
	m.cond.Signal()
}

func (m *mailbox) run() {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		fn()
	}
}

// LocalLayer is one member's view of a Hub
type LocalLayer struct {
	hub  *Hub
	name string
}

var (
	_ Layer      = (*LocalLayer)(nil)
	_ Replicator = (*LocalLayer)(nil)
)

func (l *LocalLayer) Members() ([]string, error) {
	l.hub.mu.Lock()
	defer l.hub.mu.Unlock()

	if !slices.Contains(l.hub.members, l.name) {
		return nil, ErrNotMember
	}
	return l.hub.visibleLocked(l.name), nil
}

func (l *LocalLayer) LocalMember() string {
	return l.name
}

func (l *LocalLayer) Leave() error {
	l.hub.remove(l.name)
	return nil
}

// Publish delivers payload to subscribers of topic on every member in the
// same partition, including this one
func (l *LocalLayer) Publish(topic string, payload []byte) error {
	l.hub.mu.Lock()
	defer l.hub.mu.Unlock()

	if !slices.Contains(l.hub.members, l.name) {
		return ErrNotMember
	}
	for _, m := range l.hub.visibleLocked(l.name) {
		for _, fn := range l.hub.subs[m][topic] {
			data := slices.Clone(payload)
			l.hub.mailboxes[m].post(func() { fn(data) })
		}
	}
	return nil
}

func (l *LocalLayer) Subscribe(topic string, fn func([]byte)) {
	l.hub.mu.Lock()
	defer l.hub.mu.Unlock()

	if subs, ok := l.hub.subs[l.name]; ok {
		subs[topic] = append(subs[topic], fn)
	}
}

func (l *LocalLayer) OnMembershipChange(fn func(MembershipEvent)) {
	l.hub.mu.Lock()
	defer l.hub.mu.Unlock()
	l.hub.watchers[l.name] = append(l.hub.watchers[l.name], fn)
}

// OnReplicate registers this member's replica of topic
func (l *LocalLayer) OnReplicate(topic string, r Replica) {
	l.hub.mu.Lock()
	defer l.hub.mu.Unlock()

	if replicas, ok := l.hub.replicas[l.name]; ok {
		replicas[topic] = r
	}
}

// Replicate applies cmd to the replica of topic on every member in the same
// partition, one command at a time. Members in other partitions miss it.
// The error of this member's replica is returned.
func (l *LocalLayer) Replicate(topic string, cmd []byte) error {
	l.hub.replMu.Lock()
	defer l.hub.replMu.Unlock()

	l.hub.mu.Lock()
	if !slices.Contains(l.hub.members, l.name) {
		l.hub.mu.Unlock()
		return ErrNotMember
	}
	local := l.hub.replicas[l.name][topic]
	var remote []Replica
	for _, m := range l.hub.visibleLocked(l.name) {
		if r, ok := l.hub.replicas[m][topic]; ok && m != l.name {
			remote = append(remote, r)
		}
	}
	l.hub.mu.Unlock()

	if local == nil {
		return fmt.Errorf("no replica for topic %s", topic)
	}
	if err := local.Apply(slices.Clone(cmd)); err != nil {
		return err
	}
	for _, r := range remote {
		_ = r.Apply(slices.Clone(cmd))
	}
	return nil
}
