package cluster

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []MembershipEvent
}

func (l *eventLog) add(ev MembershipEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []MembershipEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]MembershipEvent(nil), l.events...)
}

func TestHubMembership(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")

	var log eventLog
	a.OnMembershipChange(log.add)

	b := hub.Join("b")
	hub.Join("c")

	members, err := a.Members()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, members)

	hub.Partition([]string{"c"})
	members, err = a.Members()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)

	hub.Heal()
	require.NoError(t, b.Leave())
	members, err = a.Members()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, members)

	_, err = b.Members()
	assert.ErrorIs(t, err, ErrNotMember)
	assert.ErrorIs(t, b.Publish("topic", nil), ErrNotMember)

	want := []MembershipEvent{
		{Type: MemberJoined, Member: "b"},
		{Type: MemberJoined, Member: "c"},
		{Type: MemberLeft, Member: "c"},
		{Type: MemberJoined, Member: "c"},
		{Type: MemberLeft, Member: "b"},
	}
	require.Eventually(t, func() bool {
		return len(log.snapshot()) == len(want)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, log.snapshot())
}

func TestHubPublishRespectsPartitions(t *testing.T) {
	hub := NewHub()
	layers := map[string]*LocalLayer{
		"a": hub.Join("a"),
		"b": hub.Join("b"),
		"c": hub.Join("c"),
	}

	var mu sync.Mutex
	got := map[string][]string{}
	for name, l := range layers {
		l.Subscribe("sync", func(p []byte) {
			mu.Lock()
			defer mu.Unlock()
			got[name] = append(got[name], string(p))
		})
	}

	hub.Partition([]string{"c"})
	require.NoError(t, layers["a"].Publish("sync", []byte("one")))
	require.NoError(t, layers["a"].Publish("sync", []byte("two")))
	require.NoError(t, layers["a"].Publish("other", []byte("ignored")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["a"]) == 2 && len(got["b"]) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two"}, got["b"])
	assert.Empty(t, got["c"])
}
