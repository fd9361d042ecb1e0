package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDelivers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(New(EventTaskCreated, "created", "task_id", "t1"))

	select {
	case ev := <-sub:
		assert.Equal(t, EventTaskCreated, ev.Type)
		assert.Equal(t, "t1", ev.Metadata["task_id"])
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	// Broker loop never started, so the queue fills up
	b := NewBroker()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(New(EventTaskUpdated, "update"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked")
	}
	assert.Equal(t, uint64(1000-256), b.Dropped())
}

func TestPublishAfterStop(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()
	b.Stop()

	b.Publish(New(EventQuorumChanged, "quorum"))
	assert.Zero(t, b.Dropped())
}

func TestUnsubscribeTwice(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())
}
