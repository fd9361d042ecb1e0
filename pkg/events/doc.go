/*
Package events provides an in-memory event broker for Mangle's engine events.

Task, schedule and cluster components publish lifecycle events (task created,
trigger completed, schedule paused, quorum changed, member left) without
knowing who consumes them. Consumers such as the metrics collector or an
audit log subscribe and receive every event on a buffered channel.

# Delivery

	Publish ──▶ broker queue (256) ──▶ broadcast loop ──▶ subscriber (64 each)

Publish never blocks. If the broker queue or a subscriber buffer is full the
delivery is dropped and counted; Dropped reports the total. Events are a
notification channel, not a source of truth: the task and schedule stores hold
the authoritative state.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(events.New(events.EventTaskCreated, "fault injected", "task_id", id))

	for ev := range sub {
		fmt.Println(ev.Type, ev.Metadata["task_id"])
	}
*/
package events
