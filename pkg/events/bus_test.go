package events

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(SubscribeOptions{}, TopicLogEvent)
	defer sub.Close()

	bus.Publish(TopicLogEvent, "hello")

	e := recv(t, sub)
	if e.Topic != TopicLogEvent {
		t.Errorf("topic = %q, want %q", e.Topic, TopicLogEvent)
	}
	if e.Payload != "hello" {
		t.Errorf("payload = %v, want hello", e.Payload)
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestTopicFiltering(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	statusOnly := bus.Subscribe(SubscribeOptions{}, TopicStatus)
	defer statusOnly.Close()

	bus.Publish(TopicLogEvent, "ignored")
	bus.Publish(TopicStatus, "started")

	e := recv(t, statusOnly)
	if e.Payload != "started" {
		t.Errorf("payload = %v, want started (log event should be filtered)", e.Payload)
	}

	select {
	case e := <-statusOnly.Events():
		t.Errorf("unexpected extra event: %v", e)
	default:
	}
}

func TestSubscribeAllTopics(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.Subscribe(SubscribeOptions{})
	defer all.Close()

	bus.Publish(TopicCache, 1)
	bus.Publish(TopicDenylist, 2)
	bus.Publish(TopicAllowlist, 3)

	for want := 1; want <= 3; want++ {
		e := recv(t, all)
		if e.Payload != want {
			t.Errorf("payload = %v, want %d", e.Payload, want)
		}
	}
}

func TestPerTopicOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(SubscribeOptions{BufferSize: 128}, TopicLogEvent)
	defer sub.Close()

	for i := 0; i < 100; i++ {
		bus.Publish(TopicLogEvent, i)
	}
	for i := 0; i < 100; i++ {
		e := recv(t, sub)
		if e.Payload != i {
			t.Fatalf("out of order: got %v, want %d", e.Payload, i)
		}
	}
}

func TestDropNewest(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(SubscribeOptions{BufferSize: 2, Policy: DropNewest}, TopicLogEvent)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(TopicLogEvent, i)
	}

	// The two oldest events survive
	if e := recv(t, sub); e.Payload != 0 {
		t.Errorf("first = %v, want 0", e.Payload)
	}
	if e := recv(t, sub); e.Payload != 1 {
		t.Errorf("second = %v, want 1", e.Payload)
	}
	select {
	case e := <-sub.Events():
		t.Errorf("unexpected event after overflow: %v", e)
	default:
	}
}

func TestDropOldest(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(SubscribeOptions{BufferSize: 2, Policy: DropOldest}, TopicLogEvent)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(TopicLogEvent, i)
	}

	// The two newest events survive
	if e := recv(t, sub); e.Payload != 3 {
		t.Errorf("first = %v, want 3", e.Payload)
	}
	if e := recv(t, sub); e.Payload != 4 {
		t.Errorf("second = %v, want 4", e.Payload)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	// Subscriber that never reads
	sub := bus.Subscribe(SubscribeOptions{BufferSize: 1}, TopicLogEvent)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			bus.Publish(TopicLogEvent, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(SubscribeOptions{}, TopicStatus)
	if bus.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", bus.SubscriberCount())
	}

	sub.Close()
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() after Close = %d, want 0", bus.SubscriberCount())
	}

	// Publishing after unsubscribe must not panic
	bus.Publish(TopicStatus, "stopped")

	// Closed channel yields zero values
	if _, ok := <-sub.Events(); ok {
		t.Error("subscription channel still open after Close")
	}
}

func TestConcurrentPublishers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(SubscribeOptions{BufferSize: 4096}, TopicLogEvent)
	defer sub.Close()

	var wg sync.WaitGroup
	const publishers = 8
	const perPublisher = 100
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				bus.Publish(TopicLogEvent, fmt.Sprintf("%d-%d", p, i))
			}
		}(p)
	}
	wg.Wait()

	count := 0
	for {
		select {
		case <-sub.Events():
			count++
		default:
			if count != publishers*perPublisher {
				t.Errorf("received %d events, want %d", count, publishers*perPublisher)
			}
			return
		}
	}
}
