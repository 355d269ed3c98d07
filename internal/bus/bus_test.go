package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PrefixDelivery(t *testing.T) {
	b := New()
	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskStateChanged, TaskStateChangedEvent{TaskID: "t1", From: "IDLE", To: "PARSING_INTENT"})
	b.Publish(TopicBreakerChanged, BreakerChangedEvent{Name: "reasoning"})

	select {
	case ev := <-taskSub.Ch():
		payload, ok := ev.Payload.(TaskStateChangedEvent)
		if !ok || payload.TaskID != "t1" {
			t.Fatalf("unexpected payload %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}
	select {
	case ev := <-taskSub.Ch():
		t.Fatalf("unexpected event on task subscription: %v", ev.Topic)
	case <-time.After(20 * time.Millisecond):
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d on wildcard subscription", i)
		}
	}
}

func TestBus_FullBufferDropsAndCounts(t *testing.T) {
	b := New()
	sub := b.Subscribe("audit.")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+7; i++ {
		b.Publish(TopicAuditRecorded, i)
	}
	if got := len(sub.ch); got != defaultBufferSize {
		t.Fatalf("buffered = %d, want %d", got, defaultBufferSize)
	}
	if got := b.Dropped(); got != 7 {
		t.Fatalf("dropped = %d, want 7", got)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("x")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_NilIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicNotifyAlert, AlertEvent{Text: "x"})
	b.Unsubscribe(nil)
	if b.Dropped() != 0 {
		t.Fatal("expected zero drops on nil bus")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				b.Publish(TopicDLQParked, DLQEvent{EntryID: "e"})
			}
		}(i)
	}
	wg.Wait()
	if got := len(sub.ch); got != 50 {
		t.Fatalf("received %d events, want 50", got)
	}
}
