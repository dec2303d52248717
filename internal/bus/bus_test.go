package bus

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func drain(sub *Subscription) int {
	n := 0
	for {
		select {
		case <-sub.Ch():
			n++
		default:
			return n
		}
	}
}

func TestBus_RoutesByPrefix(t *testing.T) {
	b := New()
	pendingSub := b.Subscribe("relay.pending.")
	taskSub := b.Subscribe("relay.task.")
	all := b.Subscribe("")
	defer b.Unsubscribe(pendingSub)
	defer b.Unsubscribe(taskSub)
	defer b.Unsubscribe(all)

	b.Publish(TopicPendingTimeout, PendingEvent{TaskID: "t1", TenantID: "acme", Code: "AGENT_TIMEOUT"})
	b.Publish(TopicTaskAcked, TaskEvent{TenantID: "acme", TaskIDs: []string{"t1"}})
	b.Publish(TopicConnectionOpened, ConnectionEvent{ConnID: "c1", TenantID: "acme", Role: "agent"})

	ev := recv(t, pendingSub)
	if p, ok := ev.Payload.(PendingEvent); !ok || ev.Topic != TopicPendingTimeout || p.TaskID != "t1" {
		t.Fatalf("pending subscriber got %+v", ev)
	}
	ev = recv(t, taskSub)
	if p, ok := ev.Payload.(TaskEvent); !ok || len(p.TaskIDs) != 1 {
		t.Fatalf("task subscriber got %+v", ev)
	}
	if n := drain(pendingSub) + drain(taskSub); n != 0 {
		t.Fatalf("prefix subscribers got %d extra events", n)
	}
	if n := drain(all); n != 3 {
		t.Fatalf("catch-all got %d events, want 3", n)
	}
}

func TestBus_SlowSubscriberDropsAndCounts(t *testing.T) {
	b := New()
	sub := b.Subscribe("relay.")
	defer b.Unsubscribe(sub)

	const extra = 10
	for i := 0; i < defaultBufferSize+extra; i++ {
		b.Publish(TopicTaskDispatched, TaskEvent{TenantID: "acme"})
	}

	if got := drain(sub); got != defaultBufferSize {
		t.Fatalf("received %d events, want %d", got, defaultBufferSize)
	}
	if got := sub.Dropped(); got != extra {
		t.Fatalf("dropped = %d, want %d", got, extra)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("relay.")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(TopicConnectionClosed, ConnectionEvent{ConnID: "c1"})
}

func TestBus_ConcurrentPublishers(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const publishers = 8
	const each = 6
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				b.Publish(TopicPendingRegistered, PendingEvent{TenantID: "acme"})
			}
		}()
	}
	wg.Wait()

	if got := drain(sub); got != publishers*each {
		t.Fatalf("received %d events, want %d", got, publishers*each)
	}
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicConnectionOpened, ConnectionEvent{ConnID: "c1"})
}
