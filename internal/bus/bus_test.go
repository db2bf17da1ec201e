package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e := <-sub.Ch():
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	defer b.Close()
	sub := b.Subscribe("task.created")

	b.Publish("task.created", "hello")

	e := recv(t, sub)
	if e.Topic != "task.created" || e.Payload != "hello" {
		t.Fatalf("got %+v", e)
	}
	if e.Timestamp.IsZero() {
		t.Fatal("event missing timestamp")
	}
}

func TestBus_GlobMatchesSingleSegment(t *testing.T) {
	b := New()
	defer b.Close()
	sub := b.Subscribe("task.*")

	b.Publish("task.created", 1)
	b.Publish("agent.text", 2)
	b.Publish("task.created.deep", 3) // two segments after task; must not match
	b.Publish("task.failed", 4)

	if e := recv(t, sub); e.Payload != 1 {
		t.Fatalf("want 1, got %v", e.Payload)
	}
	if e := recv(t, sub); e.Payload != 4 {
		t.Fatalf("want 4, got %v", e.Payload)
	}
}

func TestBus_BareStarMatchesAll(t *testing.T) {
	b := New()
	defer b.Close()
	sub := b.Subscribe("*")

	b.Publish("task.created", 1)
	b.Publish("a.b.c.d", 2)

	if e := recv(t, sub); e.Payload != 1 {
		t.Fatalf("got %v", e.Payload)
	}
	if e := recv(t, sub); e.Payload != 2 {
		t.Fatalf("got %v", e.Payload)
	}
}

func TestBus_SyncSubscriberRunsInline(t *testing.T) {
	b := New()
	defer b.Close()
	var got []string
	b.SubscribeSync("task.*", func(e Event) {
		got = append(got, e.Topic)
	})
	b.Publish("task.created", nil)
	b.Publish("task.claimed", nil)
	if len(got) != 2 || got[0] != "task.created" || got[1] != "task.claimed" {
		t.Fatalf("sync handler saw %v", got)
	}
}

func TestBus_PerPublisherOrdering(t *testing.T) {
	b := New()
	defer b.Close()
	sub := b.Subscribe("seq.*")

	const n = 200
	go func() {
		for i := 0; i < n; i++ {
			b.Publish("seq.tick", i)
		}
	}()

	for i := 0; i < n; i++ {
		e := recv(t, sub)
		if e.Payload != i {
			t.Fatalf("out of order: got %v at position %d", e.Payload, i)
		}
	}
}

func TestBus_OverflowDropsOldestAndEmitsEvent(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var overflows int
	b.SubscribeFunc(TopicOverflow, func(e Event) {
		mu.Lock()
		overflows++
		mu.Unlock()
	})

	// Channel sub with no reader: queue absorbs subscriberQueueSize events,
	// further publishes drop the oldest.
	sub := b.Subscribe("flood.*")
	for i := 0; i < subscriberQueueSize+10; i++ {
		b.Publish("flood.x", i)
	}

	// The pump may have pulled a few events off the queue before it blocked
	// on the unread channel, so allow a small tolerance.
	if d := sub.Dropped(); d == 0 || d > 20 {
		t.Fatalf("dropped = %d, want a small positive count", d)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := overflows
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no overflow event observed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Drop-oldest, not drop-newest: the first event received is not the
	// newest one published.
	e := recv(t, sub)
	if e.Payload == subscriberQueueSize+9 {
		t.Fatalf("newest event delivered first; drop-oldest violated")
	}
}

func TestBus_HistoryReplay(t *testing.T) {
	b := New()
	defer b.Close()

	b.Publish("task.created", "early")
	b.Publish("agent.text", "noise")

	sub := b.Subscribe("task.*", WithReplay())
	if e := recv(t, sub); e.Payload != "early" {
		t.Fatalf("replay missing: got %v", e.Payload)
	}

	b.Publish("task.created", "live")
	if e := recv(t, sub); e.Payload != "live" {
		t.Fatalf("live after replay: got %v", e.Payload)
	}
}

func TestBus_NoReplayByDefault(t *testing.T) {
	b := New()
	defer b.Close()
	b.Publish("task.created", "early")

	sub := b.Subscribe("task.*")
	b.Publish("task.created", "live")
	if e := recv(t, sub); e.Payload != "live" {
		t.Fatalf("default subscription replayed history: got %v", e.Payload)
	}
}

func TestBus_HistoryQueryAndBound(t *testing.T) {
	b := New()
	defer b.Close()
	for i := 0; i < 5; i++ {
		b.Publish("h.t", i)
	}
	got := b.History("h.*", 3)
	if len(got) != 3 || got[0].Payload != 2 || got[2].Payload != 4 {
		t.Fatalf("History = %v", got)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()
	sub := b.Subscribe("x.*")
	b.Unsubscribe(sub)
	select {
	case _, ok := <-sub.Ch():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Unsubscribe")
	}
}

func TestBus_UnsubscribeWithStuckConsumer(t *testing.T) {
	b := New()
	defer b.Close()
	sub := b.Subscribe("x.*")
	// Fill the pump's in-flight send without ever reading.
	b.Publish("x.a", 1)
	b.Publish("x.a", 2)
	done := make(chan struct{})
	go func() {
		b.Unsubscribe(sub)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Unsubscribe deadlocked on stuck consumer")
	}
}

func TestBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New()
	defer b.Close()
	_ = b.Subscribe("y.*") // never read
	fast := b.Subscribe("y.*")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.Publish("y.z", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked by slow subscriber")
	}
	if e := recv(t, fast); e.Payload != 0 {
		t.Fatalf("fast subscriber got %v", e.Payload)
	}
}

func TestBus_ConcurrentPublishersAllDelivered(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	seen := map[string]bool{}
	sub := b.SubscribeFunc("c.*", func(e Event) {
		mu.Lock()
		seen[e.Payload.(string)] = true
		mu.Unlock()
	})
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				b.Publish("c.m", fmt.Sprintf("%d-%d", p, i))
			}
		}(p)
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 160 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered %d of 160", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
