package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	d := New(4)
	defer d.Close()

	sub := d.Subscribe()
	defer sub.Close()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		d.Publish(ctx, Event{AccountID: "a", Kind: KindNewMail, Count: i})
		// Drain as we go so the bounded buffer never blocks the publisher.
		ev := <-sub.Events()
		if ev.Count != i {
			t.Fatalf("event %d delivered out of order: got %d", i, ev.Count)
		}
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	d := New(8)
	defer d.Close()

	s1 := d.Subscribe()
	s2 := d.Subscribe()
	defer s1.Close()
	defer s2.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		d.Publish(ctx, Event{Kind: KindNewMail, Count: i})
	}

	for _, sub := range []*Subscription{s1, s2} {
		for i := 0; i < 5; i++ {
			select {
			case ev := <-sub.Events():
				if ev.Count != i {
					t.Fatalf("expected count %d, got %d", i, ev.Count)
				}
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for event")
			}
		}
	}
}

func TestSlowSubscriberBlocksPublisher(t *testing.T) {
	d := New(1)
	defer d.Close()

	sub := d.Subscribe()
	defer sub.Close()

	ctx := context.Background()
	d.Publish(ctx, Event{Count: 0}) // fills the buffer

	published := make(chan struct{})
	go func() {
		d.Publish(ctx, Event{Count: 1})
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("publish should block while the buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	if ev := <-sub.Events(); ev.Count != 0 {
		t.Fatalf("expected count 0, got %d", ev.Count)
	}
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish did not resume after drain")
	}
}

func TestSubscriptionCloseUnblocksPublisher(t *testing.T) {
	d := New(1)
	defer d.Close()

	sub := d.Subscribe()

	ctx := context.Background()
	d.Publish(ctx, Event{Count: 0})

	published := make(chan struct{})
	go func() {
		d.Publish(ctx, Event{Count: 1})
		close(published)
	}()

	time.Sleep(20 * time.Millisecond)
	sub.Close()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("closing the subscription did not unblock the publisher")
	}
}

func TestClosedSubscriberDoesNotAffectOthers(t *testing.T) {
	d := New(1)
	defer d.Close()

	slow := d.Subscribe()
	live := d.Subscribe()
	defer live.Close()

	slow.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		d.Publish(ctx, Event{Count: i})
		if ev := <-live.Events(); ev.Count != i {
			t.Fatalf("expected count %d, got %d", i, ev.Count)
		}
	}
}

func TestDispatcherCloseTerminatesRanges(t *testing.T) {
	d := New(4)
	sub := d.Subscribe()

	d.Publish(context.Background(), Event{Count: 42})
	d.Close()

	var got []int
	for ev := range sub.Events() {
		got = append(got, ev.Count)
	}
	if len(got) != 1 || got[0] != 42 {
		t.Fatalf("expected buffered event then close, got %v", got)
	}

	// Late subscribers see an already-closed stream.
	late := d.Subscribe()
	if _, ok := <-late.Events(); ok {
		t.Fatal("expected closed channel for late subscriber")
	}
}

func TestConcurrentPublishersDeliverEverything(t *testing.T) {
	d := New(64)
	defer d.Close()

	sub := d.Subscribe()
	defer sub.Close()

	const publishers = 8
	const perPublisher = 25

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				d.Publish(context.Background(), Event{
					AccountID: fmt.Sprintf("pub-%d", p),
					Count:     i,
				})
			}
		}(p)
	}

	perSource := make(map[string][]int)
	for i := 0; i < publishers*perPublisher; i++ {
		select {
		case ev := <-sub.Events():
			perSource[ev.AccountID] = append(perSource[ev.AccountID], ev.Count)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events", i)
		}
	}
	wg.Wait()

	// Interleaving across publishers is free, but each publisher's own
	// events must arrive in the order it published them.
	for src, counts := range perSource {
		if len(counts) != perPublisher {
			t.Fatalf("%s: expected %d events, got %d", src, perPublisher, len(counts))
		}
		for i, c := range counts {
			if c != i {
				t.Fatalf("%s: event %d out of order: got %d", src, i, c)
			}
		}
	}
}
