package observe

import (
	"testing"
	"time"
)

func TestFeedPublishOrder(t *testing.T) {
	var f Feed[int]
	ch, cancel := f.Subscribe(8)
	defer cancel()

	for i := 0; i < 5; i++ {
		f.Publish(i)
	}
	for i := 0; i < 5; i++ {
		if got := <-ch; got != i {
			t.Fatalf("expected %d, got %d", i, got)
		}
	}
}

func TestFeedCancelClosesChannel(t *testing.T) {
	var f Feed[string]
	ch, cancel := f.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed")
	}
	if f.Len() != 0 {
		t.Fatalf("expected no subscribers")
	}
	f.Publish("ignored")
}

func TestFeedPublishUntilAborts(t *testing.T) {
	var f Feed[int]
	_, cancel := f.Subscribe(0)
	defer cancel()

	abort := make(chan struct{})
	result := make(chan bool, 1)
	go func() {
		result <- f.PublishUntil(1, abort)
	}()

	close(abort)
	select {
	case delivered := <-result:
		if delivered {
			t.Fatalf("expected undelivered")
		}
	case <-time.After(time.Second):
		t.Fatalf("publish did not abort")
	}
}

func TestFeedCancelUnblocksPublisher(t *testing.T) {
	var f Feed[int]
	_, cancel := f.Subscribe(0)

	done := make(chan struct{})
	go func() {
		f.Publish(1)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publisher still blocked")
	}
}

func TestFeedOfferDropsWhenFull(t *testing.T) {
	var f Feed[int]
	ch, cancel := f.Subscribe(1)
	defer cancel()

	f.Offer(1)
	f.Offer(2)
	if got := <-ch; got != 1 {
		t.Fatalf("expected first value, got %d", got)
	}
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %d", v)
	default:
	}
}

func TestFeedClose(t *testing.T) {
	var f Feed[int]
	ch, cancel := f.Subscribe(1)
	f.Close()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed")
	}
	late, _ := f.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatalf("expected closed channel after Close")
	}
}
