package eventbus

import (
	"testing"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TopicPollDispatched, Data: "p1"})

	for _, ch := range []<-chan Event{a, c} {
		ev := <-ch
		if ev.Type != TopicPollDispatched || ev.Data != "p1" || ev.Time.IsZero() {
			t.Fatalf("unexpected event: %+v", ev)
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // buffer full: dropped
	if got := Dropped(b); got != 1 {
		t.Fatalf("dropped: got %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}
