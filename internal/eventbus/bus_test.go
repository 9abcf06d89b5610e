package eventbus

import "testing"

func TestSubscribeFiltersTypes(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	sent, unsubSent := b.Subscribe(4, DeliverySent)
	defer unsubSent()

	b.Publish(Event{Type: DeliverySent, Data: DeliveryEvent{Key: "k1"}})
	b.Publish(Event{Type: DeliveryFailed, Data: DeliveryEvent{Key: "k2"}})

	if len(all) != 2 {
		t.Fatalf("all subscriber got %d events", len(all))
	}
	if len(sent) != 1 {
		t.Fatalf("filtered subscriber got %d events", len(sent))
	}
	e := <-sent
	if e.Time.IsZero() || e.Data.(DeliveryEvent).Key != "k1" {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: DeliveryQueued})
	}
	if got := b.Dropped(); got != 9 {
		t.Fatalf("dropped=%d want 9", got)
	}
	unsub()
	unsub()
	// Publishing after unsubscribe is a no-op.
	b.Publish(Event{Type: DeliveryQueued})
}
