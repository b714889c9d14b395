package eventbus

import (
	"encoding/json"
	"testing"
	"time"
)

func waitForMessage(t *testing.T, ch <-chan []byte, timeout time.Duration) []byte {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before message arrived")
		}
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestSubscribe_ReceivesOnlyMatchingTopic(t *testing.T) {
	b := New()
	b.Run()
	defer b.Stop()

	subA := b.Subscribe(CollectionTopic("vault_a"))
	subB := b.Subscribe(CollectionTopic("vault_b"))
	defer b.Unsubscribe(subA)
	defer b.Unsubscribe(subB)

	b.PublishCollectionEvent("vault_a", "progress_update", map[string]int{"percent": 50})

	msg := waitForMessage(t, subA.Send, time.Second)
	var event Event
	if err := json.Unmarshal(msg, &event); err != nil {
		t.Fatal(err)
	}
	if event.Collection != "vault_a" || event.Type != "progress_update" {
		t.Fatalf("unexpected event: %+v", event)
	}

	select {
	case <-subB.Send:
		t.Fatal("subscriber on a different topic should not receive this event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGlobalSubscriber_ReceivesEveryTopic(t *testing.T) {
	b := New()
	b.Run()
	defer b.Stop()

	global := b.Subscribe(GlobalTopic())
	defer b.Unsubscribe(global)

	b.PublishCollectionEvent("vault_a", "status_change", nil)
	b.PublishJobEvent("job-1", "completed", nil)

	first := waitForMessage(t, global.Send, time.Second)
	second := waitForMessage(t, global.Send, time.Second)

	var e1, e2 Event
	json.Unmarshal(first, &e1)
	json.Unmarshal(second, &e2)
	if e1.Collection != "vault_a" || e2.JobID != "job-1" {
		t.Fatalf("expected global feed to see both events, got %+v and %+v", e1, e2)
	}
}

func TestUnsubscribe_StopsDeliveryAndClosesChannel(t *testing.T) {
	b := New()
	b.Run()
	defer b.Stop()

	sub := b.Subscribe(CollectionTopic("vault_a"))
	b.Unsubscribe(sub)

	b.PublishCollectionEvent("vault_a", "progress_update", nil)

	if _, ok := <-sub.Send; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
	if b.SubscriberCount(CollectionTopic("vault_a")) != 0 {
		t.Fatal("expected subscriber count to drop to zero")
	}
}

func TestSlowSubscriber_IsDisconnectedNotBlocked(t *testing.T) {
	b := New()
	b.Run()
	defer b.Stop()

	sub := b.Subscribe(CollectionTopic("vault_a"))

	for i := 0; i < subscriberBufSize+10; i++ {
		b.PublishCollectionEvent("vault_a", "progress_update", i)
	}

	waitDeadline := time.Now().Add(time.Second)
	for time.Now().Before(waitDeadline) {
		if b.SubscriberCount(CollectionTopic("vault_a")) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if b.SubscriberCount(CollectionTopic("vault_a")) != 0 {
		t.Fatal("expected overflowing subscriber to be disconnected")
	}
	_ = sub
}
