package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(New(EventInstanceCreated, "instance created", map[string]string{
		"address": "abababab",
	}))

	select {
	case event := <-sub:
		if event.Type != EventInstanceCreated {
			t.Errorf("expected %s, got %s", EventInstanceCreated, event.Type)
		}
		if event.ID == "" {
			t.Error("expected event ID to be set")
		}
		if event.Metadata["address"] != "abababab" {
			t.Errorf("unexpected metadata: %v", event.Metadata)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscriberCount(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	if broker.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", broker.SubscriberCount())
	}

	s1 := broker.Subscribe()
	s2 := broker.Subscribe()
	if broker.SubscriberCount() != 2 {
		t.Errorf("expected 2 subscribers, got %d", broker.SubscriberCount())
	}

	broker.Unsubscribe(s1)
	broker.Unsubscribe(s2)
	if broker.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", broker.SubscriberCount())
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	// Never drained; its buffer fills and later events are dropped for it
	_ = broker.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			broker.Publish(New(EventInstanceExited, "exit", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}
