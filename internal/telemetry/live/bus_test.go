package live

import (
	"testing"
	"time"
)

func TestPublishAndSubscribe(t *testing.T) {
	bus := NewBus(16)
	ch := bus.Subscribe("test-1")

	bus.Publish(Notification{
		RunID:   "run-1",
		Kind:    KindPhaseTransitioned,
		Summary: "moved to executing",
	})

	select {
	case n := <-ch:
		if n.Kind != KindPhaseTransitioned {
			t.Fatalf("expected %s, got %s", KindPhaseTransitioned, n.Kind)
		}
		if n.RunID != "run-1" {
			t.Fatalf("expected run-1, got %s", n.RunID)
		}
		if n.Timestamp.IsZero() {
			t.Fatal("timestamp should be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification")
	}

	bus.Unsubscribe("test-1")
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus(16)
	ch1 := bus.Subscribe("s1")
	ch2 := bus.Subscribe("s2")

	bus.Publish(Notification{RunID: "run-1", Kind: KindGateEvaluated, Summary: "test"})

	for _, ch := range []<-chan Notification{ch1, ch2} {
		select {
		case n := <-ch:
			if n.Kind != KindGateEvaluated {
				t.Fatalf("wrong kind: %s", n.Kind)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}

	if bus.SubscriberCount() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", bus.SubscriberCount())
	}

	bus.Unsubscribe("s1")
	bus.Unsubscribe("s2")

	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(1)
	_ = bus.Subscribe("slow")

	for i := 0; i < 100; i++ {
		bus.Publish(Notification{RunID: "run-1", Kind: KindOutboxDispatched, Summary: "test"})
	}
}

func TestNotificationJSON(t *testing.T) {
	n := Notification{
		RunID:     "run-1",
		Kind:      KindOverrideApplied,
		Summary:   "override applied",
		Timestamp: time.Now(),
	}
	data := n.JSON()
	if len(data) == 0 {
		t.Fatal("empty JSON")
	}
}
