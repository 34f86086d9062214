package stream

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	evt := NewEvent("trace.completed", map[string]string{"trace_id": "tr-1"})
	if evt.Type != "trace.completed" {
		t.Fatalf("type = %q", evt.Type)
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["trace_id"] != "tr-1" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	if h.SubscriberCount() != 1 {
		t.Fatalf("subscribers = %d", h.SubscriberCount())
	}
	h.PublishTraceEvent("trace.started", map[string]string{"trace_id": "tr-1"})

	select {
	case evt := <-ch:
		if evt.Type != "trace.started" {
			t.Fatalf("event = %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(ch)
	// Must not panic on repeated calls.
	h.Unsubscribe(ch)
	if h.SubscriberCount() != 0 {
		t.Fatalf("subscribers = %d after unsubscribe", h.SubscriberCount())
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	h.Publish(NewEvent("phase.completed", nil))
	h.Publish(NewEvent("trace.completed", nil))

	select {
	case evt := <-ch:
		if evt.Type != "phase.completed" {
			t.Fatalf("expected first event to remain buffered, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("unexpected second buffered event %q", evt.Type)
	default:
	}
}

func TestSubscribeUsesDefaultBuffer(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(0)
	defer h.Unsubscribe(ch)
	if cap(ch) != 32 {
		t.Fatalf("buffer = %d, want default 32", cap(ch))
	}
}
