package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventStatusChanged, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventDisputeCreated, EventDisputeResolved},
	}}

	created := &Event{Type: EventDisputeCreated}
	resolved := &Event{Type: EventDisputeResolved}
	changed := &Event{Type: EventStatusChanged}

	if !h.shouldSend(client, created) {
		t.Error("Should receive dispute_created events")
	}
	if !h.shouldSend(client, resolved) {
		t.Error("Should receive dispute_resolved events")
	}
	if h.shouldSend(client, changed) {
		t.Error("Should NOT receive status_changed events")
	}
}

func TestShouldSend_DisputeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		DisputeIDs: []string{"dsp_1"},
	}}

	matching := &Event{
		Type: EventStatusChanged,
		Data: map[string]interface{}{"disputeId": "dsp_1", "status": "open"},
	}
	notMatching := &Event{
		Type: EventStatusChanged,
		Data: map[string]interface{}{"disputeId": "dsp_2", "status": "open"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on dispute id")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated disputes")
	}
}

func TestShouldSend_StatusFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Statuses: []string{"resolved", "negotiation_failed"},
	}}

	resolved := &Event{
		Type: EventStatusChanged,
		Data: map[string]interface{}{"disputeId": "dsp_1", "status": "resolved"},
	}
	open := &Event{
		Type: EventStatusChanged,
		Data: map[string]interface{}{"disputeId": "dsp_1", "status": "open"},
	}

	if !h.shouldSend(client, resolved) {
		t.Error("Should receive matching status")
	}
	if h.shouldSend(client, open) {
		t.Error("Should NOT receive non-matching status")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventStatusChanged}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		DisputeIDs: []string{"dsp_1"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: EventSweepCompleted,
		Data: "string data not a map",
	}

	// Filter can't extract a dispute id from non-map data, so the event is dropped
	if h.shouldSend(client, event) {
		t.Error("Non-map data should not match a dispute filter")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: EventStatusChanged, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{
		Type:      EventDisputeCreated,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"disputeId": "dsp_1"},
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_BroadcastDispute(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Should not panic
	h.BroadcastDispute("created", "dsp_1", "open", "user_renter")
	h.BroadcastDispute("status_changed", "dsp_1", "admin_review", "system")
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants resolutions
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventDisputeResolved}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a status change (should be filtered out)
	h.Broadcast(&Event{Type: EventStatusChanged, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive status_changed event")
	default:
		// Good - filtered out
	}

	// Send a resolution event (should be received)
	h.Broadcast(&Event{Type: EventDisputeResolved, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive dispute_resolved event")
	}
}
