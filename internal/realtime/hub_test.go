package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mbd888/bookingescrow/internal/auth"
	"github.com/mbd888/bookingescrow/internal/events"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func user() auth.Actor { return auth.Actor{ID: uuid.New(), Role: auth.RoleUser} }

func bookingEvent(t events.Type, parties ...uuid.UUID) *events.Event {
	e := events.New(t, uuid.New(), parties, time.Now(), nil)
	return &e
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_PartiesOnly(t *testing.T) {
	client, creator, stranger := user(), user(), user()
	event := bookingEvent(events.TypeBookingStatusChanged, client.ID, creator.ID)

	if !shouldSend(&Client{actor: client}, event) {
		t.Error("Client party should receive the event")
	}
	if !shouldSend(&Client{actor: creator}, event) {
		t.Error("Creator party should receive the event")
	}
	if shouldSend(&Client{actor: stranger}, event) {
		t.Error("Non-party should NOT receive the event")
	}
}

func TestShouldSend_AdminSeesAll(t *testing.T) {
	admin := auth.Actor{ID: uuid.New(), Role: auth.RoleAdmin}
	event := bookingEvent(events.TypeSettlementApplied, uuid.New(), uuid.New())
	if !shouldSend(&Client{actor: admin}, event) {
		t.Error("Admin should receive every event")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	a := user()
	c := &Client{actor: a, sub: Subscription{
		EventTypes: []events.Type{events.TypeReleaseReminder},
	}}

	if !shouldSend(c, bookingEvent(events.TypeReleaseReminder, a.ID)) {
		t.Error("Should receive reminder events")
	}
	if shouldSend(c, bookingEvent(events.TypeBookingStatusChanged, a.ID)) {
		t.Error("Should NOT receive status events")
	}
}

func TestShouldSend_BookingFilter(t *testing.T) {
	a := user()
	watched := bookingEvent(events.TypeBookingStatusChanged, a.ID)
	other := bookingEvent(events.TypeBookingStatusChanged, a.ID)
	c := &Client{actor: a, sub: Subscription{BookingIDs: []uuid.UUID{watched.BookingID}}}

	if !shouldSend(c, watched) {
		t.Error("Should receive events for the watched booking")
	}
	if shouldSend(c, other) {
		t.Error("Should NOT receive events for other bookings")
	}
}

func TestShouldSend_SubscriptionCannotWidenAccess(t *testing.T) {
	a := user()
	event := bookingEvent(events.TypeBookingStatusChanged, uuid.New(), uuid.New())
	c := &Client{actor: a, sub: Subscription{BookingIDs: []uuid.UUID{event.BookingID}}}
	if shouldSend(c, event) {
		t.Error("Subscribing to a foreign booking must not leak its events")
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

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, actor: user(), send: make(chan []byte, 256)}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishToParty(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	party, stranger := user(), user()
	partyClient := &Client{hub: h, actor: party, send: make(chan []byte, 256)}
	strangerClient := &Client{hub: h, actor: stranger, send: make(chan []byte, 256)}
	h.register <- partyClient
	h.register <- strangerClient

	event := events.New(events.TypeBookingStatusChanged, uuid.New(), []uuid.UUID{party.ID}, time.Now(),
		events.BookingStatusChanged{From: "paid", To: "delivered", Action: "submit_proof"})
	if err := h.Publish(ctx, event); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-partyClient.send:
		var got events.Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatal(err)
		}
		if got.ID != event.ID || got.Type != events.TypeBookingStatusChanged {
			t.Errorf("Unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for party delivery")
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case <-strangerClient.send:
		t.Error("Stranger should NOT receive the event")
	default:
	}
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := testHub() // Run not started: queue fills up

	for i := 0; i < cap(h.broadcast)+10; i++ {
		if err := h.Publish(context.Background(), *bookingEvent(events.TypeReleaseReminder)); err != nil {
			t.Fatal(err)
		}
	}
	if h.Stats()["droppedEvents"].(int64) != 10 {
		t.Errorf("Expected 10 dropped events, got %v", h.Stats()["droppedEvents"])
	}
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
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketRoundTrip(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	party := user()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r, party)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for registration before publishing.
	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	event := events.New(events.TypeReleaseReminder, uuid.New(), []uuid.UUID{party.ID}, time.Now(), nil)
	h.Publish(ctx, event)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got events.Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != event.ID {
		t.Errorf("Expected event %s, got %s", event.ID, got.ID)
	}
}
