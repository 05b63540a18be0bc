package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mbd888/ecashwallet/internal/bridge"
	"github.com/mbd888/ecashwallet/internal/chat"
	"github.com/mbd888/ecashwallet/internal/logging"
)

func testHub() *Hub {
	return NewHub(logging.Discard())
}

func newTestClient(h *Hub, sub Subscription) *Client {
	return &Client{hub: h, send: make(chan []byte, sendBuffer), sub: sub}
}

func startHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
}

func readFrame(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case msg := <-c.send:
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
		return Frame{}
	}
}

func expectNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Errorf("expected no frame, got %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func balanceEvent(t *testing.T, fedID string) bridge.Event {
	t.Helper()
	ev, err := bridge.NewEvent(bridge.EventBalance, map[string]any{"federationId": fedID, "balance": 1000})
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

// ---------------------------------------------------------------------------
// shouldSend
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	client := &Client{sub: Subscription{AllEvents: true, Kinds: []bridge.EventKind{bridge.EventLog}}}
	if !shouldSend(client, bridge.Event{Kind: bridge.EventBalance, FederationID: "fed1"}) {
		t.Error("AllEvents client should receive every event")
	}
}

func TestShouldSend_KindFilter(t *testing.T) {
	client := &Client{sub: Subscription{Kinds: []bridge.EventKind{bridge.EventBalance, bridge.EventTransaction}}}

	if !shouldSend(client, bridge.Event{Kind: bridge.EventBalance}) {
		t.Error("expected balance events")
	}
	if !shouldSend(client, bridge.Event{Kind: bridge.EventTransaction}) {
		t.Error("expected transaction events")
	}
	if shouldSend(client, bridge.Event{Kind: bridge.EventLog}) {
		t.Error("expected log events to be filtered")
	}
}

func TestShouldSend_FederationFilter(t *testing.T) {
	client := &Client{sub: Subscription{FederationIDs: []string{"fed1"}}}

	if !shouldSend(client, bridge.Event{Kind: bridge.EventBalance, FederationID: "fed1"}) {
		t.Error("expected events for fed1")
	}
	if shouldSend(client, bridge.Event{Kind: bridge.EventBalance, FederationID: "fed2"}) {
		t.Error("expected events for fed2 to be filtered")
	}
	if !shouldSend(client, bridge.Event{Kind: bridge.EventDeviceRegistration}) {
		t.Error("expected events without a federation to pass")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	client := &Client{}
	if !shouldSend(client, bridge.Event{Kind: bridge.EventPanic, FederationID: "fed1"}) {
		t.Error("empty subscription should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	startHub(t, h)

	client := newTestClient(h, Subscription{AllEvents: true})
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("expected peak 1, got %v", stats["peakClients"])
	}
	if _, ok := <-client.send; ok {
		t.Error("expected send channel closed after unregister")
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h.now = func() time.Time { return fixed }
	startHub(t, h)

	client := newTestClient(h, Subscription{AllEvents: true})
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(balanceEvent(t, "fed1"))

	f := readFrame(t, client)
	if f.Type != FrameEvent || f.Kind != bridge.EventBalance {
		t.Errorf("expected balance event frame, got %+v", f)
	}
	if f.FederationID != "fed1" {
		t.Errorf("expected federation fed1, got %q", f.FederationID)
	}
	if !f.Timestamp.Equal(fixed) {
		t.Errorf("expected timestamp %v, got %v", fixed, f.Timestamp)
	}
	data, _ := f.Data.(map[string]any)
	if data["balance"] != float64(1000) {
		t.Errorf("expected event body to be forwarded, got %v", f.Data)
	}
	if h.Stats()["totalEvents"].(int64) != 1 {
		t.Errorf("expected 1 total event, got %v", h.Stats()["totalEvents"])
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	startHub(t, h)

	client := newTestClient(h, Subscription{FederationIDs: []string{"fed2"}})
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(balanceEvent(t, "fed1"))
	expectNoFrame(t, client)

	h.Broadcast(balanceEvent(t, "fed2"))
	if f := readFrame(t, client); f.FederationID != "fed2" {
		t.Errorf("expected fed2 event, got %+v", f)
	}
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := testHub()
	startHub(t, h)

	slow := &Client{hub: h, send: make(chan []byte, 1), sub: Subscription{AllEvents: true}}
	h.register <- slow
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(balanceEvent(t, "fed1"))
	h.Broadcast(balanceEvent(t, "fed1"))
	time.Sleep(50 * time.Millisecond)

	if n := h.Stats()["connectedClients"].(int); n != 0 {
		t.Errorf("expected slow client dropped, got %d clients", n)
	}
}

func TestHub_Forward(t *testing.T) {
	h := testHub()
	startHub(t, h)

	client := newTestClient(h, Subscription{AllEvents: true})
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	events := make(chan bridge.Event, 2)
	events <- balanceEvent(t, "fed1")
	events <- bridge.Event{Kind: bridge.EventLog}
	close(events)

	done := make(chan struct{})
	go func() {
		h.Forward(context.Background(), events)
		close(done)
	}()

	if f := readFrame(t, client); f.Kind != bridge.EventBalance {
		t.Errorf("expected balance first, got %q", f.Kind)
	}
	if f := readFrame(t, client); f.Kind != bridge.EventLog {
		t.Errorf("expected log second, got %q", f.Kind)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Forward did not return after the channel closed")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	client := newTestClient(h, Subscription{AllEvents: true})
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	h.register <- client
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
	if _, ok := <-client.send; ok {
		t.Error("expected client channel closed on shutdown")
	}
}

// ---------------------------------------------------------------------------
// Client messages
// ---------------------------------------------------------------------------

type mockChatBridge struct{}

func (mockChatBridge) MatrixSearchUserDirectory(context.Context, string) (*bridge.MatrixSearchResults, error) {
	return &bridge.MatrixSearchResults{}, nil
}
func (mockChatBridge) MatrixPaymentCancel(context.Context, string) error        { return nil }
func (mockChatBridge) MatrixPaymentAccept(context.Context, string) error        { return nil }
func (mockChatBridge) MatrixPaymentReject(context.Context, string) error        { return nil }
func (mockChatBridge) MatrixPaymentRequestCancel(context.Context, string) error { return nil }

func TestClient_Subscribe(t *testing.T) {
	client := newTestClient(testHub(), Subscription{AllEvents: true})

	client.handleMessage([]byte(`{"type":"subscribe","federationIds":["fed1"],"kinds":["balance"]}`))

	if client.sub.AllEvents {
		t.Error("expected AllEvents cleared")
	}
	if shouldSend(client, bridge.Event{Kind: bridge.EventLog}) {
		t.Error("expected log events filtered after subscribe")
	}
	if !shouldSend(client, bridge.Event{Kind: bridge.EventBalance, FederationID: "fed1"}) {
		t.Error("expected fed1 balance events after subscribe")
	}
	expectNoFrame(t, client)
}

func TestClient_Search(t *testing.T) {
	h := testHub().WithSearch(chat.NewSearcher(mockChatBridge{}), 5*time.Millisecond)
	client := newTestClient(h, Subscription{AllEvents: true})
	client.search = chat.NewDebouncer(context.Background(), h.searcher, h.debounce, client.deliverSearch, h.logger)
	defer client.search.Close()

	client.handleMessage([]byte(`{"type":"search","query":"@alice:example.com"}`))

	f := readFrame(t, client)
	if f.Type != FrameSearchResults {
		t.Fatalf("expected search results frame, got %+v", f)
	}
	raw, _ := json.Marshal(f.Data)
	var out chat.Outcome
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Result.ExactMatch || len(out.Result.Users) != 1 || out.Result.Users[0].ID != "@alice:example.com" {
		t.Errorf("expected exact match for alice, got %+v", out.Result)
	}
}

func TestClient_InvalidMessages(t *testing.T) {
	client := newTestClient(testHub(), Subscription{AllEvents: true})

	cases := map[string]string{
		`not json`:                      "invalid message",
		`{"type":"search","query":"x"}`: "search unavailable",
		`{"type":"unsubscribe"}`:        "unknown message type",
	}
	for raw, want := range cases {
		client.handleMessage([]byte(raw))
		f := readFrame(t, client)
		if f.Type != FrameError || f.Error != want {
			t.Errorf("expected error %q for %s, got %+v", want, raw, f)
		}
	}
}
