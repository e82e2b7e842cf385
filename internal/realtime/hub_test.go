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

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/givecircle/coinescrow/internal/auth"
	"github.com/givecircle/coinescrow/internal/escrow"
)

var (
	buyer1 = auth.Principal{ID: "buyer-1", Role: auth.RoleBuyer}
	agent1 = auth.Principal{ID: "agent-1", Role: auth.RoleAgent}
	agent2 = auth.Principal{ID: "agent-2", Role: auth.RoleAgent}
	admin  = auth.Principal{ID: "admin-1", Role: auth.RoleAdmin}
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func purchase(id, buyer, agent string) *escrow.PurchaseRequest {
	return &escrow.PurchaseRequest{ID: id, BuyerID: buyer, AgentID: agent, Status: escrow.StatusEscrowLocked}
}

func event(typ string, req *escrow.PurchaseRequest) *Event {
	return &Event{Type: typ, Timestamp: time.Now(), Purchase: req}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_OnlyParties(t *testing.T) {
	h := testHub()
	ev := event(escrow.EventCreated, purchase("pur_1", "buyer-1", "agent-1"))

	assert.True(t, h.shouldSend(&Client{caller: buyer1}, ev))
	assert.True(t, h.shouldSend(&Client{caller: agent1}, ev))
	assert.True(t, h.shouldSend(&Client{caller: admin}, ev))
	assert.False(t, h.shouldSend(&Client{caller: agent2}, ev))
	assert.False(t, h.shouldSend(&Client{caller: auth.Principal{ID: "buyer-2", Role: auth.RoleBuyer}}, ev))

	// A filter never widens what a client may see.
	nosy := &Client{caller: agent2, sub: Subscription{AgentIDs: []string{"agent-1"}}}
	assert.False(t, h.shouldSend(nosy, ev))

	assert.False(t, h.shouldSend(&Client{caller: admin}, &Event{Type: escrow.EventCreated}), "events without a purchase are dropped")
}

func TestShouldSend_Filters(t *testing.T) {
	h := testHub()
	a := event(escrow.EventConfirmed, purchase("pur_1", "buyer-1", "agent-1"))
	b := event(escrow.EventCreated, purchase("pur_2", "buyer-2", "agent-2"))

	tests := []struct {
		name  string
		sub   Subscription
		wantA bool
		wantB bool
	}{
		{"empty", Subscription{}, true, true},
		{"event type", Subscription{EventTypes: []string{escrow.EventCreated}}, false, true},
		{"agent", Subscription{AgentIDs: []string{"agent-1"}}, true, false},
		{"buyer", Subscription{BuyerIDs: []string{"buyer-2"}}, false, true},
		{"purchase", Subscription{PurchaseIDs: []string{"pur_1"}}, true, false},
		{"combined", Subscription{AgentIDs: []string{"agent-1"}, EventTypes: []string{escrow.EventCreated}}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{caller: admin, sub: tt.sub}
			assert.Equal(t, tt.wantA, h.shouldSend(c, a))
			assert.Equal(t, tt.wantB, h.shouldSend(c, b))
		})
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func runHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	require.Eventually(t, h.Running, time.Second, 5*time.Millisecond)
	return h, cancel
}

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(0), stats["totalEvents"])
}

func TestHub_RegisterUnregister(t *testing.T) {
	h, cancel := runHub(t)
	defer cancel()

	client := &Client{hub: h, send: make(chan []byte, 256), caller: admin}
	h.register <- client
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"])

	h.unregister <- client
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"], "peak survives disconnects")
}

func TestHub_PublishPurchase(t *testing.T) {
	h, cancel := runHub(t)
	defer cancel()

	mine := &Client{hub: h, send: make(chan []byte, 256), caller: agent1}
	other := &Client{hub: h, send: make(chan []byte, 256), caller: agent2}
	h.register <- mine
	h.register <- other

	req := purchase("pur_9", "buyer-1", "agent-1")
	h.PublishPurchase(context.Background(), escrow.EventPaid, req)

	select {
	case msg := <-mine.send:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, escrow.EventPaid, ev.Type)
		assert.Equal(t, "pur_9", ev.Purchase.ID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	require.Eventually(t, func() bool { return h.Stats()["totalEvents"] == int64(1) }, time.Second, 5*time.Millisecond)
	select {
	case <-other.send:
		t.Error("agent-2 must not see agent-1's purchase")
	default:
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
	require.Eventually(t, h.Running, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
	assert.False(t, h.Running())

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil), admin)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_WebSocketRoundTrip(t *testing.T) {
	h, cancel := runHub(t)
	defer cancel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r, buyer1)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Subscription{EventTypes: []string{escrow.EventConfirmed}}))
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 5*time.Millisecond)
	// Give the read pump a moment to apply the subscription.
	time.Sleep(50 * time.Millisecond)

	h.PublishPurchase(context.Background(), escrow.EventPaid, purchase("pur_1", "buyer-1", "agent-1"))
	h.PublishPurchase(context.Background(), escrow.EventConfirmed, purchase("pur_1", "buyer-1", "agent-1"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, escrow.EventConfirmed, ev.Type, "paid event is filtered out")
}
