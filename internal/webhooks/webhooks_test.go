package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/givecircle/coinescrow/internal/escrow"
)

const secret = "whsec_test"

type delivery struct {
	header http.Header
	body   []byte
}

type receiver struct {
	mu    sync.Mutex
	got   []delivery
	codes []int // response codes to return in order; 200 after they run out
	calls atomic.Int32
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	n := int(rc.calls.Add(1)) - 1
	rc.mu.Lock()
	rc.got = append(rc.got, delivery{header: r.Header.Clone(), body: body})
	code := http.StatusOK
	if n < len(rc.codes) {
		code = rc.codes[n]
	}
	rc.mu.Unlock()
	w.WriteHeader(code)
}

func (rc *receiver) deliveries() []delivery {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]delivery(nil), rc.got...)
}

func start(t *testing.T, rc *receiver, cfg Config) (*Dispatcher, *bytes.Buffer) {
	t.Helper()
	ts := httptest.NewServer(rc)
	t.Cleanup(ts.Close)

	var logs bytes.Buffer
	cfg.URL = ts.URL
	cfg.Secret = secret
	cfg.BaseDelay = time.Millisecond
	d := NewDispatcher(cfg, slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, d.Running, time.Second, time.Millisecond)
	return d, &logs
}

func purchase() *escrow.PurchaseRequest {
	return &escrow.PurchaseRequest{
		ID: "pur_1", BuyerID: "buyer-1", AgentID: "agent-1", CoinAmount: 300,
		Status: escrow.StatusConfirmed,
	}
}

func TestDispatcher_DeliversSignedEvent(t *testing.T) {
	rc := &receiver{}
	d, _ := start(t, rc, Config{})

	d.PublishPurchase(context.Background(), escrow.EventConfirmed, purchase())

	require.Eventually(t, func() bool { return len(rc.deliveries()) == 1 }, time.Second, time.Millisecond)
	got := rc.deliveries()[0]
	assert.Equal(t, escrow.EventConfirmed, got.header.Get("X-Coinescrow-Event"))
	assert.NotEmpty(t, got.header.Get("X-Coinescrow-Delivery"))
	assert.NotEmpty(t, got.header.Get("X-Coinescrow-Timestamp"))
	assert.True(t, Verify(got.body, secret, got.header.Get("X-Coinescrow-Signature")))

	var ev Event
	require.NoError(t, json.Unmarshal(got.body, &ev))
	assert.Equal(t, got.header.Get("X-Coinescrow-Delivery"), ev.ID)
	assert.Equal(t, "pur_1", ev.Purchase.ID)
	assert.Equal(t, escrow.StatusConfirmed, ev.Purchase.Status)
}

func TestDispatcher_EventFilter(t *testing.T) {
	rc := &receiver{}
	d, _ := start(t, rc, Config{Events: []string{escrow.EventConfirmed}})

	d.PublishPurchase(context.Background(), escrow.EventCreated, purchase())
	d.PublishPurchase(context.Background(), escrow.EventConfirmed, purchase())

	require.Eventually(t, func() bool { return len(rc.deliveries()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, rc.deliveries(), 1)
	assert.Equal(t, escrow.EventConfirmed, rc.deliveries()[0].header.Get("X-Coinescrow-Event"))
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	rc := &receiver{codes: []int{http.StatusServiceUnavailable, http.StatusTooManyRequests}}
	d, _ := start(t, rc, Config{Workers: 1})
	before := testutil.ToFloat64(webhookDeliveries.WithLabelValues(escrow.EventPaid, "ok"))

	d.PublishPurchase(context.Background(), escrow.EventPaid, purchase())

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(webhookDeliveries.WithLabelValues(escrow.EventPaid, "ok")) == before+1
	}, time.Second, time.Millisecond)
	deliveries := rc.deliveries()
	require.Len(t, deliveries, 3)
	assert.Equal(t, deliveries[0].header.Get("X-Coinescrow-Delivery"), deliveries[2].header.Get("X-Coinescrow-Delivery"),
		"retries reuse the delivery ID")
}

func TestDispatcher_ClientErrorIsFinal(t *testing.T) {
	rc := &receiver{codes: []int{http.StatusBadRequest}}
	d, logs := start(t, rc, Config{Workers: 1})
	before := testutil.ToFloat64(webhookDeliveries.WithLabelValues(escrow.EventRejected, "failed"))

	d.PublishPurchase(context.Background(), escrow.EventRejected, purchase())

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(webhookDeliveries.WithLabelValues(escrow.EventRejected, "failed")) == before+1
	}, time.Second, time.Millisecond)
	assert.Len(t, rc.deliveries(), 1)
	assert.Contains(t, logs.String(), "webhook delivery failed")
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	var logs bytes.Buffer
	d := NewDispatcher(Config{URL: "http://127.0.0.1:1", Secret: secret, QueueSize: 1},
		slog.New(slog.NewTextHandler(&logs, nil)))
	before := testutil.ToFloat64(webhookDropped.WithLabelValues(escrow.EventExpired))

	// Not running, so nothing drains the queue.
	d.PublishPurchase(context.Background(), escrow.EventExpired, purchase())
	d.PublishPurchase(context.Background(), escrow.EventExpired, purchase())

	assert.Equal(t, before+1, testutil.ToFloat64(webhookDropped.WithLabelValues(escrow.EventExpired)))
	assert.Contains(t, logs.String(), "webhook queue full")
}

func TestPublishCopiesRequest(t *testing.T) {
	d := NewDispatcher(Config{URL: "http://example.invalid", Secret: secret}, slog.Default())
	req := purchase()
	d.PublishPurchase(context.Background(), escrow.EventConfirmed, req)
	req.Status = escrow.StatusExpired

	ev := <-d.queue
	assert.Equal(t, escrow.StatusConfirmed, ev.Purchase.Status)
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	sig := Sign(body, secret)
	assert.True(t, Verify(body, secret, sig))
	assert.False(t, Verify(body, "other", sig))
	assert.False(t, Verify([]byte(`{"id":"evt_2"}`), secret, sig))
	assert.False(t, Verify(body, secret, "not-hex"))
}
