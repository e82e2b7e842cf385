// Package webhooks delivers purchase lifecycle events to an external
// service over signed HTTP POSTs.
//
// Each delivery carries:
//   - X-Coinescrow-Event: the event type, e.g. purchase.confirmed
//   - X-Coinescrow-Delivery: a unique event ID for receiver-side dedupe
//   - X-Coinescrow-Timestamp: unix seconds
//   - X-Coinescrow-Signature: hex HMAC-SHA256 of the body
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/givecircle/coinescrow/internal/escrow"
	"github.com/givecircle/coinescrow/internal/idgen"
	"github.com/givecircle/coinescrow/internal/retry"
)

// Event is the JSON body of one delivery.
type Event struct {
	ID        string                  `json:"id"`
	Type      string                  `json:"type"`
	Timestamp time.Time               `json:"timestamp"`
	Purchase  *escrow.PurchaseRequest `json:"purchase"`
}

// Config configures the dispatcher.
type Config struct {
	URL    string
	Secret string
	// Events limits deliveries to these types; empty means all.
	Events    []string
	QueueSize int
	Workers   int
	Attempts  int
	BaseDelay time.Duration
	Timeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Attempts <= 0 {
		c.Attempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Dispatcher queues events and sends them from a fixed worker pool.
type Dispatcher struct {
	cfg     Config
	events  map[string]bool
	client  *http.Client
	queue   chan *Event
	logger  *slog.Logger
	running atomic.Bool
}

// NewDispatcher creates a new webhook dispatcher. Call Run to start delivery.
func NewDispatcher(cfg Config, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan *Event, cfg.QueueSize),
		logger: logger,
	}
	if len(cfg.Events) > 0 {
		d.events = make(map[string]bool, len(cfg.Events))
		for _, e := range cfg.Events {
			d.events[e] = true
		}
	}
	return d
}

// Running reports whether the workers are up.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// PublishPurchase implements escrow.Publisher. It never blocks: when the
// queue is full the event is dropped and counted.
func (d *Dispatcher) PublishPurchase(_ context.Context, event string, req *escrow.PurchaseRequest) {
	if d.events != nil && !d.events[event] {
		return
	}
	ev := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      event,
		Timestamp: time.Now().UTC(),
		Purchase:  req.Clone(),
	}
	select {
	case d.queue <- ev:
		webhookQueued.WithLabelValues(event).Inc()
	default:
		webhookDropped.WithLabelValues(event).Inc()
		d.logger.Warn("webhook queue full, dropping event",
			"event", event, "purchaseId", req.ID)
	}
}

// Run sends queued events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-d.queue:
					d.deliver(ctx, ev)
				}
			}
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, ev *Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		webhookDeliveries.WithLabelValues(ev.Type, "error").Inc()
		d.logger.Error("failed to marshal webhook event", "event", ev.Type, "error", err)
		return
	}

	err = retry.Do(ctx, retry.Policy{
		Attempts:  d.cfg.Attempts,
		BaseDelay: d.cfg.BaseDelay,
		MaxDelay:  30 * time.Second,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			d.logger.Debug("retrying webhook delivery",
				"event", ev.Type, "deliveryId", ev.ID, "attempt", attempt, "wait", wait, "error", err)
		},
	}, func(ctx context.Context) error {
		return d.send(ctx, ev, payload)
	})
	if err != nil {
		webhookDeliveries.WithLabelValues(ev.Type, "failed").Inc()
		d.logger.Warn("webhook delivery failed",
			"event", ev.Type,
			"deliveryId", ev.ID,
			"purchaseId", ev.Purchase.ID,
			"error", err,
		)
		return
	}
	webhookDeliveries.WithLabelValues(ev.Type, "ok").Inc()
}

func (d *Dispatcher) send(ctx context.Context, ev *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Coinescrow-Event", ev.Type)
	req.Header.Set("X-Coinescrow-Delivery", ev.ID)
	req.Header.Set("X-Coinescrow-Timestamp", strconv.FormatInt(ev.Timestamp.Unix(), 10))
	req.Header.Set("X-Coinescrow-Signature", Sign(payload, d.cfg.Secret))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		// Other 4xx responses are final.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}
