package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/givecircle/coinescrow/internal/metrics"
)

// Timer periodically expires requests whose TTL has elapsed and returns
// their coins to the agent.
type Timer struct {
	service   *Service
	store     Store
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
}

// NewTimer creates a new expiry timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:   service,
		store:     store,
		interval:  60 * time.Second,
		batchSize: 100,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// WithInterval sets how often the timer scans for expired requests.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// WithBatchSize sets how many requests one scan loads. A sweep keeps
// scanning until a batch comes back short.
func (t *Timer) WithBatchSize(n int) *Timer {
	if n > 0 {
		t.batchSize = n
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the expiry loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	// Requests that expired while the process was down are picked up at once.
	t.safeSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ExpirySweepsTotal.WithLabelValues("panic").Inc()
			t.logger.Error("panic in expiry timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep expires every request whose TTL has elapsed, one batch at a time,
// and returns how many it expired. Running it again over the same requests
// changes nothing. Time comes from the service clock, the one Expire checks.
func (t *Timer) Sweep(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		batch, expired, ok := t.sweepBatch(ctx)
		total += expired
		// A short batch drained the backlog. A batch with no progress holds
		// only requests that keep failing; they wait for the next tick.
		if !ok || batch < t.batchSize || expired == 0 {
			break
		}
	}
	return total
}

func (t *Timer) sweepBatch(ctx context.Context) (batch, n int, ok bool) {
	expired, err := t.store.ListExpired(ctx, t.service.now(), t.batchSize)
	if err != nil {
		metrics.ExpirySweepsTotal.WithLabelValues("error").Inc()
		t.logger.Warn("failed to list expired purchase requests", "error", err)
		return 0, 0, false
	}

	for _, req := range expired {
		if ctx.Err() != nil {
			break
		}
		_, err := t.service.Expire(ctx, req.ID)
		switch {
		case err == nil:
			n++
			metrics.ExpiredPurchasesTotal.WithLabelValues("expired").Inc()
			t.logger.Info("expired purchase request",
				"purchaseId", req.ID,
				"agentId", req.AgentID,
				"buyerId", req.BuyerID,
				"coins", req.CoinAmount,
			)
		case errors.Is(err, ErrInvalidStateTransition):
			// Confirmed, rejected or cancelled between the scan and the lock.
			metrics.ExpiredPurchasesTotal.WithLabelValues("lost_race").Inc()
			t.logger.Debug("purchase request resolved before expiry",
				"purchaseId", req.ID, "error", err)
		default:
			metrics.ExpiredPurchasesTotal.WithLabelValues("error").Inc()
			t.logger.Warn("failed to expire purchase request",
				"purchaseId", req.ID,
				"agentId", req.AgentID,
				"error", err,
			)
		}
	}
	metrics.ExpirySweepsTotal.WithLabelValues("ok").Inc()
	return len(expired), n, true
}
