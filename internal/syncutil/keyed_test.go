package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_LockUnlock(t *testing.T) {
	m := NewKeyedMutex(0)

	unlock, err := m.Lock(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()

	unlock, err = m.Lock(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	unlock()
}

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex(16)
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "agent-hot")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			time.Sleep(time.Microsecond)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != n {
		t.Fatalf("expected %d, got %d", n, got)
	}
}

func TestKeyedMutex_ContextDeadline(t *testing.T) {
	m := NewKeyedMutex(0)

	unlock, err := m.Lock(context.Background(), "agent-busy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := m.Lock(ctx, "agent-busy"); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestKeyedMutex_TryLock(t *testing.T) {
	m := NewKeyedMutex(0)

	unlock, ok := m.TryLock("agent-2")
	if !ok {
		t.Fatal("expected lock to be free")
	}
	if _, ok := m.TryLock("agent-2"); ok {
		t.Fatal("expected second TryLock to fail")
	}
	unlock()
	if u, ok := m.TryLock("agent-2"); !ok {
		t.Fatal("expected lock to be free after unlock")
	} else {
		u()
	}
}

func TestKeyedMutex_DifferentShardsIndependent(t *testing.T) {
	m := NewKeyedMutex(0)
	a, b := "agent-alpha", "agent-omega"
	if m.SameShard(a, b) {
		t.Skip("keys share a shard")
	}

	unlockA, err := m.Lock(context.Background(), a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlockB, err := m.Lock(ctx, b)
	if err != nil {
		t.Fatalf("independent key blocked: %v", err)
	}
	unlockB()
}

func TestKeyedMutex_UnlockWakesWaiter(t *testing.T) {
	m := NewKeyedMutex(0)
	ctx := context.Background()

	unlock, err := m.Lock(ctx, "relay")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.Lock(ctx, "relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired lock before release")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired lock")
	}
}
