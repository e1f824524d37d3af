package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolConcurrencyLimit(t *testing.T) {
	pool := NewPool(2, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	var running int32
	var maxSeen int32

	for i := 0; i < 5; i++ {
		err := pool.Submit(fmt.Sprintf("job-%d", i), fmt.Sprintf("lane-%d", i), func(ctx context.Context) error {
			current := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	if !pool.WaitIdle(2 * time.Second) {
		t.Fatal("pool did not drain")
	}
	if m := atomic.LoadInt32(&maxSeen); m > 2 {
		t.Errorf("expected max 2 concurrent, saw %d", m)
	}
	if pool.Completed() != 5 {
		t.Errorf("expected 5 completed, got %d", pool.Completed())
	}
}

func TestPoolLaneOrdering(t *testing.T) {
	pool := NewPool(4, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		if err := pool.Submit(fmt.Sprintf("job-%d", i), "lane", func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	if !pool.WaitIdle(2 * time.Second) {
		t.Fatal("pool did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("expected in-order execution, got %v", order)
		}
	}
}

func TestPoolCancelRunningJob(t *testing.T) {
	pool := NewPool(1, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	started := make(chan struct{})
	var sawCancel atomic.Bool
	if err := pool.Submit("slow", "lane", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("job never started")
	}
	if !pool.Cancel("slow") {
		t.Fatal("expected job to be found")
	}
	if !pool.WaitIdle(time.Second) {
		t.Fatal("cancelled job did not finish")
	}
	if !sawCancel.Load() {
		t.Fatal("job did not observe cancellation")
	}
	if pool.Failed() != 0 {
		t.Fatalf("cancellation should not count as failure, got %d", pool.Failed())
	}
	if pool.Cancel("slow") {
		t.Fatal("finished job should be forgotten")
	}
}

func TestPoolCancelQueuedJobSkipsIt(t *testing.T) {
	pool := NewPool(1, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	release := make(chan struct{})
	var ran atomic.Bool
	_ = pool.Submit("blocker", "lane", func(context.Context) error {
		<-release
		return nil
	})
	_ = pool.Submit("queued", "lane", func(context.Context) error {
		ran.Store(true)
		return nil
	})

	pool.Cancel("queued")
	close(release)

	if !pool.WaitIdle(time.Second) {
		t.Fatal("pool did not drain")
	}
	if ran.Load() {
		t.Fatal("cancelled queued job should not run")
	}
}

func TestPoolRecoversPanicsAndRejectsDuplicates(t *testing.T) {
	pool := NewPool(1, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	release := make(chan struct{})
	_ = pool.Submit("a", "lane", func(context.Context) error {
		<-release
		panic("boom")
	})
	if err := pool.Submit("a", "other", func(context.Context) error { return nil }); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	close(release)

	var after atomic.Bool
	_ = pool.Submit("b", "lane", func(context.Context) error {
		after.Store(true)
		return nil
	})
	if !pool.WaitIdle(time.Second) {
		t.Fatal("pool did not drain")
	}
	if pool.Failed() != 1 || !after.Load() {
		t.Fatalf("expected one failure and lane to keep running, failed=%d", pool.Failed())
	}
}

func TestPoolSubmitAfterStop(t *testing.T) {
	pool := NewPool(1, nil)
	pool.Start(context.Background())
	pool.Stop()
	if err := pool.Submit("x", "lane", func(context.Context) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
