package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fixedGeneration(g *atomic.Uint64) func() uint64 {
	return func() uint64 { return g.Load() }
}

func TestQueueOrdering(t *testing.T) {
	var gen atomic.Uint64
	gen.Store(1)
	queue := NewQueue(100, fixedGeneration(&gen), nil)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	queue.SetProcessor(func(raw []byte) {
		mu.Lock()
		order = append(order, string(raw))
		n := len(order)
		mu.Unlock()
		if n == 50 {
			close(done)
		}
	})
	queue.Start(context.Background())
	defer queue.Stop()

	for i := 0; i < 50; i++ {
		if !queue.Enqueue(1, []byte(fmt.Sprintf("%d", i))) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frames to process")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != fmt.Sprintf("%d", i) {
			t.Fatalf("expected order[%d] = %d, got %s", i, i, v)
		}
	}
}

func TestQueueDropsNewestWhenFull(t *testing.T) {
	var gen atomic.Uint64
	gen.Store(1)
	queue := NewQueue(2, fixedGeneration(&gen), nil)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	queue.SetProcessor(func(raw []byte) {
		mu.Lock()
		seen = append(seen, string(raw))
		mu.Unlock()
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})
	queue.Start(context.Background())
	defer queue.Stop()

	queue.Enqueue(1, []byte("first"))
	<-entered

	if !queue.Enqueue(1, []byte("a")) || !queue.Enqueue(1, []byte("b")) {
		t.Fatal("expected buffer to accept two frames")
	}

	start := time.Now()
	if queue.Enqueue(1, []byte("overflow")) {
		t.Fatal("expected overflow frame to be dropped")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("enqueue on a full queue must not block")
	}
	if queue.Dropped() != 1 {
		t.Errorf("expected 1 dropped, got %d", queue.Dropped())
	}

	close(release)
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 3 processed frames, got %d", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "a", "b"}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("expected seen[%d] = %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestQueueGenerationFence(t *testing.T) {
	var gen atomic.Uint64
	gen.Store(1)
	queue := NewQueue(10, fixedGeneration(&gen), nil)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	queue.SetProcessor(func(raw []byte) {
		mu.Lock()
		seen = append(seen, string(raw))
		mu.Unlock()
		if string(raw) == "blocker" {
			entered <- struct{}{}
			<-release
		}
	})
	queue.Start(context.Background())
	defer queue.Stop()

	queue.Enqueue(1, []byte("blocker"))
	<-entered

	// Still sitting in the queue when the generation advances.
	queue.Enqueue(1, []byte("stale-1"))
	queue.Enqueue(1, []byte("stale-2"))
	queue.Enqueue(1, []byte("stale-3"))
	gen.Store(2)
	queue.Enqueue(2, []byte("fresh"))
	close(release)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 2 && queue.Len() == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out, seen=%v", seen)
		case <-time.After(10 * time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "blocker" || seen[1] != "fresh" {
		t.Errorf("expected [blocker fresh], got %v", seen)
	}
	if queue.Stale() != 3 {
		t.Errorf("expected 3 stale frames, got %d", queue.Stale())
	}
}

func TestQueueProcessorPanicRecovered(t *testing.T) {
	var gen atomic.Uint64
	gen.Store(1)
	queue := NewQueue(10, fixedGeneration(&gen), nil)

	var processed atomic.Int32
	queue.SetProcessor(func(raw []byte) {
		if string(raw) == "boom" {
			panic("bad handler")
		}
		processed.Add(1)
	})
	queue.Start(context.Background())
	defer queue.Stop()

	queue.Enqueue(1, []byte("boom"))
	queue.Enqueue(1, []byte("ok"))

	deadline := time.After(time.Second)
	for processed.Load() != 1 {
		select {
		case <-deadline:
			t.Fatal("queue stopped processing after a panic")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestQueueEnqueueAfterStop(t *testing.T) {
	var gen atomic.Uint64
	queue := NewQueue(1, fixedGeneration(&gen), nil)
	queue.Start(context.Background())
	queue.Stop()

	if queue.Enqueue(0, []byte("late")) {
		t.Error("expected enqueue after stop to be rejected")
	}
}
