package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/user/rideline/internal/relay/relaytest"
)

func testPool(dedupe bool) *Pool {
	return NewPool(PoolConfig{
		Connection:  fastConfig(),
		SettleDelay: 20 * time.Millisecond,
		Dedupe:      dedupe,
	})
}

type deliveries struct {
	mu   sync.Mutex
	byID map[string]int
}

func (d *deliveries) record(ev *nostr.Event, relay string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.byID == nil {
		d.byID = make(map[string]int)
	}
	d.byID[ev.ID]++
}

func (d *deliveries) count(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byID[id]
}

func TestPoolPublishFansOut(t *testing.T) {
	a, b := relaytest.Start(), relaytest.Start()
	defer a.Close()
	defer b.Close()

	p := testPool(false)
	defer p.Close()
	p.AddRelay(a.URL())
	p.AddRelay(b.URL())
	p.Connect()

	if err := p.WaitConnected(context.Background(), 2*time.Second); err != nil {
		t.Fatal(err)
	}

	sk := nostr.GeneratePrivateKey()
	ev := signedEvent(t, sk, 1, "hello")
	p.Publish(ev)

	waitFor(t, "event on both relays", func() bool {
		return len(a.Events()) == 1 && len(b.Events()) == 1
	})
}

func TestPoolAddRelayForwardsSubscriptions(t *testing.T) {
	a, b := relaytest.Start(), relaytest.Start()
	defer a.Close()
	defer b.Close()

	p := testPool(false)
	defer p.Close()
	p.AddRelay(a.URL())
	p.Connect()

	id := p.Subscribe(nostr.Filters{{Kinds: []int{1}}}, nil)
	waitFor(t, "REQ on first relay", func() bool { return a.ReqCount(id) == 1 })

	if !p.AddRelay(b.URL()) {
		t.Fatal("expected relay to be added")
	}
	if p.AddRelay(b.URL()) {
		t.Fatal("duplicate relay should be rejected")
	}
	waitFor(t, "REQ on late relay", func() bool { return b.ReqCount(id) == 1 })

	if got := p.Relays(); len(got) != 2 {
		t.Fatalf("expected 2 relays, got %v", got)
	}
}

func TestPoolWaitConnectedTimesOut(t *testing.T) {
	p := testPool(false)
	defer p.Close()

	err := p.WaitConnected(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if p.IsConnected() {
		t.Fatal("empty pool reported connected")
	}
}

func TestPoolWaitEOSE(t *testing.T) {
	a := relaytest.Start()
	defer a.Close()

	p := testPool(false)
	defer p.Close()
	p.AddRelay(a.URL())
	p.Connect()

	id := p.Subscribe(nostr.Filters{{Kinds: []int{1}}}, nil)
	if err := p.WaitEOSE(context.Background(), id, 2*time.Second); err != nil {
		t.Fatal(err)
	}

	if err := p.WaitEOSE(context.Background(), "missing", time.Second); !errors.Is(err, ErrUnknownSubscription) {
		t.Fatalf("expected ErrUnknownSubscription, got %v", err)
	}
}

func TestPoolWaitEOSEAllWaitsForSlowRelay(t *testing.T) {
	a, b := relaytest.Start(), relaytest.Start()
	defer a.Close()
	defer b.Close()
	b.SetEOSEDelay(300 * time.Millisecond)

	p := testPool(false)
	defer p.Close()
	p.AddRelay(a.URL())
	p.AddRelay(b.URL())
	p.Connect()
	waitFor(t, "both relays connected", func() bool { return p.ConnectedCount() == 2 })

	id := p.Subscribe(nostr.Filters{{Kinds: []int{1}}}, nil)
	if err := p.WaitEOSE(context.Background(), id, 2*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := p.WaitEOSEAll(context.Background(), id, 100*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout before the slow relay answers, got %v", err)
	}
	if err := p.WaitEOSEAll(context.Background(), id, 2*time.Second); err != nil {
		t.Fatal(err)
	}

	if err := p.WaitEOSEAll(context.Background(), "missing", time.Second); !errors.Is(err, ErrUnknownSubscription) {
		t.Fatalf("expected ErrUnknownSubscription, got %v", err)
	}
}

func TestPoolConcurrentStateChangesKeepConnected(t *testing.T) {
	a := relaytest.Start()
	defer a.Close()

	p := testPool(false)
	defer p.Close()
	p.AddRelay(a.URL())
	p.Connect()
	if err := p.WaitConnected(context.Background(), 2*time.Second); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.HandleState(a.URL(), StateConnected)
		}()
	}
	wg.Wait()

	if err := p.WaitConnected(context.Background(), 50*time.Millisecond); err != nil {
		t.Fatalf("pool lost its connected signal: %v", err)
	}
}

func TestPoolDeliversOncePerRelayWithoutDedupe(t *testing.T) {
	a, b := relaytest.Start(), relaytest.Start()
	defer a.Close()
	defer b.Close()

	sk := nostr.GeneratePrivateKey()
	ev := signedEvent(t, sk, 1, "stored")

	seed := testPool(false)
	seed.AddRelay(a.URL())
	seed.AddRelay(b.URL())
	seed.Connect()
	seed.Publish(ev)
	waitFor(t, "seeded relays", func() bool {
		return len(a.Events()) == 1 && len(b.Events()) == 1
	})
	seed.Close()

	var plain, deduped deliveries
	p := testPool(false)
	defer p.Close()
	p.AddRelay(a.URL())
	p.AddRelay(b.URL())
	p.Connect()

	p.Subscribe(nostr.Filters{{Kinds: []int{1}}}, plain.record)
	p.Subscribe(nostr.Filters{{Kinds: []int{1}}}, deduped.record, WithDedupe())

	waitFor(t, "delivery from both relays", func() bool { return plain.count(ev.ID) == 2 })
	waitFor(t, "deduplicated delivery", func() bool { return deduped.count(ev.ID) == 1 })

	time.Sleep(50 * time.Millisecond)
	if got := deduped.count(ev.ID); got != 1 {
		t.Fatalf("expected 1 deduplicated delivery, got %d", got)
	}
}

func TestPoolCloseSubscriptionStopsDelivery(t *testing.T) {
	a := relaytest.Start()
	defer a.Close()

	p := testPool(false)
	defer p.Close()
	p.AddRelay(a.URL())
	p.Connect()

	var n atomic.Int32
	id := p.Subscribe(nostr.Filters{{Kinds: []int{1}}}, func(*nostr.Event, string) { n.Add(1) })
	if err := p.WaitEOSE(context.Background(), id, 2*time.Second); err != nil {
		t.Fatal(err)
	}
	p.CloseSubscription(id)
	if len(p.Subscriptions()) != 0 {
		t.Fatal("subscription still tracked after close")
	}

	sk := nostr.GeneratePrivateKey()
	p.Publish(signedEvent(t, sk, 1, "after close"))
	waitFor(t, "publish stored", func() bool { return len(a.Events()) == 1 })
	time.Sleep(50 * time.Millisecond)

	if n.Load() != 0 {
		t.Fatalf("expected no deliveries after close, got %d", n.Load())
	}
}

func TestPoolReconcilePrunesProtocolSubscriptions(t *testing.T) {
	p := NewPool(PoolConfig{
		Connection:         fastConfig(),
		SubscriptionMaxAge: time.Hour,
		IsProtocolKind:     func(k int) bool { return k >= 3000 },
	})
	defer p.Close()

	protocol := p.Subscribe(nostr.Filters{{Kinds: []int{3172}}}, nil)
	mixed := p.Subscribe(nostr.Filters{{Kinds: []int{3172, 1}}}, nil)
	open := p.Subscribe(nostr.Filters{{Authors: []string{"abc"}}}, nil)

	p.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	fresh := p.Subscribe(nostr.Filters{{Kinds: []int{3173}}}, nil)

	report, err := p.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Pruned) != 1 || report.Pruned[0] != protocol {
		t.Fatalf("expected only %s pruned, got %v", protocol, report.Pruned)
	}

	left := make(map[string]bool)
	for _, s := range p.Subscriptions() {
		left[s.ID] = true
	}
	for _, id := range []string{mixed, open, fresh} {
		if !left[id] {
			t.Errorf("subscription %s should survive", id)
		}
	}
}

func TestPoolReconcileReconnects(t *testing.T) {
	a := relaytest.Start()
	defer a.Close()

	p := testPool(false)
	defer p.Close()
	p.AddRelay(a.URL())
	p.Connect()
	if err := p.WaitConnected(context.Background(), 2*time.Second); err != nil {
		t.Fatal(err)
	}

	p.Disconnect()
	waitFor(t, "disconnect", func() bool { return p.ConnectedCount() == 0 })

	id := p.Subscribe(nostr.Filters{{Kinds: []int{1}}}, nil)

	report, err := p.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Reconnected) != 1 || report.Reconnected[0] != a.URL() {
		t.Fatalf("expected reconnect of %s, got %v", a.URL(), report.Reconnected)
	}
	waitFor(t, "reconnected", func() bool { return p.ConnectedCount() == 1 })
	waitFor(t, "subscription replayed", func() bool { return a.ReqCount(id) == 1 })

	time.Sleep(50 * time.Millisecond)
	if got := a.ReqCount(id); got != 1 {
		t.Fatalf("expected exactly one REQ, got %d", got)
	}
}

func TestPoolStatusAndMetrics(t *testing.T) {
	a := relaytest.Start()
	defer a.Close()

	reg := prometheus.NewRegistry()
	p := NewPool(PoolConfig{
		Connection: fastConfig(),
		Metrics:    NewMetrics(reg, ""),
	})
	defer p.Close()
	p.AddRelay(a.URL())
	p.AddRelay("ws://127.0.0.1:1")
	p.Connect()

	waitFor(t, "one relay connected", func() bool { return p.ConnectedCount() == 1 })

	status := p.Status()
	if len(status) != 2 {
		t.Fatalf("expected 2 status rows, got %d", len(status))
	}
	states := map[string]string{}
	for _, s := range status {
		states[s.URL] = s.State
	}
	if states[a.URL()] != "connected" {
		t.Fatalf("expected %s connected, got %q", a.URL(), states[a.URL()])
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "rideline_relay_connected" {
			found = true
		}
	}
	if !found {
		t.Fatal("connected gauge not registered")
	}
}
