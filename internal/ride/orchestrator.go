// Package ride composes the relay pool, the protocol event model and the
// ride state machine into the operations a rider or driver performs:
// discovery, the offer/accept/confirm handshake, live ride state, chat,
// cancellation, cleanup and private backups.
package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/rideline/internal/identity"
	"github.com/user/rideline/internal/protocol"
	"github.com/user/rideline/internal/relay"
	"github.com/user/rideline/internal/worker"
)

var (
	// ErrNotAvailable is returned when an operation needs an identity and
	// none is loaded.
	ErrNotAvailable = errors.New("ride: no identity available")
	// ErrNoRelayReachable is returned when no relay connected within the
	// connect timeout.
	ErrNoRelayReachable = errors.New("ride: no relay reachable")
	// ErrUnknownRide is returned for a ride id this orchestrator is not
	// tracking.
	ErrUnknownRide = errors.New("ride: unknown ride")
)

const tracerName = "github.com/user/rideline/internal/ride"

// RelayPool is the part of relay.Pool the orchestrator depends on.
type RelayPool interface {
	Publish(ev nostr.Event)
	Subscribe(filters nostr.Filters, fn relay.EventFunc, opts ...relay.SubscribeOption) string
	CloseSubscription(id string)
	WaitConnected(ctx context.Context, timeout time.Duration) error
	WaitEOSE(ctx context.Context, id string, timeout time.Duration) error
	WaitEOSEAll(ctx context.Context, id string, timeout time.Duration) error
}

// Config tunes an Orchestrator.
type Config struct {
	ConnectTimeout  time.Duration
	EOSETimeout     time.Duration
	DeletionRecheck time.Duration
	AdminPubKey     string
	Logger          *slog.Logger
	Tracer          trace.Tracer
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.EOSETimeout <= 0 {
		c.EOSETimeout = 5 * time.Second
	}
	if c.DeletionRecheck <= 0 {
		c.DeletionRecheck = 3 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer(tracerName)
	}
	return c
}

// Orchestrator is the protocol facade. It is safe for concurrent use.
type Orchestrator struct {
	cfg     Config
	pool    RelayPool
	workers *worker.Pool
	logger  *slog.Logger
	tracer  trace.Tracer
	seq     atomic.Uint64

	mu           sync.RWMutex
	signer       identity.Signer
	rides        map[string]*Ride
	lanes        map[string]string
	availability []string
}

// New creates an Orchestrator. signer may be nil, in which case every
// operation that needs an identity returns ErrNotAvailable until SetSigner
// is called. workers must already be started.
func New(pool RelayPool, workers *worker.Pool, signer identity.Signer, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:     cfg,
		pool:    pool,
		workers: workers,
		logger:  cfg.Logger.With("component", "ride"),
		tracer:  cfg.Tracer,
		signer:  signer,
		rides:   make(map[string]*Ride),
		lanes:   make(map[string]string),
	}
}

// SetSigner replaces the active identity. Passing nil logs out.
func (o *Orchestrator) SetSigner(s identity.Signer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.signer = s
}

// PublicKey returns the active identity's public key, or "" when logged out.
func (o *Orchestrator) PublicKey() string {
	s, err := o.identity()
	if err != nil {
		return ""
	}
	return s.PublicKey()
}

func (o *Orchestrator) identity() (identity.Signer, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.signer == nil {
		return nil, ErrNotAvailable
	}
	return o.signer, nil
}

// writable returns the identity once at least one relay is connected.
func (o *Orchestrator) writable(ctx context.Context) (identity.Signer, error) {
	s, err := o.identity()
	if err != nil {
		return nil, err
	}
	if err := o.pool.WaitConnected(ctx, o.cfg.ConnectTimeout); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrNoRelayReachable
	}
	return s, nil
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "ride."+name, trace.WithAttributes(attrs...))
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// publish hands a signed event to every relay in the pool.
func (o *Orchestrator) publish(span trace.Span, ev *nostr.Event) {
	span.SetAttributes(
		attribute.String("rideline.event_id", ev.ID),
		attribute.Int("rideline.kind", ev.Kind),
	)
	o.pool.Publish(*ev)
	o.logger.Debug("published", "kind", ev.Kind, "event_id", ev.ID)
}

// subscribe registers filters and routes every delivery through the worker
// pool on a lane private to this subscription, so handlers never run on a
// relay's inbound consumer and a slow handler only delays its own lane.
func (o *Orchestrator) subscribe(name string, filters nostr.Filters, handle func(ctx context.Context, ev *nostr.Event) error, opts ...relay.SubscribeOption) string {
	lane := fmt.Sprintf("%s-%d", name, o.seq.Add(1))
	id := o.pool.Subscribe(filters, func(ev *nostr.Event, relayURL string) {
		if protocol.Expired(ev, time.Now()) {
			return
		}
		err := o.workers.Submit(jobID(lane, ev.ID), lane, func(ctx context.Context) error {
			return handle(ctx, ev)
		})
		if err != nil && !errors.Is(err, worker.ErrDuplicate) {
			o.logger.Warn("delivery not scheduled", "lane", lane, "event_id", ev.ID, "error", err)
		}
	}, opts...)

	o.mu.Lock()
	o.lanes[id] = lane
	o.mu.Unlock()
	return id
}

func jobID(lane, eventID string) string { return lane + "/" + eventID }

// Unsubscribe closes a subscription created by this orchestrator.
func (o *Orchestrator) Unsubscribe(id string) {
	o.pool.CloseSubscription(id)
	o.mu.Lock()
	delete(o.lanes, id)
	o.mu.Unlock()
}

// CancelDecrypt cancels the queued or running handler for eventID on the
// given subscription. It reports whether one was found.
func (o *Orchestrator) CancelDecrypt(subID, eventID string) bool {
	o.mu.RLock()
	lane, ok := o.lanes[subID]
	o.mu.RUnlock()
	if !ok {
		return false
	}
	return o.workers.Cancel(jobID(lane, eventID))
}

// query collects stored events matching filters until the first relay
// signals end of stored events or the EOSE timeout passes. A timeout is not
// an error: whatever arrived is returned.
func (o *Orchestrator) query(ctx context.Context, filters nostr.Filters) ([]*nostr.Event, error) {
	return o.collect(ctx, filters, o.pool.WaitEOSE)
}

// queryAll is query, but waits for every connected relay's EOSE so an event
// only one relay still serves is not missed.
func (o *Orchestrator) queryAll(ctx context.Context, filters nostr.Filters) ([]*nostr.Event, error) {
	return o.collect(ctx, filters, o.pool.WaitEOSEAll)
}

func (o *Orchestrator) collect(ctx context.Context, filters nostr.Filters, wait func(context.Context, string, time.Duration) error) ([]*nostr.Event, error) {
	var (
		mu  sync.Mutex
		out []*nostr.Event
	)
	id := o.pool.Subscribe(filters, func(ev *nostr.Event, _ string) {
		mu.Lock()
		out = append(out, ev)
		mu.Unlock()
	}, relay.WithDedupe())
	defer o.pool.CloseSubscription(id)

	err := wait(ctx, id, o.cfg.EOSETimeout)
	if err != nil && !errors.Is(err, relay.ErrTimeout) {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]*nostr.Event(nil), out...), nil
}

// newest returns the event that supersedes every other in evs.
func newest(evs []*nostr.Event) *nostr.Event {
	var best *nostr.Event
	for _, ev := range evs {
		if protocol.Newer(ev, best) {
			best = ev
		}
	}
	return best
}
