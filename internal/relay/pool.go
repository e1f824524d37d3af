package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/user/rideline/internal/types"
)

// ErrUnknownSubscription is returned for operations on a subscription id the
// pool does not track.
var ErrUnknownSubscription = errors.New("relay: unknown subscription")

// EventFunc receives one matching event and the relay it came from. It runs
// on the delivering connection's consumer goroutine.
type EventFunc func(ev *nostr.Event, relay string)

// Subscription is a live filter registered with the Pool.
type Subscription struct {
	ID        string
	Filters   nostr.Filters
	CreatedAt time.Time

	onEvent EventFunc
	eose    *Future
	dedupe  bool

	eoseMu      sync.Mutex
	eoseFrom    map[string]struct{}
	eoseChanged chan struct{}

	seenMu sync.Mutex
	seen   map[string]struct{}
}

// firstDelivery records id and reports whether it had not been seen before.
func (s *Subscription) firstDelivery(id string) bool {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	return true
}

// markEOSE records that relay finished sending stored events and wakes
// anyone waiting on eoseChanged.
func (s *Subscription) markEOSE(relay string) {
	s.eoseMu.Lock()
	defer s.eoseMu.Unlock()
	s.eoseFrom[relay] = struct{}{}
	close(s.eoseChanged)
	s.eoseChanged = make(chan struct{})
}

// eoseSnapshot returns the relays that sent EOSE so far and a channel that
// closes on the next one.
func (s *Subscription) eoseSnapshot() (map[string]struct{}, <-chan struct{}) {
	s.eoseMu.Lock()
	defer s.eoseMu.Unlock()
	from := make(map[string]struct{}, len(s.eoseFrom))
	for url := range s.eoseFrom {
		from[url] = struct{}{}
	}
	return from, s.eoseChanged
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscription)

// WithDedupe delivers each event id at most once even when several relays
// return it.
func WithDedupe() SubscribeOption {
	return func(s *Subscription) { s.dedupe = true }
}

// WithoutDedupe delivers one callback per relay delivery, overriding a
// pool-wide default.
func WithoutDedupe() SubscribeOption {
	return func(s *Subscription) { s.dedupe = false }
}

// PoolConfig tunes a Pool.
type PoolConfig struct {
	Connection ConnectionConfig

	// IsProtocolKind reports whether a kind belongs to the application
	// protocol. Only subscriptions made entirely of such kinds are pruned by
	// Reconcile. Nil disables pruning.
	IsProtocolKind func(kind int) bool

	// SubscriptionMaxAge is the age after which a protocol-only subscription
	// is pruned by Reconcile.
	SubscriptionMaxAge time.Duration

	// SettleDelay is how long Reconcile waits after reconnecting before it
	// replays subscriptions.
	SettleDelay time.Duration

	// Dedupe turns on per-subscription de-duplication by default.
	Dedupe bool

	Logger  *slog.Logger
	Metrics *Metrics
}

// RelayStatus is a diagnostic snapshot of one pool member.
type RelayStatus struct {
	URL           string `json:"url"`
	State         string `json:"state"`
	Generation    uint64 `json:"generation"`
	Pending       int    `json:"pending"`
	Subscriptions int    `json:"subscriptions"`
	Dropped       int64  `json:"dropped"`
}

// SubscriptionInfo is a diagnostic snapshot of one subscription.
type SubscriptionInfo struct {
	ID        string        `json:"id"`
	Filters   nostr.Filters `json:"filters"`
	CreatedAt time.Time     `json:"created_at"`
	EOSE      bool          `json:"eose"`
}

// ReconcileReport describes what Reconcile changed.
type ReconcileReport struct {
	Pruned      []string `json:"pruned"`
	Reconnected []string `json:"reconnected"`
	Replayed    int      `json:"replayed"`
}

// Pool presents many independent relay Connections as one relay set. It
// owns the subscription table and fans publishes and subscriptions out to
// every member.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	conns     map[string]*Connection
	subs      map[string]*Subscription
	connected *Future
	active    bool

	// refreshMu serializes refreshConnected so the count and the swap of
	// connected happen as one step.
	refreshMu sync.Mutex
}

// NewPool creates an empty Pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Connection.Logger == nil {
		cfg.Connection.Logger = cfg.Logger
	}
	if cfg.Connection.Metrics == nil {
		cfg.Connection.Metrics = cfg.Metrics
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	return &Pool{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "pool"),
		now:       time.Now,
		conns:     make(map[string]*Connection),
		subs:      make(map[string]*Subscription),
		connected: NewFuture(),
	}
}

// AddRelay adds a member connection for url. Every tracked subscription is
// forwarded to it, and it is connected right away if the pool is active.
// It reports false if url is already a member.
func (p *Pool) AddRelay(url string) bool {
	p.mu.Lock()
	if _, ok := p.conns[url]; ok {
		p.mu.Unlock()
		return false
	}
	conn := NewConnection(url, p, p.cfg.Connection)
	p.conns[url] = conn
	subs := p.filtersLocked()
	active := p.active
	p.mu.Unlock()

	conn.SyncSubscriptions(subs)
	if active {
		conn.Connect()
	}
	p.logger.Info("relay added", "relay", url)
	return true
}

// RemoveRelay closes and forgets the member for url.
func (p *Pool) RemoveRelay(url string) bool {
	p.mu.Lock()
	conn, ok := p.conns[url]
	delete(p.conns, url)
	p.mu.Unlock()
	if !ok {
		return false
	}
	conn.Close()
	p.refreshConnected()
	p.logger.Info("relay removed", "relay", url)
	return true
}

// Relays returns the member URLs in sorted order.
func (p *Pool) Relays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	urls := make([]string, 0, len(p.conns))
	for url := range p.conns {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// Connect opens every member connection.
func (p *Pool) Connect() {
	p.mu.Lock()
	p.active = true
	conns := p.connListLocked()
	p.mu.Unlock()
	for _, c := range conns {
		c.Connect()
	}
}

// Disconnect closes every member socket without forgetting subscriptions or
// pending events.
func (p *Pool) Disconnect() {
	p.mu.Lock()
	p.active = false
	conns := p.connListLocked()
	p.mu.Unlock()
	for _, c := range conns {
		c.Disconnect()
	}
}

// Close permanently shuts every member down.
func (p *Pool) Close() {
	p.mu.Lock()
	p.active = false
	conns := p.connListLocked()
	p.conns = make(map[string]*Connection)
	p.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Publish fans ev out to every member without waiting for acknowledgment.
func (p *Pool) Publish(ev nostr.Event) {
	p.mu.RLock()
	conns := p.connListLocked()
	p.mu.RUnlock()
	for _, c := range conns {
		c.Publish(ev)
	}
	p.cfg.Metrics.published()
	p.logger.Debug("event published", "event_id", ev.ID, "kind", ev.Kind, "relays", len(conns))
}

// Subscribe registers filters with every member and returns the new
// subscription id. Matching events are delivered to onEvent asynchronously,
// once per relay that has them unless de-duplication is enabled.
func (p *Pool) Subscribe(filters nostr.Filters, onEvent EventFunc, opts ...SubscribeOption) string {
	sub := &Subscription{
		ID:        string(types.NewSubscriptionID()),
		Filters:   filters,
		CreatedAt: p.now(),
		onEvent:   onEvent,
		eose:      NewFuture(),
		dedupe:    p.cfg.Dedupe,
		seen:      make(map[string]struct{}),

		eoseFrom:    make(map[string]struct{}),
		eoseChanged: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}

	p.mu.Lock()
	p.subs[sub.ID] = sub
	conns := p.connListLocked()
	n := len(p.subs)
	p.mu.Unlock()

	for _, c := range conns {
		c.Subscribe(sub.ID, filters)
	}
	p.cfg.Metrics.setSubscriptions(n)
	return sub.ID
}

// CloseSubscription forgets id and asks every member to cancel it,
// including members that are currently disconnected.
func (p *Pool) CloseSubscription(id string) {
	p.mu.Lock()
	delete(p.subs, id)
	conns := p.connListLocked()
	n := len(p.subs)
	p.mu.Unlock()

	for _, c := range conns {
		c.CloseSubscription(id)
	}
	p.cfg.Metrics.setSubscriptions(n)
}

// WaitEOSE waits until any member signals end of stored events for id.
func (p *Pool) WaitEOSE(ctx context.Context, id string, timeout time.Duration) error {
	p.mu.RLock()
	sub, ok := p.subs[id]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
	}
	return sub.eose.Wait(ctx, timeout)
}

// WaitEOSEAll waits until every connected member has signalled end of
// stored events for id. Members that are not connected are not waited for.
func (p *Pool) WaitEOSEAll(ctx context.Context, id string, timeout time.Duration) error {
	p.mu.RLock()
	sub, ok := p.subs[id]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		from, changed := sub.eoseSnapshot()
		if p.eoseFromAll(from) {
			return nil
		}
		select {
		case <-changed:
		case <-expired:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// eoseFromAll reports whether from covers every connected member and at
// least one relay.
func (p *Pool) eoseFromAll(from map[string]struct{}) bool {
	if len(from) == 0 {
		return false
	}
	p.mu.RLock()
	conns := p.connListLocked()
	p.mu.RUnlock()
	for _, c := range conns {
		if c.State() != StateConnected {
			continue
		}
		if _, ok := from[c.URL()]; !ok {
			return false
		}
	}
	return true
}

// WaitConnected waits until at least one member is connected.
func (p *Pool) WaitConnected(ctx context.Context, timeout time.Duration) error {
	p.mu.RLock()
	f := p.connected
	p.mu.RUnlock()
	return f.Wait(ctx, timeout)
}

// IsConnected reports whether at least one member is connected.
func (p *Pool) IsConnected() bool {
	return p.ConnectedCount() > 0
}

// ConnectedCount returns the number of members currently connected.
func (p *Pool) ConnectedCount() int {
	p.mu.RLock()
	conns := p.connListLocked()
	p.mu.RUnlock()
	n := 0
	for _, c := range conns {
		if c.State() == StateConnected {
			n++
		}
	}
	return n
}

// Status returns a per-relay diagnostic snapshot sorted by URL.
func (p *Pool) Status() []RelayStatus {
	p.mu.RLock()
	conns := p.connListLocked()
	p.mu.RUnlock()
	out := make([]RelayStatus, 0, len(conns))
	for _, c := range conns {
		out = append(out, RelayStatus{
			URL:           c.URL(),
			State:         c.State().String(),
			Generation:    c.Generation(),
			Pending:       c.PendingCount(),
			Subscriptions: len(c.SubscriptionIDs()),
			Dropped:       c.Dropped(),
		})
	}
	return out
}

// Subscriptions returns a snapshot of every tracked subscription.
func (p *Pool) Subscriptions() []SubscriptionInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]SubscriptionInfo, 0, len(p.subs))
	for _, s := range p.subs {
		out = append(out, SubscriptionInfo{
			ID:        s.ID,
			Filters:   s.Filters,
			CreatedAt: s.CreatedAt,
			EOSE:      s.eose.Resolved(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Reconcile prunes stale protocol subscriptions, reconnects members found
// disconnected and, after the settle delay, replays every tracked
// subscription the returning members are missing.
func (p *Pool) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	now := p.now()

	p.mu.Lock()
	p.active = true
	for id, sub := range p.subs {
		if p.prunable(sub, now) {
			delete(p.subs, id)
			report.Pruned = append(report.Pruned, id)
		}
	}
	conns := p.connListLocked()
	n := len(p.subs)
	p.mu.Unlock()

	sort.Strings(report.Pruned)
	for _, id := range report.Pruned {
		for _, c := range conns {
			c.CloseSubscription(id)
		}
	}
	p.cfg.Metrics.pruned(len(report.Pruned))
	p.cfg.Metrics.setSubscriptions(n)

	var back []*Connection
	for _, c := range conns {
		if c.State() == StateDisconnected {
			c.Connect()
			back = append(back, c)
			report.Reconnected = append(report.Reconnected, c.URL())
		}
	}
	if len(back) == 0 {
		return report, nil
	}

	select {
	case <-time.After(p.cfg.SettleDelay):
	case <-ctx.Done():
		return report, ctx.Err()
	}

	p.mu.RLock()
	subs := p.filtersLocked()
	p.mu.RUnlock()
	for _, c := range back {
		if c.State() == StateConnected {
			report.Replayed += c.SyncSubscriptions(subs)
		}
	}
	p.logger.Info("pool reconciled",
		"pruned", len(report.Pruned),
		"reconnected", len(report.Reconnected),
		"replayed", report.Replayed,
	)
	return report, nil
}

func (p *Pool) prunable(sub *Subscription, now time.Time) bool {
	if p.cfg.IsProtocolKind == nil || p.cfg.SubscriptionMaxAge <= 0 {
		return false
	}
	if now.Sub(sub.CreatedAt) <= p.cfg.SubscriptionMaxAge {
		return false
	}
	if len(sub.Filters) == 0 {
		return false
	}
	for _, f := range sub.Filters {
		if len(f.Kinds) == 0 {
			return false
		}
		for _, k := range f.Kinds {
			if !p.cfg.IsProtocolKind(k) {
				return false
			}
		}
	}
	return true
}

func (p *Pool) connListLocked() []*Connection {
	out := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

func (p *Pool) filtersLocked() map[string]nostr.Filters {
	out := make(map[string]nostr.Filters, len(p.subs))
	for id, s := range p.subs {
		out[id] = s.Filters
	}
	return out
}

// refreshConnected recomputes the aggregate connectivity signal. It takes
// refreshMu rather than mu because counting calls into each Connection.
func (p *Pool) refreshConnected() {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	n := p.ConnectedCount()
	p.cfg.Metrics.setConnected(n)

	p.mu.Lock()
	defer p.mu.Unlock()
	if n > 0 {
		p.connected.Resolve()
	} else if p.connected.Resolved() {
		p.connected = NewFuture()
	}
}

// HandleEvent implements Handler.
func (p *Pool) HandleEvent(relay, subID string, ev *nostr.Event) {
	p.mu.RLock()
	sub, ok := p.subs[subID]
	p.mu.RUnlock()
	if !ok || sub.onEvent == nil {
		return
	}
	if sub.dedupe && !sub.firstDelivery(ev.ID) {
		return
	}
	sub.onEvent(ev, relay)
}

// HandleEOSE implements Handler.
func (p *Pool) HandleEOSE(relay, subID string) {
	p.mu.RLock()
	sub, ok := p.subs[subID]
	p.mu.RUnlock()
	if ok {
		sub.markEOSE(relay)
		sub.eose.Resolve()
	}
}

// HandleOK implements Handler.
func (p *Pool) HandleOK(relay, eventID string, accepted bool, reason string) {
	p.logger.Debug("publish acknowledged", "relay", relay, "event_id", eventID, "accepted", accepted, "reason", reason)
}

// HandleNotice implements Handler.
func (p *Pool) HandleNotice(relay, message string) {}

// HandleClosed implements Handler.
func (p *Pool) HandleClosed(relay, subID, reason string) {
	p.logger.Debug("subscription closed by relay", "relay", relay, "sub_id", subID, "reason", reason)
}

// HandleState implements Handler.
func (p *Pool) HandleState(relay string, state State) {
	p.refreshConnected()
}
