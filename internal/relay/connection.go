package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// State is the lifecycle state of a relay Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Handler receives decoded relay traffic and lifecycle changes. Traffic
// callbacks for one Connection arrive sequentially in arrival order; callbacks
// from different Connections run concurrently.
type Handler interface {
	HandleEvent(relay, subID string, ev *nostr.Event)
	HandleEOSE(relay, subID string)
	HandleOK(relay, eventID string, accepted bool, reason string)
	HandleNotice(relay, message string)
	HandleClosed(relay, subID, reason string)
	HandleState(relay string, state State)
}

// ConnectionConfig tunes a single relay session.
type ConnectionConfig struct {
	QueueCapacity int
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	Retry         *RetryPolicy
	Logger        *slog.Logger
	Metrics       *Metrics
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.Retry == nil {
		c.Retry = DefaultRetryPolicy()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Connection is one persistent session to one relay. It replays open
// subscriptions and unacknowledged events every time the socket comes back,
// and delivers inbound frames strictly in arrival order through a bounded
// queue drained by a single goroutine.
type Connection struct {
	url     string
	cfg     ConnectionConfig
	logger  *slog.Logger
	handler Handler
	dialer  *websocket.Dialer
	queue   *Queue

	// generation fences frames and socket callbacks from replaced sockets.
	generation atomic.Uint64

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	autoReconnect bool
	attempts      int
	timer         *time.Timer
	subs          map[string]nostr.Filters
	pending       map[string]nostr.Event
	closed        bool

	writeMu sync.Mutex
}

// NewConnection creates a disconnected Connection to url. Call Connect to
// open the socket.
func NewConnection(url string, handler Handler, cfg ConnectionConfig) *Connection {
	cfg = cfg.withDefaults()
	c := &Connection{
		url:     url,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "relay", "relay", url),
		handler: handler,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
		subs:    make(map[string]nostr.Filters),
		pending: make(map[string]nostr.Event),
	}
	c.queue = NewQueue(cfg.QueueCapacity, c.generation.Load, c.logger)
	c.queue.SetProcessor(c.handleFrame)
	c.queue.SetObserver(
		func() { cfg.Metrics.frameDropped(url) },
		func() { cfg.Metrics.frameStale(url) },
	)
	c.queue.Start(context.Background())
	return c
}

// URL returns the relay endpoint.
func (c *Connection) URL() string { return c.url }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Generation returns the current socket generation.
func (c *Connection) Generation() uint64 { return c.generation.Load() }

// Connect opens a new socket unless one is already connecting or connected.
func (c *Connection) Connect() {
	c.mu.Lock()
	if c.closed || c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.autoReconnect = true
	c.stopTimerLocked()
	gen := c.generation.Add(1)
	c.state = StateConnecting
	c.mu.Unlock()

	c.handler.HandleState(c.url, StateConnecting)
	go c.dial(gen)
}

// Disconnect closes the socket and disables auto-reconnect. Socket
// callbacks that arrive afterwards are ignored.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.autoReconnect = false
	c.stopTimerLocked()
	ws := c.conn
	c.conn = nil
	c.generation.Add(1)
	wasDisconnected := c.state == StateDisconnected
	c.state = StateDisconnecting
	c.mu.Unlock()

	if ws != nil {
		c.writeMu.Lock()
		_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		ws.Close()
	}

	c.mu.Lock()
	if c.state == StateDisconnecting {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if !wasDisconnected {
		c.handler.HandleState(c.url, StateDisconnected)
	}
}

// Close disconnects permanently and stops the inbound consumer.
func (c *Connection) Close() {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.queue.Stop()
}

// Publish records ev as pending until a relay acknowledgment arrives and
// writes it if the socket is open. While disconnected the event is only
// recorded; it is sent on the next successful connect.
func (c *Connection) Publish(ev nostr.Event) {
	c.mu.Lock()
	c.pending[ev.ID] = ev
	ws := c.liveConnLocked()
	c.mu.Unlock()

	if ws == nil {
		return
	}
	data, err := encodeEvent(ev)
	if err != nil {
		c.logger.Error("encode event failed", "event_id", ev.ID, "error", err)
		return
	}
	c.write(ws, data)
}

// Subscribe records the filters under subID and sends a REQ if connected.
func (c *Connection) Subscribe(subID string, filters nostr.Filters) {
	c.mu.Lock()
	c.subs[subID] = filters
	ws := c.liveConnLocked()
	c.mu.Unlock()

	if ws != nil {
		c.sendReq(ws, subID, filters)
	}
}

// CloseSubscription forgets subID so it is never replayed, and sends CLOSE
// if connected.
func (c *Connection) CloseSubscription(subID string) {
	c.mu.Lock()
	_, known := c.subs[subID]
	delete(c.subs, subID)
	ws := c.liveConnLocked()
	c.mu.Unlock()

	if ws == nil || !known {
		return
	}
	data, err := encodeClose(subID)
	if err != nil {
		c.logger.Error("encode close failed", "sub_id", subID, "error", err)
		return
	}
	c.write(ws, data)
}

// SyncSubscriptions adds every entry of subs the connection does not already
// track and sends it if connected. Subscriptions the connection already
// holds are left alone so a reconnect replay is never doubled. It returns
// how many subscriptions were added.
func (c *Connection) SyncSubscriptions(subs map[string]nostr.Filters) int {
	c.mu.Lock()
	added := make(map[string]nostr.Filters)
	for id, filters := range subs {
		if _, ok := c.subs[id]; ok {
			continue
		}
		c.subs[id] = filters
		added[id] = filters
	}
	ws := c.liveConnLocked()
	c.mu.Unlock()

	if ws != nil {
		for _, id := range sortedIDs(added) {
			c.sendReq(ws, id, added[id])
		}
	}
	return len(added)
}

// SubscriptionIDs returns the ids this connection replays on reconnect.
func (c *Connection) SubscriptionIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedIDs(c.subs)
}

// PendingCount returns how many published events are still unacknowledged.
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Dropped returns how many inbound frames were dropped by a full queue.
func (c *Connection) Dropped() int64 { return c.queue.Dropped() }

func (c *Connection) liveConnLocked() *websocket.Conn {
	if c.state != StateConnected {
		return nil
	}
	return c.conn
}

func (c *Connection) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connection) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()

	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.fail(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.generation.Load() || !c.autoReconnect || c.closed {
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.conn = ws
	c.state = StateConnected
	c.attempts = 0
	subs := make(map[string]nostr.Filters, len(c.subs))
	for id, f := range c.subs {
		subs[id] = f
	}
	pending := make([]nostr.Event, 0, len(c.pending))
	for _, ev := range c.pending {
		pending = append(pending, ev)
	}
	c.mu.Unlock()

	c.logger.Info("relay connected", "generation", gen, "subscriptions", len(subs), "pending", len(pending))
	go c.readLoop(ws, gen)
	go c.pingLoop(ws, gen)

	for _, id := range sortedIDs(subs) {
		c.sendReq(ws, id, subs[id])
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt < pending[j].CreatedAt })
	for _, ev := range pending {
		data, err := encodeEvent(ev)
		if err != nil {
			continue
		}
		c.write(ws, data)
	}
	c.handler.HandleState(c.url, StateConnected)
}

func (c *Connection) readLoop(ws *websocket.Conn, gen uint64) {
	readTimeout := 2 * c.cfg.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			c.fail(gen, err)
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		c.queue.Enqueue(gen, msg)
	}
}

func (c *Connection) pingLoop(ws *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		if c.generation.Load() != gen {
			return
		}
		c.writeMu.Lock()
		err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// fail handles an unexpected close or dial failure for generation gen.
func (c *Connection) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation.Load() || !c.autoReconnect || c.closed {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	c.attempts++
	attempt := c.attempts
	if !c.cfg.Retry.ShouldRetry(err, attempt) {
		c.autoReconnect = false
		c.mu.Unlock()
		c.logger.Error("relay unreachable, giving up", "attempts", attempt, "error", err)
		c.handler.HandleState(c.url, StateDisconnected)
		return
	}
	delay := c.cfg.Retry.NextDelay(attempt)
	c.timer = time.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()

	c.logger.Warn("relay connection lost, reconnect scheduled", "attempt", attempt, "delay", delay, "error", err)
	c.cfg.Metrics.reconnect(c.url)
	c.handler.HandleState(c.url, StateDisconnected)
}

func (c *Connection) reconnect() {
	c.mu.Lock()
	c.timer = nil
	ok := c.autoReconnect && !c.closed
	c.mu.Unlock()
	if ok {
		c.Connect()
	}
}

func (c *Connection) sendReq(ws *websocket.Conn, subID string, filters nostr.Filters) {
	data, err := encodeReq(subID, filters)
	if err != nil {
		c.logger.Error("encode req failed", "sub_id", subID, "error", err)
		return
	}
	c.write(ws, data)
}

// write sends one text frame. A failed write closes the socket so the read
// loop observes the failure and schedules a reconnect.
func (c *Connection) write(ws *websocket.Conn, data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("relay write failed", "error", err)
		ws.Close()
	}
}

// handleFrame decodes one current-generation frame on the queue consumer.
func (c *Connection) handleFrame(raw []byte) {
	env := nostr.ParseMessage(raw)
	if env == nil {
		c.logger.Debug("unrecognized relay frame", "size", len(raw))
		return
	}
	c.cfg.Metrics.frameReceived(c.url, env.Label())

	switch v := env.(type) {
	case *nostr.EventEnvelope:
		if v.SubscriptionID == nil {
			return
		}
		if !VerifyEvent(&v.Event) {
			c.cfg.Metrics.invalidEvent(c.url)
			c.logger.Debug("dropping event with invalid id or signature", "event_id", v.Event.ID)
			return
		}
		ev := v.Event
		c.handler.HandleEvent(c.url, *v.SubscriptionID, &ev)

	case *nostr.EOSEEnvelope:
		c.handler.HandleEOSE(c.url, string(*v))

	case *nostr.OKEnvelope:
		c.mu.Lock()
		delete(c.pending, v.EventID)
		c.mu.Unlock()
		if !v.OK {
			c.cfg.Metrics.rejected(c.url)
			c.logger.Warn("relay rejected event", "event_id", v.EventID, "reason", v.Reason)
		}
		c.handler.HandleOK(c.url, v.EventID, v.OK, v.Reason)

	case *nostr.NoticeEnvelope:
		c.logger.Info("relay notice", "message", string(*v))
		c.handler.HandleNotice(c.url, string(*v))

	case *nostr.ClosedEnvelope:
		c.mu.Lock()
		delete(c.subs, v.SubscriptionID)
		c.mu.Unlock()
		c.logger.Info("relay closed subscription", "sub_id", v.SubscriptionID, "reason", v.Reason)
		c.handler.HandleClosed(c.url, v.SubscriptionID, v.Reason)
	}
}

func sortedIDs(m map[string]nostr.Filters) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
