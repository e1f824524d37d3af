// Package relaytest provides an in-process relay that speaks the relay wire
// protocol over gorilla/websocket. It stores every accepted event, answers
// REQ with stored matches followed by EOSE, streams live matches, honors
// CLOSE and applies deletion requests from the original author.
package relaytest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

const kindDeletion = 5

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	mu      sync.Mutex
	subs    map[string]nostr.Filters
}

func (c *client) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

// Relay is an in-memory relay. The zero value is not usable; call NewRelay
// or Start.
type Relay struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger
	server   *httptest.Server

	mu           sync.Mutex
	events       []nostr.Event
	clients      map[*client]struct{}
	reqCounts    map[string]int
	connects     int
	silent       bool
	ignoreDelete bool
	eoseDelay    time.Duration
}

// NewRelay creates a relay handler that is not yet listening. Mount it with
// Handler or use Start for a test server.
func NewRelay(logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:    logger.With("component", "relaytest"),
		clients:   make(map[*client]struct{}),
		reqCounts: make(map[string]int),
	}
}

// Start creates a relay listening on a loopback httptest server.
func Start() *Relay {
	r := NewRelay(nil)
	r.server = httptest.NewServer(r)
	return r
}

// URL returns the ws:// address of a relay created with Start.
func (r *Relay) URL() string {
	if r.server == nil {
		return ""
	}
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

// Close drops every client and shuts the test server down.
func (r *Relay) Close() {
	r.DropConnections()
	if r.server != nil {
		r.server.Close()
	}
}

// DropConnections abruptly closes every client socket.
func (r *Relay) DropConnections() {
	r.mu.Lock()
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

// SetSilent stops the relay from answering EVENT with OK when true.
func (r *Relay) SetSilent(silent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.silent = silent
}

// SetIgnoreDeletions makes the relay accept deletion requests without
// removing their targets, like a relay that does not honor them.
func (r *Relay) SetIgnoreDeletions(ignore bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ignoreDelete = ignore
}

// SetEOSEDelay holds EOSE back for d after the stored matches are sent,
// like a slow relay.
func (r *Relay) SetEOSEDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eoseDelay = d
}

// Events returns a copy of every stored event in arrival order.
func (r *Relay) Events() []nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]nostr.Event(nil), r.events...)
}

// ReqCount returns how many REQ frames carried subID.
func (r *Relay) ReqCount(subID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqCounts[subID]
}

// ClientCount returns the number of open client sockets.
func (r *Relay) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Connects returns how many client sockets have been accepted in total.
func (r *Relay) Connects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

// Broadcast writes raw to every client as-is, bypassing validation.
func (r *Relay) Broadcast(raw []byte) {
	r.mu.Lock()
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.TextMessage, raw)
		c.writeMu.Unlock()
	}
}

// ServeHTTP upgrades the request and serves one client session.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, subs: make(map[string]nostr.Filters)}

	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.connects++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.clients, c)
		r.mu.Unlock()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		r.handle(c, msg)
	}
}

func (r *Relay) handle(c *client, msg []byte) {
	switch env := nostr.ParseMessage(msg).(type) {
	case *nostr.EventEnvelope:
		r.handleEvent(c, env.Event)
	case *nostr.ReqEnvelope:
		r.handleReq(c, env.SubscriptionID, env.Filters)
	case *nostr.CloseEnvelope:
		c.mu.Lock()
		delete(c.subs, string(*env))
		c.mu.Unlock()
	}
}

func (r *Relay) handleEvent(c *client, ev nostr.Event) {
	if ev.GetID() != ev.ID {
		r.ok(c, ev.ID, false, "invalid: bad event id")
		return
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		r.ok(c, ev.ID, false, "invalid: bad signature")
		return
	}

	r.mu.Lock()
	duplicate := false
	for _, existing := range r.events {
		if existing.ID == ev.ID {
			duplicate = true
			break
		}
	}
	if !duplicate {
		if ev.Kind == kindDeletion && !r.ignoreDelete {
			r.applyDeletionLocked(ev)
		}
		r.events = append(r.events, ev)
	}
	clients := make([]*client, 0, len(r.clients))
	for cl := range r.clients {
		clients = append(clients, cl)
	}
	r.mu.Unlock()

	r.ok(c, ev.ID, true, "")
	if duplicate {
		return
	}
	for _, cl := range clients {
		cl.mu.Lock()
		var matched []string
		for id, filters := range cl.subs {
			if filters.Match(&ev) {
				matched = append(matched, id)
			}
		}
		cl.mu.Unlock()
		sort.Strings(matched)
		for _, id := range matched {
			subID := id
			cl.send(&nostr.EventEnvelope{SubscriptionID: &subID, Event: ev})
		}
	}
}

// applyDeletionLocked removes events referenced by the deletion request's
// e tags that were authored by the same key.
func (r *Relay) applyDeletionLocked(del nostr.Event) {
	targets := make(map[string]bool)
	for _, tag := range del.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			targets[tag[1]] = true
		}
	}
	kept := r.events[:0]
	for _, ev := range r.events {
		if targets[ev.ID] && ev.PubKey == del.PubKey {
			continue
		}
		kept = append(kept, ev)
	}
	r.events = kept
}

func (r *Relay) ok(c *client, id string, accepted bool, reason string) {
	r.mu.Lock()
	silent := r.silent
	r.mu.Unlock()
	if silent {
		return
	}
	c.send(&nostr.OKEnvelope{EventID: id, OK: accepted, Reason: reason})
}

func (r *Relay) handleReq(c *client, subID string, filters nostr.Filters) {
	r.mu.Lock()
	r.reqCounts[subID]++
	stored := append([]nostr.Event(nil), r.events...)
	delay := r.eoseDelay
	r.mu.Unlock()

	c.mu.Lock()
	c.subs[subID] = filters
	c.mu.Unlock()

	seen := make(map[string]bool)
	for _, f := range filters {
		var matches []nostr.Event
		for i := len(stored) - 1; i >= 0; i-- {
			ev := stored[i]
			if seen[ev.ID] || !f.Matches(&ev) {
				continue
			}
			matches = append(matches, ev)
			if f.Limit > 0 && len(matches) >= f.Limit {
				break
			}
		}
		for i := len(matches) - 1; i >= 0; i-- {
			ev := matches[i]
			seen[ev.ID] = true
			id := subID
			c.send(&nostr.EventEnvelope{SubscriptionID: &id, Event: ev})
		}
	}
	eose := nostr.EOSEEnvelope(subID)
	if delay > 0 {
		time.AfterFunc(delay, func() { c.send(&eose) })
		return
	}
	c.send(&eose)
}
