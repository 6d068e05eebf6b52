// Package hub implements the routing fabric: subscription tables, the
// acceptor loop, and the single outbound uplink connection. See msghub_impl
// (the original design's impl class) for the shape this was grounded on.
package hub

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"weak"

	log "github.com/cihub/seelog"

	"msghub/internal/conn"
	"msghub/internal/hublog"
	"msghub/internal/wire"
)

// Handler is a user-installed local subscription callback.
type Handler func(topic string, body []byte)

// Hub holds all hub-core state: the local handler table, the weak remote
// subscriber table, the single uplink and the acceptor.
type Hub struct {
	subsMu     sync.RWMutex
	localSubs  map[string]Handler
	remoteSubs map[string][]weak.Pointer[Session]

	uplink atomic.Pointer[conn.Conn]

	listenerMu sync.Mutex
	listener   net.Listener

	stopped atomic.Bool
}

// New returns an idle Hub. Bringing up an acceptor and/or uplink happens in
// Create/Connect.
func New() *Hub {
	hublog.Logger() // ensure the shared seelog logger is configured
	return &Hub{
		localSubs:  make(map[string]Handler),
		remoteSubs: make(map[string][]weak.Pointer[Session]),
	}
}

// Create opens a TCP acceptor on 0.0.0.0:port with address reuse, begins
// accepting, and opens a loopback uplink to localhost:port. Returns false on
// any failure (port busy, uplink connect failed); on uplink failure the
// freshly opened listener is torn down again, so a failed Create leaves the
// Hub exactly as idle as it was before the call.
func (h *Hub) Create(ctx context.Context, port uint16) bool {
	if h.stopped.Load() {
		return false
	}

	ln, err := net.Listen("tcp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		log.Warnf("hub: bind failed on port %d: %v", port, err)
		return false
	}

	h.listenerMu.Lock()
	h.listener = ln
	h.listenerMu.Unlock()
	go h.acceptLoop(ln)

	if !h.dialUplink(ctx, "localhost", port) {
		h.listenerMu.Lock()
		if h.listener == ln {
			ln.Close()
			h.listener = nil
		}
		h.listenerMu.Unlock()
		return false
	}

	return true
}

// Connect brings up only the uplink, to an already-running remote hub.
func (h *Hub) Connect(ctx context.Context, host string, port uint16) bool {
	if h.stopped.Load() {
		return false
	}
	return h.dialUplink(ctx, host, port)
}

func (h *Hub) dialUplink(ctx context.Context, host string, port uint16) bool {
	c, err := conn.Dial(ctx, host, port, h.deliver, nil)
	if err != nil {
		log.Infof("hub: uplink connect to %s:%d failed: %v", host, port, err)
		return false
	}
	h.uplink.Store(c)
	return true
}

// Publish enqueues a publish frame on the uplink. Returns false when there
// is no uplink, or the frame would exceed the wire size limit.
func (h *Hub) Publish(topic string, body []byte) bool {
	if h.stopped.Load() {
		return false
	}
	up := h.uplink.Load()
	if up == nil {
		return false
	}
	f, err := wire.New(wire.ActionPublish, topic, body)
	if err != nil {
		return false
	}
	if err := up.Write(f, false); err != nil {
		return false
	}
	return true
}

// Subscribe installs or replaces the local handler for topic. If this is a
// new topic and an uplink exists, a subscribe frame is written upstream
// (blocking) and its success determines the return value; with no uplink,
// a new topic's handler is still installed but Subscribe returns false. If the topic was
// already subscribed, the handler is swapped in place and Subscribe
// succeeds without talking to the uplink at all.
func (h *Hub) Subscribe(topic string, handler Handler) bool {
	if h.stopped.Load() {
		return false
	}

	h.subsMu.Lock()
	_, existed := h.localSubs[topic]
	h.localSubs[topic] = handler
	h.subsMu.Unlock()

	if existed {
		return true
	}

	up := h.uplink.Load()
	if up == nil {
		return false
	}
	f, err := wire.New(wire.ActionSubscribe, topic, nil)
	if err != nil {
		return false
	}
	return up.Write(f, true) == nil
}

// Unsubscribe removes the local handler for topic, if present, and writes
// an unsubscribe frame upstream (blocking). No-op (returns false) if topic
// was not subscribed locally.
func (h *Hub) Unsubscribe(topic string) bool {
	if h.stopped.Load() {
		return false
	}

	h.subsMu.Lock()
	_, existed := h.localSubs[topic]
	delete(h.localSubs, topic)
	h.subsMu.Unlock()

	if !existed {
		return false
	}

	up := h.uplink.Load()
	if up == nil {
		return false
	}
	f, err := wire.New(wire.ActionUnsubscribe, topic, nil)
	if err != nil {
		return false
	}
	return up.Write(f, true) == nil
}

// Stop atomically clears the uplink (closing it gracefully), cancels the
// acceptor, and marks the Hub stopped so every later call is a no-op.
// Idempotent. Subscriber sessions are deliberately not stopped here: the
// acceptor cancel and uplink close are enough to make their sockets error
// out, and they self-destruct from there (see the Session doc in session.go).
func (h *Hub) Stop() {
	h.stopped.Store(true)

	if up := h.uplink.Swap(nil); up != nil {
		up.Close(false)
	}

	h.listenerMu.Lock()
	ln := h.listener
	h.listener = nil
	h.listenerMu.Unlock()
	if ln != nil {
		ln.Close()
	}
}

// deliver is called for every frame arriving on the uplink: look up the
// local handler for its topic and invoke it, outside the subscription lock.
// Unknown topics are dropped silently.
func (h *Hub) deliver(f wire.Frame) {
	h.subsMu.RLock()
	handler := h.localSubs[f.Topic]
	h.subsMu.RUnlock()

	if handler != nil {
		handler(f.Topic, f.Body)
	}
}

// distribute is called for every frame arriving on a server-side subscriber
// session, dispatched by action.
func (h *Hub) distribute(s *Session, f wire.Frame) {
	switch f.Action {
	case wire.ActionPublish:
		h.fanOutPublish(f)
	case wire.ActionSubscribe:
		h.subsMu.Lock()
		h.pruneExpiredLocked()
		h.remoteSubs[f.Topic] = append(h.remoteSubs[f.Topic], weak.Make(s))
		h.subsMu.Unlock()
	case wire.ActionUnsubscribe:
		h.removeSubscriber(f.Topic, s)
	default:
		// ignore
	}
}

func (h *Hub) fanOutPublish(f wire.Frame) {
	h.subsMu.Lock()
	entries := h.remoteSubs[f.Topic]
	alive := entries[:0]
	targets := make([]*Session, 0, len(entries))
	for _, w := range entries {
		if sess := w.Value(); sess != nil {
			alive = append(alive, w)
			targets = append(targets, sess)
		}
	}
	if len(alive) == 0 {
		delete(h.remoteSubs, f.Topic)
	} else {
		h.remoteSubs[f.Topic] = alive
	}
	h.subsMu.Unlock()

	for _, t := range targets {
		if err := t.Write(f); err != nil {
			log.Debugf("hub: forward to subscriber on %q failed: %v", f.Topic, err)
		}
	}
}

// pruneExpiredLocked drops every remote_subs entry across the whole map
// whose weak handle no longer resolves. subsMu must already be held for
// writing. Runs opportunistically on every subscribe arrival, per spec.
func (h *Hub) pruneExpiredLocked() {
	for topic, entries := range h.remoteSubs {
		kept := entries[:0]
		for _, w := range entries {
			if w.Value() != nil {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(h.remoteSubs, topic)
		} else {
			h.remoteSubs[topic] = kept
		}
	}
}

func (h *Hub) removeSubscriber(topic string, s *Session) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()

	entries := h.remoteSubs[topic]
	kept := entries[:0]
	for _, w := range entries {
		sess := w.Value()
		if sess == nil || sess == s {
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		delete(h.remoteSubs, topic)
	} else {
		h.remoteSubs[topic] = kept
	}
}

// acceptLoop accepts subscriber sockets until the listener is closed (by
// Stop), constructing a Session for each and handing it its own read loop.
func (h *Hub) acceptLoop(ln net.Listener) {
	for {
		sock, err := ln.Accept()
		if err != nil {
			log.Infof("hub: acceptor stopped: %v", err)
			return
		}
		newSession(h, sock)
	}
}
