// Package msghub is an embeddable topic-based publish/subscribe hub. A
// single Hub can act as a server (accepting subscriber TCP connections), as
// a client (publishing/subscribing against a remote hub), or as both at
// once via a colocated loopback uplink.
//
// There is no authentication, no persistence, no message replay, and no
// quality of service beyond best-effort ordered delivery per TCP
// connection. All operations return a plain bool; transient I/O errors are
// logged internally (see internal/hublog) and never surfaced to the caller.
package msghub

import (
	"context"

	"msghub/internal/hub"
)

// Handler receives delivered messages for a subscribed topic.
type Handler func(topic string, body []byte)

// Hub is the public façade over the internal routing core. The zero value
// is not usable; construct with New.
type Hub struct {
	core *hub.Hub
}

// New returns an idle Hub. Call Create or Connect to bring up an acceptor
// and/or uplink before publishing or subscribing.
func New() *Hub {
	return &Hub{core: hub.New()}
}

// Create opens a TCP acceptor on 0.0.0.0:port and a loopback uplink to
// localhost:port. Returns true iff both the acceptor bound and the uplink
// connected.
func (b *Hub) Create(port uint16) bool {
	return b.core.Create(context.Background(), port)
}

// Connect opens only the uplink, to an existing remote hub. Returns true
// iff the uplink connected.
func (b *Hub) Connect(host string, port uint16) bool {
	return b.core.Connect(context.Background(), host, port)
}

// Publish enqueues a publish frame on the uplink. Returns true iff a frame
// was enqueued (an uplink exists and the message fits the wire limit).
func (b *Hub) Publish(topic string, body []byte) bool {
	return b.core.Publish(topic, body)
}

// Subscribe installs handler for topic, replacing any previous handler for
// the same topic. Returns true iff the handler was installed and, for a
// newly subscribed topic, the subscribe frame was written upstream; a new
// topic subscribed with no uplink keeps its handler but returns false.
func (b *Hub) Subscribe(topic string, handler Handler) bool {
	return b.core.Subscribe(topic, hub.Handler(handler))
}

// Unsubscribe removes the local handler for topic and writes an
// unsubscribe frame upstream. Returns true iff topic was subscribed
// locally and the unsubscribe frame was written.
func (b *Hub) Unsubscribe(topic string) bool {
	return b.core.Unsubscribe(topic)
}

// Stop tears the Hub down: the uplink is closed gracefully, the acceptor is
// cancelled, and every subsequent call on b becomes a no-op returning
// false. Idempotent.
func (b *Hub) Stop() {
	b.core.Stop()
}

// Snapshot returns a point-in-time view of the Hub's subscription state,
// for tests and operator introspection. It is not part of the wire
// protocol.
func (b *Hub) Snapshot() hub.SnapshotRecord {
	return b.core.Snapshot()
}
