package hub

import (
	"net"

	"msghub/internal/conn"
	"msghub/internal/wire"
)

// Session is the server-side view of one accepted subscriber connection.
// It owns a *conn.Conn and forwards every inbound frame to the hub's
// distribute routing path. The hub never holds a strong reference to a
// Session beyond the lifetime of its I/O: remote_subs stores only
// weak.Pointer[Session] handles (see Hub.remoteSubs in hub.go), so a
// Session that nothing else references becomes collectible the moment its
// read loop exits.
type Session struct {
	c *conn.Conn
	h *Hub
}

// newSession wraps an accepted socket and starts its read loop. Frames
// arriving on it are routed through h.distribute, per spec: inbound frames
// on a server-side connection update the remote subscription table and/or
// fan out publishes, never deliver to local handlers directly.
func newSession(h *Hub, sock net.Conn) *Session {
	s := &Session{h: h}
	s.c = conn.New(sock, func(f wire.Frame) {
		h.distribute(s, f)
	}, nil)
	return s
}

// Write forwards a frame to this session's connection, asynchronously
// (queued), matching the fan-out path used by distribute on publish.
func (s *Session) Write(f wire.Frame) error {
	return s.c.Write(f, false)
}
