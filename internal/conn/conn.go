// Package conn implements the per-socket peer connection: a sequential
// read loop that delivers decoded frames to its owner, and a serialized
// write queue that guarantees at most one outstanding write at a time.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	log "github.com/cihub/seelog"

	"msghub/internal/wire"
)

// ErrConnectFailed is returned by Dial when resolution or the initial
// blocking TCP connect fails.
var ErrConnectFailed = errors.New("conn: connect failed")

// Conn is one TCP peer connection: an inbound read loop plus an outbound
// FIFO write queue. There is no single-threaded "strand" primitive in Go;
// the queue is instead drained by a single pump goroutine, started whenever
// a frame is enqueued while none is running, which is the rendering used throughout this module for
// "post onto the strand, then touch shared state only from inside it."
type Conn struct {
	sock net.Conn

	mu      sync.Mutex
	queue   []wire.Frame
	pumping bool

	closing   atomic.Bool
	closeOnce sync.Once

	// onFrame is called once per successfully decoded inbound frame, in
	// receive order. onClosed is called exactly once, after the socket is
	// actually closed (forced or graceful).
	onFrame  func(wire.Frame)
	onClosed func()
}

// Dial performs a blocking TCP connect to host:port and, on success, starts
// the read loop. This mirrors the original design's choice to treat the
// initial connect as synchronous: connection setup matters more than
// subscription timing, and retrying a failed connect is left to the caller.
func Dial(ctx context.Context, host string, port uint16, onFrame func(wire.Frame), onClosed func()) (*Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	var d net.Dialer
	sock, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	return newConn(sock, onFrame, onClosed), nil
}

// New wraps an already-established socket (e.g. one handed to us by a
// listener's Accept) as a Conn and starts its read loop.
func New(sock net.Conn, onFrame func(wire.Frame), onClosed func()) *Conn {
	return newConn(sock, onFrame, onClosed)
}

func newConn(sock net.Conn, onFrame func(wire.Frame), onClosed func()) *Conn {
	c := &Conn{sock: sock, onFrame: onFrame, onClosed: onClosed}
	go c.readLoop()
	return c
}

// IsClosing reports whether Close has been called. Once true it never
// reverts to false.
func (c *Conn) IsClosing() bool { return c.closing.Load() }

// readLoop is the READ_HEADER -> READ_BODY -> deliver -> READ_HEADER state
// machine. Any verification failure or I/O error forces the connection
// closed; every successful body read loops back to reading the next
// header, so inbound frames are delivered in strict receive order.
func (c *Conn) readLoop() {
	hdr := make([]byte, wire.HeaderLength)
	for {
		if _, err := io.ReadFull(c.sock, hdr); err != nil {
			c.Close(true)
			return
		}
		h, err := wire.DecodeHeader(hdr)
		if err != nil {
			log.Warnf("conn: bad header from %s: %v", c.remote(), err)
			c.Close(true)
			return
		}
		payload := make([]byte, int(h.TopicLen)+int(h.BodyLen))
		if _, err := io.ReadFull(c.sock, payload); err != nil {
			c.Close(true)
			return
		}
		f, err := wire.DecodePayload(h, payload)
		if err != nil {
			c.Close(true)
			return
		}
		if c.onFrame != nil {
			c.onFrame(f)
		}
	}
}

// Write enqueues (or, if wait is true, synchronously transmits) f.
//
// wait=false is the hot publish path: the frame is appended to the tail of
// the outbound FIFO and, if no pump goroutine is currently draining it, one
// is started. No new frame is enqueued once the connection is closing.
//
// wait=true bypasses the queue entirely with a direct blocking write. It
// exists only for the control-plane window (subscribe/unsubscribe) where
// the caller wants the write observed before returning; callers must not
// race it against concurrently queued writes on the same connection.
func (c *Conn) Write(f wire.Frame, wait bool) error {
	if wait {
		buf, err := wire.Encode(f)
		if err != nil {
			return err
		}
		if _, err := c.sock.Write(buf); err != nil {
			c.Close(true)
			return err
		}
		return nil
	}

	c.mu.Lock()
	if c.closing.Load() {
		c.mu.Unlock()
		return nil
	}
	c.queue = append(c.queue, f)
	start := !c.pumping
	if start {
		c.pumping = true
	}
	c.mu.Unlock()

	if start {
		go c.pump()
	}
	return nil
}

// pump is the only goroutine allowed to touch the socket's write half or
// pop the queue; it runs until the queue drains, at which point it either
// exits (more writes may restart it later) or performs the deferred close
// if Close(false) was called while writes were still in flight.
func (c *Conn) pump() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.pumping = false
			closing := c.closing.Load()
			c.mu.Unlock()
			if closing {
				c.shutdown(false)
			}
			return
		}
		f := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		buf, err := wire.Encode(f)
		if err == nil {
			_, err = c.sock.Write(buf)
		}
		if err != nil {
			c.mu.Lock()
			c.queue = nil
			c.pumping = false
			c.mu.Unlock()
			c.Close(true)
			return
		}
	}
}

// Close marks the connection closing (idempotent, never reverts) and either
// closes the socket immediately (forced, or the queue is already empty) or
// defers to the pump goroutine's next drain-to-empty.
func (c *Conn) Close(forced bool) {
	if forced {
		c.closing.Store(true)
		c.shutdown(true)
		return
	}

	c.mu.Lock()
	c.closing.Store(true)
	idle := !c.pumping
	c.mu.Unlock()
	if idle {
		c.shutdown(false)
	}
}

func (c *Conn) shutdown(forced bool) {
	c.closeOnce.Do(func() {
		if forced {
			if tc, ok := c.sock.(*net.TCPConn); ok {
				_ = tc.SetLinger(0)
			}
		}
		_ = c.sock.Close()
		if c.onClosed != nil {
			c.onClosed()
		}
	})
}

func (c *Conn) remote() string {
	if c.sock == nil {
		return "<nil>"
	}
	if a := c.sock.RemoteAddr(); a != nil {
		return a.String()
	}
	return "<unknown>"
}
