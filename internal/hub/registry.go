// Package hub holds the live WebSocket connection registry, the update
// broadcaster, and the client command protocol for the gateway's real-time
// side.
package hub

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"pulsegate/internal/observability/metrics"
)

const (
	sendBufferSize = 16
	writeTimeout   = 10 * time.Second
)

var errConnClosed = errors.New("connection closed")

// socket is the minimal transport surface a Conn writes to. Satisfied by
// *websocket.Conn; tests substitute fakes to exercise failure paths.
type socket interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const textMessage = 1 // websocket.TextMessage

// Conn is one registered client connection. Outbound frames are queued on a
// buffered channel and written by a single writer goroutine so concurrent
// broadcasts never interleave frames.
type Conn struct {
	sock      socket
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(sock socket) *Conn {
	return &Conn{
		sock: sock,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// enqueue hands a frame to the writer goroutine without blocking. It fails
// when the connection is closed or the client is too slow to drain its queue.
func (c *Conn) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errors.New("send queue full")
	}
}

// close releases the connection. Idempotent; pending sends are abandoned.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sock.Close()
	})
}

// writeLoop serializes all frame writes for the connection. It exits when the
// connection closes or a write fails.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.sock.WriteMessage(textMessage, frame); err != nil {
				c.close()
				return
			}
		}
	}
}

// Registry tracks the set of live connections. All operations are safe for
// concurrent use; Unregister is idempotent and the count never goes negative.
type Registry struct {
	mu       sync.RWMutex
	conns    map[*Conn]struct{}
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *slog.Logger, recorder *metrics.Recorder) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Registry{
		conns:    make(map[*Conn]struct{}),
		logger:   logger,
		recorder: recorder,
	}
}

// Register adds the connection to the live set.
func (reg *Registry) Register(conn *Conn) {
	reg.mu.Lock()
	reg.conns[conn] = struct{}{}
	total := len(reg.conns)
	reg.mu.Unlock()
	reg.recorder.ConnectionOpened()
	reg.logger.Info("connection registered", "total", total)
}

// Unregister removes the connection and closes it. Calling it again for the
// same connection is a no-op.
func (reg *Registry) Unregister(conn *Conn) {
	reg.mu.Lock()
	_, present := reg.conns[conn]
	if present {
		delete(reg.conns, conn)
	}
	remaining := len(reg.conns)
	reg.mu.Unlock()
	if !present {
		return
	}
	conn.close()
	reg.recorder.ConnectionClosed()
	reg.logger.Info("connection unregistered", "remaining", remaining)
}

// Broadcast queues the frame on every connection registered at call time.
// Connections that fail to accept the frame are unregistered; the rest still
// receive it.
func (reg *Registry) Broadcast(frame []byte) {
	reg.mu.RLock()
	targets := make([]*Conn, 0, len(reg.conns))
	for conn := range reg.conns {
		targets = append(targets, conn)
	}
	reg.mu.RUnlock()

	var failed []*Conn
	for _, conn := range targets {
		if !reg.contains(conn) {
			continue
		}
		if err := conn.enqueue(frame); err != nil {
			failed = append(failed, conn)
		}
	}
	for _, conn := range failed {
		reg.logger.Warn("dropping unresponsive connection")
		reg.recorder.ObserveHubEvent("send_failure")
		reg.Unregister(conn)
	}
	reg.recorder.ObserveHubEvent("broadcast")
}

// SendTo queues the frame on a single connection, unregistering it on failure.
func (reg *Registry) SendTo(conn *Conn, frame []byte) {
	if !reg.contains(conn) {
		return
	}
	if err := conn.enqueue(frame); err != nil {
		reg.logger.Warn("dropping unresponsive connection")
		reg.recorder.ObserveHubEvent("send_failure")
		reg.Unregister(conn)
		return
	}
	reg.recorder.ObserveHubEvent("unicast")
}

// HasConnections reports whether any client is registered.
func (reg *Registry) HasConnections() bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.conns) > 0
}

// Len reports the number of registered connections.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.conns)
}

// Close unregisters every connection, used at shutdown.
func (reg *Registry) Close() {
	reg.mu.Lock()
	conns := make([]*Conn, 0, len(reg.conns))
	for conn := range reg.conns {
		conns = append(conns, conn)
	}
	reg.mu.Unlock()
	for _, conn := range conns {
		reg.Unregister(conn)
	}
}

func (reg *Registry) contains(conn *Conn) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	_, ok := reg.conns[conn]
	return ok
}
