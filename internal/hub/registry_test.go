package hub

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"pulsegate/internal/observability/metrics"
)

type fakeSocket struct {
	mu     sync.Mutex
	frames [][]byte
	failed bool
	closed bool
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return errors.New("write failed")
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func testRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), metrics.New())
}

func waitUntil(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRegisterAndUnregisterTracksCount(t *testing.T) {
	reg := testRegistry()
	a := newConn(&fakeSocket{})
	b := newConn(&fakeSocket{})

	reg.Register(a)
	reg.Register(b)
	if got := reg.Len(); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}
	if !reg.HasConnections() {
		t.Fatal("expected HasConnections to be true")
	}

	reg.Unregister(a)
	reg.Unregister(a)
	if got := reg.Len(); got != 1 {
		t.Fatalf("unregister must be idempotent, got %d", got)
	}

	reg.Unregister(b)
	if reg.HasConnections() {
		t.Fatal("expected empty registry")
	}
	if got := reg.Len(); got != 0 {
		t.Fatalf("expected 0 connections, got %d", got)
	}
}

func TestBroadcastReachesAllConnections(t *testing.T) {
	reg := testRegistry()
	sockets := make([]*fakeSocket, 3)
	for i := range sockets {
		sockets[i] = &fakeSocket{}
		conn := newConn(sockets[i])
		reg.Register(conn)
		go conn.writeLoop()
	}

	reg.Broadcast([]byte(`{"type":"update"}`))

	for i, sock := range sockets {
		s := sock
		waitUntil(t, time.Second, func() bool { return s.frameCount() == 1 })
		if s.frameCount() != 1 {
			t.Fatalf("socket %d: expected 1 frame", i)
		}
	}
}

func TestBroadcastOnEmptyRegistryIsNoOp(t *testing.T) {
	reg := testRegistry()
	reg.Broadcast([]byte("ignored"))
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}
}

func TestBroadcastDropsFailedConnectionOnly(t *testing.T) {
	reg := testRegistry()
	healthy := &fakeSocket{}
	healthyConn := newConn(healthy)
	reg.Register(healthyConn)
	go healthyConn.writeLoop()

	// A closed connection rejects enqueues immediately.
	broken := newConn(&fakeSocket{failed: true})
	reg.Register(broken)
	broken.close()

	reg.Broadcast([]byte("payload"))

	if reg.contains(broken) {
		t.Fatal("expected failed connection to be removed")
	}
	if !reg.contains(healthyConn) {
		t.Fatal("expected healthy connection to remain")
	}
	waitUntil(t, time.Second, func() bool { return healthy.frameCount() == 1 })
}

func TestSendToFailureUnregisters(t *testing.T) {
	reg := testRegistry()
	conn := newConn(&fakeSocket{})
	reg.Register(conn)
	conn.close()

	reg.SendTo(conn, []byte("payload"))

	if reg.contains(conn) {
		t.Fatal("expected connection to be unregistered after send failure")
	}
}

func TestEnqueueFailsWhenBufferFull(t *testing.T) {
	conn := newConn(&fakeSocket{})
	// No writeLoop draining, so the buffer fills up.
	var err error
	for i := 0; i <= sendBufferSize; i++ {
		err = conn.enqueue([]byte("x"))
	}
	if err == nil {
		t.Fatal("expected enqueue to fail once the buffer is full")
	}
}

func TestCloseCancelsPendingSends(t *testing.T) {
	conn := newConn(&fakeSocket{})
	conn.enqueue([]byte("queued"))
	conn.close()
	if err := conn.enqueue([]byte("late")); !errors.Is(err, errConnClosed) {
		t.Fatalf("expected errConnClosed, got %v", err)
	}
	conn.close()
}

func TestRegistryCloseDropsEverything(t *testing.T) {
	reg := testRegistry()
	for i := 0; i < 4; i++ {
		reg.Register(newConn(&fakeSocket{}))
	}
	reg.Close()
	if reg.Len() != 0 {
		t.Fatalf("expected all connections dropped, got %d", reg.Len())
	}
}
