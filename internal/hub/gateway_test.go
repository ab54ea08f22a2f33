package hub

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pulsegate/internal/observability/metrics"
)

func startGateway(t *testing.T, source TopicSource) (*Registry, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := NewRegistry(logger, metrics.New())
	gateway := NewGateway(GatewayConfig{
		Registry: registry,
		Source:   source,
		Logger:   logger,
		Recorder: metrics.New(),
	})
	srv := httptest.NewServer(http.HandlerFunc(gateway.HandleConnection))
	t.Cleanup(srv.Close)
	return registry, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decode message %q: %v", payload, err)
	}
	return msg
}

func TestPingReturnsPongToSenderOnly(t *testing.T) {
	registry, srv := startGateway(t, StaticSource{})
	first := dial(t, srv)
	second := dial(t, srv)
	waitUntil(t, time.Second, func() bool { return registry.Len() == 2 })

	if err := first.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	msg := readMessage(t, first)
	if msg.Type != "pong" {
		t.Fatalf("expected pong, got %q", msg.Type)
	}
	if msg.Timestamp == nil {
		t.Fatal("expected pong timestamp")
	}

	second.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := second.ReadMessage(); err == nil {
		t.Fatal("second connection should not receive the pong")
	}
}

func TestInvalidJSONGetsErrorAndStaysRegistered(t *testing.T) {
	registry, srv := startGateway(t, StaticSource{})
	conn := dial(t, srv)
	waitUntil(t, time.Second, func() bool { return registry.Len() == 1 })

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{oops")); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Type != "error" || msg.Message != "Invalid JSON format" {
		t.Fatalf("unexpected reply: %+v", msg)
	}
	if registry.Len() != 1 {
		t.Fatalf("connection should stay registered, got %d", registry.Len())
	}

	// The connection still works afterwards.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != "pong" {
		t.Fatalf("expected pong after error, got %q", msg.Type)
	}
}

func TestSubscribeReturnsSnapshotToRequesterOnly(t *testing.T) {
	source := StaticSource{"analytics": json.RawMessage(`{"sessions": 42}`)}
	registry, srv := startGateway(t, source)
	subscriber := dial(t, srv)
	bystander := dial(t, srv)
	waitUntil(t, time.Second, func() bool { return registry.Len() == 2 })

	if err := subscriber.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","topic":"analytics"}`)); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	msg := readMessage(t, subscriber)
	if msg.Type != "update" || msg.Topic != "analytics" {
		t.Fatalf("unexpected reply: %+v", msg)
	}
	var snapshot map[string]any
	if err := json.Unmarshal(msg.Data, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot["sessions"] != float64(42) {
		t.Fatalf("unexpected snapshot: %v", snapshot)
	}

	bystander.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := bystander.ReadMessage(); err == nil {
		t.Fatal("bystander should not receive the snapshot")
	}
}

func TestSubscribeUnknownTopicKeepsConnectionOpen(t *testing.T) {
	registry, srv := startGateway(t, StaticSource{})
	conn := dial(t, srv)
	waitUntil(t, time.Second, func() bool { return registry.Len() == 1 })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","topic":"nope"}`)); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Type != "error" || !strings.Contains(msg.Message, "nope") {
		t.Fatalf("unexpected reply: %+v", msg)
	}
	if registry.Len() != 1 {
		t.Fatalf("connection should stay registered, got %d", registry.Len())
	}
}

func TestUnknownCommandTypeIsIgnored(t *testing.T) {
	registry, srv := startGateway(t, StaticSource{})
	conn := dial(t, srv)
	waitUntil(t, time.Second, func() bool { return registry.Len() == 1 })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("unknown commands should produce no reply")
	}
	if registry.Len() != 1 {
		t.Fatalf("connection should stay registered, got %d", registry.Len())
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	registry, srv := startGateway(t, StaticSource{})
	conn := dial(t, srv)
	waitUntil(t, time.Second, func() bool { return registry.Len() == 1 })

	conn.Close()
	waitUntil(t, time.Second, func() bool { return registry.Len() == 0 })
}
