package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"pulsegate/internal/observability/metrics"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultFetchTimeout      = 10 * time.Second
)

// GatewayConfig assembles a Gateway.
type GatewayConfig struct {
	Registry          *Registry
	Source            TopicSource
	Logger            *slog.Logger
	Recorder          *metrics.Recorder
	HeartbeatInterval time.Duration
	FetchTimeout      time.Duration
}

// Gateway upgrades HTTP requests to WebSocket connections and speaks the
// client command protocol: subscribe, ping, and malformed-frame handling.
type Gateway struct {
	registry          *Registry
	source            TopicSource
	logger            *slog.Logger
	recorder          *metrics.Recorder
	heartbeatInterval time.Duration
	fetchTimeout      time.Duration
	upgrader          websocket.Upgrader
}

// NewGateway builds a Gateway, applying defaults for zero config fields.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	return &Gateway{
		registry:          cfg.Registry,
		source:            cfg.Source,
		logger:            logger,
		recorder:          recorder,
		heartbeatInterval: heartbeat,
		fetchTimeout:      fetchTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The dashboard is served from a different origin than the
			// gateway; origin policy is enforced by the CORS layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleConnection upgrades the request and services the connection until the
// peer disconnects or a read fails.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := newConn(ws)
	g.registry.Register(conn)
	defer g.registry.Unregister(conn)

	go conn.writeLoop()
	go g.heartbeatLoop(ws, conn)

	g.readLoop(ws, conn)
}

func (g *Gateway) readLoop(ws *websocket.Conn, conn *Conn) {
	deadline := 2 * g.heartbeatInterval
	ws.SetReadDeadline(time.Now().Add(deadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		messageType, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}
		ws.SetReadDeadline(time.Now().Add(deadline))
		if messageType != websocket.TextMessage {
			continue
		}
		g.handleCommand(conn, payload)
	}
}

func (g *Gateway) heartbeatLoop(ws *websocket.Conn, conn *Conn) {
	ticker := time.NewTicker(g.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				g.registry.Unregister(conn)
				return
			}
		}
	}
}

func (g *Gateway) handleCommand(conn *Conn, payload []byte) {
	var command map[string]any
	if err := json.Unmarshal(payload, &command); err != nil {
		g.unicast(conn, errorMessage("Invalid JSON format"))
		return
	}
	commandType, _ := command["type"].(string)
	switch commandType {
	case commandSubscribe:
		g.handleSubscribe(conn, command)
	case commandPing:
		g.unicast(conn, pongMessage(time.Now().UTC()))
	default:
		// unknown command types are ignored
	}
}

func (g *Gateway) handleSubscribe(conn *Conn, command map[string]any) {
	topic, _ := command["topic"].(string)
	if topic == "" {
		g.unicast(conn, errorMessage("Subscribe requires a topic"))
		return
	}
	g.recorder.ObserveHubEvent("subscribe")

	ctx, cancel := context.WithTimeout(context.Background(), g.fetchTimeout)
	defer cancel()
	data, err := g.source.Fetch(ctx, topic, subscribeParams(command))
	if err != nil {
		if err == ErrUnknownTopic {
			g.unicast(conn, errorMessage(fmt.Sprintf("Unknown topic: %s", topic)))
			return
		}
		g.logger.Warn("topic fetch failed", "topic", topic, "error", err)
		g.unicast(conn, errorMessage(fmt.Sprintf("Failed to fetch topic: %s", topic)))
		return
	}
	g.unicast(conn, updateMessage(topic, data, time.Now().UTC()))
}

// subscribeParams collects the extra command keys as query parameters for the
// topic fetch, so clients can scope a subscription (date ranges, ids).
func subscribeParams(command map[string]any) url.Values {
	params := url.Values{}
	for key, value := range command {
		if key == "type" || key == "topic" {
			continue
		}
		params.Set(key, fmt.Sprintf("%v", value))
	}
	return params
}

func (g *Gateway) unicast(conn *Conn, msg Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		g.logger.Error("marshal outbound frame", "error", err)
		return
	}
	g.registry.SendTo(conn, frame)
}
