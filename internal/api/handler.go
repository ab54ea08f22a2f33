package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"pulsegate/internal/eventlog"
	"pulsegate/internal/hub"
	"pulsegate/internal/proxy"
)

const defaultMonitorLimit = 50

// BackendResolver maps an upstream service name to its base URL. It is
// consulted on every proxied call so configuration changes take effect
// without a restart.
type BackendResolver func(service string) (string, bool)

// Handler exposes the gateway's HTTP surface.
type Handler struct {
	Forwarder   *proxy.Forwarder
	Backends    BackendResolver
	Gateway     *hub.Gateway
	Broadcaster *hub.Broadcaster
	Requests    *eventlog.Log
	Errors      *eventlog.Log
	Logger      *slog.Logger
	// DevMode enables the /internal/broadcast hook.
	DevMode bool
}

// Health reports process liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Export proxies /api/export/* to the export backend.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	h.forward(w, r, "export", "/api/export/")
}

// Scheduler proxies /api/scheduler/* to the scheduler backend.
func (h *Handler) Scheduler(w http.ResponseWriter, r *http.Request) {
	h.forward(w, r, "scheduler", "/api/scheduler/")
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, service, prefix string) {
	baseURL, ok := h.Backends(service)
	if !ok || strings.TrimSpace(baseURL) == "" {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("no backend configured for %s", service))
		return
	}
	path := strings.TrimPrefix(r.URL.Path, prefix)
	h.Forwarder.Forward(w, r, proxy.Target{Service: service, BaseURL: baseURL, Path: path})
}

// Websocket upgrades the request and services the live connection.
func (h *Handler) Websocket(w http.ResponseWriter, r *http.Request) {
	h.Gateway.HandleConnection(w, r)
}

type broadcastRequest struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// Broadcast publishes an update to all connections. Development hook only;
// returns 403 outside dev mode.
func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	if !h.DevMode {
		writeError(w, http.StatusForbidden, errors.New("broadcast hook disabled"))
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req broadcastRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode broadcast request: %w", err))
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		writeError(w, http.StatusBadRequest, errors.New("topic is required"))
		return
	}
	if err := h.Broadcaster.Publish(r.Context(), req.Topic, req.Data); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "topic": req.Topic})
}

// MonitorRequests returns the most recent request log entries.
func (h *Handler) MonitorRequests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Requests.Recent(monitorLimit(r)))
}

// MonitorErrors returns the most recent error log entries.
func (h *Handler) MonitorErrors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Errors.Recent(monitorLimit(r)))
}

type monitorSummary struct {
	Requests eventlog.Summary `json:"requests"`
	Errors   int              `json:"errors"`
}

// MonitorSummary aggregates retained requests by path and method.
func (h *Handler) MonitorSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, monitorSummary{
		Requests: h.Requests.Summarize(),
		Errors:   h.Errors.Len(),
	})
}

func monitorLimit(r *http.Request) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultMonitorLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultMonitorLimit
	}
	return limit
}
