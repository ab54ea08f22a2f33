package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pulsegate/internal/api"
	"pulsegate/internal/eventlog"
	"pulsegate/internal/hub"
	"pulsegate/internal/observability/metrics"
	"pulsegate/internal/proxy"
)

func testServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	registry := hub.NewRegistry(logger, cfg.Metrics)
	handler := &api.Handler{
		Forwarder: proxy.NewForwarder(proxy.Config{Logger: logger, Recorder: cfg.Metrics}),
		Backends:  func(string) (string, bool) { return "", false },
		Gateway: hub.NewGateway(hub.GatewayConfig{
			Registry: registry,
			Source:   hub.StaticSource{},
			Logger:   logger,
			Recorder: cfg.Metrics,
		}),
		Broadcaster: hub.NewBroadcaster(hub.BroadcasterConfig{
			Registry: registry,
			Logger:   logger,
			Recorder: cfg.Metrics,
			Instance: "test",
		}),
		Requests: cfg.Requests,
		Errors:   cfg.Errors,
		Logger:   logger,
		DevMode:  true,
	}
	if handler.Requests == nil {
		handler.Requests = eventlog.NewLog(eventlog.RequestCapacity)
	}
	if handler.Errors == nil {
		handler.Errors = eventlog.NewLog(eventlog.ErrorCapacity)
	}
	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	return srv
}

func TestHealthEndpointThroughChain(t *testing.T) {
	srv := testServer(t, Config{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header")
	}
}

func TestRequestIDHeaderPreserved(t *testing.T) {
	srv := testServer(t, Config{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-123")
	srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "req-123" {
		t.Fatalf("expected incoming request id preserved, got %q", got)
	}
}

func TestEventLogRecordsThroughChain(t *testing.T) {
	requests := eventlog.NewLog(eventlog.RequestCapacity)
	errorLog := eventlog.NewLog(eventlog.ErrorCapacity)
	srv := testServer(t, Config{Requests: requests, Errors: errorLog})

	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	entries := requests.Recent(0)
	if len(entries) != 1 {
		t.Fatalf("expected one logged request, got %d", len(entries))
	}
	if entries[0].Path != "/healthz" || entries[0].Status != http.StatusOK {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}

func TestRecoveryProducesGeneric500AndErrorEntry(t *testing.T) {
	requests := eventlog.NewLog(eventlog.RequestCapacity)
	errorLog := eventlog.NewLog(eventlog.ErrorCapacity)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("exploded")
	})
	chain := recoveryMiddleware(logger, eventlog.Middleware(requests, errorLog, panicking))

	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/export/jobs", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "internal server error" {
		t.Fatalf("panic detail must not leak to the client, got %q", body)
	}
	errs := errorLog.Recent(0)
	if len(errs) != 1 || errs[0].Kind != "panic" {
		t.Fatalf("expected panic error entry, got %+v", errs)
	}
}

func TestCORSPreflightAllowedOrigin(t *testing.T) {
	srv := testServer(t, Config{CORS: CORSConfig{DashboardOrigins: []string{"http://dashboard.local"}}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/monitor/summary", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://dashboard.local" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
}

func TestCORSBlocksUnknownOrigin(t *testing.T) {
	srv := testServer(t, Config{CORS: CORSConfig{DashboardOrigins: []string{"http://dashboard.local"}}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/monitor/summary", nil)
	req.Header.Set("Origin", "http://evil.example")
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	recorder := metrics.New()
	srv := testServer(t, Config{Metrics: recorder})

	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "pulsegate_http_requests_total") {
		t.Fatalf("expected request counter in exposition, got:\n%s", rec.Body.String())
	}
}

func TestNormalizeOriginRejectsBareHost(t *testing.T) {
	if _, err := normalizeOrigin("dashboard.local"); err == nil {
		t.Fatal("expected error for origin without scheme")
	}
}
