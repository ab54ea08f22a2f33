package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestObserveRequestAggregates(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/api/export/jobs", 200, 10*time.Millisecond)
	recorder.ObserveRequest("GET", "/api/export/jobs", 200, 30*time.Millisecond)

	var sb strings.Builder
	recorder.Write(&sb)
	output := sb.String()
	if !strings.Contains(output, `pulsegate_http_requests_total{method="GET",path="/api/export/jobs",status="200"} 2`) {
		t.Fatalf("expected aggregated counter, got:\n%s", output)
	}
	if !strings.Contains(output, "pulsegate_http_request_duration_seconds_sum") {
		t.Fatalf("expected duration sum, got:\n%s", output)
	}
}

func TestNormalizePathCollapsesIdentifiers(t *testing.T) {
	cases := map[string]string{
		"/api/export/jobs/123456":                  "/api/export/jobs/:id",
		"/api/export/0123456789abcdef0123456789ab": "/api/export/:id",
		"/api/monitor/summary":                     "/api/monitor/summary",
		"":                                         "/",
		"/":                                        "/",
		"/api/export/jobs/":                        "/api/export/jobs",
	}
	for input, want := range cases {
		if got := normalizePath(input); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestProxyCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveProxyAttempt("export")
	recorder.ObserveProxyAttempt("export")
	recorder.ObserveProxyFailure("export", "backend_timeout")

	attempts, failures := recorder.ProxyCounts()
	if attempts["export"] != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts["export"])
	}
	if failures["export:backend_timeout"] != 1 {
		t.Fatalf("expected 1 failure, got %v", failures)
	}

	var sb strings.Builder
	recorder.Write(&sb)
	if !strings.Contains(sb.String(), `pulsegate_proxy_failures_total{upstream="export",kind="backend_timeout"} 1`) {
		t.Fatalf("expected failure counter in exposition:\n%s", sb.String())
	}
}

func TestConnectionGaugeNeverNegative(t *testing.T) {
	recorder := New()
	recorder.ConnectionClosed()
	if got := recorder.ActiveConnections(); got != 0 {
		t.Fatalf("gauge must not go negative, got %d", got)
	}
	recorder.ConnectionOpened()
	recorder.ConnectionOpened()
	recorder.ConnectionClosed()
	if got := recorder.ActiveConnections(); got != 1 {
		t.Fatalf("expected gauge 1, got %d", got)
	}
}

func TestHubEventCounts(t *testing.T) {
	recorder := New()
	recorder.ObserveHubEvent("broadcast")
	recorder.ObserveHubEvent("Broadcast")
	recorder.ObserveHubEvent("")

	events := recorder.HubEventCounts()
	if events["broadcast"] != 2 {
		t.Fatalf("expected normalized broadcast count 2, got %v", events)
	}
	if events["unknown"] != 1 {
		t.Fatalf("expected empty event mapped to unknown, got %v", events)
	}
}

func TestResetClearsState(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("GET", "/x", 200, time.Millisecond)
	recorder.ConnectionOpened()
	recorder.Reset()
	if recorder.ActiveConnections() != 0 {
		t.Fatal("expected gauge reset")
	}
	var sb strings.Builder
	recorder.Write(&sb)
	if strings.Contains(sb.String(), `path="/x"`) {
		t.Fatal("expected counters cleared")
	}
}
