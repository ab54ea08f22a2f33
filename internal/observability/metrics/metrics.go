package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type proxyLabel struct {
	upstream string
	kind     string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP requests,
// proxy forwarding outcomes, and hub connection activity. It coordinates
// concurrent writers via a RWMutex while exposing a thread-safe gauge for
// active connection tracking.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	proxyAttempts     map[string]uint64
	proxyFailures     map[proxyLabel]uint64
	hubEvents         map[string]uint64
	activeConnections atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		proxyAttempts:   make(map[string]uint64),
		proxyFailures:   make(map[proxyLabel]uint64),
		hubEvents:       make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveProxyAttempt records one outbound proxy call keyed by upstream
// service name (e.g. "export", "scheduler").
func (r *Recorder) ObserveProxyAttempt(upstream string) {
	name := normalizeName(upstream)
	r.mu.Lock()
	r.proxyAttempts[name]++
	r.mu.Unlock()
}

// ObserveProxyFailure records a failed proxy call keyed by upstream service
// name and failure kind. The caller should also record the attempt separately.
func (r *Recorder) ObserveProxyFailure(upstream, kind string) {
	label := proxyLabel{upstream: normalizeName(upstream), kind: normalizeName(kind)}
	r.mu.Lock()
	r.proxyFailures[label]++
	r.mu.Unlock()
}

// ObserveHubEvent records a hub event type (broadcast, unicast, subscribe,
// send failure) for throughput monitoring.
func (r *Recorder) ObserveHubEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.hubEvents[normalized]++
	r.mu.Unlock()
}

// ConnectionOpened increments the active connection gauge.
func (r *Recorder) ConnectionOpened() {
	r.activeConnections.Add(1)
}

// ConnectionClosed decrements the active connection gauge, guarding against
// negative counts when concurrent updates race.
func (r *Recorder) ConnectionClosed() {
	r.decrementGauge(&r.activeConnections)
}

// ActiveConnections exposes the current gauge of live hub connections.
func (r *Recorder) ActiveConnections() int64 {
	return r.activeConnections.Load()
}

// ProxyCounts returns copies of proxy attempt and failure counters for
// testing and reporting purposes.
func (r *Recorder) ProxyCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.proxyAttempts))
	for k, v := range r.proxyAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.proxyFailures))
	for k, v := range r.proxyFailures {
		failures[k.upstream+":"+k.kind] = v
	}
	return attempts, failures
}

// HubEventCounts returns a copy of the hub event counters.
func (r *Recorder) HubEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.hubEvents))
	for k, v := range r.hubEvents {
		events[k] = v
	}
	return events
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.proxyAttempts = make(map[string]uint64)
	r.proxyFailures = make(map[proxyLabel]uint64)
	r.hubEvents = make(map[string]uint64)
	r.activeConnections.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	upstreams := r.sortedUpstreams()
	failureLabels := r.sortedProxyFailureLabels()
	hubEvents := r.sortedHubEvents()

	fmt.Fprintln(w, "# HELP pulsegate_http_requests_total Total number of HTTP requests processed by the gateway")
	fmt.Fprintln(w, "# TYPE pulsegate_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "pulsegate_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP pulsegate_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE pulsegate_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "pulsegate_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP pulsegate_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE pulsegate_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "pulsegate_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP pulsegate_proxy_attempts_total Total proxy calls attempted by upstream")
	fmt.Fprintln(w, "# TYPE pulsegate_proxy_attempts_total counter")
	for _, upstream := range upstreams {
		count := r.proxyAttempts[upstream]
		fmt.Fprintf(w, "pulsegate_proxy_attempts_total{upstream=\"%s\"} %d\n", upstream, count)
	}

	fmt.Fprintln(w, "# HELP pulsegate_proxy_failures_total Total proxy call failures by upstream and kind")
	fmt.Fprintln(w, "# TYPE pulsegate_proxy_failures_total counter")
	for _, label := range failureLabels {
		count := r.proxyFailures[label]
		fmt.Fprintf(w, "pulsegate_proxy_failures_total{upstream=\"%s\",kind=\"%s\"} %d\n", label.upstream, label.kind, count)
	}

	fmt.Fprintln(w, "# HELP pulsegate_hub_events_total Hub events by type")
	fmt.Fprintln(w, "# TYPE pulsegate_hub_events_total counter")
	for _, event := range hubEvents {
		count := r.hubEvents[event]
		fmt.Fprintf(w, "pulsegate_hub_events_total{event=\"%s\"} %d\n", event, count)
	}

	fmt.Fprintln(w, "# HELP pulsegate_active_connections Current number of live hub connections")
	fmt.Fprintln(w, "# TYPE pulsegate_active_connections gauge")
	fmt.Fprintf(w, "pulsegate_active_connections %d\n", r.activeConnections.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedUpstreams() []string {
	upstreams := make([]string, 0, len(r.proxyAttempts))
	for upstream := range r.proxyAttempts {
		upstreams = append(upstreams, upstream)
	}
	sort.Strings(upstreams)
	return upstreams
}

func (r *Recorder) sortedProxyFailureLabels() []proxyLabel {
	labels := make([]proxyLabel, 0, len(r.proxyFailures))
	for label := range r.proxyFailures {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].upstream != labels[j].upstream {
			return labels[i].upstream < labels[j].upstream
		}
		return labels[i].kind < labels[j].kind
	})
	return labels
}

func (r *Recorder) sortedHubEvents() []string {
	events := make([]string, 0, len(r.hubEvents))
	for event := range r.hubEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
