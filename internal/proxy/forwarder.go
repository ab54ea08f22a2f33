// Package proxy forwards dashboard requests to backend services generically:
// one inbound call becomes one outbound call against a configured base URL,
// with the body decoded and re-encoded per its content type and failures
// mapped to a small deterministic taxonomy.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pulsegate/internal/observability/metrics"
)

// DefaultTimeout bounds each outbound backend call.
const DefaultTimeout = 30 * time.Second

var allowedMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodDelete: {},
}

// Target names the upstream call to make.
type Target struct {
	// Service labels the upstream for logs and metrics.
	Service string
	// BaseURL is the upstream root, resolved by the caller per request.
	BaseURL string
	// Path is appended to BaseURL.
	Path string
}

// Config assembles a Forwarder.
type Config struct {
	Timeout  time.Duration
	Logger   *slog.Logger
	Recorder *metrics.Recorder
}

// Forwarder relays HTTP requests to backend services. It is stateless per
// invocation and safe for concurrent use.
type Forwarder struct {
	client   *http.Client
	timeout  time.Duration
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// NewForwarder builds a Forwarder from the supplied configuration, applying
// defaults for any zero fields.
func NewForwarder(cfg Config) *Forwarder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Forwarder{
		client:   &http.Client{Timeout: timeout},
		timeout:  timeout,
		logger:   logger,
		recorder: recorder,
	}
}

// Forward relays the inbound request to the target and writes the reshaped
// backend response. Failures are reported as JSON `{"detail": ...}` bodies
// with the status defined by the failure kind; Forward never panics into the
// caller's handler chain.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, target Target) {
	f.recorder.ObserveProxyAttempt(target.Service)
	if failure := f.forward(w, r, target); failure != nil {
		f.recorder.ObserveProxyFailure(target.Service, string(failure.Kind))
		f.logger.Warn("proxy call failed",
			"upstream", target.Service,
			"method", r.Method,
			"path", target.Path,
			"kind", string(failure.Kind),
			"detail", failure.Detail)
		writeFailure(w, *failure)
	}
}

func (f *Forwarder) forward(w http.ResponseWriter, r *http.Request, target Target) *Failure {
	if _, ok := allowedMethods[r.Method]; !ok {
		return &Failure{Kind: KindUnsupportedMethod, Detail: fmt.Sprintf("method %s not supported", r.Method)}
	}

	outboundURL, err := joinTarget(target)
	if err != nil {
		return &Failure{Kind: KindInternal, Detail: err.Error()}
	}
	if rawQuery := r.URL.RawQuery; rawQuery != "" {
		outboundURL.RawQuery = rawQuery
	}

	body, err := buildOutboundBody(r)
	if err != nil {
		return &Failure{Kind: KindInternal, Detail: err.Error()}
	}

	// The outbound call deliberately does not inherit the inbound request
	// context: a client that disconnects mid-call must not cancel the
	// upstream operation. The client timeout still bounds the call.
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	outbound, err := http.NewRequestWithContext(ctx, r.Method, outboundURL.String(), body.reader)
	if err != nil {
		return &Failure{Kind: KindInternal, Detail: fmt.Sprintf("build upstream request: %v", err)}
	}
	copyRequestHeaders(outbound.Header, r.Header)
	if body.contentType != "" {
		outbound.Header.Set("Content-Type", body.contentType)
	}

	resp, err := f.client.Do(outbound)
	if err != nil {
		return classifyTransportError(target, err)
	}
	defer resp.Body.Close()

	return f.writeResponse(w, resp)
}

func (f *Forwarder) writeResponse(w http.ResponseWriter, resp *http.Response) *Failure {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Failure{Kind: KindInternal, Detail: fmt.Sprintf("read upstream response: %v", err)}
	}

	contentType := resp.Header.Get("Content-Type")
	payload := raw
	if isJSONContentType(contentType) {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return &Failure{Kind: KindInternal, Detail: fmt.Sprintf("invalid json from upstream: %v", err)}
		}
		payload, err = json.Marshal(decoded)
		if err != nil {
			return &Failure{Kind: KindInternal, Detail: fmt.Sprintf("re-encode upstream response: %v", err)}
		}
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if len(payload) > 0 {
		io.Copy(w, bytes.NewReader(payload))
	}
	return nil
}

func joinTarget(target Target) (*url.URL, error) {
	base := strings.TrimSpace(target.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("no base url configured for upstream %q", target.Service)
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base url for upstream %q: %w", target.Service, err)
	}
	joined := strings.TrimSuffix(parsed.Path, "/") + "/" + strings.TrimPrefix(target.Path, "/")
	parsed.Path = joined
	return parsed, nil
}

func classifyTransportError(target Target, err error) *Failure {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Failure{
			Kind:   KindBackendTimeout,
			Detail: fmt.Sprintf("upstream %q timed out", target.Service),
		}
	}
	return &Failure{
		Kind:   KindBackendUnreachable,
		Detail: fmt.Sprintf("upstream %q unreachable", target.Service),
	}
}

// hop-by-hop and computed headers never forwarded upstream
var skippedRequestHeaders = map[string]struct{}{
	"Host":           {},
	"Content-Length": {},
	"Connection":     {},
}

func copyRequestHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, skip := skippedRequestHeaders[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

var skippedResponseHeaders = map[string]struct{}{
	"Content-Length":    {},
	"Transfer-Encoding": {},
	"Connection":        {},
}

func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, skip := skippedResponseHeaders[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

func isJSONContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
