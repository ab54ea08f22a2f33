package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnknownTopic reports a subscribe for a topic with no configured route.
var ErrUnknownTopic = errors.New("unknown topic")

// TopicSource resolves the current state of a named topic, queried when a
// client subscribes so it receives an immediate snapshot.
type TopicSource interface {
	Fetch(ctx context.Context, topic string, params url.Values) (json.RawMessage, error)
}

// TopicRoutes maps a topic name to the backend URL serving its snapshot.
type TopicRoutes func(topic string) (string, bool)

// BackendSource fetches topic snapshots over HTTP from backend services.
type BackendSource struct {
	Client *http.Client
	Routes TopicRoutes
}

// NewBackendSource builds a BackendSource with a bounded-timeout client.
func NewBackendSource(routes TopicRoutes, timeout time.Duration) *BackendSource {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &BackendSource{
		Client: &http.Client{Timeout: timeout},
		Routes: routes,
	}
}

// Fetch resolves the topic's backend route and returns its JSON snapshot.
func (s *BackendSource) Fetch(ctx context.Context, topic string, params url.Values) (json.RawMessage, error) {
	endpoint, ok := s.Routes(topic)
	if !ok {
		return nil, ErrUnknownTopic
	}
	if len(params) > 0 {
		separator := "?"
		if strings.Contains(endpoint, "?") {
			separator = "&"
		}
		endpoint += separator + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build topic request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch topic %q: %w", topic, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("topic %q backend returned status %d", topic, resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read topic %q response: %w", topic, err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("topic %q backend returned invalid json", topic)
	}
	return json.RawMessage(raw), nil
}

// StaticSource serves fixed snapshots per topic; used in tests and dev mode.
type StaticSource map[string]json.RawMessage

// Fetch returns the configured snapshot for the topic.
func (s StaticSource) Fetch(_ context.Context, topic string, _ url.Values) (json.RawMessage, error) {
	data, ok := s[topic]
	if !ok {
		return nil, ErrUnknownTopic
	}
	return data, nil
}
