package main

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"pulsegate/internal/hub"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestModeValue(t *testing.T) {
	if got := modeValue("", ""); got != "development" {
		t.Fatalf("expected development default, got %q", got)
	}
	if got := modeValue("Production", ""); got != "production" {
		t.Fatalf("expected production, got %q", got)
	}
	if got := modeValue("", "PRODUCTION"); got != "production" {
		t.Fatalf("expected env fallback, got %q", got)
	}
}

func TestResolveListenAddr(t *testing.T) {
	if got := resolveListenAddr("", "development", ""); got != ":8080" {
		t.Fatalf("expected :8080, got %q", got)
	}
	if got := resolveListenAddr("", "production", ""); got != ":80" {
		t.Fatalf("expected :80, got %q", got)
	}
	if got := resolveListenAddr(":9999", "production", ":7777"); got != ":9999" {
		t.Fatalf("flag should win, got %q", got)
	}
	if got := resolveListenAddr("", "production", ":7777"); got != ":7777" {
		t.Fatalf("env should beat default, got %q", got)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("  ", "", "value", "other"); got != "value" {
		t.Fatalf("expected value, got %q", got)
	}
	if got := firstNonEmpty("  ", ""); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" a , b ,, c ")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if splitAndTrim("  ") != nil {
		t.Fatal("expected nil for blank input")
	}
}

func TestResolveDuration(t *testing.T) {
	if got := resolveDuration(5*time.Second, "UNSET_KEY", time.Second); got != 5*time.Second {
		t.Fatalf("flag should win, got %v", got)
	}
	t.Setenv("PULSEGATE_TEST_DURATION", "3s")
	if got := resolveDuration(0, "PULSEGATE_TEST_DURATION", time.Second); got != 3*time.Second {
		t.Fatalf("env should beat fallback, got %v", got)
	}
	if got := resolveDuration(0, "UNSET_KEY", 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected fallback, got %v", got)
	}
}

func TestResolveBool(t *testing.T) {
	if !resolveBool(true, "UNSET_KEY") {
		t.Fatal("flag true should win")
	}
	t.Setenv("PULSEGATE_TEST_BOOL", "true")
	if !resolveBool(false, "PULSEGATE_TEST_BOOL") {
		t.Fatal("env true should apply")
	}
	if resolveBool(false, "UNSET_KEY") {
		t.Fatal("expected false default")
	}
}

func TestConfigureUpdateQueueDefaultsToMemory(t *testing.T) {
	queue, err := configureUpdateQueue("", hub.RedisQueueConfig{}, testLogger())
	if err != nil {
		t.Fatalf("configure memory queue: %v", err)
	}
	if queue == nil {
		t.Fatal("expected queue")
	}
}

func TestConfigureUpdateQueueRedisRequiresAddr(t *testing.T) {
	if _, err := configureUpdateQueue("redis", hub.RedisQueueConfig{}, testLogger()); err == nil {
		t.Fatal("expected error without redis addr")
	}
}

func TestConfigureUpdateQueueRejectsUnknownDriver(t *testing.T) {
	if _, err := configureUpdateQueue("kafka", hub.RedisQueueConfig{}, testLogger()); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestBackendResolverEnvOverride(t *testing.T) {
	resolver := backendResolver(map[string]string{"export": "http://flag.example"})

	if base, ok := resolver("export"); !ok || base != "http://flag.example" {
		t.Fatalf("expected flag default, got %q (%v)", base, ok)
	}

	t.Setenv("PULSEGATE_EXPORT_BACKEND", "http://env.example")
	if base, ok := resolver("export"); !ok || base != "http://env.example" {
		t.Fatalf("expected env override per call, got %q (%v)", base, ok)
	}

	if _, ok := resolver("unknown"); ok {
		t.Fatal("expected unknown service to be unresolved")
	}
}

func TestTopicRoutes(t *testing.T) {
	resolver := backendResolver(map[string]string{"analytics": "http://analytics.example/"})
	routes := topicRoutes(resolver)

	endpoint, ok := routes("analytics")
	if !ok {
		t.Fatal("expected analytics route")
	}
	if endpoint != "http://analytics.example/api/analytics/snapshot" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	if _, ok := routes("mystery"); ok {
		t.Fatal("expected unknown topic to be unrouted")
	}
	if _, ok := routes("export"); ok {
		t.Fatal("topic with unresolved backend should be unrouted")
	}
}
