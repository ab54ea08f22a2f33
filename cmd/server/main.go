// Command server starts the Pulsegate gateway HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"pulsegate/internal/api"
	"pulsegate/internal/eventlog"
	"pulsegate/internal/hub"
	"pulsegate/internal/observability/logging"
	"pulsegate/internal/observability/metrics"
	"pulsegate/internal/proxy"
	"pulsegate/internal/server"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	exportBackend := flag.String("export-backend", "", "base URL of the export backend")
	schedulerBackend := flag.String("scheduler-backend", "", "base URL of the scheduler backend")
	analyticsBackend := flag.String("analytics-backend", "", "base URL of the analytics backend")
	proxyTimeout := flag.Duration("proxy-timeout", 0, "timeout for proxied backend calls")
	heartbeatInterval := flag.Duration("heartbeat-interval", 0, "WebSocket heartbeat ping interval")
	statsInterval := flag.Duration("stats-interval", 0, "interval between analytics snapshot broadcasts")
	statsJitter := flag.Duration("stats-jitter", 0, "random jitter added to the stats interval")
	dashboardOrigins := flag.String("dashboard-origins", "", "comma separated origins allowed by CORS")
	instanceID := flag.String("instance-id", "", "identity of this gateway on the update relay")
	queueDriver := flag.String("update-queue-driver", "", "update queue driver (memory or redis)")
	queueRedisAddr := flag.String("update-queue-redis-addr", "", "Redis address for the update relay")
	queueRedisAddrs := flag.String("update-queue-redis-addrs", "", "comma separated Redis addresses for the update relay")
	queueRedisUsername := flag.String("update-queue-redis-username", "", "Redis username for the update relay")
	queueRedisPassword := flag.String("update-queue-redis-password", "", "Redis password for the update relay")
	queueRedisStream := flag.String("update-queue-redis-stream", "", "Redis stream key for relayed updates")
	queueRedisGroup := flag.String("update-queue-redis-group", "", "Redis consumer group for this instance")
	queueRedisMasterName := flag.String("update-queue-redis-sentinel-master", "", "Redis sentinel master name for the update relay")
	queueRedisPoolSize := flag.Int("update-queue-redis-pool-size", 0, "maximum Redis connections for the update relay")
	queueRedisTLSCA := flag.String("update-queue-redis-tls-ca", "", "path to Redis TLS CA certificate for the update relay")
	queueRedisTLSCert := flag.String("update-queue-redis-tls-cert", "", "path to Redis TLS client certificate for the update relay")
	queueRedisTLSKey := flag.String("update-queue-redis-tls-key", "", "path to Redis TLS client key for the update relay")
	queueRedisTLSServerName := flag.String("update-queue-redis-tls-server-name", "", "override Redis TLS server name for the update relay")
	queueRedisTLSSkipVerify := flag.Bool("update-queue-redis-tls-skip-verify", false, "skip Redis TLS verification for the update relay")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("PULSEGATE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("PULSEGATE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("PULSEGATE_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("PULSEGATE_ADDR"))

	backends := backendResolver(map[string]string{
		"export":    firstNonEmpty(*exportBackend, os.Getenv("PULSEGATE_EXPORT_BACKEND")),
		"scheduler": firstNonEmpty(*schedulerBackend, os.Getenv("PULSEGATE_SCHEDULER_BACKEND")),
		"analytics": firstNonEmpty(*analyticsBackend, os.Getenv("PULSEGATE_ANALYTICS_BACKEND")),
	})

	queueCfg := hub.RedisQueueConfig{
		Addr:       firstNonEmpty(*queueRedisAddr, os.Getenv("PULSEGATE_UPDATE_QUEUE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("PULSEGATE_UPDATE_QUEUE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*queueRedisUsername, os.Getenv("PULSEGATE_UPDATE_QUEUE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*queueRedisPassword, os.Getenv("PULSEGATE_UPDATE_QUEUE_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*queueRedisStream, os.Getenv("PULSEGATE_UPDATE_QUEUE_REDIS_STREAM")),
		Group:      firstNonEmpty(*queueRedisGroup, os.Getenv("PULSEGATE_UPDATE_QUEUE_REDIS_GROUP")),
		MasterName: firstNonEmpty(*queueRedisMasterName, os.Getenv("PULSEGATE_UPDATE_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*queueRedisPoolSize, "PULSEGATE_UPDATE_QUEUE_REDIS_POOL_SIZE"),
		TLS: hub.RedisTLSConfig{
			CAFile:             firstNonEmpty(*queueRedisTLSCA, os.Getenv("PULSEGATE_UPDATE_QUEUE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*queueRedisTLSCert, os.Getenv("PULSEGATE_UPDATE_QUEUE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*queueRedisTLSKey, os.Getenv("PULSEGATE_UPDATE_QUEUE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*queueRedisTLSServerName, os.Getenv("PULSEGATE_UPDATE_QUEUE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*queueRedisTLSSkipVerify, "PULSEGATE_UPDATE_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	queue, err := configureUpdateQueue(firstNonEmpty(*queueDriver, os.Getenv("PULSEGATE_UPDATE_QUEUE_DRIVER")), queueCfg, logger)
	if err != nil {
		logger.Error("failed to configure update queue", "error", err)
		os.Exit(1)
	}

	registry := hub.NewRegistry(logging.WithComponent(logger, "hub"), recorder)
	broadcaster := hub.NewBroadcaster(hub.BroadcasterConfig{
		Registry: registry,
		Queue:    queue,
		Logger:   logging.WithComponent(logger, "broadcaster"),
		Recorder: recorder,
		Instance: firstNonEmpty(*instanceID, os.Getenv("PULSEGATE_INSTANCE_ID")),
	})

	fetchTimeout := resolveDuration(*proxyTimeout, "PULSEGATE_PROXY_TIMEOUT", proxy.DefaultTimeout)
	source := hub.NewBackendSource(topicRoutes(backends), fetchTimeout)
	gateway := hub.NewGateway(hub.GatewayConfig{
		Registry:          registry,
		Source:            source,
		Logger:            logging.WithComponent(logger, "gateway"),
		Recorder:          recorder,
		HeartbeatInterval: resolveDuration(*heartbeatInterval, "PULSEGATE_HEARTBEAT_INTERVAL", 0),
		FetchTimeout:      fetchTimeout,
	})

	forwarder := proxy.NewForwarder(proxy.Config{
		Timeout:  fetchTimeout,
		Logger:   logging.WithComponent(logger, "proxy"),
		Recorder: recorder,
	})

	requests := eventlog.NewLog(eventlog.RequestCapacity)
	errorLog := eventlog.NewLog(eventlog.ErrorCapacity)

	handler := &api.Handler{
		Forwarder:   forwarder,
		Backends:    backends,
		Gateway:     gateway,
		Broadcaster: broadcaster,
		Requests:    requests,
		Errors:      errorLog,
		Logger:      logger,
		DevMode:     serverMode != "production",
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("PULSEGATE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("PULSEGATE_TLS_KEY")),
		},
		CORS: server.CORSConfig{
			DashboardOrigins: splitAndTrim(firstNonEmpty(*dashboardOrigins, os.Getenv("PULSEGATE_DASHBOARD_ORIGINS"))),
		},
		Logger:   logger,
		Metrics:  recorder,
		Requests: requests,
		Errors:   errorLog,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	producer := hub.NewProducer(hub.ProducerConfig{
		Broadcaster:  broadcaster,
		Registry:     registry,
		Source:       source,
		Interval:     resolveDuration(*statsInterval, "PULSEGATE_STATS_INTERVAL", 15*time.Second),
		Jitter:       resolveDuration(*statsJitter, "PULSEGATE_STATS_JITTER", 2*time.Second),
		FetchTimeout: fetchTimeout,
		Logger:       logging.WithComponent(logger, "producer"),
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workers, workerGroupCtx := errgroup.WithContext(workerCtx)
	workers.Go(func() error { return broadcaster.RunRelay(workerGroupCtx) })
	workers.Go(func() error { return producer.Run(workerGroupCtx) })

	errs := make(chan error, 1)
	go func() {
		logger.Info("Pulsegate listening", "addr", listenAddr, "mode", serverMode)
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	registry.Close()

	if err := workers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("background workers stopped with error", "error", err)
	}

	logger.Info("server stopped")
}

// backendResolver resolves an upstream base URL on every call so env
// overrides take effect without a restart. Flag values act as defaults.
func backendResolver(defaults map[string]string) api.BackendResolver {
	return func(service string) (string, bool) {
		envKey := fmt.Sprintf("PULSEGATE_%s_BACKEND", strings.ToUpper(service))
		if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
			return env, true
		}
		base, ok := defaults[service]
		if !ok || strings.TrimSpace(base) == "" {
			return "", false
		}
		return base, true
	}
}

// topicRoutes maps subscription topics to the backend endpoints serving their
// current state snapshots.
func topicRoutes(backends api.BackendResolver) hub.TopicRoutes {
	routes := map[string]struct {
		service string
		path    string
	}{
		"analytics": {service: "analytics", path: "/api/analytics/snapshot"},
		"scheduler": {service: "scheduler", path: "/api/scheduler/status"},
		"export":    {service: "export", path: "/api/export/status"},
	}
	return func(topic string) (string, bool) {
		route, ok := routes[topic]
		if !ok {
			return "", false
		}
		base, ok := backends(route.service)
		if !ok {
			return "", false
		}
		return strings.TrimSuffix(base, "/") + route.path, true
	}
}

func configureUpdateQueue(driver string, cfg hub.RedisQueueConfig, logger *slog.Logger) (hub.Queue, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the update queue")
		}
		cfg.Logger = logging.WithComponent(logger, "update-queue")
		queue, err := hub.NewRedisQueue(cfg)
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "", "memory":
		return hub.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported update queue driver %q", driver)
	}
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
