package hub

import (
	"context"
	"log/slog"
	"math/rand"
	"net/url"
	"time"
)

const (
	defaultProducerTopic    = "analytics"
	defaultProducerInterval = 15 * time.Second
)

// ProducerConfig assembles a Producer.
type ProducerConfig struct {
	Broadcaster  *Broadcaster
	Registry     *Registry
	Source       TopicSource
	Topic        string
	Interval     time.Duration
	Jitter       time.Duration
	FetchTimeout time.Duration
	Logger       *slog.Logger
}

// Producer periodically fetches a topic snapshot and publishes it to all
// connections. It skips the fetch entirely while no clients are connected.
type Producer struct {
	broadcaster  *Broadcaster
	registry     *Registry
	source       TopicSource
	topic        string
	interval     time.Duration
	jitter       time.Duration
	fetchTimeout time.Duration
	logger       *slog.Logger
}

// NewProducer builds a Producer, applying defaults for zero config fields.
func NewProducer(cfg ProducerConfig) *Producer {
	topic := cfg.Topic
	if topic == "" {
		topic = defaultProducerTopic
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultProducerInterval
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		broadcaster:  cfg.Broadcaster,
		registry:     cfg.Registry,
		source:       cfg.Source,
		topic:        topic,
		interval:     interval,
		jitter:       cfg.Jitter,
		fetchTimeout: fetchTimeout,
		logger:       logger,
	}
}

// Run publishes snapshots until the context is cancelled.
func (p *Producer) Run(ctx context.Context) error {
	for {
		if err := sleepContext(ctx, p.nextDelay()); err != nil {
			return err
		}
		if !p.registry.HasConnections() {
			continue
		}
		p.publishOnce(ctx)
	}
}

func (p *Producer) publishOnce(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()
	data, err := p.source.Fetch(fetchCtx, p.topic, url.Values{})
	if err != nil {
		p.logger.Warn("producer fetch failed", "topic", p.topic, "error", err)
		return
	}
	if err := p.broadcaster.Publish(ctx, p.topic, data); err != nil {
		p.logger.Warn("producer publish failed", "topic", p.topic, "error", err)
	}
}

func (p *Producer) nextDelay() time.Duration {
	delay := p.interval
	if p.jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.jitter)))
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
