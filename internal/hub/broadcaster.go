package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"pulsegate/internal/observability/metrics"
)

// BroadcasterConfig assembles a Broadcaster.
type BroadcasterConfig struct {
	Registry *Registry
	Queue    Queue
	Logger   *slog.Logger
	Recorder *metrics.Recorder
	// Instance identifies this gateway process on the relay queue so it
	// can skip updates it published itself.
	Instance string
}

// Broadcaster publishes topic updates to every local connection and relays
// them across gateway instances through the queue.
type Broadcaster struct {
	registry *Registry
	queue    Queue
	logger   *slog.Logger
	recorder *metrics.Recorder
	instance string
}

// NewBroadcaster builds a Broadcaster, applying defaults for zero fields.
func NewBroadcaster(cfg BroadcasterConfig) *Broadcaster {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	instance := cfg.Instance
	if instance == "" {
		instance = fmt.Sprintf("gateway-%s", randomID())
	}
	return &Broadcaster{
		registry: cfg.Registry,
		queue:    cfg.Queue,
		logger:   logger,
		recorder: recorder,
		instance: instance,
	}
}

// Instance reports the broadcaster's relay identity.
func (b *Broadcaster) Instance() string {
	return b.instance
}

// Publish wraps the payload in an update envelope, broadcasts it to every
// local connection, and hands it to the relay queue. Relay failures are
// logged but do not affect local delivery.
func (b *Broadcaster) Publish(ctx context.Context, topic string, data json.RawMessage) error {
	if topic == "" {
		return fmt.Errorf("publish requires a topic")
	}
	now := time.Now().UTC()
	if err := b.deliver(topic, data, now); err != nil {
		return err
	}
	if b.queue != nil {
		update := Update{Topic: topic, Data: data, Origin: b.instance, OccurredAt: now}
		if err := b.queue.Publish(ctx, update); err != nil {
			b.logger.Warn("relay publish failed", "topic", topic, "error", err)
		}
	}
	return nil
}

// RunRelay consumes updates published by other gateway instances and delivers
// them to local connections. It blocks until the context is cancelled.
func (b *Broadcaster) RunRelay(ctx context.Context) error {
	if b.queue == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	sub := b.queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-sub.Updates():
			if !ok {
				return nil
			}
			if update.Origin == b.instance {
				continue
			}
			at := update.OccurredAt
			if at.IsZero() {
				at = time.Now().UTC()
			}
			if err := b.deliver(update.Topic, update.Data, at); err != nil {
				b.logger.Warn("relay delivery failed", "topic", update.Topic, "error", err)
			}
		}
	}
}

func (b *Broadcaster) deliver(topic string, data json.RawMessage, at time.Time) error {
	frame, err := json.Marshal(updateMessage(topic, data, at))
	if err != nil {
		return fmt.Errorf("marshal update envelope: %w", err)
	}
	b.registry.Broadcast(frame)
	b.logger.Debug("update broadcast", "topic", topic, "connections", b.registry.Len())
	return nil
}
