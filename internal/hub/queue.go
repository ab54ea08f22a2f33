package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Update is the cross-instance relay payload for a published broadcast.
// Origin identifies the publishing gateway instance so relays can skip
// updates they already delivered locally.
type Update struct {
	Topic      string          `json:"topic"`
	Data       json.RawMessage `json:"data"`
	Origin     string          `json:"origin"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// Queue fans out published updates to subscribers. The memory implementation
// covers single-process deployments and tests; the Redis Streams
// implementation relays between gateway instances.
type Queue interface {
	Publish(ctx context.Context, update Update) error
	Subscribe() Subscription
}

// Subscription is an active update stream.
type Subscription interface {
	Updates() <-chan Update
	Close()
}

// NewMemoryQueue initialises an in-memory fan-out queue.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (q *memoryQueue) Publish(ctx context.Context, update Update) error {
	if update.Topic == "" {
		return errors.New("update topic is required")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- update:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking to keep the live path
			// responsive. Consumers are expected to drain promptly.
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan Update, q.buffer),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan Update
}

func (s *memorySubscription) Updates() <-chan Update {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
