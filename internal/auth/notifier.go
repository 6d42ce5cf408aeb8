package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// EventsChannel is the Redis pub/sub channel carrying provider events.
const EventsChannel = "cagio:auth:events"

// Subscription is a live handle on the provider event stream. Close must be
// called to release it.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Notifier fans provider events out to subscribers.
type Notifier interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(ctx context.Context) (Subscription, error)
}

// RedisNotifier implements Notifier on Redis pub/sub.
type RedisNotifier struct {
	client *redis.Client
	logger *slog.Logger
}

// NewNotifier constructs a Redis-backed notifier.
func NewNotifier(client *redis.Client, logger *slog.Logger) *RedisNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisNotifier{client: client, logger: logger}
}

// Publish broadcasts the event.
func (n *RedisNotifier) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, EventsChannel, data).Err()
}

// Subscribe opens a subscription. The returned handle stays valid until
// Close is called or ctx ends.
func (n *RedisNotifier) Subscribe(ctx context.Context) (Subscription, error) {
	pubsub := n.client.Subscribe(ctx, EventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go sub.pump(ctx, n.logger)
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) Events() <-chan Event {
	return s.events
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func (s *redisSubscription) pump(ctx context.Context, logger *slog.Logger) {
	defer close(s.events)
	messages := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				logger.Warn("drop malformed auth event", slog.Any("error", err))
				continue
			}
			select {
			case s.events <- evt:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}
}

var _ Notifier = (*RedisNotifier)(nil)
