package propagation

import (
	"context"
	"encoding/json"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"makerhub/backend/internal/domain"
)

// RedisBroker relays change events between instances over Redis pub/sub. Each
// topic maps to the channel prefix+topic.
type RedisBroker struct {
	client *redis.Client
	prefix string
	origin string
	logger *zap.Logger
}

func NewRedisBroker(addr string, password string, db int, prefix string, origin string, logger *zap.Logger) *RedisBroker {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisBrokerWithClient(client, prefix, origin, logger)
}

func NewRedisBrokerWithClient(client *redis.Client, prefix string, origin string, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{client: client, prefix: prefix, origin: origin, logger: logger.Named("redis")}
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func (b *RedisBroker) Publish(ctx context.Context, events []domain.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	pipe := b.client.Pipeline()
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}
		pipe.Publish(ctx, b.prefix+event.Topic, payload)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Run feeds events published by other instances into the local hub until ctx is done.
func (b *RedisBroker) Run(ctx context.Context, hub *Hub) error {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	b.logger.Info("relaying change events", zap.String("pattern", b.prefix+"*"))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if event, relay := b.decode(msg); relay {
				hub.Deliver(event)
			}
		}
	}
}

// decode parses a relayed message. Events this instance published itself are
// dropped; the local hub already saw them.
func (b *RedisBroker) decode(msg *redis.Message) (domain.ChangeEvent, bool) {
	var event domain.ChangeEvent
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		b.logger.Warn("dropping malformed change event", zap.String("channel", msg.Channel), zap.Error(err))
		return domain.ChangeEvent{}, false
	}
	if event.Origin != "" && event.Origin == b.origin {
		return domain.ChangeEvent{}, false
	}
	if event.Topic == "" {
		event.Topic = strings.TrimPrefix(msg.Channel, b.prefix)
	}
	return event, true
}
