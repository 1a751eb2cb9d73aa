package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultChannel = "profit.invalidate"

// envelope tags every message with the publishing instance so receivers can skip their own.
type envelope struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// Broadcaster fans invalidation messages out to every process sharing a Redis server.
type Broadcaster struct {
	client   *redis.Client
	channel  string
	instance string
	logger   *slog.Logger
}

// NewBroadcaster instantiates the pub/sub helper. An empty channel uses profit.invalidate.
func NewBroadcaster(client *redis.Client, channel string, logger *slog.Logger) *Broadcaster {
	if channel == "" {
		channel = defaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{client: client, channel: channel, instance: uuid.NewString(), logger: logger}
}

// Instance returns the identifier stamped on published messages.
func (b *Broadcaster) Instance() string {
	if b == nil {
		return ""
	}
	return b.instance
}

// Publish sends payload to the other instances.
func (b *Broadcaster) Publish(ctx context.Context, payload any) error {
	if b == nil || b.client == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(envelope{Origin: b.instance, Payload: raw})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, msg).Err()
}

// Listen subscribes to the channel and calls handle for each message published by another
// instance. It returns once the subscription is confirmed; delivery stops when ctx ends.
func (b *Broadcaster) Listen(ctx context.Context, handle func(context.Context, json.RawMessage)) error {
	if b == nil || b.client == nil {
		return nil
	}
	if handle == nil {
		return errors.New("cache: broadcast handler required")
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.logger.Warn("discard malformed invalidation message", slog.Any("error", err))
					continue
				}
				if env.Origin == b.instance {
					continue
				}
				handle(ctx, env.Payload)
			}
		}
	}()
	return nil
}
