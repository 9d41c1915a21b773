package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultBroadcastChannel carries mutation events between console instances.
const DefaultBroadcastChannel = "console.invalidate"

// Invalidator applies confirmed mutations. *Cache implements it, as does
// anything fanning events out to several caches.
type Invalidator interface {
	InvalidateAfterMutation(kind Kind, op Mutation, id string)
}

// Broadcaster publishes mutation events over Redis pub/sub and applies
// events published by other instances to the local cache.
type Broadcaster struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
}

// NewBroadcaster constructs a broadcaster. An empty channel uses
// DefaultBroadcastChannel.
func NewBroadcaster(client *redis.Client, channel string, logger *slog.Logger) *Broadcaster {
	if channel == "" {
		channel = DefaultBroadcastChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{client: client, channel: channel, origin: uuid.NewString(), logger: logger}
}

// Origin identifies this instance on the channel.
func (b *Broadcaster) Origin() string { return b.origin }

// Publish sends evt to every listener.
func (b *Broadcaster) Publish(ctx context.Context, evt Event) error {
	if b == nil || b.client == nil {
		return nil
	}
	if evt.Origin == "" {
		evt.Origin = b.origin
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("query: encode event: %w", err)
	}
	return b.client.Publish(ctx, b.channel, raw).Err()
}

// Listen subscribes to the channel and applies remote events to target until
// ctx is done. It returns once the subscription is confirmed. Events
// published by this instance are ignored since they were applied locally.
func (b *Broadcaster) Listen(ctx context.Context, target Invalidator) error {
	if b == nil || b.client == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("query: subscribe %s: %w", b.channel, err)
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
				b.apply(target, msg.Payload)
			}
		}
	}()
	return nil
}

func (b *Broadcaster) apply(target Invalidator, payload string) {
	var evt Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		b.logger.Warn("discarding malformed invalidation event", slog.Any("error", err))
		return
	}
	if evt.Origin == b.origin {
		return
	}
	if _, err := ParseMutation(string(evt.Op)); err != nil {
		b.logger.Warn("discarding invalidation event", slog.Any("error", err))
		return
	}
	target.InvalidateAfterMutation(evt.Kind, evt.Op, evt.ID)
}
