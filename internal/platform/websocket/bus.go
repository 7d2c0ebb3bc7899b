package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RedisBus publishes events to a Redis channel so every instance delivers them
// to the connections it holds. Events are delivered to the local hub
// immediately; envelopes that come back from this instance are skipped.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	origin  string
	hub     *Hub
	logger  zerolog.Logger
}

func NewRedisBus(rdb *redis.Client, channel string, hub *Hub, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
		hub:     hub,
		logger:  logger.With().Str("component", "redis_bus").Logger(),
	}
}

// Publish implements EventPublisher.
func (b *RedisBus) Publish(ctx context.Context, target Target, event Event) error {
	_ = b.hub.Publish(ctx, target, event)

	payload, err := json.Marshal(Envelope{Origin: b.origin, Target: target, Event: event})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run subscribes to the bus channel and delivers remote envelopes to the local
// hub until ctx is cancelled.
func (b *RedisBus) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	b.logger.Info().Str("channel", b.channel).Msg("subscribed to event bus")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(ctx, msg.Payload)
		}
	}
}

func (b *RedisBus) handle(ctx context.Context, payload string) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn().Err(err).Msg("dropping malformed envelope")
		return
	}
	if env.Origin == b.origin {
		return
	}
	_ = b.hub.Publish(ctx, env.Target, env.Event)
}
