package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"quiz-room-engine/internal/domain"
)

// EventBus fans room broadcasts out to every engine process over Redis pub/sub.
type EventBus struct {
	client  *redis.Client
	channel string
}

func NewEventBus(client *redis.Client, channel string) *EventBus {
	if channel == "" {
		channel = "quiz:events"
	}
	return &EventBus{client: client, channel: channel}
}

func (b *EventBus) Publish(ctx context.Context, env domain.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("%w: publish: %v", domain.ErrUnavailable, err)
	}
	return nil
}

// Subscribe confirms the subscription, then delivers envelopes to handle in the background
// until ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, handle func(domain.Envelope)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("%w: subscribe %s: %v", domain.ErrUnavailable, b.channel, err)
	}
	log.Info().Str("channel", b.channel).Msg("subscribed to room events")

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env domain.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Warn().Err(err).Msg("dropping malformed room event")
					continue
				}
				handle(env)
			}
		}
	}()
	return nil
}
