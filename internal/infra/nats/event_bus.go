package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"quiz-room-engine/internal/domain"
)

// EventBus fans room broadcasts out to every engine process over a core NATS subject.
type EventBus struct {
	nc      *nats.Conn
	subject string
}

// Connect dials NATS with reconnects enabled and logs connection changes.
func Connect(url string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("quiz-room-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

func NewEventBus(nc *nats.Conn, subject string) *EventBus {
	if subject == "" {
		subject = "quiz.events"
	}
	return &EventBus{nc: nc, subject: subject}
}

func (b *EventBus) Publish(_ context.Context, env domain.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.nc.Publish(b.subject, raw); err != nil {
		return fmt.Errorf("%w: publish: %v", domain.ErrUnavailable, err)
	}
	return nil
}

// Subscribe registers handle for every envelope on the subject until ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, handle func(domain.Envelope)) error {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		var env domain.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Warn().Err(err).Msg("dropping malformed room event")
			return
		}
		handle(env)
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", domain.ErrUnavailable, b.subject, err)
	}
	if err := b.nc.FlushTimeout(5 * time.Second); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("%w: flush subscription: %v", domain.ErrUnavailable, err)
	}
	log.Info().Str("subject", b.subject).Msg("subscribed to room events")

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}
