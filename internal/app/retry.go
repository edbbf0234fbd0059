package app

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quiz-room-engine/internal/domain"
)

// retryOnce runs fn and, on a transient failure, runs it once more after delay.
func retryOnce(ctx context.Context, clock clockwork.Clock, delay time.Duration, fn func() error) error {
	err := fn()
	if err == nil || !domain.IsTransient(err) || errors.Is(err, context.Canceled) {
		return err
	}
	log.Warn().Err(err).Dur("delay", delay).Msg("transient failure, retrying once")

	select {
	case <-ctx.Done():
		return err
	case <-clock.After(delay):
	}
	return fn()
}

func errorPayload(err error) domain.ErrorPayload {
	return domain.ErrorPayload{Code: domain.ErrorCode(err), Message: err.Error()}
}
