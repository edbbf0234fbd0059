package roomsapi

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quiz-room-engine/internal/domain"
)

// RunRetention sweeps the backend for stale rooms every interval until ctx is done.
func RunRetention(ctx context.Context, backend Backend, clock clockwork.Clock, interval time.Duration, policy domain.RetentionPolicy) error {
	if interval <= 0 {
		interval = time.Minute
	}
	policy = policy.WithDefaults()
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
		removed, err := backend.Cleanup(ctx, policy)
		if err != nil {
			log.Warn().Err(err).Msg("room cleanup failed")
			continue
		}
		if removed > 0 {
			log.Info().Int("rooms", removed).Msg("removed stale rooms")
		}
	}
}
