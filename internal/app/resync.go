package app

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quiz-room-engine/internal/domain"
)

// Synchronizer brings a (re)joining client up to date with a game in progress.
type Synchronizer struct {
	rooms  RoomService
	timers TimerStore
	notify Notifier
	clock  clockwork.Clock
}

func NewSynchronizer(rooms RoomService, timers TimerStore, notify Notifier, clock clockwork.Clock) *Synchronizer {
	return &Synchronizer{rooms: rooms, timers: timers, notify: notify, clock: clock}
}

// Sync sends timer_sync and game_state_sync to connID when the room is playing.
// Rooms in any other status, or unknown rooms, get nothing.
func (s *Synchronizer) Sync(ctx context.Context, connID, roomCode string) error {
	snap, err := s.rooms.FetchRoom(ctx, roomCode)
	if errors.Is(err, domain.ErrRoomNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if snap.Room.Status != domain.StatusPlaying {
		return nil
	}

	if _, err := s.syncTimer(ctx, connID, roomCode, snap.Room.CurrentQuestion); err != nil {
		log.Warn().Err(err).Str("room", roomCode).Msg("timer sync failed")
	}
	s.notify.Unicast(connID, domain.EventGameStateSync, snap)
	return nil
}

// SyncTimer sends timer_sync alone. It reports whether a running timer was found.
func (s *Synchronizer) SyncTimer(ctx context.Context, connID, roomCode string) (bool, error) {
	return s.syncTimer(ctx, connID, roomCode, 0)
}

func (s *Synchronizer) syncTimer(ctx context.Context, connID, roomCode string, current int) (bool, error) {
	state, ok, err := s.timers.Load(ctx, roomCode)
	if err != nil {
		return false, err
	}
	if !ok || state.Paused {
		return false, nil
	}
	if current > 0 && state.QuestionNumber != current {
		return false, nil
	}

	now := s.clock.Now()
	left := state.Remaining(now)
	if left <= 0 {
		return false, nil
	}

	s.notify.Unicast(connID, domain.EventTimerSync, domain.TimerSyncPayload{
		TimeRemaining:   secondsLeft(state, now),
		RemainingMillis: left.Milliseconds(),
		QuestionNumber:  state.QuestionNumber,
		EndsAt:          state.EndsAt.UnixMilli(),
		ServerTime:      now.UnixMilli(),
	})
	return true, nil
}
