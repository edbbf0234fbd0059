package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quiz-room-engine/internal/domain"
)

// RoundResolver is told when a graded answer won the round.
type RoundResolver interface {
	ResolveWin(ctx context.Context, sub domain.Submission, grade domain.GradeResult)
}

// Arbiter accepts answer submissions and relays the room service's verdict.
type Arbiter struct {
	rooms      RoomService
	notify     Notifier
	resolver   RoundResolver
	clock      clockwork.Clock
	retryDelay time.Duration
}

func NewArbiter(rooms RoomService, notify Notifier, resolver RoundResolver, clock clockwork.Clock, retryDelay time.Duration) *Arbiter {
	return &Arbiter{
		rooms:      rooms,
		notify:     notify,
		resolver:   resolver,
		clock:      clock,
		retryDelay: retryDelay,
	}
}

// Submit grades one answer. The submitter gets answer_result, the room gets player_answered,
// and a round-winning answer is handed to the resolver.
func (a *Arbiter) Submit(ctx context.Context, connID string, sub domain.Submission) (domain.GradeResult, error) {
	var grade domain.GradeResult
	if sub.RoomCode == "" || sub.PlayerID == "" || sub.QuestionNumber <= 0 {
		err := fmt.Errorf("%w: roomCode, playerId and questionNumber are required", domain.ErrInvalidRequest)
		a.notify.Unicast(connID, domain.EventError, errorPayload(err))
		return grade, err
	}

	err := retryOnce(ctx, a.clock, a.retryDelay, func() error {
		var err error
		grade, err = a.rooms.GradeAnswer(ctx, sub)
		return err
	})
	if err != nil {
		log.Info().
			Err(err).
			Str("room", sub.RoomCode).
			Str("player", sub.PlayerID).
			Int("question", sub.QuestionNumber).
			Msg("answer rejected")
		a.notify.Unicast(connID, domain.EventError, errorPayload(err))
		return grade, err
	}

	a.notify.Unicast(connID, domain.EventAnswerResult, domain.AnswerResultPayload{
		QuestionNumber: sub.QuestionNumber,
		IsCorrect:      grade.IsCorrect,
		Points:         grade.Points,
	})

	if grade.PlayerName != "" {
		sub.DisplayName = grade.PlayerName
	}
	a.notify.Broadcast(sub.RoomCode, domain.EventPlayerAnswered, domain.PlayerAnsweredPayload{
		UserID:         sub.PlayerID,
		DisplayName:    sub.DisplayName,
		QuestionNumber: sub.QuestionNumber,
	})

	if grade.WonRound {
		a.resolver.ResolveWin(ctx, sub, grade)
	}
	return grade, nil
}
