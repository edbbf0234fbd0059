package app

import (
	"context"
	"time"

	"quiz-room-engine/internal/domain"
)

// RoomService is the persistence/query service that owns rooms, players, questions and scores.
// GradeAnswer and CloseQuestion must be atomic per room+question: a question is resolved either
// by the first correct grade or by CloseQuestion, never both.
type RoomService interface {
	StartRoom(ctx context.Context, roomCode, token string) (domain.Room, error)
	FetchRoom(ctx context.Context, roomCode string) (domain.Snapshot, error)
	GradeAnswer(ctx context.Context, sub domain.Submission) (domain.GradeResult, error)
	CloseQuestion(ctx context.Context, roomCode string, questionNumber int) (domain.RoundOutcome, error)
	Advance(ctx context.Context, roomCode string, fromQuestion int) (domain.Advance, error)
	Finalize(ctx context.Context, roomCode string) (domain.Standings, error)
}

// TimerStore is the shared room state store holding per-room timer state.
type TimerStore interface {
	// Save writes the timer state, takes the owner lease and registers the room as active.
	Save(ctx context.Context, state domain.TimerState, owner string, ttl, lease time.Duration) error
	Load(ctx context.Context, roomCode string) (domain.TimerState, bool, error)
	// ClearIf removes the timer state only if it still belongs to questionNumber.
	ClearIf(ctx context.Context, roomCode string, questionNumber int) (bool, error)
	Clear(ctx context.Context, roomCode string) error
	// Claim takes or renews the owner lease. It fails if another owner holds a live lease.
	Claim(ctx context.Context, roomCode, owner string, lease time.Duration) (bool, error)
	Active(ctx context.Context) ([]string, error)
}

// Notifier delivers events to clients. Broadcasts reach every connection of a room;
// unicasts reach one connection.
type Notifier interface {
	Broadcast(roomCode, event string, payload any)
	Unicast(connID, event string, payload any)
}
