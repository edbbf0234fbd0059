package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"quiz-room-engine/internal/domain"
)

// TimerStore is an in-process implementation of app.TimerStore for single-instance runs and tests.
type TimerStore struct {
	clock clockwork.Clock

	mu     sync.Mutex
	timers map[string]timerEntry
}

type timerEntry struct {
	state      domain.TimerState
	expiresAt  time.Time
	owner      string
	leaseUntil time.Time
}

func NewTimerStore(clock clockwork.Clock) *TimerStore {
	return &TimerStore{
		clock:  clock,
		timers: make(map[string]timerEntry),
	}
}

func (s *TimerStore) Save(_ context.Context, state domain.TimerState, owner string, ttl, lease time.Duration) error {
	now := s.clock.Now()
	entry := timerEntry{state: state, owner: owner, leaseUntil: now.Add(lease)}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	s.timers[state.RoomCode] = entry
	s.mu.Unlock()
	return nil
}

func (s *TimerStore) Load(_ context.Context, roomCode string) (domain.TimerState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(roomCode)
	return entry.state, ok, nil
}

func (s *TimerStore) ClearIf(_ context.Context, roomCode string, questionNumber int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(roomCode)
	if !ok || entry.state.QuestionNumber != questionNumber {
		return false, nil
	}
	delete(s.timers, roomCode)
	return true, nil
}

func (s *TimerStore) Clear(_ context.Context, roomCode string) error {
	s.mu.Lock()
	delete(s.timers, roomCode)
	s.mu.Unlock()
	return nil
}

func (s *TimerStore) Claim(_ context.Context, roomCode, owner string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(roomCode)
	if !ok {
		return false, nil
	}
	now := s.clock.Now()
	if entry.owner != owner && entry.leaseUntil.After(now) {
		return false, nil
	}
	entry.owner = owner
	entry.leaseUntil = now.Add(lease)
	s.timers[roomCode] = entry
	return true, nil
}

func (s *TimerStore) Active(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := make([]string, 0, len(s.timers))
	for code := range s.timers {
		if _, ok := s.live(code); ok {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

// live drops an entry whose TTL has passed. Caller holds mu.
func (s *TimerStore) live(roomCode string) (timerEntry, bool) {
	entry, ok := s.timers[roomCode]
	if !ok {
		return timerEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !entry.expiresAt.After(s.clock.Now()) {
		delete(s.timers, roomCode)
		return timerEntry{}, false
	}
	return entry, true
}
