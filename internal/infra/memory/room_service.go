package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"quiz-room-engine/internal/domain"
)

// QuestionSource draws the question set of a new room.
type QuestionSource interface {
	Draw(ctx context.Context, category string, n int) ([]domain.QuestionItem, error)
}

// RoomService is an in-process room backend. One mutex serializes every write, which makes
// grading and closing a question atomic per room+question.
type RoomService struct {
	questions QuestionSource
	clock     clockwork.Clock

	mu     sync.Mutex
	rooms  map[string]*roomRecord
	tokens map[string]grant
}

type grant struct {
	roomCode string
	userID   string
}

type roomRecord struct {
	room       domain.Room
	players    []*domain.Player
	questions  []domain.QuestionItem
	questionAt time.Time
	lastActive time.Time
	answered   map[int]map[string]bool
	// resolved maps a closed question to its winner, "" when it closed by timeout.
	resolved map[int]string
}

func NewRoomService(questions QuestionSource, clock clockwork.Clock) *RoomService {
	return &RoomService{
		questions: questions,
		clock:     clock,
		rooms:     make(map[string]*roomRecord),
		tokens:    make(map[string]grant),
	}
}

func (s *RoomService) CreateRoom(ctx context.Context, req domain.CreateRoomRequest) (domain.Membership, error) {
	req, err := req.Normalize()
	if err != nil {
		return domain.Membership{}, err
	}
	items, err := s.questions.Draw(ctx, req.Category, req.QuestionCount)
	if err != nil {
		return domain.Membership{}, fmt.Errorf("draw questions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	code := domain.GenerateRoomCode()
	for s.rooms[code] != nil {
		code = domain.GenerateRoomCode()
	}
	rec := &roomRecord{
		room: domain.Room{
			Code:          code,
			Mode:          req.Mode,
			Status:        domain.StatusLobby,
			OwnerID:       req.OwnerID,
			Category:      req.Category,
			QuestionCount: len(items),
			TimeLimit:     req.TimeLimit,
		},
		questions:  items,
		lastActive: s.clock.Now(),
		answered:   make(map[int]map[string]bool),
		resolved:   make(map[int]string),
	}
	s.rooms[code] = rec

	player := s.addPlayer(rec, domain.JoinRequest{UserID: req.OwnerID, DisplayName: req.OwnerName, Team: req.Team})
	return domain.Membership{Room: rec.room, Player: *player, Token: s.issue(code, req.OwnerID)}, nil
}

// JoinRoom adds a player in the lobby. A player already in the room gets a fresh token.
func (s *RoomService) JoinRoom(_ context.Context, roomCode string, req domain.JoinRequest) (domain.Membership, error) {
	if req.UserID == "" {
		return domain.Membership{}, domain.ErrInvalidRequest
	}
	if req.DisplayName == "" {
		req.DisplayName = req.UserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rooms[roomCode]
	if !ok {
		return domain.Membership{}, domain.ErrRoomNotFound
	}
	player := rec.player(req.UserID)
	if player == nil {
		if rec.room.Status != domain.StatusLobby {
			return domain.Membership{}, domain.ErrInvalidStatus
		}
		player = s.addPlayer(rec, req)
	}
	rec.lastActive = s.clock.Now()
	return domain.Membership{Room: rec.room, Player: *player, Token: s.issue(roomCode, req.UserID)}, nil
}

func (s *RoomService) StartRoom(_ context.Context, roomCode, token string) (domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rooms[roomCode]
	if !ok {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	g, ok := s.tokens[token]
	if !ok || g.roomCode != roomCode || g.userID != rec.room.OwnerID {
		return domain.Room{}, domain.ErrUnauthorized
	}
	if rec.room.Status != domain.StatusLobby {
		return domain.Room{}, domain.ErrInvalidStatus
	}
	if len(rec.players) < domain.MinPlayers {
		return domain.Room{}, domain.ErrNotEnoughPlayers
	}
	rec.room.Status = domain.StatusStarting
	rec.lastActive = s.clock.Now()
	return rec.room, nil
}

func (s *RoomService) FetchRoom(_ context.Context, roomCode string) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rooms[roomCode]
	if !ok {
		return domain.Snapshot{}, domain.ErrRoomNotFound
	}
	snap := domain.Snapshot{Room: rec.room, Players: rec.playerList()}
	if q := rec.room.CurrentQuestion; q > 0 && rec.room.Status == domain.StatusPlaying {
		public := rec.questions[q-1].Public(q, rec.room.TimeLimit)
		snap.CurrentQuestion = &public
	}
	return snap, nil
}

func (s *RoomService) GradeAnswer(_ context.Context, sub domain.Submission) (domain.GradeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rooms[sub.RoomCode]
	if !ok {
		return domain.GradeResult{}, domain.ErrRoomNotFound
	}
	if rec.room.Status != domain.StatusPlaying {
		return domain.GradeResult{}, domain.ErrInvalidStatus
	}
	player := rec.player(sub.PlayerID)
	if player == nil {
		return domain.GradeResult{}, domain.ErrPlayerNotFound
	}
	if g, ok := s.tokens[sub.Token]; !ok || g.roomCode != sub.RoomCode || g.userID != sub.PlayerID {
		return domain.GradeResult{}, domain.ErrUnauthorized
	}
	if sub.QuestionNumber != rec.room.CurrentQuestion {
		return domain.GradeResult{}, domain.ErrStaleQuestion
	}
	item := rec.questions[sub.QuestionNumber-1]
	if sub.Answer < 0 || sub.Answer >= len(item.Options) {
		return domain.GradeResult{}, domain.ErrInvalidAnswer
	}
	if rec.answered[sub.QuestionNumber][sub.PlayerID] {
		return domain.GradeResult{}, domain.ErrAlreadyAnswered
	}
	if rec.answered[sub.QuestionNumber] == nil {
		rec.answered[sub.QuestionNumber] = make(map[string]bool)
	}
	rec.answered[sub.QuestionNumber][sub.PlayerID] = true
	rec.lastActive = s.clock.Now()

	// A correct answer only counts while the question is still open.
	_, closed := rec.resolved[sub.QuestionNumber]
	won := sub.Answer == item.Correct && !closed
	if won {
		rec.resolved[sub.QuestionNumber] = sub.PlayerID
	}
	points := domain.ApplyAnswer(player, won, s.clock.Since(rec.questionAt))

	return domain.GradeResult{
		IsCorrect:     won,
		Points:        points,
		CorrectAnswer: item.Correct,
		Scores:        domain.ScoreBoard(rec.playerList(), sub.PlayerID, points),
		WonRound:      won,
		PlayerName:    player.DisplayName,
	}, nil
}

func (s *RoomService) CloseQuestion(_ context.Context, roomCode string, questionNumber int) (domain.RoundOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rooms[roomCode]
	if !ok {
		return domain.RoundOutcome{}, domain.ErrRoomNotFound
	}
	if rec.room.Status != domain.StatusPlaying || questionNumber != rec.room.CurrentQuestion {
		return domain.RoundOutcome{}, domain.ErrStaleQuestion
	}

	outcome := domain.RoundOutcome{
		QuestionNumber: questionNumber,
		CorrectAnswer:  rec.questions[questionNumber-1].Correct,
		Scores:         domain.ScoreBoard(rec.playerList(), "", 0),
	}
	rec.lastActive = s.clock.Now()
	winner, resolved := rec.resolved[questionNumber]
	if !resolved {
		rec.resolved[questionNumber] = ""
		outcome.Closed = true
		return outcome, nil
	}
	if p := rec.player(winner); p != nil {
		outcome.WinnerID = p.UserID
		outcome.WinnerName = p.DisplayName
	}
	return outcome, nil
}

func (s *RoomService) Advance(_ context.Context, roomCode string, fromQuestion int) (domain.Advance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rooms[roomCode]
	if !ok {
		return domain.Advance{}, domain.ErrRoomNotFound
	}
	step, err := domain.PlanAdvance(rec.room, fromQuestion)
	if err != nil {
		return domain.Advance{}, err
	}
	switch step {
	case domain.StepDone:
		return domain.Advance{NoMoreQuestions: true}, nil
	case domain.StepNext:
		rec.room.CurrentQuestion++
		rec.room.Status = domain.StatusPlaying
		rec.questionAt = s.clock.Now()
		rec.lastActive = rec.questionAt
	}

	q := rec.room.CurrentQuestion
	public := rec.questions[q-1].Public(q, rec.room.TimeLimit)
	return domain.Advance{Question: &public, QuestionNumber: q, TimeLimit: public.TimeLimit}, nil
}

func (s *RoomService) Finalize(_ context.Context, roomCode string) (domain.Standings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rooms[roomCode]
	if !ok {
		return domain.Standings{}, domain.ErrRoomNotFound
	}
	if rec.room.Status == domain.StatusLobby {
		return domain.Standings{}, domain.ErrInvalidStatus
	}
	if rec.room.Status != domain.StatusEnded {
		rec.room.Status = domain.StatusEnded
		rec.lastActive = s.clock.Now()
	}
	return domain.RankPlayers(rec.playerList(), rec.room.Mode), nil
}

// Cleanup deletes rooms that outlived the policy, along with their player tokens.
func (s *RoomService) Cleanup(_ context.Context, policy domain.RetentionPolicy) (int, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for code, rec := range s.rooms {
		if !policy.Expired(rec.room.Status, rec.lastActive, now) {
			continue
		}
		delete(s.rooms, code)
		removed++
	}
	if removed > 0 {
		for token, g := range s.tokens {
			if _, ok := s.rooms[g.roomCode]; !ok {
				delete(s.tokens, token)
			}
		}
	}
	return removed, nil
}

// caller holds mu
func (s *RoomService) addPlayer(rec *roomRecord, req domain.JoinRequest) *domain.Player {
	player := &domain.Player{
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		Team:        domain.AssignTeam(rec.room.Mode, req.Team, rec.playerList()),
		JoinedAt:    s.clock.Now(),
	}
	rec.players = append(rec.players, player)
	return player
}

// caller holds mu
func (s *RoomService) issue(roomCode, userID string) string {
	token := uuid.NewString()
	s.tokens[token] = grant{roomCode: roomCode, userID: userID}
	return token
}

func (r *roomRecord) player(userID string) *domain.Player {
	for _, p := range r.players {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

func (r *roomRecord) playerList() []domain.Player {
	out := make([]domain.Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, *p)
	}
	return out
}
