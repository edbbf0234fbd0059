package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jonboulle/clockwork"

	"quiz-room-engine/internal/domain"
)

// QuestionSource draws the question set of a new room.
type QuestionSource interface {
	Draw(ctx context.Context, category string, n int) ([]domain.QuestionItem, error)
}

// RoomService is the Postgres room backend. Every write locks the room row with
// SELECT ... FOR UPDATE; a question is resolved by the UPDATE that sets closed_at first.
type RoomService struct {
	pool      *pgxpool.Pool
	questions QuestionSource
	clock     clockwork.Clock
}

func NewRoomService(pool *pgxpool.Pool, questions QuestionSource, clock clockwork.Clock) *RoomService {
	return &RoomService{pool: pool, questions: questions, clock: clock}
}

type roomRow struct {
	room       domain.Room
	questionAt *time.Time
}

const roomColumns = `code, game_mode, status, owner_id, category, question_count, time_limit, current_question, question_started_at`

func scanRoom(row pgx.Row) (roomRow, error) {
	var r roomRow
	err := row.Scan(&r.room.Code, &r.room.Mode, &r.room.Status, &r.room.OwnerID, &r.room.Category,
		&r.room.QuestionCount, &r.room.TimeLimit, &r.room.CurrentQuestion, &r.questionAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, domain.ErrRoomNotFound
	}
	if err != nil {
		return r, fmt.Errorf("load room: %w", err)
	}
	return r, nil
}

func lockRoom(ctx context.Context, tx pgx.Tx, code string) (roomRow, error) {
	return scanRoom(tx.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE code=$1 FOR UPDATE`, code))
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

	var out domain.Membership
	err = s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		room := domain.Room{
			Mode:          req.Mode,
			Status:        domain.StatusLobby,
			OwnerID:       req.OwnerID,
			Category:      req.Category,
			QuestionCount: len(items),
			TimeLimit:     req.TimeLimit,
		}
		for attempt := 0; ; attempt++ {
			if attempt == 10 {
				return errors.New("could not allocate a room code")
			}
			room.Code = domain.GenerateRoomCode()
			tag, err := tx.Exec(ctx, `INSERT INTO rooms (code, game_mode, status, owner_id, category, question_count, time_limit, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (code) DO NOTHING`,
				room.Code, room.Mode, room.Status, room.OwnerID, room.Category, room.QuestionCount, room.TimeLimit, s.clock.Now())
			if err != nil {
				return fmt.Errorf("insert room: %w", err)
			}
			if tag.RowsAffected() == 1 {
				break
			}
		}

		for i, item := range items {
			raw, err := json.Marshal(item.Options)
			if err != nil {
				return fmt.Errorf("marshal options: %w", err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO room_questions (room_code, question_number, question, options, correct_answer, time_limit)
				VALUES ($1, $2, $3, $4::jsonb, $5, $6)`,
				room.Code, i+1, item.Text, string(raw), item.Correct, item.TimeLimit); err != nil {
				return fmt.Errorf("insert room question: %w", err)
			}
		}

		player, token, err := s.insertPlayer(ctx, tx, room, nil, domain.JoinRequest{UserID: req.OwnerID, DisplayName: req.OwnerName, Team: req.Team})
		if err != nil {
			return err
		}
		out = domain.Membership{Room: room, Player: player, Token: token}
		return nil
	})
	return out, err
}

// JoinRoom adds a player in the lobby. A player already in the room gets a fresh token.
func (s *RoomService) JoinRoom(ctx context.Context, roomCode string, req domain.JoinRequest) (domain.Membership, error) {
	if req.UserID == "" {
		return domain.Membership{}, domain.ErrInvalidRequest
	}
	if req.DisplayName == "" {
		req.DisplayName = req.UserID
	}

	var out domain.Membership
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		r, err := lockRoom(ctx, tx, roomCode)
		if err != nil {
			return err
		}
		players, err := loadPlayers(ctx, tx, roomCode)
		if err != nil {
			return err
		}
		for _, p := range players {
			if p.UserID != req.UserID {
				continue
			}
			token := uuid.NewString()
			if _, err := tx.Exec(ctx, `UPDATE room_players SET token=$3 WHERE room_code=$1 AND user_id=$2`, roomCode, p.UserID, token); err != nil {
				return fmt.Errorf("reissue token: %w", err)
			}
			out = domain.Membership{Room: r.room, Player: p, Token: token}
			return nil
		}

		if r.room.Status != domain.StatusLobby {
			return domain.ErrInvalidStatus
		}
		player, token, err := s.insertPlayer(ctx, tx, r.room, players, req)
		if err != nil {
			return err
		}
		out = domain.Membership{Room: r.room, Player: player, Token: token}
		return nil
	})
	return out, err
}

func (s *RoomService) StartRoom(ctx context.Context, roomCode, token string) (domain.Room, error) {
	var room domain.Room
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		r, err := lockRoom(ctx, tx, roomCode)
		if err != nil {
			return err
		}
		var ownerToken string
		err = tx.QueryRow(ctx, `SELECT token FROM room_players WHERE room_code=$1 AND user_id=$2`, roomCode, r.room.OwnerID).Scan(&ownerToken)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("load owner token: %w", err)
		}
		if token == "" || token != ownerToken {
			return domain.ErrUnauthorized
		}
		if r.room.Status != domain.StatusLobby {
			return domain.ErrInvalidStatus
		}
		var count int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM room_players WHERE room_code=$1`, roomCode).Scan(&count); err != nil {
			return fmt.Errorf("count players: %w", err)
		}
		if count < domain.MinPlayers {
			return domain.ErrNotEnoughPlayers
		}
		if _, err := tx.Exec(ctx, `UPDATE rooms SET status=$2 WHERE code=$1`, roomCode, domain.StatusStarting); err != nil {
			return fmt.Errorf("start room: %w", err)
		}
		room = r.room
		room.Status = domain.StatusStarting
		return nil
	})
	return room, err
}

func (s *RoomService) FetchRoom(ctx context.Context, roomCode string) (domain.Snapshot, error) {
	r, err := scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE code=$1`, roomCode))
	if err != nil {
		return domain.Snapshot{}, err
	}
	players, err := loadPlayers(ctx, s.pool, roomCode)
	if err != nil {
		return domain.Snapshot{}, err
	}

	snap := domain.Snapshot{Room: r.room, Players: players}
	if q := r.room.CurrentQuestion; q > 0 && r.room.Status == domain.StatusPlaying {
		item, _, _, err := loadQuestion(ctx, s.pool, roomCode, q)
		if err != nil {
			return domain.Snapshot{}, err
		}
		public := item.Public(q, r.room.TimeLimit)
		snap.CurrentQuestion = &public
	}
	return snap, nil
}

func (s *RoomService) GradeAnswer(ctx context.Context, sub domain.Submission) (domain.GradeResult, error) {
	var out domain.GradeResult
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		r, err := lockRoom(ctx, tx, sub.RoomCode)
		if err != nil {
			return err
		}
		if r.room.Status != domain.StatusPlaying {
			return domain.ErrInvalidStatus
		}
		player, token, err := loadPlayer(ctx, tx, sub.RoomCode, sub.PlayerID)
		if err != nil {
			return err
		}
		if sub.Token == "" || sub.Token != token {
			return domain.ErrUnauthorized
		}
		if sub.QuestionNumber != r.room.CurrentQuestion {
			return domain.ErrStaleQuestion
		}
		item, _, closed, err := loadQuestion(ctx, tx, sub.RoomCode, sub.QuestionNumber)
		if err != nil {
			return err
		}
		if sub.Answer < 0 || sub.Answer >= len(item.Options) {
			return domain.ErrInvalidAnswer
		}
		var answered bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM answers WHERE room_code=$1 AND question_number=$2 AND user_id=$3)`,
			sub.RoomCode, sub.QuestionNumber, sub.PlayerID).Scan(&answered); err != nil {
			return fmt.Errorf("check answer: %w", err)
		}
		if answered {
			return domain.ErrAlreadyAnswered
		}

		now := s.clock.Now()
		won := false
		if sub.Answer == item.Correct && !closed {
			tag, err := tx.Exec(ctx, `UPDATE room_questions SET winner_id=$3, closed_at=$4
				WHERE room_code=$1 AND question_number=$2 AND closed_at IS NULL`,
				sub.RoomCode, sub.QuestionNumber, sub.PlayerID, now)
			if err != nil {
				return fmt.Errorf("resolve question: %w", err)
			}
			won = tag.RowsAffected() == 1
		}

		var elapsed time.Duration
		if r.questionAt != nil {
			elapsed = now.Sub(*r.questionAt)
		}
		points := domain.ApplyAnswer(&player, won, elapsed)
		if _, err := tx.Exec(ctx, `UPDATE room_players SET score=$3, correct_answers=$4, wrong_answers=$5, streak=$6
			WHERE room_code=$1 AND user_id=$2`,
			sub.RoomCode, sub.PlayerID, player.Score, player.CorrectAnswers, player.WrongAnswers, player.Streak); err != nil {
			return fmt.Errorf("update player: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO answers (room_code, question_number, user_id, answer, is_correct, points, answered_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sub.RoomCode, sub.QuestionNumber, sub.PlayerID, sub.Answer, won, points, now); err != nil {
			return fmt.Errorf("record answer: %w", err)
		}

		players, err := loadPlayers(ctx, tx, sub.RoomCode)
		if err != nil {
			return err
		}
		out = domain.GradeResult{
			IsCorrect:     won,
			Points:        points,
			CorrectAnswer: item.Correct,
			Scores:        domain.ScoreBoard(players, sub.PlayerID, points),
			WonRound:      won,
			PlayerName:    player.DisplayName,
		}
		return nil
	})
	return out, err
}

func (s *RoomService) CloseQuestion(ctx context.Context, roomCode string, questionNumber int) (domain.RoundOutcome, error) {
	var out domain.RoundOutcome
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		r, err := lockRoom(ctx, tx, roomCode)
		if err != nil {
			return err
		}
		if r.room.Status != domain.StatusPlaying || questionNumber != r.room.CurrentQuestion {
			return domain.ErrStaleQuestion
		}

		tag, err := tx.Exec(ctx, `UPDATE room_questions SET closed_at=$3
			WHERE room_code=$1 AND question_number=$2 AND closed_at IS NULL`, roomCode, questionNumber, s.clock.Now())
		if err != nil {
			return fmt.Errorf("close question: %w", err)
		}
		item, winner, _, err := loadQuestion(ctx, tx, roomCode, questionNumber)
		if err != nil {
			return err
		}
		players, err := loadPlayers(ctx, tx, roomCode)
		if err != nil {
			return err
		}

		out = domain.RoundOutcome{
			QuestionNumber: questionNumber,
			CorrectAnswer:  item.Correct,
			Scores:         domain.ScoreBoard(players, "", 0),
			Closed:         tag.RowsAffected() == 1,
		}
		for _, p := range players {
			if winner != "" && p.UserID == winner {
				out.WinnerID = p.UserID
				out.WinnerName = p.DisplayName
			}
		}
		return nil
	})
	return out, err
}

func (s *RoomService) Advance(ctx context.Context, roomCode string, fromQuestion int) (domain.Advance, error) {
	var out domain.Advance
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		r, err := lockRoom(ctx, tx, roomCode)
		if err != nil {
			return err
		}
		step, err := domain.PlanAdvance(r.room, fromQuestion)
		if err != nil {
			return err
		}
		switch step {
		case domain.StepDone:
			out = domain.Advance{NoMoreQuestions: true}
			return nil
		case domain.StepNext:
			r.room.CurrentQuestion++
			if _, err := tx.Exec(ctx, `UPDATE rooms SET current_question=$2, status=$3, question_started_at=$4 WHERE code=$1`,
				roomCode, r.room.CurrentQuestion, domain.StatusPlaying, s.clock.Now()); err != nil {
				return fmt.Errorf("advance room: %w", err)
			}
		}

		q := r.room.CurrentQuestion
		item, _, _, err := loadQuestion(ctx, tx, roomCode, q)
		if err != nil {
			return err
		}
		public := item.Public(q, r.room.TimeLimit)
		out = domain.Advance{Question: &public, QuestionNumber: q, TimeLimit: public.TimeLimit}
		return nil
	})
	return out, err
}

func (s *RoomService) Finalize(ctx context.Context, roomCode string) (domain.Standings, error) {
	var out domain.Standings
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		r, err := lockRoom(ctx, tx, roomCode)
		if err != nil {
			return err
		}
		if r.room.Status == domain.StatusLobby {
			return domain.ErrInvalidStatus
		}
		if _, err := tx.Exec(ctx, `UPDATE rooms SET status=$2 WHERE code=$1`, roomCode, domain.StatusEnded); err != nil {
			return fmt.Errorf("finalize room: %w", err)
		}
		players, err := loadPlayers(ctx, tx, roomCode)
		if err != nil {
			return err
		}
		out = domain.RankPlayers(players, r.room.Mode)
		return nil
	})
	return out, err
}

// Cleanup deletes rooms that outlived the policy. A room's last activity is the latest of its
// creation, joins, question starts, answers and closes; deletes cascade to its rows.
func (s *RoomService) Cleanup(ctx context.Context, policy domain.RetentionPolicy) (int, error) {
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, `
		WITH activity AS (
			SELECT r.code, r.status, GREATEST(
				r.created_at,
				COALESCE(r.question_started_at, r.created_at),
				COALESCE((SELECT max(p.joined_at) FROM room_players p WHERE p.room_code = r.code), r.created_at),
				COALESCE((SELECT max(a.answered_at) FROM answers a WHERE a.room_code = r.code), r.created_at),
				COALESCE((SELECT max(q.closed_at) FROM room_questions q WHERE q.room_code = r.code), r.created_at)
			) AS last_active
			FROM rooms r
		)
		DELETE FROM rooms WHERE code IN (
			SELECT code FROM activity WHERE
				(status = $1 AND last_active < $2) OR
				(status = $3 AND last_active < $4) OR
				(status NOT IN ($1, $3) AND last_active < $5)
		)`,
		domain.StatusEnded, now.Add(-policy.Ended),
		domain.StatusLobby, now.Add(-policy.Lobby),
		now.Add(-policy.Idle))
	if err != nil {
		return 0, fmt.Errorf("cleanup rooms: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *RoomService) insertPlayer(ctx context.Context, tx pgx.Tx, room domain.Room, players []domain.Player, req domain.JoinRequest) (domain.Player, string, error) {
	player := domain.Player{
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		Team:        domain.AssignTeam(room.Mode, req.Team, players),
		JoinedAt:    s.clock.Now(),
	}
	token := uuid.NewString()
	if _, err := tx.Exec(ctx, `INSERT INTO room_players (room_code, user_id, display_name, team, token, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		room.Code, player.UserID, player.DisplayName, player.Team, token, player.JoinedAt); err != nil {
		return player, "", fmt.Errorf("insert player: %w", err)
	}
	return player, token, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

const playerColumns = `user_id, display_name, team, score, correct_answers, wrong_answers, streak, joined_at`

func loadPlayers(ctx context.Context, q querier, roomCode string) ([]domain.Player, error) {
	rows, err := q.Query(ctx, `SELECT `+playerColumns+` FROM room_players WHERE room_code=$1 ORDER BY joined_at`, roomCode)
	if err != nil {
		return nil, fmt.Errorf("load players: %w", err)
	}
	defer rows.Close()

	var players []domain.Player
	for rows.Next() {
		var p domain.Player
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.Team, &p.Score, &p.CorrectAnswers, &p.WrongAnswers, &p.Streak, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan player: %w", err)
		}
		players = append(players, p)
	}
	return players, rows.Err()
}

func loadPlayer(ctx context.Context, tx pgx.Tx, roomCode, userID string) (domain.Player, string, error) {
	var (
		p     domain.Player
		token string
	)
	err := tx.QueryRow(ctx, `SELECT `+playerColumns+`, token FROM room_players WHERE room_code=$1 AND user_id=$2 FOR UPDATE`, roomCode, userID).
		Scan(&p.UserID, &p.DisplayName, &p.Team, &p.Score, &p.CorrectAnswers, &p.WrongAnswers, &p.Streak, &p.JoinedAt, &token)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, "", domain.ErrPlayerNotFound
	}
	if err != nil {
		return p, "", fmt.Errorf("load player: %w", err)
	}
	return p, token, nil
}

// loadQuestion returns a room's question with its winner and whether it is closed.
func loadQuestion(ctx context.Context, q querier, roomCode string, number int) (domain.QuestionItem, string, bool, error) {
	var (
		item     domain.QuestionItem
		raw      []byte
		winner   *string
		closedAt *time.Time
	)
	err := q.QueryRow(ctx, `SELECT question, options, correct_answer, time_limit, winner_id, closed_at
		FROM room_questions WHERE room_code=$1 AND question_number=$2`, roomCode, number).
		Scan(&item.Text, &raw, &item.Correct, &item.TimeLimit, &winner, &closedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return item, "", false, domain.ErrStaleQuestion
	}
	if err != nil {
		return item, "", false, fmt.Errorf("load question: %w", err)
	}
	if err := json.Unmarshal(raw, &item.Options); err != nil {
		return item, "", false, fmt.Errorf("unmarshal options: %w", err)
	}
	var w string
	if winner != nil {
		w = *winner
	}
	return item, w, closedAt != nil, nil
}
