package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"quiz-room-engine/internal/domain"
)

func newTestService(t *testing.T) (*RoomService, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bank := NewQuestionBank(NewStaticQuestionLoader(SampleQuestions()), time.Minute)
	return NewRoomService(bank, clock), clock
}

func openRoom(t *testing.T, svc *RoomService, players ...string) domain.Membership {
	t.Helper()
	ctx := context.Background()
	owner, err := svc.CreateRoom(ctx, domain.CreateRoomRequest{OwnerID: "owner", OwnerName: "Owner", QuestionCount: 2, TimeLimit: 10})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	for _, id := range players {
		if _, err := svc.JoinRoom(ctx, owner.Room.Code, domain.JoinRequest{UserID: id, DisplayName: id}); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	return owner
}

// tokenOf rejoins an existing player, which issues a fresh token.
func tokenOf(t *testing.T, svc *RoomService, code, userID string) string {
	t.Helper()
	m, err := svc.JoinRoom(context.Background(), code, domain.JoinRequest{UserID: userID})
	if err != nil {
		t.Fatalf("token for %s: %v", userID, err)
	}
	return m.Token
}

func TestStartRoomRules(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	owner := openRoom(t, svc)
	code := owner.Room.Code

	if _, err := svc.StartRoom(ctx, code, owner.Token); !errors.Is(err, domain.ErrNotEnoughPlayers) {
		t.Fatalf("expected not enough players, got %v", err)
	}

	guest, err := svc.JoinRoom(ctx, code, domain.JoinRequest{UserID: "guest"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := svc.StartRoom(ctx, code, guest.Token); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for non-owner, got %v", err)
	}

	room, err := svc.StartRoom(ctx, code, owner.Token)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if room.Status != domain.StatusStarting {
		t.Fatalf("expected starting, got %s", room.Status)
	}
	if _, err := svc.StartRoom(ctx, code, owner.Token); !errors.Is(err, domain.ErrInvalidStatus) {
		t.Fatalf("expected second start to fail, got %v", err)
	}
	if _, err := svc.JoinRoom(ctx, code, domain.JoinRequest{UserID: "late"}); !errors.Is(err, domain.ErrInvalidStatus) {
		t.Fatalf("expected join after start to fail, got %v", err)
	}
}

func TestAdvanceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	owner := openRoom(t, svc, "p2")
	code := owner.Room.Code
	if _, err := svc.StartRoom(ctx, code, owner.Token); err != nil {
		t.Fatalf("start: %v", err)
	}

	first, err := svc.Advance(ctx, code, 0)
	if err != nil || first.QuestionNumber != 1 {
		t.Fatalf("expected question 1, got %+v %v", first, err)
	}
	replay, err := svc.Advance(ctx, code, 0)
	if err != nil || replay.QuestionNumber != 1 {
		t.Fatalf("expected replay of question 1, got %+v %v", replay, err)
	}

	second, _ := svc.Advance(ctx, code, 1)
	if second.QuestionNumber != 2 || second.TimeLimit != 10 {
		t.Fatalf("expected question 2, got %+v", second)
	}
	if _, err := svc.Advance(ctx, code, 0); !errors.Is(err, domain.ErrStaleQuestion) {
		t.Fatalf("expected stale question, got %v", err)
	}
	done, _ := svc.Advance(ctx, code, 2)
	if !done.NoMoreQuestions {
		t.Fatalf("expected no more questions")
	}

	snap, _ := svc.FetchRoom(ctx, code)
	if snap.Room.Status != domain.StatusPlaying || snap.CurrentQuestion == nil || snap.CurrentQuestion.Number != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestGradeAnswerFirstCorrectWins(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)
	owner := openRoom(t, svc, "p2", "p3")
	code := owner.Room.Code
	_, _ = svc.StartRoom(ctx, code, owner.Token)
	adv, _ := svc.Advance(ctx, code, 0)

	correct := svc.rooms[code].questions[adv.QuestionNumber-1].Correct
	wrong := (correct + 1) % len(adv.Question.Options)

	res, err := svc.GradeAnswer(ctx, domain.Submission{RoomCode: code, PlayerID: "p2", QuestionNumber: 1, Answer: wrong, Token: tokenOf(t, svc, code, "p2")})
	if err != nil || res.IsCorrect || res.WonRound {
		t.Fatalf("expected wrong answer, got %+v %v", res, err)
	}
	if _, err := svc.GradeAnswer(ctx, domain.Submission{RoomCode: code, PlayerID: "p2", QuestionNumber: 1, Answer: correct, Token: tokenOf(t, svc, code, "p2")}); !errors.Is(err, domain.ErrAlreadyAnswered) {
		t.Fatalf("expected already answered, got %v", err)
	}

	clock.Advance(2 * time.Second)
	res, err = svc.GradeAnswer(ctx, domain.Submission{RoomCode: code, PlayerID: "p3", QuestionNumber: 1, Answer: correct, Token: tokenOf(t, svc, code, "p3")})
	if err != nil || !res.WonRound {
		t.Fatalf("expected winning answer, got %+v %v", res, err)
	}
	if res.Points != domain.PointsCorrect+domain.PointsSpeed {
		t.Fatalf("expected speed bonus, got %d", res.Points)
	}
	if res.Scores[0].UserID != "p3" || res.Scores[0].Delta != res.Points {
		t.Fatalf("expected p3 to lead, got %+v", res.Scores)
	}

	late, err := svc.GradeAnswer(ctx, domain.Submission{RoomCode: code, PlayerID: "owner", QuestionNumber: 1, Answer: correct, Token: tokenOf(t, svc, code, "owner")})
	if err != nil || late.IsCorrect || late.WonRound {
		t.Fatalf("late correct answer must count as wrong, got %+v %v", late, err)
	}

	outcome, err := svc.CloseQuestion(ctx, code, 1)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if outcome.Closed || outcome.WinnerID != "p3" {
		t.Fatalf("expected close to report the existing winner, got %+v", outcome)
	}
}

func TestGradeAnswerRejections(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	owner := openRoom(t, svc, "p2")
	code := owner.Room.Code

	p2 := tokenOf(t, svc, code, "p2")
	if _, err := svc.GradeAnswer(ctx, domain.Submission{RoomCode: code, PlayerID: "p2", QuestionNumber: 1, Token: p2}); !errors.Is(err, domain.ErrInvalidStatus) {
		t.Fatalf("expected invalid status in lobby, got %v", err)
	}
	_, _ = svc.StartRoom(ctx, code, owner.Token)
	_, _ = svc.Advance(ctx, code, 0)

	cases := []struct {
		name string
		sub  domain.Submission
		want error
	}{
		{"unknown room", domain.Submission{RoomCode: "NOPE", PlayerID: "p2", QuestionNumber: 1, Token: p2}, domain.ErrRoomNotFound},
		{"unknown player", domain.Submission{RoomCode: code, PlayerID: "ghost", QuestionNumber: 1, Token: p2}, domain.ErrPlayerNotFound},
		{"missing token", domain.Submission{RoomCode: code, PlayerID: "p2", QuestionNumber: 1}, domain.ErrUnauthorized},
		{"foreign token", domain.Submission{RoomCode: code, PlayerID: "p2", QuestionNumber: 1, Token: owner.Token}, domain.ErrUnauthorized},
		{"stale question", domain.Submission{RoomCode: code, PlayerID: "p2", QuestionNumber: 2, Token: p2}, domain.ErrStaleQuestion},
		{"bad option", domain.Submission{RoomCode: code, PlayerID: "p2", QuestionNumber: 1, Answer: 9, Token: p2}, domain.ErrInvalidAnswer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.GradeAnswer(ctx, tc.sub); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestConcurrentCorrectAnswersYieldOneWinner(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	ids := []string{"p1", "p2", "p3", "p4", "p5", "p6", "p7", "p8"}
	owner := openRoom(t, svc, ids...)
	code := owner.Room.Code
	_, _ = svc.StartRoom(ctx, code, owner.Token)
	_, _ = svc.Advance(ctx, code, 0)
	correct := svc.rooms[code].questions[0].Correct
	tokens := make(map[string]string, len(ids))
	for _, id := range ids {
		tokens[id] = tokenOf(t, svc, code, id)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := svc.GradeAnswer(ctx, domain.Submission{RoomCode: code, PlayerID: id, QuestionNumber: 1, Answer: correct, Token: tokens[id]})
			if err != nil {
				t.Errorf("grade %s: %v", id, err)
				return
			}
			if res.WonRound {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestCloseQuestionByTimeout(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	owner := openRoom(t, svc, "p2")
	code := owner.Room.Code
	_, _ = svc.StartRoom(ctx, code, owner.Token)
	_, _ = svc.Advance(ctx, code, 0)

	outcome, err := svc.CloseQuestion(ctx, code, 1)
	if err != nil || !outcome.Closed || outcome.WinnerID != "" {
		t.Fatalf("expected timeout close, got %+v %v", outcome, err)
	}
	again, _ := svc.CloseQuestion(ctx, code, 1)
	if again.Closed {
		t.Fatalf("second close must not close again")
	}

	correct := svc.rooms[code].questions[0].Correct
	res, _ := svc.GradeAnswer(ctx, domain.Submission{RoomCode: code, PlayerID: "p2", QuestionNumber: 1, Answer: correct, Token: tokenOf(t, svc, code, "p2")})
	if res.WonRound {
		t.Fatalf("answer after timeout must not win")
	}
	if _, err := svc.CloseQuestion(ctx, code, 2); !errors.Is(err, domain.ErrStaleQuestion) {
		t.Fatalf("expected stale question, got %v", err)
	}
}

func TestFinalizeTeamStandings(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	owner, err := svc.CreateRoom(ctx, domain.CreateRoomRequest{OwnerID: "owner", Mode: domain.ModeTeam, QuestionCount: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	code := owner.Room.Code
	guest, _ := svc.JoinRoom(ctx, code, domain.JoinRequest{UserID: "guest"})
	if owner.Player.Team == guest.Player.Team {
		t.Fatalf("expected players balanced across teams, both on %q", guest.Player.Team)
	}

	if _, err := svc.Finalize(ctx, code); !errors.Is(err, domain.ErrInvalidStatus) {
		t.Fatalf("expected finalize in lobby to fail, got %v", err)
	}
	_, _ = svc.StartRoom(ctx, code, owner.Token)
	_, _ = svc.Advance(ctx, code, 0)
	correct := svc.rooms[code].questions[0].Correct
	_, _ = svc.GradeAnswer(ctx, domain.Submission{RoomCode: code, PlayerID: "guest", QuestionNumber: 1, Answer: correct, Token: tokenOf(t, svc, code, "guest")})

	standings, err := svc.Finalize(ctx, code)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if standings.Rankings[0].UserID != "guest" || len(standings.Teams) != 2 {
		t.Fatalf("unexpected standings %+v", standings)
	}
	if standings.Teams[0].Team != guest.Player.Team {
		t.Fatalf("expected guest's team to lead, got %+v", standings.Teams)
	}

	again, err := svc.Finalize(ctx, code)
	if err != nil || len(again.Rankings) != len(standings.Rankings) {
		t.Fatalf("finalize must be repeatable, got %+v %v", again, err)
	}
}

func TestCleanupRemovesStaleRooms(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)
	policy := domain.DefaultRetention()

	lobby := openRoom(t, svc, "p2")
	ended := openRoom(t, svc, "p2")
	playing := openRoom(t, svc, "p2")
	for _, m := range []domain.Membership{ended, playing} {
		if _, err := svc.StartRoom(ctx, m.Room.Code, m.Token); err != nil {
			t.Fatalf("start: %v", err)
		}
		_, _ = svc.Advance(ctx, m.Room.Code, 0)
	}
	if _, err := svc.Finalize(ctx, ended.Room.Code); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	clock.Advance(6 * time.Minute)
	removed, err := svc.Cleanup(ctx, policy)
	if err != nil || removed != 1 {
		t.Fatalf("expected the ended room to go, removed %d %v", removed, err)
	}
	if _, err := svc.FetchRoom(ctx, ended.Room.Code); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected ended room deleted, got %v", err)
	}
	if _, err := svc.StartRoom(ctx, ended.Room.Code, ended.Token); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("tokens of a deleted room must not resolve, got %v", err)
	}

	// Activity keeps a playing room alive.
	clock.Advance(20 * time.Minute)
	_, _ = svc.GradeAnswer(ctx, domain.Submission{RoomCode: playing.Room.Code, PlayerID: "p2", QuestionNumber: 1, Answer: 0, Token: tokenOf(t, svc, playing.Room.Code, "p2")})
	clock.Advance(20 * time.Minute)
	if removed, _ := svc.Cleanup(ctx, policy); removed != 0 {
		t.Fatalf("active rooms must be kept, removed %d", removed)
	}

	clock.Advance(2 * time.Hour)
	if removed, _ := svc.Cleanup(ctx, policy); removed != 2 {
		t.Fatalf("expected idle playing room and old lobby to go, removed %d", removed)
	}
	if _, err := svc.FetchRoom(ctx, lobby.Room.Code); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected lobby deleted, got %v", err)
	}
	if len(svc.tokens) != 0 {
		t.Fatalf("expected every token dropped, %d left", len(svc.tokens))
	}
}
