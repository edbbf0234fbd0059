package roomapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"quiz-room-engine/internal/domain"
	"quiz-room-engine/internal/infra/memory"
	"quiz-room-engine/internal/transport/roomsapi"
)

func newTestServer(t *testing.T, serviceToken string) *httptest.Server {
	t.Helper()
	bank := memory.NewQuestionBank(memory.NewStaticQuestionLoader(memory.SampleQuestions()), time.Minute)
	backend := memory.NewRoomService(bank, clockwork.NewRealClock())
	srv := httptest.NewServer(roomsapi.NewRouter(backend, serviceToken))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientPlaysARound(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t, "engine-secret")
	client := NewClient(srv.URL, "engine-secret", time.Second)

	owner, err := client.CreateRoom(ctx, domain.CreateRoomRequest{OwnerID: "u1", OwnerName: "Alice", QuestionCount: 1, TimeLimit: 10})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	code := owner.Room.Code
	if len(code) != domain.RoomCodeLength || owner.Token == "" {
		t.Fatalf("unexpected membership %+v", owner)
	}
	bob, err := client.JoinRoom(ctx, code, domain.JoinRequest{UserID: "u2", DisplayName: "Bob"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	room, err := client.StartRoom(ctx, code, owner.Token)
	if err != nil || room.Status != domain.StatusStarting {
		t.Fatalf("start: %+v %v", room, err)
	}

	adv, err := client.Advance(ctx, code, 0)
	if err != nil || adv.QuestionNumber != 1 || adv.Question == nil {
		t.Fatalf("advance: %+v %v", adv, err)
	}

	outcome, err := client.CloseQuestion(ctx, code, 1)
	if err != nil || !outcome.Closed {
		t.Fatalf("close: %+v %v", outcome, err)
	}
	if _, err := client.GradeAnswer(ctx, domain.Submission{RoomCode: code, PlayerID: "u2", QuestionNumber: 1, Answer: outcome.CorrectAnswer}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected answer without player token to be rejected, got %v", err)
	}
	res, err := client.GradeAnswer(ctx, domain.Submission{RoomCode: code, PlayerID: "u2", QuestionNumber: 1, Answer: outcome.CorrectAnswer, Token: bob.Token})
	if err != nil || res.WonRound {
		t.Fatalf("answer after close must not win: %+v %v", res, err)
	}

	done, err := client.Advance(ctx, code, 1)
	if err != nil || !done.NoMoreQuestions {
		t.Fatalf("expected no more questions: %+v %v", done, err)
	}
	standings, err := client.Finalize(ctx, code)
	if err != nil || len(standings.Rankings) != 2 {
		t.Fatalf("finalize: %+v %v", standings, err)
	}

	snap, err := client.FetchRoom(ctx, code)
	if err != nil || snap.Room.Status != domain.StatusEnded {
		t.Fatalf("fetch: %+v %v", snap, err)
	}
}

func TestClientMapsErrorCodes(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t, "engine-secret")

	client := NewClient(srv.URL, "engine-secret", time.Second)
	if _, err := client.FetchRoom(ctx, "NOPE"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected room not found, got %v", err)
	}

	owner, _ := client.CreateRoom(ctx, domain.CreateRoomRequest{OwnerID: "u1"})
	if _, err := client.StartRoom(ctx, owner.Room.Code, owner.Token); !errors.Is(err, domain.ErrNotEnoughPlayers) {
		t.Fatalf("expected not enough players, got %v", err)
	}
	if _, err := client.StartRoom(ctx, owner.Room.Code, "bogus"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	stranger := NewClient(srv.URL, "wrong-secret", time.Second)
	_, err := stranger.Advance(ctx, owner.Room.Code, 0)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected engine routes to require the service token, got %v", err)
	}
	if domain.IsTransient(err) {
		t.Fatalf("rejections must not be retried")
	}
}

func TestClientWrapsTransportFailures(t *testing.T) {
	ctx := context.Background()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	client := NewClient(broken.URL, "", time.Second)
	_, err := client.Finalize(ctx, "ABCD")
	if !errors.Is(err, domain.ErrUnavailable) || !domain.IsTransient(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	broken.Close()
	if _, err := client.FetchRoom(ctx, "ABCD"); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected unavailable on closed server, got %v", err)
	}
}
