package roomsapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"quiz-room-engine/internal/domain"
	"quiz-room-engine/internal/infra/memory"
)

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	bank := memory.NewQuestionBank(memory.NewStaticQuestionLoader(memory.SampleQuestions()), time.Minute)
	return NewRouter(memory.NewRoomService(bank, clockwork.NewRealClock()), "secret")
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndJoinRoom(t *testing.T) {
	h := newRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/rooms", "", domain.CreateRoomRequest{OwnerID: "u1", Mode: domain.ModeTeam})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var m domain.Membership
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Room.Mode != domain.ModeTeam || m.Player.Team == "" {
		t.Fatalf("unexpected membership %+v", m)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/rooms/"+m.Room.Code+"/players", "", domain.JoinRequest{UserID: "u2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on join, got %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/rooms/"+m.Room.Code, "", nil)
	var snap domain.Snapshot
	_ = json.Unmarshal(rec.Body.Bytes(), &snap)
	if len(snap.Players) != 2 {
		t.Fatalf("expected two players, got %+v", snap.Players)
	}
}

func TestErrorResponses(t *testing.T) {
	h := newRouter(t)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		code   string
	}{
		{"unknown room", http.MethodGet, "/api/rooms/NOPE", "", nil, http.StatusNotFound, "room_not_found"},
		{"bad mode", http.MethodPost, "/api/rooms", "", domain.CreateRoomRequest{OwnerID: "u1", Mode: "solo"}, http.StatusBadRequest, "invalid_request"},
		{"missing service token", http.MethodPost, "/api/rooms/NOPE/finalize", "", struct{}{}, http.StatusUnauthorized, "unauthorized"},
		{"service token", http.MethodPost, "/api/rooms/NOPE/finalize", "secret", struct{}{}, http.StatusNotFound, "room_not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, h, tc.method, tc.path, tc.token, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, resp.Error)
			}
		})
	}
}

func TestEngineRoutesClosedWithoutServiceToken(t *testing.T) {
	bank := memory.NewQuestionBank(memory.NewStaticQuestionLoader(memory.SampleQuestions()), time.Minute)
	h := NewRouter(memory.NewRoomService(bank, clockwork.NewRealClock()), "")

	rec := doJSON(t, h, http.MethodPost, "/api/rooms", "", domain.CreateRoomRequest{OwnerID: "u1"})
	var m domain.Membership
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}

	for _, route := range []string{"answer", "close-question", "next-question", "finalize"} {
		for _, token := range []string{"", m.Token} {
			rec := doJSON(t, h, http.MethodPost, "/api/rooms/"+m.Room.Code+"/"+route, token, QuestionRequest{QuestionNumber: 1})
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("%s with token %q: expected 401, got %d", route, token, rec.Code)
			}
		}
	}

	rec = doJSON(t, h, http.MethodGet, "/api/rooms/"+m.Room.Code, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("public routes must stay open, got %d", rec.Code)
	}
}
