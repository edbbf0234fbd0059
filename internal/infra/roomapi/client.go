package roomapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quiz-room-engine/internal/domain"
)

// Client talks to a room service over its HTTP API. Rejections come back as domain
// sentinels; transport failures and 5xx responses wrap domain.ErrUnavailable.
type Client struct {
	baseURL      string
	serviceToken string
	http         *http.Client
}

func NewClient(baseURL, serviceToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		serviceToken: serviceToken,
		http:         &http.Client{Timeout: timeout},
	}
}

func (c *Client) CreateRoom(ctx context.Context, req domain.CreateRoomRequest) (domain.Membership, error) {
	var out domain.Membership
	err := c.do(ctx, http.MethodPost, "/api/rooms", "", req, &out)
	return out, err
}

func (c *Client) JoinRoom(ctx context.Context, roomCode string, req domain.JoinRequest) (domain.Membership, error) {
	var out domain.Membership
	err := c.do(ctx, http.MethodPost, roomPath(roomCode, "players"), "", req, &out)
	return out, err
}

func (c *Client) StartRoom(ctx context.Context, roomCode, token string) (domain.Room, error) {
	var out domain.Room
	err := c.do(ctx, http.MethodPost, roomPath(roomCode, "start"), token, struct{}{}, &out)
	return out, err
}

func (c *Client) FetchRoom(ctx context.Context, roomCode string) (domain.Snapshot, error) {
	var out domain.Snapshot
	err := c.do(ctx, http.MethodGet, roomPath(roomCode, ""), "", nil, &out)
	return out, err
}

func (c *Client) GradeAnswer(ctx context.Context, sub domain.Submission) (domain.GradeResult, error) {
	body := struct {
		PlayerID       string `json:"playerId"`
		DisplayName    string `json:"displayName,omitempty"`
		QuestionNumber int    `json:"questionNumber"`
		Answer         int    `json:"answer"`
		Token          string `json:"token,omitempty"`
	}{sub.PlayerID, sub.DisplayName, sub.QuestionNumber, sub.Answer, sub.Token}

	var out domain.GradeResult
	err := c.do(ctx, http.MethodPost, roomPath(sub.RoomCode, "answer"), c.serviceToken, body, &out)
	return out, err
}

func (c *Client) CloseQuestion(ctx context.Context, roomCode string, questionNumber int) (domain.RoundOutcome, error) {
	var out domain.RoundOutcome
	err := c.do(ctx, http.MethodPost, roomPath(roomCode, "close-question"), c.serviceToken, questionBody{questionNumber}, &out)
	return out, err
}

func (c *Client) Advance(ctx context.Context, roomCode string, fromQuestion int) (domain.Advance, error) {
	var out domain.Advance
	err := c.do(ctx, http.MethodPost, roomPath(roomCode, "next-question"), c.serviceToken, questionBody{fromQuestion}, &out)
	return out, err
}

func (c *Client) Finalize(ctx context.Context, roomCode string) (domain.Standings, error) {
	var out domain.Standings
	err := c.do(ctx, http.MethodPost, roomPath(roomCode, "finalize"), c.serviceToken, struct{}{}, &out)
	return out, err
}

type questionBody struct {
	QuestionNumber int `json:"questionNumber"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func roomPath(roomCode, action string) string {
	p := "/api/rooms/" + url.PathEscape(roomCode)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp, method, path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", domain.ErrUnavailable, method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response, method, path string) error {
	var eb errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)

	if sentinel := domain.ErrorFromCode(eb.Error); sentinel != nil {
		if eb.Message != "" && eb.Message != sentinel.Error() {
			return fmt.Errorf("%w: %s", sentinel, eb.Message)
		}
		return sentinel
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s %s: status %d", domain.ErrUnavailable, method, path, resp.StatusCode)
	}
	return fmt.Errorf("%w: %s %s: status %d", domain.ErrInvalidRequest, method, path, resp.StatusCode)
}
