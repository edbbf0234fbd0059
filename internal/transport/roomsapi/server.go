package roomsapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"quiz-room-engine/internal/app"
	"quiz-room-engine/internal/domain"
)

// Backend is the full room service: the engine's operations plus room creation and joining.
type Backend interface {
	app.RoomService
	CreateRoom(ctx context.Context, req domain.CreateRoomRequest) (domain.Membership, error)
	JoinRoom(ctx context.Context, roomCode string, req domain.JoinRequest) (domain.Membership, error)
	// Cleanup deletes rooms past their retention window and reports how many went.
	Cleanup(ctx context.Context, policy domain.RetentionPolicy) (int, error)
}

type handler struct {
	backend      Backend
	serviceToken string
}

// AnswerRequest is the body of the answer route. Token is the submitting player's token.
type AnswerRequest struct {
	PlayerID       string `json:"playerId"`
	DisplayName    string `json:"displayName,omitempty"`
	QuestionNumber int    `json:"questionNumber"`
	Answer         int    `json:"answer"`
	Token          string `json:"token,omitempty"`
}

type QuestionRequest struct {
	QuestionNumber int `json:"questionNumber"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewRouter serves the room service under /api. Engine-only routes require serviceToken as a
// bearer token and stay closed when it is empty; starting a room requires the owner's player token.
func NewRouter(backend Backend, serviceToken string) *gin.Engine {
	if serviceToken == "" {
		log.Warn().Msg("no service token set, engine-only room routes are disabled")
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	h := &handler{backend: backend, serviceToken: serviceToken}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC()})
	})

	api := r.Group("/api/rooms")
	api.POST("", h.createRoom)
	api.GET("/:code", h.fetchRoom)
	api.POST("/:code/players", h.joinRoom)
	api.POST("/:code/start", h.startRoom)

	engine := api.Group("/:code", h.requireService)
	engine.POST("/answer", h.gradeAnswer)
	engine.POST("/close-question", h.closeQuestion)
	engine.POST("/next-question", h.advance)
	engine.POST("/finalize", h.finalize)
	return r
}

func (h *handler) createRoom(c *gin.Context) {
	var req domain.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, domain.ErrInvalidRequest)
		return
	}
	m, err := h.backend.CreateRoom(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	log.Info().Str("room", m.Room.Code).Str("owner", m.Player.UserID).Msg("room created")
	c.JSON(http.StatusCreated, m)
}

func (h *handler) fetchRoom(c *gin.Context) {
	snap, err := h.backend.FetchRoom(c.Request.Context(), c.Param("code"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handler) joinRoom(c *gin.Context) {
	var req domain.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, domain.ErrInvalidRequest)
		return
	}
	m, err := h.backend.JoinRoom(c.Request.Context(), c.Param("code"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *handler) startRoom(c *gin.Context) {
	room, err := h.backend.StartRoom(c.Request.Context(), c.Param("code"), bearer(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *handler) gradeAnswer(c *gin.Context) {
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, domain.ErrInvalidRequest)
		return
	}
	res, err := h.backend.GradeAnswer(c.Request.Context(), domain.Submission{
		RoomCode:       c.Param("code"),
		PlayerID:       req.PlayerID,
		DisplayName:    req.DisplayName,
		QuestionNumber: req.QuestionNumber,
		Answer:         req.Answer,
		Token:          req.Token,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) closeQuestion(c *gin.Context) {
	var req QuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, domain.ErrInvalidRequest)
		return
	}
	outcome, err := h.backend.CloseQuestion(c.Request.Context(), c.Param("code"), req.QuestionNumber)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// advance takes the question number the caller is moving past.
func (h *handler) advance(c *gin.Context) {
	var req QuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, domain.ErrInvalidRequest)
		return
	}
	adv, err := h.backend.Advance(c.Request.Context(), c.Param("code"), req.QuestionNumber)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, adv)
}

func (h *handler) finalize(c *gin.Context) {
	standings, err := h.backend.Finalize(c.Request.Context(), c.Param("code"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, standings)
}

func (h *handler) requireService(c *gin.Context) {
	if h.serviceToken == "" || bearer(c) != h.serviceToken {
		writeError(c, domain.ErrUnauthorized)
		c.Abort()
		return
	}
	c.Next()
}

func bearer(c *gin.Context) string {
	return strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
}

func writeError(c *gin.Context, err error) {
	code := domain.ErrorCode(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("room service failure")
	}
	c.JSON(status, ErrorResponse{Error: code, Message: err.Error()})
}

func statusFor(code string) int {
	switch code {
	case "room_not_found", "player_not_found":
		return http.StatusNotFound
	case "unauthorized":
		return http.StatusUnauthorized
	case "invalid_request", "invalid_answer":
		return http.StatusBadRequest
	case "not_enough_players", "invalid_status", "stale_question", "already_answered":
		return http.StatusConflict
	case "unavailable":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("dur", time.Since(start)).
			Msg("http")
	}
}
