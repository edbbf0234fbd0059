package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quiz-room-engine/internal/domain"
)

// Engine is the game logic the gateway routes intents to.
type Engine interface {
	StartGame(ctx context.Context, connID, roomCode, token string) error
	SubmitAnswer(ctx context.Context, connID string, sub domain.Submission) error
	SyncClient(ctx context.Context, connID, roomCode string) error
	SyncTimer(ctx context.Context, connID, roomCode string) error
}

type ConnConfig struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 4096,
		SendBuffer:     256,
	}
}

type WSHandler struct {
	hub      *Hub
	engine   Engine
	clock    clockwork.Clock
	cfg      ConnConfig
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *Hub, engine Engine, clock clockwork.Clock, cfg ConnConfig) *WSHandler {
	return &WSHandler{
		hub:    hub,
		engine: engine,
		clock:  clock,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type joinPayload struct {
	RoomCode    string `json:"roomCode"`
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
	Team        string `json:"team"`
	Token       string `json:"token"`
}

type leavePayload struct {
	RoomCode string `json:"roomCode"`
	PlayerID string `json:"playerId"`
}

type readyPayload struct {
	RoomCode string `json:"roomCode"`
	PlayerID string `json:"playerId"`
	IsReady  bool   `json:"isReady"`
}

type startPayload struct {
	RoomCode string `json:"roomCode"`
	Token    string `json:"token"`
}

type submitPayload struct {
	RoomCode       string `json:"roomCode"`
	PlayerID       string `json:"playerId"`
	Answer         *int   `json:"answer"`
	QuestionNumber int    `json:"questionNumber"`
	Token          string `json:"token"`
}

type suggestPayload struct {
	RoomCode string `json:"roomCode"`
	Team     string `json:"team"`
	PlayerID string `json:"playerId"`
	Answer   int    `json:"answer"`
}

type chatPayload struct {
	RoomCode string `json:"roomCode"`
	Team     string `json:"team"`
	SenderID string `json:"senderId"`
	Message  string `json:"message"`
}

type timerSyncPayload struct {
	RoomCode string `json:"roomCode"`
}

// ServeWS upgrades the request and runs the connection's read loop until it closes.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
	}
	h.hub.register(c)
	go h.writePump(c)

	h.readLoop(r.Context(), c)

	m := h.hub.unregister(c)
	if m.room != "" {
		h.hub.Broadcast(m.room, domain.EventPlayerLeft, domain.PlayerPresencePayload{
			UserID:      m.userID,
			DisplayName: m.name,
			Team:        m.team,
		})
	}
}

func (h *WSHandler) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	for {
		var in inboundMessage
		if err := c.conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn", c.id).Msg("ws read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		h.dispatch(ctx, c, in)
	}
}

func (h *WSHandler) writePump(c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug().Err(err).Str("conn", c.id).Msg("ws write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) dispatch(ctx context.Context, c *client, in inboundMessage) {
	switch in.Type {
	case domain.IntentJoinRoom:
		var p joinPayload
		if !h.decode(c, in, &p) || p.RoomCode == "" || p.PlayerID == "" {
			h.reject(c, domain.ErrInvalidRequest)
			return
		}
		h.join(ctx, c, p)

	case domain.IntentLeaveRoom:
		var p leavePayload
		if !h.decode(c, in, &p) {
			return
		}
		m := h.hub.leave(c)
		if m.room == "" {
			return
		}
		h.hub.Broadcast(m.room, domain.EventPlayerLeft, domain.PlayerPresencePayload{
			UserID:      m.userID,
			DisplayName: m.name,
			Team:        m.team,
		})

	case domain.IntentPlayerReady:
		var p readyPayload
		if !h.decode(c, in, &p) {
			return
		}
		m := h.hub.membershipOf(c)
		if m.room == "" {
			h.reject(c, domain.ErrPlayerNotFound)
			return
		}
		h.hub.Broadcast(m.room, domain.EventPlayerReady, domain.PlayerReadyPayload{UserID: m.userID, IsReady: p.IsReady})

	case domain.IntentStartGame:
		var p startPayload
		if !h.decode(c, in, &p) {
			return
		}
		code := h.roomOf(c, p.RoomCode)
		if code == "" {
			h.reject(c, domain.ErrInvalidRequest)
			return
		}
		if err := h.engine.StartGame(ctx, c.id, code, p.Token); err != nil {
			log.Info().Err(err).Str("room", code).Msg("start rejected")
		}

	case domain.IntentSubmitAnswer:
		var p submitPayload
		if !h.decode(c, in, &p) {
			return
		}
		m := h.hub.membershipOf(c)
		sub := domain.Submission{
			RoomCode:       h.roomOf(c, p.RoomCode),
			PlayerID:       p.PlayerID,
			QuestionNumber: p.QuestionNumber,
			Token:          p.Token,
		}
		if m.userID != "" {
			sub.PlayerID, sub.DisplayName = m.userID, m.name
			if sub.Token == "" {
				sub.Token = m.token
			}
		}
		if p.Answer == nil {
			h.reject(c, domain.ErrInvalidRequest)
			return
		}
		sub.Answer = *p.Answer
		if err := h.engine.SubmitAnswer(ctx, c.id, sub); err != nil {
			log.Debug().Err(err).Str("room", sub.RoomCode).Str("player", sub.PlayerID).Msg("answer rejected")
		}

	case domain.IntentSuggestAnswer:
		var p suggestPayload
		if !h.decode(c, in, &p) {
			return
		}
		m := h.hub.membershipOf(c)
		team := m.team
		if team == "" {
			team = p.Team
		}
		if m.room == "" || team == "" {
			h.reject(c, domain.ErrInvalidRequest)
			return
		}
		h.hub.BroadcastTeam(m.room, team, domain.EventAnswerSuggestion, domain.SuggestionPayload{
			SuggesterID:     m.userID,
			SuggesterName:   m.name,
			SuggestedAnswer: p.Answer,
			Team:            team,
		})

	case domain.IntentChatMessage:
		var p chatPayload
		if !h.decode(c, in, &p) {
			return
		}
		m := h.hub.membershipOf(c)
		text := strings.TrimSpace(p.Message)
		if m.room == "" || text == "" {
			h.reject(c, domain.ErrInvalidRequest)
			return
		}
		msg := domain.ChatPayload{
			SenderID:   m.userID,
			SenderName: m.name,
			Message:    text,
			Team:       p.Team,
			Timestamp:  h.clock.Now().UnixMilli(),
		}
		if p.Team != "" {
			h.hub.BroadcastTeam(m.room, p.Team, domain.EventChatMessage, msg)
			return
		}
		h.hub.Broadcast(m.room, domain.EventChatMessage, msg)

	case domain.IntentRequestTimerSync:
		var p timerSyncPayload
		if !h.decode(c, in, &p) {
			return
		}
		code := h.roomOf(c, p.RoomCode)
		if code == "" {
			return
		}
		if err := h.engine.SyncTimer(ctx, c.id, code); err != nil {
			log.Warn().Err(err).Str("room", code).Msg("timer sync failed")
		}

	default:
		h.reject(c, domain.ErrInvalidRequest)
	}
}

// join replaces any prior membership of the connection, then resynchronizes it.
func (h *WSHandler) join(ctx context.Context, c *client, p joinPayload) {
	name := p.DisplayName
	if name == "" {
		name = p.PlayerID
	}
	h.hub.join(c, membership{room: p.RoomCode, userID: p.PlayerID, name: name, team: p.Team, token: p.Token})
	h.hub.BroadcastExcept(p.RoomCode, c.id, domain.EventPlayerJoined, domain.PlayerPresencePayload{
		UserID:      p.PlayerID,
		DisplayName: name,
		Team:        p.Team,
	})
	log.Info().Str("room", p.RoomCode).Str("player", p.PlayerID).Str("conn", c.id).Msg("player joined")

	if err := h.engine.SyncClient(ctx, c.id, p.RoomCode); err != nil {
		log.Warn().Err(err).Str("room", p.RoomCode).Msg("resync failed")
	}
}

// roomOf prefers the room the connection joined over the one named in the payload.
func (h *WSHandler) roomOf(c *client, fromPayload string) string {
	if m := h.hub.membershipOf(c); m.room != "" {
		return m.room
	}
	return fromPayload
}

func (h *WSHandler) decode(c *client, in inboundMessage, v any) bool {
	if len(in.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(in.Payload, v); err != nil {
		h.reject(c, domain.ErrInvalidRequest)
		return false
	}
	return true
}

func (h *WSHandler) reject(c *client, err error) {
	h.hub.Unicast(c.id, domain.EventError, domain.ErrorPayload{Code: domain.ErrorCode(err), Message: err.Error()})
}
