package domain

import "encoding/json"

// Intents sent by clients.
const (
	IntentJoinRoom         = "join_room"
	IntentLeaveRoom        = "leave_room"
	IntentPlayerReady      = "player_ready"
	IntentStartGame        = "start_game"
	IntentSubmitAnswer     = "submit_answer"
	IntentSuggestAnswer    = "suggest_answer"
	IntentChatMessage      = "chat_message"
	IntentRequestTimerSync = "request_timer_sync"
)

// Events sent to clients.
const (
	EventPlayerJoined     = "player_joined"
	EventPlayerLeft       = "player_left"
	EventPlayerReady      = "player_ready"
	EventGameStarting     = "game_starting"
	EventGameStarted      = "game_started"
	EventQuestionStart    = "question_start"
	EventTimerTick        = "timer_tick"
	EventTimerWarning     = "timer_warning"
	EventAnswerResult     = "answer_result"
	EventPlayerAnswered   = "player_answered"
	EventQuestionResult   = "question_result"
	EventShowResult       = "show_result"
	EventGameEnded        = "game_ended"
	EventGameStateSync    = "game_state_sync"
	EventTimerSync        = "timer_sync"
	EventAnswerSuggestion = "answer_suggestion"
	EventChatMessage      = "chat_message"
	EventError            = "error"
)

type PlayerPresencePayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Team        string `json:"team,omitempty"`
}

type PlayerReadyPayload struct {
	UserID  string `json:"userId"`
	IsReady bool   `json:"isReady"`
}

type GameStartingPayload struct {
	Countdown int `json:"countdown"`
}

type QuestionStartPayload struct {
	QuestionNumber int      `json:"questionNumber"`
	Question       string   `json:"question"`
	Options        []string `json:"options"`
	TimeLimit      int      `json:"timeLimit"`
	EndsAt         int64    `json:"endsAt"` // unix ms
}

type TimerTickPayload struct {
	TimeRemaining  int   `json:"timeRemaining"`
	QuestionNumber int   `json:"questionNumber"`
	EndsAt         int64 `json:"endsAt"`
}

type TimerWarningPayload struct {
	TimeRemaining  int `json:"timeRemaining"`
	QuestionNumber int `json:"questionNumber"`
}

type AnswerResultPayload struct {
	QuestionNumber int  `json:"questionNumber"`
	IsCorrect      bool `json:"isCorrect"`
	Points         int  `json:"points"`
}

type PlayerAnsweredPayload struct {
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName"`
	QuestionNumber int    `json:"questionNumber"`
}

type QuestionResultPayload struct {
	QuestionNumber int          `json:"questionNumber"`
	CorrectAnswer  int          `json:"correctAnswer"`
	WinnerID       *string      `json:"winnerId"`
	WinnerName     string       `json:"winnerName,omitempty"`
	Scores         []ScoreEntry `json:"scores"`
}

type ShowResultPayload struct {
	Duration int64 `json:"duration"` // ms
}

type TimerSyncPayload struct {
	TimeRemaining   int   `json:"timeRemaining"`
	RemainingMillis int64 `json:"remainingMs"`
	QuestionNumber  int   `json:"questionNumber"`
	EndsAt          int64 `json:"endsAt"`
	ServerTime      int64 `json:"serverTime"`
}

type SuggestionPayload struct {
	SuggesterID     string `json:"suggesterId"`
	SuggesterName   string `json:"suggesterName"`
	SuggestedAnswer int    `json:"suggestedAnswer"`
	Team            string `json:"team"`
}

type ChatPayload struct {
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Message    string `json:"message"`
	Team       string `json:"team,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is a broadcast addressed to a room, as carried across engine processes.
type Envelope struct {
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	// Except skips one connection (the originator of a notification).
	Except string `json:"except,omitempty"`
	// Team restricts delivery to members of one team.
	Team string `json:"team,omitempty"`
}
