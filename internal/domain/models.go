package domain

import "time"

// GameMode selects how rounds are contested.
type GameMode string

const (
	ModeFreeForAll GameMode = "free-for-all"
	ModeTeam       GameMode = "team"
)

// RoomStatus is the authoritative lifecycle status held by the room service.
type RoomStatus string

const (
	StatusLobby    RoomStatus = "lobby"
	StatusStarting RoomStatus = "starting"
	StatusPlaying  RoomStatus = "playing"
	StatusEnded    RoomStatus = "ended"
)

// Room is the engine's (possibly stale) view of a competitive session.
type Room struct {
	Code            string     `json:"code"`
	Mode            GameMode   `json:"gameMode"`
	Status          RoomStatus `json:"status"`
	OwnerID         string     `json:"ownerId"`
	Category        string     `json:"category,omitempty"`
	QuestionCount   int        `json:"questionCount"`
	TimeLimit       int        `json:"timeLimit"`       // seconds per question
	CurrentQuestion int        `json:"currentQuestion"` // 1-based, 0 before the first question
}

// Player is a participant as recorded by the room service.
type Player struct {
	UserID         string    `json:"userId"`
	DisplayName    string    `json:"displayName"`
	Team           string    `json:"team,omitempty"`
	Score          int       `json:"score"`
	CorrectAnswers int       `json:"correctAnswers"`
	WrongAnswers   int       `json:"wrongAnswers"`
	Streak         int       `json:"streak"`
	JoinedAt       time.Time `json:"joinedAt"`
}

// Question is the public part of a question in flight. The answer key never travels with it.
type Question struct {
	Number    int      `json:"questionNumber"`
	Text      string   `json:"question"`
	Options   []string `json:"options"`
	TimeLimit int      `json:"timeLimit"`
}

// TimerState is the shared record of when the current question of a room ends.
type TimerState struct {
	RoomCode       string    `json:"roomCode"`
	QuestionNumber int       `json:"questionNumber"`
	StartedAt      time.Time `json:"startedAt"`
	EndsAt         time.Time `json:"endsAt"`
	TimeLimit      int       `json:"timeLimit"`
	Paused         bool      `json:"isPaused"`
}

// Remaining returns the time left at now, never negative.
func (t TimerState) Remaining(now time.Time) time.Duration {
	left := t.EndsAt.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Submission is one answer attempt for a room+question.
type Submission struct {
	RoomCode       string `json:"roomCode"`
	PlayerID       string `json:"playerId"`
	DisplayName    string `json:"displayName,omitempty"`
	QuestionNumber int    `json:"questionNumber"`
	Answer         int    `json:"answer"`
	Token          string `json:"-"`
}

// ScoreEntry is a leaderboard row attached to round results.
type ScoreEntry struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Team        string `json:"team,omitempty"`
	Score       int    `json:"score"`
	Delta       int    `json:"delta"`
}

// GradeResult is the room service's answer to a grading call.
type GradeResult struct {
	IsCorrect     bool         `json:"isCorrect"`
	Points        int          `json:"points"`
	CorrectAnswer int          `json:"correctAnswer"`
	Scores        []ScoreEntry `json:"scores"`
	WonRound      bool         `json:"wonRound"`
	PlayerName    string       `json:"playerName,omitempty"`
}

// RoundOutcome describes a resolved question.
type RoundOutcome struct {
	QuestionNumber int          `json:"questionNumber"`
	CorrectAnswer  int          `json:"correctAnswer"`
	WinnerID       string       `json:"winnerId,omitempty"`
	WinnerName     string       `json:"winnerName,omitempty"`
	Scores         []ScoreEntry `json:"scores"`
	// Closed reports whether this call closed the question by timeout.
	Closed bool `json:"closed"`
}

// Advance is the response of moving a room to its next question.
type Advance struct {
	Question        *Question `json:"question,omitempty"`
	QuestionNumber  int       `json:"questionNumber,omitempty"`
	TimeLimit       int       `json:"timeLimit,omitempty"`
	NoMoreQuestions bool      `json:"noMoreQuestions,omitempty"`
}

// Ranking is one row of the final standings.
type Ranking struct {
	Rank           int    `json:"rank"`
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName"`
	Team           string `json:"team,omitempty"`
	Score          int    `json:"score"`
	CorrectAnswers int    `json:"correctAnswers"`
	WrongAnswers   int    `json:"wrongAnswers"`
}

// TeamStanding aggregates a team's score in team mode.
type TeamStanding struct {
	Team  string `json:"team"`
	Score int    `json:"score"`
	Rank  int    `json:"rank"`
}

// Standings are the final rankings of a room.
type Standings struct {
	Rankings []Ranking      `json:"rankings"`
	Teams    []TeamStanding `json:"teams,omitempty"`
}

// Snapshot is a full read of a room for (re)connecting clients.
type Snapshot struct {
	Room            Room      `json:"room"`
	Players         []Player  `json:"players"`
	CurrentQuestion *Question `json:"currentQuestion,omitempty"`
}

// QuestionItem is a bank entry including its answer key. It stays inside the room service.
type QuestionItem struct {
	Text      string   `json:"question"`
	Options   []string `json:"options"`
	Correct   int      `json:"correctAnswer"`
	TimeLimit int      `json:"timeLimit,omitempty"`
}

// Public strips the answer key.
func (q QuestionItem) Public(number, timeLimit int) Question {
	if q.TimeLimit > 0 {
		timeLimit = q.TimeLimit
	}
	return Question{Number: number, Text: q.Text, Options: q.Options, TimeLimit: timeLimit}
}

// CreateRoomRequest opens a new room owned by OwnerID.
type CreateRoomRequest struct {
	OwnerID       string   `json:"ownerId"`
	OwnerName     string   `json:"ownerName"`
	Mode          GameMode `json:"gameMode"`
	Category      string   `json:"category"`
	QuestionCount int      `json:"questionCount"`
	TimeLimit     int      `json:"timeLimit"`
	Team          string   `json:"team,omitempty"`
}

// JoinRequest adds a player to a room in the lobby.
type JoinRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Team        string `json:"team,omitempty"`
}

// Membership is returned on create and join. Token authenticates the player's later calls.
type Membership struct {
	Room   Room   `json:"room"`
	Player Player `json:"player"`
	Token  string `json:"token"`
}
