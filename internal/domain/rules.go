package domain

import (
	"math/rand"
	"sort"
	"time"
)

const (
	RoomCodeLength = 4
	roomCodeChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	// MinPlayers is the head count needed to start a room.
	MinPlayers = 2
)

// GenerateRoomCode returns a random code of uppercase letters.
func GenerateRoomCode() string {
	code := make([]byte, RoomCodeLength)
	for i := range code {
		code[i] = roomCodeChars[rand.Intn(len(roomCodeChars))]
	}
	return string(code)
}

// AdvanceStep is what moving a room past a question amounts to.
type AdvanceStep int

const (
	StepNext AdvanceStep = iota
	StepReplay
	StepDone
)

// PlanAdvance decides how to move room past question after. Repeating a call for the
// same question replays the current question instead of skipping one.
func PlanAdvance(room Room, after int) (AdvanceStep, error) {
	switch room.Status {
	case StatusEnded:
		return StepDone, nil
	case StatusStarting, StatusPlaying:
	default:
		return 0, ErrInvalidStatus
	}

	switch {
	case after == room.CurrentQuestion:
		if after >= room.QuestionCount {
			return StepDone, nil
		}
		return StepNext, nil
	case after+1 == room.CurrentQuestion:
		return StepReplay, nil
	}
	return 0, ErrStaleQuestion
}

// ApplyAnswer updates the player's counters for one graded answer and returns the points earned.
func ApplyAnswer(p *Player, correct bool, responseTime time.Duration) int {
	if !correct {
		p.WrongAnswers++
		p.Streak = 0
		return 0
	}
	points, streak := ScoreCorrect(responseTime, p.Streak)
	p.Score += points
	p.CorrectAnswers++
	p.Streak = streak
	return points
}

// ScoreBoard lists players by score, crediting delta to the player identified by changed.
func ScoreBoard(players []Player, changed string, delta int) []ScoreEntry {
	sorted := sortPlayers(players)
	entries := make([]ScoreEntry, 0, len(sorted))
	for _, p := range sorted {
		e := ScoreEntry{UserID: p.UserID, DisplayName: p.DisplayName, Team: p.Team, Score: p.Score}
		if p.UserID == changed {
			e.Delta = delta
		}
		entries = append(entries, e)
	}
	return entries
}

// RankPlayers builds the final standings. Equal scores share a rank.
func RankPlayers(players []Player, mode GameMode) Standings {
	sorted := sortPlayers(players)
	out := Standings{Rankings: make([]Ranking, 0, len(sorted))}
	for i, p := range sorted {
		rank := i + 1
		if i > 0 && sorted[i-1].Score == p.Score {
			rank = out.Rankings[i-1].Rank
		}
		out.Rankings = append(out.Rankings, Ranking{
			Rank:           rank,
			UserID:         p.UserID,
			DisplayName:    p.DisplayName,
			Team:           p.Team,
			Score:          p.Score,
			CorrectAnswers: p.CorrectAnswers,
			WrongAnswers:   p.WrongAnswers,
		})
	}
	if mode == ModeTeam {
		out.Teams = rankTeams(players)
	}
	return out
}

func rankTeams(players []Player) []TeamStanding {
	totals := map[string]int{}
	for _, p := range players {
		if p.Team == "" {
			continue
		}
		totals[p.Team] += p.Score
	}
	teams := make([]TeamStanding, 0, len(totals))
	for team, score := range totals {
		teams = append(teams, TeamStanding{Team: team, Score: score})
	}
	sort.Slice(teams, func(i, j int) bool {
		if teams[i].Score != teams[j].Score {
			return teams[i].Score > teams[j].Score
		}
		return teams[i].Team < teams[j].Team
	})
	for i := range teams {
		teams[i].Rank = i + 1
		if i > 0 && teams[i-1].Score == teams[i].Score {
			teams[i].Rank = teams[i-1].Rank
		}
	}
	return teams
}

func sortPlayers(players []Player) []Player {
	sorted := append([]Player(nil), players...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		if sorted[i].CorrectAnswers != sorted[j].CorrectAnswers {
			return sorted[i].CorrectAnswers > sorted[j].CorrectAnswers
		}
		return sorted[i].JoinedAt.Before(sorted[j].JoinedAt)
	})
	return sorted
}

const (
	DefaultCategory      = "general"
	DefaultQuestionCount = 10
	DefaultTimeLimit     = 15
	MaxQuestionCount     = 50
	MinTimeLimit         = 5
	MaxTimeLimit         = 120
)

// Teams are assigned in this order when a team-mode player does not pick one.
var DefaultTeams = []string{"red", "blue"}

// Normalize validates a create request and fills in defaults.
func (r CreateRoomRequest) Normalize() (CreateRoomRequest, error) {
	if r.OwnerID == "" {
		return r, ErrInvalidRequest
	}
	if r.OwnerName == "" {
		r.OwnerName = r.OwnerID
	}
	switch r.Mode {
	case "":
		r.Mode = ModeFreeForAll
	case ModeFreeForAll, ModeTeam:
	default:
		return r, ErrInvalidRequest
	}
	if r.Category == "" {
		r.Category = DefaultCategory
	}
	if r.QuestionCount <= 0 {
		r.QuestionCount = DefaultQuestionCount
	}
	if r.QuestionCount > MaxQuestionCount {
		r.QuestionCount = MaxQuestionCount
	}
	if r.TimeLimit <= 0 {
		r.TimeLimit = DefaultTimeLimit
	}
	if r.TimeLimit < MinTimeLimit {
		r.TimeLimit = MinTimeLimit
	}
	if r.TimeLimit > MaxTimeLimit {
		r.TimeLimit = MaxTimeLimit
	}
	return r, nil
}

// AssignTeam picks the smallest default team when requested is empty in team mode.
func AssignTeam(mode GameMode, requested string, players []Player) string {
	if mode != ModeTeam {
		return ""
	}
	if requested != "" {
		return requested
	}
	counts := map[string]int{}
	for _, p := range players {
		counts[p.Team]++
	}
	best := DefaultTeams[0]
	for _, team := range DefaultTeams[1:] {
		if counts[team] < counts[best] {
			best = team
		}
	}
	return best
}

// RetentionPolicy is how long the room service keeps a room after its last activity.
type RetentionPolicy struct {
	Ended time.Duration
	Lobby time.Duration
	Idle  time.Duration // starting or playing rooms nobody touches
}

func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{Ended: 5 * time.Minute, Lobby: 2 * time.Hour, Idle: 30 * time.Minute}
}

// WithDefaults fills zero windows from DefaultRetention.
func (p RetentionPolicy) WithDefaults() RetentionPolicy {
	d := DefaultRetention()
	if p.Ended <= 0 {
		p.Ended = d.Ended
	}
	if p.Lobby <= 0 {
		p.Lobby = d.Lobby
	}
	if p.Idle <= 0 {
		p.Idle = d.Idle
	}
	return p
}

func (p RetentionPolicy) Window(status RoomStatus) time.Duration {
	switch status {
	case StatusEnded:
		return p.Ended
	case StatusLobby:
		return p.Lobby
	}
	return p.Idle
}

// Expired reports whether a room last active at lastActive has outlived its window at now.
func (p RetentionPolicy) Expired(status RoomStatus, lastActive, now time.Time) bool {
	return now.Sub(lastActive) > p.Window(status)
}
