package domain

import "time"

const (
	PointsCorrect   = 100
	PointsSpeed     = 50
	PointsStreak    = 25
	SpeedThreshold  = 5 * time.Second
	StreakThreshold = 3
)

// ScoreCorrect returns the points for a winning answer given the response time and the
// player's streak before this answer, plus the new streak.
func ScoreCorrect(responseTime time.Duration, streak int) (points, newStreak int) {
	points = PointsCorrect
	newStreak = streak + 1
	if responseTime <= SpeedThreshold {
		points += PointsSpeed
	}
	if newStreak >= StreakThreshold {
		points += PointsStreak
	}
	return points, newStreak
}
