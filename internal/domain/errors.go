package domain

import "errors"

var (
	// ErrRoomNotFound is returned when no room exists for a code.
	ErrRoomNotFound = errors.New("room not found")
	// ErrPlayerNotFound is returned when a user acts in a room they have not joined.
	ErrPlayerNotFound = errors.New("player not found in room")
	// ErrUnauthorized is returned when a token does not grant the requested action.
	ErrUnauthorized = errors.New("not authorized")
	// ErrNotEnoughPlayers blocks starting a room below the minimum head count.
	ErrNotEnoughPlayers = errors.New("not enough players to start")
	// ErrInvalidStatus indicates an action that is not allowed in the room's current status.
	ErrInvalidStatus = errors.New("action not allowed in current room status")
	// ErrStaleQuestion indicates a question number that does not match the room's current question.
	ErrStaleQuestion = errors.New("question is not the current question")
	// ErrAlreadyAnswered is returned on a second submission for the same question.
	ErrAlreadyAnswered = errors.New("answer already submitted for this question")
	// ErrInvalidAnswer indicates an option index outside the question's options.
	ErrInvalidAnswer = errors.New("invalid answer")
	// ErrInvalidRequest covers malformed intents and requests.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnavailable wraps transport failures talking to a downstream dependency.
	ErrUnavailable = errors.New("dependency unavailable")
)

var errorCodes = map[error]string{
	ErrRoomNotFound:     "room_not_found",
	ErrPlayerNotFound:   "player_not_found",
	ErrUnauthorized:     "unauthorized",
	ErrNotEnoughPlayers: "not_enough_players",
	ErrInvalidStatus:    "invalid_status",
	ErrStaleQuestion:    "stale_question",
	ErrAlreadyAnswered:  "already_answered",
	ErrInvalidAnswer:    "invalid_answer",
	ErrInvalidRequest:   "invalid_request",
	ErrUnavailable:      "unavailable",
}

// ErrorCode maps an error to its stable wire code, or "internal" for unknown errors.
func ErrorCode(err error) string {
	for sentinel, code := range errorCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return "internal"
}

// ErrorFromCode is the inverse of ErrorCode. Unknown codes map to nil.
func ErrorFromCode(code string) error {
	for sentinel, c := range errorCodes {
		if c == code {
			return sentinel
		}
	}
	return nil
}

// IsTransient reports whether err may succeed on retry. Domain rejections are final.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	return ErrorCode(err) == "internal"
}
