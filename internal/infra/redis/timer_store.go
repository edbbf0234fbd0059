package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-room-engine/internal/domain"
)

// TimerStore keeps timer state in Redis so any engine process can resume or resolve it.
//
//	HSET quiz:room:{code}:timer        roomCode questionNumber startedAt endsAt timeLimit isPaused
//	SET  quiz:room:{code}:timer:owner  {instance} PX {lease}
//	ZADD quiz:timers:active            {endsAt} {code}
type TimerStore struct {
	client *redis.Client
}

const activeKey = "quiz:timers:active"

// clearIfScript deletes the timer only while it still belongs to the given question.
var clearIfScript = redis.NewScript(`
local q = redis.call('HGET', KEYS[1], 'questionNumber')
if q == ARGV[1] then
  redis.call('DEL', KEYS[1], KEYS[2])
  redis.call('ZREM', KEYS[3], ARGV[2])
  return 1
end
return 0
`)

// claimScript takes or renews the owner lease unless another owner holds a live one.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local cur = redis.call('GET', KEYS[2])
if cur and cur ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
return 1
`)

func NewTimerStore(client *redis.Client) *TimerStore {
	return &TimerStore{client: client}
}

func (s *TimerStore) Save(ctx context.Context, state domain.TimerState, owner string, ttl, lease time.Duration) error {
	key := timerKey(state.RoomCode)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"roomCode", state.RoomCode,
			"questionNumber", state.QuestionNumber,
			"startedAt", state.StartedAt.UnixMilli(),
			"endsAt", state.EndsAt.UnixMilli(),
			"timeLimit", state.TimeLimit,
			"isPaused", strconv.FormatBool(state.Paused),
		)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		pipe.Set(ctx, ownerKey(state.RoomCode), owner, lease)
		pipe.ZAdd(ctx, activeKey, redis.Z{Score: float64(state.EndsAt.UnixMilli()), Member: state.RoomCode})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: save timer: %v", domain.ErrUnavailable, err)
	}
	return nil
}

func (s *TimerStore) Load(ctx context.Context, roomCode string) (domain.TimerState, bool, error) {
	fields, err := s.client.HGetAll(ctx, timerKey(roomCode)).Result()
	if err != nil {
		return domain.TimerState{}, false, fmt.Errorf("%w: load timer: %v", domain.ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return domain.TimerState{}, false, nil
	}
	state, err := parseTimer(fields)
	if err != nil {
		return domain.TimerState{}, false, err
	}
	return state, true, nil
}

func (s *TimerStore) ClearIf(ctx context.Context, roomCode string, questionNumber int) (bool, error) {
	keys := []string{timerKey(roomCode), ownerKey(roomCode), activeKey}
	n, err := clearIfScript.Run(ctx, s.client, keys, strconv.Itoa(questionNumber), roomCode).Int()
	if err != nil {
		return false, fmt.Errorf("%w: clear timer: %v", domain.ErrUnavailable, err)
	}
	return n == 1, nil
}

func (s *TimerStore) Clear(ctx context.Context, roomCode string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, timerKey(roomCode), ownerKey(roomCode))
		pipe.ZRem(ctx, activeKey, roomCode)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: clear timer: %v", domain.ErrUnavailable, err)
	}
	return nil
}

func (s *TimerStore) Claim(ctx context.Context, roomCode, owner string, lease time.Duration) (bool, error) {
	keys := []string{timerKey(roomCode), ownerKey(roomCode)}
	n, err := claimScript.Run(ctx, s.client, keys, owner, lease.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("%w: claim timer: %v", domain.ErrUnavailable, err)
	}
	return n == 1, nil
}

// Active lists rooms with timer state, pruning members whose hash has expired.
func (s *TimerStore) Active(ctx context.Context) ([]string, error) {
	codes, err := s.client.ZRange(ctx, activeKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list timers: %v", domain.ErrUnavailable, err)
	}
	if len(codes) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	exists := make([]*redis.IntCmd, len(codes))
	for i, code := range codes {
		exists[i] = pipe.Exists(ctx, timerKey(code))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: list timers: %v", domain.ErrUnavailable, err)
	}

	live := codes[:0]
	for i, code := range codes {
		if exists[i].Val() == 1 {
			live = append(live, code)
			continue
		}
		s.client.ZRem(ctx, activeKey, code)
	}
	return live, nil
}

func timerKey(roomCode string) string {
	return "quiz:room:" + roomCode + ":timer"
}

func ownerKey(roomCode string) string {
	return timerKey(roomCode) + ":owner"
}

func parseTimer(fields map[string]string) (domain.TimerState, error) {
	var state domain.TimerState
	var err error
	state.RoomCode = fields["roomCode"]
	if state.QuestionNumber, err = strconv.Atoi(fields["questionNumber"]); err != nil {
		return state, fmt.Errorf("parse questionNumber: %w", err)
	}
	if state.TimeLimit, err = strconv.Atoi(fields["timeLimit"]); err != nil {
		return state, fmt.Errorf("parse timeLimit: %w", err)
	}
	started, err := strconv.ParseInt(fields["startedAt"], 10, 64)
	if err != nil {
		return state, fmt.Errorf("parse startedAt: %w", err)
	}
	ends, err := strconv.ParseInt(fields["endsAt"], 10, 64)
	if err != nil {
		return state, fmt.Errorf("parse endsAt: %w", err)
	}
	state.StartedAt = time.UnixMilli(started)
	state.EndsAt = time.UnixMilli(ends)
	state.Paused = fields["isPaused"] == "true"
	return state, nil
}
