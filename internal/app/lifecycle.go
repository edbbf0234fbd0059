package app

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quiz-room-engine/internal/domain"
)

type ControllerConfig struct {
	Countdown     time.Duration
	ResultDisplay time.Duration
	RetryDelay    time.Duration
}

// Controller drives a room from start through its questions to the final standings.
// Delayed transitions run on the controller's own context and stop on Close.
type Controller struct {
	rooms     RoomService
	scheduler *Scheduler
	notify    Notifier
	clock     clockwork.Clock
	cfg       ControllerConfig

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add against Close so no goroutine starts once Close is waiting.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewController(rooms RoomService, scheduler *Scheduler, notify Notifier, clock clockwork.Clock, cfg ControllerConfig) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		rooms:     rooms,
		scheduler: scheduler,
		notify:    notify,
		clock:     clock,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
	scheduler.SetValidator(c.timerIsCurrent)
	return c
}

// Run resolves questions whose timer expired until ctx is done or Close is called.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.ctx.Done():
			return nil
		case exp := <-c.scheduler.Expired():
			c.spawn(func() {
				c.resolveByTimeout(c.ctx, exp)
			})
		}
	}
}

// Close cancels pending transitions and waits for the ones in flight.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}

// spawn runs fn on a tracked goroutine. It reports false once the controller is closed.
func (c *Controller) spawn(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// StartGame asks the room service to start the room, then counts down to the first question.
// Rejections are reported to connID only.
func (c *Controller) StartGame(ctx context.Context, connID, roomCode, token string) error {
	room, err := c.rooms.StartRoom(ctx, roomCode, token)
	if err != nil {
		log.Info().Err(err).Str("room", roomCode).Msg("start rejected")
		c.notify.Unicast(connID, domain.EventError, errorPayload(err))
		return err
	}

	log.Info().Str("room", roomCode).Str("mode", string(room.Mode)).Msg("game starting")
	c.notify.Broadcast(roomCode, domain.EventGameStarting, domain.GameStartingPayload{
		Countdown: int(math.Ceil(c.cfg.Countdown.Seconds())),
	})

	c.after(c.cfg.Countdown, func(ctx context.Context) {
		room.Status = domain.StatusPlaying
		c.notify.Broadcast(roomCode, domain.EventGameStarted, room)
		c.openQuestion(ctx, roomCode, 0)
	})
	return nil
}

// ResolveWin announces a round won by sub, unless the timer already resolved it.
func (c *Controller) ResolveWin(ctx context.Context, sub domain.Submission, grade domain.GradeResult) {
	ctx = context.WithoutCancel(ctx)
	cleared, err := c.scheduler.Resolve(ctx, sub.RoomCode, sub.QuestionNumber)
	if err != nil {
		log.Error().Err(err).Str("room", sub.RoomCode).Int("question", sub.QuestionNumber).Msg("resolve round failed")
		c.notify.Broadcast(sub.RoomCode, domain.EventError, errorPayload(err))
		return
	}
	if !cleared {
		log.Debug().Str("room", sub.RoomCode).Int("question", sub.QuestionNumber).Msg("round already resolved")
		return
	}

	c.announce(sub.RoomCode, domain.RoundOutcome{
		QuestionNumber: sub.QuestionNumber,
		CorrectAnswer:  grade.CorrectAnswer,
		WinnerID:       sub.PlayerID,
		WinnerName:     sub.DisplayName,
		Scores:         grade.Scores,
	})
}

func (c *Controller) resolveByTimeout(ctx context.Context, exp Expiry) {
	var outcome domain.RoundOutcome
	err := retryOnce(ctx, c.clock, c.cfg.RetryDelay, func() error {
		var err error
		outcome, err = c.rooms.CloseQuestion(ctx, exp.RoomCode, exp.QuestionNumber)
		return err
	})
	if errors.Is(err, domain.ErrStaleQuestion) {
		log.Debug().Str("room", exp.RoomCode).Int("question", exp.QuestionNumber).Msg("expired question no longer current")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("room", exp.RoomCode).Int("question", exp.QuestionNumber).Msg("close question failed")
		c.notify.Broadcast(exp.RoomCode, domain.EventError, errorPayload(err))
		return
	}
	c.announce(exp.RoomCode, outcome)
}

func (c *Controller) announce(roomCode string, outcome domain.RoundOutcome) {
	var winner *string
	if outcome.WinnerID != "" {
		id := outcome.WinnerID
		winner = &id
	}
	c.notify.Broadcast(roomCode, domain.EventQuestionResult, domain.QuestionResultPayload{
		QuestionNumber: outcome.QuestionNumber,
		CorrectAnswer:  outcome.CorrectAnswer,
		WinnerID:       winner,
		WinnerName:     outcome.WinnerName,
		Scores:         outcome.Scores,
	})
	c.notify.Broadcast(roomCode, domain.EventShowResult, domain.ShowResultPayload{
		Duration: c.cfg.ResultDisplay.Milliseconds(),
	})

	c.after(c.cfg.ResultDisplay, func(ctx context.Context) {
		c.openQuestion(ctx, roomCode, outcome.QuestionNumber)
	})
}

func (c *Controller) openQuestion(ctx context.Context, roomCode string, after int) {
	var adv domain.Advance
	err := retryOnce(ctx, c.clock, c.cfg.RetryDelay, func() error {
		var err error
		adv, err = c.rooms.Advance(ctx, roomCode, after)
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("room", roomCode).Int("after", after).Msg("advance failed")
		c.notify.Broadcast(roomCode, domain.EventError, errorPayload(err))
		return
	}
	if adv.NoMoreQuestions || adv.Question == nil {
		c.finish(ctx, roomCode)
		return
	}

	limit := adv.TimeLimit
	if limit <= 0 {
		limit = adv.Question.TimeLimit
	}
	state, err := c.scheduler.Start(ctx, roomCode, adv.QuestionNumber, limit)
	if err != nil {
		log.Error().Err(err).Str("room", roomCode).Int("question", adv.QuestionNumber).Msg("start timer failed")
		c.notify.Broadcast(roomCode, domain.EventError, errorPayload(err))
		return
	}

	c.notify.Broadcast(roomCode, domain.EventQuestionStart, domain.QuestionStartPayload{
		QuestionNumber: adv.QuestionNumber,
		Question:       adv.Question.Text,
		Options:        adv.Question.Options,
		TimeLimit:      limit,
		EndsAt:         state.EndsAt.UnixMilli(),
	})
}

func (c *Controller) finish(ctx context.Context, roomCode string) {
	if err := c.scheduler.Stop(ctx, roomCode); err != nil {
		log.Warn().Err(err).Str("room", roomCode).Msg("clear timer on finish failed")
	}

	var standings domain.Standings
	err := retryOnce(ctx, c.clock, c.cfg.RetryDelay, func() error {
		var err error
		standings, err = c.rooms.Finalize(ctx, roomCode)
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("room", roomCode).Msg("finalize failed")
		c.notify.Broadcast(roomCode, domain.EventError, errorPayload(err))
		return
	}

	log.Info().Str("room", roomCode).Int("players", len(standings.Rankings)).Msg("game ended")
	c.notify.Broadcast(roomCode, domain.EventGameEnded, standings)
}

// after runs fn once delay has passed, unless the controller is closed first.
func (c *Controller) after(delay time.Duration, fn func(ctx context.Context)) {
	started := c.spawn(func() {
		select {
		case <-c.ctx.Done():
			return
		case <-c.clock.After(delay):
		}
		fn(c.ctx)
	})
	if !started {
		log.Debug().Dur("delay", delay).Msg("controller closed, dropping transition")
	}
}

// timerIsCurrent keeps a recovered timer only if its room is still on that question.
func (c *Controller) timerIsCurrent(ctx context.Context, state domain.TimerState) bool {
	snap, err := c.rooms.FetchRoom(ctx, state.RoomCode)
	if errors.Is(err, domain.ErrRoomNotFound) {
		return false
	}
	if err != nil {
		return true
	}
	return snap.Room.Status == domain.StatusPlaying && snap.Room.CurrentQuestion == state.QuestionNumber
}
