package app

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"quiz-room-engine/internal/domain"
)

type Config struct {
	PollInterval    time.Duration
	WarningSeconds  int
	Countdown       time.Duration
	ResultDisplay   time.Duration
	RetryDelay      time.Duration
	TimerTTL        time.Duration
	LeaseTTL        time.Duration
	RecoverInterval time.Duration
}

// Engine wires the scheduler, controller, arbiter and synchronizer for the gateway.
type Engine struct {
	Scheduler  *Scheduler
	Controller *Controller
	Arbiter    *Arbiter
	Sync       *Synchronizer

	recoverEvery time.Duration
}

func NewEngine(rooms RoomService, timers TimerStore, notify Notifier, clock clockwork.Clock, cfg Config) *Engine {
	scheduler := NewScheduler(timers, notify, clock, SchedulerConfig{
		PollInterval:   cfg.PollInterval,
		WarningSeconds: cfg.WarningSeconds,
		TimerTTL:       cfg.TimerTTL,
		LeaseTTL:       cfg.LeaseTTL,
		RetryDelay:     cfg.RetryDelay,
	})
	controller := NewController(rooms, scheduler, notify, clock, ControllerConfig{
		Countdown:     cfg.Countdown,
		ResultDisplay: cfg.ResultDisplay,
		RetryDelay:    cfg.RetryDelay,
	})
	recoverEvery := cfg.RecoverInterval
	if recoverEvery <= 0 {
		recoverEvery = 5 * time.Second
	}
	return &Engine{
		Scheduler:    scheduler,
		Controller:   controller,
		Arbiter:      NewArbiter(rooms, notify, controller, clock, cfg.RetryDelay),
		Sync:         NewSynchronizer(rooms, timers, notify, clock),
		recoverEvery: recoverEvery,
	}
}

// Run consumes expiries and resumes orphaned timers until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Controller.Run(ctx) })
	g.Go(func() error { return e.Scheduler.Watch(ctx, e.recoverEvery) })
	return g.Wait()
}

func (e *Engine) Close() {
	e.Controller.Close()
}

func (e *Engine) StartGame(ctx context.Context, connID, roomCode, token string) error {
	return e.Controller.StartGame(ctx, connID, roomCode, token)
}

func (e *Engine) SubmitAnswer(ctx context.Context, connID string, sub domain.Submission) error {
	_, err := e.Arbiter.Submit(ctx, connID, sub)
	return err
}

func (e *Engine) SyncClient(ctx context.Context, connID, roomCode string) error {
	return e.Sync.Sync(ctx, connID, roomCode)
}

func (e *Engine) SyncTimer(ctx context.Context, connID, roomCode string) error {
	_, err := e.Sync.SyncTimer(ctx, connID, roomCode)
	return err
}
