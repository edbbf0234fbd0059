package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quiz-room-engine/internal/domain"
)

// Expiry is emitted when a countdown reaches zero and this process cleared its timer state.
type Expiry struct {
	RoomCode       string
	QuestionNumber int
}

type SchedulerConfig struct {
	PollInterval   time.Duration
	WarningSeconds int
	TimerTTL       time.Duration
	LeaseTTL       time.Duration
	RetryDelay     time.Duration
}

// Scheduler runs at most one countdown per room. The TimerStore is the source of truth; the
// running map is a per-process cache of the poll loops this instance owns.
type Scheduler struct {
	store    TimerStore
	notify   Notifier
	clock    clockwork.Clock
	cfg      SchedulerConfig
	instance string
	expired  chan Expiry
	validate func(ctx context.Context, state domain.TimerState) bool

	mu      sync.Mutex
	running map[string]*countdown
}

type countdown struct {
	state  domain.TimerState
	cancel context.CancelFunc

	// mu is held while events are handed to the notifier, so stop() returning means no
	// further events.
	mu      sync.Mutex
	stopped bool
}

func (cd *countdown) stop() {
	cd.mu.Lock()
	cd.stopped = true
	cd.cancel()
	cd.mu.Unlock()
}

func NewScheduler(store TimerStore, notify Notifier, clock clockwork.Clock, cfg SchedulerConfig) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 3 * time.Second
	}
	return &Scheduler{
		store:    store,
		notify:   notify,
		clock:    clock,
		cfg:      cfg,
		instance: uuid.New().String()[:8],
		expired:  make(chan Expiry, 64),
		running:  make(map[string]*countdown),
	}
}

// Expired delivers one Expiry per countdown that reached zero on this instance.
func (s *Scheduler) Expired() <-chan Expiry {
	return s.expired
}

// SetValidator installs the check used to discard stale timers found during recovery.
func (s *Scheduler) SetValidator(fn func(ctx context.Context, state domain.TimerState) bool) {
	s.validate = fn
}

// Start persists a new countdown for the room and begins polling it, superseding any prior one.
func (s *Scheduler) Start(ctx context.Context, roomCode string, questionNumber, seconds int) (domain.TimerState, error) {
	now := s.clock.Now()
	state := domain.TimerState{
		RoomCode:       roomCode,
		QuestionNumber: questionNumber,
		StartedAt:      now,
		EndsAt:         now.Add(time.Duration(seconds) * time.Second),
		TimeLimit:      seconds,
	}

	s.cancelLocal(roomCode, 0)
	err := retryOnce(ctx, s.clock, s.cfg.RetryDelay, func() error {
		return s.store.Save(ctx, state, s.instance, s.cfg.TimerTTL, s.cfg.LeaseTTL)
	})
	if err != nil {
		return state, fmt.Errorf("save timer state: %w", err)
	}

	s.launch(state)
	log.Info().
		Str("room", roomCode).
		Int("question", questionNumber).
		Int("seconds", seconds).
		Msg("timer started")
	return state, nil
}

// Stop cancels the room's countdown and clears its timer state. Safe when nothing runs.
func (s *Scheduler) Stop(ctx context.Context, roomCode string) error {
	s.cancelLocal(roomCode, 0)
	return retryOnce(ctx, s.clock, s.cfg.RetryDelay, func() error {
		return s.store.Clear(ctx, roomCode)
	})
}

// Resolve stops the countdown for questionNumber and reports whether this call cleared its
// timer state. A false result means the question was already resolved elsewhere.
func (s *Scheduler) Resolve(ctx context.Context, roomCode string, questionNumber int) (bool, error) {
	s.cancelLocal(roomCode, questionNumber)

	var cleared bool
	err := retryOnce(ctx, s.clock, s.cfg.RetryDelay, func() error {
		var err error
		cleared, err = s.store.ClearIf(ctx, roomCode, questionNumber)
		return err
	})
	return cleared, err
}

// Running reports whether this instance polls a countdown for the room.
func (s *Scheduler) Running(roomCode string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[roomCode]
	return ok
}

// Recover resumes countdowns whose owner lease has lapsed, e.g. after a process crash.
func (s *Scheduler) Recover(ctx context.Context) error {
	codes, err := s.store.Active(ctx)
	if err != nil {
		return fmt.Errorf("list active timers: %w", err)
	}

	for _, code := range codes {
		if s.Running(code) {
			continue
		}
		state, ok, err := s.store.Load(ctx, code)
		if err != nil {
			log.Warn().Err(err).Str("room", code).Msg("load timer state failed")
			continue
		}
		if !ok || state.Paused {
			continue
		}
		claimed, err := s.store.Claim(ctx, code, s.instance, s.cfg.LeaseTTL)
		if err != nil || !claimed {
			continue
		}
		if s.validate != nil && !s.validate(ctx, state) {
			if _, err := s.store.ClearIf(ctx, code, state.QuestionNumber); err != nil {
				log.Warn().Err(err).Str("room", code).Msg("discard stale timer failed")
			}
			log.Info().Str("room", code).Int("question", state.QuestionNumber).Msg("discarded stale timer")
			continue
		}

		s.launch(state)
		log.Info().
			Str("room", code).
			Int("question", state.QuestionNumber).
			Str("instance", s.instance).
			Msg("resumed orphaned timer")
	}
	return nil
}

// Watch runs Recover on an interval until ctx is done.
func (s *Scheduler) Watch(ctx context.Context, interval time.Duration) error {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.Recover(ctx); err != nil {
			log.Warn().Err(err).Msg("timer recovery failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

func (s *Scheduler) launch(state domain.TimerState) {
	ctx, cancel := context.WithCancel(context.Background())
	cd := &countdown{state: state, cancel: cancel}

	s.mu.Lock()
	if prior, ok := s.running[state.RoomCode]; ok {
		prior.stop()
	}
	s.running[state.RoomCode] = cd
	s.mu.Unlock()

	go s.run(ctx, cd)
}

// cancelLocal stops the local poll loop of a room. A non-zero questionNumber only stops a
// countdown for that question.
func (s *Scheduler) cancelLocal(roomCode string, questionNumber int) {
	s.mu.Lock()
	cd, ok := s.running[roomCode]
	if ok && (questionNumber == 0 || cd.state.QuestionNumber == questionNumber) {
		delete(s.running, roomCode)
	} else {
		ok = false
	}
	s.mu.Unlock()

	if ok {
		cd.stop()
	}
}

func (s *Scheduler) forget(cd *countdown) {
	s.mu.Lock()
	if s.running[cd.state.RoomCode] == cd {
		delete(s.running, cd.state.RoomCode)
	}
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context, cd *countdown) {
	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	code := cd.state.RoomCode
	last := secondsLeft(cd.state, s.clock.Now())
	warned := last <= s.cfg.WarningSeconds

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		cd.mu.Lock()
		if cd.stopped {
			cd.mu.Unlock()
			return
		}
		remaining := secondsLeft(cd.state, s.clock.Now())
		if remaining >= last {
			cd.mu.Unlock()
			continue
		}
		last = remaining
		if remaining <= 0 {
			cd.stopped = true
			cd.mu.Unlock()
			s.expire(cd)
			return
		}
		cd.mu.Unlock()

		// Another process may have resolved the question since the last second.
		if !s.stillOwned(ctx, cd) {
			s.forget(cd)
			cd.stop()
			return
		}

		events := []event{{domain.EventTimerTick, domain.TimerTickPayload{
			TimeRemaining:  remaining,
			QuestionNumber: cd.state.QuestionNumber,
			EndsAt:         cd.state.EndsAt.UnixMilli(),
		}}}
		if !warned && remaining <= s.cfg.WarningSeconds {
			warned = true
			events = append(events, event{domain.EventTimerWarning, domain.TimerWarningPayload{
				TimeRemaining:  remaining,
				QuestionNumber: cd.state.QuestionNumber,
			}})
		}
		if !cd.emit(s.notify, code, events...) {
			return
		}
	}
}

type event struct {
	name    string
	payload any
}

// emit broadcasts unless the countdown was stopped. Broadcasts only enqueue, so holding mu
// here keeps stop() ordered after the events without waiting on the network.
func (cd *countdown) emit(n Notifier, roomCode string, events ...event) bool {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	if cd.stopped {
		return false
	}
	for _, e := range events {
		n.Broadcast(roomCode, e.name, e.payload)
	}
	return true
}

// stillOwned checks the shared timer state is still this countdown's and renews the lease.
// Store failures keep the countdown going.
func (s *Scheduler) stillOwned(ctx context.Context, cd *countdown) bool {
	code := cd.state.RoomCode
	state, ok, err := s.store.Load(ctx, code)
	if err != nil {
		log.Warn().Err(err).Str("room", code).Msg("load timer state failed")
		return true
	}
	if !ok || state.QuestionNumber != cd.state.QuestionNumber || state.StartedAt.UnixMilli() != cd.state.StartedAt.UnixMilli() {
		log.Debug().Str("room", code).Int("question", cd.state.QuestionNumber).Msg("timer resolved elsewhere, stopping local countdown")
		return false
	}
	owned, err := s.store.Claim(ctx, code, s.instance, s.cfg.LeaseTTL)
	if err != nil {
		log.Warn().Err(err).Str("room", code).Msg("renew timer lease failed")
		return true
	}
	if !owned {
		log.Warn().Str("room", code).Msg("timer lease taken over, stopping local countdown")
	}
	return owned
}

// expire clears the timer state before anything else; whoever clears it owns the resolution
// and the final tick.
func (s *Scheduler) expire(cd *countdown) {
	s.forget(cd)
	cd.cancel()

	ctx := context.Background()
	code, question := cd.state.RoomCode, cd.state.QuestionNumber

	var cleared bool
	err := retryOnce(ctx, s.clock, s.cfg.RetryDelay, func() error {
		var err error
		cleared, err = s.store.ClearIf(ctx, code, question)
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("room", code).Int("question", question).Msg("clear expired timer failed")
		s.notify.Broadcast(code, domain.EventError, errorPayload(err))
		return
	}
	if !cleared {
		log.Debug().Str("room", code).Int("question", question).Msg("timer already resolved")
		return
	}

	s.notify.Broadcast(code, domain.EventTimerTick, domain.TimerTickPayload{
		TimeRemaining:  0,
		QuestionNumber: question,
		EndsAt:         cd.state.EndsAt.UnixMilli(),
	})
	log.Info().Str("room", code).Int("question", question).Msg("timer expired")
	s.expired <- Expiry{RoomCode: code, QuestionNumber: question}
}

// secondsLeft rounds the remaining time up to whole seconds.
func secondsLeft(state domain.TimerState, now time.Time) int {
	left := state.Remaining(now)
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}
