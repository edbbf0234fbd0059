package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"quiz-room-engine/internal/domain"
	"quiz-room-engine/internal/infra/memory"
)

type nopNotifier struct{}

func (nopNotifier) Broadcast(string, string, any) {}
func (nopNotifier) Unicast(string, string, any) {}

func TestExpiryAndWinResolveOnce(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewRealClock()

	for i := 0; i < 50; i++ {
		store := memory.NewTimerStore(clock)
		s := NewScheduler(store, nopNotifier{}, clock, SchedulerConfig{})
		state := domain.TimerState{RoomCode: "ABCD", QuestionNumber: 1, StartedAt: clock.Now(), EndsAt: clock.Now(), TimeLimit: 1}
		if err := store.Save(ctx, state, s.instance, time.Minute, time.Second); err != nil {
			t.Fatalf("save: %v", err)
		}
		_, cancel := context.WithCancel(ctx)
		cd := &countdown{state: state, cancel: cancel}

		var (
			wg      sync.WaitGroup
			cleared bool
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.expire(cd)
		}()
		go func() {
			defer wg.Done()
			cleared, _ = s.Resolve(ctx, "ABCD", 1)
		}()
		wg.Wait()

		resolutions := len(s.expired)
		if cleared {
			resolutions++
		}
		if resolutions != 1 {
			t.Fatalf("run %d: expected exactly one resolution, got %d", i, resolutions)
		}
	}
}

func TestStopSilencesCountdown(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewRealClock()
	notify := &countingNotifier{}
	s := NewScheduler(memory.NewTimerStore(clock), notify, clock, SchedulerConfig{PollInterval: 5 * time.Millisecond, WarningSeconds: 5})

	if _, err := s.Start(ctx, "ABCD", 1, 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(ctx, "ABCD"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	before := notify.count()
	time.Sleep(1200 * time.Millisecond)
	if notify.count() != before || len(s.Expired()) != 0 {
		t.Fatalf("stopped timer kept emitting")
	}
	if err := s.Stop(ctx, "NONE"); err != nil {
		t.Fatalf("stop on idle room: %v", err)
	}
}

func TestCountdownStopsWhenResolvedByAnotherInstance(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewRealClock()
	store := memory.NewTimerStore(clock)
	cfg := SchedulerConfig{PollInterval: 5 * time.Millisecond, WarningSeconds: 5, LeaseTTL: time.Minute}

	notifyA := &countingNotifier{}
	a := NewScheduler(store, notifyA, clock, cfg)
	b := NewScheduler(store, nopNotifier{}, clock, cfg)

	if _, err := a.Start(ctx, "ABCD", 1, 3); err != nil {
		t.Fatalf("start: %v", err)
	}
	cleared, err := b.Resolve(ctx, "ABCD", 1)
	if err != nil || !cleared {
		t.Fatalf("expected the other instance to resolve the question, got %v %v", cleared, err)
	}
	before := notifyA.count()

	time.Sleep(1300 * time.Millisecond)
	if n := notifyA.count(); n != before {
		t.Fatalf("countdown kept emitting after the question was resolved elsewhere: %d events", n-before)
	}
	if a.Running("ABCD") {
		t.Fatalf("expected the local countdown to stop")
	}
	if len(a.Expired()) != 0 {
		t.Fatalf("resolved question must not expire")
	}
}

func TestExpiryOwnsFinalTick(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewRealClock()
	store := memory.NewTimerStore(clock)
	notify := &countingNotifier{}
	s := NewScheduler(store, notify, clock, SchedulerConfig{})

	state := domain.TimerState{RoomCode: "ABCD", QuestionNumber: 1, StartedAt: clock.Now(), EndsAt: clock.Now(), TimeLimit: 1}
	if err := store.Save(ctx, state, s.instance, time.Minute, time.Second); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.ClearIf(ctx, "ABCD", 1); err != nil {
		t.Fatalf("clear: %v", err)
	}
	_, cancel := context.WithCancel(ctx)
	s.expire(&countdown{state: state, cancel: cancel})

	if notify.count() != 0 || len(s.Expired()) != 0 {
		t.Fatalf("expiry of an already resolved timer must stay silent")
	}
}

func TestStartSupersedesPriorTimer(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := memory.NewTimerStore(clock)
	s := NewScheduler(store, nopNotifier{}, clock, SchedulerConfig{})

	if _, err := s.Start(ctx, "ABCD", 1, 10); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.Start(ctx, "ABCD", 2, 10); err != nil {
		t.Fatalf("restart: %v", err)
	}
	state, ok, _ := store.Load(ctx, "ABCD")
	if !ok || state.QuestionNumber != 2 {
		t.Fatalf("expected question 2 timer, got %+v %v", state, ok)
	}
	if cleared, _ := s.Resolve(ctx, "ABCD", 1); cleared {
		t.Fatalf("resolving the superseded question must be a no-op")
	}
	if !s.Running("ABCD") {
		t.Fatalf("current countdown must keep running")
	}
	_ = s.Stop(ctx, "ABCD")
}

func TestSecondsLeftRoundsUp(t *testing.T) {
	start := time.Unix(1000, 0)
	state := domain.TimerState{EndsAt: start.Add(10 * time.Second)}
	cases := map[time.Duration]int{
		0:                       10,
		1 * time.Millisecond:    10,
		999 * time.Millisecond:  10,
		1000 * time.Millisecond: 9,
		9999 * time.Millisecond: 1,
		10 * time.Second:        0,
		12 * time.Second:        0,
	}
	for elapsed, want := range cases {
		if got := secondsLeft(state, start.Add(elapsed)); got != want {
			t.Fatalf("after %v: expected %d, got %d", elapsed, want, got)
		}
	}
}

func TestRetryOnce(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewRealClock()

	calls := 0
	err := retryOnce(ctx, clock, time.Millisecond, func() error {
		calls++
		if calls == 1 {
			return fmt.Errorf("%w: timeout", domain.ErrUnavailable)
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected transient failure to be retried, got %v after %d calls", err, calls)
	}

	calls = 0
	err = retryOnce(ctx, clock, time.Millisecond, func() error {
		calls++
		return domain.ErrStaleQuestion
	})
	if !errors.Is(err, domain.ErrStaleQuestion) || calls != 1 {
		t.Fatalf("domain errors must not be retried, got %v after %d calls", err, calls)
	}
}

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) Broadcast(string, string, any) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingNotifier) Unicast(string, string, any) {}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestControllerCloseWaitsForSpawned(t *testing.T) {
	clock := clockwork.NewRealClock()
	s := NewScheduler(memory.NewTimerStore(clock), nopNotifier{}, clock, SchedulerConfig{})
	c := NewController(nil, s, nopNotifier{}, clock, ControllerConfig{})

	var accepted, ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c.spawn(func() { ran.Add(1) }) {
				accepted.Add(1)
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	c.Close()
	done := ran.Load()
	wg.Wait()

	if accepted.Load() == 0 {
		t.Fatal("expected spawns before close")
	}
	if done != accepted.Load() {
		t.Fatalf("close returned with %d of %d spawned functions finished", done, accepted.Load())
	}

	fired := make(chan struct{}, 1)
	c.after(0, func(context.Context) { fired <- struct{}{} })
	select {
	case <-fired:
		t.Fatal("transition ran after close")
	case <-time.After(50 * time.Millisecond):
	}
}
