package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"quiz-room-engine/internal/app"
	"quiz-room-engine/internal/config"
	"quiz-room-engine/internal/domain"
	"quiz-room-engine/internal/infra/memory"
	natsbus "quiz-room-engine/internal/infra/nats"
	"quiz-room-engine/internal/infra/postgres"
	infraredis "quiz-room-engine/internal/infra/redis"
	"quiz-room-engine/internal/infra/roomapi"
	transport "quiz-room-engine/internal/transport/http"
	"quiz-room-engine/internal/transport/roomsapi"
)

// NewStartCmd builds the CLI subcommand to start the engine and its websocket gateway.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz room engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	rooms, embedded, closeRooms, err := openRooms(ctx, cfg, clock)
	if err != nil {
		return err
	}
	defer closeRooms()
	var api http.Handler
	if embedded != nil {
		api = roomsapi.NewRouter(embedded, cfg.Rooms.Token)
	}

	redisClient := openRedis(cfg)
	if redisClient != nil {
		defer redisClient.Close()
	}
	var timers app.TimerStore = memory.NewTimerStore(clock)
	if redisClient != nil {
		timers = infraredis.NewTimerStore(redisClient)
	}
	bus, closeBus, err := openBus(cfg, redisClient)
	if err != nil {
		return err
	}
	defer closeBus()

	t := cfg.Engine.Timings()
	hub := transport.NewHub(bus)
	engine := app.NewEngine(rooms, timers, hub, clock, app.Config{
		PollInterval:    t.PollInterval,
		WarningSeconds:  t.WarningSeconds,
		Countdown:       t.Countdown,
		ResultDisplay:   t.ResultDisplay,
		RetryDelay:      t.RetryDelay,
		TimerTTL:        t.TimerTTL,
		LeaseTTL:        t.LeaseTTL,
		RecoverInterval: t.RecoverInterval,
	})
	ws := transport.NewWSHandler(hub, engine, clock, transport.DefaultConnConfig())

	addr := ":" + resolvePort(portFlag, cfg, "8080")
	server := &http.Server{
		Addr:              addr,
		Handler:           transport.NewMux(hub, ws, api),
		ReadHeaderTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })
	if embedded != nil {
		g.Go(func() error { return runRetention(gctx, embedded, cfg, clock) })
	}
	g.Go(func() error {
		log.Info().Str("addr", addr).Bool("embeddedRooms", api != nil).Msg("starting quiz room engine")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		engine.Close()
		return err
	})
	return g.Wait()
}

// openRooms picks the room backend: a remote room service when rooms.url is set, otherwise an
// embedded one (Postgres when configured, in-memory otherwise) returned as the second value.
func openRooms(ctx context.Context, cfg config.Config, clock clockwork.Clock) (app.RoomService, roomsapi.Backend, func(), error) {
	if cfg.Rooms.URL != "" {
		client := roomapi.NewClient(cfg.Rooms.URL, cfg.Rooms.Token, config.TTLDuration(cfg.Rooms.Timeout, 5*time.Second))
		log.Info().Str("url", cfg.Rooms.URL).Msg("using remote room service")
		return client, nil, func() {}, nil
	}

	backend, closeBackend, err := openEmbeddedRooms(ctx, cfg, clock)
	if err != nil {
		return nil, nil, nil, err
	}
	return backend, backend, closeBackend, nil
}

// runRetention sweeps the embedded room service with the configured retention windows.
func runRetention(ctx context.Context, backend roomsapi.Backend, cfg config.Config, clock clockwork.Clock) error {
	r := cfg.Rooms.Retention
	policy := domain.RetentionPolicy{
		Ended: config.TTLDuration(r.Ended, 0),
		Lobby: config.TTLDuration(r.Lobby, 0),
		Idle:  config.TTLDuration(r.Idle, 0),
	}
	return roomsapi.RunRetention(ctx, backend, clock, config.TTLDuration(r.Interval, time.Minute), policy)
}

func openEmbeddedRooms(ctx context.Context, cfg config.Config, clock clockwork.Clock) (roomsapi.Backend, func(), error) {
	ttl := config.TTLDuration(cfg.Questions.TTL, 10*time.Minute)
	if cfg.Postgres.URL == "" {
		bank := memory.NewQuestionBank(memory.NewStaticQuestionLoader(memory.SampleQuestions()), ttl)
		log.Info().Msg("using in-memory room service")
		return memory.NewRoomService(bank, clock), func() {}, nil
	}

	if err := runMigrationsWithConfig(ctx, cfg); err != nil {
		return nil, nil, err
	}
	pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	bank := memory.NewQuestionBank(postgres.NewQuestionLoader(pool), ttl)
	log.Info().Msg("using postgres room service")
	return postgres.NewRoomService(pool, bank, clock), pool.Close, nil
}

func openRedis(cfg config.Config) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func openBus(cfg config.Config, redisClient *redis.Client) (transport.Bus, func(), error) {
	switch cfg.Bus.Driver {
	case "":
		return nil, func() {}, nil
	case "redis":
		if redisClient == nil {
			return nil, nil, fmt.Errorf("bus driver redis requires redis.addr")
		}
		return infraredis.NewEventBus(redisClient, cfg.Bus.Channel), func() {}, nil
	case "nats":
		nc, err := natsbus.Connect(cfg.Bus.NatsURL)
		if err != nil {
			return nil, nil, err
		}
		return natsbus.NewEventBus(nc, cfg.Bus.Channel), nc.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}
}
