package integration

import (
	"context"
	"database/sql"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"quiz-room-engine/internal/app"
	"quiz-room-engine/internal/domain"
	"quiz-room-engine/internal/infra/memory"
	"quiz-room-engine/internal/infra/postgres"
	pgmigrations "quiz-room-engine/internal/infra/postgres/migrations"
	infraredis "quiz-room-engine/internal/infra/redis"
	transport "quiz-room-engine/internal/transport/http"
)

func TestGameEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	migrateDB(t, ctx, pgURL)
	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	items := []domain.QuestionItem{
		{Text: "What is 2 + 2?", Options: []string{"3", "4", "5"}, Correct: 1, TimeLimit: 2},
		{Text: "What is 3 + 1?", Options: []string{"2", "4", "6"}, Correct: 1, TimeLimit: 2},
	}
	if err := postgres.SeedQuestions(ctx, pool, "general", items); err != nil {
		t.Fatalf("seed: %v", err)
	}

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	clock := clockwork.NewRealClock()
	bank := memory.NewQuestionBank(postgres.NewQuestionLoader(pool), time.Minute)
	rooms := postgres.NewRoomService(pool, bank, clock)
	timers := infraredis.NewTimerStore(redisClient)

	hub := transport.NewHub(infraredis.NewEventBus(redisClient, ""))
	if err := hub.Run(ctx); err != nil {
		t.Fatalf("subscribe bus: %v", err)
	}
	engine := app.NewEngine(rooms, timers, hub, clock, app.Config{
		PollInterval:    20 * time.Millisecond,
		WarningSeconds:  1,
		Countdown:       50 * time.Millisecond,
		ResultDisplay:   100 * time.Millisecond,
		RetryDelay:      50 * time.Millisecond,
		TimerTTL:        time.Minute,
		LeaseTTL:        time.Second,
		RecoverInterval: time.Second,
	})
	go func() { _ = engine.Run(ctx) }()
	defer engine.Close()

	server := httptest.NewServer(transport.NewMux(hub, transport.NewWSHandler(hub, engine, clock, transport.DefaultConnConfig()), nil))
	defer server.Close()

	owner, err := rooms.CreateRoom(ctx, domain.CreateRoomRequest{OwnerID: "alice", OwnerName: "Alice", QuestionCount: 2})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	code := owner.Room.Code
	bobMember, err := rooms.JoinRoom(ctx, code, domain.JoinRequest{UserID: "bob", DisplayName: "Bob"})
	if err != nil {
		t.Fatalf("join room: %v", err)
	}

	alice := dial(t, server)
	defer alice.Close()
	bob := dial(t, server)
	defer bob.Close()
	send(t, alice, domain.IntentJoinRoom, map[string]any{"roomCode": code, "playerId": "alice", "displayName": "Alice", "token": owner.Token})
	send(t, bob, domain.IntentJoinRoom, map[string]any{"roomCode": code, "playerId": "bob", "displayName": "Bob", "token": bobMember.Token})
	send(t, bob, domain.IntentChatMessage, map[string]any{"message": "ready"})
	readUntil(t, bob, domain.EventChatMessage)

	send(t, alice, domain.IntentStartGame, map[string]any{"roomCode": code, "token": owner.Token})
	readUntil(t, bob, domain.EventQuestionStart)

	send(t, bob, domain.IntentSubmitAnswer, map[string]any{"roomCode": code, "questionNumber": 1, "answer": 1})
	if res := readUntil(t, bob, domain.EventAnswerResult); res["isCorrect"] != true {
		t.Fatalf("expected bob to answer correctly, got %v", res)
	}
	first := readUntil(t, alice, domain.EventQuestionResult)
	if first["winnerId"] != "bob" {
		t.Fatalf("expected bob to win question 1, got %v", first)
	}

	second := readUntil(t, alice, domain.EventQuestionStart)
	if second["questionNumber"].(float64) != 2 {
		t.Fatalf("expected question 2, got %v", second)
	}
	expired := readUntil(t, alice, domain.EventQuestionResult)
	if expired["winnerId"] != nil || expired["questionNumber"].(float64) != 2 {
		t.Fatalf("expected question 2 to expire without winner, got %v", expired)
	}

	ended := readUntil(t, alice, domain.EventGameEnded)
	rankings := ended["rankings"].([]any)
	if top := rankings[0].(map[string]any); top["userId"] != "bob" {
		t.Fatalf("expected bob to rank first, got %v", rankings)
	}
	if _, ok, err := timers.Load(ctx, code); ok || err != nil {
		t.Fatalf("timer state leaked after game end: %v %v", ok, err)
	}
	snap, err := rooms.FetchRoom(ctx, code)
	if err != nil || snap.Room.Status != domain.StatusEnded {
		t.Fatalf("expected ended room, got %+v %v", snap.Room, err)
	}
}

func migrateDB(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(context.Background())
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(context.Background())
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(opts), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": typ, "payload": payload}); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, expect string) map[string]any {
	t.Helper()
	for {
		var msg struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read %s: %v", expect, err)
		}
		if msg.Type == expect {
			return msg.Payload
		}
	}
}
