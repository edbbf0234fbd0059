package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	// Questions caches the question bank per category for TTL.
	Questions struct {
		TTL string `yaml:"ttl"`
	} `yaml:"questions"`
	// Rooms points at an external room service. Empty runs the embedded backend.
	Rooms struct {
		URL       string `yaml:"url"`
		Timeout   string `yaml:"timeout"`
		// Token authenticates the engine to the room service's engine-only routes.
		Token     string    `yaml:"token"`
		Retention Retention `yaml:"retention"`
	} `yaml:"rooms"`
	Bus struct {
		Driver  string `yaml:"driver"` // "", "redis" or "nats"
		NatsURL string `yaml:"natsUrl"`
		Channel string `yaml:"channel"`
	} `yaml:"bus"`
	Engine Engine `yaml:"engine"`
	Log    struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

// Retention controls how long the embedded room service keeps rooms around.
type Retention struct {
	Interval string `yaml:"interval"`
	Ended    string `yaml:"ended"`
	Lobby    string `yaml:"lobby"`
	Idle     string `yaml:"idle"`
}

// Engine holds the timing knobs of the game engine as duration strings.
type Engine struct {
	PollInterval     string `yaml:"pollInterval"`
	WarningSeconds   int    `yaml:"warningSeconds"`
	CountdownSeconds int    `yaml:"countdownSeconds"`
	ResultDisplay    string `yaml:"resultDisplay"`
	RetryDelay       string `yaml:"retryDelay"`
	TimerTTL         string `yaml:"timerTTL"`
	LeaseTTL         string `yaml:"leaseTTL"`
	RecoverInterval  string `yaml:"recoverInterval"`
}

// Timings is the parsed form of Engine with defaults applied.
type Timings struct {
	PollInterval    time.Duration
	WarningSeconds  int
	Countdown       time.Duration
	ResultDisplay   time.Duration
	RetryDelay      time.Duration
	TimerTTL        time.Duration
	LeaseTTL        time.Duration
	RecoverInterval time.Duration
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadOptional behaves like Load but treats a missing file as an empty config.
func LoadOptional(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil && os.IsNotExist(err) {
		return Config{}, nil
	}
	return cfg, err
}

// LoadDotEnv loads environment variables from a .env file if present.
// Existing environment variables are not overwritten.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

// Timings applies defaults to the engine section.
func (e Engine) Timings() Timings {
	t := Timings{
		PollInterval:    TTLDuration(e.PollInterval, 100*time.Millisecond),
		WarningSeconds:  e.WarningSeconds,
		Countdown:       time.Duration(e.CountdownSeconds) * time.Second,
		ResultDisplay:   TTLDuration(e.ResultDisplay, 3*time.Second),
		RetryDelay:      TTLDuration(e.RetryDelay, time.Second),
		TimerTTL:        TTLDuration(e.TimerTTL, 2*time.Hour),
		LeaseTTL:        TTLDuration(e.LeaseTTL, 3*time.Second),
		RecoverInterval: TTLDuration(e.RecoverInterval, 5*time.Second),
	}
	if t.WarningSeconds <= 0 {
		t.WarningSeconds = 5
	}
	if e.CountdownSeconds <= 0 {
		t.Countdown = 3 * time.Second
	}
	return t
}
