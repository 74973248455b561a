package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime settings for the stresslab server and the
// participant client. Each binary reads the fields it needs.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	SessionTTL       time.Duration
	MetricsNamespace string
	AllowedOrigins   []string

	LogLevel  string
	LogPretty bool

	DatabaseURL string

	AdminUsername     string
	AdminPasswordHash string
	JWTSecret         string
	JWTTTL            time.Duration

	StressEMAAlpha   float64
	PushPollWait     time.Duration
	PushClientBuffer int

	SinkBaseURL string
	SinkTimeout time.Duration

	PushURL                 string
	PushTransports          []string
	PushReconnectInitial    time.Duration
	PushReconnectMax        time.Duration
	PushReconnectMaxElapsed time.Duration

	SessionStartAttempts int
	DifficultyMin        int
	DifficultyMax        int
	DefaultDifficulty    int
	DefaultStress        float64
}

// Load reads environment variables (after an optional .env file) and applies
// safe defaults.
func Load() (Config, error) {
	if err := loadEnvFile(envOrDefault("APP_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:                envOrDefault("APP_BIND_ADDR", ":5000"),
		MetricsNamespace:        envOrDefault("APP_METRICS_NAMESPACE", "stresslab"),
		AllowedOrigins:          listFromEnv("APP_ALLOWED_ORIGINS", []string{"*"}),
		LogLevel:                envOrDefault("LOG_LEVEL", "info"),
		DatabaseURL:             stringsTrimSpace("DATABASE_URL"),
		AdminUsername:           envOrDefault("ADMIN_USERNAME", "admin"),
		AdminPasswordHash:       stringsTrimSpace("ADMIN_PASSWORD_HASH"),
		JWTSecret:               stringsTrimSpace("JWT_SECRET"),
		SinkBaseURL:             envOrDefault("SINK_BASE_URL", "http://localhost:5000"),
		PushURL:                 stringsTrimSpace("PUSH_URL"),
		PushTransports:          listFromEnv("PUSH_TRANSPORTS", []string{"websocket", "polling"}),
		ShutdownTimeout:         15 * time.Second,
		SessionTTL:              12 * time.Hour,
		JWTTTL:                  12 * time.Hour,
		StressEMAAlpha:          0.3,
		PushPollWait:            25 * time.Second,
		PushClientBuffer:        64,
		SinkTimeout:             15 * time.Second,
		PushReconnectInitial:    500 * time.Millisecond,
		PushReconnectMax:        30 * time.Second,
		PushReconnectMaxElapsed: 0,
		SessionStartAttempts:    3,
		DifficultyMin:           1,
		DifficultyMax:           5,
		DefaultDifficulty:       2,
		DefaultStress:           0,
	}
	if cfg.PushURL == "" {
		cfg.PushURL = cfg.SinkBaseURL
	}

	var err error
	if cfg.LogPretty, err = boolFromEnv("LOG_PRETTY", false); err != nil {
		return Config{}, err
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_TTL", &cfg.SessionTTL},
		{"JWT_TTL", &cfg.JWTTTL},
		{"PUSH_POLL_WAIT", &cfg.PushPollWait},
		{"SINK_TIMEOUT", &cfg.SinkTimeout},
		{"PUSH_RECONNECT_INITIAL", &cfg.PushReconnectInitial},
		{"PUSH_RECONNECT_MAX", &cfg.PushReconnectMax},
		{"PUSH_RECONNECT_MAX_ELAPSED", &cfg.PushReconnectMaxElapsed},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"PUSH_CLIENT_BUFFER", &cfg.PushClientBuffer},
		{"SESSION_START_ATTEMPTS", &cfg.SessionStartAttempts},
		{"DIFFICULTY_MIN", &cfg.DifficultyMin},
		{"DIFFICULTY_MAX", &cfg.DifficultyMax},
		{"DEFAULT_DIFFICULTY", &cfg.DefaultDifficulty},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}
	if cfg.StressEMAAlpha, err = floatFromEnv("STRESS_EMA_ALPHA", cfg.StressEMAAlpha); err != nil {
		return Config{}, err
	}
	if cfg.DefaultStress, err = floatFromEnv("DEFAULT_STRESS", cfg.DefaultStress); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionTTL < time.Minute {
		return fmt.Errorf("APP_SESSION_TTL must be at least 1m")
	}
	if c.StressEMAAlpha <= 0 || c.StressEMAAlpha > 1 {
		return fmt.Errorf("STRESS_EMA_ALPHA must be in (0, 1]")
	}
	if c.PushClientBuffer <= 0 {
		return fmt.Errorf("PUSH_CLIENT_BUFFER must be positive")
	}
	if c.SessionStartAttempts <= 0 {
		return fmt.Errorf("SESSION_START_ATTEMPTS must be positive")
	}
	if c.DifficultyMin <= 0 || c.DifficultyMax < c.DifficultyMin {
		return fmt.Errorf("DIFFICULTY_MIN/DIFFICULTY_MAX must satisfy 0 < min <= max")
	}
	if c.DefaultDifficulty < c.DifficultyMin || c.DefaultDifficulty > c.DifficultyMax {
		return fmt.Errorf("DEFAULT_DIFFICULTY must be within [%d, %d]", c.DifficultyMin, c.DifficultyMax)
	}
	if c.DefaultStress < 0 || c.DefaultStress > 1 {
		return fmt.Errorf("DEFAULT_STRESS must be within [0, 1]")
	}
	if len(c.PushTransports) == 0 {
		return fmt.Errorf("PUSH_TRANSPORTS must list at least one transport")
	}
	for _, t := range c.PushTransports {
		switch t {
		case "websocket", "polling":
		default:
			return fmt.Errorf("PUSH_TRANSPORTS: unsupported transport %q", t)
		}
	}
	return nil
}

func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	// Variables already present in the environment win over the file.
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func listFromEnv(key string, fallback []string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
