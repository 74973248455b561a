package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":5000" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":5000")
	}
	if cfg.PushURL != cfg.SinkBaseURL {
		t.Fatalf("PushURL = %q, want it to default to SinkBaseURL %q", cfg.PushURL, cfg.SinkBaseURL)
	}
	if len(cfg.PushTransports) != 2 || cfg.PushTransports[0] != "websocket" || cfg.PushTransports[1] != "polling" {
		t.Fatalf("PushTransports = %v, want [websocket polling]", cfg.PushTransports)
	}
	if cfg.StressEMAAlpha != 0.3 {
		t.Fatalf("StressEMAAlpha = %v, want 0.3", cfg.StressEMAAlpha)
	}
	if cfg.DefaultDifficulty != 2 {
		t.Fatalf("DefaultDifficulty = %d, want 2", cfg.DefaultDifficulty)
	}
}

func TestLoadTransportOrder(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("PUSH_TRANSPORTS", " Polling , websocket")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PushTransports[0] != "polling" || cfg.PushTransports[1] != "websocket" {
		t.Fatalf("PushTransports = %v, want [polling websocket]", cfg.PushTransports)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"PUSH_TRANSPORTS":        "carrier-pigeon",
		"STRESS_EMA_ALPHA":       "1.5",
		"DEFAULT_DIFFICULTY":     "9",
		"SESSION_START_ATTEMPTS": "0",
		"APP_SESSION_TTL":        "nope",
		"LOG_PRETTY":             "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q expected error", key, value)
			}
		})
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("SINK_TIMEOUT=3s\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("APP_ENV_FILE", path)
	// godotenv sets variables directly; make sure t.Setenv restores it.
	t.Setenv("SINK_TIMEOUT", "")
	os.Unsetenv("SINK_TIMEOUT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SinkTimeout != 3*time.Second {
		t.Fatalf("SinkTimeout = %v, want 3s", cfg.SinkTimeout)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_ENV_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_TTL",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOWED_ORIGINS",
		"LOG_LEVEL",
		"LOG_PRETTY",
		"DATABASE_URL",
		"ADMIN_USERNAME",
		"ADMIN_PASSWORD_HASH",
		"JWT_SECRET",
		"JWT_TTL",
		"STRESS_EMA_ALPHA",
		"PUSH_POLL_WAIT",
		"PUSH_CLIENT_BUFFER",
		"SINK_BASE_URL",
		"SINK_TIMEOUT",
		"PUSH_URL",
		"PUSH_TRANSPORTS",
		"PUSH_RECONNECT_INITIAL",
		"PUSH_RECONNECT_MAX",
		"PUSH_RECONNECT_MAX_ELAPSED",
		"SESSION_START_ATTEMPTS",
		"DIFFICULTY_MIN",
		"DIFFICULTY_MAX",
		"DEFAULT_DIFFICULTY",
		"DEFAULT_STRESS",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
	// Point at a file that does not exist so a stray .env never leaks in.
	t.Setenv("APP_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}
