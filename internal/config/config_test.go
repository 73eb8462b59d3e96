package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  addr: ":9090"
  read_timeout: 10s
database:
  driver: postgres
  dsn: postgres://localhost:5432/courier
queue:
  max_concurrent_tasks: 8
  heartbeat_interval: 2s
  stale_threshold: 15s
  default_max_attempts: 5
auth:
  token: secret
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("driver = %q, want postgres", cfg.Database.Driver)
	}
	if cfg.Queue.MaxConcurrentTasks != 8 {
		t.Errorf("max_concurrent_tasks = %d, want 8", cfg.Queue.MaxConcurrentTasks)
	}
	if cfg.Queue.HeartbeatInterval != 2*time.Second {
		t.Errorf("heartbeat_interval = %s, want 2s", cfg.Queue.HeartbeatInterval)
	}
	if cfg.Queue.DefaultMaxAttempts != 5 {
		t.Errorf("default_max_attempts = %d, want 5", cfg.Queue.DefaultMaxAttempts)
	}
	if cfg.Auth.Token != "secret" {
		t.Errorf("token = %q, want secret", cfg.Auth.Token)
	}
	// Unset fields keep their defaults.
	if cfg.Queue.PollInterval != 2*time.Second {
		t.Errorf("poll_interval = %s, want default 2s", cfg.Queue.PollInterval)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q, want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("default driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Database.DSN != "courier.db" {
		t.Errorf("default dsn = %q, want %q", cfg.Database.DSN, "courier.db")
	}
	if cfg.Queue.StaleThreshold != 30*time.Second {
		t.Errorf("default stale_threshold = %s, want 30s", cfg.Queue.StaleThreshold)
	}
	if !cfg.Cache.Enabled {
		t.Error("cache should default to enabled")
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("TEST_DB_DSN", "postgres://prod:5432/courier")

	yaml := `
database:
  driver: postgres
  dsn: ${TEST_DB_DSN}
queue:
  heartbeat_interval: 2s
  stale_threshold: 15s
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.DSN != "postgres://prod:5432/courier" {
		t.Errorf("dsn = %q, want expanded env value", cfg.Database.DSN)
	}

	// Unset variables are left intact.
	result := expandEnv([]byte("dsn: ${NOT_SET_ANYWHERE}"))
	if string(result) != "dsn: ${NOT_SET_ANYWHERE}" {
		t.Errorf("expandEnv = %q, want untouched", string(result))
	}
}

func TestLoadValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"unknown driver",
			"database:\n  driver: mysql\n",
			"unknown database driver",
		},
		{
			"stale threshold below heartbeat",
			"queue:\n  heartbeat_interval: 10s\n  stale_threshold: 5s\n",
			"stale_threshold",
		},
		{
			"zero concurrency",
			"queue:\n  max_concurrent_tasks: -1\n",
			"max_concurrent_tasks",
		},
		{
			"zero attempts",
			"queue:\n  default_max_attempts: -3\n",
			"default_max_attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
