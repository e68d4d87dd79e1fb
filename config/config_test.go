package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/loomworks/loom/config"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("server.addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Server.LeaseCap != 32 {
		t.Errorf("server.lease_cap = %d, want 32", cfg.Server.LeaseCap)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("store.driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Sweeper.Retention != 168*time.Hour {
		t.Errorf("sweeper.retention = %v, want 168h", cfg.Sweeper.Retention)
	}
	if cfg.Sweeper.LeaseSweepEvery != 5*time.Second {
		t.Errorf("sweeper.lease_sweep_every = %v, want 5s", cfg.Sweeper.LeaseSweepEvery)
	}
	if cfg.Worker.Capacity != 8 {
		t.Errorf("worker.capacity = %d, want 8", cfg.Worker.Capacity)
	}
	if cfg.Worker.ServerURL != "http://localhost:8080" {
		t.Errorf("worker.server_url = %q", cfg.Worker.ServerURL)
	}
	if cfg.Log.Level != "info" || cfg.Log.Encoding != "json" {
		t.Errorf("log = %+v, want info/json", cfg.Log)
	}
	if cfg.Ident.Instance != -1 {
		t.Errorf("ident.instance = %d, want -1", cfg.Ident.Instance)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "loom.yaml", `
server:
  addr: ":9090"
  lease_cap: 8
store:
  driver: sqlite
  dsn: /var/lib/loom/loom.db
sweeper:
  offline_after: 90s
worker:
  kinds: [http, duckdb]
  capacity: 2
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("server.addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.DSN != "/var/lib/loom/loom.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Sweeper.OfflineAfter != 90*time.Second {
		t.Errorf("sweeper.offline_after = %v, want 90s", cfg.Sweeper.OfflineAfter)
	}
	if len(cfg.Worker.Kinds) != 2 || cfg.Worker.Kinds[0] != "http" || cfg.Worker.Kinds[1] != "duckdb" {
		t.Errorf("worker.kinds = %v", cfg.Worker.Kinds)
	}
	if cfg.Worker.Capacity != 2 {
		t.Errorf("worker.capacity = %d, want 2", cfg.Worker.Capacity)
	}

	// Keys the file does not set keep their defaults.
	if cfg.Worker.PollInterval != 2*time.Second {
		t.Errorf("worker.poll_interval = %v, want default 2s", cfg.Worker.PollInterval)
	}
	if cfg.Sweeper.Retention != 168*time.Hour {
		t.Errorf("sweeper.retention = %v, want default 168h", cfg.Sweeper.Retention)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "loom.yaml", `
store:
  driver: sqlite
worker:
  capacity: 2
`)

	t.Setenv("LOOM_STORE_DRIVER", "postgres")
	t.Setenv("LOOM_STORE_DSN", "postgres://loom@db/loom")
	t.Setenv("LOOM_WORKER_CAPACITY", "32")
	t.Setenv("LOOM_SWEEPER_LEASE_SWEEP_EVERY", "250ms")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Store.Driver != "postgres" {
		t.Errorf("store.driver = %q, want postgres (env over file)", cfg.Store.Driver)
	}
	if cfg.Store.DSN != "postgres://loom@db/loom" {
		t.Errorf("store.dsn = %q", cfg.Store.DSN)
	}
	if cfg.Worker.Capacity != 32 {
		t.Errorf("worker.capacity = %d, want 32 (env over file)", cfg.Worker.Capacity)
	}
	if cfg.Sweeper.LeaseSweepEvery != 250*time.Millisecond {
		t.Errorf("sweeper.lease_sweep_every = %v, want 250ms", cfg.Sweeper.LeaseSweepEvery)
	}
}

func TestWithFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("addr", ":8080", "")
	fs.Int("capacity", 8, "")
	if err := fs.Parse([]string{"--addr", ":7070"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	t.Setenv("LOOM_SERVER_ADDR", ":6060")

	cfg, err := config.Load("", config.WithFlags(fs, map[string]string{
		"server.addr":     "addr",
		"worker.capacity": "capacity",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":7070" {
		t.Errorf("server.addr = %q, want :7070 (changed flag over env)", cfg.Server.Addr)
	}
	if cfg.Worker.Capacity != 8 {
		t.Errorf("worker.capacity = %d, want default 8 (flag untouched)", cfg.Worker.Capacity)
	}

	if _, err := config.Load("", config.WithFlags(fs, map[string]string{"server.name": "absent"})); err == nil {
		t.Error("Load succeeded with a binding to a missing flag")
	}
}

func TestLoadExplicitFileMissing(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Load succeeded for a missing explicit file")
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := writeFile(t, "loom.yaml", "server: [\n")
	if _, err := config.Load(path); err == nil {
		t.Fatal("Load succeeded for malformed yaml")
	}
}

func TestLogBuild(t *testing.T) {
	tests := []struct {
		name    string
		log     config.Log
		wantErr bool
	}{
		{"json info", config.Log{Level: "info", Encoding: "json"}, false},
		{"console debug", config.Log{Level: "debug", Encoding: "console"}, false},
		{"default encoding", config.Log{Level: "warn"}, false},
		{"bad level", config.Log{Level: "verbose", Encoding: "json"}, true},
		{"bad encoding", config.Log{Level: "info", Encoding: "xml"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := tt.log.Build()
			if tt.wantErr {
				if err == nil {
					t.Fatal("Build succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if logger == nil {
				t.Fatal("Build returned nil logger")
			}
			_ = logger.Sync()
		})
	}
}
