package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.ListenAddr)
	}
	if cfg.DataDir != "/var/lib/conductor" {
		t.Errorf("expected /var/lib/conductor, got %s", cfg.DataDir)
	}
	if cfg.StorageDriver != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.StorageDriver)
	}
	if cfg.Outbox.TickInterval != 5*time.Second {
		t.Errorf("expected 5s tick interval, got %s", cfg.Outbox.TickInterval)
	}
	if cfg.Gates.TestsPassMaxRetries != 3 {
		t.Errorf("expected tests_pass max retries 3, got %d", cfg.Gates.TestsPassMaxRetries)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{
		"listen_addr": ":9090",
		"data_dir": "/tmp/test",
		"storage_driver": "pgx",
		"storage_dsn": "postgres://localhost/conductor",
		"github": {
			"app_id": 12345,
			"installation_id": 67890,
			"private_key_path": "/etc/conductor/app.pem"
		},
		"gates": {
			"tests_pass_max_retries": 5
		}
	}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.ListenAddr)
	}
	if cfg.StorageDriver != "pgx" {
		t.Errorf("expected pgx, got %s", cfg.StorageDriver)
	}
	if cfg.GitHub.AppID != 12345 {
		t.Errorf("expected app id 12345, got %d", cfg.GitHub.AppID)
	}
	if !cfg.HasGitHubApp() {
		t.Error("expected HasGitHubApp to be true")
	}
	if cfg.Gates.TestsPassMaxRetries != 5 {
		t.Errorf("expected tests_pass max retries 5, got %d", cfg.Gates.TestsPassMaxRetries)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"listen_addr": ":9090"}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CONDUCTOR_LISTEN_ADDR", ":7070")
	t.Setenv("CONDUCTOR_GATES_TESTS_PASS_MAX_RETRIES", "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != ":7070" {
		t.Errorf("env should override file: got %s", cfg.ListenAddr)
	}
	if cfg.Gates.TestsPassMaxRetries != 9 {
		t.Errorf("expected env override to 9, got %d", cfg.Gates.TestsPassMaxRetries)
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	cfg := Default()
	cfg.ListenAddr = ":3000"
	cfg.GitHub.AppID = 999

	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if loaded.ListenAddr != ":3000" {
		t.Errorf("expected :3000, got %s", loaded.ListenAddr)
	}
	if loaded.GitHub.AppID != 999 {
		t.Errorf("expected app id 999, got %d", loaded.GitHub.AppID)
	}
}

func TestTracingEnabledRequiresEndpoint(t *testing.T) {
	cfg := Default()
	if cfg.TracingEnabled() {
		t.Error("default should not have tracing enabled")
	}
	cfg.Telemetry.TracingEnabled = true
	cfg.Telemetry.OTLPEndpoint = "localhost:4317"
	if !cfg.TracingEnabled() {
		t.Error("expected tracing enabled with endpoint set")
	}
}
