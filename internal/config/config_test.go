package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Backend = %q, want sqlite", cfg.Storage.Backend)
	}
	if cfg.Scheduler.ExecutionParallelism != 10 {
		t.Errorf("ExecutionParallelism = %d, want 10", cfg.Scheduler.ExecutionParallelism)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "core.toml")
	body := `
metrics_addr = ":9999"

[storage]
backend = "mysql"
mysql_dsn = "user:pass@tcp(127.0.0.1:3306)/core"

[scheduler]
execution_parallelism = 42
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != "mysql" {
		t.Errorf("Backend = %q, want mysql", cfg.Storage.Backend)
	}
	if cfg.Storage.MySQLDSN != "user:pass@tcp(127.0.0.1:3306)/core" {
		t.Errorf("MySQLDSN = %q", cfg.Storage.MySQLDSN)
	}
	if cfg.Scheduler.ExecutionParallelism != 42 {
		t.Errorf("ExecutionParallelism = %d, want 42", cfg.Scheduler.ExecutionParallelism)
	}
	if cfg.MetricsAddr != ":9999" {
		t.Errorf("MetricsAddr = %q, want :9999", cfg.MetricsAddr)
	}
	// Unset scheduler fields keep their defaults.
	if cfg.Scheduler.Retention != 7*24*time.Hour {
		t.Errorf("Retention = %v, want default 7d", cfg.Scheduler.Retention)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CORE_STORAGE_BACKEND", "memory")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("Backend = %q, want memory (env override)", cfg.Storage.Backend)
	}
}
