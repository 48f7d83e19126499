package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsPerEnvironment(t *testing.T) {
	dev := defaults(Development)
	if dev.LogFormat != "text" || !dev.MetricsEnabled {
		t.Fatalf("development defaults wrong: %+v", dev)
	}

	prod := defaults(Production)
	if prod.LogFormat != "json" {
		t.Fatalf("production should default to json logs: %+v", prod)
	}

	test := defaults(Testing)
	if test.LogLevel != "debug" || test.MetricsEnabled {
		t.Fatalf("testing defaults wrong: %+v", test)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ENCLAVE_ENV", "testing")
	t.Setenv("ENCLAVE_STORAGE_PATH", "/tmp/enclave-data")
	t.Setenv("ENCLAVE_DEFAULT_GAS_LIMIT", "12345")
	t.Setenv("ENCLAVE_MAX_CONTEXTS", "3")
	t.Setenv("ENCLAVE_EXEC_TIME_CAP", "5s")
	t.Setenv("ENCLAVE_METRICS_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != Testing {
		t.Fatalf("Env = %q", cfg.Env)
	}
	if cfg.StoragePath != "/tmp/enclave-data" {
		t.Fatalf("StoragePath = %q", cfg.StoragePath)
	}
	if cfg.DefaultGasLimit != 12345 || cfg.MaxContexts != 3 {
		t.Fatalf("numeric overrides lost: %+v", cfg)
	}
	if cfg.ExecTimeCap != 5*time.Second {
		t.Fatalf("ExecTimeCap = %v", cfg.ExecTimeCap)
	}
	if !cfg.MetricsEnabled {
		t.Fatal("MetricsEnabled override lost")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("ENCLAVE_DEFAULT_GAS_LIMIT", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed gas limit")
	}
}

func TestLoadRejectsUnknownEnvironment(t *testing.T) {
	t.Setenv("ENCLAVE_ENV", "staging")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown environment")
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "enclave.yaml")
	overlay := "storage_path: /var/lib/enclave\nmax_contexts: 7\n"
	if err := os.WriteFile(path, []byte(overlay), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("ENCLAVE_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoragePath != "/var/lib/enclave" || cfg.MaxContexts != 7 {
		t.Fatalf("overlay not applied: %+v", cfg)
	}
}

func TestEnvBeatsYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "enclave.yaml")
	if err := os.WriteFile(path, []byte("storage_path: /from-yaml\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("ENCLAVE_CONFIG_FILE", path)
	t.Setenv("ENCLAVE_STORAGE_PATH", "/from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoragePath != "/from-env" {
		t.Fatalf("environment should win over yaml: %q", cfg.StoragePath)
	}
}
