package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HoneypotID != "test" {
		t.Errorf("HoneypotID = %q, want test", cfg.HoneypotID)
	}
	if cfg.APIEndpoint != "http://localhost:3000/api" {
		t.Errorf("APIEndpoint = %q", cfg.APIEndpoint)
	}
	if cfg.HeartbeatInterval != 60*time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.HeartbeatInterval)
	}
	if cfg.MaxReportsPerIP != 5 {
		t.Errorf("MaxReportsPerIP = %d", cfg.MaxReportsPerIP)
	}
	if cfg.IPCacheTTL != time.Hour {
		t.Errorf("IPCacheTTL = %v", cfg.IPCacheTTL)
	}
	if !cfg.SpoolClearOnStart {
		t.Error("SpoolClearOnStart should default true")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HONEYPOT_ID", "hp-west-1")
	t.Setenv("SSH_PORT", "2200")
	t.Setenv("IP_CACHE_TTL", "120000")
	t.Setenv("OFFLINE_MODE", "true")
	t.Setenv("ENABLE_SSH", "false")
	t.Setenv("REPORT_UNIQUE_TYPES_ONLY", "1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HoneypotID != "hp-west-1" {
		t.Errorf("HoneypotID = %q", cfg.HoneypotID)
	}
	if cfg.SSHPort != 2200 {
		t.Errorf("SSHPort = %d", cfg.SSHPort)
	}
	if cfg.IPCacheTTL != 2*time.Minute {
		t.Errorf("IPCacheTTL = %v", cfg.IPCacheTTL)
	}
	if !cfg.OfflineMode {
		t.Error("OfflineMode should be true")
	}
	if cfg.EnableSSH {
		t.Error("EnableSSH should be false")
	}
	if !cfg.ReportUniqueTypesOnly {
		t.Error("ReportUniqueTypesOnly should be true")
	}
}

func TestYAMLFileWithEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "honeypot.yaml")
	data := "honeypot_id: from-file\nhttp_port: 9090\nmax_reports_per_ip: 2\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("HONEYPOT_ID", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HoneypotID != "from-env" {
		t.Errorf("env should win over file, got %q", cfg.HoneypotID)
	}
	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090 from file", cfg.HTTPPort)
	}
	if cfg.MaxReportsPerIP != 2 {
		t.Errorf("MaxReportsPerIP = %d", cfg.MaxReportsPerIP)
	}
}

func TestInvalidEndpointRejected(t *testing.T) {
	t.Setenv("API_ENDPOINT", "not a url")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for bad endpoint")
	}
}

func TestPaths(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.SpoolPath(); got != filepath.Join("logs", "offline_attacks.json") {
		t.Errorf("SpoolPath = %q", got)
	}
	if got := cfg.HostKeyPath(); got != filepath.Join("keys", "ssh_host_key") {
		t.Errorf("HostKeyPath = %q", got)
	}
}
