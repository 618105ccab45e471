package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != Default() {
		t.Errorf("cfg = %+v, want defaults", cfg)
	}
}

func TestLoadEmptyPathSkipsFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "tickstore.db" {
		t.Errorf("db path = %q, want default", cfg.DBPath)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
db_path: /var/lib/tickstore/fleet.db
backup_keep: 10
prune_interval: 30m
retry_attempts: 8
retry_backoff: 250ms
lease_ttl: 2m
alert_url: ws://ops.internal/alerts
`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/var/lib/tickstore/fleet.db" {
		t.Errorf("db path = %q", cfg.DBPath)
	}
	if cfg.BackupKeep != 10 {
		t.Errorf("backup keep = %d, want 10", cfg.BackupKeep)
	}
	if cfg.PruneInterval != 30*time.Minute {
		t.Errorf("prune interval = %v, want 30m", cfg.PruneInterval)
	}
	if cfg.RetryAttempts != 8 {
		t.Errorf("retry attempts = %d, want 8", cfg.RetryAttempts)
	}
	if cfg.RetryBackoff != 250*time.Millisecond {
		t.Errorf("retry backoff = %v, want 250ms", cfg.RetryBackoff)
	}
	if cfg.LeaseTTL != 2*time.Minute {
		t.Errorf("lease ttl = %v, want 2m", cfg.LeaseTTL)
	}
	if cfg.AlertURL != "ws://ops.internal/alerts" {
		t.Errorf("alert url = %q", cfg.AlertURL)
	}
}

func TestLoadPartialFileKeepsRemainingDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("backup_keep: 3\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackupKeep != 3 {
		t.Errorf("backup keep = %d, want 3", cfg.BackupKeep)
	}
	if cfg.DBPath != "tickstore.db" {
		t.Errorf("db path = %q, want default", cfg.DBPath)
	}
	if cfg.LeaseTTL != 5*time.Minute {
		t.Errorf("lease ttl = %v, want default 5m", cfg.LeaseTTL)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("lease_ttl: sometimes\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error for bad duration")
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(":\n  - not yaml [\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error for malformed yaml")
	}
}
