package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLoadConfigDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Tier != domain.TierCommunity {
		t.Errorf("expected tier community, got %s", cfg.Tier)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Analysis.Timeout != 2*time.Minute {
		t.Errorf("expected timeout 2m, got %s", cfg.Analysis.Timeout)
	}
}

func TestLoadConfigEnvironment(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("KESTREL_TIER", "pro")
	t.Setenv("KESTREL_SERVER_PORT", "9090")
	t.Setenv("KESTREL_ANALYSIS_TIMEOUT", "45s")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Tier != domain.TierPro {
		t.Errorf("expected tier pro, got %s", cfg.Tier)
	}
	if cfg.Repository.Driver != "postgres" {
		t.Errorf("expected pro repository driver postgres, got %s", cfg.Repository.Driver)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Analysis.Timeout != 45*time.Second {
		t.Errorf("expected timeout 45s, got %s", cfg.Analysis.Timeout)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kestrel.yaml")
	data := []byte("repository:\n  sqlite_path: /tmp/case.db\nanalysis:\n  workers: 3\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	cfgFile = path
	t.Cleanup(func() { cfgFile = "" })

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Repository.SQLitePath != "/tmp/case.db" {
		t.Errorf("expected sqlite path from file, got %s", cfg.Repository.SQLitePath)
	}
	if cfg.Repository.Driver != "sqlite" {
		t.Errorf("expected default driver to survive, got %s", cfg.Repository.Driver)
	}
	if cfg.Analysis.Workers != 3 {
		t.Errorf("expected 3 workers, got %d", cfg.Analysis.Workers)
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (stand-in for testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
