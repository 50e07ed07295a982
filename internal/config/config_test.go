package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.GCIntervalSec != DefaultGCIntervalSec {
		t.Errorf("expected gc_interval_sec %d, got %d", DefaultGCIntervalSec, cfg.GCIntervalSec)
	}
	if cfg.GCAgeSec != DefaultGCAgeSec {
		t.Errorf("expected gc_age_sec %d, got %d", DefaultGCAgeSec, cfg.GCAgeSec)
	}
	if cfg.IdleReapAgeSec != 0 {
		t.Errorf("expected idle reaping disabled by default, got %d", cfg.IdleReapAgeSec)
	}
	if !cfg.VCSIgnored() {
		t.Error("expected VCS directories ignored by default")
	}
}

func TestLoadMissingFile(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load with missing file failed: %v", err)
	}
	if cfg.GCIntervalSec != DefaultGCIntervalSec {
		t.Error("missing file should yield defaults")
	}
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	doc := `
settle_ms = 250
gc_interval_sec = 0
idle_reap_age_sec = 3600
ignore_dirs = ["node_modules", "build"]
ignore_vcs = false
`
	if err := os.WriteFile(filepath.Join(tmpDir, FileName), []byte(doc), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Settle() != 250*time.Millisecond {
		t.Errorf("expected 250ms settle, got %v", cfg.Settle())
	}
	if cfg.GCInterval() != 0 {
		t.Errorf("expected aging disabled, got %v", cfg.GCInterval())
	}
	if cfg.IdleReapAge() != time.Hour {
		t.Errorf("expected 1h idle reap age, got %v", cfg.IdleReapAge())
	}
	if len(cfg.IgnoreDirs) != 2 {
		t.Errorf("expected 2 ignore dirs, got %d", len(cfg.IgnoreDirs))
	}
	if cfg.VCSIgnored() {
		t.Error("expected VCS ignoring disabled")
	}

	// Unset fields keep their defaults.
	if cfg.GCAgeSec != DefaultGCAgeSec {
		t.Errorf("expected default gc_age_sec, got %d", cfg.GCAgeSec)
	}
}

func TestParseRejectsNegatives(t *testing.T) {
	if _, err := Parse([]byte("settle_ms = -1\n")); err == nil {
		t.Error("expected error for negative settle_ms")
	}
	if _, err := Parse([]byte("gc_interval_sec = -5\n")); err == nil {
		t.Error("expected error for negative gc_interval_sec")
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := Parse([]byte("settle_ms = {")); err == nil {
		t.Error("expected error for malformed TOML")
	}
}
