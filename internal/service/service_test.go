package service

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("testdata/config.yaml")

	if cfg.Name != "udprelay" {
		t.Errorf("Name = %q, want udprelay", cfg.Name)
	}
	if !filepath.IsAbs(cfg.ConfigPath) {
		t.Errorf("ConfigPath = %q, want absolute path", cfg.ConfigPath)
	}
	if cfg.WorkingDir != filepath.Dir(cfg.ConfigPath) {
		t.Errorf("WorkingDir = %q, want config directory", cfg.WorkingDir)
	}
	if cfg.WatchdogSec != 30*time.Second {
		t.Errorf("WatchdogSec = %v, want 30s", cfg.WatchdogSec)
	}
	if cfg.SocketActivation {
		t.Error("SocketActivation should default to false")
	}
}
