package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tandemlabs/tandem/internal/sync"
)

func TestLoadClientConfigDefaultsWithoutFile(t *testing.T) {
	cfg, err := loadClientConfig("")
	if err != nil {
		t.Fatalf("loadClientConfig: %v", err)
	}
	if cfg != sync.DefaultConfig() {
		t.Errorf("cfg = %+v, want defaults", cfg)
	}
}

func TestLoadClientConfigOverridesNamedKnobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	data := []byte("heartbeat_interval: 1000000000\nfailure_threshold: 5\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadClientConfig(path)
	if err != nil {
		t.Fatalf("loadClientConfig: %v", err)
	}
	if cfg.HeartbeatInterval != time.Second {
		t.Errorf("HeartbeatInterval = %s, want 1s", cfg.HeartbeatInterval)
	}
	if cfg.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cfg.FailureThreshold)
	}
	if want := sync.DefaultConfig().StuckStateTimeout; cfg.StuckStateTimeout != want {
		t.Errorf("StuckStateTimeout = %s, want untouched default %s", cfg.StuckStateTimeout, want)
	}
}

func TestLoadClientConfigMissingFileFails(t *testing.T) {
	if _, err := loadClientConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
