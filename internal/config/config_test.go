package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("http address = %q", cfg.HTTPAddress)
	}
	if cfg.SnapshotEditThreshold != 50 {
		t.Fatalf("snapshot edit threshold = %d", cfg.SnapshotEditThreshold)
	}
	if cfg.SnapshotIdle != 45*time.Second {
		t.Fatalf("snapshot idle = %v", cfg.SnapshotIdle)
	}
	if cfg.DrainTimeout != 5*time.Second {
		t.Fatalf("drain timeout = %v", cfg.DrainTimeout)
	}
	if cfg.EmptyDocByteThreshold != 2 {
		t.Fatalf("empty document threshold = %d", cfg.EmptyDocByteThreshold)
	}
	if cfg.RateLimitCount != 20 || cfg.RateLimitWindow != time.Minute {
		t.Fatalf("rate limit = %d per %v", cfg.RateLimitCount, cfg.RateLimitWindow)
	}
	if cfg.RedisAddress != "" {
		t.Fatalf("redis address defaulted to %q", cfg.RedisAddress)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error when signing secret is missing")
	}
}

func TestLoadRejectsNonPositiveThresholds(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")
	configViper.Set("sync.snapshot_edit_threshold", 0)
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for zero edit threshold")
	}
}

func TestSyncExtractsTuningKnobs(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")
	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	sync := cfg.Sync()
	if sync.SnapshotEditThreshold != cfg.SnapshotEditThreshold ||
		sync.SnapshotIdle != cfg.SnapshotIdle ||
		sync.DrainTimeout != cfg.DrainTimeout ||
		sync.EmptyDocByteThreshold != cfg.EmptyDocByteThreshold {
		t.Fatalf("sync knobs diverged: %+v vs %+v", sync, cfg)
	}
}
