package config_test

import (
	"testing"
	"time"

	"github.com/playversus/arena/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.FairnessTimeout != 5*time.Second {
		t.Errorf("FairnessTimeout = %v, want 5s", cfg.FairnessTimeout)
	}
	if cfg.Countdown != 30*time.Second {
		t.Errorf("Countdown = %v, want 30s", cfg.Countdown)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("SESSION_MAX_DURATION", "90m")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("HTTPAddr = %q, want :9999", cfg.HTTPAddr)
	}
	if cfg.MaxDuration != 90*time.Minute {
		t.Errorf("MaxDuration = %v, want 90m", cfg.MaxDuration)
	}
}

func TestProviderEndpoints(t *testing.T) {
	t.Setenv("FAIRNESS_PROVIDERS", "sentinel=https://sentinel.internal, probe=https://probe.internal")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	eps, err := cfg.ProviderEndpoints()
	if err != nil {
		t.Fatalf("parsing providers: %v", err)
	}
	if len(eps) != 2 {
		t.Fatalf("got %d endpoints, want 2", len(eps))
	}
	if eps[0].Name != "sentinel" || eps[0].URL != "https://sentinel.internal" {
		t.Errorf("first endpoint = %+v", eps[0])
	}
	if eps[1].Name != "probe" {
		t.Errorf("second endpoint name = %q, want probe", eps[1].Name)
	}
}

func TestProviderEndpointsMalformed(t *testing.T) {
	t.Setenv("FAIRNESS_PROVIDERS", "justaname")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if _, err := cfg.ProviderEndpoints(); err == nil {
		t.Fatal("expected error for entry without url")
	}
}
