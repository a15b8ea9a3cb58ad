package config

import (
	"path/filepath"
	"testing"
)

func TestSaveAndLoadRoundTripThroughConfigPathOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.json")
	t.Setenv("OPENCLAW_CHINA_CONFIG", path)

	cfg := Default()
	cfg.Gateway.Port = 9999
	cfg.Log.MaxAgeDays = 7

	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Gateway.Port != 9999 {
		t.Fatalf("expected Save to write to the overridden path Load reads back, got port %d", loaded.Gateway.Port)
	}
	if loaded.Log.MaxAgeDays != 7 {
		t.Fatalf("expected Log.MaxAgeDays to round-trip, got %d", loaded.Log.MaxAgeDays)
	}
}

func TestConfigPathHonorsEnvOverride(t *testing.T) {
	t.Setenv("OPENCLAW_CHINA_CONFIG", "/tmp/custom-gateway.json")
	if got := ConfigPath(); got != "/tmp/custom-gateway.json" {
		t.Fatalf("ConfigPath: got %q", got)
	}
}
