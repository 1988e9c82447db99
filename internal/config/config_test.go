package config

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.NoResultTimeout != 10*time.Second {
		t.Fatalf("expected 10s no-result timeout, got %v", cfg.NoResultTimeout)
	}
	if cfg.FrameInterval <= 0 || cfg.SocketPath == "" || cfg.DBPath == "" {
		t.Fatalf("incomplete defaults: %+v", cfg)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvSocketPath: "/tmp/g.sock",
		EnvDBPath:     " /tmp/g.db ",
		EnvLogLevel:   "debug",
		EnvGeofence:   "80.5",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.SocketPath != "/tmp/g.sock" || cfg.DBPath != "/tmp/g.db" || cfg.LogLevel != "debug" || cfg.GeofenceMeters != 80.5 {
		t.Fatalf("env not applied: %+v", cfg)
	}

	env[EnvGeofence] = "-3"
	if err := cfg.ApplyEnv(lookup); err == nil {
		t.Fatalf("expected error for negative geofence")
	}
}
