package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	EnvSocketPath = "GSRFINDER_SOCKET"
	EnvDBPath     = "GSRFINDER_DB"
	EnvLogLevel   = "GSRFINDER_LOG_LEVEL"
	EnvGeofence   = "GSRFINDER_GEOFENCE_METERS"
)

type Config struct {
	SocketPath      string
	DBPath          string
	HostLocation    string
	FrameInterval   time.Duration
	NoResultTimeout time.Duration
	HostLatency     time.Duration
	ResolveLatency  time.Duration
	GeofenceMeters  float64
	MessageRing     int
	CommandTimeout  time.Duration
	LogLevel        string
	LogEncoding     string
}

func DefaultConfig() Config {
	return Config{
		SocketPath:      defaultSocketPath(),
		DBPath:          defaultDBPath(),
		HostLocation:    "SCIS 1 GSR 2-4",
		FrameInterval:   33 * time.Millisecond,
		NoResultTimeout: 10 * time.Second,
		HostLatency:     2 * time.Second,
		ResolveLatency:  3 * time.Second,
		GeofenceMeters:  150,
		MessageRing:     32,
		CommandTimeout:  5 * time.Second,
		LogLevel:        "info",
		LogEncoding:     "console",
	}
}

// ApplyEnv overrides fields from GSRFINDER_* environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvSocketPath); ok && strings.TrimSpace(v) != "" {
		c.SocketPath = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvDBPath); ok && strings.TrimSpace(v) != "" {
		c.DBPath = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(v) != "" {
		c.LogLevel = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvGeofence); ok && strings.TrimSpace(v) != "" {
		meters, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || meters <= 0 {
			return fmt.Errorf("%s must be a positive number, got %q", EnvGeofence, v)
		}
		c.GeofenceMeters = meters
	}
	return nil
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "gsrfinder", "gsrfinderd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gsrfinderd.sock"
	}
	return filepath.Join(home, ".local", "state", "gsrfinder", "gsrfinderd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "gsrfinder.db"
	}
	return filepath.Join(home, ".local", "state", "gsrfinder", "rooms.db")
}
