package main

import (
	"fmt"
	"os"
	"path/filepath"

	"foreman/pkg/protocol"
)

// Paths holds all resolved foreman state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home        string // ~/.foreman or FOREMAN_HOME
	PIDPath     string // foreman.pid or FOREMAN_PID_PATH
	LockPath    string // foreman.lock, next to the PID file
	StateDBPath string // state.db or FOREMAN_DB_PATH
	ConfigPath  string // config.toml or FOREMAN_CONFIG
	LogPath     string // foreman.log
}

// ResolvePaths returns all foreman paths, respecting env var overrides.
// Environment variables:
//   - FOREMAN_HOME: base directory for all state (default: ~/.foreman)
//   - FOREMAN_PID_PATH: daemon PID file (default: $FOREMAN_HOME/foreman.pid)
//   - FOREMAN_DB_PATH: state database (default: $FOREMAN_HOME/state.db)
//   - FOREMAN_CONFIG: config file (default: $FOREMAN_HOME/config.toml)
//
// Specific env vars override both the default and the FOREMAN_HOME base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	pid := resolvePathWithEnv("FOREMAN_PID_PATH", home, "foreman.pid")
	return &Paths{
		Home:        home,
		PIDPath:     pid,
		LockPath:    filepath.Join(filepath.Dir(pid), "foreman.lock"),
		StateDBPath: resolvePathWithEnv("FOREMAN_DB_PATH", home, "state.db"),
		ConfigPath:  resolvePathWithEnv("FOREMAN_CONFIG", home, "config.toml"),
		LogPath:     filepath.Join(home, "foreman.log"),
	}, nil
}

// EnsureHome creates the state directory.
func (p *Paths) EnsureHome() error {
	if err := os.MkdirAll(p.Home, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", p.Home, err)
	}
	return nil
}

func resolveHome() (string, error) {
	if v := os.Getenv("FOREMAN_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.ForemanDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
