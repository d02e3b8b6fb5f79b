// Package config loads the foreman config.toml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"foreman/pkg/bridge"
	"foreman/pkg/dispatcher"
	"foreman/pkg/health"
	"foreman/pkg/protocol"
	"foreman/pkg/supervisor"
)

// Duration is a time.Duration written as a Go duration string ("10m", "30s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	if v < 0 {
		return fmt.Errorf("invalid duration %q: negative", b)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Tool describes the execution tool spawned per session.
type Tool struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Mode    string   `toml:"mode"`
	Model   string   `toml:"model"`
	Dir     string   `toml:"dir"`
	// KeepStdin leaves a pipe on the tool's stdin so help and continue
	// nudges reach it. Off by default: the tool sees /dev/null.
	KeepStdin bool `toml:"keep_stdin"`
}

// Timing holds every loop cadence and timeout.
type Timing struct {
	StuckTimeout   Duration `toml:"stuck_timeout"`
	SweepInterval  Duration `toml:"sweep_interval"`
	HealthInterval Duration `toml:"health_interval"`
	StopGrace      Duration `toml:"stop_grace"`
	CommandPoll    Duration `toml:"command_poll"`
}

// Inference configures the heuristic path inferer.
type Inference struct {
	Root     string              `toml:"root"`
	Defaults []string            `toml:"defaults"`
	Keywords map[string][]string `toml:"keywords"`
}

// Log configures internal/logging.
type Log struct {
	Level     string `toml:"level"`
	MaxSizeMB int    `toml:"max_size_mb"`
}

// Escalation configures the operator hook. Command is run with the
// escalation message as its final argument.
type Escalation struct {
	Command []string `toml:"command"`
}

// Config is the parsed config.toml.
type Config struct {
	Tool       Tool       `toml:"tool"`
	Timing     Timing     `toml:"timing"`
	Inference  Inference  `toml:"inference"`
	Log        Log        `toml:"log"`
	Escalation Escalation `toml:"escalation"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Tool.Command == "" {
		out.Tool.Command = protocol.DefaultToolCommand
	}
	if out.Tool.Args == nil {
		out.Tool.Args = []string{"-p"}
	}
	if out.Tool.Mode == "" {
		out.Tool.Mode = protocol.DefaultMode
	}
	if out.Timing.StuckTimeout == 0 {
		out.Timing.StuckTimeout = Duration(10 * time.Minute)
	}
	if out.Timing.SweepInterval == 0 {
		out.Timing.SweepInterval = Duration(30 * time.Second)
	}
	if out.Timing.HealthInterval == 0 {
		out.Timing.HealthInterval = Duration(30 * time.Second)
	}
	if out.Timing.StopGrace == 0 {
		out.Timing.StopGrace = Duration(5 * time.Second)
	}
	if out.Timing.CommandPoll == 0 {
		out.Timing.CommandPoll = Duration(2 * time.Second)
	}
	if out.Inference.Root == "" {
		out.Inference.Root = "."
	}
	if out.Inference.Defaults == nil {
		out.Inference.Defaults = supervisor.DefaultPaths
	}
	if out.Inference.Keywords == nil {
		out.Inference.Keywords = supervisor.DefaultKeywords
	}
	if out.Log.Level == "" {
		out.Log.Level = "INFO"
	}
	if out.Log.MaxSizeMB == 0 {
		out.Log.MaxSizeMB = 10
	}
	return out
}

// Default returns the configuration used when no file exists.
func Default() Config {
	var c Config
	return c.withDefaults()
}

// Load reads path. A missing file yields Default(); unknown keys are an error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from FOREMAN_CONFIG or the state dir
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes TOML bytes and applies defaults.
func Parse(data []byte) (Config, error) {
	var c Config
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Config{}, fmt.Errorf("parse config: %s", strict.String())
		}
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return c.withDefaults(), nil
}

// Encode renders c as TOML, used by `foreman config` to show the effective
// settings.
func Encode(c Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// Spawner returns the production tool spawner.
func (c Config) Spawner() *supervisor.ToolSpawner {
	return &supervisor.ToolSpawner{
		Command:   c.Tool.Command,
		Args:      c.Tool.Args,
		Dir:       c.Tool.Dir,
		KeepStdin: c.Tool.KeepStdin,
	}
}

// Inferer returns the heuristic path inferer described by [inference].
func (c Config) Inferer() *supervisor.HeuristicInferer {
	inf := supervisor.NewHeuristicInferer(c.Inference.Root)
	inf.Keywords = c.Inference.Keywords
	inf.Defaults = c.Inference.Defaults
	return inf
}

// Dispatcher maps the file onto a dispatcher.Config rooted at home.
func (c Config) Dispatcher(home string) dispatcher.Config {
	return dispatcher.Config{
		Home: home,
		Supervisor: supervisor.Config{
			Mode:      c.Tool.Mode,
			Model:     c.Tool.Model,
			StopGrace: time.Duration(c.Timing.StopGrace),
		},
		Bridge: bridge.Config{
			StuckTimeout:  time.Duration(c.Timing.StuckTimeout),
			SweepInterval: time.Duration(c.Timing.SweepInterval),
		},
		Health: health.MonitorConfig{
			Interval: time.Duration(c.Timing.HealthInterval),
		},
		Inferer:     c.Inferer(),
		CommandPoll: time.Duration(c.Timing.CommandPoll),
	}
}
