package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Config is the full settings tree.
type Config struct {
	Log    LogConfig    `toml:"log"`
	Model  ModelConfig  `toml:"model"`
	Sim    SimConfig    `toml:"sim"`
	Server ServerConfig `toml:"server"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level"`
	// Format is text, json, or auto (text on a terminal).
	Format string `toml:"format"`
}

// ModelConfig configures the object model.
type ModelConfig struct {
	// Strict makes invariant violations panic.
	Strict bool `toml:"strict"`
	// Refresh is the refresh behavior of interactive reads: never,
	// when_absent or always.
	Refresh string `toml:"refresh"`
	// DeviceBase is the numeric base of device ids.
	DeviceBase int `toml:"device_base"`
	// ActionTimeout bounds one scripted breakpoint action.
	ActionTimeout Duration `toml:"action_timeout"`
}

// SimConfig seeds the simulated backend.
type SimConfig struct {
	Latency     Duration           `toml:"latency"`
	Devices     []DeviceConfig     `toml:"devices"`
	Processes   []ProcessConfig    `toml:"processes"`
	Breakpoints []BreakpointConfig `toml:"breakpoints"`
}

// DeviceConfig is one attachable device.
type DeviceConfig struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
	Type string `toml:"type"`
}

// ProcessConfig is one simulated process.
type ProcessConfig struct {
	PID     int64          `toml:"pid"`
	Name    string         `toml:"name"`
	Threads []ThreadConfig `toml:"threads"`
}

// ThreadConfig is one simulated thread.
type ThreadConfig struct {
	TID   int64  `toml:"tid"`
	Name  string `toml:"name"`
	State string `toml:"state"`
}

// BreakpointConfig is a breakpoint present when the session starts.
type BreakpointConfig struct {
	// Type is a native type name such as "breakpoint" or "hw watchpoint".
	Type       string `toml:"type"`
	Address    string `toml:"address"`
	Size       uint64 `toml:"size"`
	Expression string `toml:"expression"`
	// Action is the path of a Lua script run on every hit.
	Action string `toml:"action"`
}

// ServerConfig configures the observer server.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// Duration is a time.Duration that reads "250ms"-style text.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "auto"},
		Model: ModelConfig{
			Refresh:       "when_absent",
			DeviceBase:    16,
			ActionTimeout: Duration(time.Second),
		},
		Server: ServerConfig{Addr: "127.0.0.1:7777"},
	}
}

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"auto", "text", "json"}
	refreshes  = []string{"never", "when_absent", "always"}
)

// Validate checks every setting and joins the problems found.
func (c *Config) Validate() error {
	var errs []error
	oneOf := func(path, v string, allowed []string) {
		for _, a := range allowed {
			if strings.EqualFold(v, a) {
				return
			}
		}
		errs = append(errs, &ValidationError{Path: path, Value: v, Message: "must be one of " + strings.Join(allowed, ", ")})
	}

	oneOf("log.level", c.Log.Level, logLevels)
	oneOf("log.format", c.Log.Format, logFormats)
	oneOf("model.refresh", c.Model.Refresh, refreshes)
	if c.Model.DeviceBase < 2 || c.Model.DeviceBase > 36 {
		errs = append(errs, &ValidationError{Path: "model.device_base", Value: c.Model.DeviceBase, Message: "must be between 2 and 36"})
	}
	if c.Model.ActionTimeout < 0 {
		errs = append(errs, &ValidationError{Path: "model.action_timeout", Value: c.Model.ActionTimeout.Std(), Message: "must not be negative"})
	}
	if c.Sim.Latency < 0 {
		errs = append(errs, &ValidationError{Path: "sim.latency", Value: c.Sim.Latency.Std(), Message: "must not be negative"})
	}

	seen := make(map[int64]bool)
	for i, p := range c.Sim.Processes {
		if seen[p.PID] {
			errs = append(errs, &ValidationError{Path: fmt.Sprintf("sim.processes[%d].pid", i), Value: p.PID, Message: "duplicate"})
		}
		seen[p.PID] = true
	}
	for i, d := range c.Sim.Devices {
		if d.ID == "" {
			errs = append(errs, &ValidationError{Path: fmt.Sprintf("sim.devices[%d].id", i), Value: d.ID, Message: "must not be empty"})
		}
	}
	return errors.Join(errs...)
}

// SlogLevel returns the configured log level.
func (c LogConfig) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
