package config

import (
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment setting.
const EnvPrefix = "DBGMODEL_"

type envSetter func(cfg *Config, value string) error

// envSettings maps DBGMODEL_<NAME> to the setting it overrides.
var envSettings = map[string]envSetter{
	"LOG_LEVEL":  func(c *Config, v string) error { c.Log.Level = v; return nil },
	"LOG_FORMAT": func(c *Config, v string) error { c.Log.Format = v; return nil },
	"MODEL_STRICT": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		c.Model.Strict = b
		return err
	},
	"MODEL_REFRESH": func(c *Config, v string) error { c.Model.Refresh = v; return nil },
	"MODEL_DEVICE_BASE": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		c.Model.DeviceBase = n
		return err
	},
	"MODEL_ACTION_TIMEOUT": func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		c.Model.ActionTimeout = Duration(d)
		return err
	},
	"SIM_LATENCY": func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		c.Sim.Latency = Duration(d)
		return err
	},
	"SERVER_ADDR": func(c *Config, v string) error { c.Server.Addr = v; return nil },
}

// applyEnv applies DBGMODEL_* variables from env. Unknown names are
// ignored; malformed values are errors.
func applyEnv(cfg *Config, env map[string]string) error {
	for key, value := range env {
		name, ok := strings.CutPrefix(key, EnvPrefix)
		if !ok {
			continue
		}
		set, ok := envSettings[name]
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if err := set(cfg, value); err != nil {
			return &ValidationError{Path: key, Value: value, Message: err.Error()}
		}
	}
	return nil
}
