package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/dshills/dbgmodel/internal/agent"
	"github.com/dshills/dbgmodel/internal/agent/luaaction"
	"github.com/dshills/dbgmodel/internal/config"
	"github.com/dshills/dbgmodel/internal/dbgmgr"
	"github.com/dshills/dbgmodel/internal/dbgmgr/sim"
	"github.com/dshills/dbgmodel/internal/future"
	"github.com/dshills/dbgmodel/internal/logging"
	"github.com/dshills/dbgmodel/internal/model"
)

// session is a model bound to a simulator seeded from config.
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	level   *slog.LevelVar
	sim     *sim.Sim
	model   *agent.Model
	refresh model.RefreshBehavior
	actions []*luaaction.Action
}

// newSession builds the simulator and the model. Relative action script
// paths are resolved against baseDir.
func newSession(cfg *config.Config, baseDir string, logOut io.Writer) (*session, error) {
	logger, level := logging.New(cfg.Log.Level, cfg.Log.Format, logOut)

	devs := make([]dbgmgr.DeviceInfo, 0, len(cfg.Sim.Devices))
	for _, d := range cfg.Sim.Devices {
		devs = append(devs, dbgmgr.DeviceInfo{ID: d.ID, Name: d.Name, Type: d.Type})
	}
	s := sim.New(
		sim.WithLatency(cfg.Sim.Latency.Std()),
		sim.WithLogger(logger.With("component", "sim")),
		sim.WithDevices(devs...),
	)
	for _, p := range cfg.Sim.Processes {
		threads := make([]dbgmgr.ThreadInfo, 0, len(p.Threads))
		for _, t := range p.Threads {
			threads = append(threads, dbgmgr.ThreadInfo{TID: t.TID, Name: t.Name, State: t.State})
		}
		s.AddProcess(dbgmgr.ProcessInfo{PID: p.PID, Name: p.Name}, threads...)
	}

	m, err := agent.New(s,
		agent.WithLogger(logger),
		agent.WithStrict(cfg.Model.Strict),
		agent.WithDeviceBase(cfg.Model.DeviceBase),
	)
	if err != nil {
		return nil, err
	}

	sess := &session{
		cfg:     cfg,
		logger:  logger,
		level:   level,
		sim:     s,
		model:   m,
		refresh: parseRefresh(cfg.Model.Refresh),
	}
	for i, bc := range cfg.Sim.Breakpoints {
		if err := sess.insertBreakpoint(bc, baseDir); err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("sim.breakpoints[%d]: %w", i, err)
		}
	}
	return sess, nil
}

// withLogger returns parent carrying the session logger.
func (s *session) withLogger(parent context.Context) context.Context {
	return logging.WithLogger(parent, s.logger)
}

func (s *session) insertBreakpoint(bc config.BreakpointConfig, baseDir string) error {
	typ, err := breakpointType(bc.Type)
	if err != nil {
		return err
	}
	var offset *string
	if bc.Address != "" {
		offset = &bc.Address
	}
	var size *uint64
	if bc.Size > 0 {
		size = &bc.Size
	}
	info := s.sim.InsertBreakpoint(typ, offset, size, bc.Expression)
	if bc.Action == "" {
		return nil
	}

	script := bc.Action
	if !filepath.IsAbs(script) {
		script = filepath.Join(baseDir, script)
	}
	action, err := luaaction.Load(script,
		luaaction.WithTimeout(s.cfg.Model.ActionTimeout.Std()),
	)
	if err != nil {
		return err
	}
	s.actions = append(s.actions, action)

	spec := s.model.Breakpoints().Spec(info.Number)
	if spec == nil {
		return fmt.Errorf("breakpoint %d not in model", info.Number)
	}
	spec.AddAction(action)
	return nil
}

// applyReload applies the settings that can change while running.
func (s *session) applyReload(cfg *config.Config) {
	s.level.Set(logging.ParseLevel(cfg.Log.Level))
	if cfg.Model.DeviceBase != s.model.Devices().Base() {
		s.model.Devices().WriteConfigurationOption(agent.AttrBase, cfg.Model.DeviceBase).OnComplete(func(_ future.Void, err error) {
			if err != nil {
				s.logger.Error("cannot apply device base", "base", cfg.Model.DeviceBase, "err", err)
			}
		})
	}
	s.logger.Info("config reloaded", "level", cfg.Log.Level, "device_base", cfg.Model.DeviceBase)
}

// watchConfig reloads path until ctx is done. A missing directory is
// reported and ignored.
func (s *session) watchConfig(ctx context.Context, path string) func() {
	logger := logging.FromContextOr(ctx, s.logger)
	w, err := config.Watch(ctx, path, func(cfg *config.Config, err error) {
		if err != nil {
			logger.Error("config reload failed", "path", path, "err", err)
			return
		}
		s.applyReload(cfg)
	})
	if err != nil {
		logger.Warn("config watching disabled", "path", path, "err", err)
		return func() {}
	}
	return func() {
		if err := w.Close(); err != nil && !errors.Is(err, config.ErrWatcherClosed) {
			logger.Debug("config watcher close", "err", err)
		}
	}
}

// Close releases the model and every script.
func (s *session) Close() error {
	for _, a := range s.actions {
		a.Close()
	}
	return s.model.Close(context.Background())
}

func breakpointType(s string) (dbgmgr.BreakpointType, error) {
	if strings.TrimSpace(s) == "" {
		return dbgmgr.Breakpoint, nil
	}
	name := strings.ReplaceAll(strings.TrimSpace(s), " ", "_")
	t := dbgmgr.ParseBreakpointType(name)
	if t == dbgmgr.BreakpointUnknown {
		return t, fmt.Errorf("unknown breakpoint type %q", s)
	}
	return t, nil
}

func parseRefresh(s string) model.RefreshBehavior {
	switch strings.ToLower(s) {
	case "never":
		return model.RefreshNever
	case "always":
		return model.RefreshAlways
	default:
		return model.RefreshWhenAbsent
	}
}
