package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/dbgmodel/internal/dbgmgr"
	"github.com/dshills/dbgmodel/internal/model"
	"github.com/dshills/dbgmodel/internal/model/path"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var (
		prefix string
		step   time.Duration
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print change events while the simulator runs a scripted session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := path.Parse(prefix)
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			sess, err := newSession(cfg, filepath.Dir(opts.configPath), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx := sess.withLogger(cmd.Context())
			stopWatch := sess.watchConfig(ctx, opts.configPath)
			defer stopWatch()

			printer := &eventPrinter{w: cmd.OutOrStdout()}
			sub, err := sess.model.Tree().Subscribe(p, printer.print)
			if err != nil {
				return err
			}
			defer sess.model.Tree().Unsubscribe(sub)

			if err := runScript(ctx, sess, step); err != nil {
				return err
			}
			if follow {
				<-ctx.Done()
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&prefix, "path", "p", "", "Only print events under this path")
	cmd.Flags().DurationVar(&step, "step", 200*time.Millisecond, "Pause between scripted steps")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing events until interrupted")
	return cmd
}

// eventPrinter writes one line per tree notification.
type eventPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *eventPrinter) print(_ context.Context, ev any) {
	line := formatEvent(ev)
	if line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, line)
}

func formatEvent(ev any) string {
	switch e := ev.(type) {
	case model.AttributesChanged:
		return fmt.Sprintf("%-4d %s attributes (%s)%s", e.Seq, displayPath(e.Path), e.Reason, formatChanges(e.Removed, e.Added))
	case model.ElementsChanged:
		added := make(map[string]any, len(e.Added))
		for k, n := range e.Added {
			added["["+k+"]"] = n.Display()
		}
		removed := make([]string, len(e.Removed))
		for i, k := range e.Removed {
			removed[i] = "[" + k + "]"
		}
		return fmt.Sprintf("%-4d %s elements (%s)%s", e.Seq, displayPath(e.Path), e.Reason, formatChanges(removed, added))
	case model.Invalidated:
		return fmt.Sprintf("%-4d %s invalidated (%s)", e.Seq, displayPath(e.Path), e.Reason)
	default:
		return ""
	}
}

func displayPath(p path.Path) string {
	if p.IsRoot() {
		return "/"
	}
	return p.String()
}

func formatChanges(removed []string, added map[string]any) string {
	var b strings.Builder
	keys := make([]string, 0, len(added))
	for k := range added {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " +%s=%v", k, added[k])
	}
	rm := append([]string(nil), removed...)
	sort.Strings(rm)
	for _, k := range rm {
		fmt.Fprintf(&b, " -%s", k)
	}
	return b.String()
}

// runScript drives the simulator through a short session: enumerate,
// insert a breakpoint, stop on it, disable it and delete it.
func runScript(ctx context.Context, sess *session, step time.Duration) error {
	pause := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step):
			return nil
		}
	}

	procs := sess.cfg.Sim.Processes
	if len(procs) == 0 || len(procs[0].Threads) == 0 {
		sess.sim.AddProcess(dbgmgr.ProcessInfo{PID: 1, Name: "demo"},
			dbgmgr.ThreadInfo{TID: 1, Name: "main", State: "stopped"})
	}
	thread := dbgmgr.ThreadRef{PID: 1, TID: 1}
	if len(procs) > 0 && len(procs[0].Threads) > 0 {
		thread = dbgmgr.ThreadRef{PID: procs[0].PID, TID: procs[0].Threads[0].TID}
	}

	if _, err := sess.model.Refresh(ctx).Await(ctx); err != nil {
		return err
	}
	if err := pause(); err != nil {
		return err
	}

	addr := "0x401000"
	info := sess.sim.InsertBreakpoint(dbgmgr.Breakpoint, &addr, nil, "")
	if err := pause(); err != nil {
		return err
	}

	if err := sess.sim.Hit(info.Number, thread, &dbgmgr.FrameInfo{PC: 0x401000, Function: "main"}); err != nil {
		return err
	}
	if err := pause(); err != nil {
		return err
	}

	spec := sess.model.Breakpoints().Spec(info.Number)
	if spec == nil {
		return fmt.Errorf("breakpoint %d missing from model", info.Number)
	}
	if _, err := spec.Disable(ctx).Await(ctx); err != nil {
		return err
	}
	if err := pause(); err != nil {
		return err
	}

	_, err := spec.Delete(ctx).Await(ctx)
	return err
}
