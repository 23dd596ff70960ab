package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rivo/uniseg"
	"github.com/spf13/cobra"

	"github.com/dshills/dbgmodel/internal/logging"
	"github.com/dshills/dbgmodel/internal/model"
)

func newTreeCmd(opts *rootOptions) *cobra.Command {
	var (
		depth   int
		timeout time.Duration
		attrs   bool
	)
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the object tree of the simulated target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			sess, err := newSession(cfg, filepath.Dir(opts.configPath), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx, cancel := context.WithTimeout(sess.withLogger(cmd.Context()), timeout)
			defer cancel()
			loadTree(ctx, sess, sess.model.Root(), depth)
			printTree(cmd.OutOrStdout(), sess.model.Root(), depth, attrs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&depth, "depth", "d", 4, "Maximum depth to load and print")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Time allowed for loading")
	cmd.Flags().BoolVarP(&attrs, "attributes", "a", false, "Print plain attributes")
	return cmd
}

// loadTree requests attributes and elements down to depth using the
// session's refresh behavior. Failures are logged and skipped.
func loadTree(ctx context.Context, sess *session, n *model.Node, depth int) {
	if depth <= 0 {
		return
	}
	logger := logging.FromContextOr(ctx, sess.logger)
	if _, err := n.RequestAttributes(ctx, sess.refresh).Await(ctx); err != nil {
		logger.Warn("cannot load attributes", "path", n.Path().String(), "err", err)
	}
	if _, err := n.RequestElements(ctx, sess.refresh).Await(ctx); err != nil {
		logger.Warn("cannot load elements", "path", n.Path().String(), "err", err)
	}
	for _, c := range children(n) {
		loadTree(ctx, sess, c, depth-1)
	}
}

// children returns the nodes n owns: node attributes first, by name, then
// elements.
func children(n *model.Node) []*model.Node {
	attrs := n.CachedAttributes()
	names := make([]string, 0, len(attrs))
	for name, v := range attrs {
		if c, ok := v.(*model.Node); ok && c.Parent() == n && c.Segment().Name() == name {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]*model.Node, 0, len(names))
	for _, name := range names {
		out = append(out, attrs[name].(*model.Node))
	}
	return append(out, n.CachedElements()...)
}

type treeRow struct {
	label   string
	display string
	attrs   string
}

// printTree writes one row per node: the indented segment, the display
// text, and optionally the plain attributes. Columns are aligned by
// display width so wide or combined characters in names line up.
func printTree(w io.Writer, root *model.Node, depth int, withAttrs bool) {
	var rows []treeRow
	var walk func(n *model.Node, level int)
	walk = func(n *model.Node, level int) {
		label := "/"
		if !n.Path().IsRoot() {
			label = strings.Repeat("  ", level-1) + n.Segment().String()
		}
		row := treeRow{label: label}
		if d := n.Display(); !n.Path().IsRoot() && d != n.Path().Name() {
			row.display = d
		}
		if withAttrs {
			row.attrs = plainAttributes(n)
		}
		rows = append(rows, row)
		if level >= depth {
			return
		}
		for _, c := range children(n) {
			walk(c, level+1)
		}
	}
	walk(root, 0)

	labelWidth, displayWidth := 0, 0
	for _, r := range rows {
		labelWidth = max(labelWidth, uniseg.StringWidth(r.label))
		displayWidth = max(displayWidth, uniseg.StringWidth(r.display))
	}
	for _, r := range rows {
		line := pad(r.label, labelWidth)
		if r.display != "" || r.attrs != "" {
			line += "  " + pad(r.display, displayWidth)
		}
		if r.attrs != "" {
			line += "  " + r.attrs
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
}

func pad(s string, width int) string {
	if n := width - uniseg.StringWidth(s); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}

// plainAttributes renders the non-node, non-hidden attributes as k=v.
func plainAttributes(n *model.Node) string {
	attrs := n.CachedAttributes()
	keys := make([]string, 0, len(attrs))
	for k, v := range attrs {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if _, isNode := v.(*model.Node); isNode {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, attrs[k])
	}
	return strings.Join(parts, " ")
}
